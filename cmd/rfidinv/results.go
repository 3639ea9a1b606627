package main

import (
	"github.com/spf13/cobra"
	"github.com/srg/rfidinv/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results [session-id]",
	Short: "List recorded inventory sessions, or show one",
	Long: `Reads the session journal written by 'rfidinv inventory'.

Examples:
  rfidinv results
  rfidinv results --limit 5 -f json
  rfidinv results 0b6f3c1e-8a51-4f43-9d0e-5c2b8f1f7a10`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResults,
}

var (
	resultsLimit  int
	resultsFormat string
)

func init() {
	resultsCmd.Flags().IntVarP(&resultsLimit, "limit", "n", 20, "Maximum sessions to list, newest first")
	resultsCmd.Flags().StringVarP(&resultsFormat, "format", "f", formatTable, "Output format (table, json)")
}

func runResults(cmd *cobra.Command, args []string) error {
	if err := validateFormat(resultsFormat); err != nil {
		return err
	}
	logger := configureLogger(cmd, appConfig)
	cmd.SilenceUsage = true

	j, err := store.Open(appConfig.Journal.Path, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	if len(args) == 0 {
		recs, err := j.ListSessions(ctx, resultsLimit)
		if err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), resultsFormat, recs)
	}

	rec, err := j.LoadSession(ctx, args[0])
	if err != nil {
		return err
	}
	return printSession(cmd.OutOrStdout(), resultsFormat, rec)
}
