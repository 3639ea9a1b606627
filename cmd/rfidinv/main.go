package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/rfidinv/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "rfidinv",
	Short: "RFID inventory over a BLE handheld reader",
	Long: `Drives a handheld UHF RFID reader over Bluetooth Low Energy and reconciles
the tags it reads against a room's asset book:

- Run inventory sessions and report MATCHED / MISSING / EXCESS assets
- Classify foreign tags as neighbor-room, other-room or unknown
- Query and tune the reader (identity, firmware, power, RF profile, alert)
- Keep a local journal of finished sessions
- Find nearby readers by their advertised service

Settings come from defaults, an optional YAML file (--config), RFIDINV_* environment
variables and flags, in increasing priority.`,
	Version:           formatVersion(version),
	PersistentPreRunE: loadConfig,
}

var (
	configPath string
	noColor    bool

	// appConfig is loaded once per invocation by loadConfig.
	appConfig *config.Config
)

// flagBindings maps config keys to the flag names that override them.
var flagBindings = map[string]string{
	"log_level":            "log-level",
	"reader.address":       "address",
	"inventory.room_id":    "room",
	"inventory.unit_id":    "unit",
	"inventory.asset_book": "book",
	"classify.url":         "classify-url",
	"journal.path":         "journal",
	"metrics.addr":         "metrics-addr",
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if noColor {
		color.NoColor = true
	}

	bindings := make(map[string]*pflag.Flag, len(flagBindings))
	for key, name := range flagBindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			bindings[key] = f
		}
	}

	cfg, err := config.Load(configPath, bindings)
	if err != nil {
		return err
	}
	appConfig = cfg
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("rfidinv {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(inventoryCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(scanCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to a YAML config file")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolP("verbose", "V", false, "Debug logging (same as --log-level debug)")
	pf.BoolVar(&noColor, "no-color", false, "Disable coloured output")
	pf.String("journal", "", "Path of the SQLite session journal")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
