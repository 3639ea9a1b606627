package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/rfidinv/internal/discover"
)

// newScanner creates the advertisement scanner (can be overridden in tests)
var newScanner = func(logger *logrus.Logger) *discover.Scanner {
	return discover.New(nil, logger)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find nearby RFID readers",
	Long: `Listens for BLE advertisements and lists the readers that advertise the
reader service, strongest signal first. Use an address from the list with
--address or reader.address.

Examples:
  rfidinv scan
  rfidinv scan -d 30s --block AA:BB:CC:DD:EE:01
  rfidinv scan --all -f json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanService   string
	scanAll       bool
	scanAllowList []string
	scanBlockList []string
)

func init() {
	f := scanCmd.Flags()
	f.DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 scans until Ctrl+C)")
	f.StringVarP(&scanFormat, "format", "f", formatTable, "Output format (table, json)")
	f.StringVar(&scanService, "service", "", "Service UUID readers advertise (default: reader.service_uuid)")
	f.BoolVar(&scanAll, "all", false, "List every advertising device, not only readers")
	f.StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	f.StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(scanFormat); err != nil {
		return err
	}
	logger := configureLogger(cmd, appConfig)
	cmd.SilenceUsage = true

	opts := discover.Options{
		Duration:    scanDuration,
		ServiceUUID: appConfig.Reader.ServiceUUID,
		AllowList:   scanAllowList,
		BlockList:   scanBlockList,
	}
	if scanService != "" {
		opts.ServiceUUID = scanService
	}
	if scanAll {
		opts.ServiceUUID = ""
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var seen atomic.Int64
	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scan", "listening", scanDuration, func() string {
		return fmt.Sprintf("%d found", seen.Load())
	})
	progress.Start()
	found, err := newScanner(logger).Scan(ctx, opts, func(discover.Found) { seen.Add(1) })
	progress.Stop()
	if err != nil {
		return wrapOp(opDiscover, err)
	}

	return printReaders(cmd.OutOrStdout(), scanFormat, found)
}

func printReaders(w io.Writer, format string, found []discover.Found) error {
	if format == formatJSON {
		return writeJSON(w, found)
	}
	if len(found) == 0 {
		_, err := fmt.Fprintln(w, "No readers found")
		return err
	}

	bold := color.New(color.Bold)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, bold.Sprint("ADDRESS\tNAME\tRSSI\tSEEN\tLAST SEEN"))
	for _, f := range found {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", f.Address, orDash(f.Name), f.RSSI, f.Seen, f.LastSeen.Format(time.TimeOnly))
	}
	return tw.Flush()
}
