package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/rfidinv/internal/assetbook"
	"github.com/srg/rfidinv/internal/classify"
	"github.com/srg/rfidinv/internal/metrics"
	"github.com/srg/rfidinv/internal/reconcile"
	"github.com/srg/rfidinv/internal/store"
	"github.com/srg/rfidinv/pkg/config"
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Run an inventory session and reconcile the tags read",
	Long: `Connects to the reader, starts an inventory scan and reconciles every tag read
against the room's asset book. The scan runs for --duration, or until Ctrl+C when
--duration is 0. Stopping is retried, and escalated to a forced stop when tags keep
arriving afterwards.

Examples:
  # Scan room 12 for 30 seconds
  rfidinv inventory --address AA:BB:CC:DD:EE:FF --book room-12.yaml -d 30s

  # Scan until Ctrl+C, classify foreign tags, print JSON
  rfidinv inventory --book room-12.yaml --classify-url https://erp.local/api -f json`,
	RunE: runInventory,
}

var (
	inventoryDuration  time.Duration
	inventoryFormat    string
	inventoryNoJournal bool
)

func init() {
	f := inventoryCmd.Flags()
	f.String("address", "", "Reader BLE address")
	f.String("room", "", "Room id being inventoried")
	f.String("unit", "", "Organisational unit id")
	f.String("book", "", "Asset book YAML for the room")
	f.String("classify-url", "", "Base URL of the tag classification service")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	f.DurationVarP(&inventoryDuration, "duration", "d", 0, "Scan duration (0 scans until Ctrl+C)")
	f.StringVarP(&inventoryFormat, "format", "f", formatTable, "Output format (table, json)")
	f.BoolVar(&inventoryNoJournal, "no-journal", false, "Do not record the session in the journal")
}

func runInventory(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(inventoryFormat); err != nil {
		return err
	}
	cfg := appConfig
	logger := configureLogger(cmd, cfg)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	baseCtx, cancelAll := context.WithCancel(cmd.Context())
	defer cancelAll()

	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		m = metrics.New()
		m.Serve(baseCtx, cfg.Metrics.Addr, logger)
		m.StartRuntimeMonitor(baseCtx, 10*time.Second)
	}

	engine, err := buildEngine(cfg, logger, m)
	if err != nil {
		return err
	}
	engine.OnError = func(err error) {
		warn(cmd, wrapOp(opClassify, err))
	}

	rs, err := openReader(baseCtx, cfg, engine, func(err error) { warn(cmd, err) }, logger, m)
	if err != nil {
		return err
	}
	defer rs.Close()
	r := rs.reader

	startedAt := time.Now()
	if err := r.StartInventory(baseCtx); err != nil {
		return wrapOp(opStartScan, err)
	}

	scanCtx, cancelScan := context.WithCancel(baseCtx)
	defer cancelScan()
	if inventoryDuration > 0 {
		scanCtx, cancelScan = context.WithTimeout(baseCtx, inventoryDuration)
		defer cancelScan()
	}

	// Listen for Ctrl+C to end the scan
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, stopping inventory...")
			cancelScan()
		case <-scanCtx.Done():
		}
	}()

	progress := NewProgressPrinter(os.Stdout, "Inventory", "scanning", inventoryDuration, func() string {
		snap := engine.Snapshot()
		return fmt.Sprintf("reads %d  unique %d  pending %d", snap.TotalReads, len(snap.Tags), snap.Pending)
	})
	progress.Start()
	<-scanCtx.Done()
	progress.SetPhase("stopping")

	haltCtx, cancelHalt := context.WithTimeout(context.WithoutCancel(baseCtx), haltTimeout(cfg))
	defer cancelHalt()
	escalated, err := r.Halt(haltCtx, cfg.Session.StopObserveTimeout)
	progress.Stop()
	if err != nil {
		return wrapOp(opStopScan, err)
	}
	if escalated {
		color.New(color.FgYellow).Fprintln(cmd.ErrOrStderr(), "Reader kept reading after stop; a forced stop was sent.")
	}
	finishedAt := time.Now()

	// Classification requests still running belong in this report.
	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(baseCtx), cfg.Classify.Timeout+time.Second)
	defer cancelDrain()
	if err := engine.Drain(drainCtx); err != nil {
		warn(cmd, wrapOp(opClassify, err))
	}

	snap := engine.Snapshot()
	sum := engine.Summarize()
	rec := store.RecordFromSnapshot(snap, sum, startedAt, finishedAt)

	if !inventoryNoJournal {
		id, err := saveSession(haltCtx, cfg, rec, logger)
		if err != nil {
			warn(cmd, fmt.Errorf("journal: %w", err))
		} else {
			rec.ID = id
		}
	}

	return printInventory(cmd.OutOrStdout(), inventoryFormat, rec, snap)
}

// haltTimeout covers the regular stop, the observation window and a forced stop.
func haltTimeout(cfg *config.Config) time.Duration {
	s := cfg.Session
	perAttempt := cfg.Reader.WriteTimeout + s.StopInterval
	return time.Duration(s.StopAttempts+s.ForceStopAttempts)*perAttempt + s.StopObserveTimeout + 5*time.Second
}

// buildEngine loads the asset book and wires the classification client.
func buildEngine(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*reconcile.Engine, error) {
	index := assetbook.New(logger)
	roomID, unitID := cfg.Inventory.RoomID, cfg.Inventory.UnitID

	if cfg.Inventory.AssetBook != "" {
		book, err := index.LoadFile(cfg.Inventory.AssetBook)
		if err != nil {
			return nil, err
		}
		if roomID == "" {
			roomID = book.RoomID
		}
		if unitID == "" {
			unitID = book.UnitID
		}
	} else {
		logger.Warn("No asset book given; every tag will go to classification")
	}

	var classifier reconcile.Classifier
	if cfg.Classify.URL != "" {
		classifier = classify.New(cfg.Classify.URL, cfg.Classify.Token, cfg.Classify.Timeout, logger)
	}

	return reconcile.NewEngine(index, classifier, reconcile.Options{
		RoomID:          roomID,
		UnitID:          unitID,
		ClassifyTimeout: cfg.Classify.Timeout,
	}, logger, m), nil
}

func saveSession(ctx context.Context, cfg *config.Config, rec store.SessionRecord, logger *logrus.Logger) (string, error) {
	j, err := store.Open(cfg.Journal.Path, logger)
	if err != nil {
		return "", err
	}
	defer j.Close()
	return j.SaveSession(ctx, rec)
}

func warn(cmd *cobra.Command, err error) {
	color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "WARNING: %s\n", FormatUserError(err))
}
