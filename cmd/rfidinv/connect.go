package main

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/device"
	goble "github.com/srg/rfidinv/internal/device/go-ble"
	"github.com/srg/rfidinv/internal/metrics"
	"github.com/srg/rfidinv/internal/reconcile"
	"github.com/srg/rfidinv/pkg/config"
	"github.com/srg/rfidinv/pkg/reader"
)

// newDevice creates the BLE peripheral handle (can be overridden in tests)
var newDevice = func(address string, logger *logrus.Logger) device.Device {
	return goble.NewBLEDevice(address, logger)
}

// readerSession bundles a connected device with its open reader pipeline.
type readerSession struct {
	dev    device.Device
	reader *reader.Reader
	logger *logrus.Logger
}

// openReader connects to the configured reader and opens the protocol pipeline.
// engine may be nil for device-only commands.
func openReader(ctx context.Context, cfg *config.Config, engine *reconcile.Engine, onError func(error), logger *logrus.Logger, m *metrics.Metrics) (*readerSession, error) {
	address := strings.TrimSpace(cfg.Reader.Address)
	if address == "" {
		return nil, ErrNoAddress
	}

	dev := newDevice(address, logger)
	if err := dev.Connect(ctx, &device.ConnectOptions{ConnectTimeout: cfg.Reader.ConnectTimeout}); err != nil {
		return nil, wrapOp(opConnect, err)
	}

	opts := reader.OptionsFromConfig(cfg)
	opts.OnError = onError
	r := reader.New(dev.GetConnection(), engine, opts, logger, m)
	if err := r.Open(ctx); err != nil {
		_ = dev.Disconnect()
		return nil, wrapOp(opConnect, err)
	}

	logger.WithField("address", address).Info("Reader ready")
	return &readerSession{dev: dev, reader: r, logger: logger}, nil
}

func (s *readerSession) Close() {
	if err := s.reader.Close(); err != nil {
		s.logger.WithError(err).Warn("Closing reader pipeline")
	}
	if err := s.dev.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("Disconnecting reader")
	}
}
