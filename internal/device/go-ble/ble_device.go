package goble

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/device"
)

// BLEDevice implements device.Device for a reader addressed by MAC/UUID.
type BLEDevice struct {
	address    string
	connection *BLEConnection
	logger     *logrus.Logger
}

// NewBLEDevice creates a BLEDevice with a pre-created connection instance
func NewBLEDevice(address string, logger *logrus.Logger) *BLEDevice {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLEDevice{
		address:    address,
		connection: NewBLEConnection(logger),
		logger:     logger,
	}
}

func (d *BLEDevice) Address() string {
	return d.address
}

func (d *BLEDevice) Connect(ctx context.Context, opts *device.ConnectOptions) error {
	return d.connection.Connect(ctx, d.address, opts)
}

func (d *BLEDevice) Disconnect() error {
	return d.connection.Disconnect()
}

func (d *BLEDevice) IsConnected() bool {
	return d.connection.IsConnected()
}

func (d *BLEDevice) GetConnection() device.Connection {
	return d.connection
}
