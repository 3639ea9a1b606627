package goble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/device"
	"github.com/srg/rfidinv/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Dial connects to a peripheral by address (can be overridden in tests)
var Dial = func(ctx context.Context, address string) (ble.Client, error) {
	return ble.Dial(ctx, ble.NewAddr(address))
}

// Scan listens for advertisements until ctx is done (can be overridden in tests)
var Scan = func(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	return NormalizeError(ble.Scan(ctx, allowDup, h, nil))
}

// gattClient is the part of ble.Client the connection uses after dialing.
type gattClient interface {
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// BLEConnection represents a live BLE connection (notifications, writes)
type BLEConnection struct {
	client      gattClient
	logger      *logrus.Logger
	connMutex   sync.RWMutex
	isConnected bool

	services map[string]*BLEService

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewBLEConnection(logger *logrus.Logger) *BLEConnection {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(device.ErrNotConnected)
	return &BLEConnection{
		services: make(map[string]*BLEService),
		ctx:      ctx,
		logger:   logger,
	}
}

// Connect establishes a BLE connection and populates the discovered profile
func (c *BLEConnection) Connect(ctx context.Context, address string, opts *device.ConnectOptions) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if strings.TrimSpace(address) == "" {
		c.logger.Error("Connection attempt with empty address")
		return fmt.Errorf("device address is empty")
	}

	if c.isConnectedInternal() {
		c.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}

	if opts == nil {
		opts = &device.ConnectOptions{}
	}

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	dev, err := DeviceFactory()
	if err != nil {
		c.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	connCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	c.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := Dial(connCtx, address)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address \"%s\": %w", address, NormalizeError(err))
	}

	c.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			c.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	c.attach(ctx, client, profile)

	// Monitor go-ble client Disconnected() channel
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		connCtx, cancel := c.ctx, c.cancel
		groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				c.logger.Warn("BLE stack reported disconnection, cancelling connection context")
				c.markDisconnected()
				cancel(device.ErrNotConnected)
			case <-connCtx.Done():
			}
		})
	}

	c.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(c.services),
	}).Info("BLE device connected successfully")
	return nil
}

// attach populates services from the discovered profile and marks the connection live.
// Caller holds connMutex.
func (c *BLEConnection) attach(parent context.Context, client gattClient, profile *ble.Profile) {
	c.services = make(map[string]*BLEService)
	for _, bleSvc := range profile.Services {
		svcUUID := device.NormalizeUUID(bleSvc.UUID.String())
		svc, ok := c.services[svcUUID]
		if !ok {
			svc = &BLEService{uuid: svcUUID, Characteristics: make(map[string]*BLECharacteristic)}
			c.services[svcUUID] = svc
		}
		for _, bleChar := range bleSvc.Characteristics {
			char := NewCharacteristic(bleChar, c)
			svc.Characteristics[char.UUID()] = char
			c.logger.WithFields(logrus.Fields{
				"service_uuid": svcUUID,
				"char_uuid":    char.UUID(),
			}).Debug("Found characteristic UUID")
		}
	}

	c.client = client
	c.isConnected = true
	c.ctx, c.cancel = context.WithCancelCause(context.WithoutCancel(parent))
}

func (c *BLEConnection) markDisconnected() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	c.isConnected = false
}

// Disconnect cancels the connection context and drops the link.
func (c *BLEConnection) Disconnect() error {
	c.connMutex.Lock()
	if c.client == nil {
		c.connMutex.Unlock()
		c.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	client := c.client
	cancel := c.cancel
	c.client = nil
	c.cancel = nil
	c.isConnected = false
	c.connMutex.Unlock()

	c.logger.Info("Disconnecting BLE device...")
	if cancel != nil {
		cancel(device.ErrNotConnected)
	}

	err := client.CancelConnection()
	if err != nil {
		c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	c.logger.Info("BLE device disconnected successfully")
	return nil
}

// GetCharacteristic retrieves a characteristic by service and characteristic UUID.
// Both UUIDs are normalized for consistent lookup (lowercase, no dashes).
// Returns a NotFoundError if the service or characteristic is not found.
func (c *BLEConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	svc, ok := c.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}

	char, ok := svc.Characteristics[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return char, nil
}

// Services returns all discovered BLE services for this connection.
// Services are sorted by UUID for consistent ordering. Thread-safe.
func (c *BLEConnection) Services() []device.Service {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	result := make([]device.Service, 0, len(c.services))
	for _, v := range c.services {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UUID() < result[j].UUID()
	})
	return result
}

// GetService retrieves a specific service by its UUID.
func (c *BLEConnection) GetService(uuid string) (device.Service, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	svc, ok := c.services[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// isConnectedInternal checks the connection status without acquiring locks.
// Should only be called when the caller already holds connMutex.
func (c *BLEConnection) isConnectedInternal() bool {
	return c.client != nil && c.isConnected
}

func (c *BLEConnection) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.isConnectedInternal()
}

// ConnectionContext is cancelled with device.ErrNotConnected as the cause
// once the link drops or Disconnect is called.
func (c *BLEConnection) ConnectionContext() context.Context {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.ctx
}
