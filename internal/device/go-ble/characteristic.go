package goble

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/device"
)

// DefaultWriteTimeout bounds a characteristic write when the caller passes zero.
const DefaultWriteTimeout = 5 * time.Second

// BLECharacteristic is a discovered characteristic bound to its parent connection.
type BLECharacteristic struct {
	uuid       string
	properties device.Properties
	BLEChar    *ble.Characteristic
	connection *BLEConnection
}

func NewCharacteristic(c *ble.Characteristic, conn *BLEConnection) *BLECharacteristic {
	return &BLECharacteristic{
		uuid:       device.NormalizeUUID(c.UUID.String()),
		BLEChar:    c,
		properties: NewProperties(c.Property),
		connection: conn,
	}
}

func (c *BLECharacteristic) UUID() string {
	return c.uuid
}

func (c *BLECharacteristic) GetProperties() device.Properties {
	return c.properties
}

// Write sends data to the peripheral. A zero timeout uses DefaultWriteTimeout.
// This prevents indefinite blocking if the device becomes unresponsive during a write.
func (c *BLECharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	client, err := c.liveClient()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- client.WriteCharacteristic(c.BLEChar, data, !withResponse)
	}()

	select {
	case err := <-resultCh:
		if err != nil {
			return fmt.Errorf("failed to write characteristic %s: %w", c.uuid, NormalizeError(err))
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout writing characteristic %s after %v: %w", c.uuid, timeout, device.ErrTimeout)
	}
}

// Monitor enables notifications (or indications when notify is unavailable) and
// delivers a private copy of every value to handler.
func (c *BLECharacteristic) Monitor(handler device.NotificationHandler) (device.CancelFunc, error) {
	client, err := c.liveClient()
	if err != nil {
		return nil, err
	}
	if !device.CanNotify(c) {
		return nil, fmt.Errorf("characteristic %s does not support notifications: %w", c.uuid, device.ErrUnsupported)
	}

	indicate := !device.Supports(c.properties.Notify())
	err = client.Subscribe(c.BLEChar, indicate, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enable notifications on %s: %w", c.uuid, NormalizeError(err))
	}

	c.connection.logger.WithFields(logrus.Fields{
		"char_uuid": c.uuid,
		"indicate":  indicate,
	}).Debug("Monitoring characteristic")

	var once sync.Once
	return func() error {
		var unsubErr error
		once.Do(func() {
			unsubErr = NormalizeError(client.Unsubscribe(c.BLEChar, indicate))
		})
		return unsubErr
	}, nil
}

func (c *BLECharacteristic) liveClient() (gattClient, error) {
	if c.connection == nil || c.BLEChar == nil {
		return nil, fmt.Errorf("characteristic %s not initialized: %w", c.uuid, device.ErrNotInitialized)
	}

	c.connection.connMutex.RLock()
	defer c.connection.connMutex.RUnlock()
	if !c.connection.isConnectedInternal() {
		return nil, fmt.Errorf("characteristic %s: %w", c.uuid, device.ErrNotConnected)
	}
	return c.connection.client, nil
}
