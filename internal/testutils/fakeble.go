package testutils

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/srg/rfidinv/internal/device"
)

// Reader UUIDs as the real peripheral exposes them.
const (
	ReaderServiceUUID        = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	ReaderCharacteristicUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// FakeConnection is an in-memory device.Connection.
type FakeConnection struct {
	mu        sync.Mutex
	services  map[string]*FakeService
	connected bool
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

var _ device.Connection = (*FakeConnection)(nil)

// NewFakeConnection returns a connected fake with no services.
func NewFakeConnection() *FakeConnection {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &FakeConnection{
		services:  make(map[string]*FakeService),
		connected: true,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// NewReaderConnection returns a connected fake exposing the reader's
// write/notify characteristic.
func NewReaderConnection() (*FakeConnection, *FakeCharacteristic) {
	conn := NewFakeConnection()
	char := conn.AddCharacteristic(ReaderServiceUUID, ReaderCharacteristicUUID, true, true)
	return conn, char
}

// AddCharacteristic adds (or replaces) a characteristic, creating its service on demand.
func (c *FakeConnection) AddCharacteristic(service, uuid string, writable, notifiable bool) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()

	svcID := device.NormalizeUUID(service)
	svc, ok := c.services[svcID]
	if !ok {
		svc = &FakeService{uuid: svcID, chars: make(map[string]*FakeCharacteristic)}
		c.services[svcID] = svc
	}

	char := &FakeCharacteristic{
		uuid:  device.NormalizeUUID(uuid),
		props: fakeProperties{write: writable, notify: notifiable},
	}
	svc.chars[char.uuid] = char
	return char
}

// Drop simulates the link going away.
func (c *FakeConnection) Drop(cause error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.cancel(cause)
}

func (c *FakeConnection) Services() []device.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]device.Service, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

func (c *FakeConnection) GetService(uuid string) (device.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

func (c *FakeConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	char, ok := svc.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return char, nil
}

func (c *FakeConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeConnection) ConnectionContext() context.Context {
	return c.ctx
}

// FakeService is an in-memory device.Service.
type FakeService struct {
	uuid  string
	chars map[string]*FakeCharacteristic
}

func (s *FakeService) UUID() string {
	return s.uuid
}

func (s *FakeService) GetCharacteristics() []device.Characteristic {
	out := make([]device.Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

// Responder maps a written payload to the notifications the reader would send back.
type Responder func(written []byte) [][]byte

// FakeCharacteristic records writes and lets tests push notifications.
type FakeCharacteristic struct {
	uuid  string
	props fakeProperties

	mu          sync.Mutex
	writes      []WriteRecord
	writeErrs   []error
	writeDelay  time.Duration
	monitorErr  error
	handler     device.NotificationHandler
	cancelCalls int
	responder   Responder
}

// WriteRecord is one accepted or rejected write.
type WriteRecord struct {
	Data         []byte
	WithResponse bool
	Err          error
}

var _ device.Characteristic = (*FakeCharacteristic)(nil)

func (c *FakeCharacteristic) UUID() string {
	return c.uuid
}

func (c *FakeCharacteristic) GetProperties() device.Properties {
	return c.props
}

// FailWrites queues results for the next writes; nil entries succeed.
func (c *FakeCharacteristic) FailWrites(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErrs = append(c.writeErrs, errs...)
}

// SetWriteDelay makes every write block for d before completing.
func (c *FakeCharacteristic) SetWriteDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDelay = d
}

// SetMonitorError makes the next Monitor calls fail.
func (c *FakeCharacteristic) SetMonitorError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitorErr = err
}

// SetResponder installs an automatic reply for successful writes. Replies are
// delivered from a separate goroutine once Write has returned.
func (c *FakeCharacteristic) SetResponder(r Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = r
}

func (c *FakeCharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	c.mu.Lock()
	delay := c.writeDelay
	c.mu.Unlock()

	if delay > 0 {
		if timeout > 0 && delay > timeout {
			time.Sleep(timeout)
			return fmt.Errorf("fake write: %w", device.ErrTimeout)
		}
		time.Sleep(delay)
	}

	c.mu.Lock()
	var err error
	if len(c.writeErrs) > 0 {
		err = c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
	}
	c.writes = append(c.writes, WriteRecord{Data: append([]byte(nil), data...), WithResponse: withResponse, Err: err})
	responder := c.responder
	c.mu.Unlock()

	if err == nil && responder != nil {
		replies := responder(data)
		if len(replies) > 0 {
			go func() {
				for _, r := range replies {
					c.Notify(r)
				}
			}()
		}
	}
	return err
}

func (c *FakeCharacteristic) Monitor(handler device.NotificationHandler) (device.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitorErr != nil {
		return nil, c.monitorErr
	}
	c.handler = handler

	var once sync.Once
	return func() error {
		once.Do(func() {
			c.mu.Lock()
			c.handler = nil
			c.cancelCalls++
			c.mu.Unlock()
		})
		return nil
	}, nil
}

// Notify delivers one notification to the active monitor. Reports whether anyone was listening.
func (c *FakeCharacteristic) Notify(data []byte) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(append([]byte(nil), data...))
	return true
}

// NotifyString is Notify for JSON text.
func (c *FakeCharacteristic) NotifyString(s string) bool {
	return c.Notify([]byte(s))
}

// Monitored reports whether a monitor is active.
func (c *FakeCharacteristic) Monitored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

// CancelCalls counts monitor cancellations.
func (c *FakeCharacteristic) CancelCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelCalls
}

// Writes returns a copy of every write seen so far, failed ones included.
func (c *FakeCharacteristic) Writes() []WriteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WriteRecord, len(c.writes))
	copy(out, c.writes)
	return out
}

// WrittenStrings returns the payload text of every write.
func (c *FakeCharacteristic) WrittenStrings() []string {
	writes := c.Writes()
	out := make([]string, len(writes))
	for i, w := range writes {
		out[i] = string(w.Data)
	}
	return out
}

type fakeProperty struct {
	value int
	name  string
}

func (p fakeProperty) Value() int        { return p.value }
func (p fakeProperty) KnownName() string { return p.name }

type fakeProperties struct {
	write  bool
	notify bool
}

func (p fakeProperties) Read() device.Property { return nil }

func (p fakeProperties) Write() device.Property {
	if !p.write {
		return nil
	}
	return fakeProperty{value: 0x08, name: "Write"}
}

func (p fakeProperties) WriteWithoutResponse() device.Property { return nil }

func (p fakeProperties) Notify() device.Property {
	if !p.notify {
		return nil
	}
	return fakeProperty{value: 0x10, name: "Notify"}
}

func (p fakeProperties) Indicate() device.Property { return nil }

// FakeDevice is a device.Device over a FakeConnection. Connect fails with
// ConnectErr when set.
type FakeDevice struct {
	Addr       string
	Conn       *FakeConnection
	ConnectErr error

	mu        sync.Mutex
	connected bool
}

var _ device.Device = (*FakeDevice)(nil)

func (d *FakeDevice) Address() string {
	return d.Addr
}

func (d *FakeDevice) Connect(_ context.Context, _ *device.ConnectOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ConnectErr != nil {
		return d.ConnectErr
	}
	if d.connected {
		return device.ErrAlreadyConnected
	}
	d.connected = true
	return nil
}

func (d *FakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *FakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *FakeDevice) GetConnection() device.Connection {
	return d.Conn
}
