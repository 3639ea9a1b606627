package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// IsNotFound reports whether err is a NotFoundError for the given resource kind.
// An empty resource matches any kind.
func IsNotFound(err error, resource string) bool {
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return false
	}
	return resource == "" || nf.Resource == resource
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Device is a BLE peripheral that can be connected to by address.
type Device interface {
	Address() string
	Connect(ctx context.Context, opts *ConnectOptions) error
	Disconnect() error
	IsConnected() bool
	GetConnection() Connection
}

// Connection represents a live GATT connection: the discovered profile plus
// characteristic level operations.
type Connection interface {
	Services() []Service
	GetService(uuid string) (Service, error)
	GetCharacteristic(service, uuid string) (Characteristic, error)
	IsConnected() bool

	// ConnectionContext is cancelled when the link drops or is closed.
	ConnectionContext() context.Context
}

// Service represents a GATT service interface
type Service interface {
	UUID() string
	GetCharacteristics() []Characteristic
}

// NotificationHandler receives the raw value of one notification.
// The slice is owned by the handler once delivered.
type NotificationHandler func(data []byte)

// CancelFunc stops a notification monitor. Safe to call more than once.
type CancelFunc func() error

// Characteristic combines metadata with write and monitor operations
type Characteristic interface {
	UUID() string
	GetProperties() Properties

	Write(data []byte, withResponse bool, timeout time.Duration) error
	Monitor(handler NotificationHandler) (CancelFunc, error)
}

// Property represents a single BLE characteristic property
type Property interface {
	Value() int
	KnownName() string
}

// Properties represent a collection of BLE characteristic properties
type Properties interface {
	Read() Property
	Write() Property
	WriteWithoutResponse() Property
	Notify() Property
	Indicate() Property
}

// ConnectOptions defines BLE connection options
type ConnectOptions struct {
	ConnectTimeout time.Duration
}

// Supports reports whether p is present in a properties set.
func Supports(p Property) bool {
	return p != nil && p.Value() != 0
}

// CanNotify reports whether a characteristic can push values to the central.
func CanNotify(c Characteristic) bool {
	props := c.GetProperties()
	if props == nil {
		return false
	}
	return Supports(props.Notify()) || Supports(props.Indicate())
}

// CanWrite reports whether a characteristic accepts writes in the requested mode.
func CanWrite(c Characteristic, withResponse bool) bool {
	props := c.GetProperties()
	if props == nil {
		return false
	}
	if withResponse {
		return Supports(props.Write())
	}
	return Supports(props.WriteWithoutResponse()) || Supports(props.Write())
}

// NormalizeError maps known BLE stack error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "have=4"), containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}
