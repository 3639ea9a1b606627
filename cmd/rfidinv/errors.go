package main

import (
	"errors"
	"fmt"

	"github.com/srg/rfidinv/internal/classify"
	"github.com/srg/rfidinv/internal/device"
	"github.com/srg/rfidinv/internal/session"
	"github.com/srg/rfidinv/internal/store"
	"github.com/srg/rfidinv/internal/transport"
	"github.com/srg/rfidinv/pkg/reader"
)

// Operations named in user-facing errors.
const (
	opConnect   = "connect"
	opStartScan = "start scan"
	opStopScan  = "stop scan"
	opClassify  = "classify tags"
	opQuery     = "query reader"
	opDiscover  = "discover readers"
)

// ErrNoAddress means neither --address nor reader.address was set.
var ErrNoAddress = errors.New("reader address is not set (use --address or reader.address)")

// opError ties a failure to the CLI step it interrupted.
type opError struct {
	Op  string
	Err error
}

func (e *opError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *opError) Unwrap() error {
	return e.Err
}

func wrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &opError{Op: op, Err: err}
}

// FormatUserError turns an error chain into one line for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	cause := describeCause(err)
	var op *opError
	if errors.As(err, &op) {
		return fmt.Sprintf("could not %s: %s", op.Op, cause)
	}
	return cause
}

func describeCause(err error) string {
	var op *opError
	if errors.As(err, &op) {
		err = op.Err
	}

	var (
		timeout *reader.ResponseTimeoutError
		httpErr *classify.HTTPError
		notFnd  *device.NotFoundError
		writeEr *transport.WriteError
	)

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off"
	case errors.Is(err, transport.ErrConnectionLost):
		return "connection to the reader was lost"
	case errors.Is(err, device.ErrNotConnected):
		return "reader is not connected"
	case errors.Is(err, transport.ErrServiceNotFound), errors.Is(err, transport.ErrCharacteristicNotFound):
		return fmt.Sprintf("device does not look like an RFID reader (%v)", err)
	case errors.As(err, &notFnd):
		return notFnd.Error()
	case errors.Is(err, session.ErrAlreadyRunning):
		return "an inventory session is already running"
	case errors.Is(err, session.ErrNotRunning):
		return "no inventory session is running"
	case errors.As(err, &writeEr):
		return fmt.Sprintf("the reader rejected the command (%v)", writeEr.Err)
	case errors.As(err, &timeout):
		return fmt.Sprintf("reader did not answer %s within %s", timeout.Command, timeout.Timeout)
	case errors.As(err, &httpErr):
		return fmt.Sprintf("classification service answered %d", httpErr.Status)
	case errors.Is(err, classify.ErrNoBaseURL):
		return "classification service URL is not configured"
	case errors.Is(err, store.ErrSessionNotFound):
		return "no such session in the journal"
	default:
		return err.Error()
	}
}
