// Package transport binds the reader protocol to one GATT characteristic: frames
// are written to it with acknowledgement and every notification on it becomes one
// RawFrame. It has no knowledge of the JSON inside the frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/device"
	"github.com/srg/rfidinv/internal/groutine"
	"github.com/srg/rfidinv/internal/metrics"
	"github.com/srg/rfidinv/internal/protocol"
)

const (
	// DefaultServiceUUID is the reader's UART-style GATT service.
	DefaultServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"

	// DefaultCharacteristicUUID is the single read/write/notify characteristic.
	DefaultCharacteristicUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"

	DefaultWriteTimeout = 3 * time.Second
)

// RawFrame is one notification as received. Never mutated after creation.
type RawFrame struct {
	Payload    protocol.Frame
	ReceivedAt time.Time
}

// FrameHandler consumes frames on the transport's notification context.
type FrameHandler func(RawFrame)

// ErrorHandler receives link-level failures that happen outside any call.
type ErrorHandler func(error)

// Options configures which characteristic the adapter drives.
type Options struct {
	ServiceUUID        string
	CharacteristicUUID string
	WriteTimeout       time.Duration
}

// Adapter is the sole owner of the reader characteristic on one connection.
type Adapter struct {
	conn    device.Connection
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu  sync.Mutex
	sub *Subscription
}

// New creates an adapter over an established connection. Empty options fall
// back to the default reader UUIDs.
func New(conn device.Connection, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = DefaultServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = DefaultCharacteristicUUID
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Adapter{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// characteristic resolves the reader characteristic on every call so a rediscovered
// profile is picked up without rebuilding the adapter.
func (a *Adapter) characteristic() (device.Characteristic, error) {
	if a.conn == nil || !a.conn.IsConnected() {
		return nil, device.ErrNotConnected
	}

	char, err := a.conn.GetCharacteristic(a.opts.ServiceUUID, a.opts.CharacteristicUUID)
	switch {
	case err == nil:
		return char, nil
	case device.IsNotFound(err, "service"):
		return nil, fmt.Errorf("%w: %w", ErrServiceNotFound, err)
	case device.IsNotFound(err, "characteristic"):
		return nil, fmt.Errorf("%w: %w", ErrCharacteristicNotFound, err)
	default:
		return nil, err
	}
}

// Write sends one frame with acknowledgement. There is no retry here; the
// session controller owns retry policy.
func (a *Adapter) Write(ctx context.Context, frame protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	char, err := a.characteristic()
	if err != nil {
		return err
	}

	raw, err := frame.Bytes()
	if err != nil {
		return &protocol.MalformedFrameError{Reason: "base64", Err: err}
	}

	timeout := a.opts.WriteTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	if err := char.Write(raw, true, timeout); err != nil {
		a.logger.WithFields(logrus.Fields{
			"char_uuid": char.UUID(),
			"bytes":     len(raw),
			"error":     err,
		}).Error("Characteristic write failed")
		return &WriteError{Characteristic: char.UUID(), Err: err}
	}

	a.logger.WithFields(logrus.Fields{
		"char_uuid": char.UUID(),
		"bytes":     len(raw),
	}).Debug("Frame written")
	return nil
}

// Subscribe starts monitoring the reader characteristic. Each notification is
// handed to onFrame as exactly one RawFrame. onError, if set, is told when the
// connection drops underneath the subscription. A previous subscription is closed first.
func (a *Adapter) Subscribe(onFrame FrameHandler, onError ErrorHandler) (*Subscription, error) {
	if onFrame == nil {
		return nil, errors.New("transport: nil frame handler")
	}

	char, err := a.characteristic()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	prev := a.sub
	a.sub = nil
	a.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	sub := &Subscription{done: make(chan struct{}), owner: a}
	cancel, err := char.Monitor(func(data []byte) {
		if sub.isClosed() {
			return
		}
		a.metrics.FrameReceived()
		onFrame(RawFrame{Payload: protocol.FrameOf(data), ReceivedAt: a.now()})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", char.UUID(), err)
	}
	sub.cancel = cancel

	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	connCtx := a.conn.ConnectionContext()
	groutine.Go(context.Background(), "transport-link-watch", func(context.Context) {
		select {
		case <-sub.done:
		case <-connCtx.Done():
			if sub.isClosed() {
				return
			}
			cause := context.Cause(connCtx)
			a.logger.WithField("cause", cause).Warn("Connection lost while subscribed")
			_ = sub.Close()
			if onError != nil {
				onError(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
			}
		}
	})

	a.logger.WithField("char_uuid", char.UUID()).Info("Subscribed to reader notifications")
	return sub, nil
}

// Subscribed reports whether a subscription is currently open.
func (a *Adapter) Subscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sub != nil && !a.sub.isClosed()
}

// Frames subscribes and returns the notifications as a channel. The hand-off
// between the notification callback and the channel is unbounded, so the BLE
// stack is never blocked and no frame is dropped. The channel is closed when ctx
// is done or the subscription is closed; frames already relayed stay readable.
func (a *Adapter) Frames(ctx context.Context, buffer int, onError ErrorHandler) (<-chan RawFrame, *Subscription, error) {
	r := newRelay()
	sub, err := a.Subscribe(r.push, onError)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan RawFrame, buffer)
	groutine.Go(ctx, "transport-frame-relay", func(ctx context.Context) {
		r.run(ctx, sub.done, out)
	})
	return out, sub, nil
}

func (a *Adapter) release(sub *Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub == sub {
		a.sub = nil
	}
}

// Subscription is an open notification monitor.
type Subscription struct {
	owner  *Adapter
	cancel device.CancelFunc
	once   sync.Once
	done   chan struct{}
	err    error
}

// Close stops notifications. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.err = s.cancel()
		}
		if s.owner != nil {
			s.owner.release(s)
		}
	})
	return s.err
}

// Done is closed once the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
