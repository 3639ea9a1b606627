// Package reader wires the protocol engine together for one connected reader:
// transport adapter → inbound pump → dispatcher → device state, reconciliation
// engine and session controller.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/device"
	"github.com/srg/rfidinv/internal/dispatch"
	"github.com/srg/rfidinv/internal/inbound"
	"github.com/srg/rfidinv/internal/metrics"
	"github.com/srg/rfidinv/internal/reconcile"
	"github.com/srg/rfidinv/internal/session"
	"github.com/srg/rfidinv/internal/transport"
	"github.com/srg/rfidinv/pkg/config"
)

// DefaultResponseTimeout bounds how long a device query waits for its echo.
const DefaultResponseTimeout = 3 * time.Second

var ErrNotOpen = errors.New("reader is not open")

// Options configures every stage of the pipeline.
type Options struct {
	Transport        transport.Options
	ThrottleInterval time.Duration
	Dispatch         dispatch.Options
	Session          session.Options
	ResponseTimeout  time.Duration
	HistorySize      uint32

	// OnError receives recoverable faults: undecodable frames, link loss and
	// classification failures. Optional.
	OnError func(error)
}

// OptionsFromConfig maps the reader and session sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Transport: transport.Options{
			ServiceUUID:        cfg.Reader.ServiceUUID,
			CharacteristicUUID: cfg.Reader.CharacteristicUUID,
			WriteTimeout:       cfg.Reader.WriteTimeout,
		},
		ThrottleInterval: cfg.Reader.ThrottleInterval,
		Dispatch: dispatch.Options{
			Reassemble:           !cfg.Reader.WholeMessageDelivery,
			ReassemblyBufferSize: cfg.Reader.ReassemblyBufferSize,
		},
		Session: session.Options{
			StopAttempts:      cfg.Session.StopAttempts,
			StopInterval:      cfg.Session.StopInterval,
			ResetDelay:        cfg.Session.ResetDelay,
			ForceStopAttempts: cfg.Session.ForceStopAttempts,
		},
		ResponseTimeout: cfg.Reader.ResponseTimeout,
	}
}

// tagTap forwards tag reads to the engine and remembers when the latest one was
// received by the transport, which can be well before it is dispatched.
type tagTap struct {
	engine *reconcile.Engine
	last   atomic.Int64
	now    func() time.Time
}

func (t *tagTap) OnTagsObserved(tags []string) {
	t.OnTagsReceived(tags, t.now())
}

func (t *tagTap) OnTagsReceived(tags []string, receivedAt time.Time) {
	at := receivedAt.UnixNano()
	for {
		prev := t.last.Load()
		if at <= prev || t.last.CompareAndSwap(prev, at) {
			break
		}
	}
	if t.engine != nil {
		t.engine.OnTagsObserved(tags)
	}
}

func (t *tagTap) lastAt() time.Time {
	n := t.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Reader is the engine for one reader connection.
type Reader struct {
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics

	adapter    *transport.Adapter
	queue      *inbound.Queue
	pump       *inbound.Pump
	dispatcher *dispatch.Dispatcher
	state      *dispatch.DeviceState
	session    *session.Controller
	engine     *reconcile.Engine
	tags       *tagTap

	mu       sync.Mutex
	sub      *transport.Subscription
	cancel   context.CancelFunc
	pumpDone <-chan struct{}
}

// New builds the pipeline over an established connection. engine may be nil when
// only device commands are needed.
func New(conn device.Connection, engine *reconcile.Engine, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Reader {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ThrottleInterval <= 0 {
		opts.ThrottleInterval = inbound.DefaultInterval
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}

	r := &Reader{
		opts:    opts,
		logger:  logger,
		metrics: m,
		engine:  engine,
		tags:    &tagTap{engine: engine, now: time.Now},
	}

	r.adapter = transport.New(conn, opts.Transport, logger, m)
	r.queue = inbound.NewQueue(opts.ThrottleInterval)
	r.state = dispatch.NewDeviceState(opts.HistorySize, logger)

	onStart := []session.Resetter{r.queue, session.ResetFunc(r.resetDispatcher)}
	if engine != nil {
		onStart = append(onStart, engine)
	}
	onDrained := []session.Resetter{r.queue, session.ResetFunc(r.resetDispatcher)}
	r.session = session.New(r.adapter, opts.Session, onStart, onDrained, logger, m)

	r.dispatcher = dispatch.New(opts.Dispatch, dispatch.Sinks{
		Device:  r.state,
		Tags:    r.tags,
		StopAck: r.session,
		OnError: r.reportError,
	}, logger, m)
	r.pump = inbound.NewPump(r.queue, r.dispatcher.HandleBatch, logger, m)

	if engine != nil && engine.OnError == nil {
		engine.OnError = r.reportError
	}
	return r
}

func (r *Reader) resetDispatcher() {
	if r.dispatcher != nil {
		r.dispatcher.Reset()
	}
}

func (r *Reader) reportError(err error) {
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}

// Open subscribes to the reader characteristic and starts the inbound pump.
func (r *Reader) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	frames, sub, err := r.adapter.Frames(pumpCtx, 64, r.onLinkError)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to reader: %w", err)
	}

	r.sub = sub
	r.cancel = cancel
	r.pumpDone = r.pump.Start(pumpCtx, frames)
	r.logger.Info("Reader pipeline open")
	return nil
}

func (r *Reader) onLinkError(err error) {
	r.logger.WithField("error", err).Error("Reader link lost")
	r.reportError(err)
}

// Close stops notifications, lets the pump flush what it already received and
// cancels any pending post-stop reset.
func (r *Reader) Close() error {
	r.mu.Lock()
	sub, cancel, done := r.sub, r.cancel, r.pumpDone
	r.sub, r.cancel, r.pumpDone = nil, nil, nil
	r.mu.Unlock()

	r.session.Close()
	if sub == nil {
		return nil
	}

	err := sub.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		r.logger.Warn("Inbound pump did not drain in time")
	}
	cancel()
	r.logger.Info("Reader pipeline closed")
	return err
}

// StartInventory begins a scan session.
func (r *Reader) StartInventory(ctx context.Context) error {
	return r.session.Start(ctx)
}

// StopInventory runs the configured stop sequence. The channel closes when it ends.
func (r *Reader) StopInventory(ctx context.Context) (<-chan struct{}, error) {
	return r.session.Stop(ctx)
}

// ForceStop runs an escalated stop; attempts <= 0 uses the configured count.
func (r *Reader) ForceStop(ctx context.Context, attempts int) (<-chan struct{}, error) {
	return r.session.ForceStop(ctx, attempts)
}

// Halt stops the scan and waits for the sequence. If tags are still arriving
// within observe after the stop finished, it escalates to ForceStop once.
func (r *Reader) Halt(ctx context.Context, observe time.Duration) (escalated bool, err error) {
	done, err := r.session.Stop(ctx)
	if err != nil {
		return false, err
	}
	if err := wait(ctx, done); err != nil {
		return false, err
	}
	if observe <= 0 {
		return false, nil
	}

	stoppedAt := time.Now()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(observe):
	}

	if !r.tags.lastAt().After(stoppedAt) {
		return false, nil
	}

	r.logger.WithField("observe", observe).Warn("Tags still arriving after stop, forcing stop")
	done, err = r.session.ForceStop(ctx, 0)
	if err != nil {
		return true, err
	}
	return true, wait(ctx, done)
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reader) SessionState() session.State {
	return r.session.State()
}

// StopAttempts returns the writes of the latest stop sequence.
func (r *Reader) StopAttempts() []session.Attempt {
	return r.session.Attempts()
}

// LastTagAt is when the latest tag read was dispatched; zero if none.
func (r *Reader) LastTagAt() time.Time {
	return r.tags.lastAt()
}

// DeviceState exposes the latest device information readings.
func (r *Reader) DeviceState() *dispatch.DeviceState {
	return r.state
}

// DeviceHistory removes and returns the device updates received since the
// previous call, oldest first, plus how many were overwritten in between.
func (r *Reader) DeviceHistory() ([]dispatch.DeviceUpdate, uint64) {
	return r.state.DrainHistory()
}

// Engine returns the reconciliation engine, nil for device-only readers.
func (r *Reader) Engine() *reconcile.Engine {
	return r.engine
}

// Subscribed reports whether the reader pipeline is receiving notifications.
func (r *Reader) Subscribed() bool {
	return r.adapter.Subscribed()
}
