// Package session drives the reader's inventory scan: start, retried stop and the
// delayed reset that lets trailing notifications drain before the next session.
package session

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

// State of the scan session.
type State int32

const (
	Idle State = iota
	Scanning
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNotConnected   = device.ErrNotConnected
	ErrAlreadyRunning = errors.New("inventory session already running")
	ErrNotRunning     = errors.New("inventory session not running")
)

// Transport is what the controller needs from the transport adapter.
type Transport interface {
	Write(ctx context.Context, frame protocol.Frame) error
	Subscribed() bool
}

// Resetter clears per-session state such as the inbound queue or tag counters.
type Resetter interface {
	Reset()
}

// ResetFunc adapts a plain function to Resetter.
type ResetFunc func()

func (f ResetFunc) Reset() { f() }

// Options tune the stop sequence.
type Options struct {
	StopAttempts      int           `default:"2"`
	StopInterval      time.Duration `default:"500ms"`
	ResetDelay        time.Duration `default:"1s"`
	ForceStopAttempts int           `default:"3"`
}

func DefaultOptions() Options {
	return Options{
		StopAttempts:      2,
		StopInterval:      500 * time.Millisecond,
		ResetDelay:        time.Second,
		ForceStopAttempts: 3,
	}
}

// Attempt records one stop command write.
type Attempt struct {
	Number int
	At     time.Time
	Err    error
}

// Controller is the sole owner of the session State. Transport writes are never
// made while holding its mutex.
type Controller struct {
	transport Transport
	opts      Options
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	// onStart run before the start command; onDrained run ResetDelay after the last stop.
	onStart   []Resetter
	onDrained []Resetter

	mu           sync.Mutex
	state        State
	generation   uint64
	stopDone     chan struct{}
	stopAttempts int
	attempts     []Attempt
	acked        bool
	resetTimer   *time.Timer
}

// New creates a controller. onStart resetters run at every session start;
// onDrained resetters run after the delayed reset that follows a stop.
func New(t Transport, opts Options, onStart, onDrained []Resetter, logger *logrus.Logger, m *metrics.Metrics) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.StopAttempts <= 0 {
		opts.StopAttempts = def.StopAttempts
	}
	if opts.StopInterval < 0 {
		opts.StopInterval = 0
	}
	if opts.ResetDelay < 0 {
		opts.ResetDelay = 0
	}
	if opts.ForceStopAttempts <= 0 {
		opts.ForceStopAttempts = def.ForceStopAttempts
	}
	c := &Controller{
		transport: t,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		onStart:   onStart,
		onDrained: onDrained,
	}
	c.metrics.SetSessionState(int(Idle))
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked must be called with mu held.
func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"from": c.state,
		"to":   s,
	}).Info("Inventory session state changed")
	c.state = s
	c.metrics.SetSessionState(int(s))
}

// Start resets per-session state, sends the inventory start command and moves to Scanning.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyRunning, state)
	}
	if c.transport == nil || !c.transport.Subscribed() {
		c.mu.Unlock()
		return ErrNotConnected
	}

	c.generation++
	gen := c.generation
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
	c.acked = false
	c.attempts = nil
	c.setStateLocked(Scanning)
	c.mu.Unlock()

	runResetters(c.onStart)

	err := c.write(ctx, protocol.CmdInventoryStart)
	if err != nil {
		c.mu.Lock()
		if c.generation == gen && c.state == Scanning {
			c.setStateLocked(Idle)
		}
		c.mu.Unlock()
		return fmt.Errorf("start inventory: %w", err)
	}
	return nil
}

// Stop begins the configured stop sequence and returns a channel closed when it
// finishes. Calling Stop while a sequence is running joins it.
func (c *Controller) Stop(ctx context.Context) (<-chan struct{}, error) {
	return c.stop(ctx, c.opts.StopAttempts, false)
}

// ForceStop runs the stop sequence with the given number of attempts, falling back
// to the configured escalation count when attempts <= 0. Unlike Stop it is accepted
// from Idle, for readers that keep reporting tags after a stop.
//
// While another sequence is running ForceStop joins it like Stop does: the
// requested attempts are not added, and a warning records how many were dropped.
// Escalate after the returned channel closes to get a full forced sequence.
func (c *Controller) ForceStop(ctx context.Context, attempts int) (<-chan struct{}, error) {
	if attempts <= 0 {
		attempts = c.opts.ForceStopAttempts
	}
	return c.stop(ctx, attempts, true)
}

func (c *Controller) stop(ctx context.Context, attempts int, force bool) (<-chan struct{}, error) {
	c.mu.Lock()
	switch c.state {
	case Stopping:
		done, running := c.stopDone, c.stopAttempts
		c.mu.Unlock()
		if force {
			c.logger.WithFields(logrus.Fields{
				"requested": attempts,
				"running":   running,
			}).Warn("Force stop joined a running stop sequence; requested attempts dropped")
		} else {
			c.logger.Debug("Stop already in progress, joining")
		}
		return done, nil
	case Idle:
		if !force {
			c.mu.Unlock()
			return nil, ErrNotRunning
		}
		if c.transport == nil || !c.transport.Subscribed() {
			c.mu.Unlock()
			return nil, ErrNotConnected
		}
	}

	done := make(chan struct{})
	c.stopDone = done
	c.stopAttempts = attempts
	c.attempts = nil
	c.acked = false
	gen := c.generation
	c.setStateLocked(Stopping)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"attempts": attempts,
		"interval": c.opts.StopInterval,
		"force":    force,
	}).Info("Stopping inventory")

	// The sequence outlives the caller's context so a cancelled CLI still halts the reader.
	seqCtx := context.WithoutCancel(ctx)
	groutine.Go(seqCtx, "session-stop", func(ctx context.Context) {
		defer close(done)
		c.runStopSequence(ctx, attempts, gen)
	})
	return done, nil
}

func (c *Controller) runStopSequence(ctx context.Context, attempts int, gen uint64) {
	for i := 1; i <= attempts; i++ {
		err := c.write(ctx, protocol.CmdInventoryStop)

		c.mu.Lock()
		c.attempts = append(c.attempts, Attempt{Number: i, At: time.Now(), Err: err})
		c.mu.Unlock()

		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"attempt": i,
				"of":      attempts,
				"error":   err,
			}).Error("Stop command write failed, continuing")
		}

		if i < attempts && c.opts.StopInterval > 0 {
			time.Sleep(c.opts.StopInterval)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.resetTimer = time.AfterFunc(c.opts.ResetDelay, func() { c.delayedReset(gen) })

	failed := 0
	for _, a := range c.attempts {
		if a.Err != nil {
			failed++
		}
	}
	c.logger.WithFields(logrus.Fields{
		"attempts":     len(c.attempts),
		"failed":       failed,
		"acknowledged": c.acked,
	}).Info("Stop sequence finished")

	if c.generation == gen {
		c.setStateLocked(Idle)
	}
}

// delayedReset is skipped when a newer session has started since the stop.
func (c *Controller) delayedReset(gen uint64) {
	c.mu.Lock()
	if c.generation != gen || c.state != Idle {
		c.mu.Unlock()
		c.logger.Debug("Skipping stale post-stop reset")
		return
	}
	c.resetTimer = nil
	c.mu.Unlock()

	runResetters(c.onDrained)
	c.logger.Debug("Post-stop reset done")
}

func (c *Controller) write(ctx context.Context, cmd protocol.CommandName) error {
	frame, err := protocol.Encode(cmd, nil)
	if err == nil {
		err = c.transport.Write(ctx, frame)
	}
	c.metrics.CommandWritten(string(cmd), err)

	if err != nil {
		return err
	}
	c.logger.WithField("cmd", cmd).Debug("Command sent")
	return nil
}

// OnStopAcknowledged records that the reader echoed the stop command.
func (c *Controller) OnStopAcknowledged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acked {
		c.logger.WithField("state", c.state).Info("Reader acknowledged inventory stop")
	}
	c.acked = true
}

// Acknowledged reports whether the reader echoed a stop since the last start or stop call.
func (c *Controller) Acknowledged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// Attempts returns the stop writes of the latest stop sequence.
func (c *Controller) Attempts() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Attempt, len(c.attempts))
	copy(out, c.attempts)
	return out
}

// Close cancels a pending delayed reset.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
}

func runResetters(rs []Resetter) {
	for _, r := range rs {
		if r != nil {
			r.Reset()
		}
	}
}
