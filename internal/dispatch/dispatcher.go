// Package dispatch decodes throttled frame batches and routes each response by
// its command to the device-state sink, the tag stream, or the session's stop
// acknowledgement.
package dispatch

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/metrics"
	"github.com/srg/rfidinv/internal/protocol"
	"github.com/srg/rfidinv/internal/transport"
)

// DefaultReassemblyBufferSize bounds the bytes held while waiting for the rest of a split response.
const DefaultReassemblyBufferSize = 16 * 1024

// DeviceUpdate is one device information reading or acknowledgement.
type DeviceUpdate struct {
	Seq     uint64               `json:"seq"`
	Field   string               `json:"field"`
	Command protocol.CommandName `json:"command"`
	Value   any                  `json:"value,omitempty"`
	Raw     json.RawMessage      `json:"raw,omitempty"`
	At      time.Time            `json:"at"`
}

// DeviceStateSink receives device information updates.
type DeviceStateSink interface {
	Apply(DeviceUpdate)
}

// TagSink receives tag reads in the order the reader reported them.
type TagSink interface {
	OnTagsObserved(tags []string)
}

// ReceiptTagSink is a TagSink that also wants the time the frame carrying the
// tags was received. The dispatcher prefers it over OnTagsObserved.
type ReceiptTagSink interface {
	OnTagsReceived(tags []string, receivedAt time.Time)
}

// StopAckSink is told when the reader echoes the inventory stop command.
type StopAckSink interface {
	OnStopAcknowledged()
}

// Sinks are the dispatcher's downstream consumers. Nil sinks are skipped.
type Sinks struct {
	Device  DeviceStateSink
	Tags    TagSink
	StopAck StopAckSink

	// OnError receives frame-level decode failures. They never stop dispatching.
	OnError func(error)
}

// Options selects how frames map to responses. The zero value expects every
// notification to carry one complete response, as current firmware does.
type Options struct {
	// Reassemble concatenates payloads and splits them back into responses, for
	// firmware that spreads one response over several notifications.
	Reassemble bool

	// ReassemblyBufferSize bounds the pending bytes; <= 0 uses DefaultReassemblyBufferSize.
	ReassemblyBufferSize int
}

// DefaultOptions matches current reader firmware.
func DefaultOptions() Options {
	return Options{ReassemblyBufferSize: DefaultReassemblyBufferSize}
}

type Dispatcher struct {
	opts    Options
	sinks   Sinks
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu guards the assembler; Reset may come from the session goroutine.
	mu        sync.Mutex
	assembler *assembler
}

func New(opts Options, sinks Sinks, logger *logrus.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ReassemblyBufferSize <= 0 {
		opts.ReassemblyBufferSize = DefaultReassemblyBufferSize
	}
	d := &Dispatcher{
		opts:    opts,
		sinks:   sinks,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	if opts.Reassemble {
		d.assembler = newAssembler(opts.ReassemblyBufferSize)
	}
	return d
}

// HandleBatch decodes and dispatches every frame of a batch in order. A frame
// that fails to decode is reported and skipped; the rest of the batch still runs.
// Calls must not overlap.
func (d *Dispatcher) HandleBatch(frames []transport.RawFrame) {
	for _, f := range frames {
		if d.assembler != nil {
			d.handleChunk(f)
			continue
		}

		resp, err := protocol.Decode(f.Payload)
		if err != nil {
			d.decodeFailed(f, err)
			continue
		}
		d.dispatchAt(resp, f.ReceivedAt)
	}
}

func (d *Dispatcher) handleChunk(f transport.RawFrame) {
	payload, err := protocol.DecodePayload(f.Payload)
	if err != nil {
		d.decodeFailed(f, err)
		return
	}

	d.mu.Lock()
	resps, err := d.assembler.feed(payload)
	pending := d.assembler.pending()
	d.mu.Unlock()

	for _, resp := range resps {
		d.dispatchAt(resp, f.ReceivedAt)
	}
	if err != nil {
		d.decodeFailed(f, err)
	}
	if pending > 0 {
		d.logger.WithField("pending_bytes", pending).Debug("Waiting for the rest of a split response")
	}
}

// Reset drops any partially reassembled response.
func (d *Dispatcher) Reset() {
	if d.assembler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assembler.reset()
}

func (d *Dispatcher) decodeFailed(f transport.RawFrame, err error) {
	reason := "json"
	var mf *protocol.MalformedFrameError
	var overflow *OverflowError
	switch {
	case errors.As(err, &mf):
		reason = mf.Reason
	case errors.As(err, &overflow):
		reason = "overflow"
	}
	d.metrics.DecodeFailed(reason)

	d.logger.WithFields(logrus.Fields{
		"reason":      reason,
		"received_at": f.ReceivedAt,
		"error":       err,
	}).Warn("Dropping undecodable frame")

	if d.sinks.OnError != nil {
		d.sinks.OnError(err)
	}
}

// Dispatch routes one response. Unknown commands are logged and ignored.
func (d *Dispatcher) Dispatch(resp protocol.Response) {
	d.dispatchAt(resp, d.now())
}

func (d *Dispatcher) dispatchAt(resp protocol.Response, at time.Time) {
	if at.IsZero() {
		at = d.now()
	}
	kind := resp.Cmd.Kind()
	d.metrics.Dispatched(kind.String())

	switch kind {
	case protocol.KindDeviceInfo, protocol.KindAlert:
		d.applyDeviceUpdate(resp, at)

	case protocol.KindInventory:
		if len(resp.Tags) > 0 && d.sinks.Tags != nil {
			if rs, ok := d.sinks.Tags.(ReceiptTagSink); ok {
				rs.OnTagsReceived(resp.Tags, at)
			} else {
				d.sinks.Tags.OnTagsObserved(resp.Tags)
			}
		}
		if resp.Cmd == protocol.CmdInventoryStop {
			d.logger.Debug("Reader acknowledged inventory stop")
			if d.sinks.StopAck != nil {
				d.sinks.StopAck.OnStopAcknowledged()
			}
		}

	default:
		d.logger.WithFields(logrus.Fields{
			"cmd":   resp.Cmd,
			"value": string(resp.Value),
		}).Warn("Ignoring response for unknown command")
	}
}

func (d *Dispatcher) applyDeviceUpdate(resp protocol.Response, at time.Time) {
	update := DeviceUpdate{
		Field:   resp.Cmd.Field(),
		Command: resp.Cmd,
		Raw:     resp.Value,
		At:      at,
	}

	if resp.HasValue() {
		v, err := resp.Payload()
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"cmd":   resp.Cmd,
				"error": err,
			}).Warn("Device response value has unexpected shape")
		} else {
			update.Value = v
		}
	}

	if d.sinks.Device != nil {
		d.sinks.Device.Apply(update)
	}
}
