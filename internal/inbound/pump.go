package inbound

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/groutine"
	"github.com/srg/rfidinv/internal/metrics"
	"github.com/srg/rfidinv/internal/transport"
)

// BatchHandler receives one throttled batch in arrival order.
type BatchHandler func([]transport.RawFrame)

// Pump moves frames from a channel into the queue and hands due batches to a handler.
type Pump struct {
	queue   *Queue
	handler BatchHandler
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewPump(q *Queue, handler BatchHandler, logger *logrus.Logger, m *metrics.Metrics) *Pump {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pump{
		queue:   q,
		handler: handler,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Start runs the pump on a named goroutine. The returned channel is closed when the
// loop exits: after ctx is done, or after frames is closed and the remainder flushed.
func (p *Pump) Start(ctx context.Context, frames <-chan transport.RawFrame) <-chan struct{} {
	return groutine.GoDone(ctx, "inbound-pump", func(ctx context.Context) {
		p.run(ctx, frames)
	})
}

func (p *Pump) run(ctx context.Context, frames <-chan transport.RawFrame) {
	p.logger.WithField("interval", p.queue.Interval()).Debug("Inbound pump started")
	defer p.logger.Debug("Inbound pump exiting")

	ticker := time.NewTicker(p.queue.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				p.queue.Flush(p.now(), p.deliver)
				return
			}
			p.queue.Enqueue(f)
			p.queue.Process(p.now(), p.deliver)
		case <-ticker.C:
			p.queue.Process(p.now(), p.deliver)
		}
	}
}

// deliver runs the handler and keeps a panicking handler from killing the pump.
func (p *Pump) deliver(batch []transport.RawFrame) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"panic":  r,
				"frames": len(batch),
			}).Error("Batch handler panicked")
		}
	}()

	p.metrics.Batch(len(batch))
	p.logger.WithField("frames", len(batch)).Debug("Dispatching inbound batch")
	p.handler(batch)
}
