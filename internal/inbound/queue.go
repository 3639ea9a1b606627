// Package inbound buffers reader notifications and releases them to the
// dispatcher in throttled batches. Only the batch rate is limited: every
// enqueued frame is handed out exactly once, in arrival order.
package inbound

import (
	"sync"
	"time"

	"github.com/srg/rfidinv/internal/transport"
)

// DefaultInterval is the minimum gap between two dispatched batches.
const DefaultInterval = 50 * time.Millisecond

// Queue is a FIFO of RawFrames with a throttled take-and-clear.
// Every method is safe for concurrent use by one producer and one consumer.
type Queue struct {
	interval time.Duration

	mu        sync.Mutex
	buf       []transport.RawFrame
	lastDrain time.Time
	draining  bool
}

func NewQueue(interval time.Duration) *Queue {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Queue{interval: interval}
}

// Interval returns the configured throttle interval.
func (q *Queue) Interval() time.Duration {
	return q.interval
}

// Enqueue appends a frame.
func (q *Queue) Enqueue(f transport.RawFrame) {
	q.mu.Lock()
	q.buf = append(q.buf, f)
	q.mu.Unlock()
}

// DrainIfDue returns the whole buffer and clears it when at least one interval has
// passed since the last drain and no batch is being processed. Otherwise, or when
// the buffer is empty, it returns nil and leaves the buffer untouched.
func (q *Queue) DrainIfDue(now time.Time) []transport.RawFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(now, false)
}

// Process drains like DrainIfDue and runs fn on the batch outside the lock. While
// fn runs the queue counts as draining, so concurrent drains return nothing.
// Returns the batch size.
func (q *Queue) Process(now time.Time, fn func([]transport.RawFrame)) int {
	return q.process(now, false, fn)
}

// Flush processes whatever is buffered regardless of the interval.
func (q *Queue) Flush(now time.Time, fn func([]transport.RawFrame)) int {
	return q.process(now, true, fn)
}

func (q *Queue) process(now time.Time, force bool, fn func([]transport.RawFrame)) int {
	q.mu.Lock()
	batch := q.takeLocked(now, force)
	if len(batch) == 0 {
		q.mu.Unlock()
		return 0
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	fn(batch)
	return len(batch)
}

func (q *Queue) takeLocked(now time.Time, force bool) []transport.RawFrame {
	if q.draining || len(q.buf) == 0 {
		return nil
	}
	if !force && !q.lastDrain.IsZero() && now.Sub(q.lastDrain) < q.interval {
		return nil
	}

	batch := q.buf
	q.buf = nil
	q.lastDrain = now
	return batch
}

// Reset drops buffered frames and forgets the last drain time.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = nil
	q.lastDrain = time.Time{}
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
