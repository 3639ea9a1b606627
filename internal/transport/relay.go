package transport

import (
	"context"
	"sync"
)

// relay decouples the notification callback from a channel consumer with an
// unbounded FIFO.
type relay struct {
	mu      sync.Mutex
	pending []RawFrame
	signal  chan struct{}
}

func newRelay() *relay {
	return &relay{signal: make(chan struct{}, 1)}
}

func (r *relay) push(f RawFrame) {
	r.mu.Lock()
	r.pending = append(r.pending, f)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *relay) take() []RawFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.pending
	r.pending = nil
	return batch
}

func (r *relay) run(ctx context.Context, closed <-chan struct{}, out chan<- RawFrame) {
	defer close(out)
	for {
		for _, f := range r.take() {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-r.signal:
		case <-closed:
			// flush what arrived before the close
			for _, f := range r.take() {
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
			return
		case <-ctx.Done():
			return
		}
	}
}
