package dispatch

import (
	"errors"
	"fmt"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/rfidinv/internal/protocol"
)

// OverflowError means a split response grew past the reassembly buffer and was discarded.
type OverflowError struct {
	Capacity int
	Pending  int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("reassembly buffer overflow: %d bytes pending, capacity %d", e.Pending, e.Capacity)
}

// assembler joins notification payloads of responses that the reader split across
// several notifications.
type assembler struct {
	buf *ringbuffer.RingBuffer
}

func newAssembler(size int) *assembler {
	return &assembler{buf: ringbuffer.New(size)}
}

// feed appends payload and returns every response completed by it.
func (a *assembler) feed(payload []byte) ([]protocol.Response, error) {
	if len(payload) > a.buf.Free() {
		pending := a.buf.Length() + len(payload)
		a.buf.Reset()
		return nil, &OverflowError{Capacity: a.buf.Capacity(), Pending: pending}
	}
	if _, err := a.buf.Write(payload); err != nil {
		a.buf.Reset()
		return nil, fmt.Errorf("reassembly buffer: %w", err)
	}

	data := make([]byte, a.buf.Length())
	if _, err := a.buf.TryRead(data); err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return nil, err
	}

	resps, rest, err := protocol.SplitResponses(data)
	if len(rest) > 0 {
		// rest came out of the buffer, so it always fits back in
		_, _ = a.buf.Write(rest)
	}
	return resps, err
}

func (a *assembler) pending() int {
	return a.buf.Length()
}

func (a *assembler) reset() {
	a.buf.Reset()
}
