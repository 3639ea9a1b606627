package dispatch

import (
	"context"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// DefaultHistorySize is how many device updates DeviceState keeps for inspection.
const DefaultHistorySize = 64

// DeviceState is the default DeviceStateSink: the latest value per field plus a
// bounded, overwrite-oldest history of every update.
type DeviceState struct {
	logger  *logrus.Logger
	history mpmc.RichOverlappedRingBuffer[DeviceUpdate]

	mu      sync.Mutex
	seq     uint64
	latest  map[string]DeviceUpdate
	changed chan struct{}
	dropped uint64
}

func NewDeviceState(historySize uint32, logger *logrus.Logger) *DeviceState {
	if logger == nil {
		logger = logrus.New()
	}
	if historySize == 0 {
		historySize = DefaultHistorySize
	}
	return &DeviceState{
		logger:  logger,
		history: mpmc.NewOverlappedRingBuffer[DeviceUpdate](historySize),
		latest:  make(map[string]DeviceUpdate),
		changed: make(chan struct{}),
	}
}

// Apply stores the update and wakes every Wait call.
func (s *DeviceState) Apply(u DeviceUpdate) {
	s.mu.Lock()
	s.seq++
	u.Seq = s.seq
	s.latest[u.Field] = u
	wake := s.changed
	s.changed = make(chan struct{})

	overwrites, err := s.history.EnqueueM(u)
	s.dropped += uint64(overwrites)
	s.mu.Unlock()

	close(wake)

	if err != nil {
		s.logger.WithError(err).Warn("Device history enqueue failed")
	}
	s.logger.WithFields(logrus.Fields{
		"field": u.Field,
		"cmd":   u.Command,
		"value": u.Value,
	}).Debug("Device state updated")
}

// Mark returns the current sequence number. Pass it to Wait to only accept
// updates applied after this point.
func (s *DeviceState) Mark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Latest returns the most recent update for field.
func (s *DeviceState) Latest(field string) (DeviceUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.latest[field]
	return u, ok
}

// Snapshot copies the latest update of every field.
func (s *DeviceState) Snapshot() map[string]DeviceUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]DeviceUpdate, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// Wait blocks until field receives an update with a sequence number above since,
// or ctx is done.
func (s *DeviceState) Wait(ctx context.Context, field string, since uint64) (DeviceUpdate, error) {
	for {
		s.mu.Lock()
		u, ok := s.latest[field]
		wake := s.changed
		s.mu.Unlock()

		if ok && u.Seq > since {
			return u, nil
		}

		select {
		case <-ctx.Done():
			return DeviceUpdate{}, ctx.Err()
		case <-wake:
		}
	}
}

// DrainHistory removes and returns the buffered updates, oldest first, plus how
// many older updates were overwritten since the previous drain.
func (s *DeviceState) DrainHistory() ([]DeviceUpdate, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DeviceUpdate
	for !s.history.IsEmpty() {
		u, err := s.history.Dequeue()
		if err != nil {
			break
		}
		out = append(out, u)
	}
	dropped := s.dropped
	s.dropped = 0
	return out, dropped
}
