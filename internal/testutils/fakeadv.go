package testutils

import (
	"context"

	blelib "github.com/go-ble/ble"
)

// FakeAdvertisement is a canned advertisement. Only the fields a reader scan
// looks at are backed; the rest of blelib.Advertisement panics if called.
type FakeAdvertisement struct {
	blelib.Advertisement
	Address      string
	Name         string
	Signal       int
	ServiceUUIDs []string
}

func (a FakeAdvertisement) Addr() blelib.Addr { return blelib.NewAddr(a.Address) }
func (a FakeAdvertisement) LocalName() string { return a.Name }
func (a FakeAdvertisement) RSSI() int         { return a.Signal }
func (a FakeAdvertisement) Connectable() bool { return true }

func (a FakeAdvertisement) OverflowService() []blelib.UUID { return nil }

func (a FakeAdvertisement) Services() []blelib.UUID {
	out := make([]blelib.UUID, 0, len(a.ServiceUUIDs))
	for _, s := range a.ServiceUUIDs {
		out = append(out, blelib.MustParse(s))
	}
	return out
}

// ReplayAdvertisements returns a scan function that delivers advs once and then
// blocks until ctx is done, like a real scan with no further traffic.
func ReplayAdvertisements(advs ...FakeAdvertisement) func(context.Context, bool, blelib.AdvHandler) error {
	return func(ctx context.Context, _ bool, h blelib.AdvHandler) error {
		for _, a := range advs {
			h(a)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}
