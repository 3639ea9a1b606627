// Package discover finds RFID readers by listening for BLE advertisements that
// carry the reader service.
package discover

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/device"
	goble "github.com/srg/rfidinv/internal/device/go-ble"
	"github.com/srg/rfidinv/internal/transport"
)

// ScanFunc runs a BLE scan, calling h for every advertisement until ctx is done.
type ScanFunc func(ctx context.Context, allowDup bool, h blelib.AdvHandler) error

// Found is one reader seen during a scan.
type Found struct {
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	Seen        int       `json:"seen"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Options narrows a scan.
type Options struct {
	Duration time.Duration

	// ServiceUUID an advertisement must list; empty accepts every device.
	ServiceUUID string

	AllowList []string
	BlockList []string
}

// DefaultOptions looks for the standard reader service for ten seconds.
func DefaultOptions() Options {
	return Options{
		Duration:    10 * time.Second,
		ServiceUUID: transport.DefaultServiceUUID,
	}
}

// Scanner collects readers from advertisements.
type Scanner struct {
	scan   ScanFunc
	logger *logrus.Logger
	now    func() time.Time
}

// New creates a scanner over the go-ble stack. scan may be nil.
func New(scan ScanFunc, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if scan == nil {
		scan = goble.Scan
	}
	return &Scanner{scan: scan, logger: logger, now: time.Now}
}

// Scan listens until opts.Duration elapses or ctx is done and returns the readers
// seen, strongest signal first. onFound, if set, is called the first time each
// reader shows up.
func (s *Scanner) Scan(ctx context.Context, opts Options, onFound func(Found)) ([]Found, error) {
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	want := device.NormalizeUUID(opts.ServiceUUID)
	found := hashmap.New[string, Found]()

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"service":  want,
	}).Info("Scanning for readers...")

	err := s.scan(ctx, false, func(adv blelib.Advertisement) {
		addr := strings.ToUpper(adv.Addr().String())
		now := s.now()

		if prev, ok := found.Get(addr); ok {
			prev.Seen++
			prev.RSSI = adv.RSSI()
			prev.LastSeen = now
			if prev.Name == "" {
				prev.Name = adv.LocalName()
			}
			found.Set(addr, prev)
			return
		}

		if !accept(adv, addr, want, opts) {
			return
		}

		f := Found{
			Address:     addr,
			Name:        adv.LocalName(),
			RSSI:        adv.RSSI(),
			Connectable: adv.Connectable(),
			Seen:        1,
			FirstSeen:   now,
			LastSeen:    now,
		}
		if _, loaded := found.GetOrInsert(addr, f); loaded {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"address": f.Address,
			"name":    f.Name,
			"rssi":    f.RSSI,
		}).Info("Discovered reader")
		if onFound != nil {
			onFound(f)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	out := make([]Found, 0, found.Len())
	found.Range(func(_ string, f Found) bool {
		out = append(out, f)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})

	s.logger.WithField("count", len(out)).Info("Reader scan completed")
	return out, nil
}

// accept applies the block, allow and service filters.
func accept(adv blelib.Advertisement, addr, service string, opts Options) bool {
	match := func(list []string) bool {
		return slices.ContainsFunc(list, func(a string) bool { return strings.EqualFold(a, addr) })
	}
	if match(opts.BlockList) {
		return false
	}
	if len(opts.AllowList) > 0 && !match(opts.AllowList) {
		return false
	}
	if service == "" {
		return true
	}

	for _, u := range slices.Concat(adv.Services(), adv.OverflowService()) {
		if device.NormalizeUUID(u.String()) == service {
			return true
		}
	}
	return false
}
