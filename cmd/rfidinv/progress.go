package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 200 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// StatusFunc renders the live part of a progress line.
type StatusFunc func() string

// ProgressPrinter redraws one status line while a long operation runs.
//
// A ProgressPrinter is single-use: Start at most once, Stop any number of times.
// On a non-terminal writer it prints nothing.
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	status   StatusFunc
	duration time.Duration // countdown when > 0
	enabled  bool

	phase     atomic.Value // string
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

// NewProgressPrinter creates a printer that counts up, or down from duration when it is positive.
func NewProgressPrinter(out io.Writer, prefix, phase string, duration time.Duration, status StatusFunc) *ProgressPrinter {
	p := &ProgressPrinter{
		out:      out,
		prefix:   prefix,
		status:   status,
		duration: duration,
		enabled:  isTerminal(out),
	}
	p.phase.Store(phase)
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins redrawing in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	if !p.enabled {
		return
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.render()
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.render()
			}
		}
	}()
}

// SetPhase changes the phase label shown in parentheses.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

func (p *ProgressPrinter) render() {
	phase := p.phase.Load().(string)
	elapsed := time.Since(p.startTime)

	var clock string
	if p.duration > 0 {
		remaining := p.duration - elapsed
		if remaining < 0 {
			remaining = 0
		}
		clock = fmt.Sprintf("%ds left", int(remaining.Seconds()+0.5))
	} else {
		clock = fmt.Sprintf("%ds", int(elapsed.Seconds()))
	}

	line := fmt.Sprintf("%s%s (%s %s)", clearLineSequence, p.prefix, phase, clock)
	if p.status != nil {
		line += "  " + p.status()
	}
	_, _ = io.WriteString(p.out, line)
}

// Stop stops redrawing and clears the line. Safe to call multiple times.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}
	ticker.Stop()
	close(p.stopChan)
	<-p.done
	_, _ = io.WriteString(p.out, clearLineSequence)
}
