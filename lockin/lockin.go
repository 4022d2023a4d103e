/*Package lockin drives the Levylab multichannel lock-in amplifier.

The lock-in software exposes its analog outputs, sweep engine, and
demodulated results through JSON-RPC methods (setAO_DC, setSweep, getState,
getSweepWaveforms, getResults, ...).  A Lockin holds the logical channel set
(label -> physical lead), caches what this process wrote to each channel
(there are no remote getters for output settings), and orchestrates sweeps:

	li, err := lockin.New(dev, map[string]int{"source": 1, "drain": 2})
	...
	spec, err := lockin.BuildSweep([]lockin.Ramp{{Lead: 1, Start: 0, End: 0.1, Pattern: lockin.RampUp}},
		time.Second, 10*time.Second, false)
	...
	report, err := li.RunSweep(ctx, spec, lockin.DefaultTiming(spec))
	...
	bundle, err := li.FetchWaveforms(ctx)
	series, err := bundle.Series(lockin.AI)

A single Lockin must not be driven by several sweeps at once; RunSweep
refuses re-entry.  All other methods are safe for concurrent use, with
requests serialized by the underlying Caller.
*/
package lockin

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/levylab/golevylab/comm"
)

// Lockin is a multichannel lock-in amplifier
type Lockin struct {
	c comm.Caller

	mu         sync.Mutex
	channels   map[string]int
	settings   map[string]Setting
	refChannel int
	obs        Observer

	sweeping atomic.Bool
}

// Option configures a Lockin
type Option func(*Lockin)

// WithObserver installs an observer for driver events
func WithObserver(o Observer) Option {
	return func(l *Lockin) {
		l.obs = o
	}
}

// WithReferenceChannel sets the reference used by scalar measurement reads
func WithReferenceChannel(ref int) Option {
	return func(l *Lockin) {
		l.refChannel = ref
	}
}

// New creates a new Lockin talking over c.  channels may be empty, in which
// case SetChannels must be called before any per-channel operation.
func New(c comm.Caller, channels map[string]int, opts ...Option) (*Lockin, error) {
	l := &Lockin{
		c:          c,
		channels:   map[string]int{},
		settings:   map[string]Setting{},
		refChannel: 1,
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(channels) > 0 {
		if _, err := l.SetChannels(channels); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Caller returns the command channel the Lockin talks over
func (l *Lockin) Caller() comm.Caller {
	return l.c
}

// SetObserver replaces the observer; nil silences the driver
func (l *Lockin) SetObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.obs = o
}

// ReferenceChannel returns the reference used by scalar measurement reads
func (l *Lockin) ReferenceChannel() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refChannel
}

// SetReferenceChannel sets the reference used by scalar measurement reads
func (l *Lockin) SetReferenceChannel(ref int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refChannel = ref
}

// Sweeping reports whether RunSweep is in progress
func (l *Lockin) Sweeping() bool {
	return l.sweeping.Load()
}

func (l *Lockin) emit(events ...Event) {
	l.mu.Lock()
	obs := l.obs
	l.mu.Unlock()
	if obs == nil {
		return
	}
	now := time.Now()
	for _, e := range events {
		if e.Time.IsZero() {
			e.Time = now
		}
		obs.Observe(e)
	}
}
