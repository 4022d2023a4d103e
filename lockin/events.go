package lockin

import (
	"log"
	"time"
)

// EventKind enumerates the things a Lockin reports to its Observer
type EventKind int

const (
	// ChannelAdded is emitted for each label new to the channel set
	ChannelAdded EventKind = iota
	// ChannelRemoved is emitted for each label dropped from the channel set
	ChannelRemoved
	// ChannelRetained is emitted for each label present before and after a replacement
	ChannelRetained
	// FieldWritten is emitted after a per-channel setting is accepted by the instrument
	FieldWritten
	// StateCommanded is emitted after a setState request is accepted
	StateCommanded
	// SweepSubmitted is emitted after the sweep program is accepted
	SweepSubmitted
	// StatePolled is emitted for every getState reply inside RunSweep
	StatePolled
	// SweepFinished is emitted when the instrument leaves the sweeping state
	SweepFinished
	// SweepFailed is emitted when RunSweep returns an error
	SweepFailed
)

func (k EventKind) String() string {
	switch k {
	case ChannelAdded:
		return "channel-added"
	case ChannelRemoved:
		return "channel-removed"
	case ChannelRetained:
		return "channel-retained"
	case FieldWritten:
		return "field-written"
	case StateCommanded:
		return "state-commanded"
	case SweepSubmitted:
		return "sweep-submitted"
	case StatePolled:
		return "state-polled"
	case SweepFinished:
		return "sweep-finished"
	case SweepFailed:
		return "sweep-failed"
	}
	return "unknown"
}

// Event is a structured record of something the driver did
type Event struct {
	Kind    EventKind
	Time    time.Time
	Method  string
	Label   string
	Lead    int
	Field   Field
	Value   interface{}
	State   State
	Elapsed time.Duration
	Err     error
}

// Observer receives events.  Observe is called synchronously from the
// goroutine driving the Lockin and must not call back into it.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event)

// Observe implements Observer
func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans events out to several observers
type Observers []Observer

// Observe implements Observer
func (o Observers) Observe(e Event) {
	for _, obs := range o {
		obs.Observe(e)
	}
}

// LogObserver prints every event except state polls to l
func LogObserver(l *log.Logger) Observer {
	return ObserverFunc(func(e Event) {
		switch e.Kind {
		case StatePolled:
			return
		case ChannelAdded, ChannelRemoved, ChannelRetained:
			l.Printf("lockin: %s %s lead %d", e.Kind, e.Label, e.Lead)
		case FieldWritten:
			l.Printf("lockin: %s %s.%s = %v", e.Method, e.Label, e.Field, e.Value)
		case SweepFinished:
			l.Printf("lockin: sweep completed in %v, final state %q", e.Elapsed, e.State)
		case SweepFailed:
			l.Printf("lockin: sweep failed after %v: %v", e.Elapsed, e.Err)
		default:
			l.Printf("lockin: %s %s %v", e.Kind, e.Method, e.Value)
		}
	})
}
