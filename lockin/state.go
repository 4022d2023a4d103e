package lockin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// State is the sweep state reported by the instrument.  The driver treats it
// as opaque except for the two values it waits on.
type State string

const (
	// Idle is reported before any sweep is loaded
	Idle State = "idle"
	// Started is reported between the start command and the first sweep sample
	Started State = "started"
	// Sweeping is reported while the program runs
	Sweeping State = "sweeping"
	// Stopped is reported once the program has finished or been stopped
	Stopped State = "stopped"
)

// Command is a state transition requested with setState
type Command string

const (
	// Start starts acquisition without a sweep
	Start Command = "start"
	// StartSweep starts the loaded sweep program
	StartSweep Command = "start sweep"
	// Stop stops acquisition
	Stop Command = "stop"
	// StopSweep stops the running sweep program
	StopSweep Command = "stop sweep"
)

// Valid returns true if c is one of the four commands the instrument accepts
func (c Command) Valid() bool {
	switch c {
	case Start, StartSweep, Stop, StopSweep:
		return true
	}
	return false
}

// GetState queries the sweep state
func (l *Lockin) GetState(ctx context.Context) (State, error) {
	var raw json.RawMessage
	if err := l.c.Call(ctx, "getState", nil, &raw); err != nil {
		return "", &Error{Method: "getState", Err: err}
	}
	st, err := parseState(raw)
	if err != nil {
		return "", &Error{Method: "getState", Err: err}
	}
	return st, nil
}

// the framework has answered both "sweeping" and {"state": "sweeping"}
func parseState(raw json.RawMessage) (State, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return State(s), nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, k := range []string{"state", "State"} {
			if v, ok := obj[k].(string); ok {
				return State(v), nil
			}
		}
	}
	return "", errors.Wrapf(ErrBadReply, "no state in %s", string(raw))
}

// SetState commands a state transition.  It is independent of RunSweep and
// may be used to abort a sweep another goroutine is waiting on.
func (l *Lockin) SetState(ctx context.Context, cmd Command) error {
	if !cmd.Valid() {
		return &Error{Method: "setState", Err: errors.Wrapf(ErrConfig, "unknown command %q", cmd)}
	}
	if err := l.c.Call(ctx, "setState", string(cmd), nil); err != nil {
		return &Error{Method: "setState", Err: err}
	}
	l.emit(Event{Kind: StateCommanded, Method: "setState", Value: cmd})
	return nil
}

// Abort stops the running sweep program
func (l *Lockin) Abort(ctx context.Context) error {
	return l.SetState(ctx, StopSweep)
}

// Timing bounds a RunSweep.  A zero timeout disables that bound.
type Timing struct {
	PollInterval   time.Duration
	StartupTimeout time.Duration
	SweepTimeout   time.Duration
}

// DefaultTiming polls five times a second, allows 10 s for the sweep to begin,
// and allows the programmed duration plus 30 s for it to finish
func DefaultTiming(spec SweepSpec) Timing {
	return Timing{
		PollInterval:   200 * time.Millisecond,
		StartupTimeout: 10 * time.Second,
		SweepTimeout:   spec.InitialWait + spec.SweepTime + 30*time.Second,
	}
}

// SweepReport describes a completed or failed RunSweep.
// StartupPolls counts getState replies of "started" and SweepPolls counts
// replies of "sweeping"; Final is the last state observed.
type SweepReport struct {
	StartupPolls int           `json:"startupPolls"`
	SweepPolls   int           `json:"sweepPolls"`
	Final        State         `json:"final"`
	Elapsed      time.Duration `json:"elapsed"`
}

// RunSweep submits spec, starts it, and blocks until the instrument leaves
// the sweeping state.  It does not fetch data.
//
// Only one RunSweep may be unresolved per Lockin; a second call fails with
// ErrSweepInProgress without touching the instrument.  On ErrStartupTimeout
// or ErrSweepTimeout the remote sweep is left as it is; call Abort or
// GetState before retrying.  Cancelling ctx ends the wait the same way.
func (l *Lockin) RunSweep(ctx context.Context, spec SweepSpec, timing Timing) (SweepReport, error) {
	var report SweepReport
	if !l.sweeping.CompareAndSwap(false, true) {
		return report, &Error{Method: "RunSweep", Err: ErrSweepInProgress}
	}
	defer l.sweeping.Store(false)

	begin := time.Now()
	err := l.runSweep(ctx, spec, timing, &report)
	report.Elapsed = time.Since(begin)
	if err != nil {
		l.emit(Event{Kind: SweepFailed, Method: "RunSweep", State: report.Final, Elapsed: report.Elapsed, Err: err})
		return report, err
	}
	l.emit(Event{Kind: SweepFinished, Method: "RunSweep", State: report.Final, Elapsed: report.Elapsed, Value: report})
	return report, nil
}

func (l *Lockin) runSweep(ctx context.Context, spec SweepSpec, timing Timing, report *SweepReport) error {
	if err := l.SubmitSweep(ctx, spec); err != nil {
		return err
	}
	if err := l.SetState(ctx, StartSweep); err != nil {
		return err
	}

	lim := rate.NewLimiter(rate.Every(timing.PollInterval), 1)
	lim.Allow()

	deadline := time.Now().Add(timing.StartupTimeout)
	state, err := l.poll(ctx)
	if err != nil {
		return err
	}
	report.Final = state

	// startup wait
	for state == Started {
		report.StartupPolls++
		if timing.StartupTimeout > 0 && !time.Now().Before(deadline) {
			return &Error{Method: "getState", Err: errors.Wrapf(ErrStartupTimeout, "still %q after %v", state, timing.StartupTimeout)}
		}
		if state, err = l.pollAfter(ctx, lim); err != nil {
			return err
		}
		report.Final = state
	}

	// sweep wait
	deadline = time.Now().Add(timing.SweepTimeout)
	for state == Sweeping {
		report.SweepPolls++
		if timing.SweepTimeout > 0 && !time.Now().Before(deadline) {
			return &Error{Method: "getState", Err: errors.Wrapf(ErrSweepTimeout, "still %q after %v", state, timing.SweepTimeout)}
		}
		if state, err = l.pollAfter(ctx, lim); err != nil {
			return err
		}
		report.Final = state
	}
	return nil
}

func (l *Lockin) pollAfter(ctx context.Context, lim *rate.Limiter) (State, error) {
	if err := lim.Wait(ctx); err != nil {
		// Wait refuses early when the next token lands past the deadline
		cause := ctx.Err()
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		return "", &Error{Method: "getState", Err: errors.Wrapf(cause, "waiting to poll: %v", err)}
	}
	return l.poll(ctx)
}

func (l *Lockin) poll(ctx context.Context) (State, error) {
	st, err := l.GetState(ctx)
	if err != nil {
		return "", err
	}
	l.emit(Event{Kind: StatePolled, Method: "getState", State: st})
	return st, nil
}
