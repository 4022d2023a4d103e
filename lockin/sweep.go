package lockin

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/levylab/golevylab/util"
)

// Pattern is the shape of a ramp, spelled the way the instrument expects it
type Pattern string

const (
	// RampUp is a linear ramp that ends by jumping back
	RampUp Pattern = "Ramp /"
	// RampDown is a linear ramp in the opposite sense
	RampDown Pattern = `Ramp \`
	// SmoothRamp is a cosine shaped ramp
	SmoothRamp Pattern = "Smooth Ramp"
	// Table steps through a caller supplied table of values
	Table Pattern = "Table"
)

// Valid returns true if p is one of the known patterns
func (p Pattern) Valid() bool {
	switch p {
	case RampUp, RampDown, SmoothRamp, Table:
		return true
	}
	return false
}

// ParsePattern accepts the wire spelling or a friendlier alias
// (ramp-up, ramp-down, smooth, table)
func ParsePattern(s string) (Pattern, error) {
	p := Pattern(s)
	if p.Valid() {
		return p, nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ramp-up", "rampup", "up", "/":
		return RampUp, nil
	case "ramp-down", "rampdown", "down", `\`:
		return RampDown, nil
	case "smooth", "smooth-ramp", "smoothramp":
		return SmoothRamp, nil
	case "table":
		return Table, nil
	}
	return "", specErr("pattern", "%q is not one of %q, %q, %q, %q", s, RampUp, RampDown, SmoothRamp, Table)
}

// Ramp describes what one output lead does during a sweep
type Ramp struct {
	Lead    int       `json:"lead"`
	Start   float64   `json:"start"`
	End     float64   `json:"end"`
	Pattern Pattern   `json:"pattern"`
	Table   []float64 `json:"table,omitempty"`
}

// SweepSpec is a validated sweep program
type SweepSpec struct {
	Channels      []Ramp
	InitialWait   time.Duration
	SweepTime     time.Duration
	ReturnToStart bool
}

// BuildSweep validates its arguments and assembles a SweepSpec.
// Tables given with any pattern other than Table are dropped.
// Nothing is sent to the instrument.
func BuildSweep(ramps []Ramp, initialWait, sweepTime time.Duration, returnToStart bool) (SweepSpec, error) {
	spec := SweepSpec{
		Channels:      make([]Ramp, 0, len(ramps)),
		InitialWait:   initialWait,
		SweepTime:     sweepTime,
		ReturnToStart: returnToStart,
	}
	for _, r := range ramps {
		if r.Pattern == Table {
			r.Table = append([]float64{}, r.Table...)
		} else {
			r.Table = []float64{}
		}
		spec.Channels = append(spec.Channels, r)
	}
	if err := spec.Validate(); err != nil {
		return SweepSpec{}, err
	}
	return spec, nil
}

// Validate checks the invariants BuildSweep establishes
func (s SweepSpec) Validate() error {
	if s.SweepTime <= 0 {
		return specErr("sweepTime", "must be positive, got %v", s.SweepTime)
	}
	if s.InitialWait < 0 {
		return specErr("initialWait", "must not be negative, got %v", s.InitialWait)
	}
	if len(s.Channels) == 0 {
		return specErr("channels", "at least one ramp is required")
	}
	seen := make(map[int]bool, len(s.Channels))
	for i, r := range s.Channels {
		if r.Lead < 1 {
			return specErr("channels.lead", "ramp %d: lead must be a positive integer, got %d", i, r.Lead)
		}
		if seen[r.Lead] {
			return specErr("channels.lead", "ramp %d: lead %d appears twice", i, r.Lead)
		}
		seen[r.Lead] = true
		if !r.Pattern.Valid() {
			return specErr("channels.pattern", "ramp %d: unknown pattern %q", i, r.Pattern)
		}
		if r.Pattern == Table && len(r.Table) == 0 {
			return specErr("channels.table", "ramp %d: pattern Table needs a non-empty table", i)
		}
		if r.Pattern != Table && len(r.Table) != 0 {
			return specErr("channels.table", "ramp %d: table given with pattern %q", i, r.Pattern)
		}
	}
	return nil
}

// Leads returns the output leads the program drives, in program order
func (s SweepSpec) Leads() []int {
	out := make([]int, len(s.Channels))
	for i, r := range s.Channels {
		out[i] = r.Lead
	}
	return out
}

type rampWire struct {
	Enable  bool      `json:"Enable?"`
	Channel int       `json:"Channel"`
	Start   float64   `json:"Start"`
	End     float64   `json:"End"`
	Pattern Pattern   `json:"Pattern"`
	Table   []float64 `json:"Table"`
}

type sweepWire struct {
	SweepTime     float64    `json:"Sweep Time (s)"`
	InitialWait   float64    `json:"Initial Wait (s)"`
	ReturnToStart bool       `json:"Return to Start"`
	Channels      []rampWire `json:"Channels"`
}

// MarshalJSON encodes the setSweep parameter payload
func (s SweepSpec) MarshalJSON() ([]byte, error) {
	w := sweepWire{
		SweepTime:     s.SweepTime.Seconds(),
		InitialWait:   s.InitialWait.Seconds(),
		ReturnToStart: s.ReturnToStart,
		Channels:      make([]rampWire, len(s.Channels)),
	}
	for i, r := range s.Channels {
		tbl := r.Table
		if tbl == nil {
			tbl = []float64{}
		}
		w.Channels[i] = rampWire{Enable: true, Channel: r.Lead, Start: r.Start, End: r.End, Pattern: r.Pattern, Table: tbl}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a setSweep parameter payload.
// Disabled channels are skipped.
func (s *SweepSpec) UnmarshalJSON(b []byte) error {
	var w sweepWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	s.SweepTime = util.SecsToDuration(w.SweepTime)
	s.InitialWait = util.SecsToDuration(w.InitialWait)
	s.ReturnToStart = w.ReturnToStart
	s.Channels = make([]Ramp, 0, len(w.Channels))
	for _, c := range w.Channels {
		if !c.Enable {
			continue
		}
		s.Channels = append(s.Channels, Ramp{Lead: c.Channel, Start: c.Start, End: c.End, Pattern: c.Pattern, Table: c.Table})
	}
	return nil
}

// ParseSweepPayload decodes and validates a setSweep payload
func ParseSweepPayload(b []byte) (SweepSpec, error) {
	var s SweepSpec
	if err := json.Unmarshal(b, &s); err != nil {
		return SweepSpec{}, errors.Wrap(ErrInvalidSweepSpec, err.Error())
	}
	return s, s.Validate()
}

// SubmitSweep sends a sweep program without starting it.  Every lead the
// program drives must belong to the channel set.
func (l *Lockin) SubmitSweep(ctx context.Context, spec SweepSpec) error {
	if err := spec.Validate(); err != nil {
		return &Error{Method: "setSweep", Err: err}
	}
	l.mu.Lock()
	known := make(map[int]bool, len(l.channels))
	for _, lead := range l.channels {
		known[lead] = true
	}
	l.mu.Unlock()
	for _, lead := range spec.Leads() {
		if !known[lead] {
			return &Error{Method: "setSweep", Lead: lead, Err: specErr("channels.lead", "lead %d is not in the channel set", lead)}
		}
	}
	if err := l.c.Call(ctx, "setSweep", spec, nil); err != nil {
		return &Error{Method: "setSweep", Err: err}
	}
	l.emit(Event{Kind: SweepSubmitted, Method: "setSweep", Value: spec.Leads()})
	return nil
}

// SetSweepTime changes the duration of the loaded sweep program
func (l *Lockin) SetSweepTime(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return &Error{Method: "setSweepTime", Err: specErr("sweepTime", "must be positive, got %v", d)}
	}
	if err := l.c.Call(ctx, "setSweepTime", d.Seconds(), nil); err != nil {
		return &Error{Method: "setSweepTime", Err: err}
	}
	return nil
}
