package lockin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/levylab/golevylab/util"
)

// Waveshape is the function generated on an analog output
type Waveshape string

const (
	// Sine output
	Sine Waveshape = "Sine"
	// Square output
	Square Waveshape = "Square"
	// Triangle output
	Triangle Waveshape = "Triangle"
)

// Valid returns true if w is a shape the instrument understands
func (w Waveshape) Valid() bool {
	switch w {
	case Sine, Square, Triangle:
		return true
	}
	return false
}

// Field is one electrical setting of an analog output
type Field int

const (
	// FieldAmplitude is the AC amplitude in V
	FieldAmplitude Field = iota
	// FieldDC is the DC offset in V
	FieldDC
	// FieldFrequency is the AC frequency in Hz
	FieldFrequency
	// FieldPhase is the AC phase in degrees
	FieldPhase
	// FieldFunction is the Waveshape
	FieldFunction
)

// Fields lists every per-channel field
var Fields = []Field{FieldAmplitude, FieldDC, FieldFrequency, FieldPhase, FieldFunction}

func (f Field) String() string {
	switch f {
	case FieldAmplitude:
		return "Amp"
	case FieldDC:
		return "DC"
	case FieldFrequency:
		return "Freq"
	case FieldPhase:
		return "Phase"
	case FieldFunction:
		return "Function"
	}
	return fmt.Sprintf("Field(%d)", int(f))
}

// ParseField converts a name such as "dc", "Amp" or "frequency" to a Field
func ParseField(s string) (Field, error) {
	switch strings.ToLower(s) {
	case "amp", "amplitude":
		return FieldAmplitude, nil
	case "dc", "offset":
		return FieldDC, nil
	case "freq", "frequency":
		return FieldFrequency, nil
	case "phase":
		return FieldPhase, nil
	case "function", "func", "shape", "waveshape":
		return FieldFunction, nil
	}
	return 0, errors.Wrapf(ErrConfig, "unknown field %q", s)
}

// fieldSpec is how one field is written on the wire
type fieldSpec struct {
	method string
	key    string
	unit   string
	check  func(interface{}) (interface{}, error)
}

var fieldTable = map[Field]fieldSpec{
	FieldAmplitude: {"setAO_Amplitude", "Amplitude (V)", "V", nonNegative},
	FieldDC:        {"setAO_DC", "DC (V)", "V", anyNumber},
	FieldFrequency: {"setAO_Frequency", "Frequency (Hz)", "Hz", nonNegative},
	FieldPhase:     {"setAO_Phase", "Phase (deg)", "deg", anyNumber},
	FieldFunction:  {"setAO_Function", "Function", "", waveshape},
}

// Unit returns the physical unit of a field, empty for FieldFunction
func (f Field) Unit() string {
	return fieldTable[f].unit
}

// Method returns the instrument method that writes a field
func (f Field) Method() string {
	return fieldTable[f].method
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func anyNumber(v interface{}) (interface{}, error) {
	f, ok := toFloat(v)
	if !ok {
		return nil, errors.Wrapf(ErrConfig, "%v is not a number", v)
	}
	return f, nil
}

func nonNegative(v interface{}) (interface{}, error) {
	f, ok := toFloat(v)
	if !ok {
		return nil, errors.Wrapf(ErrConfig, "%v is not a number", v)
	}
	if f < 0 {
		return nil, errors.Wrapf(ErrConfig, "%v must not be negative", f)
	}
	return f, nil
}

func waveshape(v interface{}) (interface{}, error) {
	var w Waveshape
	switch x := v.(type) {
	case Waveshape:
		w = x
	case string:
		w = Waveshape(x)
	}
	if !w.Valid() {
		return nil, errors.Wrapf(ErrConfig, "%v is not one of Sine, Square, Triangle", v)
	}
	return w, nil
}

// Setting is the last-written electrical configuration of one channel.
// A nil field has never been written by this process.
type Setting struct {
	Label     string     `json:"label"`
	Lead      int        `json:"lead"`
	Amplitude *float64   `json:"amplitude,omitempty"`
	DC        *float64   `json:"dc,omitempty"`
	Frequency *float64   `json:"frequency,omitempty"`
	Phase     *float64   `json:"phase,omitempty"`
	Function  *Waveshape `json:"function,omitempty"`
}

func (s *Setting) store(f Field, v interface{}) {
	if f == FieldFunction {
		w := v.(Waveshape)
		s.Function = &w
		return
	}
	x := v.(float64)
	switch f {
	case FieldAmplitude:
		s.Amplitude = &x
	case FieldDC:
		s.DC = &x
	case FieldFrequency:
		s.Frequency = &x
	case FieldPhase:
		s.Phase = &x
	}
}

// ChangeSet reports what a channel set replacement did
type ChangeSet struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Retained []string `json:"retained"`
}

func validateChannels(channels map[string]int) error {
	if len(channels) == 0 {
		return &Error{Method: "SetChannels", Err: errors.Wrap(ErrConfig, "channel mapping is empty")}
	}
	byLead := make(map[int]string, len(channels))
	labels := make([]string, 0, len(channels))
	for label := range channels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		lead := channels[label]
		if strings.TrimSpace(label) == "" {
			return &Error{Method: "SetChannels", Lead: lead, Err: errors.Wrap(ErrConfig, "empty label")}
		}
		if lead < 1 {
			return &Error{Method: "SetChannels", Label: label, Lead: lead, Err: errors.Wrap(ErrConfig, "lead must be a positive integer")}
		}
		if other, ok := byLead[lead]; ok {
			return &Error{Method: "SetChannels", Label: label, Lead: lead,
				Err: errors.Wrapf(ErrConfig, "lead %d already used by %q", lead, other)}
		}
		byLead[lead] = label
	}
	return nil
}

// SetChannels replaces the whole channel set.  Labels that disappear lose
// their cached settings, labels that persist on the same lead keep them, and
// labels that move to another lead start over.  Nothing is sent to the
// instrument.  The mapping is rejected, leaving the old set in place, if it
// is empty or two labels share a lead.
func (l *Lockin) SetChannels(channels map[string]int) (ChangeSet, error) {
	var cs ChangeSet
	if err := validateChannels(channels); err != nil {
		return cs, err
	}
	l.mu.Lock()
	added, removed, kept := util.Diff(l.channels, channels, func(a, b string) bool { return a < b })
	events := make([]Event, 0, len(channels)+len(removed))
	for _, label := range removed {
		events = append(events, Event{Kind: ChannelRemoved, Label: label, Lead: l.channels[label]})
		delete(l.settings, label)
	}
	for _, label := range kept {
		lead := channels[label]
		if l.channels[label] != lead {
			l.settings[label] = Setting{Label: label, Lead: lead}
		}
		events = append(events, Event{Kind: ChannelRetained, Label: label, Lead: lead})
	}
	for _, label := range added {
		lead := channels[label]
		l.settings[label] = Setting{Label: label, Lead: lead}
		events = append(events, Event{Kind: ChannelAdded, Label: label, Lead: lead})
	}
	l.channels = make(map[string]int, len(channels))
	for label, lead := range channels {
		l.channels[label] = lead
	}
	l.mu.Unlock()

	l.emit(events...)
	cs.Added, cs.Removed, cs.Retained = added, removed, kept
	return cs, nil
}

// Channels returns a copy of the channel set
func (l *Lockin) Channels() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.channels))
	for k, v := range l.channels {
		out[k] = v
	}
	return out
}

// Labels returns the channel labels, sorted
func (l *Lockin) Labels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.channels))
	for k := range l.channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lead returns the physical lead of a label
func (l *Lockin) Lead(label string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lead, ok := l.channels[label]
	if !ok {
		return 0, &Error{Method: "Lead", Label: label, Err: ErrUnknownChannel}
	}
	return lead, nil
}

// Channel returns the cached settings of a label.  The instrument is not
// queried; fields never written by this process are nil.
func (l *Lockin) Channel(label string) (Setting, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.settings[label]
	if !ok {
		return Setting{}, &Error{Method: "Channel", Label: label, Err: ErrUnknownChannel}
	}
	return s, nil
}

// SetChannelField writes one field of one channel, issuing exactly one request.
// value is a number for every field except FieldFunction, which takes a
// Waveshape or its name.  The cache is updated only once the instrument
// accepts the write.
func (l *Lockin) SetChannelField(ctx context.Context, label string, field Field, value interface{}) error {
	spec, ok := fieldTable[field]
	if !ok {
		return &Error{Method: "SetChannelField", Label: label, Err: errors.Wrapf(ErrConfig, "unknown field %d", int(field))}
	}
	lead, err := l.Lead(label)
	if err != nil {
		return &Error{Method: spec.method, Label: label, Err: ErrUnknownChannel}
	}
	v, err := spec.check(value)
	if err != nil {
		return &Error{Method: spec.method, Label: label, Lead: lead, Err: errors.Wrap(err, field.String())}
	}
	params := map[string]interface{}{"AO Channel": lead, spec.key: v}
	if err := l.c.Call(ctx, spec.method, params, nil); err != nil {
		return &Error{Method: spec.method, Label: label, Lead: lead, Err: err}
	}

	l.mu.Lock()
	if s, ok := l.settings[label]; ok && s.Lead == lead {
		s.store(field, v)
		l.settings[label] = s
	}
	l.mu.Unlock()
	l.emit(Event{Kind: FieldWritten, Method: spec.method, Label: label, Lead: lead, Field: field, Value: v})
	return nil
}

// SetAmplitude sets the AC amplitude of a channel in V
func (l *Lockin) SetAmplitude(ctx context.Context, label string, volts float64) error {
	return l.SetChannelField(ctx, label, FieldAmplitude, volts)
}

// SetDC sets the DC offset of a channel in V
func (l *Lockin) SetDC(ctx context.Context, label string, volts float64) error {
	return l.SetChannelField(ctx, label, FieldDC, volts)
}

// SetFrequency sets the AC frequency of a channel in Hz
func (l *Lockin) SetFrequency(ctx context.Context, label string, hz float64) error {
	return l.SetChannelField(ctx, label, FieldFrequency, hz)
}

// SetPhase sets the AC phase of a channel in degrees
func (l *Lockin) SetPhase(ctx context.Context, label string, deg float64) error {
	return l.SetChannelField(ctx, label, FieldPhase, deg)
}

// SetFunction sets the waveshape of a channel
func (l *Lockin) SetFunction(ctx context.Context, label string, w Waveshape) error {
	return l.SetChannelField(ctx, label, FieldFunction, w)
}
