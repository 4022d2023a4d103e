/*Package krohnhite drives a Krohn-Hite programmable amplifier through the
lab's instrument framework.

Each amplifier channel has a gain, an input mode, a shunt resistor, a
coupling, and a filter switch.  Every setter issues exactly one request;
the amplifier has no per-channel getters, so the Amplifier remembers what it
last wrote.  GetAll asks the instrument for its full table.
*/
package krohnhite

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/levylab/golevylab/comm"
	"github.com/levylab/golevylab/util"
)

var (
	// ErrConfig is generated when a channel setting is outside the allowed set
	ErrConfig = errors.New("krohnhite: invalid channel configuration")

	// ErrUnknownChannel is generated when a channel is not configured
	ErrUnknownChannel = errors.New("krohnhite: unknown channel")
)

// Input is the input mode of a channel
type Input string

const (
	// InputOff disconnects the input
	InputOff Input = "OFF"
	// InputSEPlus is single ended on the + terminal
	InputSEPlus Input = "SE+"
	// InputSEMinus is single ended on the - terminal
	InputSEMinus Input = "SE-"
	// InputDiff is differential
	InputDiff Input = "DIFF"
)

// Coupling is AC or DC
type Coupling string

const (
	// AC coupling
	AC Coupling = "AC"
	// DC coupling
	DC Coupling = "DC"
)

// Filter switches the output filter
type Filter string

const (
	// FilterOff bypasses the filter
	FilterOff Filter = "OFF"
	// FilterOn enables the filter
	FilterOn Filter = "ON"
)

var (
	// Gains are the allowed gain settings
	Gains = []int{1, 10, 100, 1000}

	// Shunts are the allowed shunt resistors in Ohms; 0 is no shunt
	Shunts = []int{0, 50, 500, 5000, 50000, 10000000}
)

func contains(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func validInput(i Input) bool {
	switch i {
	case InputOff, InputSEPlus, InputSEMinus, InputDiff:
		return true
	}
	return false
}

func validCoupling(c Coupling) bool {
	return c == AC || c == DC
}

func validFilter(f Filter) bool {
	return f == FilterOff || f == FilterOn
}

// ChannelConfig is the full configuration of one channel, as it appears in
// kh_config_info and in setAllChannels/getAllChannels
type ChannelConfig struct {
	Channel int      `json:"channel" yaml:"channel"`
	Gain    int      `json:"gain" yaml:"gain"`
	Input   Input    `json:"input" yaml:"input"`
	Shunt   int      `json:"shunt" yaml:"shunt"`
	Couple  Coupling `json:"couple" yaml:"couple"`
	Filter  Filter   `json:"filter" yaml:"filter"`
}

// Validate checks every field against the allowed sets
func (c ChannelConfig) Validate() error {
	switch {
	case c.Channel < 1:
		return errors.Wrapf(ErrConfig, "channel %d: must be positive", c.Channel)
	case !contains(Gains, c.Gain):
		return errors.Wrapf(ErrConfig, "channel %d: gain %d not in %v", c.Channel, c.Gain, Gains)
	case !validInput(c.Input):
		return errors.Wrapf(ErrConfig, "channel %d: input %q not one of OFF, SE+, SE-, DIFF", c.Channel, c.Input)
	case !contains(Shunts, c.Shunt):
		return errors.Wrapf(ErrConfig, "channel %d: shunt %d not in %v", c.Channel, c.Shunt, Shunts)
	case !validCoupling(c.Couple):
		return errors.Wrapf(ErrConfig, "channel %d: coupling %q not AC or DC", c.Channel, c.Couple)
	case !validFilter(c.Filter):
		return errors.Wrapf(ErrConfig, "channel %d: filter %q not OFF or ON", c.Channel, c.Filter)
	}
	return nil
}

func index(cfgs []ChannelConfig) (map[int]ChannelConfig, error) {
	out := make(map[int]ChannelConfig, len(cfgs))
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[c.Channel]; dup {
			return nil, errors.Wrapf(ErrConfig, "channel %d listed twice", c.Channel)
		}
		out[c.Channel] = c
	}
	return out, nil
}

// EventKind enumerates amplifier events
type EventKind int

const (
	// ChannelAdded is emitted by Reload for each new channel
	ChannelAdded EventKind = iota
	// ChannelRemoved is emitted by Reload for each dropped channel
	ChannelRemoved
	// ChannelRetained is emitted by Reload for each kept channel
	ChannelRetained
	// SettingWritten is emitted after a single setting is accepted
	SettingWritten
	// AllWritten is emitted after setAllChannels is accepted
	AllWritten
)

func (k EventKind) String() string {
	switch k {
	case ChannelAdded:
		return "channel-added"
	case ChannelRemoved:
		return "channel-removed"
	case ChannelRetained:
		return "channel-retained"
	case SettingWritten:
		return "setting-written"
	case AllWritten:
		return "all-written"
	}
	return "unknown"
}

// Event describes something the Amplifier did
type Event struct {
	Kind    EventKind
	Time    time.Time
	Method  string
	Channel int
	Value   interface{}
}

// Observer receives amplifier events
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// Observe implements Observer
func (f ObserverFunc) Observe(e Event) { f(e) }

// ChangeSet reports what Reload did, by channel number
type ChangeSet struct {
	Added    []int `json:"added"`
	Removed  []int `json:"removed"`
	Retained []int `json:"retained"`
}

// Amplifier is a Krohn-Hite multichannel amplifier
type Amplifier struct {
	c comm.Caller

	mu       sync.Mutex
	channels map[int]ChannelConfig
	obs      Observer
}

// New creates an Amplifier for the given channel table.  Nothing is sent;
// call SetAll to push the table to the hardware.
func New(c comm.Caller, cfgs []ChannelConfig, obs Observer) (*Amplifier, error) {
	idx, err := index(cfgs)
	if err != nil {
		return nil, err
	}
	return &Amplifier{c: c, channels: idx, obs: obs}, nil
}

func (a *Amplifier) emit(events ...Event) {
	a.mu.Lock()
	obs := a.obs
	a.mu.Unlock()
	if obs == nil {
		return
	}
	now := time.Now()
	for _, e := range events {
		e.Time = now
		obs.Observe(e)
	}
}

// SetObserver replaces the observer
func (a *Amplifier) SetObserver(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.obs = o
}

// Caller returns the command channel
func (a *Amplifier) Caller() comm.Caller {
	return a.c
}

// Channels returns the configured channel numbers, sorted
func (a *Amplifier) Channels() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.channels))
	for ch := range a.channels {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

// Channel returns the last configuration written to (or loaded for) ch
func (a *Amplifier) Channel(ch int) (ChannelConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.channels[ch]
	if !ok {
		return ChannelConfig{}, errors.Wrapf(ErrUnknownChannel, "channel %d", ch)
	}
	return c, nil
}

// Reload replaces the channel table, reporting which channels were added,
// removed, and kept.  Nothing is sent to the hardware.
func (a *Amplifier) Reload(cfgs []ChannelConfig) (ChangeSet, error) {
	idx, err := index(cfgs)
	if err != nil {
		return ChangeSet{}, err
	}
	if len(idx) == 0 {
		return ChangeSet{}, errors.Wrap(ErrConfig, "empty channel table")
	}
	a.mu.Lock()
	added, removed, kept := util.Diff(a.channels, idx, func(x, y int) bool { return x < y })
	a.channels = idx
	a.mu.Unlock()

	events := make([]Event, 0, len(added)+len(removed)+len(kept))
	for _, ch := range removed {
		events = append(events, Event{Kind: ChannelRemoved, Channel: ch})
	}
	for _, ch := range kept {
		events = append(events, Event{Kind: ChannelRetained, Channel: ch})
	}
	for _, ch := range added {
		events = append(events, Event{Kind: ChannelAdded, Channel: ch})
	}
	a.emit(events...)
	return ChangeSet{Added: added, Removed: removed, Retained: kept}, nil
}

func (a *Amplifier) set(ctx context.Context, ch int, method, key string, value interface{}, apply func(*ChannelConfig)) error {
	if _, err := a.Channel(ch); err != nil {
		return errors.Wrap(err, method)
	}
	params := map[string]interface{}{"channel": ch, key: value}
	if err := a.c.Call(ctx, method, params, nil); err != nil {
		return errors.Wrapf(err, "%s channel %d", method, ch)
	}
	a.mu.Lock()
	if c, ok := a.channels[ch]; ok {
		apply(&c)
		a.channels[ch] = c
	}
	a.mu.Unlock()
	a.emit(Event{Kind: SettingWritten, Method: method, Channel: ch, Value: value})
	return nil
}

// SetGain sets the gain of a channel
func (a *Amplifier) SetGain(ctx context.Context, ch, gain int) error {
	if !contains(Gains, gain) {
		return errors.Wrapf(ErrConfig, "setChannelGain channel %d: gain %d not in %v", ch, gain, Gains)
	}
	return a.set(ctx, ch, "setChannelGain", "gain", gain, func(c *ChannelConfig) { c.Gain = gain })
}

// SetInput sets the input mode of a channel
func (a *Amplifier) SetInput(ctx context.Context, ch int, in Input) error {
	if !validInput(in) {
		return errors.Wrapf(ErrConfig, "setChannelInput channel %d: input %q", ch, in)
	}
	return a.set(ctx, ch, "setChannelInput", "input", in, func(c *ChannelConfig) { c.Input = in })
}

// SetShunt sets the shunt resistor of a channel in Ohms
func (a *Amplifier) SetShunt(ctx context.Context, ch, ohms int) error {
	if !contains(Shunts, ohms) {
		return errors.Wrapf(ErrConfig, "setChannelShunt channel %d: shunt %d not in %v", ch, ohms, Shunts)
	}
	return a.set(ctx, ch, "setChannelShunt", "shunt", ohms, func(c *ChannelConfig) { c.Shunt = ohms })
}

// SetCoupling sets the coupling of a channel
func (a *Amplifier) SetCoupling(ctx context.Context, ch int, cp Coupling) error {
	if !validCoupling(cp) {
		return errors.Wrapf(ErrConfig, "setChannelCoupling channel %d: coupling %q", ch, cp)
	}
	return a.set(ctx, ch, "setChannelCoupling", "couple", cp, func(c *ChannelConfig) { c.Couple = cp })
}

// SetFilter switches the filter of a channel
func (a *Amplifier) SetFilter(ctx context.Context, ch int, f Filter) error {
	if !validFilter(f) {
		return errors.Wrapf(ErrConfig, "setChannelFilter channel %d: filter %q", ch, f)
	}
	return a.set(ctx, ch, "setChannelFilter", "filter", f, func(c *ChannelConfig) { c.Filter = f })
}

// SetAll writes the whole table in one request.  Channels not yet
// configured are added.
func (a *Amplifier) SetAll(ctx context.Context, cfgs []ChannelConfig) error {
	idx, err := index(cfgs)
	if err != nil {
		return errors.Wrap(err, "setAllChannels")
	}
	if err := a.c.Call(ctx, "setAllChannels", cfgs, nil); err != nil {
		return errors.Wrap(err, "setAllChannels")
	}
	a.mu.Lock()
	for ch, c := range idx {
		a.channels[ch] = c
	}
	a.mu.Unlock()
	a.emit(Event{Kind: AllWritten, Method: "setAllChannels", Value: len(cfgs)})
	return nil
}

// GetAll reads the full table from the instrument
func (a *Amplifier) GetAll(ctx context.Context) ([]ChannelConfig, error) {
	var out []ChannelConfig
	if err := a.c.Call(ctx, "getAllChannels", nil, &out); err != nil {
		return nil, errors.Wrap(err, "getAllChannels")
	}
	return out, nil
}

func (c ChannelConfig) String() string {
	return fmt.Sprintf("ch%d gain=%d input=%s shunt=%d couple=%s filter=%s", c.Channel, c.Gain, c.Input, c.Shunt, c.Couple, c.Filter)
}
