package lockin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// RefConfig configures one demodulation reference
type RefConfig struct {
	Enable    bool    `json:"Enable?"`
	Channel   int     `json:"Channel"`
	Frequency float64 `json:"Frequency"`
	Phase     float64 `json:"Phase"`
	TC        float64 `json:"TC"`
	RollOff   int     `json:"Roll-Off"`
}

// DAQConfig configures the converter ranges of one acquisition device
type DAQConfig struct {
	Device     string  `json:"Device"`
	AOCh       int     `json:"AO.Ch"`
	AORange    float64 `json:"AO.Range"`
	AICh       int     `json:"AI.Ch"`
	AIRange    float64 `json:"AI.Range"`
	AICoupling string  `json:"AI.Coupling"`
}

// SetReference replaces the reference table
func (l *Lockin) SetReference(ctx context.Context, refs []RefConfig) error {
	if len(refs) == 0 {
		return &Error{Method: "setREF", Err: errors.Wrap(ErrConfig, "no references")}
	}
	for _, r := range refs {
		if r.Channel < 1 || r.Frequency < 0 || r.TC < 0 {
			return &Error{Method: "setREF", Lead: r.Channel, Err: errors.Wrapf(ErrConfig, "invalid reference %+v", r)}
		}
	}
	params := map[string]interface{}{"Channels: Lockin in": refs}
	if err := l.c.Call(ctx, "setREF", params, nil); err != nil {
		return &Error{Method: "setREF", Err: err}
	}
	return nil
}

// SetReferenceFrequency retunes one reference
func (l *Lockin) SetReferenceFrequency(ctx context.Context, ref int, hz float64) error {
	if ref < 1 || hz < 0 {
		return &Error{Method: "setREF_Frequency", Lead: ref, Err: errors.Wrapf(ErrConfig, "reference %d at %v Hz", ref, hz)}
	}
	params := map[string]interface{}{"REF Channel": ref, "Frequency (Hz)": hz}
	if err := l.c.Call(ctx, "setREF_Frequency", params, nil); err != nil {
		return &Error{Method: "setREF_Frequency", Lead: ref, Err: err}
	}
	return nil
}

// SetDAQ configures the acquisition hardware
func (l *Lockin) SetDAQ(ctx context.Context, daqs []DAQConfig) error {
	if len(daqs) == 0 {
		return &Error{Method: "setDAQ", Err: errors.Wrap(ErrConfig, "no devices")}
	}
	params := map[string]interface{}{"setDAQ": daqs}
	if err := l.c.Call(ctx, "setDAQ", params, nil); err != nil {
		return &Error{Method: "setDAQ", Err: err}
	}
	return nil
}

// SetSampling sets the sample rate in Hz and the number of samples per block
func (l *Lockin) SetSampling(ctx context.Context, fs float64, samples int) error {
	if fs <= 0 || samples < 1 {
		return &Error{Method: "setSampling", Err: errors.Wrapf(ErrConfig, "fs=%v samples=%d", fs, samples)}
	}
	params := map[string]interface{}{"Fs": fs, "#s": samples}
	if err := l.c.Call(ctx, "setSampling", params, nil); err != nil {
		return &Error{Method: "setSampling", Err: err}
	}
	return nil
}

// AOConfig returns the output configuration as the instrument reports it
func (l *Lockin) AOConfig(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := l.c.Call(ctx, "getAOconfig", nil, &raw); err != nil {
		return nil, &Error{Method: "getAOconfig", Err: err}
	}
	return raw, nil
}

// Sweep1D ramps one lead from start to end, waits for the sweep to finish,
// and returns the output and input waveforms of that lead.  lead indexes the
// channels of the bundle in instrument order, starting at 1.
func (l *Lockin) Sweep1D(ctx context.Context, lead int, start, end float64, pattern Pattern, initialWait, sweepTime time.Duration) (ao, ai []float64, err error) {
	spec, err := BuildSweep([]Ramp{{Lead: lead, Start: start, End: end, Pattern: pattern}}, initialWait, sweepTime, false)
	if err != nil {
		return nil, nil, &Error{Method: "Sweep1D", Lead: lead, Err: err}
	}
	b, _, err := l.SweepAndFetch(ctx, spec, DefaultTiming(spec))
	if err != nil {
		return nil, nil, err
	}
	idx := lead - 1
	if n := len(b[AO]); n == 1 {
		idx = 0
	}
	if ao, err = b.Channel(AO, idx); err != nil {
		return nil, nil, &Error{Method: "Sweep1D", Lead: lead, Err: err}
	}
	idx = lead - 1
	if n := len(b[AI]); n == 1 {
		idx = 0
	}
	if ai, err = b.Channel(AI, idx); err != nil {
		return nil, nil, &Error{Method: "Sweep1D", Lead: lead, Err: err}
	}
	return ao, ai, nil
}

// SweepAndFetch runs a sweep to completion and retrieves its waveforms
func (l *Lockin) SweepAndFetch(ctx context.Context, spec SweepSpec, timing Timing) (Bundle, SweepReport, error) {
	report, err := l.RunSweep(ctx, spec, timing)
	if err != nil {
		return nil, report, err
	}
	b, err := l.FetchWaveforms(ctx)
	return b, report, err
}
