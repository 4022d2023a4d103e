package lockin

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/levylab/golevylab/comm"
	"github.com/levylab/golevylab/util"
)

// MockResponseGain is the ratio of simulated input to output amplitude
const MockResponseGain = 0.5

type aoState struct {
	Channel   int     `json:"AO Channel"`
	Amplitude float64 `json:"Amplitude (V)"`
	DC        float64 `json:"DC (V)"`
	Frequency float64 `json:"Frequency (Hz)"`
	Phase     float64 `json:"Phase (deg)"`
	Function  string  `json:"Function"`
}

// Mock is a simulated lock-in that answers the same methods as the real
// instrument.  Serve it with comm.Serve, or call it in process through
// comm.Loopback.
//
// A started sweep reports "started" for StartupDelay, then "sweeping" for
// its initial wait plus sweep time, then "stopped".  Waveforms are computed
// from the loaded program; when Outputs is 1 the waveform reply uses the
// flattened single-channel shape the real framework produces.
type Mock struct {
	Outputs      int
	Samples      int
	StartupDelay time.Duration

	mu        sync.Mutex
	ao        []aoState
	program   *SweepSpec
	state     State
	startedAt time.Time
	completed *SweepSpec
	refs      []RefConfig
	daqs      []DAQConfig
	fs        float64
	blockSize int
	calls     map[string]int
}

// NewMock returns a simulator with the given number of outputs and inputs
func NewMock(outputs int) *Mock {
	m := &Mock{
		Outputs:      outputs,
		Samples:      100,
		StartupDelay: 50 * time.Millisecond,
		state:        Idle,
		refs:         []RefConfig{{Enable: true, Channel: 1, Frequency: 17.777, TC: 0.1, RollOff: 24}},
		fs:           250000,
		blockSize:    1000,
		calls:        map[string]int{},
	}
	m.ao = make([]aoState, outputs)
	for i := range m.ao {
		m.ao[i] = aoState{Channel: i + 1, Frequency: 17.777, Function: string(Sine)}
	}
	return m
}

// Calls returns how many times method has been handled
func (m *Mock) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func badParams(method string, err error) error {
	return &comm.RemoteError{Method: method, Code: -32602, Message: err.Error()}
}

func rejected(method, msg string) error {
	return &comm.RemoteError{Method: method, Code: comm.CodeServerError, Message: msg}
}

type mockHandler func(m *Mock, params json.RawMessage) (interface{}, error)

var mockMethods = map[string]mockHandler{
	"setAO_Amplitude":   (*Mock).setAO,
	"setAO_DC":          (*Mock).setAO,
	"setAO_Frequency":   (*Mock).setAO,
	"setAO_Phase":       (*Mock).setAO,
	"setAO_Function":    (*Mock).setAO,
	"getAOconfig":       (*Mock).getAOconfig,
	"setSweep":          (*Mock).setSweep,
	"setSweepTime":      (*Mock).setSweepTime,
	"setState":          (*Mock).setState,
	"getState":          (*Mock).getState,
	"getSweepWaveforms": (*Mock).getSweepWaveforms,
	"getResults":        (*Mock).getResults,
	"setREF":            (*Mock).setREF,
	"setREF_Frequency":  (*Mock).setREFFrequency,
	"setDAQ":            (*Mock).setDAQ,
	"setSampling":       (*Mock).setSampling,
}

// Handle implements comm.Handler
func (m *Mock) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	if method == "HELP" {
		names := make([]string, 0, len(mockMethods)+1)
		for k := range mockMethods {
			names = append(names, k)
		}
		names = append(names, "HELP")
		sort.Strings(names)
		return names, nil
	}
	h, ok := mockMethods[method]
	if !ok {
		return nil, errors.Wrap(comm.ErrMethodNotFound, method)
	}
	return h(m, params)
}

func (m *Mock) output(method string, ch int) (*aoState, error) {
	if ch < 1 || ch > len(m.ao) {
		return nil, rejected(method, "AO Channel out of range")
	}
	return &m.ao[ch-1], nil
}

func (m *Mock) setAO(params json.RawMessage) (interface{}, error) {
	var p map[string]interface{}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, badParams("setAO", err)
	}
	ch, _ := p["AO Channel"].(float64)
	ao, err := m.output("setAO", int(ch))
	if err != nil {
		return nil, err
	}
	for key, val := range p {
		f, isNum := val.(float64)
		switch key {
		case "AO Channel":
		case "Amplitude (V)":
			ao.Amplitude = f
		case "DC (V)":
			ao.DC = f
		case "Frequency (Hz)":
			ao.Frequency = f
		case "Phase (deg)":
			ao.Phase = f
		case "Function":
			s, _ := val.(string)
			if !Waveshape(s).Valid() {
				return nil, rejected("setAO_Function", "unknown function "+s)
			}
			ao.Function = s
			continue
		default:
			return nil, rejected("setAO", "unknown key "+key)
		}
		if key != "AO Channel" && !isNum {
			return nil, rejected("setAO", key+" must be a number")
		}
	}
	return nil, nil
}

func (m *Mock) getAOconfig(json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"AO": append([]aoState{}, m.ao...)}, nil
}

func (m *Mock) setSweep(params json.RawMessage) (interface{}, error) {
	spec, err := ParseSweepPayload(params)
	if err != nil {
		return nil, badParams("setSweep", err)
	}
	for _, lead := range spec.Leads() {
		if lead > m.Outputs {
			return nil, rejected("setSweep", "channel out of range")
		}
	}
	m.program = &spec
	return nil, nil
}

func (m *Mock) setSweepTime(params json.RawMessage) (interface{}, error) {
	var s float64
	if err := json.Unmarshal(params, &s); err != nil || s <= 0 {
		return nil, rejected("setSweepTime", "sweep time must be a positive number")
	}
	if m.program == nil {
		return nil, rejected("setSweepTime", "no sweep loaded")
	}
	m.program.SweepTime = util.SecsToDuration(s)
	return nil, nil
}

func (m *Mock) setState(params json.RawMessage) (interface{}, error) {
	var s string
	if err := json.Unmarshal(params, &s); err != nil {
		return nil, badParams("setState", err)
	}
	m.advance()
	switch Command(s) {
	case StartSweep:
		if m.program == nil {
			return nil, rejected("setState", "no sweep loaded")
		}
		if m.state == Started || m.state == Sweeping {
			return nil, rejected("setState", "sweep already running")
		}
		m.state = Started
		m.startedAt = time.Now()
	case StopSweep, Stop:
		m.state = Stopped
	case Start:
		m.state = Idle
	default:
		return nil, rejected("setState", "unknown state "+s)
	}
	return nil, nil
}

func (m *Mock) advance() {
	if m.program == nil || (m.state != Started && m.state != Sweeping) {
		return
	}
	since := time.Since(m.startedAt)
	if since < m.StartupDelay {
		m.state = Started
		return
	}
	if since < m.StartupDelay+m.program.InitialWait+m.program.SweepTime {
		m.state = Sweeping
		return
	}
	m.state = Stopped
	done := *m.program
	m.completed = &done
}

func (m *Mock) getState(json.RawMessage) (interface{}, error) {
	m.advance()
	return string(m.state), nil
}

// ramp computes sample k of n for one programmed channel
func ramp(r Ramp, k, n int) float64 {
	if n < 2 {
		return r.Start
	}
	t := float64(k) / float64(n-1)
	switch r.Pattern {
	case RampDown:
		return r.End + (r.Start-r.End)*t
	case SmoothRamp:
		return r.Start + (r.End-r.Start)*(1-math.Cos(math.Pi*t))/2
	case Table:
		idx := k * len(r.Table) / n
		return r.Table[idx]
	}
	return r.Start + (r.End-r.Start)*t
}

func (m *Mock) waveforms() map[Kind][][]float64 {
	programmed := map[int]Ramp{}
	if m.completed != nil {
		for _, r := range m.completed.Channels {
			programmed[r.Lead] = r
		}
	}
	out := map[Kind][][]float64{}
	for i, ao := range m.ao {
		lead := i + 1
		aoW := make([]float64, m.Samples)
		aiW := make([]float64, m.Samples)
		xW := make([]float64, m.Samples)
		yW := make([]float64, m.Samples)
		rW := make([]float64, m.Samples)
		thW := make([]float64, m.Samples)
		r, swept := programmed[lead]
		phase := ao.Phase * math.Pi / 180
		for k := 0; k < m.Samples; k++ {
			v := ao.DC
			if swept {
				v = ramp(r, k, m.Samples)
			}
			aoW[k] = v
			aiW[k] = MockResponseGain * v
			mag := MockResponseGain * ao.Amplitude
			xW[k] = mag * math.Cos(phase)
			yW[k] = mag * math.Sin(phase)
			rW[k] = mag
			thW[k] = ao.Phase
		}
		out[AO] = append(out[AO], aoW)
		out[AI] = append(out[AI], aiW)
		out[X] = append(out[X], xW)
		out[Y] = append(out[Y], yW)
		out[R] = append(out[R], rW)
		out[Theta] = append(out[Theta], thW)
	}
	return out
}

func (m *Mock) getSweepWaveforms(json.RawMessage) (interface{}, error) {
	m.advance()
	if m.state == Started || m.state == Sweeping {
		return nil, rejected("getSweepWaveforms", "sweep in progress")
	}
	dt := 1 / m.fs
	reply := map[string]interface{}{}
	for kind, chans := range m.waveforms() {
		traces := make([]Trace, len(chans))
		for i, y := range chans {
			traces[i] = Trace{Y: y, Dt: dt}
		}
		if len(traces) == 1 {
			reply[kind.WireKey()] = traces[0]
		} else {
			reply[kind.WireKey()] = traces
		}
	}
	return reply, nil
}

func (m *Mock) getResults(json.RawMessage) (interface{}, error) {
	var entries []resultEntry
	for i, ao := range m.ao {
		lead := i + 1
		mag := MockResponseGain * ao.Amplitude
		phase := ao.Phase * math.Pi / 180
		for _, ref := range m.refs {
			if !ref.Enable {
				continue
			}
			entries = append(entries,
				resultEntry{MeasurementKey(lead, ref.Channel, InPhase), mag * math.Cos(phase)},
				resultEntry{MeasurementKey(lead, ref.Channel, Quadrature), mag * math.Sin(phase)},
				resultEntry{MeasurementKey(lead, ref.Channel, Magnitude), mag},
				resultEntry{MeasurementKey(lead, ref.Channel, Angle), ao.Phase},
			)
		}
		entries = append(entries, resultEntry{MeasurementKey(lead, 0, Mean), MockResponseGain * ao.DC})
	}
	return map[string]interface{}{"Results (Dictionary)": entries}, nil
}

func (m *Mock) setREF(params json.RawMessage) (interface{}, error) {
	var p struct {
		Refs []RefConfig `json:"Channels: Lockin in"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, badParams("setREF", err)
	}
	m.refs = p.Refs
	return nil, nil
}

func (m *Mock) setREFFrequency(params json.RawMessage) (interface{}, error) {
	var p struct {
		Ref  int     `json:"REF Channel"`
		Freq float64 `json:"Frequency (Hz)"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, badParams("setREF_Frequency", err)
	}
	for i := range m.refs {
		if m.refs[i].Channel == p.Ref {
			m.refs[i].Frequency = p.Freq
			return nil, nil
		}
	}
	return nil, rejected("setREF_Frequency", "no such reference")
}

func (m *Mock) setDAQ(params json.RawMessage) (interface{}, error) {
	var p struct {
		DAQ []DAQConfig `json:"setDAQ"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, badParams("setDAQ", err)
	}
	m.daqs = p.DAQ
	return nil, nil
}

func (m *Mock) setSampling(params json.RawMessage) (interface{}, error) {
	var p struct {
		Fs float64 `json:"Fs"`
		N  int     `json:"#s"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, badParams("setSampling", err)
	}
	if p.Fs <= 0 {
		return nil, rejected("setSampling", "Fs must be positive")
	}
	m.fs, m.blockSize = p.Fs, p.N
	return nil, nil
}
