package lockin

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Kind names one family of sweep waveforms
type Kind string

const (
	// AI is the raw analog input
	AI Kind = "AI"
	// AO is the analog output actually generated
	AO Kind = "AO"
	// X is the in-phase demodulated component
	X Kind = "X"
	// Y is the quadrature demodulated component
	Y Kind = "Y"
	// R is the demodulated magnitude
	R Kind = "R"
	// Theta is the demodulated phase angle
	Theta Kind = "Theta"
)

// RequiredKinds are present in every well formed getSweepWaveforms reply
var RequiredKinds = []Kind{AI, AO, X, Y}

const wfmSuffix = "_wfm"

// WireKey returns the reply key carrying a kind, e.g. "AI_wfm"
func (k Kind) WireKey() string {
	return string(k) + wfmSuffix
}

// Trace is the waveform of one channel
type Trace struct {
	Y  []float64 `json:"Y"`
	Dt float64   `json:"dt,omitempty"`
}

// Bundle is the complete waveform reply of one sweep, by kind.
// Channels appear in the order the instrument returned them.
type Bundle map[Kind][]Trace

// UnmarshalJSON decodes a getSweepWaveforms result.  The framework flattens a
// one-element channel array into a bare object, so both shapes decode to a
// slice of traces.  Keys without the _wfm suffix are ignored.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(ErrBadReply, err.Error())
	}
	out := make(Bundle, len(raw))
	for key, val := range raw {
		if !strings.HasSuffix(key, wfmSuffix) {
			continue
		}
		kind := Kind(strings.TrimSuffix(key, wfmSuffix))
		traces, err := decodeTraces(val)
		if err != nil {
			return errors.Wrapf(ErrBadReply, "%s: %v", key, err)
		}
		out[kind] = traces
	}
	*b = out
	return nil
}

func decodeTraces(val json.RawMessage) ([]Trace, error) {
	val = bytes.TrimSpace(val)
	if len(val) == 0 {
		return nil, errors.New("empty value")
	}
	switch val[0] {
	case '[':
		var ts []Trace
		if err := json.Unmarshal(val, &ts); err != nil {
			return nil, err
		}
		return ts, nil
	case '{':
		var t Trace
		if err := json.Unmarshal(val, &t); err != nil {
			return nil, err
		}
		return []Trace{t}, nil
	case 'n':
		return []Trace{}, nil
	}
	return nil, fmt.Errorf("expected an array or object, got %.20s", string(val))
}

// ParseBundle decodes a getSweepWaveforms result and checks that every
// required kind is present
func ParseBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	var missing []string
	for _, k := range RequiredKinds {
		if _, ok := b[k]; !ok {
			missing = append(missing, k.WireKey())
		}
	}
	if len(missing) > 0 {
		return nil, errors.Wrapf(ErrBadReply, "missing %s", strings.Join(missing, ", "))
	}
	return b, nil
}

// FetchWaveforms retrieves the waveforms of the last sweep
func (l *Lockin) FetchWaveforms(ctx context.Context) (Bundle, error) {
	var raw json.RawMessage
	if err := l.c.Call(ctx, "getSweepWaveforms", nil, &raw); err != nil {
		return nil, &Error{Method: "getSweepWaveforms", Err: err}
	}
	b, err := ParseBundle(raw)
	if err != nil {
		return nil, &Error{Method: "getSweepWaveforms", Err: err}
	}
	return b, nil
}

// MarshalJSON encodes b in the getSweepWaveforms reply shape
func (b Bundle) MarshalJSON() ([]byte, error) {
	out := make(map[string][]Trace, len(b))
	for k, v := range b {
		out[k.WireKey()] = v
	}
	return json.Marshal(out)
}

// Kinds returns the kinds present in b, sorted
func (b Bundle) Kinds() []Kind {
	out := make([]Kind, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Series returns one sample slice per channel for kind.  The result always
// has one entry per channel, including when the instrument sent one channel.
// The slices are copies.
func (b Bundle) Series(kind Kind) ([][]float64, error) {
	traces, ok := b[kind]
	if !ok {
		return nil, errors.Wrapf(ErrBadReply, "no %s in bundle", kind.WireKey())
	}
	out := make([][]float64, len(traces))
	for i, t := range traces {
		out[i] = append([]float64{}, t.Y...)
	}
	return out, nil
}

// Channel returns the samples of one channel by index in instrument order
func (b Bundle) Channel(kind Kind, idx int) ([]float64, error) {
	traces, ok := b[kind]
	if !ok {
		return nil, errors.Wrapf(ErrBadReply, "no %s in bundle", kind.WireKey())
	}
	if idx < 0 || idx >= len(traces) {
		return nil, errors.Wrapf(ErrBadReply, "%s has %d channels, wanted index %d", kind.WireKey(), len(traces), idx)
	}
	return append([]float64{}, traces[idx].Y...), nil
}

// Stats summarizes one channel of one kind
type Stats struct {
	Channel int     `json:"channel"`
	N       int     `json:"n"`
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	PtP     float64 `json:"ptp"`
}

// Summarize computes per channel statistics of kind.
// Empty channels report N=0 and zeros.
func (b Bundle) Summarize(kind Kind) ([]Stats, error) {
	series, err := b.Series(kind)
	if err != nil {
		return nil, err
	}
	out := make([]Stats, len(series))
	for i, s := range series {
		st := Stats{Channel: i, N: len(s)}
		if len(s) == 0 {
			out[i] = st
			continue
		}
		st.Mean, st.Std = stat.MeanStdDev(s, nil)
		if len(s) == 1 {
			st.Std = 0
		}
		st.Min, st.Max = floats.Min(s), floats.Max(s)
		st.PtP = st.Max - st.Min
		out[i] = st
	}
	return out, nil
}

// WriteCSV writes kind as a table with a sample index column and one column
// per channel.  Shorter channels leave trailing cells empty.
func (b Bundle) WriteCSV(w io.Writer, kind Kind) error {
	series, err := b.Series(kind)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := make([]string, len(series)+1)
	header[0] = "sample"
	rows := 0
	for i, s := range series {
		header[i+1] = fmt.Sprintf("%s%d", kind, i+1)
		if len(s) > rows {
			rows = len(s)
		}
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(series)+1)
	for r := 0; r < rows; r++ {
		rec[0] = strconv.Itoa(r)
		for i, s := range series {
			if r < len(s) {
				rec[i+1] = strconv.FormatFloat(s[r], 'g', -1, 64)
			} else {
				rec[i+1] = ""
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFITS writes kind as a 2D float64 image, samples along the first axis
// and channels along the second.  Shorter channels are padded with NaN.
func (b Bundle) WriteFITS(w io.Writer, kind Kind) error {
	series, err := b.Series(kind)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		return errors.Wrapf(ErrBadReply, "%s has no channels", kind.WireKey())
	}
	width := 0
	for _, s := range series {
		if len(s) > width {
			width = len(s)
		}
	}
	pix := make([]float64, width*len(series))
	for i, s := range series {
		row := pix[i*width : (i+1)*width]
		n := copy(row, s)
		for j := n; j < width; j++ {
			row[j] = math.NaN()
		}
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{width, len(series)})
	defer im.Close()
	cards := []fitsio.Card{
		{Name: "WFMKIND", Value: string(kind), Comment: "waveform kind"},
		{Name: "NCHAN", Value: len(series), Comment: "channels"},
	}
	if traces := b[kind]; len(traces) > 0 && traces[0].Dt > 0 {
		cards = append(cards, fitsio.Card{Name: "DT", Value: traces[0].Dt, Comment: "sample interval, s"})
	}
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	if err := im.Write(pix); err != nil {
		return err
	}
	return fits.Write(im)
}
