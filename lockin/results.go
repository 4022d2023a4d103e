package lockin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Quantity is a scalar demodulated result
type Quantity string

const (
	// InPhase is the X component
	InPhase Quantity = "X"
	// Quadrature is the Y component
	Quadrature Quantity = "Y"
	// Magnitude is R
	Magnitude Quantity = "R"
	// Angle is Theta
	Angle Quantity = "Theta"
	// Mean is the DC mean of the input, independent of the reference
	Mean Quantity = "Mean"
)

// Quantities lists every readable quantity
var Quantities = []Quantity{InPhase, Quadrature, Magnitude, Angle, Mean}

// ParseQuantity accepts X, Y, R, Theta or Mean in any case
func ParseQuantity(s string) (Quantity, error) {
	for _, q := range Quantities {
		if strings.EqualFold(s, string(q)) {
			return q, nil
		}
	}
	return "", errors.Wrapf(ErrConfig, "unknown quantity %q", s)
}

// MeasurementKey is the results key of a quantity on an input lead,
// e.g. AI2.Ref1.X or AI2.Mean
func MeasurementKey(lead, ref int, q Quantity) string {
	if q == Mean {
		return fmt.Sprintf("AI%d.Mean", lead)
	}
	return fmt.Sprintf("AI%d.Ref%d.%s", lead, ref, q)
}

type resultEntry struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// ReadResults returns every scalar result the instrument currently reports
func (l *Lockin) ReadResults(ctx context.Context) (map[string]float64, error) {
	var reply map[string]json.RawMessage
	if err := l.c.Call(ctx, "getResults", nil, &reply); err != nil {
		return nil, &Error{Method: "getResults", Err: err}
	}
	var list json.RawMessage
	for _, k := range []string{"Results (Dictionary)", "Results"} {
		if v, ok := reply[k]; ok {
			list = v
			break
		}
	}
	if list == nil {
		return nil, &Error{Method: "getResults", Err: errors.Wrap(ErrBadReply, "no Results list")}
	}
	var entries []resultEntry
	if err := json.Unmarshal(list, &entries); err != nil {
		return nil, &Error{Method: "getResults", Err: errors.Wrap(ErrBadReply, err.Error())}
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}

// ReadMeasurement reads one quantity of one input lead against the
// configured reference channel
func (l *Lockin) ReadMeasurement(ctx context.Context, lead int, q Quantity) (float64, error) {
	key := MeasurementKey(lead, l.ReferenceChannel(), q)
	results, err := l.ReadResults(ctx)
	if err != nil {
		return 0, err
	}
	v, ok := results[key]
	if !ok {
		return 0, &Error{Method: "getResults", Lead: lead, Err: errors.Wrap(ErrMeasurementNotFound, key)}
	}
	return v, nil
}

// ReadMeasurementByLabel is ReadMeasurement addressed by channel label
func (l *Lockin) ReadMeasurementByLabel(ctx context.Context, label string, q Quantity) (float64, error) {
	lead, err := l.Lead(label)
	if err != nil {
		return 0, err
	}
	v, err := l.ReadMeasurement(ctx, lead, q)
	var le *Error
	if errors.As(err, &le) {
		le.Label = label
	}
	return v, err
}
