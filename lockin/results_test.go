package lockin

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/levylab/golevylab/comm"
)

func resultsReply(entries ...interface{}) map[string]interface{} {
	list := []map[string]interface{}{}
	for i := 0; i < len(entries); i += 2 {
		list = append(list, map[string]interface{}{"key": entries[i], "value": entries[i+1]})
	}
	return map[string]interface{}{"Results (Dictionary)": list}
}

func TestMeasurementKey(t *testing.T) {
	tests := []struct {
		lead, ref int
		q         Quantity
		want      string
	}{
		{2, 1, InPhase, "AI2.Ref1.X"},
		{2, 3, Quadrature, "AI2.Ref3.Y"},
		{1, 1, Magnitude, "AI1.Ref1.R"},
		{4, 2, Angle, "AI4.Ref2.Theta"},
		{4, 2, Mean, "AI4.Mean"},
	}
	for _, tt := range tests {
		if got := MeasurementKey(tt.lead, tt.ref, tt.q); got != tt.want {
			t.Errorf("expected %s got %s", tt.want, got)
		}
	}
}

func TestReadMeasurement(t *testing.T) {
	s := newScripted().script("getResults", resultsReply("AI2.Ref1.X", 0.25, "AI2.Ref2.X", 9.0, "AI2.Mean", -0.5))
	l := mustNew(t, s, map[string]int{"drain": 2, "float": 6})
	ctx := context.Background()

	v, err := l.ReadMeasurementByLabel(ctx, "drain", InPhase)
	if err != nil || v != 0.25 {
		t.Errorf("expected 0.25 got %v (%v)", v, err)
	}
	v, err = l.ReadMeasurement(ctx, 2, Mean)
	if err != nil || v != -0.5 {
		t.Errorf("expected -0.5 got %v (%v)", v, err)
	}

	l.SetReferenceChannel(2)
	v, err = l.ReadMeasurement(ctx, 2, InPhase)
	if err != nil || v != 9 {
		t.Errorf("with reference 2: expected 9 got %v (%v)", v, err)
	}

	_, err = l.ReadMeasurementByLabel(ctx, "float", Magnitude)
	if !errors.Is(err, ErrMeasurementNotFound) {
		t.Fatalf("expected ErrMeasurementNotFound got %v", err)
	}
	var re *comm.RemoteError
	if errors.As(err, &re) {
		t.Error("a missing key is not a transport or remote failure")
	}
	var le *Error
	if !errors.As(err, &le) || le.Label != "float" || le.Lead != 6 || le.Method != "getResults" {
		t.Errorf("expected method, label and lead in the error, got %v", err)
	}
}

func TestReadResultsShapes(t *testing.T) {
	s := newScripted().script("getResults", map[string]interface{}{
		"Results": []map[string]interface{}{{"key": "AI1.Mean", "value": 3.0}},
	})
	l := mustNew(t, s, nil)
	res, err := l.ReadResults(context.Background())
	if err != nil || res["AI1.Mean"] != 3 {
		t.Errorf("expected AI1.Mean=3 got %v (%v)", res, err)
	}

	s = newScripted().script("getResults", map[string]interface{}{"Other": 1})
	l = mustNew(t, s, nil)
	if _, err := l.ReadResults(context.Background()); !errors.Is(err, ErrBadReply) {
		t.Errorf("expected ErrBadReply got %v", err)
	}
}

func TestParseQuantity(t *testing.T) {
	for in, want := range map[string]Quantity{"x": InPhase, "Y": Quadrature, "r": Magnitude, "theta": Angle, "MEAN": Mean} {
		got, err := ParseQuantity(in)
		if err != nil || got != want {
			t.Errorf("ParseQuantity(%q): expected %s got %s (%v)", in, want, got, err)
		}
	}
	if _, err := ParseQuantity("Z"); err == nil {
		t.Error("expected an error for Z")
	}
}
