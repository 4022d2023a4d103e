package lockin

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestBuildSweepDiscardsTablesUnlessTable(t *testing.T) {
	for _, p := range []Pattern{RampUp, RampDown, SmoothRamp} {
		spec, err := BuildSweep([]Ramp{{Lead: 1, Start: 0, End: 1, Pattern: p, Table: []float64{2, 4, 6, 8}}}, 0, time.Second, false)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if tbl := spec.Channels[0].Table; tbl == nil || len(tbl) != 0 {
			t.Errorf("%s: expected an empty table got %v", p, tbl)
		}
		b, _ := json.Marshal(spec)
		var wire struct {
			Channels []struct {
				Table json.RawMessage `json:"Table"`
			} `json:"Channels"`
		}
		json.Unmarshal(b, &wire)
		if got := string(wire.Channels[0].Table); got != "[]" {
			t.Errorf("%s: expected wire table [] got %s", p, got)
		}
	}
}

func TestBuildSweepTableNeedsEntries(t *testing.T) {
	_, err := BuildSweep([]Ramp{{Lead: 2, Pattern: Table}}, 0, time.Second, false)
	if !errors.Is(err, ErrInvalidSweepSpec) {
		t.Fatalf("expected ErrInvalidSweepSpec got %v", err)
	}
	var se *SpecError
	if !errors.As(err, &se) || se.Field != "channels.table" {
		t.Errorf("expected the table field to be named, got %v", err)
	}

	spec, err := BuildSweep([]Ramp{{Lead: 2, Pattern: Table, Table: []float64{1, 2, 3}}}, 0, time.Second, false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 2, 3}, spec.Channels[0].Table); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildSweepValidation(t *testing.T) {
	ok := []Ramp{{Lead: 1, Pattern: RampUp}}
	tests := []struct {
		name        string
		ramps       []Ramp
		wait, sweep time.Duration
		field       string
	}{
		{"zero sweep time", ok, 0, 0, "sweepTime"},
		{"negative sweep time", ok, 0, -time.Second, "sweepTime"},
		{"negative wait", ok, -time.Millisecond, time.Second, "initialWait"},
		{"no ramps", nil, 0, time.Second, "channels"},
		{"zero lead", []Ramp{{Lead: 0, Pattern: RampUp}}, 0, time.Second, "channels.lead"},
		{"duplicate lead", []Ramp{{Lead: 1, Pattern: RampUp}, {Lead: 1, Pattern: RampDown}}, 0, time.Second, "channels.lead"},
		{"unknown pattern", []Ramp{{Lead: 1, Pattern: "Zigzag"}}, 0, time.Second, "channels.pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildSweep(tt.ramps, tt.wait, tt.sweep, false)
			var se *SpecError
			if !errors.As(err, &se) {
				t.Fatalf("expected a SpecError got %v", err)
			}
			if se.Field != tt.field {
				t.Errorf("expected field %s got %s", tt.field, se.Field)
			}
		})
	}
}

func TestSweepPayloadShape(t *testing.T) {
	spec, err := BuildSweep([]Ramp{{Lead: 3, Start: -1, End: 1, Pattern: SmoothRamp}}, 500*time.Millisecond, 2*time.Second, true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	var got, want map[string]interface{}
	json.Unmarshal(b, &got)
	json.Unmarshal([]byte(`{
		"Sweep Time (s)": 2,
		"Initial Wait (s)": 0.5,
		"Return to Start": true,
		"Channels": [{"Enable?": true, "Channel": 3, "Start": -1, "End": 1, "Pattern": "Smooth Ramp", "Table": []}]
	}`), &want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	again, _ := json.Marshal(spec)
	if string(again) != string(b) {
		t.Errorf("encoding is not stable:\n%s\n%s", b, again)
	}
}

func TestSweepRoundTrip(t *testing.T) {
	ramps := []Ramp{
		{Lead: 1, Start: 0, End: 0.25, Pattern: RampUp},
		{Lead: 4, Start: 1, End: -1, Pattern: RampDown},
		{Lead: 2, Start: 0, End: 0, Pattern: Table, Table: []float64{0, 0.1, 0.2}},
	}
	spec, err := BuildSweep(ramps, 250*time.Millisecond, 3*time.Second, false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseSweepPayload(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(spec, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSweepPayloadSkipsDisabled(t *testing.T) {
	back, err := ParseSweepPayload([]byte(`{"Sweep Time (s)":1,"Initial Wait (s)":0,"Return to Start":false,
		"Channels":[{"Enable?":false,"Channel":1,"Pattern":"Ramp /","Table":[]},{"Enable?":true,"Channel":2,"Start":0,"End":1,"Pattern":"Ramp /","Table":[]}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2}, back.Leads()); diff != "" {
		t.Errorf("leads mismatch (-want +got):\n%s", diff)
	}
}

func TestFractionalSecondsSurviveTheWire(t *testing.T) {
	back, err := ParseSweepPayload([]byte(`{"Sweep Time (s)":0.3,"Initial Wait (s)":0.1,"Return to Start":false,
		"Channels":[{"Enable?":true,"Channel":1,"Start":0,"End":1,"Pattern":"Ramp /","Table":[]}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if back.SweepTime != 300*time.Millisecond || back.InitialWait != 100*time.Millisecond {
		t.Fatalf("expected 300ms/100ms, got %v/%v", back.SweepTime, back.InitialWait)
	}
	b, err := json.Marshal(back)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"Sweep Time (s)":0.3,`) {
		t.Errorf("expected the sweep time to go out as 0.3, got %s", b)
	}
}

func TestParsePattern(t *testing.T) {
	for in, want := range map[string]Pattern{"Ramp /": RampUp, "ramp-up": RampUp, `Ramp \`: RampDown, "down": RampDown, "smooth": SmoothRamp, "TABLE": Table} {
		got, err := ParsePattern(in)
		if err != nil || got != want {
			t.Errorf("ParsePattern(%q): expected %q got %q (%v)", in, want, got, err)
		}
	}
	if _, err := ParsePattern("zigzag"); !errors.Is(err, ErrInvalidSweepSpec) {
		t.Errorf("expected ErrInvalidSweepSpec got %v", err)
	}
}
