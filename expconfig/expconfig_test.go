package expconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/levylab/golevylab/comm"
	"github.com/levylab/golevylab/krohnhite"
	"github.com/levylab/golevylab/lockin"
)

const fullJSON = `{
	"lockin_config_info": {"Vg": 1, "Vsd": 2},
	"kh_config_info": [
		{"channel": 1, "gain": 10, "input": "DIFF", "shunt": 0, "couple": "DC", "filter": "OFF"}
	],
	"wirebonding_info": {"pads": [1, 2, 3]},
	"experiment_note_info": "cooldown 4"
}`

const fullYAML = `
lockin_config_info:
  Vg: 1
  Vsd: 2
kh_config_info:
  - channel: 1
    gain: 10
    input: DIFF
    shunt: 0
    couple: DC
    filter: "OFF"
experiment_note_info: cooldown 4
`

func TestParseFull(t *testing.T) {
	for _, tc := range []struct {
		name, ext, body string
	}{
		{"json", ".json", fullJSON},
		{"yaml", ".yml", fullYAML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Parse([]byte(tc.body), tc.ext)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(map[string]int{"Vg": 1, "Vsd": 2}, c.Lockin); diff != "" {
				t.Errorf("lockin mismatch (-want +got):\n%s", diff)
			}
			if len(c.KrohnHite) != 1 || c.KrohnHite[0].Gain != 10 || c.KrohnHite[0].Input != "DIFF" {
				t.Errorf("kh section decoded wrong: %+v", c.KrohnHite)
			}
			if c.Note != "cooldown 4" {
				t.Errorf("note = %v", c.Note)
			}
		})
	}
}

func TestParseBareMapping(t *testing.T) {
	c, err := Parse([]byte(`{"Vg": 1, "Vsd": 3}`), ".json")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]int{"Vg": 1, "Vsd": 3}, c.Lockin); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if c.KrohnHite != nil {
		t.Errorf("expected no kh section, got %+v", c.KrohnHite)
	}
}

func TestParseRejectsUnknownExtension(t *testing.T) {
	_, err := Parse([]byte(`a = 1`), ".toml")
	if !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.json")
	if err := os.WriteFile(path, []byte(fullJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Lockin["Vsd"] != 2 {
		t.Errorf("Vsd lead = %d", c.Lockin["Vsd"])
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error loading a missing file")
	}
}

func TestSectionJSON(t *testing.T) {
	c, err := Parse([]byte(fullJSON), ".json")
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.JSON(LockinKey)
	if err != nil {
		t.Fatal(err)
	}
	if s != `{"Vg":1,"Vsd":2}` {
		t.Errorf("lockin section = %s", s)
	}
	empty := Config{}
	s, err = empty.JSON(WirebondingKey)
	if err != nil || s != "{}" {
		t.Errorf("absent section = %q, %v", s, err)
	}
	if _, err := c.JSON("bogus"); err == nil {
		t.Error("expected an error for an unknown section")
	}
}

func TestApply(t *testing.T) {
	li, err := lockin.New(&comm.Loopback{Handler: lockin.NewMock(2)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	amp, err := krohnhite.New(&comm.Loopback{Handler: krohnhite.NewMock(2)}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Parse([]byte(fullJSON), ".json")
	if err != nil {
		t.Fatal(err)
	}
	if err := Apply(c, li, amp); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]int{"Vg": 1, "Vsd": 2}, li.Channels()); diff != "" {
		t.Errorf("lockin channels (-want +got):\n%s", diff)
	}
	if _, err := amp.Channel(1); err != nil {
		t.Errorf("amplifier channel 1 not loaded: %v", err)
	}
}

func TestApplyCollectsBothFailures(t *testing.T) {
	li, _ := lockin.New(&comm.Loopback{Handler: lockin.NewMock(2)}, nil)
	amp, _ := krohnhite.New(&comm.Loopback{Handler: krohnhite.NewMock(2)}, nil, nil)
	c := Config{
		Lockin:    map[string]int{"a": 1, "b": 1},
		KrohnHite: []krohnhite.ChannelConfig{{Channel: 1, Gain: 7, Input: "DIFF", Couple: "DC", Filter: "OFF"}},
	}
	err := Apply(c, li, amp)
	if !errors.Is(err, lockin.ErrConfig) {
		t.Errorf("expected the lockin failure, got %v", err)
	}
	if !errors.Is(err, krohnhite.ErrConfig) {
		t.Errorf("expected the amplifier failure, got %v", err)
	}
}

func TestWatchRejectsUnknownFormat(t *testing.T) {
	err := Watch(context.Background(), "exp.ini", func(Config) {})
	if !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
}
