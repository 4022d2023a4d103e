package observability

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/levylab/golevylab/comm"
	"github.com/levylab/golevylab/krohnhite"
	"github.com/levylab/golevylab/lockin"
)

func newObserver(t *testing.T) *PromObserver {
	t.Helper()
	p, err := NewPromObserver(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPromObserver(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPromObserver(reg); err == nil {
		t.Error("expected the second registration to fail")
	}
}

func TestLockinChannelMetrics(t *testing.T) {
	p := newObserver(t)
	li, err := lockin.New(&comm.Loopback{Handler: lockin.NewMock(3)}, nil, lockin.WithObserver(p.Lockin()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := li.SetChannels(map[string]int{"a": 1, "b": 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := li.SetChannels(map[string]int{"b": 2, "c": 3, "d": 4}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(p.channels.WithLabelValues("lockin")); got != 3 {
		t.Errorf("expected 3 configured channels, got %v", got)
	}
	if got := testutil.ToFloat64(p.changes.WithLabelValues("lockin", "removed")); got != 1 {
		t.Errorf("expected 1 removal, got %v", got)
	}
	if err := li.SetAmplitude(context.Background(), "b", 0.25); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(p.fieldWrites.WithLabelValues("Amp")); got != 1 {
		t.Errorf("expected 1 amplitude write, got %v", got)
	}
}

func TestSweepOutcomes(t *testing.T) {
	p := newObserver(t)
	o := p.Lockin()
	o.Observe(lockin.Event{Kind: lockin.SweepFinished, Elapsed: 3 * time.Second})
	o.Observe(lockin.Event{Kind: lockin.SweepFailed, Elapsed: time.Second, Err: errors.Wrap(lockin.ErrStartupTimeout, "RunSweep")})
	o.Observe(lockin.Event{Kind: lockin.SweepFailed, Err: &comm.RemoteError{Method: "setSweep", Message: "no"}})
	o.Observe(lockin.Event{Kind: lockin.SweepFailed, Err: &lockin.Error{Method: "getState", Err: errors.Wrap(context.DeadlineExceeded, "waiting to poll")}})
	o.Observe(lockin.Event{Kind: lockin.StatePolled})
	o.Observe(lockin.Event{Kind: lockin.StatePolled})

	for outcome, want := range map[string]float64{"completed": 1, "startup-timeout": 1, "rejected": 1, "deadline": 1, "error": 0, "sweep-timeout": 0} {
		if got := testutil.ToFloat64(p.sweeps.WithLabelValues(outcome)); got != want {
			t.Errorf("outcome %s: expected %v got %v", outcome, want, got)
		}
	}
	if got := testutil.ToFloat64(p.polls); got != 2 {
		t.Errorf("expected 2 polls, got %v", got)
	}
	if n := testutil.CollectAndCount(p.duration); n != 1 {
		t.Errorf("expected one histogram, got %d", n)
	}
}

func TestAmplifierMetrics(t *testing.T) {
	p := newObserver(t)
	amp, err := krohnhite.New(&comm.Loopback{Handler: krohnhite.NewMock(2)}, nil, p.Amplifier())
	if err != nil {
		t.Fatal(err)
	}
	cfg := krohnhite.ChannelConfig{Channel: 1, Gain: 1, Input: "DIFF", Couple: "DC", Filter: "OFF"}
	if _, err := amp.Reload([]krohnhite.ChannelConfig{cfg}); err != nil {
		t.Fatal(err)
	}
	if err := amp.SetGain(context.Background(), 1, 100); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(p.settingWrites.WithLabelValues("setChannelGain")); got != 1 {
		t.Errorf("expected 1 gain write, got %v", got)
	}
	if got := testutil.ToFloat64(p.channels.WithLabelValues("krohnhite")); got != 1 {
		t.Errorf("expected 1 configured channel, got %v", got)
	}
}
