package krohnhite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/levylab/golevylab/comm"
)

func table(chs ...int) []ChannelConfig {
	out := make([]ChannelConfig, len(chs))
	for i, ch := range chs {
		out[i] = ChannelConfig{Channel: ch, Gain: 10, Input: InputDiff, Shunt: 500, Couple: AC, Filter: FilterOn}
	}
	return out
}

type events struct {
	mu  sync.Mutex
	got []Event
}

func (e *events) Observe(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func (e *events) count(k EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.got {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func newMockAmp(t *testing.T, n int, cfgs []ChannelConfig, obs Observer) (*Amplifier, *Mock) {
	t.Helper()
	m := NewMock(n)
	a, err := New(&comm.Loopback{Handler: m}, cfgs, obs)
	if err != nil {
		t.Fatal(err)
	}
	return a, m
}

func TestValidate(t *testing.T) {
	good := ChannelConfig{Channel: 1, Gain: 100, Input: InputSEPlus, Shunt: 10000000, Couple: DC, Filter: FilterOff}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}
	bad := []ChannelConfig{
		{Channel: 0, Gain: 1, Input: InputOff, Couple: DC, Filter: FilterOff},
		{Channel: 1, Gain: 2, Input: InputOff, Couple: DC, Filter: FilterOff},
		{Channel: 1, Gain: 1, Input: "SE", Couple: DC, Filter: FilterOff},
		{Channel: 1, Gain: 1, Input: InputOff, Shunt: 51, Couple: DC, Filter: FilterOff},
		{Channel: 1, Gain: 1, Input: InputOff, Couple: "XC", Filter: FilterOff},
		{Channel: 1, Gain: 1, Input: InputOff, Couple: DC, Filter: "MAYBE"},
	}
	for _, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrConfig) {
			t.Errorf("%v: expected ErrConfig got %v", c, err)
		}
	}
}

func TestEventKindString(t *testing.T) {
	if s := SettingWritten.String(); s != "setting-written" {
		t.Errorf("expected setting-written, got %s", s)
	}
	if s := EventKind(42).String(); s != "unknown" {
		t.Errorf("expected unknown for an out of range kind, got %s", s)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	if _, err := New(nil, table(1, 1), nil); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig got %v", err)
	}
}

func TestSettersReachInstrument(t *testing.T) {
	obs := &events{}
	a, m := newMockAmp(t, 4, table(1, 2), obs)
	ctx := context.Background()
	if err := a.SetGain(ctx, 2, 1000); err != nil {
		t.Fatal(err)
	}
	if err := a.SetInput(ctx, 2, InputSEMinus); err != nil {
		t.Fatal(err)
	}
	if err := a.SetShunt(ctx, 2, 50); err != nil {
		t.Fatal(err)
	}
	if err := a.SetCoupling(ctx, 2, DC); err != nil {
		t.Fatal(err)
	}
	if err := a.SetFilter(ctx, 2, FilterOff); err != nil {
		t.Fatal(err)
	}
	want := ChannelConfig{Channel: 2, Gain: 1000, Input: InputSEMinus, Shunt: 50, Couple: DC, Filter: FilterOff}
	if got, _ := a.Channel(2); got != want {
		t.Errorf("cache: expected %v got %v", want, got)
	}
	if got := m.table[2]; got != want {
		t.Errorf("instrument: expected %v got %v", want, got)
	}
	if n := obs.count(SettingWritten); n != 5 {
		t.Errorf("expected 5 write events got %d", n)
	}
}

func TestSetterValidation(t *testing.T) {
	a, m := newMockAmp(t, 4, table(1), nil)
	ctx := context.Background()
	if err := a.SetGain(ctx, 1, 5); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig got %v", err)
	}
	if err := a.SetShunt(ctx, 1, 100); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig got %v", err)
	}
	if err := a.SetGain(ctx, 3, 10); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel got %v", err)
	}
	if m.table[1].Gain != 1 {
		t.Error("rejected writes must not reach the instrument")
	}
}

func TestSetAllAndGetAll(t *testing.T) {
	a, _ := newMockAmp(t, 3, table(1), nil)
	ctx := context.Background()
	if err := a.SetAll(ctx, table(1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	all, err := a.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(table(1, 2, 3), all); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, a.Channels()); diff != "" {
		t.Errorf("SetAll should add channels (-want +got):\n%s", diff)
	}
	err = a.SetAll(ctx, table(4))
	var re *comm.RemoteError
	if !errors.As(err, &re) {
		t.Errorf("expected the simulator to reject channel 4, got %v", err)
	}
}

func TestReload(t *testing.T) {
	obs := &events{}
	a, _ := newMockAmp(t, 4, table(1, 2, 3), obs)
	cs, err := a.Reload(table(2, 3, 4))
	if err != nil {
		t.Fatal(err)
	}
	want := ChangeSet{Added: []int{4}, Removed: []int{1}, Retained: []int{2, 3}}
	if diff := cmp.Diff(want, cs); diff != "" {
		t.Errorf("change set mismatch (-want +got):\n%s", diff)
	}
	if obs.count(ChannelAdded) != 1 || obs.count(ChannelRemoved) != 1 || obs.count(ChannelRetained) != 2 {
		t.Errorf("unexpected events %v", obs.got)
	}
	if _, err := a.Reload(nil); !errors.Is(err, ErrConfig) {
		t.Errorf("empty reload: expected ErrConfig got %v", err)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, a.Channels()); diff != "" {
		t.Errorf("failed reload changed the table (-want +got):\n%s", diff)
	}
}

func TestHTTP(t *testing.T) {
	a, m := newMockAmp(t, 2, table(1, 2), nil)
	r := chi.NewRouter()
	NewHTTPWrapper(a).RT().Bind(r)

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}
	if code := do(http.MethodPost, "/channels/1/gain", `{"int": 100}`); code != http.StatusOK {
		t.Errorf("gain: expected 200 got %d", code)
	}
	if code := do(http.MethodPost, "/channels/1/input", `{"str": "SE+"}`); code != http.StatusOK {
		t.Errorf("input: expected 200 got %d", code)
	}
	if m.table[1].Gain != 100 || m.table[1].Input != InputSEPlus {
		t.Errorf("instrument not updated: %v", m.table[1])
	}
	if code := do(http.MethodPost, "/channels/1/gain", `{"int": 7}`); code != http.StatusBadRequest {
		t.Errorf("bad gain: expected 400 got %d", code)
	}
	if code := do(http.MethodPost, "/channels/9/filter", `{"str": "ON"}`); code != http.StatusNotFound {
		t.Errorf("unknown channel: expected 404 got %d", code)
	}
	if code := do(http.MethodPost, "/channels/x/filter", `{"str": "ON"}`); code != http.StatusBadRequest {
		t.Errorf("non-numeric channel: expected 400 got %d", code)
	}
	if code := do(http.MethodGet, "/all", ""); code != http.StatusOK {
		t.Errorf("get all: expected 200 got %d", code)
	}
}
