package lockin

import (
	"context"
	"encoding/json"
	"sync"
)

type recorded struct {
	method string
	params json.RawMessage
}

// scripted is a comm.Caller that answers from per-method queues.
// The last reply of a queue repeats forever.
type scripted struct {
	mu      sync.Mutex
	calls   []recorded
	replies map[string][]interface{}
	errs    map[string]error
	hook    func(method string)
}

func newScripted() *scripted {
	return &scripted{replies: map[string][]interface{}{}, errs: map[string]error{}}
}

func (s *scripted) script(method string, replies ...interface{}) *scripted {
	s.replies[method] = append(s.replies[method], replies...)
	return s
}

func (s *scripted) Call(ctx context.Context, method string, params, result interface{}) error {
	if s.hook != nil {
		s.hook(method)
	}
	raw, _ := json.Marshal(params)
	s.mu.Lock()
	s.calls = append(s.calls, recorded{method: method, params: raw})
	err := s.errs[method]
	var reply interface{}
	if q := s.replies[method]; len(q) > 0 {
		reply = q[0]
		if len(q) > 1 {
			s.replies[method] = q[1:]
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if result == nil || reply == nil {
		return nil
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

func (s *scripted) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (s *scripted) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.method
	}
	return out
}

func (s *scripted) last() recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

// eventLog collects events for assertions
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) Observe(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) kinds(kind EventKind) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
