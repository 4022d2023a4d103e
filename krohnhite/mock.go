package krohnhite

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/levylab/golevylab/comm"
)

// Mock is a simulated amplifier with a fixed number of channels, all
// starting at gain 1, input OFF, no shunt, DC coupled, filter OFF
type Mock struct {
	mu    sync.Mutex
	table map[int]ChannelConfig
}

// NewMock returns a simulator with channels 1..n
func NewMock(n int) *Mock {
	m := &Mock{table: make(map[int]ChannelConfig, n)}
	for ch := 1; ch <= n; ch++ {
		m.table[ch] = ChannelConfig{Channel: ch, Gain: 1, Input: InputOff, Shunt: 0, Couple: DC, Filter: FilterOff}
	}
	return m
}

func reject(method, msg string) error {
	return &comm.RemoteError{Method: method, Code: comm.CodeServerError, Message: msg}
}

// Handle implements comm.Handler
func (m *Mock) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "getAllChannels":
		out := make([]ChannelConfig, 0, len(m.table))
		for _, c := range m.table {
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
		return out, nil
	case "setAllChannels":
		var cfgs []ChannelConfig
		if err := json.Unmarshal(params, &cfgs); err != nil {
			return nil, reject(method, err.Error())
		}
		for _, c := range cfgs {
			if _, ok := m.table[c.Channel]; !ok {
				return nil, reject(method, "no such channel")
			}
			if err := c.Validate(); err != nil {
				return nil, reject(method, err.Error())
			}
		}
		for _, c := range cfgs {
			m.table[c.Channel] = c
		}
		return nil, nil
	case "setChannelGain", "setChannelInput", "setChannelShunt", "setChannelCoupling", "setChannelFilter":
		var p struct {
			Channel int       `json:"channel"`
			Gain    *int      `json:"gain"`
			Input   *Input    `json:"input"`
			Shunt   *int      `json:"shunt"`
			Couple  *Coupling `json:"couple"`
			Filter  *Filter   `json:"filter"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, reject(method, err.Error())
		}
		c, ok := m.table[p.Channel]
		if !ok {
			return nil, reject(method, "no such channel")
		}
		switch {
		case p.Gain != nil:
			c.Gain = *p.Gain
		case p.Input != nil:
			c.Input = *p.Input
		case p.Shunt != nil:
			c.Shunt = *p.Shunt
		case p.Couple != nil:
			c.Couple = *p.Couple
		case p.Filter != nil:
			c.Filter = *p.Filter
		default:
			return nil, reject(method, "no value")
		}
		if err := c.Validate(); err != nil {
			return nil, reject(method, err.Error())
		}
		m.table[p.Channel] = c
		return nil, nil
	}
	return nil, errors.Wrap(comm.ErrMethodNotFound, method)
}
