// Package observability exports driver events as Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/levylab/golevylab/krohnhite"
	"github.com/levylab/golevylab/lockin"
)

const subsystem = "lab"

// PromObserver turns lock-in and amplifier events into metrics.
// Use Lockin and Amplifier to obtain observers for each driver.
type PromObserver struct {
	fieldWrites   *prometheus.CounterVec
	settingWrites *prometheus.CounterVec
	changes       *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	polls         prometheus.Counter
	commands      *prometheus.CounterVec
	duration      prometheus.Histogram
	channels      *prometheus.GaugeVec
}

// NewPromObserver creates the collectors and registers them with reg
func NewPromObserver(reg prometheus.Registerer) (*PromObserver, error) {
	p := &PromObserver{
		fieldWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "lockin_field_writes_total",
			Help:      "Per-channel output settings accepted by the lock-in.",
		}, []string{"field"}),
		settingWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "amplifier_setting_writes_total",
			Help:      "Settings accepted by the programmable amplifier, by method.",
		}, []string{"method"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "channel_set_changes_total",
			Help:      "Channel set replacements, by instrument and kind of change.",
		}, []string{"instrument", "change"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "sweeps_total",
			Help:      "Completed sweep runs by outcome.",
		}, []string{"outcome"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "lockin_state_polls_total",
			Help:      "getState requests issued while supervising sweeps.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "lockin_state_commands_total",
			Help:      "State commands accepted by the lock-in.",
		}, []string{"command"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time from sweep submission to the end of supervision.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "configured_channels",
			Help:      "Channels currently configured, by instrument.",
		}, []string{"instrument"}),
	}
	for _, c := range []prometheus.Collector{
		p.fieldWrites, p.settingWrites, p.changes, p.sweeps,
		p.polls, p.commands, p.duration, p.channels,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Lockin returns an observer for a lockin.Lockin
func (p *PromObserver) Lockin() lockin.Observer {
	return lockin.ObserverFunc(p.observeLockin)
}

// Amplifier returns an observer for a krohnhite.Amplifier
func (p *PromObserver) Amplifier() krohnhite.Observer {
	return krohnhite.ObserverFunc(p.observeAmplifier)
}

func (p *PromObserver) observeLockin(e lockin.Event) {
	const inst = "lockin"
	switch e.Kind {
	case lockin.ChannelAdded:
		p.changes.WithLabelValues(inst, "added").Inc()
		p.channels.WithLabelValues(inst).Inc()
	case lockin.ChannelRemoved:
		p.changes.WithLabelValues(inst, "removed").Inc()
		p.channels.WithLabelValues(inst).Dec()
	case lockin.ChannelRetained:
		p.changes.WithLabelValues(inst, "retained").Inc()
	case lockin.FieldWritten:
		p.fieldWrites.WithLabelValues(e.Field.String()).Inc()
	case lockin.StateCommanded:
		p.commands.WithLabelValues(fmtValue(e.Value)).Inc()
	case lockin.StatePolled:
		p.polls.Inc()
	case lockin.SweepFinished:
		p.sweeps.WithLabelValues("completed").Inc()
		p.duration.Observe(e.Elapsed.Seconds())
	case lockin.SweepFailed:
		p.sweeps.WithLabelValues(outcome(e.Err)).Inc()
		p.duration.Observe(e.Elapsed.Seconds())
	}
}

func (p *PromObserver) observeAmplifier(e krohnhite.Event) {
	const inst = "krohnhite"
	switch e.Kind {
	case krohnhite.ChannelAdded:
		p.changes.WithLabelValues(inst, "added").Inc()
		p.channels.WithLabelValues(inst).Inc()
	case krohnhite.ChannelRemoved:
		p.changes.WithLabelValues(inst, "removed").Inc()
		p.channels.WithLabelValues(inst).Dec()
	case krohnhite.ChannelRetained:
		p.changes.WithLabelValues(inst, "retained").Inc()
	case krohnhite.SettingWritten, krohnhite.AllWritten:
		p.settingWrites.WithLabelValues(e.Method).Inc()
	}
}
