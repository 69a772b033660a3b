// Package metrics exposes Prometheus collectors for the intake pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	events   *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	saved    prometheus.Counter
}

// MustNewMetrics registers the collectors on reg and panics on conflicts.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slipbox",
			Subsystem: "intake",
			Name:      "events_total",
			Help:      "Inbound chat events by channel and kind.",
		},
		[]string{"channel", "kind"},
	)
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slipbox",
			Subsystem: "intake",
			Name:      "outcomes_total",
			Help:      "Dispatcher outcomes per handled event.",
		},
		[]string{"outcome"},
	)
	saved := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slipbox",
			Name:      "records_saved_total",
			Help:      "Records persisted by the intake pipeline.",
		},
	)

	reg.MustRegister(events, outcomes, saved)

	return &Metrics{events: events, outcomes: outcomes, saved: saved}
}

// RegisterPending exposes the live pending-session count as a gauge.
func RegisterPending(reg prometheus.Registerer, size func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "slipbox",
			Name:      "pending_sessions",
			Help:      "Users with a parsed key waiting for a photo.",
		},
		func() float64 { return float64(size()) },
	))
}

func (m *Metrics) Event(channel, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(channel, kind).Inc()
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Saved() {
	if m == nil {
		return
	}
	m.saved.Inc()
}
