// Package metrics exposes Prometheus collectors for the reminder engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remindme"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands      *prometheus.CounterVec
	firings       *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// MustNew constructs Metrics and registers them with reg. A nil reg uses the
// default registerer. Collectors already registered under the same name are
// reused so repeated construction in tests does not panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands handled, by classified intent.",
		}, []string{"intent"}),
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_firings_total",
			Help:      "Reminder and follow-up firings, by outcome.",
		}, []string{"kind", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound message attempts, by kind and status.",
		}, []string{"kind", "status"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one due-task sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.commands = register(reg, m.commands)
	m.firings = register(reg, m.firings)
	m.deliveries = register(reg, m.deliveries)
	m.sweepDuration = register(reg, m.sweepDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Command counts one handled chat command.
func (m *Metrics) Command(intent string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(intent).Inc()
}

// Firing counts one trigger firing. outcome is "delivered", "failed" or "skipped".
func (m *Metrics) Firing(kind, outcome string) {
	if m == nil {
		return
	}
	m.firings.WithLabelValues(kind, outcome).Inc()
}

// Delivery counts one outbound message attempt.
func (m *Metrics) Delivery(kind string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.deliveries.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
