package sink

import (
	"context"

	"github.com/nhalm/ratewarden"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus counts events by kind and policy and records the distribution of
// penalty multipliers applied.
type Prometheus struct {
	events  *prometheus.CounterVec
	penalty *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with reg.
// It panics if registration fails, like prometheus.MustRegister.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	p := &Prometheus{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Rate limit events by kind and policy.",
		}, []string{"kind", "policy"}),
		penalty: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "penalty_multiplier",
			Help:      "Penalty multiplier after each escalation.",
			Buckets:   []float64{1.5, 2, 3, 4, 5, 8, 10, 20},
		}, []string{"policy"}),
	}
	reg.MustRegister(p.events, p.penalty)
	return p
}

// Emit records ev.
func (p *Prometheus) Emit(_ context.Context, ev ratewarden.Event) {
	p.events.WithLabelValues(string(ev.Kind), ev.Policy).Inc()
	if ev.Kind == ratewarden.EventPenaltyApplied {
		p.penalty.WithLabelValues(ev.Policy).Observe(ev.PenaltyMultiplier)
	}
}
