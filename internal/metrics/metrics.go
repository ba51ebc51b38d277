// Package metrics exposes Prometheus instrumentation for the Elder Tree core.
//
// A Registry owns its own prometheus.Registry so several engines (and tests)
// can coexist in one process. Every recording method is safe on a nil
// *Registry, which lets components treat metrics as optional.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/eldertree/internal/model"
)

// Registry holds the collectors for one engine.
type Registry struct {
	registry *prometheus.Registry

	NodesTotal      prometheus.Gauge
	BoundSouls      prometheus.Gauge
	BindingsByState *prometheus.GaugeVec
	BindingStrength prometheus.Histogram
	EventsTotal     *prometheus.CounterVec
	MessagesTotal   *prometheus.CounterVec
	DecayTicksTotal prometheus.Counter
	SweepsTotal     *prometheus.CounterVec
}

// NewRegistry creates a Registry with all collectors registered.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	f := promauto.With(r.registry)

	r.NodesTotal = f.NewGauge(prometheus.GaugeOpts{
		Name: "eldertree_nodes_total",
		Help: "Total number of registered nodes",
	})
	r.BoundSouls = f.NewGauge(prometheus.GaugeOpts{
		Name: "eldertree_bound_souls",
		Help: "Number of soul-bound nodes",
	})
	r.BindingsByState = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eldertree_bindings",
		Help: "Bindings currently held, by state",
	}, []string{"state"})
	r.BindingStrength = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "eldertree_binding_strength",
		Help:    "Strength observed after each decay tick or recovery",
		Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})
	r.EventsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "eldertree_events_total",
		Help: "Events appended to the journal, by type",
	}, []string{"type"})
	r.MessagesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "eldertree_messages_total",
		Help: "Messages handled by the router, by type and outcome",
	}, []string{"type", "outcome"})
	r.DecayTicksTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "eldertree_decay_ticks_total",
		Help: "Decay ticks applied across all bindings",
	})
	r.SweepsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "eldertree_maintenance_actions_total",
		Help: "Bindings retired or recovered by maintenance",
	}, []string{"action"})

	return r
}

// Gatherer returns the underlying registry for scraping or inspection.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SetNodeCounts records the size of the node table.
func (r *Registry) SetNodeCounts(total, bound int) {
	if r == nil {
		return
	}
	r.NodesTotal.Set(float64(total))
	r.BoundSouls.Set(float64(bound))
}

// SetBindingCounts replaces the per-state binding gauges.
func (r *Registry) SetBindingCounts(counts map[model.BindingState]int) {
	if r == nil {
		return
	}
	for _, name := range []model.BindingState{
		model.StateBinding, model.StateBound, model.StateWeakening,
		model.StateRecovering, model.StateBroken,
	} {
		r.BindingsByState.WithLabelValues(name.String()).Set(float64(counts[name]))
	}
}

// ObserveStrength records a binding strength sample.
func (r *Registry) ObserveStrength(s float64) {
	if r == nil {
		return
	}
	r.BindingStrength.Observe(s)
}

// RecordEvent counts an appended event.
func (r *Registry) RecordEvent(t model.EventType) {
	if r == nil {
		return
	}
	r.EventsTotal.WithLabelValues(t.String()).Inc()
}

// RecordMessage counts a routed message. outcome is "queued", "delivered",
// "failed" or "rejected".
func (r *Registry) RecordMessage(msgType, outcome string) {
	if r == nil {
		return
	}
	r.MessagesTotal.WithLabelValues(msgType, outcome).Inc()
}

// RecordDecayTick counts one applied decay tick.
func (r *Registry) RecordDecayTick() {
	if r == nil {
		return
	}
	r.DecayTicksTotal.Inc()
}

// RecordSweep counts maintenance actions of the given kind.
func (r *Registry) RecordSweep(action string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.SweepsTotal.WithLabelValues(action).Add(float64(n))
}
