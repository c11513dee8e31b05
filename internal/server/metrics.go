package server

import (
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server-side Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	transitions      *prometheus.CounterVec
	dispatchResults  *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_machine_transitions_total",
			Help: "Machine actions applied, by action and outcome.",
		}, []string{"action", "outcome"}),
		dispatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_dispatch_results_total",
			Help: "Per-machine results of bulk dispatches.",
		}, []string{"action", "status"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetd_dispatch_duration_seconds",
			Help:    "Wall time of bulk dispatches.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.transitions, m.dispatchResults, m.dispatchDuration)
	return m
}

func (m *Metrics) observeTransition(action models.Action, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(action), outcome(err)).Inc()
}

func (m *Metrics) observeResult(action string, status models.ActionStatus) {
	if m == nil {
		return
	}
	m.dispatchResults.WithLabelValues(action, string(status)).Inc()
}

func (m *Metrics) observeDispatch(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(seconds)
}
