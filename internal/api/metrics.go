package api

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts provider calls by operation and outcome. A nil *Metrics
// disables collection.
type Metrics struct {
	Calls *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wattbar_provider_requests_total",
			Help: "Provider API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(m.Calls)
	return m
}

func (m *Metrics) observe(operation, outcome string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(operation, outcome).Inc()
}
