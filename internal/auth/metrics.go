package auth

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts token refresh attempts by outcome. A nil *Metrics
// disables collection.
type Metrics struct {
	Refreshes *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wattbar_token_refreshes_total",
			Help: "Refresh-token grants by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Refreshes)
	return m
}

func (m *Metrics) observeRefresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}
