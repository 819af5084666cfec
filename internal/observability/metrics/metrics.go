package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics exposes counters/histograms for the chat relay.
type RelayMetrics struct {
	turnsTotal      *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	draftRestores   *prometheus.CounterVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aitherapy",
			Subsystem: "relay",
			Name:      "turns_total",
			Help:      "Total relayed chat turns",
		}, []string{"outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aitherapy",
			Subsystem: "relay",
			Name:      "upstream_latency_seconds",
			Help:      "Latency of model provider calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
		draftRestores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aitherapy",
			Subsystem: "continuity",
			Name:      "draft_restores_total",
			Help:      "Pending drafts restored after login redirects",
		}, []string{"source"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.upstreamLatency, m.draftRestores)
	return m
}

func (m *RelayMetrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

func (m *RelayMetrics) ObserveUpstreamLatency(model string, seconds float64) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(model).Observe(seconds)
}

func (m *RelayMetrics) ObserveDraftRestore(source string) {
	if m == nil {
		return
	}
	m.draftRestores.WithLabelValues(source).Inc()
}
