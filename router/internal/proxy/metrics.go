package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeServed      = "served"
	outcomeNotFound    = "not_found"
	outcomeUnknownHost = "unknown_host"
	outcomeUnavailable = "unavailable"
	outcomeMethod      = "method_not_allowed"
	outcomeCancelled   = "cancelled"
	outcomePanic       = "panic"
)

type metrics struct {
	requests        *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
}

func newMetrics() *metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "router",
		Name:      "requests_total",
		Help:      "Ingress requests by outcome",
	}, []string{"outcome"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "peep",
		Subsystem: "router",
		Name:      "upstream_duration_seconds",
		Help:      "Latency of artifact fetches from the object store",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	if err := prometheus.Register(requests); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				requests = existing
			}
		}
	}
	if err := prometheus.Register(latency); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Histogram); ok {
				latency = existing
			}
		}
	}
	return &metrics{requests: requests, upstreamLatency: latency}
}

func (m *metrics) observe(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}
