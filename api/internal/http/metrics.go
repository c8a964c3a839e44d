package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.requestTotal = registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"}))

	r.requestLatency = registerHistogramVec(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "peep",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"}))

	r.webhookTotal = registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "api",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by outcome",
	}, []string{"outcome"}))
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}
