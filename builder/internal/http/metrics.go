package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/localvercel/builder/internal/service/deploy"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	jobBuckets       = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}
)

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "builder",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peep",
			Subsystem: "builder",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.jobResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "builder",
			Name:      "job_results_total",
			Help:      "Number of build jobs by final status and stage",
		}, []string{"status", "stage"})

		r.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peep",
			Subsystem: "builder",
			Name:      "job_duration_seconds",
			Help:      "Wall time of build jobs",
			Buckets:   jobBuckets,
		}, []string{"status"})

		r.requestTotal = registerCounter(r.requestTotal)
		r.jobResults = registerCounter(r.jobResults)
		r.requestDuration = registerHistogram(r.requestDuration)
		r.jobDuration = registerHistogram(r.jobDuration)
		r.metricsInitialized = true
	})
}

func registerCounter(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.metricsInitialized {
			next(w, req)
			return
		}
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{"method": req.Method, "route": route, "status": strconv.Itoa(status)}
		r.requestTotal.With(labels).Inc()
		r.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

// ObserveJob records a finished build job. It matches worker.Observer.
func (r *Router) ObserveJob(outcome deploy.Outcome, elapsed time.Duration) {
	if !r.metricsInitialized {
		return
	}
	status := outcome.Status
	if outcome.Skipped {
		status = "skipped"
	}
	if status == "" {
		status = "unknown"
	}
	r.jobResults.With(prometheus.Labels{"status": status, "stage": outcome.Stage}).Inc()
	r.jobDuration.With(prometheus.Labels{"status": status}).Observe(elapsed.Seconds())
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
