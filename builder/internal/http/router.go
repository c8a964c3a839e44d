package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// PoolStats exposes worker pool gauges.
type PoolStats interface {
	Size() int
	Active() int64
}

// Router exposes the builder's admin endpoints.
type Router struct {
	mux                *http.ServeMux
	logger             *slog.Logger
	checks             map[string]Check
	pool               PoolStats
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	jobResults         *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
}

// New creates and registers handlers.
func New(logger *slog.Logger, pool PoolStats, checks map[string]Check) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		checks: checks,
		pool:   pool,
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /healthz", r.instrument("/healthz", r.handleHealth))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	components := make(map[string]any, len(names)+1)
	for _, name := range names {
		component := map[string]any{"status": "up"}
		if err := r.checks[name](ctx); err != nil {
			status = "degraded"
			component = map[string]any{"status": "down", "error": err.Error()}
		}
		components[name] = component
	}
	if r.pool != nil {
		components["workers"] = map[string]any{
			"status": "up",
			"size":   r.pool.Size(),
			"active": r.pool.Active(),
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}
