// Package httpx serves the router's admin endpoints on a separate listener
// from ingress traffic.
package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// CacheStats exposes domain cache counters.
type CacheStats interface {
	CacheHits() int64
	CacheMisses() int64
	CacheSize() int
}

// Admin serves /healthz and /metrics.
type Admin struct {
	mux    *http.ServeMux
	logger *slog.Logger
	checks map[string]Check
	cache  CacheStats
}

// New creates the admin handler and registers cache collectors when cache is
// non-nil.
func New(logger *slog.Logger, checks map[string]Check, cache CacheStats) *Admin {
	a := &Admin{mux: http.NewServeMux(), logger: logger, checks: checks, cache: cache}
	if cache != nil {
		registerCacheCollectors(cache)
	}
	a.mux.Handle("GET /metrics", promhttp.Handler())
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	return a
}

func (a *Admin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func registerCacheCollectors(cache CacheStats) {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "router",
			Name:      "resolve_cache_hits_total",
			Help:      "Host resolutions answered from the domain cache",
		}, func() float64 { return float64(cache.CacheHits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "router",
			Name:      "resolve_cache_misses_total",
			Help:      "Host resolutions that consulted the control plane",
		}, func() float64 { return float64(cache.CacheMisses()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "peep",
			Subsystem: "router",
			Name:      "resolve_cache_entries",
			Help:      "Hosts currently held in the domain cache",
		}, func() float64 { return float64(cache.CacheSize()) }),
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(a.checks))
	for name := range a.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	components := make(map[string]any, len(names)+1)
	for _, name := range names {
		component := map[string]any{"status": "up"}
		if err := a.checks[name](ctx); err != nil {
			status = "degraded"
			component = map[string]any{"status": "down", "error": err.Error()}
		}
		components[name] = component
	}
	if a.cache != nil {
		components["domain_cache"] = map[string]any{"status": "up", "entries": a.cache.CacheSize()}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
