// Package httpx exposes function invocation over HTTP.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/executor/internal/sandbox"
	"github.com/splax/localvercel/executor/internal/service/function"
	"github.com/splax/localvercel/pkg/controlplane"
)

// FunctionService is the behaviour the router depends on.
type FunctionService interface {
	Invoke(ctx context.Context, projectID, name string, event json.RawMessage) (sandbox.Result, error)
	Describe(ctx context.Context, projectID, name string) (controlplane.Function, error)
	SetActive(ctx context.Context, projectID, name string, active bool) (controlplane.Function, error)
}

// Router serves the executor API.
type Router struct {
	mux           *http.ServeMux
	svc           FunctionService
	logger        *slog.Logger
	maxEventBytes int64

	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// New constructs the router. maxEventBytes bounds invocation bodies.
func New(svc FunctionService, logger *slog.Logger, maxEventBytes int64) *Router {
	if maxEventBytes <= 0 {
		maxEventBytes = 1 << 20
	}
	r := &Router{
		mux:           http.NewServeMux(),
		svc:           svc,
		logger:        logger,
		maxEventBytes: maxEventBytes,
	}
	r.initMetrics()
	r.mux.HandleFunc("POST /functions/{projectID}/{name}", r.handleInvoke)
	r.mux.HandleFunc("GET /functions/{projectID}/{name}", r.handleDescribe)
	r.mux.HandleFunc("PUT /functions/{projectID}/{name}/status", r.handleStatus)
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.Handler())
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	r.mux.ServeHTTP(recorder, req)
	level := slog.LevelInfo
	switch {
	case recorder.status >= 500:
		level = slog.LevelError
	case recorder.status >= 400:
		level = slog.LevelWarn
	}
	r.logger.Log(req.Context(), level, "http_request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", recorder.status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

type invokeResponse struct {
	Success  bool               `json:"success"`
	Result   json.RawMessage    `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
	Duration int64              `json:"duration"`
	Logs     []sandbox.LogEntry `json:"logs"`
}

func (r *Router) handleInvoke(w http.ResponseWriter, req *http.Request) {
	projectID, name := req.PathValue("projectID"), req.PathValue("name")
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "event too large", "invalid_argument")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read event", "invalid_argument")
		return
	}

	result, err := r.svc.Invoke(req.Context(), projectID, name, body)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	outcome := "success"
	if !result.Success {
		outcome = "error"
	}
	r.invocations.WithLabelValues(outcome).Inc()
	r.duration.WithLabelValues(outcome).Observe(result.Duration.Seconds())

	logs := result.Logs
	if logs == nil {
		logs = []sandbox.LogEntry{}
	}
	writeJSON(w, http.StatusOK, invokeResponse{
		Success:  result.Success,
		Result:   result.Output,
		Error:    result.ErrorMessage,
		Duration: result.Duration.Milliseconds(),
		Logs:     logs,
	})
}

type functionResponse struct {
	ProjectID       string    `json:"projectId"`
	Name            string    `json:"name"`
	Language        string    `json:"language"`
	IsActive        bool      `json:"isActive"`
	InvocationCount int64     `json:"invocationCount"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toResponse(def controlplane.Function) functionResponse {
	return functionResponse{
		ProjectID:       def.ProjectID,
		Name:            def.Name,
		Language:        def.Language,
		IsActive:        def.IsActive,
		InvocationCount: def.InvocationCount,
		UpdatedAt:       def.UpdatedAt,
	}
}

func (r *Router) handleDescribe(w http.ResponseWriter, req *http.Request) {
	def, err := r.svc.Describe(req.Context(), req.PathValue("projectID"), req.PathValue("name"))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(def))
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 4096)).Decode(&payload); err != nil || payload.Active == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"active\": bool}", "invalid_argument")
		return
	}
	def, err := r.svc.SetActive(req.Context(), req.PathValue("projectID"), req.PathValue("name"), *payload.Active)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(def))
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, function.ErrNotFound):
		writeError(w, http.StatusNotFound, "function not found", "not_found")
	case errors.Is(err, function.ErrDisabled):
		writeError(w, http.StatusForbidden, "function is disabled", "disabled")
	case errors.Is(err, function.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_argument")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled", "unavailable")
	case errors.Is(err, function.ErrUnavailable):
		r.logger.Warn("control plane call failed", "error", err)
		writeError(w, http.StatusBadGateway, "control plane unavailable", "unavailable")
	default:
		r.logger.Error("function request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
	}
}

func (r *Router) initMetrics() {
	invocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "executor",
		Name:      "invocations_total",
		Help:      "Function invocations by outcome",
	}, []string{"outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "peep",
		Subsystem: "executor",
		Name:      "invocation_duration_seconds",
		Help:      "Wall time of function invocations",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"outcome"})

	if err := prometheus.Register(invocations); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			invocations = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := prometheus.Register(duration); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			duration = already.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	r.invocations = invocations
	r.duration = duration
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, category string) {
	writeJSON(w, status, map[string]string{"error": message, "category": category})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

