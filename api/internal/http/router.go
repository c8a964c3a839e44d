// Package httpx exposes the control plane over HTTP.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/api/internal/domain"
	"github.com/splax/localvercel/api/internal/service/deploy"
	"github.com/splax/localvercel/api/internal/service/function"
	"github.com/splax/localvercel/api/internal/service/project"
	"github.com/splax/localvercel/api/internal/ws"
	"github.com/splax/localvercel/pkg/controlplane"
)

const (
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 2 << 20
	maxWebhookBytes    = 1 << 20
	defaultListLimit   = 20
	maxListLimit       = 100
)

// DeploymentService records deployments and builder progress.
type DeploymentService interface {
	Trigger(ctx context.Context, projectID string, req deploy.TriggerRequest) (*domain.Deployment, error)
	ProcessCallback(ctx context.Context, update controlplane.StatusUpdate) (*domain.Deployment, error)
	Get(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	LatestSuccessful(ctx context.Context, projectID string) (*domain.Deployment, error)
}

// ProjectService stores project settings and custom domains.
type ProjectService interface {
	Put(ctx context.Context, projectID string, input project.Input) (*domain.Project, error)
	Get(ctx context.Context, projectID string) (*domain.Project, error)
	BuildConfig(ctx context.Context, projectID string) (controlplane.BuildConfig, error)
	PutDomain(ctx context.Context, projectID, hostname string, verified bool) (*domain.CustomDomain, error)
	Domain(ctx context.Context, hostname string) (*domain.CustomDomain, error)
}

// FunctionService stores function source.
type FunctionService interface {
	Register(ctx context.Context, projectID, name string, input function.RegisterInput) (*domain.Function, error)
	Get(ctx context.Context, projectID, name string) (*domain.Function, error)
	SetActive(ctx context.Context, projectID, name string, active bool) (*domain.Function, error)
	RecordInvocation(ctx context.Context, projectID, name string) error
}

// WebhookService verifies push deliveries.
type WebhookService interface {
	UpsertSecret(ctx context.Context, projectID, secret string) error
	HandlePush(ctx context.Context, projectID string, payload []byte, signature string) (*domain.Deployment, error)
}

// Hub tracks deployment stream subscribers.
type Hub interface {
	Register(projectID string, client ws.Subscriber)
	Unregister(projectID string, client ws.Subscriber)
}

// Check reports the health of one dependency.
type Check func(context.Context) error

// Config wires a Router.
type Config struct {
	Deployments   DeploymentService
	Projects      ProjectService
	Functions     FunctionService
	Webhooks      WebhookService
	Hub           Hub
	Checks        map[string]Check
	APIToken      string
	ServiceSecret string
	StreamBuffer  int
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	deployments   DeploymentService
	projects      ProjectService
	functions     FunctionService
	webhooks      WebhookService
	hub           Hub
	checks        map[string]Check
	apiToken      string
	serviceSecret string
	streamBuffer  int
	upgrader      websocket.Upgrader

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	webhookTotal   *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, cfg Config) *Router {
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		deployments:   cfg.Deployments,
		projects:      cfg.Projects,
		functions:     cfg.Functions,
		webhooks:      cfg.Webhooks,
		hub:           cfg.Hub,
		checks:        cfg.Checks,
		apiToken:      strings.TrimSpace(cfg.APIToken),
		serviceSecret: cfg.ServiceSecret,
		streamBuffer:  cfg.StreamBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r.initMetrics()
	r.register()
	return r
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("PUT /projects/{projectID}", r.requireOperator(r.handlePutProject))
	r.mux.HandleFunc("GET /projects/{projectID}", r.requireOperator(r.handleGetProject))
	r.mux.HandleFunc("PUT /projects/{projectID}/domains/{hostname}", r.requireOperator(r.handlePutDomain))
	r.mux.HandleFunc("PUT /projects/{projectID}/webhook", r.requireOperator(r.handlePutWebhook))
	r.mux.HandleFunc("PUT /projects/{projectID}/functions/{name}", r.requireOperator(r.handleRegisterFunction))
	r.mux.HandleFunc("POST /projects/{projectID}/deployments", r.requireOperator(r.handleTrigger))
	r.mux.HandleFunc("GET /projects/{projectID}/deployments", r.requireOperator(r.handleListDeployments))
	r.mux.HandleFunc("GET /deployments/{deploymentID}", r.requireOperator(r.handleGetDeployment))
	r.mux.HandleFunc("GET /ws/deployments", r.requireOperator(r.handleDeploymentStream))
	r.mux.HandleFunc("POST /webhook/{projectID}", r.handleWebhook)

	r.mux.HandleFunc("POST /builder/callback", r.requireService(r.handleBuilderCallback))
	r.mux.HandleFunc("GET /internal/projects/{projectID}/build-config", r.requireService(r.handleBuildConfig))
	r.mux.HandleFunc("GET /internal/deployments/{deploymentID}", r.requireService(r.handleGetDeployment))
	r.mux.HandleFunc("GET /internal/projects/{projectID}/deployments/latest", r.requireService(r.handleLatestDeployment))
	r.mux.HandleFunc("GET /internal/domains/{hostname}", r.requireService(r.handleGetDomain))
	r.mux.HandleFunc("GET /internal/projects/{projectID}/functions/{name}", r.requireService(r.handleGetFunction))
	r.mux.HandleFunc("GET /internal/projects/{projectID}/functions/{name}/code", r.requireService(r.handleFunctionCode))
	r.mux.HandleFunc("PUT /internal/projects/{projectID}/functions/{name}/status", r.requireService(r.handleFunctionStatus))
	r.mux.HandleFunc("POST /internal/projects/{projectID}/functions/{name}/invocations", r.requireService(r.handleFunctionInvocation))
}

// ServeHTTP audits every request and recovers handler panics.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	recorder := &statusRecorder{ResponseWriter: w, actor: "anonymous"}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic", "path", req.URL.Path, "panic", fmt.Sprint(rec))
			if recorder.status == 0 {
				writeError(recorder, http.StatusInternalServerError, categoryInternal, "internal error")
			}
		}
		r.audit(recorder, req, time.Since(start))
	}()
	r.mux.ServeHTTP(recorder, req)
}

func (r *Router) audit(recorder *statusRecorder, req *http.Request, duration time.Duration) {
	status := recorder.status
	if status == 0 {
		status = http.StatusOK
	}
	route := req.Pattern
	if route == "" {
		route = "unmatched"
	}
	r.recordRequestMetrics(req.Method, route, status, duration)

	fields := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"bytes", recorder.bytes,
		"duration_ms", duration.Milliseconds(),
		"actor", recorder.actor,
	}
	if ip := clientIP(req); ip != "" {
		fields = append(fields, "ip", ip)
	}
	if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
		fields = append(fields, "request_id", reqID)
	}

	switch {
	case status >= http.StatusInternalServerError:
		r.logger.Error("http_request", fields...)
	case status >= http.StatusBadRequest:
		r.logger.Warn("http_request", fields...)
	default:
		r.logger.Info("http_request", fields...)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any, len(r.checks))
	status := "ok"
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	for name, check := range r.checks {
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	actor  string
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetActor(actor string) {
	sr.actor = actor
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
