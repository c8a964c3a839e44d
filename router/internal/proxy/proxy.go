// Package proxy serves deployment artifacts for inbound requests by resolving
// the Host header and relaying a presigned object store fetch.
//
// Only GET and HEAD are relayed, and request bodies are never forwarded. A
// presigned URL is signed for one method, and artifacts are write-once, so any
// other method answers 405 with an Allow header before the store is touched.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/splax/localvercel/pkg/artifact"
	"github.com/splax/localvercel/router/internal/resolver"
)

// DeploymentHeader names the deployment that served a response.
const DeploymentHeader = "X-Peep-Deployment"

// hopHeaders are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// requestOnlyStrip are client headers that must not reach the object store:
// the presigned query carries the credentials.
var requestOnlyStrip = []string{"Authorization", "Cookie", "Host", "X-Forwarded-For", "X-Real-Ip"}

// Resolver maps a host onto a deployment.
type Resolver interface {
	Resolve(ctx context.Context, host string) (resolver.Resolution, error)
}

// Store is the subset of the artifact store the proxy reads through.
type Store interface {
	Stat(ctx context.Context, key string) (artifact.ObjectInfo, error)
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignHead(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Handler is the ingress http.Handler.
type Handler struct {
	resolver   Resolver
	store      Store
	client     *http.Client
	presignTTL time.Duration
	logger     *slog.Logger
	metrics    *metrics
}

// Option customises a Handler.
type Option func(*Handler)

// WithHTTPClient overrides the client used for upstream fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) {
		if c != nil {
			h.client = c
		}
	}
}

// New constructs a Handler. upstreamTimeout bounds each object fetch.
func New(res Resolver, store Store, presignTTL, upstreamTimeout time.Duration, logger *slog.Logger, opts ...Option) *Handler {
	if upstreamTimeout <= 0 {
		upstreamTimeout = 30 * time.Second
	}
	h := &Handler{
		resolver:   res,
		store:      store,
		presignTTL: presignTTL,
		logger:     logger,
		client: &http.Client{
			Timeout: upstreamTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.metrics.observe(outcomePanic)
			h.logger.Error("panic serving request", "host", r.Host, "path", r.URL.Path, "panic", fmt.Sprint(rec))
			writeError(w, http.StatusInternalServerError, "internal error", "internal")
		}
	}()

	res, err := h.resolver.Resolve(r.Context(), r.Host)
	if err != nil {
		if errors.Is(err, resolver.ErrNotFound) {
			h.metrics.observe(outcomeUnknownHost)
			h.logger.Info("host not found", "host", r.Host)
			writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.metrics.observe(outcomeUnavailable)
		h.logger.Warn("resolve failed", "host", r.Host, "error", err)
		writeError(w, http.StatusServiceUnavailable, "control plane unavailable", "unavailable")
		return
	}
	log := h.logger.With("host", r.Host, "project_id", res.ProjectID, "deployment_id", res.DeploymentID)

	if artifact.IsReserved(r.URL.Path) {
		h.metrics.observe(outcomeNotFound)
		writeError(w, http.StatusNotFound, "not found", "not_found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.metrics.observe(outcomeMethod)
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return
	}

	key := artifact.ObjectKey(res.ProjectID, res.DeploymentID, r.URL.Path)
	if _, err := h.store.Stat(r.Context(), key); err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			h.metrics.observe(outcomeNotFound)
			log.Info("object not found", "key", key)
			writeError(w, http.StatusNotFound, "not found", "not_found")
			return
		}
		h.metrics.observe(outcomeUnavailable)
		log.Warn("object stat failed", "key", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, "artifact store unavailable", "unavailable")
		return
	}

	presign := h.store.Presign
	if r.Method == http.MethodHead {
		presign = h.store.PresignHead
	}
	target, err := presign(r.Context(), key, h.presignTTL)
	if err != nil {
		h.metrics.observe(outcomeUnavailable)
		log.Warn("presign failed", "key", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, "artifact store unavailable", "unavailable")
		return
	}

	if err := h.relay(w, r, target, res.DeploymentID); err != nil {
		if r.Context().Err() != nil {
			h.metrics.observe(outcomeCancelled)
			return
		}
		h.metrics.observe(outcomeUnavailable)
		log.Warn("upstream fetch failed", "key", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, "artifact store unavailable", "unavailable")
		return
	}
	h.metrics.observe(outcomeServed)
}

// relay forwards a GET or HEAD to target without a body. A returned error
// means nothing has been written to w yet.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, target, deploymentID string) error {
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, http.NoBody)
	if err != nil {
		return err
	}
	copyHeader(out.Header, r.Header)
	removeHopHeaders(out.Header)
	for _, name := range requestOnlyStrip {
		out.Header.Del(name)
	}

	start := time.Now()
	resp, err := h.client.Do(out)
	h.metrics.upstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	header := w.Header()
	copyHeader(header, resp.Header)
	removeHopHeaders(header)
	for name := range header {
		if strings.HasPrefix(name, "X-Amz-") {
			header.Del(name)
		}
	}
	header.Set(DeploymentHeader, deploymentID)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("response copy interrupted", "deployment_id", deploymentID, "error", err)
	}
	return nil
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// removeHopHeaders drops the fixed hop-by-hop set plus any header named in
// Connection.
func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func writeError(w http.ResponseWriter, status int, message, category string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "category": category})
}
