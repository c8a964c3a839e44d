package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/pkg/artifact"
	"github.com/splax/localvercel/router/internal/resolver"
)

type stubResolver struct {
	res resolver.Resolution
	err error
}

func (s stubResolver) Resolve(context.Context, string) (resolver.Resolution, error) {
	return s.res, s.err
}

type panicResolver struct{}

func (panicResolver) Resolve(context.Context, string) (resolver.Resolution, error) {
	panic("boom")
}

type failingStore struct{ artifact.Store }

func (failingStore) Stat(context.Context, string) (artifact.ObjectInfo, error) {
	return artifact.ObjectInfo{}, errors.New("connection refused")
}

type objectServer struct {
	store *artifact.MemoryStore
	srv   *httptest.Server

	mu      sync.Mutex
	methods []string
	auth    []string
}

func newObjectServer(t *testing.T) *objectServer {
	t.Helper()
	o := &objectServer{store: artifact.NewMemoryStore("")}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.methods = append(o.methods, r.Method)
		o.auth = append(o.auth, r.Header.Get("Authorization"))
		o.mu.Unlock()

		key := strings.TrimPrefix(r.URL.Path, "/")
		info, err := o.store.Stat(r.Context(), key)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		body, _ := o.store.Get(r.Context(), key)
		defer body.Close()
		w.Header().Set("Content-Type", info.ContentType)
		w.Header().Set("X-Amz-Request-Id", "abc")
		w.Header().Set("ETag", `"etag"`)
		_, _ = io.Copy(w, body)
	}))
	t.Cleanup(o.srv.Close)
	o.store.BaseURL = o.srv.URL
	return o
}

func (o *objectServer) put(t *testing.T, key, body, contentType string) {
	t.Helper()
	if err := o.store.Put(context.Background(), key, strings.NewReader(body), int64(len(body)), contentType); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeCategory(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error    string `json:"error"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Category
}

func pinned() stubResolver {
	return stubResolver{res: resolver.Resolution{ProjectID: "P", DeploymentID: "D1"}}
}

func TestServesIndexForDirectory(t *testing.T) {
	objects := newObjectServer(t)
	objects.put(t, "P/D1/index.html", "<h1>ok</h1>", "text/html; charset=utf-8")
	objects.put(t, "P/D1/docs/index.html", "docs", "text/html; charset=utf-8")
	h := New(pinned(), objects.store, time.Minute, time.Second, silentLogger())

	for path, want := range map[string]string{"/": "<h1>ok</h1>", "/docs/": "docs", "/index.html": "<h1>ok</h1>"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Host = "myproj.platform.example"
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d (%s)", path, rec.Code, rec.Body.String())
		}
		if rec.Body.String() != want {
			t.Fatalf("%s: body %q, want %q", path, rec.Body.String(), want)
		}
		if rec.Header().Get(DeploymentHeader) != "D1" {
			t.Fatalf("%s: missing deployment header", path)
		}
		if rec.Header().Get("X-Amz-Request-Id") != "" {
			t.Fatalf("%s: object store headers leaked", path)
		}
		if rec.Header().Get("ETag") == "" {
			t.Fatalf("%s: expected ETag to be relayed", path)
		}
	}
	for _, auth := range objects.auth {
		if auth != "" {
			t.Fatalf("authorization header forwarded upstream: %q", auth)
		}
	}
}

func TestHeadUsesHeadPresign(t *testing.T) {
	objects := newObjectServer(t)
	objects.put(t, "P/D1/app.js", "console.log(1)", "text/javascript")
	h := New(pinned(), objects.store, time.Minute, time.Second, silentLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/app.js", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD must not carry a body")
	}
	if len(objects.methods) != 1 || objects.methods[0] != http.MethodHead {
		t.Fatalf("expected upstream HEAD, got %v", objects.methods)
	}
}

func TestErrorResponses(t *testing.T) {
	objects := newObjectServer(t)
	objects.put(t, "P/D1/index.html", "ok", "text/html")
	objects.put(t, "P/D1/.peep/manifest.json", "{}", "application/json")

	cases := []struct {
		name     string
		resolver Resolver
		store    Store
		method   string
		path     string
		status   int
		category string
	}{
		{"unknown host", stubResolver{err: resolver.ErrNotFound}, objects.store, http.MethodGet, "/", http.StatusNotFound, "not_found"},
		{"control plane down", stubResolver{err: resolver.ErrUnavailable}, objects.store, http.MethodGet, "/", http.StatusServiceUnavailable, "unavailable"},
		{"missing object", pinned(), objects.store, http.MethodGet, "/missing.css", http.StatusNotFound, "not_found"},
		{"reserved path", pinned(), objects.store, http.MethodGet, "/.peep/manifest.json", http.StatusNotFound, "not_found"},
		{"store down", pinned(), failingStore{}, http.MethodGet, "/", http.StatusServiceUnavailable, "unavailable"},
		{"write method", pinned(), objects.store, http.MethodPost, "/", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"panic", panicResolver{}, objects.store, http.MethodGet, "/", http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(tc.resolver, tc.store, time.Minute, time.Second, silentLogger())
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if got := decodeCategory(t, rec); got != tc.category {
				t.Fatalf("expected category %q, got %q", tc.category, got)
			}
		})
	}
}

func TestWriteMethodsNeverReachStore(t *testing.T) {
	objects := newObjectServer(t)
	objects.put(t, "P/D1/index.html", "ok", "text/html")
	h := New(pinned(), objects.store, time.Minute, time.Second, silentLogger())

	for _, method := range []string{http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodPatch} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/index.html", strings.NewReader("overwrite")))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", method, rec.Code)
		}
		if allow := rec.Header().Get("Allow"); allow != "GET, HEAD" {
			t.Fatalf("%s: unexpected Allow %q", method, allow)
		}
	}

	objects.mu.Lock()
	upstream := len(objects.methods)
	objects.mu.Unlock()
	if upstream != 0 {
		t.Fatalf("expected no upstream requests, got %d", upstream)
	}
	rc, err := objects.store.Get(context.Background(), "P/D1/index.html")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	if body, _ := io.ReadAll(rc); string(body) != "ok" {
		t.Fatalf("artifact changed: %q", body)
	}
}

func TestUpstreamConnectivityFailure(t *testing.T) {
	store := artifact.NewMemoryStore("http://127.0.0.1:1")
	if err := store.Put(context.Background(), "P/D1/index.html", strings.NewReader("ok"), 2, "text/html"); err != nil {
		t.Fatalf("put: %v", err)
	}
	h := New(pinned(), store, time.Minute, time.Second, silentLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Session")
	h.Set("X-Session", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Cache-Control", "max-age=60")
	removeHopHeaders(h)
	for _, name := range []string{"Connection", "X-Session", "Keep-Alive", "Transfer-Encoding"} {
		if h.Get(name) != "" {
			t.Fatalf("expected %s to be removed", name)
		}
	}
	if h.Get("Cache-Control") == "" {
		t.Fatalf("end-to-end header removed")
	}
}
