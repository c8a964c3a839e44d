package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/splax/localvercel/executor/internal/sandbox"
	"github.com/splax/localvercel/executor/internal/service/function"
	"github.com/splax/localvercel/pkg/controlplane"
)

type fakeService struct {
	invokeErr error
	result    sandbox.Result
	lastEvent json.RawMessage
	active    *bool
}

func (f *fakeService) Invoke(_ context.Context, projectID, name string, event json.RawMessage) (sandbox.Result, error) {
	f.lastEvent = event
	if f.invokeErr != nil {
		return sandbox.Result{}, f.invokeErr
	}
	return f.result, nil
}

func (f *fakeService) Describe(_ context.Context, projectID, name string) (controlplane.Function, error) {
	if name == "missing" {
		return controlplane.Function{}, function.ErrNotFound
	}
	return controlplane.Function{ProjectID: projectID, Name: name, Language: "javascript", IsActive: true, InvocationCount: 4}, nil
}

func (f *fakeService) SetActive(_ context.Context, projectID, name string, active bool) (controlplane.Function, error) {
	f.active = &active
	return controlplane.Function{ProjectID: projectID, Name: name, IsActive: active}, nil
}

func newRouter(svc FunctionService) *Router {
	return New(svc, slog.New(slog.NewTextHandler(io.Discard, nil)), 64)
}

func TestInvokeReturnsResult(t *testing.T) {
	svc := &fakeService{result: sandbox.Result{
		Success:  true,
		Output:   json.RawMessage(`{"sum":5}`),
		Duration: 12 * time.Millisecond,
		Logs:     []sandbox.LogEntry{{Level: "log", Message: "hi"}},
	}}
	router := newRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/functions/P/hello", strings.NewReader(`{"a":2,"b":3}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Success  bool            `json:"success"`
		Result   json.RawMessage `json:"result"`
		Duration int64           `json:"duration"`
		Logs     []map[string]any
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || string(body.Result) != `{"sum":5}` || body.Duration != 12 || len(body.Logs) != 1 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if string(svc.lastEvent) != `{"a":2,"b":3}` {
		t.Fatalf("event not forwarded: %s", svc.lastEvent)
	}
}

func TestInvokeErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{function.ErrNotFound, http.StatusNotFound},
		{function.ErrDisabled, http.StatusForbidden},
		{function.ErrInvalidEvent, http.StatusBadRequest},
		{fmt.Errorf("%w: dial tcp", function.ErrUnavailable), http.StatusBadGateway},
		{context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		router := newRouter(&fakeService{invokeErr: tc.err})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/functions/P/hello", strings.NewReader(`{}`)))
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
	}
}

func TestInvokeRejectsOversizedEvent(t *testing.T) {
	router := newRouter(&fakeService{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/functions/P/hello", strings.NewReader(`{"pad":"`+strings.Repeat("x", 128)+`"}`)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestDescribeAndToggle(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/functions/P/hello", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"invocationCount":4`) {
		t.Fatalf("unexpected describe response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/functions/P/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/functions/P/hello/status", strings.NewReader(`{"active":false}`)))
	if rec.Code != http.StatusOK || svc.active == nil || *svc.active {
		t.Fatalf("expected disable to reach service, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/functions/P/hello/status", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing flag, got %d", rec.Code)
	}
}
