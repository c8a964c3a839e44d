package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splax/localvercel/pkg/svcauth"
)

func TestReportStatusSignsRequest(t *testing.T) {
	var got StatusUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/builder/callback" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if _, err := svcauth.VerifyRequest(r, "secret"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := New(srv.URL, svcauth.NewSigner("builder", "secret", time.Minute), time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	update := StatusUpdate{DeploymentID: "d1", ProjectID: "p1", Status: StatusBuilding, Stage: "clone"}
	if err := client.ReportStatus(context.Background(), update); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if got.DeploymentID != "d1" || got.Status != StatusBuilding || got.Stage != "clone" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusBadRequest, ErrInvalidArgument},
		{http.StatusBadGateway, ErrUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		client, _ := New(srv.URL, nil, time.Second)
		_, err := client.Deployment(context.Background(), "d1")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, _ := New(url, nil, time.Second)
	if _, err := client.CustomDomain(context.Background(), "shop.example.com"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFunctionPathsEscaped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.EscapedPath() {
		case "/internal/projects/p1/functions/hello%20world/code":
			_ = json.NewEncoder(w).Encode(FunctionCode{Language: "javascript", Code: "return 1"})
		case "/internal/projects/p1/functions/hello%20world/invocations":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected path %s", r.URL.EscapedPath())
		}
	}))
	defer srv.Close()

	client, _ := New(srv.URL, nil, time.Second)
	code, err := client.FunctionCode(context.Background(), "p1", "hello world")
	if err != nil || code.Code != "return 1" {
		t.Fatalf("FunctionCode = %+v, %v", code, err)
	}
	if err := client.RecordInvocation(context.Background(), "p1", "hello world"); err != nil {
		t.Fatalf("RecordInvocation: %v", err)
	}
}

func TestNewRejectsEmptyURL(t *testing.T) {
	if _, err := New(" ", nil, 0); err == nil {
		t.Fatal("expected error")
	}
}
