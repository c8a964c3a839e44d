package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/localvercel/pkg/controlplane"
)

func TestTriggerAndListDeployments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/projects/proj/deployments":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(controlplane.Deployment{ID: "d1", ProjectID: "proj", CommitSHA: body["commitSha"], Status: "queued"})
		case r.Method == http.MethodGet && r.URL.Path == "/projects/proj/deployments":
			if r.URL.Query().Get("limit") != "3" {
				t.Errorf("expected limit=3, got %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"deployments": []controlplane.Deployment{{ID: "d1"}, {ID: "d0"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"project not found","category":"not_found"}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, "tok")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	d, err := c.TriggerDeployment(ctx, "proj", "abc123", "")
	if err != nil || d.ID != "d1" || d.CommitSHA != "abc123" {
		t.Fatalf("TriggerDeployment = %+v, %v", d, err)
	}
	list, err := c.ListDeployments(ctx, "proj", 3)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListDeployments = %+v, %v", list, err)
	}

	_, err = c.GetDeployment(ctx, "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	apiErr, ok := err.(APIError)
	if !ok || apiErr.Category != "not_found" || apiErr.Message != "project not found" {
		t.Fatalf("unexpected error %#v", err)
	}

	anon, _ := New(srv.URL, "")
	if _, err := anon.GetProject(ctx, "proj"); err == nil {
		t.Fatal("expected unauthorized error")
	}
}

func TestInvokePostsEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/functions/proj/sum" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var event map[string]int
		_ = json.NewDecoder(r.Body).Decode(&event)
		out, _ := json.Marshal(map[string]int{"sum": event["a"] + event["b"]})
		_ = json.NewEncoder(w).Encode(InvocationResult{Success: true, Result: out, DurationMs: 3, Logs: []LogEntry{}})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "")
	res, err := c.Invoke(context.Background(), "proj", "sum", json.RawMessage(`{"a":2,"b":3}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || string(res.Result) != `{"sum":5}` {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWatchDeploymentsStopsWhenCallbackReturnsFalse(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("project_id") != "proj" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, status := range []string{"building", "success"} {
			_ = conn.WriteJSON(DeploymentEvent{Type: "deployment.updated", Deployment: controlplane.Deployment{ID: "d1", Status: status}})
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "tok")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var seen []string
	err := c.WatchDeployments(ctx, "proj", func(ev DeploymentEvent) bool {
		seen = append(seen, ev.Deployment.Status)
		return !controlplane.Terminal(ev.Deployment.Status)
	})
	if err != nil {
		t.Fatalf("WatchDeployments: %v", err)
	}
	if len(seen) != 2 || seen[1] != "success" {
		t.Fatalf("unexpected events %v", seen)
	}

	if err := c.WatchDeployments(ctx, "other", func(DeploymentEvent) bool { return true }); err == nil {
		t.Fatal("expected handshake error")
	}
}
