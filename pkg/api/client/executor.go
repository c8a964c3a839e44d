package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/splax/localvercel/pkg/controlplane"
)

// LogEntry is one console line captured during an invocation.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// InvocationResult is the executor's response to an invocation.
type InvocationResult struct {
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration"`
	Logs       []LogEntry      `json:"logs"`
}

func functionPath(projectID, name string) string {
	return "/functions/" + url.PathEscape(projectID) + "/" + url.PathEscape(name)
}

// Invoke runs a function on the executor with event as its input.
func (c *Client) Invoke(ctx context.Context, projectID, name string, event json.RawMessage) (InvocationResult, error) {
	var out InvocationResult
	var body any
	if len(event) > 0 {
		body = event
	}
	err := c.do(ctx, http.MethodPost, functionPath(projectID, name), body, &out)
	return out, err
}

// DescribeFunction returns function metadata from the executor.
func (c *Client) DescribeFunction(ctx context.Context, projectID, name string) (controlplane.Function, error) {
	var out controlplane.Function
	err := c.do(ctx, http.MethodGet, functionPath(projectID, name), nil, &out)
	return out, err
}

// SetFunctionActive enables or disables a function through the executor so
// its code cache is evicted.
func (c *Client) SetFunctionActive(ctx context.Context, projectID, name string, active bool) (controlplane.Function, error) {
	var out controlplane.Function
	err := c.do(ctx, http.MethodPut, functionPath(projectID, name)+"/status", map[string]bool{"active": active}, &out)
	return out, err
}
