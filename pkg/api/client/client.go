// Package client is the operator-facing client for the API and executor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/localvercel/pkg/controlplane"
)

// Client provides typed access to the peep API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at base. token is sent as a bearer
// credential when non-empty.
func New(base, token string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status   int
	Category string
	Message  string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error    string `json:"error"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Category = payload.Category
	return apiErr
}

// Project is the API representation of a project.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RepoURL         string    `json:"repoUrl"`
	DefaultBranch   string    `json:"defaultBranch,omitempty"`
	Framework       string    `json:"framework,omitempty"`
	InstallCommand  *string   `json:"installCommand,omitempty"`
	BuildCommand    *string   `json:"buildCommand,omitempty"`
	OutputDirectory string    `json:"outputDirectory,omitempty"`
	RootDirectory   string    `json:"rootDirectory,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// PutProject creates or replaces a project. ID and timestamps are ignored.
func (c *Client) PutProject(ctx context.Context, projectID string, p Project) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(projectID), p, &out)
	return out, err
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &out)
	return out, err
}

// PutDomain attaches a custom hostname to a project.
func (c *Client) PutDomain(ctx context.Context, projectID, hostname string, verified bool) (controlplane.Domain, error) {
	var out controlplane.Domain
	path := "/projects/" + url.PathEscape(projectID) + "/domains/" + url.PathEscape(hostname)
	err := c.do(ctx, http.MethodPut, path, map[string]bool{"verified": verified}, &out)
	return out, err
}

// SetWebhookSecret stores the secret push deliveries are signed with.
func (c *Client) SetWebhookSecret(ctx context.Context, projectID, secret string) error {
	return c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(projectID)+"/webhook", map[string]string{"secret": secret}, nil)
}

// FunctionSource is the body of a function registration.
type FunctionSource struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// RegisterFunction uploads function source.
func (c *Client) RegisterFunction(ctx context.Context, projectID, name string, src FunctionSource) (controlplane.Function, error) {
	var out controlplane.Function
	path := "/projects/" + url.PathEscape(projectID) + "/functions/" + url.PathEscape(name)
	err := c.do(ctx, http.MethodPut, path, src, &out)
	return out, err
}

// TriggerDeployment queues a build of commitSHA on branch. Both may be empty.
func (c *Client) TriggerDeployment(ctx context.Context, projectID, commitSHA, branch string) (controlplane.Deployment, error) {
	var out controlplane.Deployment
	body := map[string]string{"commitSha": commitSHA, "branch": branch}
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/deployments", body, &out)
	return out, err
}

// ListDeployments returns recent deployments, newest first.
func (c *Client) ListDeployments(ctx context.Context, projectID string, limit int) ([]controlplane.Deployment, error) {
	path := "/projects/" + url.PathEscape(projectID) + "/deployments"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Deployments []controlplane.Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Deployments, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, deploymentID string) (controlplane.Deployment, error) {
	var out controlplane.Deployment
	err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID), nil, &out)
	return out, err
}

// DeploymentEvent is one message of the deployment stream.
type DeploymentEvent struct {
	Type       string                  `json:"type"`
	Deployment controlplane.Deployment `json:"deployment"`
	Timestamp  time.Time               `json:"timestamp"`
}

// WatchDeployments streams deployment events for a project until fn returns
// false, ctx ends or the connection drops.
func (c *Client) WatchDeployments(ctx context.Context, projectID string, fn func(DeploymentEvent) bool) error {
	u, err := url.Parse(c.baseURL + "/ws/deployments")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("project_id", projectID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return decodeError(resp)
		}
		return fmt.Errorf("dial deployment stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev DeploymentEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read deployment stream: %w", err)
		}
		if !fn(ev) {
			return nil
		}
	}
}
