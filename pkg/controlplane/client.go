// Package controlplane is the HTTP client builder, router and executor use to
// read from and report to the API service.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/localvercel/pkg/svcauth"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4096
)

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("control plane: not found")
	// ErrUnauthorized indicates the service token was rejected.
	ErrUnauthorized = errors.New("control plane: unauthorized")
	// ErrInvalidArgument indicates the request failed validation.
	ErrInvalidArgument = errors.New("control plane: invalid argument")
	// ErrUnavailable indicates a transport failure or a server-side fault.
	ErrUnavailable = errors.New("control plane: unavailable")
	// ErrInvalidResponse indicates a malformed response body.
	ErrInvalidResponse = errors.New("control plane: invalid response")
)

// Client talks to the control plane on behalf of one service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Its transport is used as is.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New builds a client whose requests are signed by signer. A nil signer sends
// unauthenticated requests.
func New(baseURL string, signer *svcauth.Signer, timeout time.Duration, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("control plane base url required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid control plane url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var transport http.RoundTripper = http.DefaultTransport
	if signer != nil {
		transport = &svcauth.Transport{Signer: signer}
	}
	c := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ReportStatus posts a builder status update.
func (c *Client) ReportStatus(ctx context.Context, update StatusUpdate) error {
	return c.do(ctx, http.MethodPost, "/builder/callback", update, nil)
}

// BuildConfig returns the project's build overrides.
func (c *Client) BuildConfig(ctx context.Context, projectID string) (BuildConfig, error) {
	var cfg BuildConfig
	err := c.do(ctx, http.MethodGet, "/internal/projects/"+url.PathEscape(projectID)+"/build-config", nil, &cfg)
	return cfg, err
}

// Deployment returns one deployment by id.
func (c *Client) Deployment(ctx context.Context, deploymentID string) (Deployment, error) {
	var d Deployment
	err := c.do(ctx, http.MethodGet, "/internal/deployments/"+url.PathEscape(deploymentID), nil, &d)
	return d, err
}

// LatestSuccessfulDeployment returns the project's newest deployment with status success.
func (c *Client) LatestSuccessfulDeployment(ctx context.Context, projectID string) (Deployment, error) {
	var d Deployment
	err := c.do(ctx, http.MethodGet, "/internal/projects/"+url.PathEscape(projectID)+"/deployments/latest", nil, &d)
	return d, err
}

// CustomDomain looks up an exact custom hostname.
func (c *Client) CustomDomain(ctx context.Context, hostname string) (Domain, error) {
	var d Domain
	err := c.do(ctx, http.MethodGet, "/internal/domains/"+url.PathEscape(hostname), nil, &d)
	return d, err
}

// Function returns function metadata.
func (c *Client) Function(ctx context.Context, projectID, name string) (Function, error) {
	var fn Function
	err := c.do(ctx, http.MethodGet, functionPath(projectID, name), nil, &fn)
	return fn, err
}

// FunctionCode returns function source.
func (c *Client) FunctionCode(ctx context.Context, projectID, name string) (FunctionCode, error) {
	var code FunctionCode
	err := c.do(ctx, http.MethodGet, functionPath(projectID, name)+"/code", nil, &code)
	return code, err
}

// SetFunctionActive enables or disables a function.
func (c *Client) SetFunctionActive(ctx context.Context, projectID, name string, active bool) (Function, error) {
	var fn Function
	err := c.do(ctx, http.MethodPut, functionPath(projectID, name)+"/status", map[string]bool{"active": active}, &fn)
	return fn, err
}

// RecordInvocation increments the function's invocation counter.
func (c *Client) RecordInvocation(ctx context.Context, projectID, name string) error {
	return c.do(ctx, http.MethodPost, functionPath(projectID, name)+"/invocations", nil, nil)
}

func functionPath(projectID, name string) string {
	return "/internal/projects/" + url.PathEscape(projectID) + "/functions/" + url.PathEscape(name)
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
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(buf, &payload) == nil && payload.Error != "" {
		summary = payload.Error
	}
	if summary == "" {
		summary = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrUnavailable, summary)
	default:
		return fmt.Errorf("control plane returned %d: %s", resp.StatusCode, summary)
	}
}
