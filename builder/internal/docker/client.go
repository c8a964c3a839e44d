// Package docker runs install and build commands inside throwaway containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Client is a daemon connection shared by every build worker.
type Client struct {
	inner *client.Client

	mu    sync.Mutex
	ready map[string]bool
}

// Dial connects to the daemon from DOCKER_* variables. host, when set,
// replaces DOCKER_HOST.
func Dial(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker dial: %w", err)
	}
	return &Client{inner: inner, ready: make(map[string]bool)}, nil
}

// Ping is used as the builder's docker health check.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("docker: no daemon connection")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return errors.New("docker ping: daemon reported no api version")
	}
	return nil
}

// EnsureImage pulls ref unless the daemon already has it. A successful check
// is remembered so concurrent builds inspect each image once.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	c.mu.Lock()
	done := c.ready[ref]
	c.mu.Unlock()
	if done {
		return nil
	}

	_, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	switch {
	case err == nil:
	case client.IsErrNotFound(err):
		rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pull image %s: %w", ref, err)
		}
		// The pull only completes once the progress stream is drained.
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("pull image %s: %w", ref, err)
		}
	default:
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	c.mu.Lock()
	c.ready[ref] = true
	c.mu.Unlock()
	return nil
}

// Close drops the daemon connection.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
