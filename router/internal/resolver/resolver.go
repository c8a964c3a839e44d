// Package resolver maps inbound hostnames onto the deployment that should
// serve them.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/idna"

	"github.com/splax/localvercel/pkg/controlplane"
	"github.com/splax/localvercel/pkg/ttlcache"
)

var (
	// ErrNotFound indicates no deployment serves the host.
	ErrNotFound = errors.New("resolver: host not found")
	// ErrUnavailable indicates the control plane could not be consulted.
	ErrUnavailable = errors.New("resolver: control plane unavailable")
)

// ControlPlane exposes the lookups the resolver depends on.
type ControlPlane interface {
	Deployment(ctx context.Context, deploymentID string) (controlplane.Deployment, error)
	LatestSuccessfulDeployment(ctx context.Context, projectID string) (controlplane.Deployment, error)
	CustomDomain(ctx context.Context, hostname string) (controlplane.Domain, error)
}

// Resolution identifies the deployment serving a host.
type Resolution struct {
	ProjectID    string
	DeploymentID string
	// IsDynamic is set when the host follows the project's latest successful
	// deployment rather than a pinned one.
	IsDynamic bool
	IsCustom  bool
}

// Resolver resolves hosts through a TTL cache backed by the control plane.
type Resolver struct {
	control    ControlPlane
	rootSuffix string
	cache      *ttlcache.Cache[string, Resolution]

	hits   atomic.Int64
	misses atomic.Int64
}

// Option customises a Resolver.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the cache time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New constructs a resolver for hosts under rootDomain. Entries live for ttl
// and are swept every sweepInterval.
func New(control ControlPlane, rootDomain string, ttl, sweepInterval time.Duration, opts ...Option) *Resolver {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	root := strings.Trim(strings.ToLower(strings.TrimSpace(rootDomain)), ".")
	return &Resolver{
		control:    control,
		rootSuffix: "." + root,
		cache:      ttlcache.New(ttl, sweepInterval, ttlcache.WithClock[string, Resolution](o.now)),
	}
}

// Close stops the background cache sweep.
func (r *Resolver) Close() { r.cache.Close() }

// CacheHits reports how many lookups were answered from the cache.
func (r *Resolver) CacheHits() int64 { return r.hits.Load() }

// CacheMisses reports how many lookups reached the control plane.
func (r *Resolver) CacheMisses() int64 { return r.misses.Load() }

// CacheSize reports the number of cached hosts.
func (r *Resolver) CacheSize() int { return r.cache.Len() }

// Resolve returns the deployment serving host.
func (r *Resolver) Resolve(ctx context.Context, host string) (Resolution, error) {
	normalized, err := NormalizeHost(host)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if res, ok := r.cache.Get(normalized); ok {
		r.hits.Add(1)
		return res, nil
	}
	r.misses.Add(1)

	var res Resolution
	if token, ok := strings.CutSuffix(normalized, r.rootSuffix); ok {
		res, err = r.resolvePlatform(ctx, token)
	} else {
		res, err = r.resolveCustom(ctx, normalized)
	}
	if err != nil {
		return Resolution{}, err
	}
	r.cache.Set(normalized, res)
	return res, nil
}

// resolvePlatform handles {deployment}-{project} and {project} subdomains.
// Tokens with a dash first try the pinned form; project ids may contain
// dashes, so an unverifiable split falls back to the whole token.
func (r *Resolver) resolvePlatform(ctx context.Context, token string) (Resolution, error) {
	if token == "" || strings.Contains(token, ".") {
		return Resolution{}, ErrNotFound
	}
	if deploymentID, projectID, ok := strings.Cut(token, "-"); ok && deploymentID != "" && projectID != "" {
		dep, err := r.control.Deployment(ctx, deploymentID)
		switch {
		case err == nil:
			if dep.ProjectID == projectID && dep.Status == controlplane.StatusSuccess {
				return Resolution{ProjectID: projectID, DeploymentID: dep.ID}, nil
			}
		case errors.Is(err, controlplane.ErrNotFound), errors.Is(err, controlplane.ErrInvalidArgument):
		default:
			return Resolution{}, unavailable(err)
		}
	}
	dep, err := r.latest(ctx, token)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{ProjectID: token, DeploymentID: dep.ID, IsDynamic: true}, nil
}

func (r *Resolver) resolveCustom(ctx context.Context, host string) (Resolution, error) {
	domain, err := r.control.CustomDomain(ctx, host)
	if err != nil {
		if errors.Is(err, controlplane.ErrNotFound) {
			return Resolution{}, ErrNotFound
		}
		return Resolution{}, unavailable(err)
	}
	if !domain.Verified || domain.ProjectID == "" {
		return Resolution{}, ErrNotFound
	}
	dep, err := r.latest(ctx, domain.ProjectID)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{ProjectID: domain.ProjectID, DeploymentID: dep.ID, IsDynamic: true, IsCustom: true}, nil
}

func (r *Resolver) latest(ctx context.Context, projectID string) (controlplane.Deployment, error) {
	dep, err := r.control.LatestSuccessfulDeployment(ctx, projectID)
	if err != nil {
		if errors.Is(err, controlplane.ErrNotFound) || errors.Is(err, controlplane.ErrInvalidArgument) {
			return controlplane.Deployment{}, ErrNotFound
		}
		return controlplane.Deployment{}, unavailable(err)
	}
	if dep.Status != controlplane.StatusSuccess || dep.ID == "" {
		return controlplane.Deployment{}, ErrNotFound
	}
	return dep, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// NormalizeHost strips any port and trailing dot, lowercases the host and
// converts internationalised labels to their ASCII form.
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", errors.New("empty host")
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	return ascii, nil
}
