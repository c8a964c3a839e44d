package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/pkg/controlplane"
)

type fakeControlPlane struct {
	mu          sync.Mutex
	deployments map[string]controlplane.Deployment
	latest      map[string]controlplane.Deployment
	domains     map[string]controlplane.Domain
	err         error
	calls       int
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		deployments: map[string]controlplane.Deployment{},
		latest:      map[string]controlplane.Deployment{},
		domains:     map[string]controlplane.Domain{},
	}
}

func (f *fakeControlPlane) Deployment(_ context.Context, id string) (controlplane.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return controlplane.Deployment{}, f.err
	}
	dep, ok := f.deployments[id]
	if !ok {
		return controlplane.Deployment{}, controlplane.ErrNotFound
	}
	return dep, nil
}

func (f *fakeControlPlane) LatestSuccessfulDeployment(_ context.Context, projectID string) (controlplane.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return controlplane.Deployment{}, f.err
	}
	dep, ok := f.latest[projectID]
	if !ok {
		return controlplane.Deployment{}, controlplane.ErrNotFound
	}
	return dep, nil
}

func (f *fakeControlPlane) CustomDomain(_ context.Context, host string) (controlplane.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return controlplane.Domain{}, f.err
	}
	d, ok := f.domains[host]
	if !ok {
		return controlplane.Domain{}, controlplane.ErrNotFound
	}
	return d, nil
}

func (f *fakeControlPlane) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func success(id, project string) controlplane.Deployment {
	return controlplane.Deployment{ID: id, ProjectID: project, Status: controlplane.StatusSuccess}
}

func TestResolvePinnedDeployment(t *testing.T) {
	cp := newFakeControlPlane()
	cp.deployments["d1"] = success("d1", "myproj")
	cp.latest["myproj"] = success("d9", "myproj")
	r := New(cp, "platform.example", time.Minute, 0)
	defer r.Close()

	res, err := r.Resolve(context.Background(), "d1-myproj.platform.example")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.ProjectID != "myproj" || res.DeploymentID != "d1" || res.IsDynamic || res.IsCustom {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestResolveProjectLatest(t *testing.T) {
	cp := newFakeControlPlane()
	cp.latest["myproj"] = success("d9", "myproj")
	r := New(cp, "platform.example", time.Minute, 0)
	defer r.Close()

	res, err := r.Resolve(context.Background(), "myproj.platform.example")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.ProjectID != "myproj" || res.DeploymentID != "d9" || !res.IsDynamic {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestResolveDashedProjectFallsBackToWholeToken(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeControlPlane)
	}{
		{"unknown deployment", func(*fakeControlPlane) {}},
		{"deployment of another project", func(cp *fakeControlPlane) {
			cp.deployments["my"] = success("my", "other")
		}},
		{"deployment not yet successful", func(cp *fakeControlPlane) {
			cp.deployments["my"] = controlplane.Deployment{ID: "my", ProjectID: "project", Status: controlplane.StatusBuilding}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cp := newFakeControlPlane()
			cp.latest["my-project"] = success("d2", "my-project")
			tc.setup(cp)
			r := New(cp, "platform.example", time.Minute, 0)
			defer r.Close()

			res, err := r.Resolve(context.Background(), "my-project.platform.example")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.ProjectID != "my-project" || res.DeploymentID != "d2" {
				t.Fatalf("unexpected resolution %+v", res)
			}
		})
	}
}

func TestResolvePinnedWinsOverDashedProject(t *testing.T) {
	cp := newFakeControlPlane()
	cp.deployments["my"] = success("my", "project")
	cp.latest["my-project"] = success("d2", "my-project")
	r := New(cp, "platform.example", time.Minute, 0)
	defer r.Close()

	res, err := r.Resolve(context.Background(), "my-project.platform.example")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.ProjectID != "project" || res.DeploymentID != "my" {
		t.Fatalf("expected pinned resolution to take precedence, got %+v", res)
	}
}

func TestResolveCustomDomain(t *testing.T) {
	cp := newFakeControlPlane()
	cp.domains["shop.example.com"] = controlplane.Domain{Hostname: "shop.example.com", ProjectID: "shop", Verified: true}
	cp.domains["pending.example.com"] = controlplane.Domain{Hostname: "pending.example.com", ProjectID: "shop"}
	cp.latest["shop"] = success("d5", "shop")
	r := New(cp, "platform.example", time.Minute, 0)
	defer r.Close()

	res, err := r.Resolve(context.Background(), "Shop.Example.com.:443")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.ProjectID != "shop" || res.DeploymentID != "d5" || !res.IsCustom {
		t.Fatalf("unexpected resolution %+v", res)
	}

	if _, err := r.Resolve(context.Background(), "pending.example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unverified domain to be not found, got %v", err)
	}
}

func TestResolveNotFound(t *testing.T) {
	cp := newFakeControlPlane()
	r := New(cp, "platform.example", time.Minute, 0)
	defer r.Close()

	for _, host := range []string{"", "platform.example", "ghost.platform.example", "a.b.platform.example", "unknown.example.org"} {
		if _, err := r.Resolve(context.Background(), host); !errors.Is(err, ErrNotFound) {
			t.Fatalf("host %q: expected ErrNotFound, got %v", host, err)
		}
	}
	if r.CacheSize() != 0 {
		t.Fatalf("failed lookups must not be cached")
	}
}

func TestResolveUnavailable(t *testing.T) {
	cp := newFakeControlPlane()
	cp.err = fmt.Errorf("dial tcp: %w", controlplane.ErrUnavailable)
	r := New(cp, "platform.example", time.Minute, 0)
	defer r.Close()

	if _, err := r.Resolve(context.Background(), "d1-myproj.platform.example"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), "shop.example.com"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if r.CacheSize() != 0 {
		t.Fatalf("transient failures must not be cached")
	}
}

func TestResolveCachesUntilTTL(t *testing.T) {
	cp := newFakeControlPlane()
	cp.latest["myproj"] = success("d1", "myproj")
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	r := New(cp, "platform.example", 5*time.Minute, 0, WithClock(clock))
	defer r.Close()

	if _, err := r.Resolve(context.Background(), "myproj.platform.example"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	calls := cp.callCount()

	cp.mu.Lock()
	cp.latest["myproj"] = success("d2", "myproj")
	cp.mu.Unlock()

	advance(4 * time.Minute)
	res, err := r.Resolve(context.Background(), "MYPROJ.platform.example:8080")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.DeploymentID != "d1" || cp.callCount() != calls {
		t.Fatalf("expected cached d1 without control plane call, got %+v (calls %d)", res, cp.callCount())
	}

	advance(time.Minute)
	res, err = r.Resolve(context.Background(), "myproj.platform.example")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.DeploymentID != "d2" {
		t.Fatalf("expired entry must not be served, got %+v", res)
	}
	if r.CacheHits() != 1 || r.CacheMisses() != 2 {
		t.Fatalf("unexpected cache stats hits=%d misses=%d", r.CacheHits(), r.CacheMisses())
	}
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"Example.COM":       "example.com",
		"example.com.":      "example.com",
		"example.com:8080":  "example.com",
		"bücher.example":    "xn--bcher-kva.example",
		" spaced.example  ": "spaced.example",
	}
	for in, want := range cases {
		got, err := NormalizeHost(in)
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalize %q = %q, want %q", in, got, want)
		}
	}
	if _, err := NormalizeHost(":80"); err == nil {
		t.Fatalf("expected error for empty host")
	}
}
