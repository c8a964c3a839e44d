package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/splax/localvercel/api/internal/domain"
	"github.com/splax/localvercel/api/internal/repository"
)

type stubProjectRepository struct {
	projects map[string]domain.Project
}

func (s *stubProjectRepository) UpsertProject(_ context.Context, p *domain.Project) error {
	s.projects[p.ID] = *p
	return nil
}

func (s *stubProjectRepository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

type stubDomainRepository struct {
	domains map[string]domain.CustomDomain
}

func (s *stubDomainRepository) UpsertDomain(_ context.Context, d *domain.CustomDomain) error {
	s.domains[d.Hostname] = *d
	return nil
}

func (s *stubDomainRepository) GetDomain(_ context.Context, hostname string) (*domain.CustomDomain, error) {
	d, ok := s.domains[hostname]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func newTestService() *Service {
	return New(
		&stubProjectRepository{projects: map[string]domain.Project{}},
		&stubDomainRepository{domains: map[string]domain.CustomDomain{}},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestPutValidatesInput(t *testing.T) {
	svc := newTestService()
	cases := []struct {
		name  string
		id    string
		input Input
	}{
		{"uppercase id", "MyProj", Input{RepoURL: "https://example.com/r.git"}},
		{"dotted id", "my.proj", Input{RepoURL: "https://example.com/r.git"}},
		{"trailing dash", "proj-", Input{RepoURL: "https://example.com/r.git"}},
		{"missing repo", "proj", Input{}},
		{"option repo", "proj", Input{RepoURL: "--upload-pack=touch /tmp/pwned"}},
		{"ext transport", "proj", Input{RepoURL: "ext::sh -c id"}},
		{"option branch", "proj", Input{RepoURL: "https://example.com/r.git", DefaultBranch: "--orphan"}},
		{"escaping root", "proj", Input{RepoURL: "https://example.com/r.git", RootDirectory: "../etc"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Put(context.Background(), tc.id, tc.input); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestBuildConfigReflectsOverrides(t *testing.T) {
	svc := newTestService()
	build := "npm run export"
	if _, err := svc.Put(context.Background(), "my-site", Input{
		RepoURL:         "https://example.com/r.git",
		Framework:       "Vite",
		BuildCommand:    &build,
		OutputDirectory: "out",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cfg, err := svc.BuildConfig(context.Background(), "my-site")
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}
	if cfg.Framework != "vite" || cfg.BuildCommand != build || cfg.InstallCommand != "" || cfg.OutputDirectory != "out" {
		t.Fatalf("unexpected build config %+v", cfg)
	}

	if _, err := svc.BuildConfig(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutDomainNormalisesHostname(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Put(context.Background(), "shop", Input{RepoURL: "https://example.com/r.git"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	d, err := svc.PutDomain(context.Background(), "shop", " Shop.Example.COM. ", true)
	if err != nil {
		t.Fatalf("PutDomain: %v", err)
	}
	if d.Hostname != "shop.example.com" {
		t.Fatalf("hostname = %q", d.Hostname)
	}
	got, err := svc.Domain(context.Background(), "SHOP.example.com")
	if err != nil || got.ProjectID != "shop" || !got.Verified {
		t.Fatalf("Domain = %+v, %v", got, err)
	}

	if _, err := svc.PutDomain(context.Background(), "missing", "a.example.com", true); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown project, got %v", err)
	}
	if _, err := svc.PutDomain(context.Background(), "shop", "localhost", true); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
