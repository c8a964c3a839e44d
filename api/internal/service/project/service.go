// Package project manages project build settings and custom domains.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/splax/localvercel/api/internal/domain"
	"github.com/splax/localvercel/api/internal/repository"
	"github.com/splax/localvercel/pkg/controlplane"
	"github.com/splax/localvercel/pkg/queue"
)

// ErrInvalidArgument marks rejected input.
var ErrInvalidArgument = errors.New("project: invalid argument")

// Project ids double as hostname labels.
var projectIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Input carries project settings. Nil command pointers defer to detection.
type Input struct {
	Name            string  `json:"name"`
	RepoURL         string  `json:"repoUrl"`
	DefaultBranch   string  `json:"defaultBranch"`
	Framework       string  `json:"framework"`
	InstallCommand  *string `json:"installCommand"`
	BuildCommand    *string `json:"buildCommand"`
	OutputDirectory string  `json:"outputDirectory"`
	RootDirectory   string  `json:"rootDirectory"`
}

// Service orchestrates project and domain records.
type Service struct {
	projects repository.ProjectRepository
	domains  repository.DomainRepository
	logger   *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, domains repository.DomainRepository, logger *slog.Logger) *Service {
	return &Service{projects: projects, domains: domains, logger: logger}
}

// Put creates or replaces a project.
func (s *Service) Put(ctx context.Context, projectID string, input Input) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if !projectIDPattern.MatchString(projectID) {
		return nil, fmt.Errorf("%w: project id must be a lowercase hostname label", ErrInvalidArgument)
	}
	if err := queue.ValidateRepoURL(strings.TrimSpace(input.RepoURL)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := queue.ValidateBranch(strings.TrimSpace(input.DefaultBranch)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if strings.Contains(input.RootDirectory, "..") || strings.Contains(input.OutputDirectory, "..") {
		return nil, fmt.Errorf("%w: directories must stay inside the repository", ErrInvalidArgument)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = projectID
	}
	p := &domain.Project{
		ID:              projectID,
		Name:            name,
		RepoURL:         strings.TrimSpace(input.RepoURL),
		DefaultBranch:   strings.TrimSpace(input.DefaultBranch),
		Framework:       strings.ToLower(strings.TrimSpace(input.Framework)),
		InstallCommand:  input.InstallCommand,
		BuildCommand:    input.BuildCommand,
		OutputDirectory: strings.TrimSpace(input.OutputDirectory),
		RootDirectory:   strings.TrimSpace(input.RootDirectory),
	}
	if err := s.projects.UpsertProject(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("project saved", "project_id", p.ID)
	return p, nil
}

// Get returns a project.
func (s *Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.projects.GetProjectByID(ctx, projectID)
}

// BuildConfig returns the overrides the builder applies to a project.
func (s *Service) BuildConfig(ctx context.Context, projectID string) (controlplane.BuildConfig, error) {
	p, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return controlplane.BuildConfig{}, err
	}
	return controlplane.BuildConfig{
		RepoURL:         p.RepoURL,
		DefaultBranch:   p.DefaultBranch,
		Framework:       p.Framework,
		InstallCommand:  deref(p.InstallCommand),
		BuildCommand:    deref(p.BuildCommand),
		OutputDirectory: p.OutputDirectory,
		RootDirectory:   p.RootDirectory,
	}, nil
}

// PutDomain attaches a custom hostname to a project.
func (s *Service) PutDomain(ctx context.Context, projectID, hostname string, verified bool) (*domain.CustomDomain, error) {
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	if host == "" || !strings.Contains(host, ".") || strings.ContainsAny(host, ":/ ") {
		return nil, fmt.Errorf("%w: invalid hostname %q", ErrInvalidArgument, hostname)
	}
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	d := &domain.CustomDomain{Hostname: host, ProjectID: projectID, Verified: verified}
	if err := s.domains.UpsertDomain(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info("domain saved", "project_id", projectID, "hostname", host, "verified", verified)
	return d, nil
}

// Domain looks up a custom hostname.
func (s *Service) Domain(ctx context.Context, hostname string) (*domain.CustomDomain, error) {
	return s.domains.GetDomain(ctx, strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), "."))
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
