package repository

import (
	"context"

	"github.com/splax/localvercel/api/internal/domain"
)

// ProjectRepository persists project build settings.
type ProjectRepository interface {
	UpsertProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	// UpdateDeploymentStatus applies update unless it would move a terminal
	// deployment back to a non-terminal status, in which case ErrConflict is
	// returned and the row is left untouched.
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error)
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	GetLatestSuccessfulDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
}

// DomainRepository stores custom hostnames.
type DomainRepository interface {
	UpsertDomain(ctx context.Context, d *domain.CustomDomain) error
	GetDomain(ctx context.Context, hostname string) (*domain.CustomDomain, error)
}

// FunctionRepository stores project functions.
type FunctionRepository interface {
	UpsertFunction(ctx context.Context, fn *domain.Function) error
	GetFunction(ctx context.Context, projectID, name string) (*domain.Function, error)
	SetFunctionActive(ctx context.Context, projectID, name string, active bool) (*domain.Function, error)
	IncrementInvocations(ctx context.Context, projectID, name string) error
}

// WebhookRepository stores sealed webhook secrets.
type WebhookRepository interface {
	UpsertWebhook(ctx context.Context, projectID, sealedSecret string) error
	GetWebhookSecret(ctx context.Context, projectID string) (string, error)
}
