// Package deploy records deployments and hands build jobs to the queue.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/localvercel/api/internal/domain"
	"github.com/splax/localvercel/api/internal/repository"
	"github.com/splax/localvercel/pkg/controlplane"
	"github.com/splax/localvercel/pkg/queue"
)

// Stages recorded by the control plane itself.
const (
	StageQueue = "queue"
)

// Event types published on the deployment stream.
const (
	EventCreated = "deployment.created"
	EventUpdated = "deployment.updated"
)

var (
	// ErrInvalidArgument marks malformed trigger or callback input.
	ErrInvalidArgument = errors.New("deploy: invalid argument")
	// ErrEnqueue indicates the job could not be handed to the build queue.
	ErrEnqueue = errors.New("deploy: enqueue failed")
)

// Publisher receives deployment events for streaming.
type Publisher interface {
	Publish(projectID string, payload []byte)
}

// Event is the payload written to deployment stream subscribers.
type Event struct {
	Type       string                  `json:"type"`
	Deployment controlplane.Deployment `json:"deployment"`
	Timestamp  time.Time               `json:"timestamp"`
}

// TriggerRequest selects the commit to build. Empty fields fall back to the
// project's default branch.
type TriggerRequest struct {
	CommitSHA string `json:"commitSha"`
	Branch    string `json:"branch"`
}

// Settings tunes a Service.
type Settings struct {
	DefaultBranch string
	Retry         queue.RetryPolicy
}

// Service orchestrates deployment records and build jobs.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	queue       queue.Queue
	events      Publisher
	logger      *slog.Logger
	settings    Settings
	newID       func() string
	now         func() time.Time
}

// New returns a deployment service. events may be nil.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, q queue.Queue, events Publisher, logger *slog.Logger, settings Settings) *Service {
	if settings.DefaultBranch == "" {
		settings.DefaultBranch = "main"
	}
	return &Service{
		projects:    projects,
		deployments: deployments,
		queue:       q,
		events:      events,
		logger:      logger,
		settings:    settings,
		newID:       newDeploymentID,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// newDeploymentID returns a dash-free id so "{deployment}-{project}" hosts
// split unambiguously on the first dash.
func newDeploymentID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Trigger records a queued deployment and enqueues its build job. When the
// enqueue fails the deployment is marked failed and ErrEnqueue is returned
// along with it.
func (s *Service) Trigger(ctx context.Context, projectID string, req TriggerRequest) (*domain.Deployment, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", ErrInvalidArgument)
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = project.DefaultBranch
	}
	if branch == "" {
		branch = s.settings.DefaultBranch
	}
	commit := strings.TrimSpace(req.CommitSHA)
	if err := queue.ValidateCommitSHA(commit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := queue.ValidateBranch(branch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	now := s.now()
	deployment := &domain.Deployment{
		ID:        s.newID(),
		ProjectID: project.ID,
		CommitSHA: commit,
		Branch:    branch,
		Status:    controlplane.StatusQueued,
		Stage:     StageQueue,
		Message:   "deployment queued",
		CreatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.publish(EventCreated, deployment)

	job := queue.Job{
		DeploymentID: deployment.ID,
		ProjectID:    project.ID,
		CommitSHA:    deployment.CommitSHA,
		Branch:       deployment.Branch,
		RepoURL:      project.RepoURL,
		EnqueuedAt:   now,
	}
	if err := queue.EnqueueWithRetry(ctx, s.queue, job, s.settings.Retry); err != nil {
		s.logger.Error("enqueue build job failed", "deployment_id", deployment.ID, "project_id", project.ID, "error", err)
		failed, updateErr := s.deployments.UpdateDeploymentStatus(context.WithoutCancel(ctx), domain.DeploymentStatusUpdate{
			DeploymentID: deployment.ID,
			Status:       controlplane.StatusFailed,
			Stage:        StageQueue,
			Message:      "failed to enqueue build",
			Error:        err.Error(),
			At:           s.now(),
		})
		if updateErr != nil {
			s.logger.Warn("mark deployment failed", "deployment_id", deployment.ID, "error", updateErr)
		} else {
			deployment = failed
			s.publish(EventUpdated, deployment)
		}
		return deployment, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	s.logger.Info("deployment queued", "deployment_id", deployment.ID, "project_id", project.ID, "branch", branch, "commit", deployment.CommitSHA)
	return deployment, nil
}

// ProcessCallback applies a builder status update. A callback that would
// revert a terminal deployment returns the stored record with
// repository.ErrConflict.
func (s *Service) ProcessCallback(ctx context.Context, update controlplane.StatusUpdate) (*domain.Deployment, error) {
	if strings.TrimSpace(update.DeploymentID) == "" {
		return nil, fmt.Errorf("%w: deploymentId required", ErrInvalidArgument)
	}
	switch update.Status {
	case controlplane.StatusQueued, controlplane.StatusBuilding, controlplane.StatusSuccess, controlplane.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, update.Status)
	}

	current, err := s.deployments.GetDeploymentByID(ctx, update.DeploymentID)
	if err != nil {
		return nil, err
	}
	if update.ProjectID != "" && update.ProjectID != current.ProjectID {
		return nil, fmt.Errorf("%w: deployment %s does not belong to project %s", ErrInvalidArgument, update.DeploymentID, update.ProjectID)
	}

	var metadata json.RawMessage
	if len(update.Metadata) > 0 {
		raw, err := json.Marshal(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidArgument, err)
		}
		metadata = raw
	}

	updated, err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: update.DeploymentID,
		Status:       update.Status,
		Stage:        update.Stage,
		Message:      update.Message,
		Error:        update.Error,
		ArtifactURL:  update.ArtifactURL,
		FileCount:    update.FileCount,
		BuildSize:    update.BuildSize,
		Framework:    update.Framework,
		Metadata:     metadata,
		At:           s.now(),
	})
	if errors.Is(err, repository.ErrConflict) {
		s.logger.Info("ignored status regression", "deployment_id", update.DeploymentID, "status", update.Status, "current", statusOf(updated))
		return updated, err
	}
	if err != nil {
		return nil, err
	}

	fields := []any{"deployment_id", updated.ID, "project_id", updated.ProjectID, "status", updated.Status, "stage", updated.Stage}
	if updated.Error != "" {
		fields = append(fields, "error", updated.Error)
	}
	s.logger.Info("deployment progress", fields...)
	s.publish(EventUpdated, updated)
	return updated, nil
}

// Get returns one deployment.
func (s *Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByProject returns recent deployments for a project.
func (s *Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// LatestSuccessful returns the newest servable deployment of a project.
func (s *Service) LatestSuccessful(ctx context.Context, projectID string) (*domain.Deployment, error) {
	return s.deployments.GetLatestSuccessfulDeployment(ctx, projectID)
}

func (s *Service) publish(eventType string, d *domain.Deployment) {
	if s.events == nil || d == nil {
		return
	}
	payload, err := json.Marshal(Event{Type: eventType, Deployment: View(*d), Timestamp: s.now()})
	if err != nil {
		s.logger.Warn("encode deployment event", "deployment_id", d.ID, "error", err)
		return
	}
	s.events.Publish(d.ProjectID, payload)
}

func statusOf(d *domain.Deployment) string {
	if d == nil {
		return ""
	}
	return d.Status
}

// View converts a stored deployment to its wire representation.
func View(d domain.Deployment) controlplane.Deployment {
	return controlplane.Deployment{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		CommitSHA:   d.CommitSHA,
		Branch:      d.Branch,
		Status:      d.Status,
		Stage:       d.Stage,
		Message:     d.Message,
		Error:       d.Error,
		ArtifactURL: d.ArtifactURL,
		FileCount:   d.FileCount,
		BuildSize:   d.BuildSize,
		Framework:   d.Framework,
		CreatedAt:   d.CreatedAt,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
