// Package deploy executes build jobs: it drives the pipeline stages for one
// deployment and reports progress to the control plane.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/localvercel/builder/internal/git"
	"github.com/splax/localvercel/builder/internal/pipeline"
	"github.com/splax/localvercel/pkg/artifact"
	"github.com/splax/localvercel/pkg/controlplane"
	"github.com/splax/localvercel/pkg/queue"
)

const defaultCallbackTimeout = 10 * time.Second

// ControlPlane is the subset of the control plane client the builder uses.
type ControlPlane interface {
	Deployment(ctx context.Context, deploymentID string) (controlplane.Deployment, error)
	BuildConfig(ctx context.Context, projectID string) (controlplane.BuildConfig, error)
	ReportStatus(ctx context.Context, update controlplane.StatusUpdate) error
}

// Stages runs the individual build steps.
type Stages interface {
	Clone(ctx context.Context, src git.Source, dir string, onLine func(string)) error
	Detect(dir string, project controlplane.BuildConfig) (pipeline.Plan, error)
	Install(ctx context.Context, plan pipeline.Plan, onLine func(string)) error
	Build(ctx context.Context, plan pipeline.Plan, onLine func(string)) error
	Verify(plan pipeline.Plan) (string, error)
	Package(ctx context.Context, outDir string, manifest artifact.Manifest) (artifact.UploadResult, error)
}

// Workspace hands out working directories.
type Workspace interface {
	Prepare(identifier string) (string, error)
	Cleanup(path string) error
}

// Settings configures artifact URLs and callbacks.
type Settings struct {
	RootDomain      string
	PublicScheme    string
	CallbackTimeout time.Duration
}

// Outcome summarises one executed job.
type Outcome struct {
	DeploymentID string
	Status       string
	Stage        string
	ArtifactURL  string
	FileCount    int
	TotalBytes   int64
	Skipped      bool
	// Unreported is set when the terminal status did not reach the control
	// plane. The delivery must then stay unacknowledged for redelivery.
	Unreported   bool
	Err          error
}

// Service coordinates the build of a single deployment.
type Service struct {
	stages    Stages
	workspace Workspace
	control   ControlPlane
	logger    *slog.Logger
	settings  Settings
}

// New constructs a Service.
func New(stages Stages, ws Workspace, control ControlPlane, logger *slog.Logger, settings Settings) *Service {
	if settings.CallbackTimeout <= 0 {
		settings.CallbackTimeout = defaultCallbackTimeout
	}
	if settings.PublicScheme == "" {
		settings.PublicScheme = "https"
	}
	return &Service{stages: stages, workspace: ws, control: control, logger: logger, settings: settings}
}

// ArtifactURL returns the public address of a deployment.
func (s *Service) ArtifactURL(job queue.Job) string {
	return fmt.Sprintf("%s://%s-%s.%s", s.settings.PublicScheme, job.DeploymentID, job.ProjectID, s.settings.RootDomain)
}

// ExecuteJob builds job to completion. Except for duplicate deliveries of
// finished deployments, the deployment always ends success or failed, and
// the working directory is always removed.
func (s *Service) ExecuteJob(ctx context.Context, job queue.Job) (out Outcome) {
	out = Outcome{DeploymentID: job.DeploymentID}
	log := s.logger.With("deployment_id", job.DeploymentID, "project_id", job.ProjectID)

	if err := job.Validate(); err != nil {
		return s.fail(ctx, job, pipeline.StageValidate, err, nil)
	}
	if current, err := s.control.Deployment(ctx, job.DeploymentID); err == nil {
		if controlplane.Terminal(current.Status) {
			log.Info("skipping finished deployment", "status", current.Status)
			return Outcome{DeploymentID: job.DeploymentID, Status: current.Status, Skipped: true}
		}
	} else if errors.Is(err, controlplane.ErrNotFound) {
		log.Warn("skipping unknown deployment", "error", err)
		return Outcome{DeploymentID: job.DeploymentID, Skipped: true, Err: err}
	} else {
		log.Warn("deployment lookup failed, building anyway", "error", err)
	}

	logs := newBuildLogAggregator(func(line string) {
		log.Debug("build output", "line", line)
	})
	stage := pipeline.StageWorkspace
	defer func() {
		if r := recover(); r != nil {
			log.Error("build panicked", "stage", stage, "panic", r, "stack", string(debug.Stack()))
			out = s.fail(ctx, job, stage, fmt.Errorf("panic during %s: %v", stage, r), logs)
		}
	}()

	s.notify(ctx, job, controlplane.StatusUpdate{Status: controlplane.StatusBuilding, Stage: stage, Message: "preparing workspace"})
	workdir, err := s.workspace.Prepare(job.DeploymentID)
	if err != nil {
		return s.fail(ctx, job, stage, err, logs)
	}
	defer func() {
		if err := s.workspace.Cleanup(workdir); err != nil {
			log.Error("workspace cleanup failed", "error", err)
		}
	}()

	stage = pipeline.StageClone
	s.notify(ctx, job, controlplane.StatusUpdate{Status: controlplane.StatusBuilding, Stage: stage, Message: "cloning repository"})
	src := git.Source{RepoURL: job.RepoURL, Branch: job.Branch, Commit: job.CommitSHA}
	if err := s.stages.Clone(ctx, src, workdir, logs.Add); err != nil {
		return s.fail(ctx, job, stage, err, logs)
	}

	stage = pipeline.StageDetect
	project, err := s.control.BuildConfig(ctx, job.ProjectID)
	if err != nil && !errors.Is(err, controlplane.ErrNotFound) {
		return s.fail(ctx, job, stage, fmt.Errorf("load build config: %w", err), logs)
	}
	plan, err := s.stages.Detect(workdir, project)
	if err != nil {
		return s.fail(ctx, job, stage, err, logs)
	}
	log.Info("build plan resolved", "framework", plan.Framework, "install", plan.Install, "build", plan.Build, "output", plan.OutputDir)
	s.notify(ctx, job, controlplane.StatusUpdate{
		Status:    controlplane.StatusBuilding,
		Stage:     stage,
		Message:   fmt.Sprintf("detected %s", plan.Framework),
		Framework: string(plan.Framework),
		Metadata: map[string]any{
			"install_command":  plan.Install,
			"build_command":    plan.Build,
			"output_directory": plan.OutputDir,
			"package_manager":  string(plan.PackageManager),
		},
	})

	stage = pipeline.StageInstall
	if plan.Install != "" {
		s.notify(ctx, job, controlplane.StatusUpdate{Status: controlplane.StatusBuilding, Stage: stage, Message: plan.Install})
	}
	if err := s.stages.Install(ctx, plan, logs.Add); err != nil {
		return s.fail(ctx, job, stage, err, logs)
	}

	stage = pipeline.StageBuild
	if plan.Build != "" {
		s.notify(ctx, job, controlplane.StatusUpdate{Status: controlplane.StatusBuilding, Stage: stage, Message: plan.Build})
	}
	if err := s.stages.Build(ctx, plan, logs.Add); err != nil {
		return s.fail(ctx, job, stage, err, logs)
	}
	logs.Flush()

	stage = pipeline.StageVerify
	outDir, err := s.stages.Verify(plan)
	if err != nil {
		return s.fail(ctx, job, stage, err, logs)
	}

	stage = pipeline.StagePackage
	s.notify(ctx, job, controlplane.StatusUpdate{Status: controlplane.StatusBuilding, Stage: stage, Message: "uploading artifact"})
	res, err := s.stages.Package(ctx, outDir, artifact.Manifest{
		DeploymentID: job.DeploymentID,
		ProjectID:    job.ProjectID,
		CommitSHA:    job.CommitSHA,
		Framework:    string(plan.Framework),
	})
	if err != nil {
		return s.fail(ctx, job, stage, err, logs)
	}

	url := s.ArtifactURL(job)
	reportErr := s.notify(ctx, job, controlplane.StatusUpdate{
		Status:      controlplane.StatusSuccess,
		Stage:       stage,
		Message:     "deployment ready",
		ArtifactURL: url,
		FileCount:   res.FileCount,
		BuildSize:   res.TotalBytes,
		Framework:   string(plan.Framework),
	})
	log.Info("deployment built", "artifact_url", url, "files", res.FileCount, "bytes", res.TotalBytes)
	return Outcome{
		DeploymentID: job.DeploymentID,
		Status:       controlplane.StatusSuccess,
		Stage:        stage,
		ArtifactURL:  url,
		FileCount:    res.FileCount,
		TotalBytes:   res.TotalBytes,
		Unreported:   undelivered(reportErr),
	}
}

func (s *Service) fail(ctx context.Context, job queue.Job, stage string, err error, logs *buildLogAggregator) Outcome {
	stage = pipeline.StageOf(err, stage)
	message := err.Error()
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		message = "builder shutting down: " + message
	}
	s.logger.Error("deployment stage failed", "deployment_id", job.DeploymentID, "project_id", job.ProjectID, "stage", stage, "error", err)

	logs.Flush()
	var metadata map[string]any
	if tail := logs.Snapshot(failureLogTail); len(tail) > 0 {
		metadata = map[string]any{"log_tail": truncateForMetadata(strings.Join(tail, "\n"))}
	}
	reportErr := s.notify(ctx, job, controlplane.StatusUpdate{
		Status:   controlplane.StatusFailed,
		Stage:    stage,
		Message:  truncateForMetadata(message),
		Error:    truncateForMetadata(err.Error()),
		Metadata: metadata,
	})
	return Outcome{
		DeploymentID: job.DeploymentID,
		Status:       controlplane.StatusFailed,
		Stage:        stage,
		Unreported:   undelivered(reportErr),
		Err:          err,
	}
}

// notify reports a status change. Delivery failures are logged, not retried.
// The report outlives ctx so a shutdown still records the final status.
func (s *Service) notify(ctx context.Context, job queue.Job, update controlplane.StatusUpdate) error {
	if s.control == nil || job.DeploymentID == "" {
		return nil
	}
	update.DeploymentID = job.DeploymentID
	update.ProjectID = job.ProjectID
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settings.CallbackTimeout)
	defer cancel()
	if err := s.control.ReportStatus(callCtx, update); err != nil {
		s.logger.Warn("status callback failed", "deployment_id", job.DeploymentID, "status", update.Status, "stage", update.Stage, "error", err)
		return err
	}
	return nil
}

// undelivered reports whether a terminal callback error leaves the control
// plane without the final status. A refused update means the deployment is
// already terminal, and a missing one has nothing to update.
func undelivered(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, controlplane.ErrInvalidArgument) && !errors.Is(err, controlplane.ErrNotFound)
}
