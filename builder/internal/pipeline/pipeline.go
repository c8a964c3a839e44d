// Package pipeline implements the sequential build stages that turn a
// repository checkout into a sealed artifact prefix.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/splax/localvercel/builder/internal/git"
	"github.com/splax/localvercel/builder/internal/workspace"
	"github.com/splax/localvercel/pkg/artifact"
	"github.com/splax/localvercel/pkg/controlplane"
)

// Stage names reported to the control plane.
const (
	StageValidate  = "validate"
	StageWorkspace = "workspace"
	StageClone     = "clone"
	StageDetect    = "detect"
	StageInstall   = "install"
	StageBuild     = "build"
	StageVerify    = "verify"
	StagePackage   = "package"
)

// StageError records which stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the failing stage carried by err, or fallback.
func StageOf(err error, fallback string) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return fallback
}

// Runner executes a shell command in dir.
type Runner interface {
	Run(ctx context.Context, dir, command string, env []string, onLine func(string)) error
}

// Cloner checks out a source into dest.
type Cloner func(ctx context.Context, src git.Source, dest string, onLine func(string)) error

// Timeouts bounds each stage. Zero disables the bound.
type Timeouts struct {
	Clone   time.Duration
	Install time.Duration
	Build   time.Duration
	Upload  time.Duration
}

// DefaultTimeouts are used for unset fields.
var DefaultTimeouts = Timeouts{
	Clone:   5 * time.Minute,
	Install: 10 * time.Minute,
	Build:   30 * time.Minute,
	Upload:  10 * time.Minute,
}

// Pipeline runs build stages against a working directory.
type Pipeline struct {
	runner   Runner
	store    artifact.Store
	clone    Cloner
	timeouts Timeouts
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithCloner replaces git cloning, mainly for tests.
func WithCloner(c Cloner) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clone = c
		}
	}
}

// New builds a Pipeline. Zero timeouts fall back to DefaultTimeouts.
func New(runner Runner, store artifact.Store, timeouts Timeouts, opts ...Option) *Pipeline {
	if timeouts.Clone <= 0 {
		timeouts.Clone = DefaultTimeouts.Clone
	}
	if timeouts.Install <= 0 {
		timeouts.Install = DefaultTimeouts.Install
	}
	if timeouts.Build <= 0 {
		timeouts.Build = DefaultTimeouts.Build
	}
	if timeouts.Upload <= 0 {
		timeouts.Upload = DefaultTimeouts.Upload
	}
	p := &Pipeline{runner: runner, store: store, clone: git.Clone, timeouts: timeouts}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Clone fetches src into dir.
func (p *Pipeline) Clone(ctx context.Context, src git.Source, dir string, onLine func(string)) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Clone)
	defer cancel()
	return stageErr(StageClone, p.clone(ctx, src, dir, onLine))
}

// Detect resolves the build plan for the checkout in dir. Repository
// settings override detection and project settings override both.
func (p *Pipeline) Detect(dir string, project controlplane.BuildConfig) (Plan, error) {
	repo, err := LoadRepoOverrides(dir)
	if err != nil {
		return Plan{}, stageErr(StageDetect, err)
	}
	plan, err := ResolvePlan(dir, repo, ProjectOverrides(project))
	return plan, stageErr(StageDetect, err)
}

// Install runs the plan's install command. An empty command is skipped.
func (p *Pipeline) Install(ctx context.Context, plan Plan, onLine func(string)) error {
	return p.run(ctx, StageInstall, p.timeouts.Install, plan.RootDir, plan.Install, plan.Env, onLine)
}

// Build runs the plan's build command. An empty command is skipped.
func (p *Pipeline) Build(ctx context.Context, plan Plan, onLine func(string)) error {
	return p.run(ctx, StageBuild, p.timeouts.Build, plan.RootDir, plan.Build, plan.Env, onLine)
}

func (p *Pipeline) run(ctx context.Context, stage string, timeout time.Duration, dir, command string, env []string, onLine func(string)) error {
	if command == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return stageErr(stage, p.runner.Run(ctx, dir, command, env, onLine))
}

// Verify checks the output directory exists inside the root directory and
// returns its resolved path.
func (p *Pipeline) Verify(plan Plan) (string, error) {
	out, err := workspace.Within(plan.RootDir, plan.OutputDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", stageErr(StageVerify, fmt.Errorf("output directory %q not found", plan.OutputDir))
		}
		return "", stageErr(StageVerify, fmt.Errorf("output directory %q: %w", plan.OutputDir, err))
	}
	info, err := os.Stat(out)
	if err != nil {
		return "", stageErr(StageVerify, err)
	}
	if !info.IsDir() {
		return "", stageErr(StageVerify, fmt.Errorf("output %q is not a directory", plan.OutputDir))
	}
	return out, nil
}

// Package uploads outDir under the deployment prefix and seals it.
func (p *Pipeline) Package(ctx context.Context, outDir string, manifest artifact.Manifest) (artifact.UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Upload)
	defer cancel()
	prefix := artifact.DeploymentPrefix(manifest.ProjectID, manifest.DeploymentID)
	res, err := artifact.UploadDir(ctx, p.store, prefix, outDir)
	if errors.Is(err, artifact.ErrSealed) {
		return p.resealed(ctx, prefix, manifest, err)
	}
	if err != nil {
		return res, stageErr(StagePackage, err)
	}
	manifest.FileCount = res.FileCount
	manifest.TotalBytes = res.TotalBytes
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}
	if err := artifact.Seal(ctx, p.store, prefix, manifest); err != nil {
		if errors.Is(err, artifact.ErrSealed) {
			return p.resealed(ctx, prefix, manifest, err)
		}
		return res, stageErr(StagePackage, err)
	}
	return res, nil
}

// resealed handles a redelivered job whose prefix is already sealed. A seal
// written for the same deployment and commit counts as this job's upload.
func (p *Pipeline) resealed(ctx context.Context, prefix string, want artifact.Manifest, sealedErr error) (artifact.UploadResult, error) {
	got, err := artifact.ReadManifest(ctx, p.store, prefix)
	if err != nil {
		return artifact.UploadResult{}, stageErr(StagePackage, fmt.Errorf("%w: read manifest: %v", sealedErr, err))
	}
	if got.DeploymentID != want.DeploymentID || got.ProjectID != want.ProjectID || got.CommitSHA != want.CommitSHA {
		return artifact.UploadResult{}, stageErr(StagePackage, sealedErr)
	}
	return artifact.UploadResult{FileCount: got.FileCount, TotalBytes: got.TotalBytes}, nil
}
