package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/localvercel/api/internal/domain"
	"github.com/splax/localvercel/api/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.DomainRepository     = (*Repository)(nil)
	_ repository.FunctionRepository   = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
)

type scanner interface {
	Scan(dest ...any) error
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ForeignKeyViolation:
			return repository.ErrNotFound
		case pgerrcode.UniqueViolation, pgerrcode.CheckViolation:
			return repository.ErrConflict
		}
	}
	return err
}

// UpsertProject inserts or replaces a project's build settings.
func (r *Repository) UpsertProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, repo_url, default_branch, framework, install_command, build_command, output_directory, root_directory)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			repo_url = EXCLUDED.repo_url,
			default_branch = EXCLUDED.default_branch,
			framework = EXCLUDED.framework,
			install_command = EXCLUDED.install_command,
			build_command = EXCLUDED.build_command,
			output_directory = EXCLUDED.output_directory,
			root_directory = EXCLUDED.root_directory,
			updated_at = NOW()
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		project.ID,
		project.Name,
		project.RepoURL,
		project.DefaultBranch,
		project.Framework,
		project.InstallCommand,
		project.BuildCommand,
		project.OutputDirectory,
		project.RootDirectory,
	).Scan(&project.CreatedAt, &project.UpdatedAt)
	return mapError(err)
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, repo_url, default_branch, framework, install_command, build_command, output_directory, root_directory, created_at, updated_at
		FROM projects WHERE id = $1`
	var p domain.Project
	err := r.pool.QueryRow(ctx, query, projectID).Scan(
		&p.ID,
		&p.Name,
		&p.RepoURL,
		&p.DefaultBranch,
		&p.Framework,
		&p.InstallCommand,
		&p.BuildCommand,
		&p.OutputDirectory,
		&p.RootDirectory,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

const deploymentColumns = `id, project_id, commit_sha, branch, status, stage, message, error, artifact_url,
	file_count, build_size, framework, metadata, created_at, started_at, completed_at, updated_at`

func scanDeployment(row scanner) (*domain.Deployment, error) {
	var (
		d        domain.Deployment
		metadata []byte
	)
	if err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.CommitSHA,
		&d.Branch,
		&d.Status,
		&d.Stage,
		&d.Message,
		&d.Error,
		&d.ArtifactURL,
		&d.FileCount,
		&d.BuildSize,
		&d.Framework,
		&metadata,
		&d.CreatedAt,
		&d.StartedAt,
		&d.CompletedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		d.Metadata = json.RawMessage(metadata)
	}
	return &d, nil
}

// CreateDeployment inserts a deployment row.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, commit_sha, branch, status, stage, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, d.ID, d.ProjectID, d.CommitSHA, d.Branch, d.Status, d.Stage, d.Message, createdAt)
	if err != nil {
		return mapError(err)
	}
	d.CreatedAt = createdAt
	d.UpdatedAt = createdAt
	return nil
}

// UpdateDeploymentStatus applies a status transition. The WHERE clause
// refuses to move a terminal deployment back to queued or building.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, u domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	const query = `UPDATE deployments SET
			status = $2,
			stage = COALESCE(NULLIF($3, ''), stage),
			message = $4,
			error = CASE WHEN $2 = 'failed' THEN $5 WHEN $2 = 'success' THEN '' ELSE error END,
			artifact_url = COALESCE(NULLIF($6, ''), artifact_url),
			file_count = CASE WHEN $7::integer > 0 THEN $7::integer ELSE file_count END,
			build_size = CASE WHEN $8::bigint > 0 THEN $8::bigint ELSE build_size END,
			framework = COALESCE(NULLIF($9, ''), framework),
			metadata = COALESCE($10, metadata),
			started_at = CASE WHEN $2 = 'building' THEN COALESCE(started_at, $11) ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('success', 'failed') THEN $11 ELSE completed_at END,
			updated_at = $11
		WHERE id = $1
			AND NOT (status IN ('success', 'failed') AND $2 IN ('queued', 'building'))
		RETURNING ` + deploymentColumns
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var metadata []byte
	if len(u.Metadata) > 0 {
		metadata = u.Metadata
	}
	d, err := scanDeployment(r.pool.QueryRow(ctx, query,
		u.DeploymentID,
		u.Status,
		u.Stage,
		u.Message,
		u.Error,
		u.ArtifactURL,
		u.FileCount,
		u.BuildSize,
		u.Framework,
		metadata,
		at,
	))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(err)
	}
	current, lookupErr := r.GetDeploymentByID(ctx, u.DeploymentID)
	if lookupErr != nil {
		return nil, lookupErr
	}
	return current, repository.ErrConflict
}

// GetDeploymentByID loads a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	d, err := scanDeployment(r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, deploymentID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// ListDeploymentsByProject fetches recent deployments for a project, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `SELECT `+deploymentColumns+`
		FROM deployments WHERE project_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// GetLatestSuccessfulDeployment returns the most recently created successful deployment.
func (r *Repository) GetLatestSuccessfulDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	d, err := scanDeployment(r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+`
		FROM deployments WHERE project_id = $1 AND status = 'success'
		ORDER BY created_at DESC, id DESC LIMIT 1`, projectID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// UpsertDomain stores a custom hostname mapping.
func (r *Repository) UpsertDomain(ctx context.Context, d *domain.CustomDomain) error {
	const query = `INSERT INTO domains (hostname, project_id, verified)
		VALUES ($1, $2, $3)
		ON CONFLICT (hostname) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			verified = EXCLUDED.verified,
			updated_at = NOW()
		RETURNING created_at, updated_at`
	d.Hostname = strings.ToLower(strings.TrimSpace(d.Hostname))
	return mapError(r.pool.QueryRow(ctx, query, d.Hostname, d.ProjectID, d.Verified).Scan(&d.CreatedAt, &d.UpdatedAt))
}

// GetDomain looks up a hostname.
func (r *Repository) GetDomain(ctx context.Context, hostname string) (*domain.CustomDomain, error) {
	const query = `SELECT hostname, project_id, verified, created_at, updated_at FROM domains WHERE hostname = $1`
	var d domain.CustomDomain
	err := r.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(hostname))).Scan(
		&d.Hostname, &d.ProjectID, &d.Verified, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &d, nil
}

const functionColumns = `project_id, name, language, code, is_active, invocation_count, timeout_ms, created_at, updated_at`

func scanFunction(row scanner) (*domain.Function, error) {
	var fn domain.Function
	if err := row.Scan(
		&fn.ProjectID,
		&fn.Name,
		&fn.Language,
		&fn.Code,
		&fn.IsActive,
		&fn.InvocationCount,
		&fn.TimeoutMs,
		&fn.CreatedAt,
		&fn.UpdatedAt,
	); err != nil {
		return nil, mapError(err)
	}
	return &fn, nil
}

// UpsertFunction registers function source. The active flag and invocation
// counter of an existing function are preserved.
func (r *Repository) UpsertFunction(ctx context.Context, fn *domain.Function) error {
	const query = `INSERT INTO functions (project_id, name, language, code, is_active, timeout_ms)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (project_id, name) DO UPDATE SET
			language = EXCLUDED.language,
			code = EXCLUDED.code,
			timeout_ms = EXCLUDED.timeout_ms,
			updated_at = NOW()
		RETURNING ` + functionColumns
	stored, err := scanFunction(r.pool.QueryRow(ctx, query, fn.ProjectID, fn.Name, fn.Language, fn.Code, fn.TimeoutMs))
	if err != nil {
		return err
	}
	*fn = *stored
	return nil
}

// GetFunction loads a function including its source.
func (r *Repository) GetFunction(ctx context.Context, projectID, name string) (*domain.Function, error) {
	return scanFunction(r.pool.QueryRow(ctx, `SELECT `+functionColumns+` FROM functions WHERE project_id = $1 AND name = $2`, projectID, name))
}

// SetFunctionActive toggles a function.
func (r *Repository) SetFunctionActive(ctx context.Context, projectID, name string, active bool) (*domain.Function, error) {
	return scanFunction(r.pool.QueryRow(ctx, `UPDATE functions SET is_active = $3, updated_at = NOW()
		WHERE project_id = $1 AND name = $2
		RETURNING `+functionColumns, projectID, name, active))
}

// IncrementInvocations bumps the invocation counter.
func (r *Repository) IncrementInvocations(ctx context.Context, projectID, name string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE functions SET invocation_count = invocation_count + 1
		WHERE project_id = $1 AND name = $2`, projectID, name)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertWebhook stores a sealed webhook secret.
func (r *Repository) UpsertWebhook(ctx context.Context, projectID, sealedSecret string) error {
	const query = `INSERT INTO project_webhooks (project_id, secret)
		VALUES ($1, $2)
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, projectID, sealedSecret)
	return mapError(err)
}

// GetWebhookSecret returns the sealed webhook secret.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) (string, error) {
	var secret string
	if err := r.pool.QueryRow(ctx, `SELECT secret FROM project_webhooks WHERE project_id = $1`, projectID).Scan(&secret); err != nil {
		return "", mapError(err)
	}
	return secret, nil
}
