//go:build integration

package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/splax/localvercel/api/internal/app/migrate"
	"github.com/splax/localvercel/api/internal/domain"
	"github.com/splax/localvercel/api/internal/repository"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("peep"),
		tcpostgres.WithUsername("peep"),
		tcpostgres.WithPassword("peep"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	runner, err := migrate.New(dsn, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrate runner: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return New(pool)
}

func TestDeploymentLifecycleIsMonotone(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.UpsertProject(ctx, &domain.Project{ID: "proj", Name: "proj", RepoURL: "https://example.com/r.git"}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	dep := &domain.Deployment{ID: "d1", ProjectID: "proj", CommitSHA: "abc123", Branch: "main", Status: "queued", Stage: "queue"}
	if err := repo.CreateDeployment(ctx, dep); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	if err := repo.CreateDeployment(ctx, dep); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
	orphan := &domain.Deployment{ID: "d2", ProjectID: "missing", CommitSHA: "abc", Branch: "main", Status: "queued"}
	if err := repo.CreateDeployment(ctx, orphan); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for unknown project, got %v", err)
	}

	now := time.Now().UTC()
	building, err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "d1", Status: "building", Stage: "clone", At: now})
	if err != nil {
		t.Fatalf("mark building: %v", err)
	}
	if building.StartedAt == nil {
		t.Fatalf("expected started_at to be set")
	}

	done, err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "d1",
		Status:       "success",
		Stage:        "complete",
		ArtifactURL:  "proj/d1/",
		FileCount:    3,
		BuildSize:    42,
		Metadata:     []byte(`{"framework":"static"}`),
		At:           now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if done.CompletedAt == nil || done.FileCount != 3 || done.ArtifactURL != "proj/d1/" {
		t.Fatalf("unexpected terminal row: %+v", done)
	}

	current, err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "d1", Status: "building", At: now.Add(2 * time.Second)})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict reverting terminal status, got %v", err)
	}
	if current == nil || current.Status != "success" {
		t.Fatalf("expected current success row, got %+v", current)
	}

	if _, err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "nope", Status: "failed"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	latest, err := repo.GetLatestSuccessfulDeployment(ctx, "proj")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "d1" {
		t.Fatalf("expected d1, got %s", latest.ID)
	}

	list, err := repo.ListDeploymentsByProject(ctx, "proj", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one deployment, got %d", len(list))
	}
}

func TestFunctionsAndDomains(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.UpsertProject(ctx, &domain.Project{ID: "proj", RepoURL: "https://example.com/r.git"}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}

	fn := &domain.Function{ProjectID: "proj", Name: "sum", Language: "javascript", Code: "return 1;"}
	if err := repo.UpsertFunction(ctx, fn); err != nil {
		t.Fatalf("upsert function: %v", err)
	}
	if !fn.IsActive {
		t.Fatalf("expected new function to be active")
	}
	if _, err := repo.SetFunctionActive(ctx, "proj", "sum", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := repo.IncrementInvocations(ctx, "proj", "sum"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	fn.Code = "return 2;"
	if err := repo.UpsertFunction(ctx, fn); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if fn.IsActive || fn.InvocationCount != 1 || fn.Code != "return 2;" {
		t.Fatalf("re-register should keep flag and counter: %+v", fn)
	}
	if err := repo.IncrementInvocations(ctx, "proj", "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := repo.UpsertDomain(ctx, &domain.CustomDomain{Hostname: "Shop.Example.com", ProjectID: "proj", Verified: true}); err != nil {
		t.Fatalf("upsert domain: %v", err)
	}
	d, err := repo.GetDomain(ctx, "shop.example.com")
	if err != nil {
		t.Fatalf("get domain: %v", err)
	}
	if d.ProjectID != "proj" || !d.Verified {
		t.Fatalf("unexpected domain: %+v", d)
	}

	if err := repo.UpsertWebhook(ctx, "proj", "sealed"); err != nil {
		t.Fatalf("upsert webhook: %v", err)
	}
	secret, err := repo.GetWebhookSecret(ctx, "proj")
	if err != nil || secret != "sealed" {
		t.Fatalf("unexpected webhook secret %q: %v", secret, err)
	}
}
