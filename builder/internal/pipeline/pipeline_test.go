//go:build unix

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/splax/localvercel/builder/internal/git"
	"github.com/splax/localvercel/builder/internal/shell"
	"github.com/splax/localvercel/pkg/artifact"
	"github.com/splax/localvercel/pkg/controlplane"
)

func copyCloner(files map[string]string) Cloner {
	return func(_ context.Context, _ git.Source, dest string, _ func(string)) error {
		for name, body := range files {
			if err := os.MkdirAll(filepath.Dir(filepath.Join(dest, name)), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(dest, name), []byte(body), 0o644); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestPipelineEchoBuildProducesIndex(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore("")
	p := New(shell.Runner{}, store, Timeouts{}, WithCloner(copyCloner(map[string]string{"README.md": "hi"})))
	dir := t.TempDir()

	if err := p.Clone(ctx, git.Source{RepoURL: "https://example.com/r.git", Branch: "main", Commit: "abc123"}, dir, nil); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	plan, err := p.Detect(dir, controlplane.BuildConfig{BuildCommand: "echo ok > index.html", OutputDirectory: "."})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if err := p.Install(ctx, plan, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := p.Build(ctx, plan, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}
	out, err := p.Verify(plan)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	res, err := p.Package(ctx, out, artifact.Manifest{ProjectID: "P", DeploymentID: "D1", CommitSHA: "abc123"})
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if res.FileCount != 2 {
		t.Fatalf("expected README and index, got %d files", res.FileCount)
	}

	rc, err := store.Get(ctx, "P/D1/index.html")
	if err != nil {
		t.Fatalf("expected P/D1/index.html: %v", err)
	}
	defer rc.Close()
	buf := make([]byte, 16)
	n, _ := rc.Read(buf)
	if strings.TrimSpace(string(buf[:n])) != "ok" {
		t.Fatalf("unexpected index contents %q", buf[:n])
	}
	manifest, err := artifact.ReadManifest(ctx, store, "P/D1")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if manifest.FileCount != 2 || manifest.CommitSHA != "abc123" || manifest.CreatedAt.IsZero() {
		t.Fatalf("unexpected manifest %+v", manifest)
	}

	if _, err := p.Package(ctx, out, artifact.Manifest{ProjectID: "P", DeploymentID: "D1"}); !errors.Is(err, artifact.ErrSealed) {
		t.Fatalf("expected sealed prefix to refuse upload, got %v", err)
	}

	// A redelivered job for the same deployment and commit reuses the seal.
	again, err := p.Package(ctx, out, artifact.Manifest{ProjectID: "P", DeploymentID: "D1", CommitSHA: "abc123"})
	if err != nil {
		t.Fatalf("Package on matching seal: %v", err)
	}
	if again.FileCount != res.FileCount || again.TotalBytes != res.TotalBytes {
		t.Fatalf("expected sealed counts %+v, got %+v", res, again)
	}
}

func TestPipelineBuildTimeout(t *testing.T) {
	p := New(shell.Runner{}, artifact.NewMemoryStore(""), Timeouts{Build: 100 * time.Millisecond})
	start := time.Now()
	err := p.Build(context.Background(), Plan{RootDir: t.TempDir(), Build: "sleep 30"}, nil)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if StageOf(err, "") != StageBuild {
		t.Fatalf("expected build stage error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("build not killed promptly")
	}
}

func TestPipelineVerifyMissingOutput(t *testing.T) {
	p := New(shell.Runner{}, artifact.NewMemoryStore(""), Timeouts{})
	_, err := p.Verify(Plan{RootDir: t.TempDir(), OutputDir: "dist"})
	if StageOf(err, "") != StageVerify || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected verify not found error, got %v", err)
	}
}

func TestPipelineVerifyRejectsFileOutput(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "dist"), "not a dir")
	p := New(shell.Runner{}, artifact.NewMemoryStore(""), Timeouts{})
	if _, err := p.Verify(Plan{RootDir: dir, OutputDir: "dist"}); err == nil {
		t.Fatal("expected error for file output")
	}
}

func TestPipelineCloneFailureCarriesStage(t *testing.T) {
	p := New(shell.Runner{}, artifact.NewMemoryStore(""), Timeouts{}, WithCloner(func(context.Context, git.Source, string, func(string)) error {
		return errors.New("repository not found")
	}))
	err := p.Clone(context.Background(), git.Source{RepoURL: "x"}, t.TempDir(), nil)
	if StageOf(err, "") != StageClone {
		t.Fatalf("expected clone stage error, got %v", err)
	}
}
