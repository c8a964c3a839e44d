// Package git fetches repository sources for a build.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/splax/localvercel/builder/internal/shell"
)

// ErrInvalidSource is returned for sources git could read as options.
var ErrInvalidSource = errors.New("git: invalid source")

// Source identifies what to check out.
type Source struct {
	RepoURL string
	Branch  string
	Commit  string
}

// Clone performs a shallow clone of src into dest, which must exist and be
// empty. When Commit is set and differs from the branch head, that commit is
// fetched and checked out detached.
func Clone(ctx context.Context, src Source, dest string, onLine func(string)) error {
	if strings.TrimSpace(src.RepoURL) == "" {
		return errors.New("repository URL cannot be empty")
	}
	if dest == "" {
		return errors.New("destination cannot be empty")
	}
	if strings.HasPrefix(src.RepoURL, "-") {
		return fmt.Errorf("%w: repository URL %q", ErrInvalidSource, src.RepoURL)
	}
	commit := strings.TrimSpace(src.Commit)
	if strings.HasPrefix(commit, "-") || strings.HasPrefix(strings.TrimSpace(src.Branch), "-") {
		return fmt.Errorf("%w: branch and commit cannot start with '-'", ErrInvalidSource)
	}
	args := []string{"clone", "--depth", "1"}
	if branch := strings.TrimSpace(src.Branch); branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, "--", src.RepoURL, ".")
	if _, err := run(ctx, dest, onLine, args...); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}

	if commit == "" {
		return nil
	}
	head, err := run(ctx, dest, nil, "rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("git rev-parse failed: %w", err)
	}
	if strings.HasPrefix(head, commit) {
		return nil
	}
	if _, err := run(ctx, dest, onLine, "fetch", "--depth", "1", "--", "origin", commit); err != nil {
		// Servers that refuse fetching by SHA still allow walking full history.
		if _, err := run(ctx, dest, onLine, "fetch", "--unshallow", "origin"); err != nil {
			return fmt.Errorf("git fetch %s failed: %w", commit, err)
		}
	}
	if _, err := run(ctx, dest, onLine, "checkout", "--detach", commit, "--"); err != nil {
		return fmt.Errorf("git checkout %s failed: %w", commit, err)
	}
	return nil
}

// Head returns the checked out commit SHA.
func Head(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, nil, "rev-parse", "HEAD")
}

func run(ctx context.Context, dir string, onLine func(string), args ...string) (string, error) {
	cmd := shell.Command(ctx, dir, "git", args...)
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=", "SSH_ASKPASS=")
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = shell.NewLineWriter(onLine)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("git %s: %w", args[0], ctxErr)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(out.String()), nil
}
