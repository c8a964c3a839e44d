package queue

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidSource is wrapped by source validation failures.
var ErrInvalidSource = errors.New("queue: invalid source")

var (
	commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._/-]*$`)
	// user@host:path, the scp-like ssh form.
	scpPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9_~/.][^\s]*$`)
)

var repoSchemes = map[string]bool{"https": true, "http": true, "ssh": true, "git": true, "file": true}

// ValidateCommitSHA accepts an empty value or an abbreviated or full hex SHA.
func ValidateCommitSHA(sha string) error {
	if sha == "" || commitPattern.MatchString(sha) {
		return nil
	}
	return fmt.Errorf("%w: commit must be 4-40 hex characters", ErrInvalidSource)
}

// ValidateBranch accepts an empty value or a ref name that cannot be read as
// a git option.
func ValidateBranch(branch string) error {
	if branch == "" {
		return nil
	}
	if !branchPattern.MatchString(branch) || strings.Contains(branch, "..") || strings.HasSuffix(branch, "/") {
		return fmt.Errorf("%w: invalid branch name %q", ErrInvalidSource, branch)
	}
	return nil
}

// ValidateRepoURL accepts https, http, ssh, git and file URLs plus the
// scp-like user@host:path form. Other git transports are refused.
func ValidateRepoURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: repository URL is required", ErrInvalidSource)
	}
	if strings.HasPrefix(raw, "-") || strings.ContainsAny(raw, " \t\r\n") {
		return fmt.Errorf("%w: invalid repository URL", ErrInvalidSource)
	}
	if scpPattern.MatchString(raw) && !strings.Contains(raw, "://") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !repoSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("%w: repository URL must use https, ssh, git or file", ErrInvalidSource)
	}
	if u.Scheme != "file" && u.Host == "" {
		return fmt.Errorf("%w: repository URL has no host", ErrInvalidSource)
	}
	if strings.HasPrefix(u.Host, "-") || strings.HasPrefix(u.User.Username(), "-") {
		return fmt.Errorf("%w: invalid repository host", ErrInvalidSource)
	}
	if u.Scheme == "file" && u.Path == "" {
		return fmt.Errorf("%w: file repository URL has no path", ErrInvalidSource)
	}
	return nil
}
