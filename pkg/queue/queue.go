// Package queue carries build jobs from the control plane to builder workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmpty is returned by Dequeue when no job arrived within the poll window.
	ErrEmpty = errors.New("queue: empty")
	// ErrMalformed wraps payloads that cannot be decoded into a Job.
	ErrMalformed = errors.New("queue: malformed job")
)

// Job describes one deployment to build.
type Job struct {
	DeploymentID string    `json:"deploymentId"`
	ProjectID    string    `json:"projectId"`
	CommitSHA    string    `json:"commitSha"`
	Branch       string    `json:"branch"`
	RepoURL      string    `json:"repoUrl"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	Attempt      int       `json:"attempt"`
}

// Validate reports missing identifiers and source fields git could read as
// options.
func (j Job) Validate() error {
	var missing []string
	if strings.TrimSpace(j.DeploymentID) == "" {
		missing = append(missing, "deploymentId")
	}
	if strings.TrimSpace(j.ProjectID) == "" {
		missing = append(missing, "projectId")
	}
	if strings.TrimSpace(j.RepoURL) == "" {
		missing = append(missing, "repoUrl")
	}
	if strings.TrimSpace(j.Branch) == "" && strings.TrimSpace(j.CommitSHA) == "" {
		missing = append(missing, "branch or commitSha")
	}
	if len(missing) > 0 {
		return fmt.Errorf("job missing %s", strings.Join(missing, ", "))
	}
	if err := ValidateRepoURL(j.RepoURL); err != nil {
		return err
	}
	if err := ValidateBranch(j.Branch); err != nil {
		return err
	}
	return ValidateCommitSHA(j.CommitSHA)
}

// Delivery is a dequeued job that must be acknowledged once handled.
type Delivery struct {
	Job Job
	raw string
}

// Queue is a FIFO of build jobs with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Recover(ctx context.Context) (int, error)
	Len(ctx context.Context) (int64, error)
}

func encode(job Job) (string, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(payload), nil
}

// decode always returns a Delivery carrying raw so malformed payloads can still be acked.
func decode(raw string) (Delivery, error) {
	d := Delivery{raw: raw}
	if err := json.Unmarshal([]byte(raw), &d.Job); err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, nil
}
