package domain

import (
	"encoding/json"
	"time"
)

// Deployment captures a single build of a project commit.
type Deployment struct {
	ID          string
	ProjectID   string
	CommitSHA   string
	Branch      string
	Status      string
	Stage       string
	Message     string
	Error       string
	ArtifactURL string
	FileCount   int
	BuildSize   int64
	Framework   string
	Metadata    json.RawMessage
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// DeploymentStatusUpdate captures mutable fields for a deployment. Zero
// values leave the stored field untouched, except Message.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	Stage        string
	Message      string
	Error        string
	ArtifactURL  string
	FileCount    int
	BuildSize    int64
	Framework    string
	Metadata     json.RawMessage
	At           time.Time
}
