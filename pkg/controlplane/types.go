package controlplane

import "time"

// Deployment statuses. A terminal status never reverts to a running one.
const (
	StatusQueued   = "queued"
	StatusBuilding = "building"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
)

// Terminal reports whether status is final.
func Terminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// Deployment mirrors the control plane deployment record.
type Deployment struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	CommitSHA   string     `json:"commitSha"`
	Branch      string     `json:"branch"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage,omitempty"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	ArtifactURL string     `json:"artifactUrl,omitempty"`
	FileCount   int        `json:"fileCount"`
	BuildSize   int64      `json:"buildSize"`
	Framework   string     `json:"framework,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// BuildConfig carries per-project build overrides. Empty fields mean "not set".
type BuildConfig struct {
	RepoURL         string `json:"repoUrl,omitempty"`
	DefaultBranch   string `json:"defaultBranch,omitempty"`
	Framework       string `json:"framework,omitempty"`
	InstallCommand  string `json:"installCommand,omitempty"`
	BuildCommand    string `json:"buildCommand,omitempty"`
	OutputDirectory string `json:"outputDirectory,omitempty"`
	RootDirectory   string `json:"rootDirectory,omitempty"`
}

// Domain is a custom hostname attached to a project.
type Domain struct {
	Hostname  string `json:"hostname"`
	ProjectID string `json:"projectId"`
	Verified  bool   `json:"verified"`
}

// Function describes a deployed function without its source.
type Function struct {
	ProjectID       string    `json:"projectId"`
	Name            string    `json:"name"`
	Language        string    `json:"language"`
	IsActive        bool      `json:"isActive"`
	InvocationCount int64     `json:"invocationCount"`
	TimeoutMs       int       `json:"timeoutMs,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// FunctionCode is the source of a function.
type FunctionCode struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// StatusUpdate is sent by the builder as a deployment progresses.
type StatusUpdate struct {
	DeploymentID string         `json:"deploymentId"`
	ProjectID    string         `json:"projectId"`
	Status       string         `json:"status"`
	Stage        string         `json:"stage,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	ArtifactURL  string         `json:"artifactUrl,omitempty"`
	FileCount    int            `json:"fileCount,omitempty"`
	BuildSize    int64          `json:"buildSize,omitempty"`
	Framework    string         `json:"framework,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
