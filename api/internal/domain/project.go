package domain

import "time"

// Project describes a deployable repository and its build settings. Empty
// build fields defer to framework detection.
type Project struct {
	ID              string
	Name            string
	RepoURL         string
	DefaultBranch   string
	Framework       string
	InstallCommand  *string
	BuildCommand    *string
	OutputDirectory string
	RootDirectory   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CustomDomain maps a hostname outside the platform root onto a project.
type CustomDomain struct {
	Hostname  string
	ProjectID string
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
