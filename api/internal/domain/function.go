package domain

import "time"

// Function is a project handler executed by the executor service.
type Function struct {
	ProjectID       string
	Name            string
	Language        string
	Code            string
	IsActive        bool
	InvocationCount int64
	TimeoutMs       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
