package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates the write contradicts stored state.
	ErrConflict = errors.New("repository: conflict")
)
