package source

import "errors"

var (
	// ErrNotFound indicates the source does not exist within the given
	// tenant and owner scope.
	ErrNotFound = errors.New("source not found")

	// ErrInvalidTransition indicates the source is not in a status the
	// requested operation may run from.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict indicates a uniqueness violation, such as creating the
	// same document link twice under one parent.
	ErrConflict = errors.New("source already exists")

	// ErrInvalidSpec indicates a malformed source creation request.
	ErrInvalidSpec = errors.New("invalid source spec")

	// ErrChunkMismatch indicates a vector set whose size does not match
	// the source's chunk set.
	ErrChunkMismatch = errors.New("embedding count does not match chunk count")
)
