package domain

import "errors"

var (
	// ErrUnauthorized is returned when a credential is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound indicates the referenced task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrForbidden indicates the caller does not own the task.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict indicates a bucket lock could not be acquired or a
	// concurrent write invalidated the bucket snapshot. Retrying the whole
	// operation is safe.
	ErrConflict = errors.New("concurrency conflict")
	// ErrStoreUnavailable indicates a transient persistence failure.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")
)
