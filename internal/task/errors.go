package task

import "errors"

// Sentinel errors shared by the registry, the stores and the HTTP layer.
var (
	// ErrNotFound is returned when no task exists with the requested id.
	ErrNotFound = errors.New("task not found")

	// ErrPermissionDenied is returned when the owner's plan does not grant the task kind.
	ErrPermissionDenied = errors.New("plan does not grant this task kind")

	// ErrQuotaExceeded is returned when the owner has used up the monthly allowance for the kind.
	ErrQuotaExceeded = errors.New("monthly task quota exceeded")

	// ErrValidation is returned when the credentials or request shape are malformed.
	ErrValidation = errors.New("invalid task request")

	// ErrAlreadyTerminal is returned when cancelling a task that has already finished.
	ErrAlreadyTerminal = errors.New("cannot cancel: task already finished")

	// ErrInfrastructure is returned when the store or queue is unavailable. Callers may retry.
	ErrInfrastructure = errors.New("task infrastructure unavailable")

	// ErrMalformedResult is returned when a worker response slot cannot be parsed.
	ErrMalformedResult = errors.New("malformed worker result")
)
