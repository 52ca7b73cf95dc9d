package service

import "errors"

// Service-level sentinel errors. Task-domain failures use the sentinels in
// internal/task; the API layer maps both to HTTP status codes.
var (
	// ErrNotOwned indicates the task belongs to a different owner than the caller.
	ErrNotOwned = errors.New("resource is owned by another user")
)
