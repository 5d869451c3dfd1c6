package models

import "errors"

// Sentinel errors shared across the store, queue, and HTTP layers.
// Handlers map them to status codes with errors.Is.
var (
	// ErrInvalidInput marks requests rejected before persistence.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks lookups for ids that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition marks status changes outside the allowed set.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotStarted marks operations against a queue that is not running.
	ErrNotStarted = errors.New("queue not started")
	// ErrUnauthorized marks callers that fail shared-secret validation.
	ErrUnauthorized = errors.New("unauthorized")
)
