package session

import "errors"

var (
	// ErrSessionNotFound indicates the session is absent, expired, or deleted.
	// Callers routinely probe for existence, so this is a value, not a panic.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInactive indicates the session exists but is not accepting
	// writes (paused or closed).
	ErrSessionInactive = errors.New("session is not active")
)
