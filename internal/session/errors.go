package session

import "errors"

var (
	// ErrNotFound covers both missing sessions and ownership mismatches for
	// non-admin callers. Surfacing the latter as NotFound rather than
	// Forbidden avoids confirming a session's existence to other users.
	ErrNotFound = errors.New("session not found")

	// ErrForbidden indicates the caller lacks a required capability, such as
	// a non-owner admin deleting without the delete permission.
	ErrForbidden = errors.New("operation not permitted")

	// ErrInvalidInput rejects malformed progress reports before any mutation.
	ErrInvalidInput = errors.New("invalid progress report")

	// ErrPersistence wraps store failures. Close and delete surface it as a
	// retryable condition; live sync state survives in the registry.
	ErrPersistence = errors.New("session store unavailable")
)
