// Package flowerr defines the shared error vocabulary used across the
// runtime's components. Components wrap these sentinels with %w so callers
// can dispatch on error kind with errors.Is/errors.As regardless of which
// component produced the error.
package flowerr

import "errors"

var (
	// ErrValidation indicates a malformed envelope, missing stage, or
	// otherwise invalid input that retrying will not fix.
	ErrValidation = errors.New("validation failed")

	// ErrBackendUnavailable indicates the broker or an external resource
	// could not be reached. Callers may retry after backoff.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrMessageSend indicates the broker rejected or failed to deliver
	// an outgoing message.
	ErrMessageSend = errors.New("message send failed")

	// ErrSerialization indicates an envelope or DTO could not be encoded
	// or decoded.
	ErrSerialization = errors.New("serialization failed")

	// ErrLifecycle indicates an operation was attempted against a
	// registry or processor in the wrong lifecycle state (e.g. Send
	// before Start, double Stop).
	ErrLifecycle = errors.New("invalid lifecycle state")

	// ErrNotFound indicates a referenced stage, endpoint, or destination
	// is not registered.
	ErrNotFound = errors.New("not found")
)

// StageRetry reports whether err represents a condition a stage processor
// should retry (redeliver) rather than treat as a permanent failure.
// Per the coordinator's best-effort bracketing, any error raised before the
// external-resource commit is retryable: the broker transaction rolls back
// and redelivers the message. Only ErrValidation is excluded, since retrying
// a structurally invalid envelope can never succeed.
func StageRetry(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation)
}
