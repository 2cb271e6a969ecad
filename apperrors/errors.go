// Package apperrors defines the error kinds every upload operation can
// surface. Adapter failures are translated into one of these at the
// service boundary; nothing below the handlers returns an opaque error.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrSizeLimitExceeded rejects an initiate request whose file size is
	// over the configured maximum. Caller's fault, not retriable.
	ErrSizeLimitExceeded = errors.New("file size exceeds limit")

	// ErrValidation covers malformed request fields such as a chunk size
	// outside the allowed bounds.
	ErrValidation = errors.New("invalid request")

	// ErrUploadNotFound is returned both when the upload does not exist
	// and when it belongs to another owner, so callers cannot probe which
	// upload ids exist.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrInvalidChunk marks a chunk number outside [1, total_chunks].
	ErrInvalidChunk = errors.New("invalid chunk number")

	// ErrUpstreamUnavailable wraps transient object-store or record-store
	// failures. The whole operation is safe to retry from the caller side.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrStateConflict signals that the conditional write lost against a
	// concurrent writer and the in-process retries were exhausted.
	ErrStateConflict = errors.New("concurrent modification detected")

	// ErrFinalizeFailed is terminal: the object store rejected the
	// multipart completion and the uploaded parts are left orphaned until
	// an operator reconciles them.
	ErrFinalizeFailed = errors.New("finalize failed")

	// ErrUnauthorized rejects requests without a valid bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited rejects requests over the per-owner request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Upstream wraps err as an upstream failure, keeping the cause visible
// for logs while callers match on ErrUpstreamUnavailable.
func Upstream(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}
