// Package domain contains the core business entities for the Abnormal file vault.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations.
// They are distinct from infrastructure errors (database, network, etc.).

var (
	// ===========================================
	// File Record Errors
	// ===========================================

	// ErrFileNotFound indicates the requested file record does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrFilenameEmpty indicates the upload carried no filename.
	ErrFilenameEmpty = errors.New("filename must not be empty")

	// ErrFilenameTooLong indicates the filename exceeds the 255-character limit.
	ErrFilenameTooLong = errors.New("filename exceeds maximum length of 255 characters")

	// ErrInvalidSize indicates the declared file size is negative.
	ErrInvalidSize = errors.New("file size must not be negative")

	// ErrInconsistentDuplicate indicates a record violates the duplicate
	// invariant (is_duplicate, original_file and storage_saved must agree).
	ErrInconsistentDuplicate = errors.New("duplicate flag, original reference and storage_saved are inconsistent")

	// ===========================================
	// Blob/Storage Errors
	// ===========================================

	// ErrBlobNotFound indicates the requested blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrIntegrity indicates blob content read back does not match its digest.
	// Never healed silently; always surfaced to the caller.
	ErrIntegrity = errors.New("blob content does not match its digest")

	// ErrStorageUnavailable indicates the storage backend failed.
	// Retryable with backoff.
	ErrStorageUnavailable = errors.New("storage backend unavailable")

	// ===========================================
	// Hashing Errors
	// ===========================================

	// ErrHashFailure indicates the input stream failed mid-read while
	// computing the content digest.
	ErrHashFailure = errors.New("failed to hash input stream")

	// ErrInvalidDigest indicates a digest string is not valid hex of the
	// expected length.
	ErrInvalidDigest = errors.New("invalid content digest")

	// ===========================================
	// Query Errors
	// ===========================================

	// ErrInvalidQuery indicates malformed search parameters. Never
	// silently ignored; the request fails.
	ErrInvalidQuery = errors.New("invalid query parameters")

	// ===========================================
	// Concurrency Errors
	// ===========================================

	// ErrContention indicates the per-digest lock could not be acquired
	// within the bounded wait. The operation is retryable.
	ErrContention = errors.New("digest is locked by a concurrent operation")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (e.g., record id, digest).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}

// InvalidQuery builds an ErrInvalidQuery with a parameter-specific message.
func InvalidQuery(param, message string) error {
	return &DomainError{
		Err:      ErrInvalidQuery,
		Message:  message,
		Resource: param,
	}
}

// IsRetryable reports whether the error is transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrStorageUnavailable)
}
