// Package service provides business logic for the Abnormal file vault.
package service

import "errors"

// Common service errors.
var (
	// ErrInternalError wraps unexpected infrastructure failures. The
	// underlying cause is logged, not surfaced to clients.
	ErrInternalError = errors.New("internal server error")

	// ErrEmptyUpload is returned when an upload carries no content.
	ErrEmptyUpload = errors.New("upload body is empty")
)
