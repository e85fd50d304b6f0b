// Package storage defines interfaces for blob storage backends.
// The storage layer persists and retrieves raw blob bytes under a
// content-addressed layout; one object per digest, stored at most once.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrBlobNotFound indicates the requested blob does not exist in storage.
var ErrBlobNotFound = errors.New("blob not found in storage")

// ErrDigestMismatch indicates content read back did not match its digest.
// Only returned when verify-on-read is enabled.
var ErrDigestMismatch = errors.New("stored content does not match digest")

// IsNotFound reports whether err indicates a missing blob.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBlobNotFound)
}

// Backend defines the interface for blob storage backends.
// Implementations include the local filesystem and S3-compatible object
// storage. A partially written blob must never be visible to Retrieve.
type Backend interface {
	// Store writes content from reader, computing its digest in the same
	// pass, and persists it at the location derived from that digest.
	// If the content already exists (same digest), nothing is rewritten:
	// first writer wins and subsequent stores are idempotent.
	Store(ctx context.Context, reader io.Reader) (contentHash string, size int64, err error)

	// Retrieve streams the content for a digest. The caller must close
	// the returned reader. Returns ErrBlobNotFound if absent.
	Retrieve(ctx context.Context, contentHash string) (io.ReadCloser, error)

	// Delete removes the content for a digest. Called only once the
	// reference count for the digest has reached zero.
	Delete(ctx context.Context, contentHash string) error

	// Exists checks whether content for the digest is present.
	Exists(ctx context.Context, contentHash string) (bool, error)

	// GetSize returns the stored size in bytes, or ErrBlobNotFound.
	GetSize(ctx context.Context, contentHash string) (int64, error)

	// GetPath returns the backend-specific location for a digest.
	GetPath(contentHash string) string
}

// Walker is implemented by backends that can enumerate their stored digests.
// The garbage collector uses it to reconcile content that has no index row
// at all, which happens when an upload crashes between storing bytes and
// indexing them.
type Walker interface {
	// Walk invokes fn for every stored blob. A non-nil error from fn stops
	// the walk and is returned.
	Walk(ctx context.Context, fn func(contentHash string, size int64, modTime time.Time) error) error
}
