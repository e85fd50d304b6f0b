// Package repository defines data access interfaces for the Abnormal file vault.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iamashishnishad/abnormal/internal/domain"
)

// FileRepository is the file index: one row per upload event, keyed by a
// server-generated UUID, with a secondary index on content_hash for O(1)
// duplicate lookup.
type FileRepository interface {
	// Insert persists a new file record.
	Insert(ctx context.Context, record *domain.FileRecord) error

	// GetByID retrieves a record, or domain.ErrFileNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error)

	// GetOriginalByHash returns the earliest record holding the digest,
	// or domain.ErrFileNotFound if no record references it. Used for the
	// duplicate preflight and to link new duplicates.
	GetOriginalByHash(ctx context.Context, contentHash string) (*domain.FileRecord, error)

	// Delete removes a record and returns it, or domain.ErrFileNotFound.
	Delete(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error)

	// PromoteNextOriginal re-links duplicates after their original record
	// was deleted: the earliest remaining record with the digest becomes
	// the new original (is_duplicate=false, storage_saved=0) and the rest
	// point at it. No-op when nothing references the digest.
	PromoteNextOriginal(ctx context.Context, contentHash string) error

	// Search returns the records matching the filter, newest first,
	// insertion order breaking ties. An empty filter returns everything.
	Search(ctx context.Context, filter domain.SearchFilter) ([]*domain.FileRecord, error)

	// CountByHash returns the number of records referencing a digest.
	CountByHash(ctx context.Context, contentHash string) (int64, error)
}

// BlobRepository tracks the digest -> blob mapping with reference counts.
// This is the index the dedup engine consults; the bytes themselves live in
// the storage backend.
type BlobRepository interface {
	// UpsertWithRefIncrement creates a new blob row with ref_count=1 or
	// atomically increments ref_count if the digest is already present.
	// Returns (isNew, error).
	UpsertWithRefIncrement(ctx context.Context, contentHash string, size int64, storagePath string) (bool, error)

	// GetByHash retrieves a blob row, or domain.ErrBlobNotFound.
	GetByHash(ctx context.Context, contentHash string) (*domain.Blob, error)

	// DecrementRef atomically decrements the reference count and returns
	// the new value.
	DecrementRef(ctx context.Context, contentHash string) (int32, error)

	// GetRefCount returns the current reference count.
	GetRefCount(ctx context.Context, contentHash string) (int32, error)

	// Exists checks if a blob row exists for the digest.
	Exists(ctx context.Context, contentHash string) (bool, error)

	// Delete removes the blob row. Only deletes when ref_count <= 0.
	Delete(ctx context.Context, contentHash string) error

	// ListOrphans returns blobs with ref_count <= 0 older than the grace
	// period, oldest first, up to limit.
	ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error)

	// UpdateLastAccessed bumps the last_accessed timestamp.
	UpdateLastAccessed(ctx context.Context, contentHash string) error
}

// StatsRepository computes aggregate storage statistics. Snapshot must be a
// consistent point-in-time view: a concurrent upload is either fully
// counted or not counted at all.
type StatsRepository interface {
	Snapshot(ctx context.Context) (*domain.StorageStats, error)
}
