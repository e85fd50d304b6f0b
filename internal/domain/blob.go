// Package domain contains the core business entities for the Abnormal file vault.
package domain

import (
	"time"
)

// Blob represents a unique piece of stored content, addressed by its digest.
// Each blob is persisted exactly once regardless of how many FileRecords
// reference it; RefCount tracks the referencing records.
type Blob struct {
	// ContentHash is the hex-encoded digest of the content (64 hex
	// characters for SHA-256). Primary key and storage identifier.
	ContentHash string `json:"content_hash"`

	// Size is the size of the blob in bytes.
	Size int64 `json:"size"`

	// StoragePath is where the blob lives in the storage backend.
	StoragePath string `json:"storage_path"`

	// RefCount is the number of FileRecords referencing this blob.
	// The blob is reclaimable once RefCount reaches 0.
	RefCount int32 `json:"ref_count"`

	// CreatedAt is when the blob was first stored.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessed is when the blob was last read.
	LastAccessed time.Time `json:"last_accessed"`
}

// NewBlob creates a Blob for freshly stored content with a single reference.
func NewBlob(contentHash string, size int64, storagePath string) *Blob {
	now := time.Now().UTC()
	return &Blob{
		ContentHash:  contentHash,
		Size:         size,
		StoragePath:  storagePath,
		RefCount:     1,
		CreatedAt:    now,
		LastAccessed: now,
	}
}

// IsOrphan returns true if no records reference this blob.
func (b *Blob) IsOrphan() bool {
	return b.RefCount <= 0
}

// CanGarbageCollect returns true if the blob is orphaned and old enough.
// Recently created blobs are spared: their upload may still be indexing.
func (b *Blob) CanGarbageCollect(gracePeriod time.Duration) bool {
	if !b.IsOrphan() {
		return false
	}
	return time.Since(b.CreatedAt) > gracePeriod
}
