// Package repository defines data access interfaces for the Abnormal file vault.
package repository

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. Implemented by Redis
// for multi-node deployments and by an in-memory cache for single-node ones.
type Cache interface {
	// Get retrieves a value by key.
	// Returns ErrCacheMiss if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL.
	// If ttl is 0, the value doesn't expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX sets a value only if the key doesn't exist.
	// Returns true if the value was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Common Cache Keys
// =============================================================================

// CacheKey generates cache keys for common scenarios.
type CacheKey struct{}

// Keys is the shared cache key generator.
var Keys = CacheKey{}

// StorageStats returns the cache key for the stats snapshot.
func (CacheKey) StorageStats() string {
	return "cache:stats"
}

// OriginalByHash returns the cache key for the canonical record of a digest.
func (CacheKey) OriginalByHash(contentHash string) string {
	return "cache:original:" + contentHash
}

// FileRecord returns the cache key for a file record by id.
func (CacheKey) FileRecord(id string) string {
	return "cache:file:" + id
}
