// Package lock provides distributed and local locking abstractions.
// For single-node deployments, memory-based locks are used.
// For distributed deployments, Redis-based locks can be used.
package lock

import (
	"context"
	"time"
)

// Locker defines the interface for distributed/local locking.
// This abstraction allows switching between in-memory locks (single-node)
// and Redis-based locks (distributed) without changing business logic.
//
// Every successful acquisition returns an owner token. Release and Extend
// only act when the token still owns the lock, so a holder whose TTL lapsed
// cannot free or prolong a lock that was taken over in the meantime.
type Locker interface {
	// Acquire attempts to acquire a lock.
	// Returns a non-empty owner token if the lock was acquired, or "" if
	// it's held by someone else. The lock expires on its own after ttl.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)

	// AcquireWithRetry attempts to acquire a lock with retries.
	// Will retry up to maxRetries times with retryDelay between attempts.
	AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, error)

	// Release releases a lock if token still owns it.
	// Returns true if the lock was released, false if token no longer owns it.
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend extends the TTL of a lock that token still owns.
	// Returns true if the lock was extended, false if token no longer owns it.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// IsHeld checks if the lock is currently held, by anyone.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Common Lock Keys
// =============================================================================

// Keys provides lock key generation for common scenarios.
var Keys = lockKeys{}

type lockKeys struct{}

// Digest returns a lock key serializing index mutations for one content hash.
// Uploads, deletes, and GC for the same digest contend on this key.
func (lockKeys) Digest(contentHash string) string {
	return "lock:digest:" + contentHash
}

// BlobGC returns a lock key for blob garbage collection.
// Ensures only one GC sweep runs at a time across all nodes.
func (lockKeys) BlobGC() string {
	return "lock:gc:blob"
}
