package lock

import (
	"context"
	"time"
)

// NoOpLocker grants every acquisition immediately. It backs one-shot admin
// commands and tests where a real lock would only get in the way.
type NoOpLocker struct{}

// NewNoOpLocker creates a locker that never blocks.
func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

// Acquire hands out the same placeholder token to every caller.
func (n *NoOpLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return noOpToken, ctx.Err()
}

// AcquireWithRetry succeeds on the first attempt.
func (n *NoOpLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, error) {
	return noOpToken, ctx.Err()
}

// Release reports success without tracking anything.
func (n *NoOpLocker) Release(ctx context.Context, key, token string) (bool, error) {
	return true, ctx.Err()
}

// Extend reports success without tracking anything.
func (n *NoOpLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return true, ctx.Err()
}

// IsHeld reports that nothing is ever held.
func (n *NoOpLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	return false, ctx.Err()
}

const noOpToken = "noop"

// Ensure NoOpLocker implements Locker.
var _ Locker = (*NoOpLocker)(nil)
