package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/lock"
	"github.com/iamashishnishad/abnormal/internal/metrics"
	"github.com/iamashishnishad/abnormal/internal/pkg/crypto"
	"github.com/iamashishnishad/abnormal/internal/repository"
	"github.com/iamashishnishad/abnormal/internal/storage"
)

// gcDigestLockTTL bounds how long a sweep may hold one digest lock.
const gcDigestLockTTL = 30 * time.Second

// GarbageCollector handles cleanup of orphan blobs. Inline reclamation at
// delete time is the fast path; GC is the safety net for crashes between a
// ref-count decrement and the physical delete.
type GarbageCollector struct {
	blobRepo repository.BlobRepository
	storage  storage.Backend
	locker   lock.Locker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   GCConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// GCConfig contains garbage collection configuration.
type GCConfig struct {
	// Enabled determines if GC runs automatically.
	Enabled bool

	// Interval is how often to run garbage collection.
	Interval time.Duration

	// GracePeriod is how long to wait before deleting orphan blobs.
	// This prevents race conditions during uploads.
	GracePeriod time.Duration

	// BatchSize is the maximum number of blobs to process per run.
	BatchSize int

	// DryRun logs what would be deleted without actually deleting.
	DryRun bool
}

// DefaultGCConfig returns sensible defaults.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Enabled:     true,
		Interval:    1 * time.Hour,
		GracePeriod: 24 * time.Hour,
		BatchSize:   1000,
		DryRun:      false,
	}
}

// NewGarbageCollector creates a new garbage collector.
func NewGarbageCollector(
	blobRepo repository.BlobRepository,
	backend storage.Backend,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config GCConfig,
) *GarbageCollector {
	return &GarbageCollector{
		blobRepo: blobRepo,
		storage:  backend,
		locker:   locker,
		metrics:  m,
		logger:   logger.With().Str("service", "gc").Logger(),
		config:   config,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the garbage collection scheduler.
func (gc *GarbageCollector) Start() {
	gc.mu.Lock()
	if gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = true
	gc.mu.Unlock()

	gc.logger.Info().
		Dur("interval", gc.config.Interval).
		Dur("grace_period", gc.config.GracePeriod).
		Int("batch_size", gc.config.BatchSize).
		Bool("dry_run", gc.config.DryRun).
		Msg("Starting garbage collector")

	go gc.runLoop()
}

// Stop stops the garbage collection scheduler.
func (gc *GarbageCollector) Stop() {
	gc.mu.Lock()
	if !gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = false
	gc.mu.Unlock()

	close(gc.stopChan)
	<-gc.doneChan

	gc.logger.Info().Msg("Garbage collector stopped")
}

// runLoop is the main garbage collection loop.
func (gc *GarbageCollector) runLoop() {
	defer close(gc.doneChan)

	// Run immediately on start
	gc.runOnce()

	ticker := time.NewTicker(gc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gc.runOnce()
		case <-gc.stopChan:
			return
		}
	}
}

// RunOnce executes a single garbage collection run.
// This can be called manually or by the scheduler.
func (gc *GarbageCollector) RunOnce(ctx context.Context) GCResult {
	return gc.runWithContext(ctx)
}

// runOnce is called by the scheduler loop.
func (gc *GarbageCollector) runOnce() {
	ctx := context.Background()
	gc.runWithContext(ctx)
}

// GCResult contains the result of a garbage collection run.
type GCResult struct {
	// BlobsDeleted is the number of blobs deleted.
	BlobsDeleted int

	// BytesFreed is the total bytes freed.
	BytesFreed int64

	// Errors is the number of errors encountered.
	Errors int

	// Duration is how long the run took.
	Duration time.Duration

	// OrphanBlobsRemaining is the approximate number of orphan blobs still pending.
	OrphanBlobsRemaining int
}

// runWithContext executes garbage collection with the given context.
func (gc *GarbageCollector) runWithContext(ctx context.Context) GCResult {
	start := time.Now()
	result := GCResult{}

	gc.logger.Debug().Msg("Starting garbage collection run")

	// Acquire distributed lock to prevent concurrent GC runs
	lockKey := lock.Keys.BlobGC()
	lockTTL := gc.config.Interval / 2 // Lock expires before next scheduled run
	if lockTTL < 5*time.Minute {
		lockTTL = 5 * time.Minute
	}

	gcToken, err := gc.locker.Acquire(ctx, lockKey, lockTTL)
	if err != nil {
		gc.logger.Error().Err(err).Msg("Failed to acquire GC lock")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}
	if gcToken == "" {
		gc.logger.Debug().Msg("GC lock held by another process, skipping run")
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if _, err := gc.locker.Release(ctx, lockKey, gcToken); err != nil {
			gc.logger.Error().Err(err).Msg("Failed to release GC lock")
		}
	}()

	// Get orphan blobs
	orphans, err := gc.blobRepo.ListOrphans(ctx, gc.config.GracePeriod, gc.config.BatchSize)
	if err != nil {
		gc.logger.Error().Err(err).Msg("Failed to list orphan blobs")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}

	if len(orphans) > 0 {
		gc.logger.Info().
			Int("count", len(orphans)).
			Msg("Found orphan blobs for cleanup")
	}

	// Update metrics with orphan count
	if gc.metrics != nil {
		gc.metrics.GCOrphanBlobs.Set(float64(len(orphans)))
	}

	// Process each orphan blob
	for _, blob := range orphans {
		if gc.config.DryRun {
			gc.logger.Info().
				Str("content_hash", blob.ContentHash).
				Int64("size", blob.Size).
				Msg("[DRY RUN] Would delete orphan blob")
			result.BlobsDeleted++
			result.BytesFreed += blob.Size
			continue
		}

		deleted, failed := gc.reclaimOrphan(ctx, blob)
		if failed {
			result.Errors++
			continue
		}
		if deleted {
			result.BlobsDeleted++
			result.BytesFreed += blob.Size
		}
	}

	// Reconcile stored content that has no blob row at all (an upload that
	// crashed between storing bytes and indexing them).
	gc.sweepUntracked(ctx, &result)

	result.Duration = time.Since(start)

	// Check if there might be more orphans
	if len(orphans) == gc.config.BatchSize {
		remaining, _ := gc.blobRepo.ListOrphans(ctx, gc.config.GracePeriod, 1)
		result.OrphanBlobsRemaining = len(remaining)
		if len(remaining) > 0 {
			gc.logger.Info().Msg("More orphan blobs remain for next run")
		}
	}

	// Record metrics
	if gc.metrics != nil {
		gc.metrics.RecordGCRun(result.Duration.Seconds(), result.BlobsDeleted, result.BytesFreed)
		if result.OrphanBlobsRemaining == 0 && len(orphans) < gc.config.BatchSize {
			gc.metrics.GCOrphanBlobs.Set(0)
		}
	}

	gc.logger.Info().
		Int("blobs_deleted", result.BlobsDeleted).
		Int64("bytes_freed", result.BytesFreed).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Msg("Garbage collection run completed")

	return result
}

// reclaimOrphan deletes one orphan blob's bytes and row under the digest
// lock. The ref count is re-read under the lock: an upload may have adopted
// the blob since it was listed, and deleting its bytes then would leave a
// live record pointing at nothing.
func (gc *GarbageCollector) reclaimOrphan(ctx context.Context, blob *domain.Blob) (deleted bool, failed bool) {
	key := lock.Keys.Digest(blob.ContentHash)

	token, err := gc.locker.Acquire(ctx, key, gcDigestLockTTL)
	if err != nil {
		gc.logger.Error().Err(err).Str("content_hash", blob.ContentHash).Msg("Failed to acquire digest lock")
		return false, true
	}
	if token == "" {
		// An upload or delete is mid-flight for this digest; next run.
		return false, false
	}
	defer func() {
		if _, err := gc.locker.Release(ctx, key, token); err != nil {
			gc.logger.Error().Err(err).Str("content_hash", blob.ContentHash).Msg("Failed to release digest lock")
		}
	}()

	current, err := gc.blobRepo.GetByHash(ctx, blob.ContentHash)
	switch {
	case errors.Is(err, domain.ErrBlobNotFound):
		// Inline reclamation got there first.
		return false, false
	case err != nil:
		gc.logger.Error().Err(err).Str("content_hash", blob.ContentHash).Msg("Failed to re-check orphan blob")
		return false, true
	case current.RefCount > 0:
		// Adopted by an upload after it was listed.
		return false, false
	}

	// Delete from storage first
	if err := gc.storage.Delete(ctx, blob.ContentHash); err != nil && !storage.IsNotFound(err) {
		gc.logger.Error().
			Err(err).
			Str("content_hash", blob.ContentHash).
			Msg("Failed to delete blob from storage")
		return false, true
	}

	// Delete from database
	if err := gc.blobRepo.Delete(ctx, blob.ContentHash); err != nil && !errors.Is(err, domain.ErrBlobNotFound) {
		gc.logger.Error().
			Err(err).
			Str("content_hash", blob.ContentHash).
			Msg("Failed to delete blob from database")
		return false, true
	}

	gc.logger.Debug().
		Str("content_hash", blob.ContentHash).
		Int64("size", blob.Size).
		Msg("Deleted orphan blob")

	return true, false
}

// sweepUntracked removes stored content older than the grace period that has
// no blob row. Such content appears when an upload crashes after storing
// bytes but before indexing them. Only runs on backends that can enumerate
// their digests.
func (gc *GarbageCollector) sweepUntracked(ctx context.Context, result *GCResult) {
	walker, ok := gc.storage.(storage.Walker)
	if !ok {
		return
	}

	cutoff := time.Now().Add(-gc.config.GracePeriod)

	err := walker.Walk(ctx, func(contentHash string, size int64, modTime time.Time) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !crypto.ValidateDigest(contentHash) || modTime.After(cutoff) {
			return nil
		}

		tracked, err := gc.blobRepo.Exists(ctx, contentHash)
		if err != nil {
			result.Errors++
			return nil
		}
		if tracked {
			return nil
		}

		if gc.config.DryRun {
			gc.logger.Info().
				Str("content_hash", contentHash).
				Int64("size", size).
				Msg("[DRY RUN] Would delete untracked content")
			result.BlobsDeleted++
			result.BytesFreed += size
			return nil
		}

		key := lock.Keys.Digest(contentHash)
		token, err := gc.locker.Acquire(ctx, key, gcDigestLockTTL)
		if err != nil {
			result.Errors++
			return nil
		}
		if token == "" {
			return nil
		}

		// Re-check under the lock: an in-flight upload may be about to
		// index these bytes.
		tracked, err = gc.blobRepo.Exists(ctx, contentHash)
		if err == nil && !tracked {
			if derr := gc.storage.Delete(ctx, contentHash); derr != nil && !storage.IsNotFound(derr) {
				gc.logger.Error().Err(derr).Str("content_hash", contentHash).Msg("Failed to delete untracked content")
				result.Errors++
			} else {
				gc.logger.Debug().
					Str("content_hash", contentHash).
					Int64("size", size).
					Msg("Deleted untracked content")
				result.BlobsDeleted++
				result.BytesFreed += size
			}
		}

		if _, rerr := gc.locker.Release(ctx, key, token); rerr != nil {
			gc.logger.Error().Err(rerr).Str("content_hash", contentHash).Msg("Failed to release digest lock")
		}
		return nil
	})
	if err != nil {
		gc.logger.Error().Err(err).Msg("Untracked content sweep failed")
		result.Errors++
	}
}
