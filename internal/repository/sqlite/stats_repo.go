package sqlite

import (
	"context"
	"fmt"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/repository"
)

// statsRepository implements repository.StatsRepository for SQLite.
type statsRepository struct {
	db *DB
}

// NewStatsRepository creates a new SQLite stats repository.
func NewStatsRepository(db *DB) repository.StatsRepository {
	return &statsRepository{db: db}
}

var _ repository.StatsRepository = (*statsRepository)(nil)

// Snapshot computes aggregate storage statistics in a single query, so the
// counters are consistent with each other even under concurrent uploads.
func (r *statsRepository) Snapshot(ctx context.Context) (*domain.StorageStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM files),
			(SELECT COALESCE(SUM(size), 0) FROM files),
			(SELECT COALESCE(SUM(storage_saved), 0) FROM files),
			(SELECT COUNT(*) FROM files WHERE is_duplicate = 1),
			(SELECT COUNT(*) FROM blobs WHERE ref_count > 0),
			(SELECT COALESCE(SUM(size), 0) FROM blobs WHERE ref_count > 0)
	`

	stats := &domain.StorageStats{}
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalFiles,
		&stats.TotalSize,
		&stats.TotalStorageSaved,
		&stats.DuplicateCount,
		&stats.UniqueBlobs,
		&stats.PhysicalSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute storage stats: %w", err)
	}

	return stats, nil
}
