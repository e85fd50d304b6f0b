package postgres

import (
	"context"
	"fmt"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/repository"
)

// statsRepository implements repository.StatsRepository.
type statsRepository struct {
	db *DB
}

// NewStatsRepository creates a new PostgreSQL stats repository.
func NewStatsRepository(db *DB) repository.StatsRepository {
	return &statsRepository{db: db}
}

var _ repository.StatsRepository = (*statsRepository)(nil)

// Snapshot computes aggregate storage statistics in a single statement so the
// counters are mutually consistent under MVCC.
func (r *statsRepository) Snapshot(ctx context.Context) (*domain.StorageStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM files),
			(SELECT COALESCE(SUM(size), 0) FROM files),
			(SELECT COALESCE(SUM(storage_saved), 0) FROM files),
			(SELECT COUNT(*) FROM files WHERE is_duplicate),
			(SELECT COUNT(*) FROM blobs WHERE ref_count > 0),
			(SELECT COALESCE(SUM(size), 0) FROM blobs WHERE ref_count > 0)
	`

	stats := &domain.StorageStats{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
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
