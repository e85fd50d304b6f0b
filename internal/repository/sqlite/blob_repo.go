package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/repository"
)

// blobRepository implements repository.BlobRepository for SQLite.
type blobRepository struct {
	db *DB
}

// NewBlobRepository creates a new SQLite blob repository.
func NewBlobRepository(db *DB) repository.BlobRepository {
	return &blobRepository{db: db}
}

var _ repository.BlobRepository = (*blobRepository)(nil)

// UpsertWithRefIncrement creates a new blob or increments ref_count if it exists.
// Returns (isNew, error) where isNew indicates if a new blob was created.
// The check-then-insert runs inside a transaction so concurrent callers for the
// same hash cannot both observe "not found".
func (r *blobRepository) UpsertWithRefIncrement(ctx context.Context, contentHash string, size int64, storagePath string) (bool, error) {
	var isNew bool

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(timeFormat)

		var refCount int32
		err := tx.QueryRowContext(ctx,
			`SELECT ref_count FROM blobs WHERE content_hash = ?`,
			contentHash,
		).Scan(&refCount)

		if err != nil {
			if !isNoRows(err) {
				return fmt.Errorf("failed to check blob existence: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO blobs (content_hash, size, storage_path, ref_count, created_at, last_accessed)
				VALUES (?, ?, ?, 1, ?, ?)
			`, contentHash, size, storagePath, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert blob: %w", err)
			}

			isNew = true
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE blobs
			SET ref_count = ref_count + 1, last_accessed = ?
			WHERE content_hash = ?
		`, now, contentHash)
		if err != nil {
			return fmt.Errorf("failed to increment blob ref_count: %w", err)
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	return isNew, nil
}

// GetByHash retrieves a blob by its content hash.
func (r *blobRepository) GetByHash(ctx context.Context, contentHash string) (*domain.Blob, error) {
	query := `
		SELECT content_hash, size, storage_path, ref_count, created_at, last_accessed
		FROM blobs
		WHERE content_hash = ?
	`

	blob, err := scanBlob(r.db.QueryRowContext(ctx, query, contentHash))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to get blob by hash: %w", err)
	}

	return blob, nil
}

// DecrementRef atomically decrements the reference count.
// Returns the new reference count.
func (r *blobRepository) DecrementRef(ctx context.Context, contentHash string) (int32, error) {
	var newRefCount int32

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE blobs
			SET ref_count = ref_count - 1
			WHERE content_hash = ?
		`, contentHash)
		if err != nil {
			return fmt.Errorf("failed to decrement ref count: %w", err)
		}

		rowsAffected, _ := result.RowsAffected()
		if rowsAffected == 0 {
			return domain.ErrBlobNotFound
		}

		err = tx.QueryRowContext(ctx,
			`SELECT ref_count FROM blobs WHERE content_hash = ?`,
			contentHash,
		).Scan(&newRefCount)
		if err != nil {
			return fmt.Errorf("failed to get new ref count: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return newRefCount, nil
}

// GetRefCount returns the current reference count for a blob.
func (r *blobRepository) GetRefCount(ctx context.Context, contentHash string) (int32, error) {
	var refCount int32
	err := r.db.QueryRowContext(ctx,
		`SELECT ref_count FROM blobs WHERE content_hash = ?`,
		contentHash,
	).Scan(&refCount)
	if err != nil {
		if isNoRows(err) {
			return 0, domain.ErrBlobNotFound
		}
		return 0, fmt.Errorf("failed to get ref count: %w", err)
	}
	return refCount, nil
}

// Exists checks if a blob with the given hash exists.
func (r *blobRepository) Exists(ctx context.Context, contentHash string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blobs WHERE content_hash = ?`,
		contentHash,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check blob existence: %w", err)
	}
	return count > 0, nil
}

// Delete deletes a blob by its content hash.
// Only blobs that are no longer referenced can be deleted.
func (r *blobRepository) Delete(ctx context.Context, contentHash string) error {
	query := `DELETE FROM blobs WHERE content_hash = ? AND ref_count <= 0`

	result, err := r.db.ExecContext(ctx, query, contentHash)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrBlobNotFound
	}

	return nil
}

// ListOrphans returns blobs with ref_count <= 0 that are older than the grace period.
func (r *blobRepository) ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error) {
	cutoff := time.Now().UTC().Add(-gracePeriod).Format(timeFormat)

	query := `
		SELECT content_hash, size, storage_path, ref_count, created_at, last_accessed
		FROM blobs
		WHERE ref_count <= 0 AND last_accessed < ?
		ORDER BY last_accessed ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*domain.Blob
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orphan blob: %w", err)
		}
		blobs = append(blobs, blob)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orphan blobs: %w", err)
	}

	return blobs, nil
}

// UpdateLastAccessed updates the last accessed timestamp of a blob.
func (r *blobRepository) UpdateLastAccessed(ctx context.Context, contentHash string) error {
	now := time.Now().UTC().Format(timeFormat)

	result, err := r.db.ExecContext(ctx,
		`UPDATE blobs SET last_accessed = ? WHERE content_hash = ?`,
		now, contentHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update last accessed: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrBlobNotFound
	}

	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBlob(s scanner) (*domain.Blob, error) {
	blob := &domain.Blob{}
	var createdAt, lastAccessed string

	err := s.Scan(
		&blob.ContentHash,
		&blob.Size,
		&blob.StoragePath,
		&blob.RefCount,
		&createdAt,
		&lastAccessed,
	)
	if err != nil {
		return nil, err
	}

	blob.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	blob.LastAccessed, _ = time.Parse(timeFormat, lastAccessed)

	return blob, nil
}
