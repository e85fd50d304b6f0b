package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/repository"
)

const fileInsertColumns = `id, original_filename, file_type, size, content_hash, uploaded_at, is_duplicate, original_file_id, storage_saved`

// Reads LEFT JOIN the original record so duplicates carry its filename.
const fileSelect = `
	SELECT f.id, f.original_filename, f.file_type, f.size, f.content_hash,
	       f.uploaded_at, f.is_duplicate, f.original_file_id, f.storage_saved,
	       o.original_filename
	FROM files f
	LEFT JOIN files o ON f.original_file_id = o.id
`

// fileRepository implements repository.FileRepository for SQLite.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new SQLite file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

var _ repository.FileRepository = (*fileRepository)(nil)

// Insert persists a new file record.
func (r *fileRepository) Insert(ctx context.Context, record *domain.FileRecord) error {
	query := `
		INSERT INTO files (` + fileInsertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var originalFileID interface{}
	if record.OriginalFileID != nil {
		originalFileID = record.OriginalFileID.String()
	}

	_, err := r.db.ExecContext(ctx, query,
		record.ID.String(),
		record.OriginalFilename,
		record.FileType,
		record.Size,
		record.ContentHash,
		record.UploadedAt.UTC().Format(timeFormat),
		record.IsDuplicate,
		originalFileID,
		record.StorageSaved,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("file record already exists: %w", domain.ErrIntegrity)
		}
		return fmt.Errorf("failed to insert file record: %w", err)
	}

	return nil
}

// GetByID retrieves a file record by its UUID.
func (r *fileRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	query := fileSelect + ` WHERE f.id = ?`

	record, err := scanFileRecord(r.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file by id: %w", err)
	}

	return record, nil
}

// GetOriginalByHash returns the earliest record holding the digest.
func (r *fileRepository) GetOriginalByHash(ctx context.Context, contentHash string) (*domain.FileRecord, error) {
	// The canonical record is the non-duplicate one; fall back to the
	// earliest record if the index is mid-transition.
	query := fileSelect + `
		WHERE f.content_hash = ?
		ORDER BY f.is_duplicate ASC, f.uploaded_at ASC, f.rowid ASC
		LIMIT 1
	`

	record, err := scanFileRecord(r.db.QueryRowContext(ctx, query, contentHash))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get original by hash: %w", err)
	}

	return record, nil
}

// Delete removes a file record and returns the deleted record.
func (r *fileRepository) Delete(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	var record *domain.FileRecord

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := fileSelect + ` WHERE f.id = ?`

		var err error
		record, err = scanFileRecord(tx.QueryRowContext(ctx, query, id.String()))
		if err != nil {
			if isNoRows(err) {
				return domain.ErrFileNotFound
			}
			return fmt.Errorf("failed to load file for deletion: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id.String()); err != nil {
			return fmt.Errorf("failed to delete file record: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// PromoteNextOriginal re-links duplicates after their original was deleted.
// The earliest remaining record with the digest becomes the new original and
// all other records for the digest point at it.
func (r *fileRepository) PromoteNextOriginal(ctx context.Context, contentHash string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var newOriginalID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM files
			WHERE content_hash = ?
			ORDER BY uploaded_at ASC, rowid ASC
			LIMIT 1
		`, contentHash).Scan(&newOriginalID)
		if err != nil {
			if isNoRows(err) {
				// Nothing references the digest anymore.
				return nil
			}
			return fmt.Errorf("failed to find promotion candidate: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE files
			SET is_duplicate = 0, original_file_id = NULL, storage_saved = 0
			WHERE id = ?
		`, newOriginalID)
		if err != nil {
			return fmt.Errorf("failed to promote record: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE files
			SET original_file_id = ?
			WHERE content_hash = ? AND id != ? AND is_duplicate = 1
		`, newOriginalID, contentHash, newOriginalID)
		if err != nil {
			return fmt.Errorf("failed to relink duplicates: %w", err)
		}

		return nil
	})
}

// Search returns file records matching the filter, newest first.
func (r *fileRepository) Search(ctx context.Context, filter domain.SearchFilter) ([]*domain.FileRecord, error) {
	var (
		conditions []string
		args       []interface{}
	)

	if filter.Query != "" {
		conditions = append(conditions, `LOWER(f.original_filename) LIKE ?`)
		args = append(args, "%"+strings.ToLower(filter.Query)+"%")
	}
	if filter.FileType != "" {
		conditions = append(conditions, `f.file_type = ?`)
		args = append(args, filter.FileType)
	}
	if filter.MinSize != nil {
		conditions = append(conditions, `f.size >= ?`)
		args = append(args, *filter.MinSize)
	}
	if filter.MaxSize != nil {
		conditions = append(conditions, `f.size <= ?`)
		args = append(args, *filter.MaxSize)
	}
	if filter.StartDate != nil {
		conditions = append(conditions, `f.uploaded_at >= ?`)
		args = append(args, filter.StartDate.UTC().Format(timeFormat))
	}
	if filter.EndDate != nil {
		conditions = append(conditions, `f.uploaded_at <= ?`)
		args = append(args, filter.EndDate.UTC().Format(timeFormat))
	}

	query := fileSelect
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY f.uploaded_at DESC, f.rowid DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search files: %w", err)
	}
	defer rows.Close()

	var records []*domain.FileRecord
	for rows.Next() {
		record, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file records: %w", err)
	}

	return records, nil
}

// CountByHash returns the number of records referencing a digest.
func (r *fileRepository) CountByHash(ctx context.Context, contentHash string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE content_hash = ?`,
		contentHash,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count files by hash: %w", err)
	}
	return count, nil
}

func scanFileRecord(s scanner) (*domain.FileRecord, error) {
	record := &domain.FileRecord{}
	var (
		id             string
		uploadedAt     string
		originalFileID sql.NullString
		originalName   sql.NullString
	)

	err := s.Scan(
		&id,
		&record.OriginalFilename,
		&record.FileType,
		&record.Size,
		&record.ContentHash,
		&uploadedAt,
		&record.IsDuplicate,
		&originalFileID,
		&record.StorageSaved,
		&originalName,
	)
	if err != nil {
		return nil, err
	}
	record.OriginalFileName = originalName.String

	record.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid file record id %q: %w", id, err)
	}

	record.UploadedAt, _ = time.Parse(timeFormat, uploadedAt)

	if originalFileID.Valid {
		parsed, err := uuid.Parse(originalFileID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid original file id %q: %w", originalFileID.String, err)
		}
		record.OriginalFileID = &parsed
	}

	return record, nil
}
