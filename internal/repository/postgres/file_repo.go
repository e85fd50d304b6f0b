package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

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

// fileRepository implements repository.FileRepository.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new PostgreSQL file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

var _ repository.FileRepository = (*fileRepository)(nil)

// Insert persists a new file record.
func (r *fileRepository) Insert(ctx context.Context, record *domain.FileRecord) error {
	query := `
		INSERT INTO files (` + fileInsertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		record.ID,
		record.OriginalFilename,
		record.FileType,
		record.Size,
		record.ContentHash,
		record.UploadedAt,
		record.IsDuplicate,
		record.OriginalFileID,
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
	query := fileSelect + ` WHERE f.id = $1`

	record, err := scanFileRecord(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file by id: %w", err)
	}

	return record, nil
}

// GetOriginalByHash returns the earliest record holding the digest.
func (r *fileRepository) GetOriginalByHash(ctx context.Context, contentHash string) (*domain.FileRecord, error) {
	query := fileSelect + `
		WHERE f.content_hash = $1
		ORDER BY f.is_duplicate ASC, f.uploaded_at ASC, f.seq ASC
		LIMIT 1
	`

	record, err := scanFileRecord(r.db.Pool.QueryRow(ctx, query, contentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get original by hash: %w", err)
	}

	return record, nil
}

// Delete removes a file record and returns the deleted record.
func (r *fileRepository) Delete(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	query := `
		WITH deleted AS (
			DELETE FROM files WHERE id = $1
			RETURNING ` + fileInsertColumns + `
		)
		SELECT d.id, d.original_filename, d.file_type, d.size, d.content_hash,
		       d.uploaded_at, d.is_duplicate, d.original_file_id, d.storage_saved,
		       o.original_filename
		FROM deleted d
		LEFT JOIN files o ON d.original_file_id = o.id
	`

	record, err := scanFileRecord(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to delete file record: %w", err)
	}

	return record, nil
}

// PromoteNextOriginal re-links duplicates after their original was deleted.
func (r *fileRepository) PromoteNextOriginal(ctx context.Context, contentHash string) error {
	return r.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var newOriginalID uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT id FROM files
			WHERE content_hash = $1
			ORDER BY uploaded_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE
		`, contentHash).Scan(&newOriginalID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Nothing references the digest anymore.
				return nil
			}
			return fmt.Errorf("failed to find promotion candidate: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE files
			SET is_duplicate = FALSE, original_file_id = NULL, storage_saved = 0
			WHERE id = $1
		`, newOriginalID)
		if err != nil {
			return fmt.Errorf("failed to promote record: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE files
			SET original_file_id = $1
			WHERE content_hash = $2 AND id != $1 AND is_duplicate = TRUE
		`, newOriginalID, contentHash)
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
		args       []any
	)

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Query != "" {
		conditions = append(conditions, `f.original_filename ILIKE `+arg("%"+filter.Query+"%"))
	}
	if filter.FileType != "" {
		conditions = append(conditions, `f.file_type = `+arg(filter.FileType))
	}
	if filter.MinSize != nil {
		conditions = append(conditions, `f.size >= `+arg(*filter.MinSize))
	}
	if filter.MaxSize != nil {
		conditions = append(conditions, `f.size <= `+arg(*filter.MaxSize))
	}
	if filter.StartDate != nil {
		conditions = append(conditions, `f.uploaded_at >= `+arg(*filter.StartDate))
	}
	if filter.EndDate != nil {
		conditions = append(conditions, `f.uploaded_at <= `+arg(*filter.EndDate))
	}

	query := fileSelect
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY f.uploaded_at DESC, f.seq DESC`

	rows, err := r.db.Pool.Query(ctx, query, args...)
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
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM files WHERE content_hash = $1`,
		contentHash,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count files by hash: %w", err)
	}
	return count, nil
}

// rowScanner abstracts pgx.Row and pgx.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(row rowScanner) (*domain.FileRecord, error) {
	record := &domain.FileRecord{}
	var originalName *string
	err := row.Scan(
		&record.ID,
		&record.OriginalFilename,
		&record.FileType,
		&record.Size,
		&record.ContentHash,
		&record.UploadedAt,
		&record.IsDuplicate,
		&record.OriginalFileID,
		&record.StorageSaved,
		&originalName,
	)
	if err != nil {
		return nil, err
	}
	if originalName != nil {
		record.OriginalFileName = *originalName
	}
	return record, nil
}
