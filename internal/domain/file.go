// Package domain contains the core business entities for the Abnormal file vault.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// FileRecord represents a single logical upload event. Multiple records may
// share the same underlying blob when their content is identical; only the
// first upload of a given content hash physically consumes storage.
type FileRecord struct {
	// ID is the server-generated unique identifier for this record.
	ID uuid.UUID `json:"id"`

	// OriginalFilename is the user-supplied name. Not unique.
	OriginalFilename string `json:"original_filename"`

	// FileType is the MIME type declared by the client or sniffed from
	// content, e.g. "application/pdf".
	FileType string `json:"file_type"`

	// Size is the logical size of the upload in bytes.
	Size int64 `json:"size"`

	// ContentHash is the hex-encoded digest of the file content.
	// This references a blob in the blobs table.
	ContentHash string `json:"file_hash"`

	// UploadedAt is the timestamp of the upload.
	UploadedAt time.Time `json:"uploaded_at"`

	// IsDuplicate is true when this record was deduplicated against an
	// earlier upload of the same content.
	IsDuplicate bool `json:"is_duplicate"`

	// OriginalFileID references the earliest record holding this content
	// hash. Set exactly when IsDuplicate is true.
	OriginalFileID *uuid.UUID `json:"original_file,omitempty"`

	// OriginalFileName is the filename of the record OriginalFileID points
	// at. Derived on read, never persisted as its own column.
	OriginalFileName string `json:"original_file_name,omitempty"`

	// StorageSaved is the number of bytes reclaimed by referencing an
	// existing blob instead of storing a new one. Zero for originals,
	// Size for duplicates.
	StorageSaved int64 `json:"storage_saved"`
}

// NewFileRecord creates a non-duplicate record for freshly stored content.
func NewFileRecord(filename, fileType, contentHash string, size int64) *FileRecord {
	return &FileRecord{
		ID:               uuid.New(),
		OriginalFilename: filename,
		FileType:         fileType,
		Size:             size,
		ContentHash:      contentHash,
		UploadedAt:       time.Now().UTC(),
	}
}

// NewDuplicateRecord creates a record that links to the original record
// holding the same content hash. The full size counts as storage saved.
func NewDuplicateRecord(filename, fileType, contentHash string, size int64, originalID uuid.UUID) *FileRecord {
	r := NewFileRecord(filename, fileType, contentHash, size)
	r.IsDuplicate = true
	r.OriginalFileID = &originalID
	r.StorageSaved = size
	return r
}

// ValidateFilename checks only the filename constraints. Used before the
// content is hashed, when the rest of the record is not yet known.
func (r *FileRecord) ValidateFilename() error {
	if r.OriginalFilename == "" {
		return ErrFilenameEmpty
	}
	if len(r.OriginalFilename) > MaxFilenameLength {
		return ErrFilenameTooLong
	}
	return nil
}

// Validate checks the record invariants. is_duplicate and original_file must
// be set together, and storage_saved is only meaningful for duplicates.
func (r *FileRecord) Validate() error {
	if err := r.ValidateFilename(); err != nil {
		return err
	}
	if r.Size < 0 {
		return ErrInvalidSize
	}
	if r.IsDuplicate != (r.OriginalFileID != nil) {
		return ErrInconsistentDuplicate
	}
	if !r.IsDuplicate && r.StorageSaved != 0 {
		return ErrInconsistentDuplicate
	}
	return nil
}

// MaxFilenameLength matches the 255-character limit of the index schema.
const MaxFilenameLength = 255

// SearchFilter holds the optional predicates for a file search. Zero values
// mean "no constraint"; all present predicates are combined with AND.
type SearchFilter struct {
	// Query matches a case-insensitive substring of OriginalFilename.
	Query string

	// FileType matches the MIME type exactly.
	FileType string

	// MinSize / MaxSize bound Size inclusively. Nil means unbounded.
	MinSize *int64
	MaxSize *int64

	// StartDate / EndDate bound UploadedAt inclusively. Nil means unbounded.
	StartDate *time.Time
	EndDate   *time.Time
}

// IsZero reports whether no predicate is set.
func (f SearchFilter) IsZero() bool {
	return f.Query == "" && f.FileType == "" &&
		f.MinSize == nil && f.MaxSize == nil &&
		f.StartDate == nil && f.EndDate == nil
}
