package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/lock"
	"github.com/iamashishnishad/abnormal/internal/metrics"
	"github.com/iamashishnishad/abnormal/internal/pkg/crypto"
	"github.com/iamashishnishad/abnormal/internal/repository"
	"github.com/iamashishnishad/abnormal/internal/storage"
)

// DedupService implements content-addressed upload, download, and delete.
// Physical bytes are written before any index mutation; the per-digest lock
// only guards the blob ref-count and file index transition, so large uploads
// never serialize on each other.
type DedupService struct {
	fileRepo repository.FileRepository
	blobRepo repository.BlobRepository
	storage  storage.Backend
	locker   lock.Locker
	cache    repository.Cache
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   DedupConfig
}

// DedupConfig contains deduplication engine settings.
type DedupConfig struct {
	// LockTTL is how long a per-digest lock is held before expiring.
	LockTTL time.Duration

	// LockMaxRetries bounds the wait for a contended digest lock.
	LockMaxRetries int

	// LockRetryDelay is the pause between lock attempts.
	LockRetryDelay time.Duration

	// VerifyClientHash logs a warning when a client-supplied digest
	// disagrees with the server-side one. The server digest always wins.
	VerifyClientHash bool
}

// DefaultDedupConfig returns sensible defaults.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		LockTTL:          30 * time.Second,
		LockMaxRetries:   50,
		LockRetryDelay:   100 * time.Millisecond,
		VerifyClientHash: true,
	}
}

// NewDedupService creates a new DedupService.
func NewDedupService(
	fileRepo repository.FileRepository,
	blobRepo repository.BlobRepository,
	backend storage.Backend,
	locker lock.Locker,
	cache repository.Cache,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config DedupConfig,
) *DedupService {
	return &DedupService{
		fileRepo: fileRepo,
		blobRepo: blobRepo,
		storage:  backend,
		locker:   locker,
		cache:    cache,
		metrics:  m,
		logger:   logger.With().Str("service", "dedup").Logger(),
		config:   config,
	}
}

// =============================================================================
// Input/Output Structs
// =============================================================================

// UploadInput contains the data needed to store a file.
type UploadInput struct {
	Filename string
	FileType string
	Body     io.Reader

	// ClientHash is an optional digest computed by the client.
	// Advisory only: a mismatch is logged, never trusted.
	ClientHash string
}

// UploadOutput contains the result of an upload.
type UploadOutput struct {
	Record *domain.FileRecord

	// WasDuplicate is true when the content already existed and only a
	// new index entry was created.
	WasDuplicate bool

	// Original is the canonical record the upload was linked to.
	// Nil unless WasDuplicate.
	Original *domain.FileRecord
}

// CheckDuplicateOutput contains the result of a duplicate preflight.
type CheckDuplicateOutput struct {
	Exists bool

	// Original is the canonical record for the digest, nil when none.
	Original *domain.FileRecord
}

// DownloadOutput contains a file's content stream and its record.
type DownloadOutput struct {
	Record *domain.FileRecord
	Body   io.ReadCloser
}

// DeleteOutput contains the result of a delete.
type DeleteOutput struct {
	Record *domain.FileRecord

	// BlobReclaimed is true when the last reference was dropped and the
	// physical content was removed.
	BlobReclaimed bool
}

// =============================================================================
// Service Methods
// =============================================================================

// Upload stores a file, deduplicating against existing content.
// The content is hashed and written to the blob store first; the digest lock
// is then taken only for the ref-count and index transition.
func (s *DedupService) Upload(ctx context.Context, input UploadInput) (*UploadOutput, error) {
	record := domain.NewFileRecord(input.Filename, input.FileType, "", 0)
	if err := record.ValidateFilename(); err != nil {
		return nil, err
	}

	// Hash and persist the bytes in one pass. The write is idempotent:
	// concurrent uploads of the same content converge on one canonical
	// file via atomic rename.
	contentHash, size, err := s.storage.Store(ctx, input.Body)
	if err != nil {
		s.countUpload(metrics.OutcomeFailed)
		s.logger.Error().Err(err).Str("filename", input.Filename).Msg("failed to store content")
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	if size == 0 {
		s.discardStoredContent(ctx, contentHash, false)
		s.countUpload(metrics.OutcomeFailed)
		return nil, ErrEmptyUpload
	}

	if s.config.VerifyClientHash && input.ClientHash != "" && input.ClientHash != contentHash {
		s.logger.Warn().
			Str("filename", input.Filename).
			Str("client_hash", input.ClientHash).
			Str("server_hash", contentHash).
			Msg("client digest mismatch, using server digest")
	}

	record.ContentHash = contentHash
	record.Size = size

	// Serialize index mutations for this digest. On contention the bytes
	// are left in place: the lock holder is mutating the same digest and
	// will account for them.
	release, err := s.acquireDigestLock(ctx, contentHash)
	if err != nil {
		s.countUpload(metrics.OutcomeFailed)
		return nil, err
	}
	defer release()

	// The GC sweeps orphan content under this same lock, so it may have
	// removed the bytes between our store and here. Verify before taking
	// a reference; the client can retry and re-send the content.
	present, err := s.storage.Exists(ctx, contentHash)
	if err != nil {
		s.countUpload(metrics.OutcomeFailed)
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if !present {
		s.countUpload(metrics.OutcomeFailed)
		s.logger.Warn().Str("content_hash", contentHash).Msg("content swept before it could be indexed")
		return nil, fmt.Errorf("%w: content no longer present", domain.ErrStorageUnavailable)
	}

	isNew, err := s.blobRepo.UpsertWithRefIncrement(ctx, contentHash, size, s.storage.GetPath(contentHash))
	if err != nil {
		s.discardStoredContent(ctx, contentHash, true)
		s.countUpload(metrics.OutcomeFailed)
		s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to upsert blob")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	wasDuplicate := false
	var original *domain.FileRecord
	if !isNew {
		var err error
		original, err = s.fileRepo.GetOriginalByHash(ctx, contentHash)
		switch {
		case err == nil:
			record = domain.NewDuplicateRecord(input.Filename, input.FileType, contentHash, size, original.ID)
			record.OriginalFileName = original.OriginalFilename
			wasDuplicate = true
		case errors.Is(err, domain.ErrFileNotFound):
			// The blob row survived its last file record (pending GC).
			// This upload becomes the new original.
		default:
			s.releaseBlobRef(ctx, contentHash)
			s.countUpload(metrics.OutcomeFailed)
			s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to look up original")
			return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
		}
	}

	if err := record.Validate(); err != nil {
		s.releaseBlobRef(ctx, contentHash)
		s.countUpload(metrics.OutcomeFailed)
		return nil, err
	}

	if err := s.fileRepo.Insert(ctx, record); err != nil {
		// Compensate: the reference we just took must not leak.
		s.releaseBlobRef(ctx, contentHash)
		s.countUpload(metrics.OutcomeFailed)
		s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to insert file record")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.invalidateCaches(ctx, contentHash)

	if s.metrics != nil {
		if wasDuplicate {
			s.metrics.Uploads.WithLabelValues(metrics.OutcomeDuplicate).Inc()
			s.metrics.BytesSaved.Add(float64(size))
		} else {
			s.metrics.Uploads.WithLabelValues(metrics.OutcomeStored).Inc()
			s.metrics.BytesStored.Add(float64(size))
		}
	}

	s.logger.Info().
		Str("file_id", record.ID.String()).
		Str("filename", record.OriginalFilename).
		Str("content_hash", contentHash).
		Int64("size", size).
		Bool("duplicate", wasDuplicate).
		Msg("file uploaded")

	return &UploadOutput{Record: record, WasDuplicate: wasDuplicate, Original: original}, nil
}

// CheckDuplicate reports whether content with the given digest is already
// stored. Side-effect free: no locks, no ref-count changes, safe to race
// with concurrent uploads.
func (s *DedupService) CheckDuplicate(ctx context.Context, contentHash string) (*CheckDuplicateOutput, error) {
	if !crypto.ValidateDigest(contentHash) {
		return nil, domain.ErrInvalidDigest
	}

	original, err := s.fileRepo.GetOriginalByHash(ctx, contentHash)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return &CheckDuplicateOutput{Exists: false}, nil
		}
		s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("duplicate check failed")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	return &CheckDuplicateOutput{Exists: true, Original: original}, nil
}

// Get returns a file record by id.
func (s *DedupService) Get(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	record, err := s.fileRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return record, nil
}

// Download streams a file's content.
func (s *DedupService) Download(ctx context.Context, id uuid.UUID) (*DownloadOutput, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	reader, err := s.storage.Retrieve(ctx, record.ContentHash)
	if err != nil {
		if storage.IsNotFound(err) {
			// Index says the file exists but the bytes are gone.
			s.logger.Error().
				Str("file_id", id.String()).
				Str("content_hash", record.ContentHash).
				Msg("blob missing for indexed file")
			return nil, domain.ErrIntegrity
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	// Best effort: touching last_accessed must not fail the download.
	if err := s.blobRepo.UpdateLastAccessed(ctx, record.ContentHash); err != nil {
		s.logger.Debug().Err(err).Str("content_hash", record.ContentHash).Msg("failed to touch blob")
	}

	return &DownloadOutput{Record: record, Body: reader}, nil
}

// Delete removes a file record and drops its blob reference. The physical
// content is reclaimed when the last reference goes away; if the original
// record is deleted while duplicates survive, the earliest survivor is
// promoted to original.
func (s *DedupService) Delete(ctx context.Context, id uuid.UUID) (*DeleteOutput, error) {
	// Need the digest before we can take the lock.
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	contentHash := existing.ContentHash

	release, err := s.acquireDigestLock(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	defer release()

	record, err := s.fileRepo.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			// Lost a race with another delete of the same record.
			return nil, domain.ErrFileNotFound
		}
		s.logger.Error().Err(err).Str("file_id", id.String()).Msg("failed to delete file record")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	if !record.IsDuplicate {
		if err := s.fileRepo.PromoteNextOriginal(ctx, contentHash); err != nil {
			s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to promote new original")
			return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
		}
	}

	reclaimed := false
	newCount, err := s.blobRepo.DecrementRef(ctx, contentHash)
	if err != nil {
		s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to decrement blob ref")
	} else if newCount <= 0 {
		reclaimed = s.reclaimBlob(ctx, contentHash)
	}

	s.invalidateCaches(ctx, contentHash)

	if s.metrics != nil {
		s.metrics.Deletes.WithLabelValues("deleted").Inc()
	}

	s.logger.Info().
		Str("file_id", id.String()).
		Str("content_hash", contentHash).
		Bool("blob_reclaimed", reclaimed).
		Msg("file deleted")

	return &DeleteOutput{Record: record, BlobReclaimed: reclaimed}, nil
}

// =============================================================================
// Internals
// =============================================================================

// acquireDigestLock takes the per-digest lock with bounded retries.
// Exhausting the retries surfaces as contention, which clients may retry.
func (s *DedupService) acquireDigestLock(ctx context.Context, contentHash string) (func(), error) {
	key := lock.Keys.Digest(contentHash)

	token, err := s.locker.AcquireWithRetry(ctx, key, s.config.LockTTL, s.config.LockMaxRetries, s.config.LockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if token == "" {
		if s.metrics != nil {
			s.metrics.LockContention.Inc()
		}
		s.logger.Warn().Str("content_hash", contentHash).Msg("digest lock contention")
		return nil, domain.ErrContention
	}

	return func() {
		if _, err := s.locker.Release(ctx, key, token); err != nil {
			s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to release digest lock")
		}
	}, nil
}

// discardStoredContent removes just-stored bytes that no blob row ended up
// referencing, so a failed upload does not leak storage. Best effort: bytes
// missed here are picked up by the GC storage sweep.
func (s *DedupService) discardStoredContent(ctx context.Context, contentHash string, lockHeld bool) {
	if !lockHeld {
		key := lock.Keys.Digest(contentHash)
		token, err := s.locker.Acquire(ctx, key, s.config.LockTTL)
		if err != nil || token == "" {
			// Someone else is mutating this digest and will account for
			// the bytes; leave them alone.
			return
		}
		defer func() {
			if _, err := s.locker.Release(ctx, key, token); err != nil {
				s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to release digest lock")
			}
		}()
	}

	referenced, err := s.blobRepo.Exists(ctx, contentHash)
	if err != nil || referenced {
		return
	}

	if err := s.storage.Delete(ctx, contentHash); err != nil && !storage.IsNotFound(err) {
		s.logger.Warn().Err(err).Str("content_hash", contentHash).Msg("failed to discard unreferenced content, leaving for gc")
	}
}

// releaseBlobRef undoes a ref-count increment after a failed index insert.
// A count that hits zero is left for GC rather than reclaimed inline, since
// the caller is already on an error path.
func (s *DedupService) releaseBlobRef(ctx context.Context, contentHash string) {
	if _, err := s.blobRepo.DecrementRef(ctx, contentHash); err != nil {
		s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to release blob reference")
	}
}

// reclaimBlob removes the physical content and blob row for a digest whose
// ref count reached zero. Failures are logged and left to the GC sweep.
func (s *DedupService) reclaimBlob(ctx context.Context, contentHash string) bool {
	if err := s.storage.Delete(ctx, contentHash); err != nil && !storage.IsNotFound(err) {
		s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to delete blob content, leaving for gc")
		return false
	}

	if err := s.blobRepo.Delete(ctx, contentHash); err != nil && !errors.Is(err, domain.ErrBlobNotFound) {
		s.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to delete blob row, leaving for gc")
		return false
	}

	return true
}

func (s *DedupService) invalidateCaches(ctx context.Context, contentHash string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, repository.Keys.StorageStats()); err != nil {
		s.logger.Debug().Err(err).Msg("failed to invalidate stats cache")
	}
	if err := s.cache.Delete(ctx, repository.Keys.OriginalByHash(contentHash)); err != nil {
		s.logger.Debug().Err(err).Msg("failed to invalidate original cache")
	}
}

func (s *DedupService) countUpload(outcome string) {
	if s.metrics != nil {
		s.metrics.Uploads.WithLabelValues(outcome).Inc()
	}
}
