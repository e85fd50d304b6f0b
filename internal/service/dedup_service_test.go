package service

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/lock"
	"github.com/iamashishnishad/abnormal/internal/storage"
)

// =============================================================================
// Mock Repository Types
// =============================================================================

type mockFileRepository struct {
	mock.Mock
}

func (m *mockFileRepository) Insert(ctx context.Context, record *domain.FileRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockFileRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FileRecord), args.Error(1)
}

func (m *mockFileRepository) GetOriginalByHash(ctx context.Context, contentHash string) (*domain.FileRecord, error) {
	args := m.Called(ctx, contentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FileRecord), args.Error(1)
}

func (m *mockFileRepository) Delete(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FileRecord), args.Error(1)
}

func (m *mockFileRepository) PromoteNextOriginal(ctx context.Context, contentHash string) error {
	args := m.Called(ctx, contentHash)
	return args.Error(0)
}

func (m *mockFileRepository) Search(ctx context.Context, filter domain.SearchFilter) ([]*domain.FileRecord, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.FileRecord), args.Error(1)
}

func (m *mockFileRepository) CountByHash(ctx context.Context, contentHash string) (int64, error) {
	args := m.Called(ctx, contentHash)
	return args.Get(0).(int64), args.Error(1)
}

type mockBlobRepository struct {
	mock.Mock
}

func (m *mockBlobRepository) UpsertWithRefIncrement(ctx context.Context, contentHash string, size int64, storagePath string) (bool, error) {
	args := m.Called(ctx, contentHash, size, storagePath)
	return args.Bool(0), args.Error(1)
}

func (m *mockBlobRepository) GetByHash(ctx context.Context, contentHash string) (*domain.Blob, error) {
	args := m.Called(ctx, contentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Blob), args.Error(1)
}

func (m *mockBlobRepository) DecrementRef(ctx context.Context, contentHash string) (int32, error) {
	args := m.Called(ctx, contentHash)
	return args.Get(0).(int32), args.Error(1)
}

func (m *mockBlobRepository) GetRefCount(ctx context.Context, contentHash string) (int32, error) {
	args := m.Called(ctx, contentHash)
	return args.Get(0).(int32), args.Error(1)
}

func (m *mockBlobRepository) Exists(ctx context.Context, contentHash string) (bool, error) {
	args := m.Called(ctx, contentHash)
	return args.Bool(0), args.Error(1)
}

func (m *mockBlobRepository) Delete(ctx context.Context, contentHash string) error {
	args := m.Called(ctx, contentHash)
	return args.Error(0)
}

func (m *mockBlobRepository) ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error) {
	args := m.Called(ctx, gracePeriod, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Blob), args.Error(1)
}

func (m *mockBlobRepository) UpdateLastAccessed(ctx context.Context, contentHash string) error {
	args := m.Called(ctx, contentHash)
	return args.Error(0)
}

type mockStorageBackend struct {
	mock.Mock
}

func (m *mockStorageBackend) Store(ctx context.Context, reader io.Reader) (string, int64, error) {
	args := m.Called(ctx, reader)
	return args.String(0), args.Get(1).(int64), args.Error(2)
}

func (m *mockStorageBackend) Retrieve(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	args := m.Called(ctx, contentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *mockStorageBackend) Delete(ctx context.Context, contentHash string) error {
	args := m.Called(ctx, contentHash)
	return args.Error(0)
}

func (m *mockStorageBackend) Exists(ctx context.Context, contentHash string) (bool, error) {
	args := m.Called(ctx, contentHash)
	return args.Bool(0), args.Error(1)
}

func (m *mockStorageBackend) GetSize(ctx context.Context, contentHash string) (int64, error) {
	args := m.Called(ctx, contentHash)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStorageBackend) GetPath(contentHash string) string {
	args := m.Called(contentHash)
	return args.String(0)
}

// =============================================================================
// Helper Functions
// =============================================================================

// testHash is a syntactically valid content digest for tests.
var testHash = strings.Repeat("ab", 32)

func newTestDedupService() (*DedupService, *mockFileRepository, *mockBlobRepository, *mockStorageBackend) {
	fileRepo := new(mockFileRepository)
	blobRepo := new(mockBlobRepository)
	backend := new(mockStorageBackend)
	locker := lock.NewMemoryLocker()
	logger := zerolog.Nop()

	cfg := DefaultDedupConfig()
	cfg.LockMaxRetries = 2
	cfg.LockRetryDelay = time.Millisecond

	svc := NewDedupService(fileRepo, blobRepo, backend, locker, nil, nil, logger, cfg)

	return svc, fileRepo, blobRepo, backend
}

// =============================================================================
// Test Cases
// =============================================================================

func TestDedupService_Upload(t *testing.T) {
	original := domain.NewFileRecord("first.txt", "text/plain", testHash, 11)

	tests := []struct {
		name          string
		input         UploadInput
		setup         func(*mockFileRepository, *mockBlobRepository, *mockStorageBackend)
		wantErr       error
		wantDuplicate bool
	}{
		{
			name: "success - new content",
			input: UploadInput{
				Filename: "report.pdf",
				FileType: "application/pdf",
				Body:     bytes.NewReader([]byte("hello world")),
			},
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				backend.On("Store", mock.Anything, mock.Anything).Return(testHash, int64(11), nil)
				backend.On("Exists", mock.Anything, testHash).Return(true, nil)
				backend.On("GetPath", testHash).Return("/data/ab/ab/" + testHash)
				blobRepo.On("UpsertWithRefIncrement", mock.Anything, testHash, int64(11), "/data/ab/ab/"+testHash).Return(true, nil)
				fileRepo.On("Insert", mock.Anything, mock.AnythingOfType("*domain.FileRecord")).Return(nil)
			},
		},
		{
			name: "success - duplicate content links to original",
			input: UploadInput{
				Filename: "copy.pdf",
				FileType: "application/pdf",
				Body:     bytes.NewReader([]byte("hello world")),
			},
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				backend.On("Store", mock.Anything, mock.Anything).Return(testHash, int64(11), nil)
				backend.On("Exists", mock.Anything, testHash).Return(true, nil)
				backend.On("GetPath", testHash).Return("/data/ab/ab/" + testHash)
				blobRepo.On("UpsertWithRefIncrement", mock.Anything, testHash, int64(11), "/data/ab/ab/"+testHash).Return(false, nil)
				fileRepo.On("GetOriginalByHash", mock.Anything, testHash).Return(original, nil)
				fileRepo.On("Insert", mock.Anything, mock.AnythingOfType("*domain.FileRecord")).Return(nil)
			},
			wantDuplicate: true,
		},
		{
			name: "blob row without records becomes new original",
			input: UploadInput{
				Filename: "resurrected.txt",
				FileType: "text/plain",
				Body:     bytes.NewReader([]byte("hello world")),
			},
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				backend.On("Store", mock.Anything, mock.Anything).Return(testHash, int64(11), nil)
				backend.On("Exists", mock.Anything, testHash).Return(true, nil)
				backend.On("GetPath", testHash).Return("/data/ab/ab/" + testHash)
				blobRepo.On("UpsertWithRefIncrement", mock.Anything, testHash, int64(11), "/data/ab/ab/"+testHash).Return(false, nil)
				fileRepo.On("GetOriginalByHash", mock.Anything, testHash).Return(nil, domain.ErrFileNotFound)
				fileRepo.On("Insert", mock.Anything, mock.AnythingOfType("*domain.FileRecord")).Return(nil)
			},
		},
		{
			name: "empty filename",
			input: UploadInput{
				Filename: "",
				Body:     bytes.NewReader([]byte("hello")),
			},
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				// Validation fails before any storage call.
			},
			wantErr: domain.ErrFilenameEmpty,
		},
		{
			name: "filename too long",
			input: UploadInput{
				Filename: strings.Repeat("x", domain.MaxFilenameLength+1),
				Body:     bytes.NewReader([]byte("hello")),
			},
			setup:   func(*mockFileRepository, *mockBlobRepository, *mockStorageBackend) {},
			wantErr: domain.ErrFilenameTooLong,
		},
		{
			name: "empty body",
			input: UploadInput{
				Filename: "empty.txt",
				Body:     bytes.NewReader(nil),
			},
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				backend.On("Store", mock.Anything, mock.Anything).Return(testHash, int64(0), nil)
				// The rejected content must not be left behind.
				blobRepo.On("Exists", mock.Anything, testHash).Return(false, nil)
				backend.On("Delete", mock.Anything, testHash).Return(nil)
			},
			wantErr: ErrEmptyUpload,
		},
		{
			name: "index insert failure releases blob reference",
			input: UploadInput{
				Filename: "doomed.txt",
				FileType: "text/plain",
				Body:     bytes.NewReader([]byte("hello world")),
			},
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				backend.On("Store", mock.Anything, mock.Anything).Return(testHash, int64(11), nil)
				backend.On("Exists", mock.Anything, testHash).Return(true, nil)
				backend.On("GetPath", testHash).Return("/data/ab/ab/" + testHash)
				blobRepo.On("UpsertWithRefIncrement", mock.Anything, testHash, int64(11), "/data/ab/ab/"+testHash).Return(true, nil)
				fileRepo.On("Insert", mock.Anything, mock.AnythingOfType("*domain.FileRecord")).Return(domain.ErrIntegrity)
				// Compensating decrement must happen.
				blobRepo.On("DecrementRef", mock.Anything, testHash).Return(int32(0), nil)
			},
			wantErr: ErrInternalError,
		},
		{
			name: "content swept between store and index is retryable",
			input: UploadInput{
				Filename: "unlucky.txt",
				FileType: "text/plain",
				Body:     bytes.NewReader([]byte("hello world")),
			},
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				backend.On("Store", mock.Anything, mock.Anything).Return(testHash, int64(11), nil)
				// The collector reclaimed the bytes before we took a
				// reference; no index row may be created.
				backend.On("Exists", mock.Anything, testHash).Return(false, nil)
			},
			wantErr: domain.ErrStorageUnavailable,
		},
		{
			name: "upsert failure discards the stored content",
			input: UploadInput{
				Filename: "unindexed.txt",
				FileType: "text/plain",
				Body:     bytes.NewReader([]byte("hello world")),
			},
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				backend.On("Store", mock.Anything, mock.Anything).Return(testHash, int64(11), nil)
				backend.On("Exists", mock.Anything, testHash).Return(true, nil)
				backend.On("GetPath", testHash).Return("/data/ab/ab/" + testHash)
				blobRepo.On("UpsertWithRefIncrement", mock.Anything, testHash, int64(11), "/data/ab/ab/"+testHash).Return(false, domain.ErrIntegrity)
				// Nothing references the digest, so the bytes go too.
				blobRepo.On("Exists", mock.Anything, testHash).Return(false, nil)
				backend.On("Delete", mock.Anything, testHash).Return(nil)
			},
			wantErr: ErrInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, fileRepo, blobRepo, backend := newTestDedupService()
			tt.setup(fileRepo, blobRepo, backend)

			output, err := svc.Upload(context.Background(), tt.input)

			if tt.wantErr != nil {
				require.Error(t, err)
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.wantDuplicate, output.WasDuplicate)
				require.Equal(t, testHash, output.Record.ContentHash)
				require.Equal(t, tt.wantDuplicate, output.Record.IsDuplicate)
				if tt.wantDuplicate {
					require.NotNil(t, output.Record.OriginalFileID)
					require.Equal(t, original.ID, *output.Record.OriginalFileID)
					require.Equal(t, output.Record.Size, output.Record.StorageSaved)
				} else {
					require.Nil(t, output.Record.OriginalFileID)
					require.Zero(t, output.Record.StorageSaved)
				}
			}

			mock.AssertExpectationsForObjects(t, fileRepo, blobRepo, backend)
		})
	}
}

func TestDedupService_Upload_ClientHashMismatchIsAdvisory(t *testing.T) {
	svc, fileRepo, blobRepo, backend := newTestDedupService()

	backend.On("Store", mock.Anything, mock.Anything).Return(testHash, int64(11), nil)
	backend.On("Exists", mock.Anything, testHash).Return(true, nil)
	backend.On("GetPath", testHash).Return("/data/ab/ab/" + testHash)
	blobRepo.On("UpsertWithRefIncrement", mock.Anything, testHash, int64(11), mock.Anything).Return(true, nil)
	fileRepo.On("Insert", mock.Anything, mock.AnythingOfType("*domain.FileRecord")).Return(nil)

	output, err := svc.Upload(context.Background(), UploadInput{
		Filename:   "lying-client.txt",
		Body:       bytes.NewReader([]byte("hello world")),
		ClientHash: strings.Repeat("ff", 32),
	})

	// The mismatch only warns; the server digest is authoritative.
	require.NoError(t, err)
	require.Equal(t, testHash, output.Record.ContentHash)

	mock.AssertExpectationsForObjects(t, fileRepo, blobRepo, backend)
}

func TestDedupService_Upload_Contention(t *testing.T) {
	svc, fileRepo, blobRepo, backend := newTestDedupService()

	backend.On("Store", mock.Anything, mock.Anything).Return(testHash, int64(11), nil)

	// Hold the digest lock so the upload cannot take it.
	token, err := svc.locker.Acquire(context.Background(), lock.Keys.Digest(testHash), time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = svc.Upload(context.Background(), UploadInput{
		Filename: "blocked.txt",
		Body:     bytes.NewReader([]byte("hello world")),
	})
	require.ErrorIs(t, err, domain.ErrContention)

	mock.AssertExpectationsForObjects(t, fileRepo, blobRepo, backend)
}

func TestDedupService_CheckDuplicate(t *testing.T) {
	original := domain.NewFileRecord("first.txt", "text/plain", testHash, 11)

	tests := []struct {
		name       string
		hash       string
		setup      func(*mockFileRepository)
		wantErr    error
		wantExists bool
	}{
		{
			name: "content exists",
			hash: testHash,
			setup: func(fileRepo *mockFileRepository) {
				fileRepo.On("GetOriginalByHash", mock.Anything, testHash).Return(original, nil)
			},
			wantExists: true,
		},
		{
			name: "content absent",
			hash: testHash,
			setup: func(fileRepo *mockFileRepository) {
				fileRepo.On("GetOriginalByHash", mock.Anything, testHash).Return(nil, domain.ErrFileNotFound)
			},
		},
		{
			name:    "malformed digest",
			hash:    "not-a-digest",
			setup:   func(*mockFileRepository) {},
			wantErr: domain.ErrInvalidDigest,
		},
		{
			name:    "digest too short",
			hash:    "abcd",
			setup:   func(*mockFileRepository) {},
			wantErr: domain.ErrInvalidDigest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, fileRepo, blobRepo, backend := newTestDedupService()
			tt.setup(fileRepo)

			output, err := svc.CheckDuplicate(context.Background(), tt.hash)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.wantExists, output.Exists)
				if tt.wantExists {
					require.NotNil(t, output.Original)
				} else {
					require.Nil(t, output.Original)
				}
			}

			mock.AssertExpectationsForObjects(t, fileRepo, blobRepo, backend)
		})
	}
}

func TestDedupService_Delete(t *testing.T) {
	makeOriginal := func() *domain.FileRecord {
		return domain.NewFileRecord("first.txt", "text/plain", testHash, 11)
	}
	makeDuplicate := func() *domain.FileRecord {
		orig := makeOriginal()
		return domain.NewDuplicateRecord("copy.txt", "text/plain", testHash, 11, orig.ID)
	}

	tests := []struct {
		name          string
		record        *domain.FileRecord
		setup         func(*domain.FileRecord, *mockFileRepository, *mockBlobRepository, *mockStorageBackend)
		wantErr       error
		wantReclaimed bool
	}{
		{
			name:   "duplicate delete keeps blob",
			record: makeDuplicate(),
			setup: func(rec *domain.FileRecord, fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				fileRepo.On("GetByID", mock.Anything, rec.ID).Return(rec, nil)
				fileRepo.On("Delete", mock.Anything, rec.ID).Return(rec, nil)
				blobRepo.On("DecrementRef", mock.Anything, testHash).Return(int32(1), nil)
			},
		},
		{
			name:   "original delete promotes a survivor",
			record: makeOriginal(),
			setup: func(rec *domain.FileRecord, fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				fileRepo.On("GetByID", mock.Anything, rec.ID).Return(rec, nil)
				fileRepo.On("Delete", mock.Anything, rec.ID).Return(rec, nil)
				fileRepo.On("PromoteNextOriginal", mock.Anything, testHash).Return(nil)
				blobRepo.On("DecrementRef", mock.Anything, testHash).Return(int32(2), nil)
			},
		},
		{
			name:   "last reference reclaims the blob",
			record: makeOriginal(),
			setup: func(rec *domain.FileRecord, fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				fileRepo.On("GetByID", mock.Anything, rec.ID).Return(rec, nil)
				fileRepo.On("Delete", mock.Anything, rec.ID).Return(rec, nil)
				fileRepo.On("PromoteNextOriginal", mock.Anything, testHash).Return(nil)
				blobRepo.On("DecrementRef", mock.Anything, testHash).Return(int32(0), nil)
				backend.On("Delete", mock.Anything, testHash).Return(nil)
				blobRepo.On("Delete", mock.Anything, testHash).Return(nil)
			},
			wantReclaimed: true,
		},
		{
			name:   "record not found",
			record: makeOriginal(),
			setup: func(rec *domain.FileRecord, fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				fileRepo.On("GetByID", mock.Anything, rec.ID).Return(nil, domain.ErrFileNotFound)
			},
			wantErr: domain.ErrFileNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, fileRepo, blobRepo, backend := newTestDedupService()
			tt.setup(tt.record, fileRepo, blobRepo, backend)

			output, err := svc.Delete(context.Background(), tt.record.ID)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.wantReclaimed, output.BlobReclaimed)
			}

			mock.AssertExpectationsForObjects(t, fileRepo, blobRepo, backend)
		})
	}
}

func TestDedupService_Download(t *testing.T) {
	record := domain.NewFileRecord("report.pdf", "application/pdf", testHash, 11)

	tests := []struct {
		name    string
		setup   func(*mockFileRepository, *mockBlobRepository, *mockStorageBackend)
		wantErr error
	}{
		{
			name: "success",
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				fileRepo.On("GetByID", mock.Anything, record.ID).Return(record, nil)
				backend.On("Retrieve", mock.Anything, testHash).Return(io.NopCloser(bytes.NewReader([]byte("hello world"))), nil)
				blobRepo.On("UpdateLastAccessed", mock.Anything, testHash).Return(nil)
			},
		},
		{
			name: "record not found",
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				fileRepo.On("GetByID", mock.Anything, record.ID).Return(nil, domain.ErrFileNotFound)
			},
			wantErr: domain.ErrFileNotFound,
		},
		{
			name: "indexed file with missing blob is an integrity failure",
			setup: func(fileRepo *mockFileRepository, blobRepo *mockBlobRepository, backend *mockStorageBackend) {
				fileRepo.On("GetByID", mock.Anything, record.ID).Return(record, nil)
				backend.On("Retrieve", mock.Anything, testHash).Return(nil, storage.ErrBlobNotFound)
			},
			wantErr: domain.ErrIntegrity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, fileRepo, blobRepo, backend := newTestDedupService()
			tt.setup(fileRepo, blobRepo, backend)

			output, err := svc.Download(context.Background(), record.ID)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				data, readErr := io.ReadAll(output.Body)
				require.NoError(t, readErr)
				require.Equal(t, "hello world", string(data))
				require.NoError(t, output.Body.Close())
			}

			mock.AssertExpectationsForObjects(t, fileRepo, blobRepo, backend)
		})
	}
}
