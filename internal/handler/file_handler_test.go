package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/lock"
	"github.com/iamashishnishad/abnormal/internal/pkg/crypto"
	"github.com/iamashishnishad/abnormal/internal/service"
	"github.com/iamashishnishad/abnormal/internal/storage"
)

// =============================================================================
// In-memory fakes backing a full API round-trip.
// =============================================================================

type fakeFileRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.FileRecord
	seq     map[uuid.UUID]int64
	nextSeq int64
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{
		records: make(map[uuid.UUID]*domain.FileRecord),
		seq:     make(map[uuid.UUID]int64),
	}
}

func (r *fakeFileRepo) Insert(ctx context.Context, record *domain.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *record
	r.records[record.ID] = &clone
	r.nextSeq++
	r.seq[record.ID] = r.nextSeq
	return nil
}

func (r *fakeFileRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, domain.ErrFileNotFound
	}
	clone := *record
	return &clone, nil
}

func (r *fakeFileRepo) GetOriginalByHash(ctx context.Context, contentHash string) (*domain.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.FileRecord
	for _, record := range r.records {
		if record.ContentHash != contentHash {
			continue
		}
		if best == nil ||
			(best.IsDuplicate && !record.IsDuplicate) ||
			(best.IsDuplicate == record.IsDuplicate && r.seq[record.ID] < r.seq[best.ID]) {
			best = record
		}
	}
	if best == nil {
		return nil, domain.ErrFileNotFound
	}
	clone := *best
	return &clone, nil
}

func (r *fakeFileRepo) Delete(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, domain.ErrFileNotFound
	}
	delete(r.records, id)
	return record, nil
}

func (r *fakeFileRepo) PromoteNextOriginal(ctx context.Context, contentHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var earliest *domain.FileRecord
	for _, record := range r.records {
		if record.ContentHash != contentHash {
			continue
		}
		if earliest == nil || r.seq[record.ID] < r.seq[earliest.ID] {
			earliest = record
		}
	}
	if earliest == nil {
		return nil
	}
	earliest.IsDuplicate = false
	earliest.OriginalFileID = nil
	earliest.OriginalFileName = ""
	earliest.StorageSaved = 0
	for _, record := range r.records {
		if record.ContentHash == contentHash && record.ID != earliest.ID && record.IsDuplicate {
			id := earliest.ID
			record.OriginalFileID = &id
			record.OriginalFileName = earliest.OriginalFilename
		}
	}
	return nil
}

func (r *fakeFileRepo) Search(ctx context.Context, filter domain.SearchFilter) ([]*domain.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.FileRecord
	for _, record := range r.records {
		if filter.Query != "" && !strings.Contains(
			strings.ToLower(record.OriginalFilename), strings.ToLower(filter.Query)) {
			continue
		}
		if filter.FileType != "" && record.FileType != filter.FileType {
			continue
		}
		if filter.MinSize != nil && record.Size < *filter.MinSize {
			continue
		}
		if filter.MaxSize != nil && record.Size > *filter.MaxSize {
			continue
		}
		if filter.StartDate != nil && record.UploadedAt.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && record.UploadedAt.After(*filter.EndDate) {
			continue
		}
		clone := *record
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.seq[out[i].ID] > r.seq[out[j].ID]
	})
	return out, nil
}

func (r *fakeFileRepo) CountByHash(ctx context.Context, contentHash string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, record := range r.records {
		if record.ContentHash == contentHash {
			n++
		}
	}
	return n, nil
}

type fakeBlobRepo struct {
	mu    sync.Mutex
	blobs map[string]*domain.Blob
}

func newFakeBlobRepo() *fakeBlobRepo {
	return &fakeBlobRepo{blobs: make(map[string]*domain.Blob)}
}

func (r *fakeBlobRepo) UpsertWithRefIncrement(ctx context.Context, contentHash string, size int64, storagePath string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if blob, ok := r.blobs[contentHash]; ok {
		blob.RefCount++
		return false, nil
	}
	r.blobs[contentHash] = domain.NewBlob(contentHash, size, storagePath)
	return true, nil
}

func (r *fakeBlobRepo) GetByHash(ctx context.Context, contentHash string) (*domain.Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blob, ok := r.blobs[contentHash]
	if !ok {
		return nil, domain.ErrBlobNotFound
	}
	clone := *blob
	return &clone, nil
}

func (r *fakeBlobRepo) DecrementRef(ctx context.Context, contentHash string) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blob, ok := r.blobs[contentHash]
	if !ok {
		return 0, domain.ErrBlobNotFound
	}
	blob.RefCount--
	return blob.RefCount, nil
}

func (r *fakeBlobRepo) GetRefCount(ctx context.Context, contentHash string) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blob, ok := r.blobs[contentHash]
	if !ok {
		return 0, domain.ErrBlobNotFound
	}
	return blob.RefCount, nil
}

func (r *fakeBlobRepo) Exists(ctx context.Context, contentHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blobs[contentHash]
	return ok, nil
}

func (r *fakeBlobRepo) Delete(ctx context.Context, contentHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	blob, ok := r.blobs[contentHash]
	if !ok || blob.RefCount > 0 {
		return domain.ErrBlobNotFound
	}
	delete(r.blobs, contentHash)
	return nil
}

func (r *fakeBlobRepo) ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error) {
	return nil, nil
}

func (r *fakeBlobRepo) UpdateLastAccessed(ctx context.Context, contentHash string) error {
	return nil
}

// fakeStatsRepo derives a snapshot from the two fakes above.
type fakeStatsRepo struct {
	files *fakeFileRepo
	blobs *fakeBlobRepo
}

func (r *fakeStatsRepo) Snapshot(ctx context.Context) (*domain.StorageStats, error) {
	stats := &domain.StorageStats{}

	r.files.mu.Lock()
	for _, record := range r.files.records {
		stats.TotalFiles++
		stats.TotalSize += record.Size
		stats.TotalStorageSaved += record.StorageSaved
		if record.IsDuplicate {
			stats.DuplicateCount++
		}
	}
	r.files.mu.Unlock()

	r.blobs.mu.Lock()
	for _, blob := range r.blobs.blobs {
		if blob.RefCount > 0 {
			stats.UniqueBlobs++
			stats.PhysicalSize += blob.Size
		}
	}
	r.blobs.mu.Unlock()

	return stats, nil
}

// =============================================================================
// Test server
// =============================================================================

type testServer struct {
	router   http.Handler
	fileRepo *fakeFileRepo
	blobRepo *fakeBlobRepo
	hasher   *crypto.Hasher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	fileRepo := newFakeFileRepo()
	blobRepo := newFakeBlobRepo()
	hasher := crypto.NewHasher(crypto.AlgorithmSHA256)

	backend, err := storage.NewFilesystemBackend(storage.FilesystemConfig{
		DataDir: t.TempDir(),
	}, hasher, zerolog.Nop())
	require.NoError(t, err)

	cfg := service.DefaultDedupConfig()
	cfg.LockMaxRetries = 5
	cfg.LockRetryDelay = time.Millisecond

	dedup := service.NewDedupService(fileRepo, blobRepo, backend, lock.NewMemoryLocker(), nil, nil, zerolog.Nop(), cfg)
	query := service.NewQueryService(fileRepo, zerolog.Nop())
	stats := service.NewStatsService(&fakeStatsRepo{files: fileRepo, blobs: blobRepo}, nil, nil, zerolog.Nop())

	h := NewFileHandler(dedup, query, stats, hasher, 10<<20, zerolog.Nop())

	return &testServer{
		router:   NewRouter(h, nil, zerolog.Nop()),
		fileRepo: fileRepo,
		blobRepo: blobRepo,
		hasher:   hasher,
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) upload(t *testing.T, filename, contentType string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	if contentType != "" {
		hdr["Content-Type"] = []string{contentType}
	}
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(t, req)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

// =============================================================================
// Tests
// =============================================================================

func TestFileHandler_UploadAndDeduplicate(t *testing.T) {
	srv := newTestServer(t)
	content := []byte("report body")

	rec := srv.upload(t, "report.pdf", "application/pdf", content)
	require.Equal(t, http.StatusCreated, rec.Code)

	var first map[string]interface{}
	decodeJSON(t, rec, &first)
	assert.Equal(t, "report.pdf", first["original_filename"])
	assert.Equal(t, "application/pdf", first["file_type"])
	assert.Equal(t, srv.hasher.Sum(content), first["file_hash"])
	assert.Equal(t, false, first["was_duplicate"])
	assert.Equal(t, false, first["is_duplicate"])
	assert.NotEmpty(t, first["size_human"])
	assert.Equal(t, fmt.Sprintf("/api/v1/files/%s/download", first["id"]), first["file"])

	rec = srv.upload(t, "copy.pdf", "application/pdf", content)
	require.Equal(t, http.StatusCreated, rec.Code)

	var second map[string]interface{}
	decodeJSON(t, rec, &second)
	assert.Equal(t, true, second["was_duplicate"])
	assert.Equal(t, true, second["is_duplicate"])
	assert.Equal(t, first["id"], second["original_file"])
	assert.Equal(t, "report.pdf", second["original_file_name"])
	assert.Equal(t, float64(len(content)), second["storage_saved"])

	refCount, err := srv.blobRepo.GetRefCount(context.Background(), srv.hasher.Sum(content))
	require.NoError(t, err)
	assert.Equal(t, int32(2), refCount)
}

func TestFileHandler_UploadRejectsNonMultipart(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "application/json")
	rec := srv.do(t, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFileHandler_UploadMissingFilePart(t *testing.T) {
	srv := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := srv.do(t, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (s *testServer) checkDuplicate(t *testing.T, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "preflight.bin")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/check_duplicate/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(t, req)
}

func TestFileHandler_CheckDuplicate(t *testing.T) {
	srv := newTestServer(t)
	content := []byte("preflight me")

	rec := srv.upload(t, "a.txt", "text/plain", content)
	var created map[string]interface{}
	decodeJSON(t, rec, &created)

	rec = srv.checkDuplicate(t, content)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp checkDuplicateResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.IsDuplicate)
	assert.Equal(t, srv.hasher.Sum(content), resp.FileHash)
	assert.Equal(t, "a.txt", resp.OriginalFileName)
	assert.Equal(t, created["id"], resp.OriginalFileID)

	// Unknown content: not a duplicate, and no side effects.
	rec = srv.checkDuplicate(t, []byte("never uploaded"))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = checkDuplicateResponse{}
	decodeJSON(t, rec, &resp)
	assert.False(t, resp.IsDuplicate)
	assert.Empty(t, resp.OriginalFileName)

	count, err := srv.fileRepo.CountByHash(context.Background(), srv.hasher.Sum(content))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Missing file part is a client error.
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "no file"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/check_duplicate/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = srv.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFileHandler_ListNewestFirst(t *testing.T) {
	srv := newTestServer(t)
	srv.upload(t, "first.txt", "text/plain", []byte("one"))
	srv.upload(t, "second.txt", "text/plain", []byte("two"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/", nil)
	rec := srv.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []map[string]interface{}
	decodeJSON(t, rec, &records)
	require.Len(t, records, 2)
	assert.Equal(t, "second.txt", records[0]["original_filename"])
	assert.Equal(t, "first.txt", records[1]["original_filename"])
}

func TestFileHandler_Search(t *testing.T) {
	srv := newTestServer(t)
	srv.upload(t, "quarterly-report.pdf", "application/pdf", []byte("pdf bytes"))
	srv.upload(t, "notes.txt", "text/plain", []byte("txt bytes here"))

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantNames []string
	}{
		{
			name:      "filename substring, case-insensitive",
			query:     "q=REPORT",
			wantCode:  http.StatusOK,
			wantNames: []string{"quarterly-report.pdf"},
		},
		{
			name:      "file type",
			query:     "file_type=text/plain",
			wantCode:  http.StatusOK,
			wantNames: []string{"notes.txt"},
		},
		{
			name:      "size range",
			query:     "min_size=10&max_size=100",
			wantCode:  http.StatusOK,
			wantNames: []string{"notes.txt"},
		},
		{
			name:      "no matches is an empty list, not an error",
			query:     "q=nonexistent",
			wantCode:  http.StatusOK,
			wantNames: []string{},
		},
		{
			name:     "malformed size",
			query:    "min_size=abc",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed date",
			query:    "start_date=01-02-2026",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "inverted size range",
			query:    "min_size=100&max_size=10",
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/files/search/?"+tt.query, nil)
			rec := srv.do(t, req)
			require.Equal(t, tt.wantCode, rec.Code)

			if tt.wantCode != http.StatusOK {
				return
			}
			var records []map[string]interface{}
			decodeJSON(t, rec, &records)
			names := make([]string, 0, len(records))
			for _, r := range records {
				names = append(names, r["original_filename"].(string))
			}
			assert.Equal(t, tt.wantNames, names)
		})
	}
}

func TestFileHandler_GetByID(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.upload(t, "doc.txt", "text/plain", []byte("doc"))

	var created map[string]interface{}
	decodeJSON(t, rec, &created)
	id := created["id"].(string)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+id+"/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	decodeJSON(t, rec, &got)
	assert.Equal(t, id, got["id"])

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/not-a-uuid/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+uuid.NewString()+"/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileHandler_Download(t *testing.T) {
	srv := newTestServer(t)
	content := []byte("download me please")
	rec := srv.upload(t, "dl.bin", "application/octet-stream", content)

	var created map[string]interface{}
	decodeJSON(t, rec, &created)
	id := created["id"].(string)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+id+"/download/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, content, body)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "dl.bin")
	assert.Equal(t, fmt.Sprintf("%d", len(content)), rec.Header().Get("Content-Length"))

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+uuid.NewString()+"/download/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileHandler_DeleteAndReclaim(t *testing.T) {
	srv := newTestServer(t)
	content := []byte("shared bytes")
	contentHash := srv.hasher.Sum(content)

	rec := srv.upload(t, "orig.txt", "text/plain", content)
	var orig map[string]interface{}
	decodeJSON(t, rec, &orig)

	rec = srv.upload(t, "dup.txt", "text/plain", content)
	var dup map[string]interface{}
	decodeJSON(t, rec, &dup)

	// Deleting the duplicate keeps the blob.
	rec = srv.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+dup["id"].(string)+"/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	exists, err := srv.blobRepo.Exists(context.Background(), contentHash)
	require.NoError(t, err)
	assert.True(t, exists)

	// Deleting the last reference reclaims the blob.
	rec = srv.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+orig["id"].(string)+"/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	exists, err = srv.blobRepo.Exists(context.Background(), contentHash)
	require.NoError(t, err)
	assert.False(t, exists)

	rec = srv.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+orig["id"].(string)+"/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileHandler_DeleteOriginalPromotesDuplicate(t *testing.T) {
	srv := newTestServer(t)
	content := []byte("promote me")

	rec := srv.upload(t, "orig.txt", "text/plain", content)
	var orig map[string]interface{}
	decodeJSON(t, rec, &orig)

	rec = srv.upload(t, "dup.txt", "text/plain", content)
	var dup map[string]interface{}
	decodeJSON(t, rec, &dup)

	rec = srv.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+orig["id"].(string)+"/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+dup["id"].(string)+"/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var promoted map[string]interface{}
	decodeJSON(t, rec, &promoted)
	assert.Equal(t, false, promoted["is_duplicate"])
	assert.Nil(t, promoted["original_file"])
	assert.Equal(t, float64(0), promoted["storage_saved"])
}

func TestFileHandler_StorageStats(t *testing.T) {
	srv := newTestServer(t)
	content := []byte("counted bytes")
	srv.upload(t, "one.txt", "text/plain", content)
	srv.upload(t, "two.txt", "text/plain", content)
	srv.upload(t, "other.txt", "text/plain", []byte("different"))

	rec := srv.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/storage_stats/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]interface{}
	decodeJSON(t, rec, &stats)
	assert.Equal(t, float64(3), stats["total_files"])
	assert.Equal(t, float64(1), stats["duplicate_count"])
	assert.Equal(t, float64(2), stats["unique_blobs"])
	assert.Equal(t, float64(len(content)), stats["total_storage_saved"])
	assert.NotEmpty(t, stats["total_size_human"])
	assert.Greater(t, stats["storage_efficiency"], float64(0))
}

func TestFileHandler_Health(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "healthy", resp["status"])
}
