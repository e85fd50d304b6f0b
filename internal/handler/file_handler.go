package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/pkg/crypto"
	"github.com/iamashishnishad/abnormal/internal/service"
)

// FileHandler serves the file vault REST API.
type FileHandler struct {
	dedup  *service.DedupService
	query  *service.QueryService
	stats  *service.StatsService
	hasher *crypto.Hasher
	logger zerolog.Logger

	maxUploadSize int64
}

// NewFileHandler creates a new FileHandler.
func NewFileHandler(
	dedup *service.DedupService,
	query *service.QueryService,
	stats *service.StatsService,
	hasher *crypto.Hasher,
	maxUploadSize int64,
	logger zerolog.Logger,
) *FileHandler {
	return &FileHandler{
		dedup:         dedup,
		query:         query,
		stats:         stats,
		hasher:        hasher,
		maxUploadSize: maxUploadSize,
		logger:        logger.With().Str("component", "handler").Logger(),
	}
}

// fileResponse decorates a file record with its download path and
// human-readable sizes.
type fileResponse struct {
	*domain.FileRecord
	File              string `json:"file"`
	SizeHuman         string `json:"size_human"`
	StorageSavedHuman string `json:"storage_saved_human,omitempty"`
}

func newFileResponse(record *domain.FileRecord) fileResponse {
	resp := fileResponse{
		FileRecord: record,
		File:       fmt.Sprintf("/api/v1/files/%s/download", record.ID),
		SizeHuman:  humanizeBytes(record.Size),
	}
	if record.StorageSaved > 0 {
		resp.StorageSavedHuman = humanizeBytes(record.StorageSaved)
	}
	return resp
}

// uploadResponse is the reply to a successful upload.
type uploadResponse struct {
	fileResponse
	WasDuplicate bool `json:"was_duplicate"`
}

// uploadMetadata is the optional client-supplied "metadata" form field.
// Only the digest is read, and it is advisory: the server recomputes the
// authoritative hash while storing. Duplicate detection is never delegated
// to the client.
type uploadMetadata struct {
	FileHash string `json:"file_hash"`
}

// Upload handles POST /files/. Expects a multipart form with a "file" part
// and an optional "metadata" JSON field.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	reader, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected multipart/form-data"})
		return
	}

	var input service.UploadInput
	var gotFile bool

	// Walk the parts in order so the file part streams straight into the
	// blob store without buffering the whole body.
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		switch part.FormName() {
		case "metadata":
			var meta uploadMetadata
			if err := json.NewDecoder(io.LimitReader(part, 4096)).Decode(&meta); err == nil {
				input.ClientHash = strings.TrimSpace(meta.FileHash)
			}
		case "file_hash":
			var buf strings.Builder
			if _, err := io.Copy(&buf, io.LimitReader(part, 256)); err == nil {
				input.ClientHash = strings.TrimSpace(buf.String())
			}
		case "file":
			input.Filename = part.FileName()
			input.FileType = detectFileType(part.FileName(), part.Header.Get("Content-Type"))
			input.Body = part
			gotFile = true
		}
		if gotFile {
			break
		}
	}

	if !gotFile {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing form field: file"})
		return
	}

	output, err := h.dedup.Upload(r.Context(), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		fileResponse: newFileResponse(output.Record),
		WasDuplicate: output.WasDuplicate,
	})
}

// checkDuplicateResponse is the reply to a duplicate preflight.
type checkDuplicateResponse struct {
	IsDuplicate      bool   `json:"is_duplicate"`
	FileHash         string `json:"file_hash"`
	OriginalFileName string `json:"original_file_name,omitempty"`
	OriginalFileID   string `json:"original_file_id,omitempty"`
}

// CheckDuplicate handles POST /files/check_duplicate/. The body is a
// multipart form with a "file" part; the content is hashed without being
// stored. Read-only: no records, no reference counts.
func (h *FileHandler) CheckDuplicate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	reader, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected multipart/form-data"})
		return
	}

	var contentHash string
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		if part.FormName() != "file" {
			continue
		}
		contentHash, _, err = h.hasher.SumReader(part)
		if err != nil {
			writeError(w, h.logger, fmt.Errorf("%w: %v", domain.ErrHashFailure, err))
			return
		}
		break
	}

	if contentHash == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing form field: file"})
		return
	}

	output, err := h.dedup.CheckDuplicate(r.Context(), contentHash)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := checkDuplicateResponse{
		IsDuplicate: output.Exists,
		FileHash:    contentHash,
	}
	if output.Original != nil {
		resp.OriginalFileName = output.Original.OriginalFilename
		resp.OriginalFileID = output.Original.ID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// List handles GET /files/. Returns all records, newest first.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.query.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponses(records))
}

// Search handles GET /files/search/. All filters are optional and combined
// with AND; malformed values are rejected with 400.
func (h *FileHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := service.SearchParams{
		Query:     q.Get("q"),
		FileType:  q.Get("file_type"),
		MinSize:   q.Get("min_size"),
		MaxSize:   q.Get("max_size"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	records, err := h.query.Search(r.Context(), params)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponses(records))
}

// Get handles GET /files/{id}/.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	record, err := h.dedup.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newFileResponse(record))
}

// Download handles GET /files/{id}/download/. Streams the blob content with
// the record's original filename in the Content-Disposition header.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	output, err := h.dedup.Download(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer output.Body.Close()

	contentType := output.Record.FileType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", output.Record.Size))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": output.Record.OriginalFilename,
	}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, output.Body); err != nil {
		// Headers are gone; all we can do is log.
		h.logger.Warn().Err(err).Str("file_id", id.String()).Msg("download stream interrupted")
	}
}

// Delete handles DELETE /files/{id}/. Responds 204 on success; physical
// reclamation happens inline when the last reference is dropped.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if _, err := h.dedup.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// statsResponse decorates storage stats with derived fields. The
// efficiency is the raw saved/logical ratio; presentation formats it.
type statsResponse struct {
	*domain.StorageStats
	TotalSizeHuman    string  `json:"total_size_human"`
	StorageSavedHuman string  `json:"total_storage_saved_human"`
	PhysicalSizeHuman string  `json:"physical_size_human"`
	StorageEfficiency float64 `json:"storage_efficiency"`
}

// StorageStats handles GET /files/storage_stats/.
func (h *FileHandler) StorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Snapshot(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		StorageStats:      stats,
		TotalSizeHuman:    humanizeBytes(stats.TotalSize),
		StorageSavedHuman: humanizeBytes(stats.TotalStorageSaved),
		PhysicalSizeHuman: humanizeBytes(stats.PhysicalSize),
		StorageEfficiency: stats.Efficiency(),
	})
}

// Health handles GET /health.
func (h *FileHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *FileHandler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid file id"})
		return uuid.Nil, false
	}
	return id, true
}

func toFileResponses(records []*domain.FileRecord) []fileResponse {
	out := make([]fileResponse, 0, len(records))
	for _, r := range records {
		out = append(out, newFileResponse(r))
	}
	return out
}

// detectFileType resolves a MIME type from the part header, falling back to
// the filename extension.
func detectFileType(filename, headerType string) string {
	if headerType != "" && headerType != "application/octet-stream" {
		return headerType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		// Strip parameters like "; charset=utf-8".
		if i := strings.IndexByte(byExt, ';'); i >= 0 {
			byExt = byExt[:i]
		}
		return byExt
	}
	return "application/octet-stream"
}
