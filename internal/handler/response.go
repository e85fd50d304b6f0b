package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/service"
)

// errorResponse is the JSON body for all error replies.
type errorResponse struct {
	Error string `json:"error"`

	// Retryable hints that the same request may succeed shortly.
	Retryable bool `json:"retryable,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain and service errors to HTTP status codes.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	switch {
	case errors.Is(err, domain.ErrFileNotFound),
		errors.Is(err, domain.ErrBlobNotFound):
		status = http.StatusNotFound
		message = err.Error()

	case errors.Is(err, domain.ErrFilenameEmpty),
		errors.Is(err, domain.ErrFilenameTooLong),
		errors.Is(err, domain.ErrInvalidSize),
		errors.Is(err, domain.ErrInvalidDigest),
		errors.Is(err, domain.ErrInvalidQuery),
		errors.Is(err, domain.ErrHashFailure),
		errors.Is(err, service.ErrEmptyUpload):
		status = http.StatusBadRequest
		message = err.Error()

	case errors.Is(err, domain.ErrContention):
		status = http.StatusConflict
		message = err.Error()

	case errors.Is(err, domain.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
		message = err.Error()

	case errors.Is(err, domain.ErrIntegrity):
		// Stored bytes disagree with the index; never served silently.
		status = http.StatusInternalServerError
		message = err.Error()

	default:
		logger.Error().Err(err).Msg("unhandled error")
	}

	writeJSON(w, status, errorResponse{
		Error:     message,
		Retryable: domain.IsRetryable(err),
	})
}

// humanizeBytes renders a byte count with binary units, e.g. "1.5 MiB".
func humanizeBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
