// Package httperrors переводит доменные ошибки в HTTP-ответы.
package httperrors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

type mapping struct {
	target error
	status int
	code   string
}

// Порядок важен: первая совпавшая ошибка определяет статус.
var mappings = []mapping{
	{models.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{models.ErrChecksumMismatch, http.StatusConflict, "checksum_mismatch"},
	{models.ErrChunkTooLarge, http.StatusRequestEntityTooLarge, "chunk_too_large"},
	{models.ErrNotFound, http.StatusNotFound, "not_found"},
	{models.ErrIncompleteUpload, http.StatusConflict, "incomplete_upload"},
	{models.ErrMergeInProgress, http.StatusConflict, "merge_in_progress"},
	{models.ErrSessionLocked, http.StatusLocked, "session_locked"},
	{models.ErrStorageWriteFailed, http.StatusInsufficientStorage, "storage_write_failed"},
	{models.ErrMergeVerificationFailed, http.StatusUnprocessableEntity, "merge_verification_failed"},
	{models.ErrMergeIOFailed, http.StatusInternalServerError, "merge_io_failed"},
}

// Status возвращает HTTP-статус и машинный код ошибки.
func Status(err error) (int, string) {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// Write пишет ошибку JSON-телом с соответствующим статусом.
func Write(w http.ResponseWriter, err error) {
	status, code := Status(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(uploadproto.ErrorResponse{Error: err.Error(), Code: code})
}

// Code восстанавливает доменную ошибку по машинному коду ответа; nil, если код неизвестен.
func Code(code string) error {
	for _, m := range mappings {
		if m.code == code {
			return m.target
		}
	}
	return nil
}
