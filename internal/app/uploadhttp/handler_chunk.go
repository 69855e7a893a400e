package uploadhttp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/pkg/httperrors"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

// putChunk принимает один чанк. Успешный ответ означает, что чанк сохранён и зарегистрирован.
func (a *Server) putChunk(w http.ResponseWriter, r *http.Request) {
	req, err := parseChunkRequest(r)
	if err != nil {
		httperrors.Write(w, err)
		return
	}

	body, err := a.chunkBody(w, r)
	if err != nil {
		httperrors.Write(w, err)
		return
	}

	rec, err := a.svc.PutChunk(r.Context(), req.identity, req.idx, body, req.opts)
	if err != nil {
		httperrors.Write(w, bodyError(err))
		return
	}

	writeJSON(w, http.StatusCreated, uploadproto.ChunkResponse{
		Identity: req.identity,
		Index:    rec.Index,
		Size:     rec.Size,
		Sha256:   rec.Sha256,
	})
}

// bodyError превращает обрыв по MaxBytesReader в ErrChunkTooLarge.
func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: request body exceeds %d bytes", models.ErrChunkTooLarge, tooLarge.Limit)
	}
	return err
}
