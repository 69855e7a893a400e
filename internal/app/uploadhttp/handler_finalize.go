package uploadhttp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/pkg/httperrors"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

const maxJSONBody = 64 << 10

// finalize склеивает чанки. Запрос блокируется до конца слияния и проверки отпечатка.
func (a *Server) finalize(w http.ResponseWriter, r *http.Request) {
	var req uploadproto.FinalizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.Write(w, err)
		return
	}

	art, err := a.svc.Finalize(r.Context(), chi.URLParam(r, "identity"), req.FileName, req.TotalChunks)
	if err != nil {
		logFrom(r).Warn().Err(err).Str("name", req.FileName).Msg("finalize rejected")
		httperrors.Write(w, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadproto.FinalizeResponse{
		Status:   uploadproto.StatusMerged,
		Identity: art.Identity,
		Name:     art.Name,
		Size:     art.Size,
		Chunks:   art.Chunks,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: bad json body: %v", models.ErrInvalidArgument, err)
	}
	return nil
}
