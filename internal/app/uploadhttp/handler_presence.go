package uploadhttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sir_venger/chunkd/pkg/httperrors"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

// presence отдаёт индексы уже принятых чанков, чтобы клиент докачал только недостающие.
func (a *Server) presence(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Presence(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		httperrors.Write(w, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadproto.PresenceResponse{
		Identity:       p.Identity,
		PresentIndices: p.PresentIndices,
		ExpectedChunks: p.ExpectedChunks,
		State:          string(p.State),
	})
}
