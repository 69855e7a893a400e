package uploadhttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sir_venger/chunkd/pkg/httperrors"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

func (a *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Status(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		httperrors.Write(w, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadproto.StatusResponse{
		Identity: st.Identity,
		Exists:   st.Exists,
		Name:     st.Name,
		Size:     st.Size,
	})
}
