package uploadhttp

import (
	"net/http"

	"github.com/sir_venger/chunkd/pkg/httperrors"
)

// gcOnce вручную запускает очистку брошенных загрузок.
func (a *Server) gcOnce(w http.ResponseWriter, r *http.Request) {
	rep, err := a.svc.Sweep(r.Context())
	if err != nil {
		httperrors.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
