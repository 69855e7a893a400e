package uploadhttp

import (
	"net/http"

	"github.com/sir_venger/chunkd/pkg/httperrors"
)

// healthStats — payload ответа /health.
type healthStats struct {
	OK         bool  `json:"ok"`
	ChunkBytes int64 `json:"chunk_bytes"`
}

// health возвращает объём хранилища чанков; ошибка чтения хранилища даёт 500.
func (a *Server) health(w http.ResponseWriter, r *http.Request) {
	var total int64
	if a.usage != nil {
		n, err := a.usage.Usage(r.Context())
		if err != nil {
			httperrors.Write(w, err)
			return
		}
		total = n
	}

	writeJSON(w, http.StatusOK, healthStats{OK: true, ChunkBytes: total})
}
