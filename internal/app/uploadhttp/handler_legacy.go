package uploadhttp

import (
	"fmt"
	"net/http"

	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/internal/usecase/uploadsvc"
	"github.com/sir_venger/chunkd/pkg/httperrors"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

// legacyCheckChunks обслуживает GET /check-chunks?fileMD5=...
func (a *Server) legacyCheckChunks(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Presence(r.Context(), r.URL.Query().Get(uploadproto.LegacyQueryFileMD5))
	if err != nil {
		httperrors.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadproto.LegacyCheckChunksResponse{ExistsChunks: p.PresentIndices})
}

// legacyUploadChunk принимает multipart POST /upload-chunk с полями file, index и filename (отпечаток).
func (a *Server) legacyUploadChunk(w http.ResponseWriter, r *http.Request) {
	form, err := a.legacyForm(w, r)
	if err != nil {
		httperrors.Write(w, err)
		return
	}
	defer form.RemoveAll()

	idx, err := parseIndex(formValue(form, uploadproto.LegacyFormIndex))
	if err != nil {
		httperrors.Write(w, err)
		return
	}
	total, err := parseOptionalInt(formValue(form, uploadproto.LegacyFormTotalChunk), uploadproto.LegacyFormTotalChunk)
	if err != nil {
		httperrors.Write(w, err)
		return
	}

	files := form.File[uploadproto.LegacyFormFile]
	if len(files) == 0 {
		httperrors.Write(w, fmt.Errorf("%w: multipart field %q is missing", models.ErrInvalidArgument, uploadproto.LegacyFormFile))
		return
	}
	f, err := files[0].Open()
	if err != nil {
		httperrors.Write(w, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err))
		return
	}
	defer f.Close()

	_, err = a.svc.PutChunk(r.Context(), formValue(form, uploadproto.LegacyFormIdentity), idx, f, uploadsvc.ChunkOptions{ExpectedChunks: total})
	if err != nil {
		httperrors.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// legacyCheckFile обслуживает GET /check-file?fileMD5=...
func (a *Server) legacyCheckFile(w http.ResponseWriter, r *http.Request) {
	exists, err := a.svc.CheckExisting(r.Context(), r.URL.Query().Get(uploadproto.LegacyQueryFileMD5))
	if err != nil {
		httperrors.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadproto.LegacyCheckFileResponse{Exists: exists})
}

// legacyMergeChunks обслуживает POST /merge-chunks {fileMD5, fileName, totalChunks}.
func (a *Server) legacyMergeChunks(w http.ResponseWriter, r *http.Request) {
	var req uploadproto.LegacyMergeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.Write(w, err)
		return
	}

	if _, err := a.svc.Finalize(r.Context(), req.FileMD5, req.FileName, req.TotalChunks); err != nil {
		logFrom(r).Warn().Err(err).Str("name", req.FileName).Msg("legacy merge rejected")
		httperrors.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadproto.LegacyMessageResponse{Message: "merged"})
}
