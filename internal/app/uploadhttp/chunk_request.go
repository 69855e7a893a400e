package uploadhttp

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/internal/usecase/uploadsvc"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

// multipartOverhead: запас на заголовки частей и границы формы сверх размера чанка.
const multipartOverhead = 1 << 20

// chunkRequest содержит разобранные параметры загрузки чанка.
type chunkRequest struct {
	identity string
	idx      int
	opts     uploadsvc.ChunkOptions
}

// parseChunkRequest валидирует path-параметры и служебные заголовки.
// Identity проверяет сервис, здесь только синтаксис индекса.
func parseChunkRequest(r *http.Request) (*chunkRequest, error) {
	idx, err := parseIndex(chi.URLParam(r, "index"))
	if err != nil {
		return nil, err
	}

	total, err := parseOptionalInt(r.Header.Get(uploadproto.HeaderTotalChunks), uploadproto.HeaderTotalChunks)
	if err != nil {
		return nil, err
	}

	return &chunkRequest{
		identity: chi.URLParam(r, "identity"),
		idx:      idx,
		opts: uploadsvc.ChunkOptions{
			ExpectedChunks: total,
			Sha256:         strings.ToLower(strings.TrimSpace(r.Header.Get(uploadproto.HeaderChecksum))),
		},
	}, nil
}

// parseIndex принимает только десятичные неотрицательные индексы.
func parseIndex(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: chunk index is required", models.ErrInvalidArgument)
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: chunk index %q is not a number", models.ErrInvalidArgument, raw)
	}
	if idx < 0 {
		return 0, fmt.Errorf("%w: chunk index must be non-negative", models.ErrInvalidArgument)
	}
	return idx, nil
}

func parseOptionalInt(raw, field string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrInvalidArgument, field)
	}
	return n, nil
}

// chunkBody возвращает поток содержимого чанка: поле file для multipart, иначе само тело.
// Multipart читается потоково, поэтому поле file должно идти первым файловым полем.
func (a *Server) chunkBody(w http.ResponseWriter, r *http.Request) (io.Reader, error) {
	limit := a.bodyLimit()
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: multipart field %q is missing", models.ErrInvalidArgument, uploadproto.FormFieldFile)
		}
		if err != nil {
			return nil, bodyError(fmt.Errorf("%w: %w", models.ErrInvalidArgument, err))
		}
		if part.FormName() == uploadproto.FormFieldFile {
			return part, nil
		}
		_ = part.Close()
	}
}

func (a *Server) bodyLimit() int64 {
	if a.maxChunk <= 0 {
		return 0
	}
	return a.maxChunk + multipartOverhead
}

// legacyForm разбирает форму /upload-chunk целиком: в старом клиенте поле file идёт раньше index и filename.
// Крупные части multipart сами уходят во временные файлы.
func (a *Server) legacyForm(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	if limit := a.bodyLimit(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: request body exceeds %d bytes", models.ErrChunkTooLarge, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	return r.MultipartForm, nil
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}
