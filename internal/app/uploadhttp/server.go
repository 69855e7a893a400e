package uploadhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sir_venger/chunkd/internal/usecase/uploadsvc"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

// UsageReporter отдаёт объём хранилища чанков для /health.
type UsageReporter interface {
	Usage(ctx context.Context) (int64, error)
}

// Options описывает зависимости HTTP-слоя.
type Options struct {
	Service uploadsvc.Service
	Usage   UsageReporter
	// Gatherer для /metrics; nil отключает эндпоинт.
	Gatherer prometheus.Gatherer
	// MaxChunkBytes ограничивает тело запроса с чанком; 0 снимает лимит.
	MaxChunkBytes int64
}

// Server обслуживает API загрузки.
type Server struct {
	svc      uploadsvc.Service
	usage    UsageReporter
	gatherer prometheus.Gatherer
	maxChunk int64
}

// New создаёт HTTP-обработчик сервиса загрузки.
func New(opts Options) http.Handler {
	srv := &Server{
		svc:      opts.Service,
		usage:    opts.Usage,
		gatherer: opts.Gatherer,
		maxChunk: opts.MaxChunkBytes,
	}

	return srv.routes()
}

// routes регистрирует обработчики основного и совместимого API.
func (a *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(allowCORS)

	r.Route("/uploads/{identity}", func(ur chi.Router) {
		ur.Get("/", a.status)
		ur.Get("/chunks", a.presence)
		// PUT и POST равноправны: браузерные формы умеют только POST.
		ur.Put("/chunks/{index}", a.putChunk)
		ur.Post("/chunks/{index}", a.putChunk)
		ur.Post("/finalize", a.finalize)
	})

	r.Get(uploadproto.LegacyCheckChunksPath, a.legacyCheckChunks)
	r.Post(uploadproto.LegacyUploadChunkPath, a.legacyUploadChunk)
	r.Get(uploadproto.LegacyCheckFilePath, a.legacyCheckFile)
	r.Post(uploadproto.LegacyMergeChunksPath, a.legacyMergeChunks)

	r.Get("/health", a.health)
	r.Post("/admin/gc", a.gcOnce)
	if a.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// requestLogger присваивает запросу id и пишет access-log через zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(uploadproto.HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(uploadproto.HeaderRequestID, reqID)

		logger := log.With().Str("request_id", reqID).Logger()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := logger.Info()
		if status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

// allowCORS разрешает браузерному клиенту обращаться с другого origin.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, Accept, X-Requested-With, "+
			uploadproto.HeaderTotalChunks+", "+uploadproto.HeaderChecksum)
		h.Set("Access-Control-Allow-Methods", "PUT, POST, GET, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func logFrom(r *http.Request) *zerolog.Logger {
	return zerolog.Ctx(r.Context())
}
