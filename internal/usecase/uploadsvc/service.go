// Package uploadsvc реализует приём чанков, слияние и проверку итоговых файлов.
package uploadsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sir_venger/chunkd/internal/metrics"
	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/internal/repo/chunks"
	"github.com/sir_venger/chunkd/internal/repo/meta"
)

type (
	// Service объединяет операции загрузки: presence, chunk, status, finalize.
	Service interface {
		Presence(ctx context.Context, id string) (Presence, error)
		PutChunk(ctx context.Context, id string, idx int, r io.Reader, opts ChunkOptions) (models.ChunkRecord, error)
		Status(ctx context.Context, id string) (Status, error)
		CheckExisting(ctx context.Context, id string) (bool, error)
		Finalize(ctx context.Context, id, name string, expected int) (models.Artifact, error)
		Sweep(ctx context.Context) (SweepReport, error)
	}

	// Presence содержит снимок принятых индексов.
	Presence struct {
		Identity       string              `json:"identity"`
		PresentIndices []int               `json:"present_indices"`
		ExpectedChunks int                 `json:"expected_chunks,omitempty"`
		State          models.SessionState `json:"state,omitempty"`
	}

	// Status — ответ проверки завершённости.
	Status struct {
		Identity string `json:"identity"`
		Exists   bool   `json:"exists"`
		Name     string `json:"name,omitempty"`
		Size     int64  `json:"size,omitempty"`
	}

	// ChunkOptions задаёт необязательные параметры загрузки чанка.
	ChunkOptions struct {
		ExpectedChunks int
		Sha256         string
	}
)

type Deps struct {
	Meta          meta.Store
	Chunks        chunks.Store
	ArtifactDir   string
	Fingerprint   models.Fingerprint
	MaxChunkBytes int64
	MaxChunks     int
	IdleTTL       time.Duration
	Metrics       *metrics.Metrics
}

type Uploads struct {
	Deps

	registry    *Registry
	coordinator *Coordinator
	sweeper     *Sweeper
}

var _ Service = (*Uploads)(nil)

// New конструирует сервис загрузки с заданными зависимостями.
func New(deps Deps) (*Uploads, error) {
	if deps.Meta == nil || deps.Chunks == nil {
		return nil, errors.New("meta and chunk stores are required")
	}
	if deps.Fingerprint.New == nil {
		deps.Fingerprint = models.FingerprintMD5
	}

	reg := NewRegistry(deps.Meta)
	coord, err := NewCoordinator(reg, deps.Chunks, deps.ArtifactDir, deps.Fingerprint, deps.Metrics)
	if err != nil {
		return nil, err
	}

	return &Uploads{
		Deps:        deps,
		registry:    reg,
		coordinator: coord,
		sweeper:     NewSweeper(reg, deps.Chunks, deps.IdleTTL, deps.Metrics),
	}, nil
}

// Registry открывает реестр для восстановления при старте.
func (s *Uploads) Registry() *Registry { return s.registry }

// Sweeper открывает очистку для периодического запуска.
func (s *Uploads) Sweeper() *Sweeper { return s.sweeper }

// Presence возвращает индексы принятых чанков.
func (s *Uploads) Presence(ctx context.Context, raw string) (Presence, error) {
	id, err := s.Fingerprint.ParseIdentity(raw)
	if err != nil {
		return Presence{}, err
	}

	sess, ok, err := s.registry.session(ctx, id)
	if err != nil {
		return Presence{}, err
	}
	if !ok {
		return Presence{Identity: id, PresentIndices: []int{}}, nil
	}
	return Presence{
		Identity:       id,
		PresentIndices: sess.PresentIndices(),
		ExpectedChunks: sess.ExpectedChunks,
		State:          sess.State,
	}, nil
}

// PutChunk сохраняет чанк и только после успешной записи регистрирует его.
func (s *Uploads) PutChunk(ctx context.Context, raw string, idx int, r io.Reader, opts ChunkOptions) (models.ChunkRecord, error) {
	id, err := s.Fingerprint.ParseIdentity(raw)
	if err != nil {
		return models.ChunkRecord{}, err
	}
	if err := models.ValidateIndex(idx, s.MaxChunks); err != nil {
		return models.ChunkRecord{}, err
	}
	if opts.ExpectedChunks < 0 || (s.MaxChunks > 0 && opts.ExpectedChunks > s.MaxChunks) {
		return models.ChunkRecord{}, fmt.Errorf("%w: total chunks %d out of range", models.ErrInvalidArgument, opts.ExpectedChunks)
	}
	if opts.ExpectedChunks > 0 && idx >= opts.ExpectedChunks {
		return models.ChunkRecord{}, fmt.Errorf("%w: chunk index %d outside total %d", models.ErrInvalidArgument, idx, opts.ExpectedChunks)
	}

	unlock := s.registry.gate.shared(id)
	defer unlock()
	unlockSlot := s.registry.slots.exclusive(slotKey(id, idx))
	defer unlockSlot()

	if err := s.registry.checkWritable(ctx, id, opts.ExpectedChunks); err != nil {
		s.Metrics.RecordChunk(chunkResult(err), 0)
		return models.ChunkRecord{}, err
	}

	rec, err := s.Chunks.Put(ctx, id, idx, r, chunks.PutOptions{Sha256: opts.Sha256, MaxSize: s.MaxChunkBytes})
	if err != nil {
		s.Metrics.RecordChunk(chunkResult(err), 0)
		log.Warn().Err(err).Str("identity", id).Int("index", idx).Msg("chunk rejected")
		return models.ChunkRecord{}, err
	}
	if err := s.registry.RegisterChunk(ctx, id, rec, opts.ExpectedChunks); err != nil {
		s.Metrics.RecordChunk("register_failed", 0)
		return models.ChunkRecord{}, err
	}

	s.Metrics.RecordChunk("ok", rec.Size)
	log.Debug().Str("identity", id).Int("index", idx).Int64("size", rec.Size).Msg("chunk stored")
	return rec, nil
}

// Status сообщает, есть ли итоговый файл, и его параметры.
func (s *Uploads) Status(ctx context.Context, raw string) (Status, error) {
	id, err := s.Fingerprint.ParseIdentity(raw)
	if err != nil {
		return Status{}, err
	}

	a, ok, err := s.coordinator.Lookup(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{Identity: id}, nil
	}
	return Status{Identity: id, Exists: true, Name: a.Name, Size: a.Size}, nil
}

// CheckExisting только читает: есть ли уже проверенный итоговый файл.
func (s *Uploads) CheckExisting(ctx context.Context, raw string) (bool, error) {
	id, err := s.Fingerprint.ParseIdentity(raw)
	if err != nil {
		return false, err
	}
	_, ok, err := s.coordinator.Lookup(ctx, id)
	return ok, err
}

// Finalize склеивает чанки в итоговый файл.
func (s *Uploads) Finalize(ctx context.Context, raw, name string, expected int) (models.Artifact, error) {
	if s.MaxChunks > 0 && expected > s.MaxChunks {
		return models.Artifact{}, fmt.Errorf("%w: total chunks %d exceeds limit %d", models.ErrInvalidArgument, expected, s.MaxChunks)
	}
	return s.coordinator.Finalize(ctx, raw, name, expected)
}

// Sweep вручную запускает очистку брошенных загрузок.
func (s *Uploads) Sweep(ctx context.Context) (SweepReport, error) {
	return s.sweeper.SweepOnce(ctx, time.Now().UTC())
}

func chunkResult(err error) string {
	switch {
	case errors.Is(err, models.ErrSessionLocked):
		return "session_locked"
	case errors.Is(err, models.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, models.ErrChunkTooLarge):
		return "too_large"
	case errors.Is(err, models.ErrInvalidArgument):
		return "invalid"
	default:
		return "storage_failed"
	}
}
