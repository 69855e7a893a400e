package uploadsvc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sir_venger/chunkd/internal/metrics"
	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/internal/repo/chunks"
)

const sweepParallelism = 4

// SweepReport описывает итог одного прохода очистки.
type SweepReport struct {
	Sessions int `json:"sessions_purged"`
	Orphans  int `json:"orphan_chunks_deleted"`
}

// Sweeper удаляет брошенные сессии и чанки без сессии.
// Сессии в merging не трогаются: проверка выполняется под exclusive-lock identity.
type Sweeper struct {
	reg     *Registry
	chunks  chunks.Store
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewSweeper создаёт очистку с порогом простоя ttl.
func NewSweeper(reg *Registry, store chunks.Store, ttl time.Duration, m *metrics.Metrics) *Sweeper {
	return &Sweeper{reg: reg, chunks: store, ttl: ttl, metrics: m}
}

// Start стартует периодическую очистку и возвращает функцию остановки.
func (s *Sweeper) Start(ctx context.Context, every time.Duration) func() {
	if every <= 0 || s.ttl <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(every)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if _, err := s.SweepOnce(ctx, now.UTC()); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("sweep failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

// SweepOnce выполняет один проход относительно момента now.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (SweepReport, error) {
	if s.ttl <= 0 {
		return SweepReport{}, nil
	}
	sessions, err := s.reg.store.ListSessions(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	var purged atomic.Int64
	known := make(map[string]struct{}, len(sessions))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(sweepParallelism)
	for _, sess := range sessions {
		known[sess.Identity] = struct{}{}
		if !s.idle(sess, now) {
			continue
		}
		id := sess.Identity
		eg.Go(func() error {
			ok, err := s.purgeSession(egCtx, id, now)
			if ok {
				purged.Add(1)
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return SweepReport{Sessions: int(purged.Load())}, err
	}

	orphans, err := s.purgeOrphans(ctx, known, now)
	report := SweepReport{Sessions: int(purged.Load()), Orphans: orphans}
	s.metrics.RecordPurged(report.Sessions, report.Orphans)
	if report.Sessions > 0 || report.Orphans > 0 {
		log.Info().Int("sessions", report.Sessions).Int("orphans", report.Orphans).Msg("sweep completed")
	}
	return report, err
}

func (s *Sweeper) idle(sess models.UploadSession, now time.Time) bool {
	return sess.State != models.StateMerging && now.Sub(sess.UpdatedAt) >= s.ttl
}

// purgeSession перечитывает сессию под exclusive-lock: пока идёт put+register или слияние, очистки нет.
func (s *Sweeper) purgeSession(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := s.reg.gate.exclusive(id)
	defer unlock()

	sess, ok, err := s.reg.session(ctx, id)
	if err != nil || !ok || !s.idle(sess, now) {
		return false, err
	}

	for _, idx := range sess.PresentIndices() {
		if err := s.chunks.Delete(ctx, id, idx); err != nil {
			return false, err
		}
	}
	if err := s.reg.store.DeleteSession(ctx, id); err != nil {
		return false, err
	}
	log.Debug().Str("identity", id).Int("chunks", len(sess.Chunks)).Msg("idle session purged")
	return true, nil
}

// purgeOrphans удаляет старые чанки, для которых в реестре нет сессии.
func (s *Sweeper) purgeOrphans(ctx context.Context, known map[string]struct{}, now time.Time) (int, error) {
	listed, err := s.chunks.List(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for id, recs := range listed {
		if _, ok := known[id]; ok {
			continue
		}
		n, err := s.purgeOrphan(ctx, id, recs, now)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (s *Sweeper) purgeOrphan(ctx context.Context, id string, recs []models.ChunkRecord, now time.Time) (int, error) {
	unlock := s.reg.gate.exclusive(id)
	defer unlock()

	// Сессия могла появиться после ListSessions.
	if _, ok, err := s.reg.session(ctx, id); err != nil || ok {
		return 0, err
	}

	deleted := 0
	for _, rec := range recs {
		if now.Sub(rec.ReceivedAt) < s.ttl {
			continue
		}
		if err := s.chunks.Delete(ctx, id, rec.Index); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
