package uploadsvc

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/internal/repo/chunks"
	"github.com/sir_venger/chunkd/internal/repo/meta"
)

// Registry ведёт реестр принятых чанков поверх meta.Store с блокировками по identity.
type Registry struct {
	store meta.Store
	gate  *gate
	// slots сериализует put+register одного индекса, чтобы запись совпадала с байтами победителя.
	slots *gate
}

// NewRegistry оборачивает хранилище метаданных.
func NewRegistry(store meta.Store) *Registry {
	return &Registry{
		store: store,
		gate:  newGate(),
		slots: newGate(),
	}
}

func slotKey(id string, idx int) string {
	return id + "/" + strconv.Itoa(idx)
}

// session возвращает сессию; ok=false, если её нет.
func (r *Registry) session(ctx context.Context, id string) (models.UploadSession, bool, error) {
	sess, err := r.store.GetSession(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return models.UploadSession{}, false, nil
	}
	if err != nil {
		return models.UploadSession{}, false, err
	}
	return sess, true, nil
}

// checkWritable отклоняет новые чанки во время слияния. Вызывается под shared-lock.
func (r *Registry) checkWritable(ctx context.Context, id string, expected int) error {
	sess, ok, err := r.session(ctx, id)
	if err != nil || !ok {
		return err
	}
	if sess.State == models.StateMerging {
		return fmt.Errorf("%w: %s", models.ErrSessionLocked, id)
	}
	if expected > 0 && sess.ExpectedChunks > 0 && sess.ExpectedChunks != expected {
		return fmt.Errorf("%w: total chunks %d conflicts with recorded %d", models.ErrInvalidArgument, expected, sess.ExpectedChunks)
	}
	return nil
}

// RegisterChunk записывает чанк после успешного put. Повтор индекса заменяет запись.
// Вызывающий держит shared-lock на identity, поэтому состояние merging здесь не наступит.
func (r *Registry) RegisterChunk(ctx context.Context, id string, rec models.ChunkRecord, expected int) error {
	if err := r.store.PutChunk(ctx, id, rec); err != nil {
		return fmt.Errorf("register chunk %d: %w", rec.Index, err)
	}
	if expected > 0 {
		if err := r.store.SetExpected(ctx, id, expected); err != nil {
			return fmt.Errorf("set expected: %w", err)
		}
	}

	sess, ok, err := r.session(ctx, id)
	if err != nil || !ok {
		return err
	}
	if sess.State == models.StateFailed {
		// Неудачное слияние можно повторить после дозагрузки.
		if err := r.store.SetState(ctx, id, models.StateCollecting); err != nil {
			return err
		}
	}
	return nil
}

// PresentIndices возвращает отсортированный снимок индексов; для неизвестного identity список пуст.
func (r *Registry) PresentIndices(ctx context.Context, id string) ([]int, error) {
	sess, ok, err := r.session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []int{}, nil
	}
	return sess.PresentIndices(), nil
}

// artifact читает запись итогового файла; ok=false, если её нет.
func (r *Registry) artifact(ctx context.Context, id string) (models.Artifact, bool, error) {
	a, err := r.store.GetArtifact(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return models.Artifact{}, false, nil
	}
	if err != nil {
		return models.Artifact{}, false, err
	}
	return a, true, nil
}

// Rebuild восстанавливает сессии по содержимому хранилища чанков.
// Нужен для in-memory реестра после рестарта; существующие записи не трогаются.
func (r *Registry) Rebuild(ctx context.Context, store chunks.Store) (int, error) {
	listed, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list chunks: %w", err)
	}

	restored := 0
	for id, recs := range listed {
		unlock := r.gate.exclusive(id)
		sess, _, err := r.session(ctx, id)
		if err != nil {
			unlock()
			return restored, err
		}
		added := 0
		for _, rec := range recs {
			if _, ok := sess.Chunks[rec.Index]; ok {
				continue
			}
			if err := r.store.PutChunk(ctx, id, rec); err != nil {
				unlock()
				return restored, err
			}
			added++
		}
		unlock()
		if added > 0 {
			restored++
			log.Debug().Str("identity", id).Int("chunks", added).Msg("session rebuilt from chunk store")
		}
	}
	return restored, nil
}

// Recover возвращает в collecting сессии, оставшиеся в merging после аварийной остановки.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, sess := range sessions {
		if sess.State != models.StateMerging {
			continue
		}
		if err := r.store.SetState(ctx, sess.Identity, models.StateCollecting); err != nil {
			return n, fmt.Errorf("recover %s: %w", sess.Identity, err)
		}
		log.Warn().Str("identity", sess.Identity).Msg("interrupted merge reset to collecting")
		n++
	}
	return n, nil
}
