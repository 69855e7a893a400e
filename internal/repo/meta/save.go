package meta

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/sir_venger/chunkd/internal/models"
)

// touchSession создаёт сессию или обновляет updated_at; state существующей сессии не меняется.
func (s *PGStore) touchSession(ctx context.Context, tx pgx.Tx, id string) error {
	now := s.now()
	sqlStr, args, err := psql.
		Insert(sessionsTable).
		Columns("identity", "state", "created_at", "updated_at").
		Values(id, string(models.StateCollecting), now, now).
		Suffix(`ON CONFLICT (identity) DO UPDATE SET updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert session: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("exec upsert session: %w", err)
	}
	return nil
}

// PutChunk создаёт сессию (если её нет) и заменяет запись чанка в одной транзакции.
func (s *PGStore) PutChunk(ctx context.Context, id string, rec models.ChunkRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.touchSession(ctx, tx, id); err != nil {
			return err
		}

		sqlStr, args, err := psql.
			Insert(chunksTable).
			Columns(chunkColumns...).
			Values(id, rec.Index, rec.Size, rec.StorageRef, rec.Sha256, rec.ReceivedAt).
			Suffix(`
				ON CONFLICT (identity, idx) DO UPDATE
				SET size        = EXCLUDED.size,
					storage_ref = EXCLUDED.storage_ref,
					sha256      = EXCLUDED.sha256,
					received_at = EXCLUDED.received_at`).
			ToSql()
		if err != nil {
			return fmt.Errorf("build upsert chunk: %w", err)
		}
		if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("exec upsert chunk: %w", err)
		}
		return nil
	})
}

// SetExpected запоминает заявленное число чанков.
func (s *PGStore) SetExpected(ctx context.Context, id string, n int) error {
	now := s.now()
	sqlStr, args, err := psql.
		Insert(sessionsTable).
		Columns("identity", "expected_chunks", "state", "created_at", "updated_at").
		Values(id, n, string(models.StateCollecting), now, now).
		Suffix(`
			ON CONFLICT (identity) DO UPDATE
			SET expected_chunks = EXCLUDED.expected_chunks,
				updated_at      = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert expected: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("exec upsert expected: %w", err)
	}
	return nil
}

// SetState меняет состояние существующей сессии.
func (s *PGStore) SetState(ctx context.Context, id string, st models.SessionState) error {
	sqlStr, args, err := psql.
		Update(sessionsTable).
		Set("state", string(st)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"identity": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update state: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("exec update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteSession удаляет сессию; чанки уходят каскадом.
func (s *PGStore) DeleteSession(ctx context.Context, id string) error {
	sqlStr, args, err := psql.
		Delete(sessionsTable).
		Where(sq.Eq{"identity": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("exec delete: %w", err)
	}
	return nil
}

// SaveArtifact записывает (или обновляет) итоговый файл и в той же транзакции снимает
// запись другого identity, которому принадлежало это имя.
func (s *PGStore) SaveArtifact(ctx context.Context, a models.Artifact) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sqlStr, args, err := psql.
			Delete(artifactsTable).
			Where(sq.And{sq.Eq{"name": a.Name}, sq.NotEq{"identity": a.Identity}}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build delete displaced artifact: %w", err)
		}
		if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("exec delete displaced artifact: %w", err)
		}

		sqlStr, args, err = psql.
			Insert(artifactsTable).
			Columns("identity", "name", "size", "chunks", "completed_at").
			Values(a.Identity, a.Name, a.Size, a.Chunks, a.CompletedAt).
			Suffix(`
				ON CONFLICT (identity) DO UPDATE
				SET name         = EXCLUDED.name,
					size         = EXCLUDED.size,
					chunks       = EXCLUDED.chunks,
					completed_at = EXCLUDED.completed_at`).
			ToSql()
		if err != nil {
			return fmt.Errorf("build upsert artifact: %w", err)
		}
		if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("exec upsert artifact: %w", err)
		}
		return nil
	})
}
