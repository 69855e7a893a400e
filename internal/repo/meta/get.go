package meta

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/sir_venger/chunkd/internal/models"
)

var sessionColumns = []string{"identity", "expected_chunks", "state", "created_at", "updated_at"}

var chunkColumns = []string{"identity", "idx", "size", "storage_ref", "sha256", "received_at"}

// GetSession возвращает сессию вместе с записями чанков.
func (s *PGStore) GetSession(ctx context.Context, id string) (models.UploadSession, error) {
	sqlStr, args, err := psql.
		Select(sessionColumns...).
		From(sessionsTable).
		Where(sq.Eq{"identity": id}).
		Limit(1).
		ToSql()
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("build select: %w", err)
	}

	sess, err := scanSession(s.pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadSession{}, models.ErrNotFound
		}
		return models.UploadSession{}, fmt.Errorf("scan session row: %w", err)
	}

	byID, err := s.selectChunks(ctx, sq.Eq{"identity": id})
	if err != nil {
		return models.UploadSession{}, err
	}
	for _, rec := range byID[id] {
		sess.Chunks[rec.Index] = rec
	}
	return sess, nil
}

// ListSessions читает все сессии двумя запросами: заголовки и чанки.
func (s *PGStore) ListSessions(ctx context.Context) ([]models.UploadSession, error) {
	sqlStr, args, err := psql.
		Select(sessionColumns...).
		From(sessionsTable).
		OrderBy("identity").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	var out []models.UploadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byID, err := s.selectChunks(ctx, nil)
	if err != nil {
		return nil, err
	}
	for i := range out {
		for _, rec := range byID[out[i].Identity] {
			out[i].Chunks[rec.Index] = rec
		}
	}
	return out, nil
}

// GetArtifact возвращает запись итогового файла.
func (s *PGStore) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	sqlStr, args, err := psql.
		Select("identity", "name", "size", "chunks", "completed_at").
		From(artifactsTable).
		Where(sq.Eq{"identity": id}).
		Limit(1).
		ToSql()
	if err != nil {
		return models.Artifact{}, fmt.Errorf("build select: %w", err)
	}

	var a models.Artifact
	err = s.pool.QueryRow(ctx, sqlStr, args...).Scan(&a.Identity, &a.Name, &a.Size, &a.Chunks, &a.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Artifact{}, models.ErrNotFound
		}
		return models.Artifact{}, fmt.Errorf("scan artifact row: %w", err)
	}
	a.CompletedAt = a.CompletedAt.UTC()
	return a, nil
}

func (s *PGStore) selectChunks(ctx context.Context, where sq.Sqlizer) (map[string][]models.ChunkRecord, error) {
	q := psql.Select(chunkColumns...).From(chunksTable).OrderBy("identity", "idx")
	if where != nil {
		q = q.Where(where)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select chunks: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	out := map[string][]models.ChunkRecord{}
	for rows.Next() {
		var (
			id  string
			rec models.ChunkRecord
		)
		if err := rows.Scan(&id, &rec.Index, &rec.Size, &rec.StorageRef, &rec.Sha256, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		out[id] = append(out[id], rec)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (models.UploadSession, error) {
	var (
		id               string
		expected         int
		state            string
		created, updated time.Time
	)
	if err := row.Scan(&id, &expected, &state, &created, &updated); err != nil {
		return models.UploadSession{}, err
	}
	st, err := models.ParseSessionState(state)
	if err != nil {
		return models.UploadSession{}, err
	}

	sess := models.NewSession(id, created.UTC())
	sess.ExpectedChunks = expected
	sess.State = st
	sess.UpdatedAt = updated.UTC()
	return sess, nil
}
