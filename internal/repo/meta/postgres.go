package meta

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore сохраняет сессии, чанки и итоговые файлы в Postgres.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PGStore)(nil)

const (
	sessionsTable  = "upload_sessions"
	chunksTable    = "upload_chunks"
	artifactsTable = "upload_artifacts"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewPGStore создаёт пул подключений к Postgres. Таблицы создаются миграциями.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("registry dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PGStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close освобождает подключения пула.
func (s *PGStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
