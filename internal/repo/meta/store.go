// Package meta хранит состояние сессий загрузки и записи об итоговых файлах.
// Каждый метод атомарен сам по себе; несколько вызовов согласует реестр уровнем выше.
package meta

import (
	"context"

	"github.com/sir_venger/chunkd/internal/models"
)

// Store хранит метаданные реестра чанков.
type Store interface {
	// GetSession возвращает копию сессии или models.ErrNotFound.
	GetSession(ctx context.Context, id string) (models.UploadSession, error)
	// PutChunk вставляет или заменяет запись одного чанка, создавая сессию при первом чанке.
	PutChunk(ctx context.Context, id string, rec models.ChunkRecord) error
	// SetExpected запоминает заявленное число чанков, создавая сессию при необходимости.
	SetExpected(ctx context.Context, id string, n int) error
	// SetState меняет состояние существующей сессии.
	SetState(ctx context.Context, id string, st models.SessionState) error
	// DeleteSession удаляет сессию вместе с записями чанков.
	DeleteSession(ctx context.Context, id string) error
	// ListSessions возвращает снимок всех сессий.
	ListSessions(ctx context.Context) ([]models.UploadSession, error)

	// SaveArtifact записывает итоговый файл. Имя принадлежит одному identity: запись
	// другого identity с тем же именем удаляется в той же операции.
	SaveArtifact(ctx context.Context, a models.Artifact) error
	// GetArtifact возвращает запись итогового файла или models.ErrNotFound.
	GetArtifact(ctx context.Context, id string) (models.Artifact, error)

	Close() error
}
