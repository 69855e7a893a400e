package meta

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sir_venger/chunkd/internal/models"
)

// MemoryStore хранит метаданные только в оперативной памяти; удобно для тестов.
// После рестарта сессии восстанавливаются сканированием хранилища чанков.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.UploadSession
	artifacts map[string]models.Artifact
	names     map[string]string // имя итогового файла -> identity
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore создаёт пустое in-memory хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]*models.UploadSession{},
		artifacts: map[string]models.Artifact{},
		names:     map[string]string{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetSession возвращает сессию по id или ошибку, если её нет.
func (s *MemoryStore) GetSession(_ context.Context, id string) (models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.UploadSession{}, models.ErrNotFound
	}
	return sess.Clone(), nil
}

// PutChunk записывает (или перезаписывает) один чанк.
func (s *MemoryStore) PutChunk(_ context.Context, id string, rec models.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(id)
	sess.Chunks[rec.Index] = rec
	sess.UpdatedAt = s.now()
	return nil
}

// SetExpected сохраняет заявленное число чанков.
func (s *MemoryStore) SetExpected(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(id)
	sess.ExpectedChunks = n
	sess.UpdatedAt = s.now()
	return nil
}

// SetState меняет состояние сессии.
func (s *MemoryStore) SetState(_ context.Context, id string, st models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.ErrNotFound
	}
	sess.State = st
	sess.UpdatedAt = s.now()
	return nil
}

// DeleteSession удаляет сессию; отсутствие сессии не ошибка.
func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// ListSessions возвращает копии всех сессий, отсортированные по identity.
func (s *MemoryStore) ListSessions(_ context.Context) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UploadSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (s *MemoryStore) SaveArtifact(_ context.Context, a models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.artifacts[a.Identity]; ok && s.names[prev.Name] == a.Identity {
		delete(s.names, prev.Name)
	}
	if owner, ok := s.names[a.Name]; ok && owner != a.Identity {
		delete(s.artifacts, owner)
	}
	s.names[a.Name] = a.Identity
	s.artifacts[a.Identity] = a
	return nil
}

func (s *MemoryStore) GetArtifact(_ context.Context, id string) (models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return models.Artifact{}, models.ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) ensureLocked(id string) *models.UploadSession {
	sess, ok := s.sessions[id]
	if !ok {
		fresh := models.NewSession(id, s.now())
		sess = &fresh
		s.sessions[id] = sess
	}
	return sess
}
