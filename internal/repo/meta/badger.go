package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/sir_venger/chunkd/internal/models"
)

// Ключи BadgerStore:
//
//	s/<identity>          заголовок сессии (JSON без чанков)
//	c/<identity>/<idx>    запись чанка, idx в %08d
//	a/<identity>          итоговый файл
//	n/<name>              identity владельца имени итогового файла
const (
	sessionPrefix  = "s/"
	chunkPrefix    = "c/"
	artifactPrefix = "a/"
	namePrefix     = "n/"

	conflictRetries = 8
)

// BadgerStore хранит метаданные во встроенном KV; данные переживают рестарт без внешней БД.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore открывает базу в каталоге dir. Пустой dir означает in-memory режим.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if strings.TrimSpace(dir) == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

type sessionHeader struct {
	Identity       string              `json:"identity"`
	ExpectedChunks int                 `json:"expected_chunks,omitempty"`
	State          models.SessionState `json:"state"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func sessionKey(id string) []byte { return []byte(sessionPrefix + id) }

func chunkKeyPrefix(id string) []byte { return []byte(chunkPrefix + id + "/") }

func chunkRecordKey(id string, idx int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", chunkPrefix, id, idx))
}

func artifactKey(id string) []byte { return []byte(artifactPrefix + id) }

func nameKey(name string) []byte { return []byte(namePrefix + name) }

// GetSession собирает сессию из заголовка и записей чанков.
func (s *BadgerStore) GetSession(_ context.Context, id string) (models.UploadSession, error) {
	var sess models.UploadSession
	err := s.db.View(func(txn *badger.Txn) error {
		h, err := getHeader(txn, id)
		if err != nil {
			return err
		}
		sess = h.session()
		return scanChunks(txn, chunkKeyPrefix(id), func(_ string, rec models.ChunkRecord) {
			sess.Chunks[rec.Index] = rec
		})
	})
	if err != nil {
		return models.UploadSession{}, err
	}
	return sess, nil
}

// PutChunk пишет запись чанка и обновляет заголовок в одной транзакции.
func (s *BadgerStore) PutChunk(_ context.Context, id string, rec models.ChunkRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return s.update(func(txn *badger.Txn) error {
		h, err := s.ensureHeader(txn, id)
		if err != nil {
			return err
		}
		if err := putHeader(txn, h); err != nil {
			return err
		}
		return txn.Set(chunkRecordKey(id, rec.Index), raw)
	})
}

// SetExpected сохраняет заявленное число чанков.
func (s *BadgerStore) SetExpected(_ context.Context, id string, n int) error {
	return s.update(func(txn *badger.Txn) error {
		h, err := s.ensureHeader(txn, id)
		if err != nil {
			return err
		}
		h.ExpectedChunks = n
		return putHeader(txn, h)
	})
}

// SetState меняет состояние существующей сессии.
func (s *BadgerStore) SetState(_ context.Context, id string, st models.SessionState) error {
	return s.update(func(txn *badger.Txn) error {
		h, err := getHeader(txn, id)
		if err != nil {
			return err
		}
		h.State = st
		h.UpdatedAt = s.now()
		return putHeader(txn, h)
	})
}

// DeleteSession удаляет заголовок и все записи чанков пачкой.
func (s *BadgerStore) DeleteSession(_ context.Context, id string) error {
	keys := [][]byte{sessionKey(id)}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := chunkKeyPrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete %q: %w", k, err)
		}
	}
	return wb.Flush()
}

// ListSessions читает все заголовки, затем все чанки одним проходом.
func (s *BadgerStore) ListSessions(_ context.Context) ([]models.UploadSession, error) {
	var out []models.UploadSession
	err := s.db.View(func(txn *badger.Txn) error {
		index := map[string]int{}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := []byte(sessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var h sessionHeader
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &h) }); err != nil {
				it.Close()
				return fmt.Errorf("decode session %q: %w", it.Item().Key(), err)
			}
			index[h.Identity] = len(out)
			out = append(out, h.session())
		}
		it.Close()

		return scanChunks(txn, []byte(chunkPrefix), func(id string, rec models.ChunkRecord) {
			if i, ok := index[id]; ok {
				out[i].Chunks[rec.Index] = rec
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) SaveArtifact(_ context.Context, a models.Artifact) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	return s.update(func(txn *badger.Txn) error {
		prev, err := getArtifact(txn, a.Identity)
		switch {
		case errors.Is(err, models.ErrNotFound):
		case err != nil:
			return err
		case prev.Name != a.Name:
			if owner, err := getOwner(txn, prev.Name); err != nil {
				return err
			} else if owner == a.Identity {
				if err := txn.Delete(nameKey(prev.Name)); err != nil {
					return err
				}
			}
		}

		owner, err := getOwner(txn, a.Name)
		if err != nil {
			return err
		}
		if owner != "" && owner != a.Identity {
			if err := txn.Delete(artifactKey(owner)); err != nil {
				return err
			}
		}
		if err := txn.Set(nameKey(a.Name), []byte(a.Identity)); err != nil {
			return err
		}
		return txn.Set(artifactKey(a.Identity), raw)
	})
}

func (s *BadgerStore) GetArtifact(_ context.Context, id string) (models.Artifact, error) {
	var a models.Artifact
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		a, err = getArtifact(txn, id)
		return err
	})
	return a, err
}

func getArtifact(txn *badger.Txn, id string) (models.Artifact, error) {
	var a models.Artifact
	item, err := txn.Get(artifactKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return a, models.ErrNotFound
	}
	if err != nil {
		return a, err
	}
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &a) })
	return a, err
}

// getOwner возвращает identity, которому принадлежит имя, или пустую строку.
func getOwner(txn *badger.Txn, name string) (string, error) {
	item, err := txn.Get(nameKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

// Close закрывает базу.
func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// update повторяет транзакцию при конфликте записи.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) ensureHeader(txn *badger.Txn, id string) (sessionHeader, error) {
	h, err := getHeader(txn, id)
	now := s.now()
	if errors.Is(err, models.ErrNotFound) {
		return sessionHeader{
			Identity:  id,
			State:     models.StateCollecting,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	if err != nil {
		return sessionHeader{}, err
	}
	h.UpdatedAt = now
	return h, nil
}

func getHeader(txn *badger.Txn, id string) (sessionHeader, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sessionHeader{}, models.ErrNotFound
	}
	if err != nil {
		return sessionHeader{}, err
	}

	var h sessionHeader
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &h) }); err != nil {
		return sessionHeader{}, fmt.Errorf("decode session %q: %w", id, err)
	}
	return h, nil
}

func putHeader(txn *badger.Txn, h sessionHeader) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return txn.Set(sessionKey(h.Identity), raw)
}

func scanChunks(txn *badger.Txn, prefix []byte, fn func(id string, rec models.ChunkRecord)) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		id, _, ok := parseChunkKey(string(item.Key()))
		if !ok {
			continue
		}
		var rec models.ChunkRecord
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return fmt.Errorf("decode chunk %q: %w", item.Key(), err)
		}
		fn(id, rec)
	}
	return nil
}

func parseChunkKey(key string) (string, int, bool) {
	rest, ok := strings.CutPrefix(key, chunkPrefix)
	if !ok {
		return "", 0, false
	}
	id, idxRaw, ok := strings.Cut(rest, "/")
	if !ok {
		return "", 0, false
	}
	idx, err := strconv.Atoi(idxRaw)
	if err != nil {
		return "", 0, false
	}
	return id, idx, true
}

func (h sessionHeader) session() models.UploadSession {
	sess := models.NewSession(h.Identity, h.CreatedAt)
	sess.ExpectedChunks = h.ExpectedChunks
	if h.State != "" {
		sess.State = h.State
	}
	sess.UpdatedAt = h.UpdatedAt
	return sess
}
