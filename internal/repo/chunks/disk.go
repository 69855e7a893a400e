package chunks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sir_venger/chunkd/internal/models"
)

const tmpPattern = ".part-*.tmp"

// DiskStore хранит чанки в локальном каталоге: <root>/<ab>/<identity>/part-NNNNNNNN.
type DiskStore struct {
	root string
}

var _ Store = (*DiskStore)(nil)

// NewDiskStore создаёт хранилище поверх каталога, при необходимости создавая его.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &DiskStore{root: root}, nil
}

// Root возвращает корневой каталог хранилища.
func (s *DiskStore) Root() string {
	return s.root
}

func (s *DiskStore) path(id string, idx int) string {
	return filepath.Join(s.root, filepath.FromSlash(chunkKey(id, idx)))
}

// Put пишет чанк во временный файл рядом с целевым и публикует его через rename.
func (s *DiskStore) Put(ctx context.Context, id string, idx int, r io.Reader, opts PutOptions) (models.ChunkRecord, error) {
	if err := checkArgs(id, idx); err != nil {
		return models.ChunkRecord{}, err
	}

	dst := s.path(id, idx)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return models.ChunkRecord{}, fmt.Errorf("%w: %v", models.ErrStorageWriteFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), tmpPattern)
	if err != nil {
		return models.ChunkRecord{}, fmt.Errorf("%w: %v", models.ErrStorageWriteFailed, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (models.ChunkRecord, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return models.ChunkRecord{}, err
	}

	v := newVerifier(opts)
	n, err := io.Copy(tmp, v.reader(r))
	if err != nil {
		return fail(fmt.Errorf("%w: %w", models.ErrStorageWriteFailed, err))
	}
	if ctx.Err() != nil {
		return fail(fmt.Errorf("%w: %w", models.ErrStorageWriteFailed, ctx.Err()))
	}
	sum, err := v.check(n)
	if err != nil {
		return fail(err)
	}
	if err = tmp.Sync(); err != nil {
		return fail(fmt.Errorf("%w: %v", models.ErrStorageWriteFailed, err))
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return models.ChunkRecord{}, fmt.Errorf("%w: %v", models.ErrStorageWriteFailed, err)
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return models.ChunkRecord{}, fmt.Errorf("%w: %v", models.ErrStorageWriteFailed, err)
	}

	return models.ChunkRecord{
		Index:      idx,
		Size:       n,
		StorageRef: chunkKey(id, idx),
		Sha256:     sum,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// Open открывает опубликованный чанк.
func (s *DiskStore) Open(_ context.Context, id string, idx int) (io.ReadCloser, error) {
	if err := checkArgs(id, idx); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(id, idx))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: chunk %s/%d", models.ErrNotFound, id, idx)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Delete удаляет чанк и пустой каталог identity.
func (s *DiskStore) Delete(_ context.Context, id string, idx int) error {
	if err := checkArgs(id, idx); err != nil {
		return err
	}
	p := s.path(id, idx)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete chunk: %w", err)
	}
	// Каталог удалится только если он уже пуст.
	_ = os.Remove(filepath.Dir(p))
	return nil
}

// List обходит каталог и собирает опубликованные чанки; временные файлы пропускаются.
func (s *DiskStore) List(ctx context.Context) (map[string][]models.ChunkRecord, error) {
	out := map[string][]models.ChunkRecord{}
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		id, idx, ok := parseKey(key)
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		out[id] = append(out[id], models.ChunkRecord{
			Index:      idx,
			Size:       info.Size(),
			StorageRef: key,
			ReceivedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	return out, nil
}

// Usage суммирует размер всех файлов каталога.
func (s *DiskStore) Usage(_ context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}
	return total, nil
}

func (s *DiskStore) Close() error { return nil }
