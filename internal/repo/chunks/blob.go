package chunks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/sir_venger/chunkd/internal/models"

	// Drivers
	_ "gocloud.dev/blob/fileblob" // file:// URLs
	_ "gocloud.dev/blob/memblob"  // mem:// URLs
	_ "gocloud.dev/blob/s3blob"   // s3:// URLs
)

// BlobStore хранит чанки в bucket'е Go CDK (mem://, file://, s3://).
// Writer публикует объект только на успешном Close, отмена контекста до Close прерывает запись.
type BlobStore struct {
	bucket *blob.Bucket
	url    string
}

var _ Store = (*BlobStore)(nil)

// NewBlobStore открывает bucket по URL.
func NewBlobStore(ctx context.Context, url string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", url, err)
	}

	return &BlobStore{bucket: bucket, url: url}, nil
}

// Put стримит тело в blob writer; при любой ошибке запись прерывается отменой контекста.
func (s *BlobStore) Put(ctx context.Context, id string, idx int, r io.Reader, opts PutOptions) (models.ChunkRecord, error) {
	if err := checkArgs(id, idx); err != nil {
		return models.ChunkRecord{}, err
	}
	key := chunkKey(id, idx)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return models.ChunkRecord{}, fmt.Errorf("%w: %v", models.ErrStorageWriteFailed, blobErr(err, key))
	}
	abort := func(err error) (models.ChunkRecord, error) {
		cancel()
		_ = w.Close()
		return models.ChunkRecord{}, err
	}

	v := newVerifier(opts)
	n, err := io.Copy(w, v.reader(r))
	if err != nil {
		return abort(fmt.Errorf("%w: %w", models.ErrStorageWriteFailed, err))
	}
	sum, err := v.check(n)
	if err != nil {
		return abort(err)
	}
	if err = w.Close(); err != nil {
		return models.ChunkRecord{}, fmt.Errorf("%w: %v", models.ErrStorageWriteFailed, blobErr(err, key))
	}

	return models.ChunkRecord{
		Index:      idx,
		Size:       n,
		StorageRef: key,
		Sha256:     sum,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// Open возвращает reader опубликованного объекта.
func (s *BlobStore) Open(ctx context.Context, id string, idx int) (io.ReadCloser, error) {
	if err := checkArgs(id, idx); err != nil {
		return nil, err
	}
	key := chunkKey(id, idx)
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, blobErr(err, key)
	}
	return r, nil
}

// Delete удаляет объект; NotFound игнорируется.
func (s *BlobStore) Delete(ctx context.Context, id string, idx int) error {
	if err := checkArgs(id, idx); err != nil {
		return err
	}
	key := chunkKey(id, idx)
	if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return blobErr(err, key)
	}
	return nil
}

// List перечисляет все объекты bucket'а и оставляет только ключи чанков.
func (s *BlobStore) List(ctx context.Context) (map[string][]models.ChunkRecord, error) {
	out := map[string][]models.ChunkRecord{}
	err := s.each(ctx, func(obj *blob.ListObject) {
		id, idx, ok := parseKey(obj.Key)
		if !ok {
			return
		}
		out[id] = append(out[id], models.ChunkRecord{
			Index:      idx,
			Size:       obj.Size,
			StorageRef: obj.Key,
			ReceivedAt: obj.ModTime.UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Usage суммирует размеры объектов bucket'а.
func (s *BlobStore) Usage(ctx context.Context) (int64, error) {
	var total int64
	err := s.each(ctx, func(obj *blob.ListObject) {
		total += obj.Size
	})
	return total, err
}

// Close закрывает bucket.
func (s *BlobStore) Close() error {
	if s.bucket == nil {
		return nil
	}
	err := s.bucket.Close()
	s.bucket = nil
	return err
}

func (s *BlobStore) each(ctx context.Context, fn func(*blob.ListObject)) error {
	iter := s.bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return blobErr(err, s.url)
		}
		if obj.IsDir {
			continue
		}
		fn(obj)
	}
}

// blobErr переводит ошибки Go CDK в доменные.
func blobErr(err error, key string) error {
	if err == nil {
		return nil
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: object %q", models.ErrNotFound, key)
	case gcerrors.InvalidArgument:
		return fmt.Errorf("%w: object %q: %v", models.ErrInvalidArgument, key, err)
	default:
		return fmt.Errorf("blob %q: %w", key, err)
	}
}
