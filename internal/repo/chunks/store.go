// Package chunks хранит содержимое отдельных чанков, адресуемых парой (identity, index).
// Запись атомарна для читателей: чанк сначала пишется во временный объект и только затем публикуется.
package chunks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/sir_venger/chunkd/internal/models"
)

const (
	partPrefix         = "part-"
	partFilenameFormat = partPrefix + "%08d"
)

// PutOptions — необязательные проверки, выполняемые во время записи.
type PutOptions struct {
	// Sha256: ожидаемый хеш содержимого в hex; пустая строка отключает проверку.
	Sha256 string
	// MaxSize ограничивает размер чанка; 0 снимает лимит.
	MaxSize int64
}

// Store описывает хранилище чанков. Реестр оно не обновляет.
type Store interface {
	// Put сохраняет чанк и возвращает запись о нём; при ошибке ничего не опубликовано.
	Put(ctx context.Context, id string, idx int, r io.Reader, opts PutOptions) (models.ChunkRecord, error)
	// Open открывает опубликованный чанк на чтение; models.ErrNotFound, если его нет.
	Open(ctx context.Context, id string, idx int) (io.ReadCloser, error)
	// Delete удаляет чанк; отсутствие чанка ошибкой не считается.
	Delete(ctx context.Context, id string, idx int) error
	// List сканирует пространство чанков и группирует записи по identity.
	List(ctx context.Context) (map[string][]models.ChunkRecord, error)
	// Usage возвращает суммарный объём хранимых чанков.
	Usage(ctx context.Context) (int64, error)
	Close() error
}

// chunkKey: единственное место, где identity и индекс превращаются в ключ хранилища.
// На вход попадают только провалидированные значения.
func chunkKey(id string, idx int) string {
	return path.Join(shard(id), id, fmt.Sprintf(partFilenameFormat, idx))
}

func shard(id string) string {
	if len(id) < 2 {
		return "_"
	}
	return id[:2]
}

// parseKey разбирает ключ вида "ab/abcdef.../part-00000001".
func parseKey(key string) (string, int, bool) {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	if len(parts) != 3 || parts[0] != shard(parts[1]) {
		return "", 0, false
	}
	if !strings.HasPrefix(parts[2], partPrefix) {
		return "", 0, false
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(parts[2], partPrefix))
	if err != nil || idx < 0 {
		return "", 0, false
	}
	return parts[1], idx, true
}

// checkArgs не даёт невалидным значениям дойти до построения ключа.
func checkArgs(id string, idx int) error {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return fmt.Errorf("%w: bad identity %q", models.ErrInvalidArgument, id)
	}
	if idx < 0 {
		return fmt.Errorf("%w: bad chunk index %d", models.ErrInvalidArgument, idx)
	}
	return nil
}

// verifier считает sha256 и размер по мере записи и проверяет ограничения.
type verifier struct {
	h    hash.Hash
	opts PutOptions
}

func newVerifier(opts PutOptions) *verifier {
	return &verifier{h: sha256.New(), opts: opts}
}

// reader оборачивает тело запроса: читаем на байт больше лимита, чтобы заметить превышение.
func (v *verifier) reader(r io.Reader) io.Reader {
	if v.opts.MaxSize > 0 {
		r = io.LimitReader(r, v.opts.MaxSize+1)
	}
	return io.TeeReader(r, v.h)
}

func (v *verifier) check(n int64) (string, error) {
	if v.opts.MaxSize > 0 && n > v.opts.MaxSize {
		return "", fmt.Errorf("%w: more than %d bytes", models.ErrChunkTooLarge, v.opts.MaxSize)
	}
	got := hex.EncodeToString(v.h.Sum(nil))
	if exp := strings.ToLower(strings.TrimSpace(v.opts.Sha256)); exp != "" && exp != got {
		return "", fmt.Errorf("%w: want %s, got %s", models.ErrChecksumMismatch, exp, got)
	}
	return got, nil
}
