package uploadsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sir_venger/chunkd/internal/metrics"
	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/internal/repo/chunks"
)

const (
	mergeTmpPattern    = ".merge-*.tmp"
	cleanupParallelism = 8
)

// Coordinator склеивает чанки в итоговый файл и проверяет отпечаток.
type Coordinator struct {
	reg         *Registry
	chunks      chunks.Store
	artifactDir string
	fp          models.Fingerprint
	metrics     *metrics.Metrics
	// names сериализует публикацию под одним именем: rename и запись владельца идут вместе.
	names *gate
}

// NewCoordinator создаёт координатор и каталог итоговых файлов.
func NewCoordinator(reg *Registry, store chunks.Store, artifactDir string, fp models.Fingerprint, m *metrics.Metrics) (*Coordinator, error) {
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Coordinator{
		reg:         reg,
		chunks:      store,
		artifactDir: artifactDir,
		fp:          fp,
		metrics:     m,
		names:       newGate(),
	}, nil
}

// Finalize проверяет полноту набора, склеивает чанки по возрастанию индекса,
// пересчитывает отпечаток и публикует файл под именем name.
// expected == 0 означает «взять число, записанное при загрузке чанков».
func (c *Coordinator) Finalize(ctx context.Context, rawID, rawName string, expected int) (models.Artifact, error) {
	id, err := c.fp.ParseIdentity(rawID)
	if err != nil {
		return models.Artifact{}, err
	}
	name, err := models.SanitizeName(rawName)
	if err != nil {
		return models.Artifact{}, err
	}
	if expected < 0 {
		return models.Artifact{}, fmt.Errorf("%w: total chunks must be non-negative", models.ErrInvalidArgument)
	}

	// Слияние не зависит от клиента: обрыв соединения не должен оставить его на середине.
	ctx = context.WithoutCancel(ctx)

	sess, n, err := c.begin(ctx, id, expected)
	if err != nil {
		if errors.Is(err, errAlreadyCompleted) {
			return c.reg.store.GetArtifact(ctx, id)
		}
		c.metrics.RecordMergeRejected()
		return models.Artifact{}, err
	}

	done := c.metrics.MergeStarted()
	logger := log.With().Str("identity", id).Str("name", name).Int("chunks", n).Logger()
	logger.Info().Msg("merge started")
	started := time.Now()

	tmpPath, size, err := c.concat(ctx, id, sess, n)
	var sizeErr *chunkSizeError
	switch {
	case errors.As(err, &sizeErr):
		c.fail(ctx, id)
		done(metrics.MergeVerifyFailed)
		logger.Warn().Err(err).Msg("stored chunk differs from its record")
		return models.Artifact{}, fmt.Errorf("%w: %v", models.ErrMergeVerificationFailed, err)
	case err != nil:
		c.fail(ctx, id)
		done(metrics.MergeIOFailed)
		logger.Error().Err(err).Msg("merge failed")
		return models.Artifact{}, fmt.Errorf("%w: %v", models.ErrMergeIOFailed, err)
	}

	sum, err := c.rehash(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		c.fail(ctx, id)
		done(metrics.MergeIOFailed)
		logger.Error().Err(err).Msg("merge rehash failed")
		return models.Artifact{}, fmt.Errorf("%w: %v", models.ErrMergeIOFailed, err)
	}
	if sum != id {
		_ = os.Remove(tmpPath)
		c.fail(ctx, id)
		done(metrics.MergeVerifyFailed)
		logger.Warn().Str("got", sum).Msg("merged file fingerprint mismatch")
		return models.Artifact{}, fmt.Errorf("%w: %s of merged file is %s", models.ErrMergeVerificationFailed, c.fp.Name, sum)
	}

	art := models.Artifact{
		Identity:    id,
		Name:        name,
		Size:        size,
		Chunks:      n,
		CompletedAt: time.Now().UTC(),
	}
	if err := c.publish(ctx, tmpPath, art); err != nil {
		c.fail(ctx, id)
		done(metrics.MergeIOFailed)
		logger.Error().Err(err).Msg("publish failed")
		return models.Artifact{}, fmt.Errorf("%w: %v", models.ErrMergeIOFailed, err)
	}

	c.cleanup(ctx, id, n)
	done(metrics.MergeOK)
	logger.Info().Int64("size", size).Dur("took", time.Since(started)).Msg("merge completed")

	return art, nil
}

var errAlreadyCompleted = errors.New("already completed")

// begin под exclusive-lock проверяет набор чанков и переводит сессию в merging.
func (c *Coordinator) begin(ctx context.Context, id string, expected int) (models.UploadSession, int, error) {
	unlock := c.reg.gate.exclusive(id)
	defer unlock()

	sess, ok, err := c.reg.session(ctx, id)
	if err != nil {
		return models.UploadSession{}, 0, err
	}
	if !ok {
		_, exists, err := c.Lookup(ctx, id)
		if err != nil {
			return models.UploadSession{}, 0, err
		}
		if exists {
			return models.UploadSession{}, 0, errAlreadyCompleted
		}
		return models.UploadSession{}, 0, fmt.Errorf("%w: no chunks received for %s", models.ErrIncompleteUpload, id)
	}

	if sess.State == models.StateMerging {
		return models.UploadSession{}, 0, fmt.Errorf("%w: %s", models.ErrMergeInProgress, id)
	}

	n := sess.ExpectedChunks
	switch {
	case expected > 0 && n > 0 && expected != n:
		return models.UploadSession{}, 0, fmt.Errorf("%w: total chunks %d conflicts with recorded %d", models.ErrInvalidArgument, expected, n)
	case expected > 0:
		n = expected
	}
	if err := sess.CheckComplete(n); err != nil {
		return models.UploadSession{}, 0, err
	}

	if n != sess.ExpectedChunks {
		if err := c.reg.store.SetExpected(ctx, id, n); err != nil {
			return models.UploadSession{}, 0, err
		}
	}
	if err := c.reg.store.SetState(ctx, id, models.StateMerging); err != nil {
		return models.UploadSession{}, 0, err
	}
	return sess, n, nil
}

// concat копирует чанки 0..n-1 во временный файл в каталоге итоговых файлов.
func (c *Coordinator) concat(ctx context.Context, id string, sess models.UploadSession, n int) (string, int64, error) {
	tmp, err := os.CreateTemp(c.artifactDir, mergeTmpPattern)
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, int64, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", 0, err
	}

	var total int64
	for idx := 0; idx < n; idx++ {
		rec := sess.Chunks[idx]
		written, err := c.copyChunk(ctx, tmp, id, idx)
		if err != nil {
			return fail(err)
		}
		if written != rec.Size {
			return fail(&chunkSizeError{index: idx, got: written, want: rec.Size})
		}
		total += written
	}

	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}
	return tmpPath, total, nil
}

func (c *Coordinator) copyChunk(ctx context.Context, w io.Writer, id string, idx int) (int64, error) {
	rc, err := c.chunks.Open(ctx, id, idx)
	if err != nil {
		return 0, fmt.Errorf("open chunk %d: %w", idx, err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fmt.Errorf("copy chunk %d: %w", idx, err)
	}
	return n, nil
}

// chunkSizeError: байты чанка в хранилище не совпадают по размеру с записью реестра.
type chunkSizeError struct {
	index     int
	got, want int64
}

func (e *chunkSizeError) Error() string {
	return fmt.Sprintf("chunk %d: size %d, recorded %d", e.index, e.got, e.want)
}

// publish переименовывает проверенный файл в итоговое имя и записывает артефакт под lock имени.
// SaveArtifact снимает запись identity, чей файл был заменён.
func (c *Coordinator) publish(ctx context.Context, tmpPath string, art models.Artifact) error {
	unlock := c.names.exclusive(art.Name)
	defer unlock()

	dst := filepath.Join(c.artifactDir, art.Name)
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publish artifact: %w", err)
	}
	if err := c.reg.store.SaveArtifact(ctx, art); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("save artifact record: %w", err)
	}
	return nil
}

// Lookup возвращает итоговый файл identity. Запись, для которой на диске нет
// файла того же размера, считается отсутствующей.
func (c *Coordinator) Lookup(ctx context.Context, id string) (models.Artifact, bool, error) {
	a, ok, err := c.reg.artifact(ctx, id)
	if err != nil || !ok {
		return models.Artifact{}, false, err
	}

	info, err := os.Stat(filepath.Join(c.artifactDir, a.Name))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return models.Artifact{}, false, nil
	case err != nil:
		return models.Artifact{}, false, err
	case !info.Mode().IsRegular() || info.Size() != a.Size:
		return models.Artifact{}, false, nil
	}
	return a, true, nil
}

// rehash читает уже закрытый файл заново, чтобы проверить то, что реально легло на диск.
func (c *Coordinator) rehash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.fp.Sum(f)
}

// fail переводит сессию в failed; чанки остаются для повторной попытки.
func (c *Coordinator) fail(ctx context.Context, id string) {
	if err := c.reg.store.SetState(ctx, id, models.StateFailed); err != nil {
		log.Error().Err(err).Str("identity", id).Msg("mark session failed")
	}
}

// cleanup удаляет чанки и сессию после опубликованного файла. Ошибки только логируются:
// итоговый файл уже существует, оставшиеся чанки подберёт sweeper.
func (c *Coordinator) cleanup(ctx context.Context, id string, n int) {
	var eg errgroup.Group
	eg.SetLimit(cleanupParallelism)
	for idx := 0; idx < n; idx++ {
		idx := idx
		eg.Go(func() error {
			return c.chunks.Delete(ctx, id, idx)
		})
	}
	if err := eg.Wait(); err != nil {
		log.Warn().Err(err).Str("identity", id).Msg("delete merged chunks")
	}

	if err := c.reg.store.DeleteSession(ctx, id); err != nil {
		log.Warn().Err(err).Str("identity", id).Msg("delete completed session")
	}
}
