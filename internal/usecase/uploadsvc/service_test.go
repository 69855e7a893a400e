package uploadsvc

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sir_venger/chunkd/internal/metrics"
	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/internal/repo/chunks"
	"github.com/sir_venger/chunkd/internal/repo/meta"
)

const testTTL = time.Hour

type fixture struct {
	svc         *Uploads
	disk        *chunks.DiskStore
	meta        meta.Store
	artifactDir string
	metrics     *metrics.Metrics
}

func newFixture(t *testing.T, wrap func(chunks.Store) chunks.Store) fixture {
	t.Helper()

	disk, err := chunks.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	var store chunks.Store = disk
	if wrap != nil {
		store = wrap(disk)
	}

	m := metrics.New(prometheus.NewRegistry())
	ms := meta.NewMemoryStore()
	artifactDir := filepath.Join(t.TempDir(), "files")
	svc, err := New(Deps{
		Meta:          ms,
		Chunks:        store,
		ArtifactDir:   artifactDir,
		Fingerprint:   models.FingerprintMD5,
		MaxChunkBytes: 1 << 20,
		IdleTTL:       testTTL,
		Metrics:       m,
	})
	require.NoError(t, err)

	return fixture{svc: svc, disk: disk, meta: ms, artifactDir: artifactDir, metrics: m}
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// split режет payload на n частей (последняя может быть короче).
func split(payload []byte, n int) [][]byte {
	size := (len(payload) + n - 1) / n
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		lo := min(i*size, len(payload))
		hi := min(lo+size, len(payload))
		out = append(out, payload[lo:hi])
	}
	return out
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(int64(n))).Read(b)
	require.NoError(t, err)
	return b
}

func (f fixture) upload(t *testing.T, id string, idx int, data []byte, total int) {
	t.Helper()
	_, err := f.svc.PutChunk(context.Background(), id, idx, bytes.NewReader(data), ChunkOptions{ExpectedChunks: total})
	require.NoError(t, err)
}

func TestFinalize_AnyUploadOrder(t *testing.T) {
	payload := randomPayload(t, 10_000)
	parts := split(payload, 7)
	id := md5Hex(payload)

	for seed := int64(0); seed < 5; seed++ {
		f := newFixture(t, nil)
		order := rand.New(rand.NewSource(seed)).Perm(len(parts))
		for _, idx := range order {
			f.upload(t, id, idx, parts[idx], 0)
		}

		art, err := f.svc.Finalize(context.Background(), id, "data.bin", len(parts))
		require.NoError(t, err, "order %v", order)
		assert.Equal(t, int64(len(payload)), art.Size)
		assert.Equal(t, len(parts), art.Chunks)

		got, err := os.ReadFile(filepath.Join(f.artifactDir, "data.bin"))
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestFinalize_RemovesChunksAndSession(t *testing.T) {
	payload := []byte("abcdefghij")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	for i, p := range split(payload, 3) {
		f.upload(t, id, i, p, 3)
	}

	_, err := f.svc.Finalize(context.Background(), id, "letters.txt", 0)
	require.NoError(t, err)

	_, err = f.meta.GetSession(context.Background(), id)
	assert.ErrorIs(t, err, models.ErrNotFound)
	listed, err := f.disk.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listed[id])

	entries, err := os.ReadDir(f.artifactDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not survive a merge")
	assert.Equal(t, "letters.txt", entries[0].Name())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Merges.WithLabelValues(metrics.MergeOK)))
}

func TestPutChunk_LastWriteWins(t *testing.T) {
	payload := []byte("0123456789")
	id := md5Hex(payload)
	f := newFixture(t, nil)

	f.upload(t, id, 0, payload[:5], 2)
	f.upload(t, id, 1, []byte("garbage-bytes"), 2)
	f.upload(t, id, 1, payload[5:], 2)

	p, err := f.svc.Presence(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, p.PresentIndices)

	_, err = f.svc.Finalize(context.Background(), id, "digits.txt", 2)
	require.NoError(t, err)
}

func TestPresence(t *testing.T) {
	f := newFixture(t, nil)
	id := md5Hex([]byte("anything"))

	p, err := f.svc.Presence(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []int{}, p.PresentIndices)

	f.upload(t, id, 2, []byte("c"), 0)
	f.upload(t, id, 0, []byte("a"), 0)
	f.upload(t, id, 1, []byte("b"), 0)

	p, err = f.svc.Presence(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, p.PresentIndices)
	assert.Equal(t, models.StateCollecting, p.State)

	_, err = f.svc.Presence(context.Background(), "not-hex")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestPresence_UppercaseIdentityNormalized(t *testing.T) {
	f := newFixture(t, nil)
	id := md5Hex([]byte("case"))
	f.upload(t, id, 0, []byte("x"), 0)

	p, err := f.svc.Presence(context.Background(), strings.ToUpper(id))
	require.NoError(t, err)
	assert.Equal(t, id, p.Identity)
	assert.Equal(t, []int{0}, p.PresentIndices)
}

func TestFinalize_Incomplete(t *testing.T) {
	payload := []byte("0123456789")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	parts := split(payload, 3)
	f.upload(t, id, 0, parts[0], 0)
	f.upload(t, id, 2, parts[2], 0)

	_, err := f.svc.Finalize(context.Background(), id, "x.bin", 3)
	require.ErrorIs(t, err, models.ErrIncompleteUpload)

	sess, err := f.meta.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCollecting, sess.State)
	assert.Equal(t, []int{0, 2}, sess.PresentIndices())

	exists, err := f.svc.CheckExisting(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, exists)

	// без total_chunks и без записанного числа тоже неполно
	g := newFixture(t, nil)
	g.upload(t, id, 0, parts[0], 0)
	_, err = g.svc.Finalize(context.Background(), id, "x.bin", 0)
	assert.ErrorIs(t, err, models.ErrIncompleteUpload)
}

func TestFinalize_ExtraIndexIsIncomplete(t *testing.T) {
	payload := []byte("0123456789")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	parts := split(payload, 2)
	f.upload(t, id, 0, parts[0], 0)
	f.upload(t, id, 1, parts[1], 0)
	f.upload(t, id, 2, []byte("extra"), 0)

	_, err := f.svc.Finalize(context.Background(), id, "x.bin", 2)
	assert.ErrorIs(t, err, models.ErrIncompleteUpload)
}

func TestFinalize_NoChunks(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Finalize(context.Background(), md5Hex([]byte("none")), "x.bin", 1)
	assert.ErrorIs(t, err, models.ErrIncompleteUpload)
}

func TestFinalize_ConflictingTotal(t *testing.T) {
	payload := []byte("0123456789")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	parts := split(payload, 2)
	f.upload(t, id, 0, parts[0], 2)
	f.upload(t, id, 1, parts[1], 2)

	_, err := f.svc.Finalize(context.Background(), id, "x.bin", 3)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = f.svc.PutChunk(context.Background(), id, 0, bytes.NewReader(parts[0]), ChunkOptions{ExpectedChunks: 5})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestFinalize_InvalidNames(t *testing.T) {
	payload := []byte("0123456789")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	f.upload(t, id, 0, payload, 1)

	for _, name := range []string{"", "..", "../etc/passwd", "a/b", `a\b`, "x\x00y"} {
		_, err := f.svc.Finalize(context.Background(), id, name, 1)
		assert.ErrorIs(t, err, models.ErrInvalidArgument, name)
	}

	// отклонённые имена ничего не меняют
	sess, err := f.meta.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCollecting, sess.State)
}

func TestFinalize_CorruptionRetainsChunks(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	parts := split(payload, 3)
	for i, p := range parts {
		f.upload(t, id, i, p, 3)
	}

	// Подменяем содержимое чанка тем же размером в обход сервиса.
	p1 := filepath.Join(f.disk.Root(), id[:2], id, "part-00000001")
	bad := bytes.Repeat([]byte("X"), len(parts[1]))
	require.NoError(t, os.WriteFile(p1, bad, 0o644))

	_, err := f.svc.Finalize(context.Background(), id, "fox.txt", 3)
	require.ErrorIs(t, err, models.ErrMergeVerificationFailed)

	_, statErr := os.Stat(filepath.Join(f.artifactDir, "fox.txt"))
	assert.True(t, os.IsNotExist(statErr))
	entries, err := os.ReadDir(f.artifactDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	sess, err := f.meta.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, sess.State)
	assert.Equal(t, []int{0, 1, 2}, sess.PresentIndices())

	exists, err := f.svc.CheckExisting(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, exists)

	// повторная загрузка чанка возвращает сессию в collecting и слияние проходит
	f.upload(t, id, 1, parts[1], 3)
	sess, err = f.meta.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCollecting, sess.State)

	_, err = f.svc.Finalize(context.Background(), id, "fox.txt", 3)
	require.NoError(t, err)
}

func TestFinalize_MissingChunkFileIsIOFailure(t *testing.T) {
	payload := []byte("0123456789")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	parts := split(payload, 2)
	f.upload(t, id, 0, parts[0], 2)
	f.upload(t, id, 1, parts[1], 2)

	require.NoError(t, os.Remove(filepath.Join(f.disk.Root(), id[:2], id, "part-00000001")))

	_, err := f.svc.Finalize(context.Background(), id, "x.bin", 2)
	require.ErrorIs(t, err, models.ErrMergeIOFailed)

	sess, err := f.meta.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, sess.State)
	entries, err := os.ReadDir(f.artifactDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFinalize_TruncatedChunkFailsVerification(t *testing.T) {
	payload := []byte("truncated chunk must not look like an io error")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	parts := split(payload, 3)
	for i, p := range parts {
		f.upload(t, id, i, p, 3)
	}

	// Чанк 1 укорочен до одного байта в обход сервиса.
	require.NoError(t, os.WriteFile(filepath.Join(f.disk.Root(), id[:2], id, "part-00000001"), []byte("x"), 0o644))

	_, err := f.svc.Finalize(context.Background(), id, "short.txt", 3)
	require.ErrorIs(t, err, models.ErrMergeVerificationFailed)
	assert.NotErrorIs(t, err, models.ErrMergeIOFailed)

	entries, err := os.ReadDir(f.artifactDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be removed")

	sess, err := f.meta.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, sess.State)
	assert.Equal(t, []int{0, 1, 2}, sess.PresentIndices())
	assert.Equal(t, int64(len(parts[1])), sess.Chunks[1].Size)

	stored, err := f.disk.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored[id], 3)
}

func TestCheckExisting_BeforeAndAfter(t *testing.T) {
	payload := []byte("exists?")
	id := md5Hex(payload)
	f := newFixture(t, nil)

	exists, err := f.svc.CheckExisting(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, exists)

	f.upload(t, id, 0, payload, 1)
	exists, err = f.svc.CheckExisting(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, exists, "chunks alone do not make an artifact")

	_, err = f.svc.Finalize(context.Background(), id, "q.txt", 1)
	require.NoError(t, err)

	exists, err = f.svc.CheckExisting(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, exists)

	st, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, "q.txt", st.Name)
	assert.Equal(t, int64(len(payload)), st.Size)

	_, err = f.svc.CheckExisting(context.Background(), "zz")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestFinalize_SameNameDisplacesPreviousOwner(t *testing.T) {
	a := []byte("content A content A")
	b := []byte("content B different")
	idA, idB := md5Hex(a), md5Hex(b)
	f := newFixture(t, nil)

	f.upload(t, idA, 0, a, 1)
	_, err := f.svc.Finalize(context.Background(), idA, "same.txt", 1)
	require.NoError(t, err)

	f.upload(t, idB, 0, b, 1)
	_, err = f.svc.Finalize(context.Background(), idB, "same.txt", 1)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(f.artifactDir, "same.txt"))
	require.NoError(t, err)
	assert.Equal(t, b, got)

	exists, err := f.svc.CheckExisting(context.Background(), idA)
	require.NoError(t, err)
	assert.False(t, exists, "same.txt now holds other content")
	st, err := f.svc.Status(context.Background(), idA)
	require.NoError(t, err)
	assert.False(t, st.Exists)

	st, err = f.svc.Status(context.Background(), idB)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, "same.txt", st.Name)

	// A можно загрузить заново под своим именем
	f.upload(t, idA, 0, a, 1)
	_, err = f.svc.Finalize(context.Background(), idA, "a.txt", 1)
	require.NoError(t, err)
	exists, err = f.svc.CheckExisting(context.Background(), idA)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCheckExisting_ArtifactChangedOnDisk(t *testing.T) {
	payload := []byte("published then tampered")
	id := md5Hex(payload)
	f := newFixture(t, nil)

	f.upload(t, id, 0, payload, 1)
	_, err := f.svc.Finalize(context.Background(), id, "t.txt", 1)
	require.NoError(t, err)

	dst := filepath.Join(f.artifactDir, "t.txt")
	require.NoError(t, os.WriteFile(dst, []byte("short"), 0o644))
	exists, err := f.svc.CheckExisting(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, exists, "size differs from record")

	require.NoError(t, os.Remove(dst))
	st, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, st.Exists)
}

func TestFinalize_Idempotent(t *testing.T) {
	payload := []byte("twice")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	f.upload(t, id, 0, payload, 1)

	first, err := f.svc.Finalize(context.Background(), id, "twice.txt", 1)
	require.NoError(t, err)
	second, err := f.svc.Finalize(context.Background(), id, "twice.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPutChunk_Validation(t *testing.T) {
	f := newFixture(t, nil)
	id := md5Hex([]byte("v"))
	ctx := context.Background()

	_, err := f.svc.PutChunk(ctx, "../../etc", 0, bytes.NewReader([]byte("x")), ChunkOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = f.svc.PutChunk(ctx, id, -1, bytes.NewReader([]byte("x")), ChunkOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = f.svc.PutChunk(ctx, id, 3, bytes.NewReader([]byte("x")), ChunkOptions{ExpectedChunks: 2})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = f.svc.PutChunk(ctx, id, 0, bytes.NewReader(make([]byte, 2<<20)), ChunkOptions{})
	assert.ErrorIs(t, err, models.ErrChunkTooLarge)

	_, err = f.svc.PutChunk(ctx, id, 0, bytes.NewReader([]byte("x")), ChunkOptions{Sha256: "00"})
	assert.ErrorIs(t, err, models.ErrChecksumMismatch)

	// ни одна отклонённая загрузка не зарегистрирована
	p, err := f.svc.Presence(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, p.PresentIndices)
}

type failingPutStore struct {
	chunks.Store
}

func (failingPutStore) Put(context.Context, string, int, io.Reader, chunks.PutOptions) (models.ChunkRecord, error) {
	return models.ChunkRecord{}, models.ErrStorageWriteFailed
}

func TestPutChunk_StorageFailureDoesNotRegister(t *testing.T) {
	f := newFixture(t, func(s chunks.Store) chunks.Store { return failingPutStore{s} })
	id := md5Hex([]byte("disk full"))

	_, err := f.svc.PutChunk(context.Background(), id, 0, bytes.NewReader([]byte("x")), ChunkOptions{})
	require.ErrorIs(t, err, models.ErrStorageWriteFailed)

	_, err = f.meta.GetSession(context.Background(), id)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPutChunk_ConcurrentDistinctIndices(t *testing.T) {
	payload := randomPayload(t, 64*1024)
	parts := split(payload, 32)
	id := md5Hex(payload)
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, len(parts))
	for i, p := range parts {
		wg.Add(1)
		go func(i int, p []byte) {
			defer wg.Done()
			_, err := f.svc.PutChunk(context.Background(), id, i, bytes.NewReader(p), ChunkOptions{ExpectedChunks: len(parts)})
			errs <- err
		}(i, p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := f.svc.Presence(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, p.PresentIndices, len(parts))

	_, err = f.svc.Finalize(context.Background(), id, "big.bin", len(parts))
	require.NoError(t, err)
	assert.Zero(t, f.svc.registry.gate.size())
	assert.Zero(t, f.svc.registry.slots.size())
}

// blockingStore задерживает чтение первого чанка, пока тест не отпустит слияние.
type blockingStore struct {
	chunks.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Open(ctx context.Context, id string, idx int) (io.ReadCloser, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Store.Open(ctx, id, idx)
}

func TestFinalize_SingleFlightAndLocking(t *testing.T) {
	payload := []byte("single flight payload")
	id := md5Hex(payload)
	bs := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(s chunks.Store) chunks.Store {
		bs.Store = s
		return bs
	})
	parts := split(payload, 3)
	for i, p := range parts {
		f.upload(t, id, i, p, 3)
	}

	type result struct {
		art models.Artifact
		err error
	}
	first := make(chan result, 1)
	go func() {
		art, err := f.svc.Finalize(context.Background(), id, "one.txt", 3)
		first <- result{art, err}
	}()
	<-bs.entered

	// второй finalize во время слияния
	_, err := f.svc.Finalize(context.Background(), id, "one.txt", 3)
	assert.ErrorIs(t, err, models.ErrMergeInProgress)

	// чанк во время слияния
	_, err = f.svc.PutChunk(context.Background(), id, 0, bytes.NewReader(parts[0]), ChunkOptions{})
	assert.ErrorIs(t, err, models.ErrSessionLocked)

	// sweeper не трогает сессию в merging даже далеко за TTL
	rep, err := f.svc.sweeper.SweepOnce(context.Background(), time.Now().Add(10*testTTL))
	require.NoError(t, err)
	assert.Zero(t, rep.Sessions)
	assert.Zero(t, rep.Orphans)

	close(bs.release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, int64(len(payload)), res.art.Size)

	got, err := os.ReadFile(filepath.Join(f.artifactDir, "one.txt"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFinalize_SurvivesCancelledContext(t *testing.T) {
	payload := []byte("cancel me")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	f.upload(t, id, 0, payload, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Finalize(ctx, id, "c.txt", 1)
	require.NoError(t, err)
}

func TestSweeper_PurgesIdleSessionsAndOrphans(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	idle := md5Hex([]byte("idle"))
	orphan := md5Hex([]byte("orphan"))

	f.upload(t, idle, 0, []byte("a"), 0)
	f.upload(t, idle, 1, []byte("b"), 0)
	_, err := f.disk.Put(ctx, orphan, 0, bytes.NewReader([]byte("z")), chunks.PutOptions{})
	require.NoError(t, err)

	now := time.Now().UTC()
	rep, err := f.svc.sweeper.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, rep)

	rep, err = f.svc.sweeper.SweepOnce(ctx, now.Add(2*testTTL))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Sessions: 1, Orphans: 1}, rep)

	_, err = f.meta.GetSession(ctx, idle)
	assert.ErrorIs(t, err, models.ErrNotFound)
	listed, err := f.disk.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrphanChunksGCd))
}

func TestSweeper_KeepsRecentSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := md5Hex([]byte("recent"))
	f.upload(t, id, 0, []byte("a"), 0)

	rep, err := f.svc.sweeper.SweepOnce(ctx, time.Now().UTC().Add(testTTL/2))
	require.NoError(t, err)
	assert.Zero(t, rep.Sessions)

	p, err := f.svc.Presence(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, p.PresentIndices)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	stop := f.svc.sweeper.Start(context.Background(), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	stop()
	stop()

	noop := NewSweeper(f.svc.registry, f.disk, 0, nil).Start(context.Background(), time.Second)
	noop()
}

func TestRegistry_RecoverResetsMerging(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := md5Hex([]byte("crash"))
	f.upload(t, id, 0, []byte("a"), 1)
	require.NoError(t, f.meta.SetState(ctx, id, models.StateMerging))

	n, err := f.svc.Registry().Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sess, err := f.meta.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCollecting, sess.State)
}

func TestRegistry_RebuildFromChunkStore(t *testing.T) {
	payload := []byte("rebuild me please")
	id := md5Hex(payload)
	f := newFixture(t, nil)
	ctx := context.Background()
	parts := split(payload, 3)
	for i, p := range parts {
		_, err := f.disk.Put(ctx, id, i, bytes.NewReader(p), chunks.PutOptions{})
		require.NoError(t, err)
	}

	n, err := f.svc.Registry().Rebuild(ctx, f.disk)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := f.svc.Presence(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, p.PresentIndices)

	// повторный rebuild ничего не добавляет
	n, err = f.svc.Registry().Rebuild(ctx, f.disk)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.svc.Finalize(ctx, id, "r.txt", 3)
	require.NoError(t, err)
}

func TestGate_ReleasesEntries(t *testing.T) {
	g := newGate()
	u1 := g.shared("a")
	u2 := g.shared("a")
	assert.Equal(t, 1, g.size())
	u1()
	u2()
	assert.Zero(t, g.size())

	unlock := g.exclusive("b")
	acquired := make(chan struct{})
	go func() {
		release := g.shared("b")
		close(acquired)
		release()
	}()
	select {
	case <-acquired:
		t.Fatal("shared lock acquired while exclusive is held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
}
