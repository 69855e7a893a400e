package integration

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sir_venger/chunkd/internal/app/uploadhttp"
	"github.com/sir_venger/chunkd/internal/repo/chunks"
	"github.com/sir_venger/chunkd/internal/repo/meta"
	"github.com/sir_venger/chunkd/internal/usecase/uploadsvc"
	"github.com/sir_venger/chunkd/pkg/uploadclient"
)

const chunkSize = 64

// node поднимает сервис поверх конкретной пары хранилищ.
type node struct {
	srv         *httptest.Server
	svc         *uploadsvc.Uploads
	chunks      chunks.Store
	meta        meta.Store
	artifactDir string
}

func startNode(t *testing.T, cs chunks.Store, ms meta.Store, artifactDir string, ttl time.Duration) *node {
	t.Helper()

	svc, err := uploadsvc.New(uploadsvc.Deps{
		Meta:          ms,
		Chunks:        cs,
		ArtifactDir:   artifactDir,
		MaxChunkBytes: 4 * chunkSize,
		IdleTTL:       ttl,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Registry().Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(uploadhttp.New(uploadhttp.Options{Service: svc, Usage: cs, MaxChunkBytes: 4 * chunkSize}))
	n := &node{srv: srv, svc: svc, chunks: cs, meta: ms, artifactDir: artifactDir}
	t.Cleanup(n.stop)
	return n
}

// stop закрывает сервер и хранилища; повторный вызов безопасен.
func (n *node) stop() {
	if n.srv == nil {
		return
	}
	n.srv.Close()
	_ = n.meta.Close()
	_ = n.chunks.Close()
	n.srv = nil
}

func (n *node) client() *uploadclient.Client {
	return uploadclient.New(n.srv.URL, uploadclient.WithHTTPClient(n.srv.Client()), uploadclient.WithChunkSize(chunkSize))
}

func payload(size int) []byte {
	return bytes.Repeat([]byte{0xA1, 0xB2, 0xC3, 0xD4, 0x05}, size/5+1)[:size]
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readArtifact(t *testing.T, n *node, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(n.artifactDir, name))
	if err != nil {
		t.Fatal(err)
	}
	return b
}
