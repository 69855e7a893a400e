package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), *c)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
data_dir: /srv/chunks
artifact_dir: /srv/files
registry_driver: memory
fingerprint: sha256
max_chunk_bytes: 1048576
gc_idle_ttl: 2h
gc_interval: 5m
log_level: debug
`), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LISTEN_ADDR", ":9100")
	t.Setenv("GC_IDLE_TTL", "30m")
	t.Setenv("MAX_CHUNKS", "10")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", c.ListenAddr)
	assert.Equal(t, "/srv/chunks", c.DataDir)
	assert.Equal(t, "/srv/files", c.ArtifactDir)
	assert.Equal(t, RegistryMemory, c.RegistryDriver)
	assert.Equal(t, "sha256", c.Fingerprint)
	assert.Equal(t, int64(1<<20), c.MaxChunkBytes)
	assert.Equal(t, 10, c.MaxChunks)
	assert.Equal(t, 30*time.Minute, c.GCIdleTTL.Duration)
	assert.Equal(t, 5*time.Minute, c.GCInterval.Duration)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("GC_INTERVAL", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	c.RegistryDriver = "postgres"
	assert.ErrorContains(t, c.Validate(), "registry_dsn")
	c.RegistryDSN = "postgres://localhost/chunkd"
	assert.NoError(t, c.Validate())

	c = Default()
	c.RegistryDriver = "etcd"
	c.Fingerprint = "crc32"
	err := c.Validate()
	assert.ErrorContains(t, err, "registry_driver")
	assert.ErrorContains(t, err, "fingerprint")

	c = Default()
	c.GCIdleTTL = Duration{}
	assert.ErrorContains(t, c.Validate(), "gc_idle_ttl")
}

func TestBadgerDir(t *testing.T) {
	c := Default()
	assert.Equal(t, "./data/chunks.registry", c.BadgerDir())
	c.RegistryDSN = "/var/lib/chunkd/registry"
	assert.Equal(t, "/var/lib/chunkd/registry", c.BadgerDir())
}
