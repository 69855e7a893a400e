package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Драйверы реестра.
const (
	RegistryMemory   = "memory"
	RegistryBadger   = "badger"
	RegistryPostgres = "postgres"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// DataDir задаёт каталог чанков для DiskStore и базы Badger по умолчанию.
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	ArtifactDir string `yaml:"artifact_dir" json:"artifact_dir"`
	// ChunkStoreURL переключает хранилище чанков на gocloud blob (mem://, file://, s3://).
	ChunkStoreURL string `yaml:"chunk_store_url" json:"chunk_store_url"`

	RegistryDriver string `yaml:"registry_driver" json:"registry_driver"`
	RegistryDSN    string `yaml:"registry_dsn" json:"-"`

	Fingerprint   string `yaml:"fingerprint" json:"fingerprint"`
	MaxChunkBytes int64  `yaml:"max_chunk_bytes" json:"max_chunk_bytes"`
	MaxChunks     int    `yaml:"max_chunks" json:"max_chunks"`

	GCIdleTTL  Duration `yaml:"gc_idle_ttl" json:"gc_idle_ttl"`
	GCInterval Duration `yaml:"gc_interval" json:"gc_interval"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

// Duration разбирает строки вида "24h" из YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default возвращает конфигурацию для локального запуска.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		DataDir:        "./data/chunks",
		ArtifactDir:    "./data/files",
		RegistryDriver: RegistryBadger,
		Fingerprint:    "md5",
		MaxChunkBytes:  64 << 20,
		MaxChunks:      100_000,
		GCIdleTTL:      Duration{24 * time.Hour},
		GCInterval:     Duration{time.Hour},
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load читает YAML-конфигурацию, применяет ENV-переопределения и возвращает актуальную структуру.
// Отсутствующий файл не ошибка: берутся значения по умолчанию.
func Load() (*Config, error) {
	c := Default()

	path := getenv("CONFIG_PATH", "./config.yaml")
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// ENV override
func (c *Config) applyEnv() error {
	setString := map[string]*string{
		"LISTEN_ADDR":     &c.ListenAddr,
		"DATA_DIR":        &c.DataDir,
		"ARTIFACT_DIR":    &c.ArtifactDir,
		"CHUNK_STORE_URL": &c.ChunkStoreURL,
		"REGISTRY_DRIVER": &c.RegistryDriver,
		"REGISTRY_DSN":    &c.RegistryDSN,
		"FINGERPRINT":     &c.Fingerprint,
		"LOG_LEVEL":       &c.LogLevel,
		"LOG_FORMAT":      &c.LogFormat,
	}
	for k, dst := range setString {
		if v := os.Getenv(k); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("MAX_CHUNK_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_CHUNK_BYTES: %w", err)
		}
		c.MaxChunkBytes = n
	}
	if v := os.Getenv("MAX_CHUNKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CHUNKS: %w", err)
		}
		c.MaxChunks = n
	}
	for k, dst := range map[string]*Duration{"GC_IDLE_TTL": &c.GCIdleTTL, "GC_INTERVAL": &c.GCInterval} {
		if v := os.Getenv(k); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			dst.Duration = d
		}
	}

	return nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	c.RegistryDriver = strings.ToLower(strings.TrimSpace(c.RegistryDriver))

	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	if strings.TrimSpace(c.ArtifactDir) == "" {
		errs = append(errs, errors.New("artifact_dir is empty"))
	}
	if c.ChunkStoreURL == "" && strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir or chunk_store_url is required"))
	}
	switch c.RegistryDriver {
	case RegistryMemory, RegistryBadger:
	case RegistryPostgres:
		if strings.TrimSpace(c.RegistryDSN) == "" {
			errs = append(errs, errors.New("registry_dsn is required for postgres registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry_driver %q", c.RegistryDriver))
	}
	switch strings.ToLower(c.Fingerprint) {
	case "", "md5", "sha256", "sha-256":
	default:
		errs = append(errs, fmt.Errorf("unknown fingerprint %q", c.Fingerprint))
	}
	if c.MaxChunkBytes < 0 {
		errs = append(errs, errors.New("max_chunk_bytes must be non-negative"))
	}
	if c.MaxChunks < 0 {
		errs = append(errs, errors.New("max_chunks must be non-negative"))
	}
	if c.GCInterval.Duration > 0 && c.GCIdleTTL.Duration <= 0 {
		errs = append(errs, errors.New("gc_idle_ttl must be positive when gc_interval is set"))
	}

	return errors.Join(errs...)
}

// BadgerDir возвращает каталог базы Badger: registry_dsn либо соседний с data_dir каталог "<data_dir>.registry".
func (c *Config) BadgerDir() string {
	if strings.TrimSpace(c.RegistryDSN) != "" {
		return c.RegistryDSN
	}
	return strings.TrimRight(c.DataDir, "/") + ".registry"
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}

	return def
}
