package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/sir_venger/chunkd/internal/config"
	"github.com/sir_venger/chunkd/internal/metrics"
	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/internal/repo/chunks"
	"github.com/sir_venger/chunkd/internal/repo/meta"
	"github.com/sir_venger/chunkd/internal/usecase/uploadsvc"
)

// stack держит собранные зависимости процесса.
type stack struct {
	svc      *uploadsvc.Uploads
	chunks   chunks.Store
	meta     meta.Store
	registry *prometheus.Registry
}

func (s *stack) Close() error {
	return errors.Join(s.meta.Close(), s.chunks.Close())
}

// openStack открывает хранилища по конфигурации и восстанавливает реестр после рестарта.
func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	fp, err := models.ParseFingerprint(cfg.Fingerprint)
	if err != nil {
		return nil, err
	}

	chunkStore, err := openChunkStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	metaStore, err := openMetaStore(ctx, cfg)
	if err != nil {
		_ = chunkStore.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := uploadsvc.New(uploadsvc.Deps{
		Meta:          metaStore,
		Chunks:        chunkStore,
		ArtifactDir:   cfg.ArtifactDir,
		Fingerprint:   fp,
		MaxChunkBytes: cfg.MaxChunkBytes,
		MaxChunks:     cfg.MaxChunks,
		IdleTTL:       cfg.GCIdleTTL.Duration,
		Metrics:       metrics.New(registry),
	})
	if err != nil {
		_ = metaStore.Close()
		_ = chunkStore.Close()
		return nil, err
	}
	st := &stack{svc: svc, chunks: chunkStore, meta: metaStore, registry: registry}

	if cfg.RegistryDriver == config.RegistryMemory {
		n, err := svc.Registry().Rebuild(ctx, chunkStore)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("rebuild registry: %w", err)
		}
		log.Info().Int("sessions", n).Msg("in-memory registry rebuilt from chunk store")
	}
	if n, err := svc.Registry().Recover(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("recover registry: %w", err)
	} else if n > 0 {
		log.Warn().Int("sessions", n).Msg("interrupted merges reset")
	}

	return st, nil
}

func openChunkStore(ctx context.Context, cfg *config.Config) (chunks.Store, error) {
	if cfg.ChunkStoreURL != "" {
		log.Info().Str("url", cfg.ChunkStoreURL).Msg("blob chunk store")
		return chunks.NewBlobStore(ctx, cfg.ChunkStoreURL)
	}
	log.Info().Str("dir", cfg.DataDir).Msg("disk chunk store")
	return chunks.NewDiskStore(cfg.DataDir)
}

func openMetaStore(ctx context.Context, cfg *config.Config) (meta.Store, error) {
	switch cfg.RegistryDriver {
	case config.RegistryMemory:
		log.Info().Msg("in-memory registry")
		return meta.NewMemoryStore(), nil
	case config.RegistryPostgres:
		if err := meta.ApplyMigrations(ctx, cfg.RegistryDSN); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		log.Info().Msg("postgres registry")
		return meta.NewPGStore(ctx, cfg.RegistryDSN)
	default:
		log.Info().Str("dir", cfg.BadgerDir()).Msg("badger registry")
		return meta.NewBadgerStore(cfg.BadgerDir())
	}
}
