package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sir_venger/chunkd/internal/app/uploadhttp"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					log.Error().Err(err).Msg("close stores")
				}
			}()

			stopSweep := st.svc.Sweeper().Start(ctx, cfg.GCInterval.Duration)
			defer stopSweep()

			server := &http.Server{
				Addr: cfg.ListenAddr,
				Handler: uploadhttp.New(uploadhttp.Options{
					Service:       st.svc,
					Usage:         st.chunks,
					Gatherer:      st.registry,
					MaxChunkBytes: cfg.MaxChunkBytes,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// graceful shutdown по SIGTERM/SIGINT
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("shutdown")
				}
			}()

			log.Info().
				Str("addr", cfg.ListenAddr).
				Str("registry", cfg.RegistryDriver).
				Str("fingerprint", cfg.Fingerprint).
				Msg("chunkd listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info().Msg("chunkd stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}
