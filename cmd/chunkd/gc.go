package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Purge idle sessions and orphan chunks once, then exit",
		Long: `gc opens the configured stores, removes sessions idle longer than gc_idle_ttl
together with their chunks, deletes chunks that no session references and prints
the report as JSON. Do not run it against a badger registry that a live server holds open.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := openStack(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					log.Error().Err(err).Msg("close stores")
				}
			}()

			report, err := st.svc.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
