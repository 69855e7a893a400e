package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/pkg/uploadclient"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

func newUploadCmd() *cobra.Command {
	var (
		server      string
		name        string
		chunkSize   int64
		fingerprint string
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file, resuming from chunks the server already has",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel, "console")

			fp, err := models.ParseFingerprint(fingerprint)
			if err != nil {
				return err
			}
			opts := []uploadclient.Option{
				uploadclient.WithChunkSize(chunkSize),
				uploadclient.WithFingerprint(fp),
			}
			if !quiet {
				opts = append(opts, uploadclient.WithProgress(os.Stderr))
			}

			res, err := uploadclient.New(server, opts...).UploadFile(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}

			switch {
			case res.Instant:
				fmt.Printf("%s already uploaded (%s)\n", res.Name, res.Identity)
			default:
				fmt.Printf("%s uploaded: %d bytes, %d/%d chunks sent (%s)\n",
					res.Name, res.Size, res.Uploaded, res.Chunks, res.Identity)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:8080", "chunkd base URL")
	cmd.Flags().StringVarP(&name, "name", "n", "", "artifact name (default: file base name)")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", uploadproto.DefaultChunkSize, "chunk size in bytes")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "md5", "identity fingerprint: md5 or sha256")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "disable progress output")
	return cmd
}
