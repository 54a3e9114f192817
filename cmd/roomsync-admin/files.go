package main

import (
	"context"
	"time"

	"roomsync/internal/backend/local"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeFilesCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-files",
		Short: "Serve uploaded images, audio and avatars over HTTP",
		Long: `Serves UPLOADS_PATH so that links built from PUBLIC_BASE_URL resolve.
Point PUBLIC_BASE_URL at this server, e.g. http://localhost:8081.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			objects, err := local.NewObjectStore(cfg.UploadsPath, cfg.PublicBaseURL)
			if err != nil {
				return err
			}
			return serveFiles(cmd.Context(), local.NewFileServer(objects, addr))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8081", "listen address")
	return cmd
}

func serveFiles(ctx context.Context, srv *local.FileServer) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
