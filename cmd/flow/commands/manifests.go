package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/manifest"
)

func newManifestsCommand(info buildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifests",
		Short: "Serve or inspect workflow manifests",
	}
	cmd.AddCommand(newManifestsServeCommand(info))
	cmd.AddCommand(newManifestsListCommand(info))
	return cmd
}

func newManifestsServeCommand(info buildInfo) *cobra.Command {
	var (
		dir    string
		listen string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a directory of workflows and templates as a manifest server",
		Long: `Serve DIR/workflows and DIR/templates over HTTP so that other hosts
can synchronize their manifest cache from it with "flow sync".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("manifest directory: %w", err)
			}

			srv := &http.Server{
				Addr:              listen,
				Handler:           manifest.NewServer(dir, a.logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serveUntilDone(cmd.Context(), a, srv)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory holding workflows/ and templates/")
	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:8471", "listen address")
	return cmd
}

func newManifestsListCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the contents of the local manifest cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()

			cache, err := manifest.LoadCache(a.cfg.Manifests.CacheFile)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(a.out, "No manifest cache at %s; run \"flow sync\"\n", a.cfg.Manifests.CacheFile)
				return nil
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				out := map[string]interface{}{
					"remoteUrl": cache.RemoteURL(),
					"owner":     cache.Owner(),
					"tenant":    cache.Tenant(),
					"expires":   cache.Expires(),
				}
				for _, category := range manifest.Categories {
					out[string(category)] = cache.Info(category)
				}
				return a.printJSON(out)
			}

			fmt.Fprintf(a.out, "Remote:  %s\n", cache.RemoteURL())
			fmt.Fprintf(a.out, "Owner:   %s/%s\n", cache.Owner(), cache.Tenant())
			fmt.Fprintf(a.out, "Expires: %s\n\n", cache.Expires().Local().Format(time.RFC3339))

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tNAME\tSIZE\tCHECKSUM")
			for _, category := range manifest.Categories {
				entries := cache.Info(category)
				for _, name := range sortedDescriptorNames(entries) {
					d := entries[name]
					fmt.Fprintf(w, "%s\t%s\t%d\t%.12s\n", category, d.Name, d.SizeBytes, d.Checksum)
				}
			}
			return w.Flush()
		},
	}
}

// serveUntilDone runs srv until ctx is cancelled, then shuts it down.
func serveUntilDone(ctx context.Context, a *app, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info().Msg("Server stopped")
	return nil
}
