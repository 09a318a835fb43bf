package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/manifest"
)

func newSyncCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the manifest cache with the manifest server",
		Long: `Reconcile the local manifest cache against the manifest server.

Files whose checksum changed are downloaded, unchanged files are left
alone and the cache file is only rewritten when something changed. An
unreachable server is reported as "offline" and leaves the cache as it was.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Manifests.RemoteURL == "" {
				return fmt.Errorf("no manifest server configured (set manifests.remote_url or --manifests)")
			}
			mgr, err := a.syncManifests(cmd.Context())
			if err != nil {
				return err
			}
			report := mgr.LastReport()

			if jsonOutput {
				return a.printJSON(syncJSON(mgr, report))
			}

			fmt.Fprintf(a.out, "Manifest cache %s: %s\n", mgr.CacheFile(), report.Outcome)
			fmt.Fprintf(a.out, "  fetched %d, failed %d, untracked %d\n", report.Fetched, report.Failed, report.Dropped)
			if report.Rehomed {
				fmt.Fprintln(a.out, "  cache re-homed to the configured server and identity")
			}
			if report.Refreshed {
				fmt.Fprintln(a.out, "  cache had expired and was refreshed")
			}
			if report.Err != nil {
				fmt.Fprintf(a.out, "  %v\n", report.Err)
			}
			for _, category := range manifest.Categories {
				names := sortedDescriptorNames(mgr.Cache().Info(category))
				fmt.Fprintf(a.out, "%s (%d):\n", category, len(names))
				for _, name := range names {
					fmt.Fprintf(a.out, "  %s\n", name)
				}
			}
			return nil
		},
	}
}

func syncJSON(mgr *manifest.SyncManager, report manifest.Report) map[string]interface{} {
	out := map[string]interface{}{
		"cacheFile": mgr.CacheFile(),
		"outcome":   report.Outcome,
		"fetched":   report.Fetched,
		"failed":    report.Failed,
		"dropped":   report.Dropped,
		"rehomed":   report.Rehomed,
		"refreshed": report.Refreshed,
		"persisted": report.Persisted,
		"expires":   mgr.Cache().Expires(),
	}
	if report.Err != nil {
		out["error"] = report.Err.Error()
	}
	for _, category := range manifest.Categories {
		out[string(category)] = sortedDescriptorNames(mgr.Cache().Info(category))
	}
	return out
}

func sortedDescriptorNames(info map[string]manifest.Descriptor) []string {
	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
