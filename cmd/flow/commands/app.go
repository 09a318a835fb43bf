package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/froyoflow/pkg/actions"
	"github.com/openfroyo/froyoflow/pkg/config"
	"github.com/openfroyo/froyoflow/pkg/manifest"
	"github.com/openfroyo/froyoflow/pkg/policy"
	"github.com/openfroyo/froyoflow/pkg/remote/client"
	"github.com/openfroyo/froyoflow/pkg/stores"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// SecretEnvPrefix prefixes environment variables that back secret:// inputs.
const SecretEnvPrefix = "FLOW_SECRET_"

// app holds what a command needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	out    io.Writer

	closers []func(context.Context) error
}

// loadApp reads configuration and starts telemetry. Callers must defer
// app.close.
func loadApp(cmd *cobra.Command, info buildInfo) (*app, error) {
	flags := cmd.Flags()
	bind := map[string]*pflag.Flag{
		"remote.endpoint":         flags.Lookup("executor"),
		"manifests.remote_url":    flags.Lookup("manifests"),
		"manifests.cache_dir":     flags.Lookup("cache-dir"),
		"telemetry.logging.level": flags.Lookup("log-level"),
	}

	cfg, err := config.Load(config.LoadOptions{File: configPath, Flags: bind})
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tcfg := cfg.ToTelemetry(info.version)
	tcfg.ServiceName = cfg.Telemetry.ServiceName + "-cli"
	// Events are consumed in-process by the history sink.
	tcfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}

	log.Logger = tel.Logger.Zerolog()
	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		out:    cmd.OutOrStdout(),
	}
	a.closers = append(a.closers, tel.Shutdown)
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown step failed")
		}
	}
}

// openStore opens the history database and subscribes it to telemetry
// events. It returns nil when history is disabled.
func (a *app) openStore(ctx context.Context) (stores.Store, error) {
	if !a.cfg.History.Enabled {
		return nil, nil
	}
	store, err := stores.Open(ctx, a.cfg.ToStore())
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	if retention := a.cfg.History.Retention; retention > 0 {
		pruned, err := store.PruneRuns(ctx, time.Now().Add(-retention))
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to prune history")
		} else if pruned > 0 {
			a.logger.Info().Int64("runs", pruned).Msg("Pruned run history")
		}
	}

	sink := stores.NewEventSink(store, a.logger)
	a.tel.Events.Subscribe(sink.Subscriber(), telemetry.FilterByLevel("info"))
	return store, nil
}

// syncManifests reconciles the manifest cache. It returns nil when no
// manifest server is configured.
func (a *app) syncManifests(ctx context.Context) (*manifest.SyncManager, error) {
	if a.cfg.Manifests.RemoteURL == "" {
		return nil, nil
	}
	opts := a.cfg.ToManifestOptions(a.logger, a.tel.Metrics, a.tel.Events)
	return manifest.Build(ctx, opts)
}

// newClient returns the remote executor client, or nil when no endpoint
// is configured.
func (a *app) newClient() (*client.Client, error) {
	cc := a.cfg.ToClient(a.tel.Metrics)
	if cc == nil {
		return nil, nil
	}
	return client.NewClient(cc)
}

func (a *app) requireClient() (*client.Client, error) {
	c, err := a.newClient()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("no remote executor configured (set remote.endpoint or --executor)")
	}
	return c, nil
}

// newResolver resolves local steps from the built-in registry and remote
// steps through the executor client.
func (a *app) newResolver() (*client.Resolver, error) {
	c, err := a.newClient()
	if err != nil {
		return nil, err
	}
	return &client.Resolver{Local: actions.NewRegistry(), Client: c}, nil
}

// newPolicy builds the admission policy engine. It returns nil when
// policies are disabled.
func (a *app) newPolicy(ctx context.Context) (*policy.Engine, error) {
	if !a.cfg.Policy.Enabled {
		return nil, nil
	}
	pe, err := policy.NewEngine(a.logger, a.cfg.ToPolicyOptions(a.tel.Metrics, a.tel.Events)...)
	if err != nil {
		return nil, err
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return nil, err
		}
		if a.cfg.Policy.Watch {
			if err := pe.Watch(ctx, a.cfg.Policy.Paths); err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func(context.Context) error { return pe.Close() })
		}
	}
	return pe, nil
}

// definitionLoader loads workflows from the manifest cache directory.
func (a *app) definitionLoader() *manifest.DefinitionLoader {
	return manifest.NewDefinitionLoader(a.cfg.Manifests.CacheDir, a.logger)
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
