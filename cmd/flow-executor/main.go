// Command flow-executor serves actions to remote workflow steps over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/froyoflow/pkg/actions"
	"github.com/openfroyo/froyoflow/pkg/config"
	"github.com/openfroyo/froyoflow/pkg/policy"
	"github.com/openfroyo/froyoflow/pkg/remote/server"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Executor failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "flow-executor",
		Short: "Serve actions to remote workflow steps",
		Long: `flow-executor hosts the action registry behind the split-phase
begin/execute/end protocol. Sessions left idle or open too long are
reaped in the background.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			cfg, err := config.Load(config.LoadOptions{
				File: configPath,
				Flags: map[string]*pflag.Flag{
					"executor.listen":         flags.Lookup("listen"),
					"executor.executor_id":    flags.Lookup("executor-id"),
					"telemetry.logging.level": flags.Lookup("log-level"),
				},
			})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default: ./flow.yaml or ~/.config/froyoflow/flow.yaml)")
	cmd.Flags().StringP("listen", "l", "", "listen address (host:port)")
	cmd.Flags().String("executor-id", "", "identifier reported by /health")
	cmd.Flags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	tcfg := cfg.ToTelemetry(Version)
	tcfg.ServiceName = cfg.Telemetry.ServiceName + "-executor"
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	log.Logger = logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(tel.Metrics),
		server.WithEvents(tel.Events),
	}
	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(logger, cfg.ToPolicyOptions(tel.Metrics, tel.Events)...)
		if err != nil {
			return err
		}
		defer pe.Close()
		if len(cfg.Policy.Paths) > 0 {
			if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return err
			}
			if cfg.Policy.Watch {
				if err := pe.Watch(ctx, cfg.Policy.Paths); err != nil {
					return err
				}
			}
		}
		opts = append(opts, server.WithAdmitter(pe))
	}

	srv := server.New(actions.NewRegistry(), cfg.ToServer(Version), opts...)

	if metricsSrv := tel.Metrics.StartMetricsServer(tel.Logger); metricsSrv != nil {
		defer metricsSrv.Close()
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go srv.RunReaper(reaperCtx)

	httpSrv := &http.Server{
		Addr:              cfg.Executor.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("listen", cfg.Executor.Listen).
			Str("executor_id", srv.ExecutorID()).
			Str("version", Version).
			Msg("Executor listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("executor server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down executor")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown did not complete")
	}
	stopReaper()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to end open sessions: %w", err)
	}
	logger.Info().Msg("Executor stopped")
	return nil
}
