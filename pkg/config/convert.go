package config

import (
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/manifest"
	"github.com/openfroyo/froyoflow/pkg/policy"
	"github.com/openfroyo/froyoflow/pkg/remote/client"
	"github.com/openfroyo/froyoflow/pkg/remote/server"
	"github.com/openfroyo/froyoflow/pkg/stores"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// ToTelemetry builds the telemetry configuration for a binary.
func (c *Config) ToTelemetry(version string) *telemetry.Config {
	t := telemetry.DefaultConfig()
	t.ServiceName = c.Telemetry.ServiceName
	t.ServiceVersion = version
	t.Environment = c.Telemetry.Environment

	t.Logging.Level = c.Telemetry.Logging.Level
	t.Logging.Format = c.Telemetry.Logging.Format
	t.Logging.Output = c.Telemetry.Logging.Output

	t.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	t.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	t.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	t.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	t.Tracing.Insecure = c.Telemetry.Tracing.Insecure

	t.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	t.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	t.Metrics.Path = c.Telemetry.Metrics.Path
	t.Metrics.Namespace = c.Telemetry.Metrics.Namespace

	t.Events.Enabled = c.Telemetry.Events.Enabled
	t.Events.BufferSize = c.Telemetry.Events.BufferSize
	t.Events.EnableAsync = c.Telemetry.Events.EnableAsync
	return t
}

// ToServer returns the executor session limits.
func (c *Config) ToServer(version string) server.Config {
	e := c.Executor
	return server.Config{
		ExecutorID:    e.ExecutorID,
		Version:       version,
		IdleTimeout:   e.IdleTimeout,
		MaxSessionAge: e.MaxSessionAge,
		ReapInterval:  e.ReapInterval,
		TombstoneTTL:  e.TombstoneTTL,
		EndTimeout:    e.EndTimeout,
		MaxWait:       e.MaxWait,
	}
}

// ToClient returns the remote client configuration, or nil when no
// endpoint is configured.
func (c *Config) ToClient(metrics *telemetry.Metrics) *client.Config {
	if c.Remote.Endpoint == "" {
		return nil
	}
	return &client.Config{
		Endpoint:     c.Remote.Endpoint,
		Timeout:      c.Remote.Timeout,
		ExecuteWait:  c.Remote.ExecuteWait,
		PollInterval: c.Remote.PollInterval,
		Metrics:      metrics,
	}
}

// ToManifestOptions returns the sync options for the manifest cache.
func (c *Config) ToManifestOptions(logger zerolog.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher) manifest.Options {
	m := c.Manifests
	return manifest.Options{
		RemoteURL: m.RemoteURL,
		CacheDir:  m.CacheDir,
		CacheFile: m.CacheFile,
		Owner:     m.Owner,
		Tenant:    m.Tenant,
		Timeout:   m.Timeout,
		TTL:       m.TTL,
		Logger:    logger,
		Metrics:   metrics,
		Events:    events,
	}
}

// ToStore returns the history database configuration.
func (c *Config) ToStore() stores.Config {
	return stores.Config{Path: c.History.Path}
}

// ToPolicyOptions returns the policy engine options.
func (c *Config) ToPolicyOptions(metrics *telemetry.Metrics, events *telemetry.EventPublisher) []policy.Option {
	opts := []policy.Option{policy.WithMetrics(metrics), policy.WithEvents(events)}
	if len(c.Policy.RemoteAllowlist) > 0 {
		opts = append(opts, policy.WithRemoteAllowlist(c.Policy.RemoteAllowlist))
	}
	return opts
}
