package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOW"

// DefaultFileName is the config file searched for when none is given.
const DefaultFileName = "flow"

// Config is the complete froyoflow configuration.
type Config struct {
	Manifests ManifestsConfig `mapstructure:"manifests"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	History   HistoryConfig   `mapstructure:"history"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ManifestsConfig locates the manifest server and the local cache.
type ManifestsConfig struct {
	RemoteURL string        `mapstructure:"remote_url" validate:"omitempty,url"`
	CacheDir  string        `mapstructure:"cache_dir" validate:"required"`
	CacheFile string        `mapstructure:"cache_file"`
	Owner     string        `mapstructure:"owner"`
	Tenant    string        `mapstructure:"tenant"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// RemoteConfig points the client at a remote executor. An empty endpoint
// disables remote steps.
type RemoteConfig struct {
	Endpoint     string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	ExecuteWait  time.Duration `mapstructure:"execute_wait" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// ExecutorConfig configures the flow-executor service.
type ExecutorConfig struct {
	Listen          string        `mapstructure:"listen" validate:"required,hostname_port"`
	ExecutorID      string        `mapstructure:"executor_id"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	MaxSessionAge   time.Duration `mapstructure:"max_session_age" validate:"gtfield=IdleTimeout"`
	ReapInterval    time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	TombstoneTTL    time.Duration `mapstructure:"tombstone_ttl" validate:"gt=0"`
	EndTimeout      time.Duration `mapstructure:"end_timeout" validate:"gt=0"`
	MaxWait         time.Duration `mapstructure:"max_wait" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`

	// Retention prunes runs older than this on startup. Zero keeps everything.
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// PolicyConfig controls step admission.
type PolicyConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Paths           []string `mapstructure:"paths"`
	Watch           bool     `mapstructure:"watch"`
	RemoteAllowlist []string `mapstructure:"remote_allowlist"`
}

// TelemetryConfig mirrors telemetry.Config.
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name" validate:"required"`
	Environment string        `mapstructure:"environment"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Tracing     TracingConfig `mapstructure:"tracing"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Events      EventsConfig  `mapstructure:"events"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
	Output string `mapstructure:"output" validate:"required"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `mapstructure:"insecure"`
}

type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address" validate:"omitempty,hostname_port"`
	Path          string `mapstructure:"path" validate:"startswith=/"`
	Namespace     string `mapstructure:"namespace" validate:"required"`
}

type EventsConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	BufferSize  int  `mapstructure:"buffer_size" validate:"gt=0"`
	EnableAsync bool `mapstructure:"enable_async"`
}

// defaults are registered with viper so that every key is known to
// AutomaticEnv and Unmarshal.
func defaults() map[string]interface{} {
	dataDir := defaultDataDir()
	return map[string]interface{}{
		"manifests.remote_url": "",
		"manifests.cache_dir":  filepath.Join(dataDir, "manifests"),
		"manifests.cache_file": "",
		"manifests.owner":      "",
		"manifests.tenant":     "",
		"manifests.timeout":    5 * time.Second,
		"manifests.ttl":        24 * time.Hour,

		"remote.endpoint":      "",
		"remote.timeout":       10 * time.Second,
		"remote.execute_wait":  20 * time.Second,
		"remote.poll_interval": 500 * time.Millisecond,

		"executor.listen":           "127.0.0.1:8470",
		"executor.executor_id":      "",
		"executor.idle_timeout":     15 * time.Minute,
		"executor.max_session_age":  2 * time.Hour,
		"executor.reap_interval":    time.Minute,
		"executor.tombstone_ttl":    24 * time.Hour,
		"executor.end_timeout":      10 * time.Second,
		"executor.max_wait":         30 * time.Second,
		"executor.shutdown_timeout": 15 * time.Second,

		"history.enabled":   true,
		"history.path":      filepath.Join(dataDir, "history.db"),
		"history.retention": 0,

		"policy.enabled":          true,
		"policy.paths":            []string{},
		"policy.watch":            false,
		"policy.remote_allowlist": []string{},

		"telemetry.service_name":           "froyoflow",
		"telemetry.environment":            "development",
		"telemetry.logging.level":          "info",
		"telemetry.logging.format":         "console",
		"telemetry.logging.output":         "stderr",
		"telemetry.tracing.enabled":        false,
		"telemetry.tracing.exporter":       "none",
		"telemetry.tracing.endpoint":       "",
		"telemetry.tracing.sampling_rate":  1.0,
		"telemetry.tracing.insecure":       true,
		"telemetry.metrics.enabled":        true,
		"telemetry.metrics.listen_address": "",
		"telemetry.metrics.path":           "/metrics",
		"telemetry.metrics.namespace":      "froyoflow",
		"telemetry.events.enabled":         true,
		"telemetry.events.buffer_size":     1000,
		"telemetry.events.enable_async":    false,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "froyoflow")
	}
	return ".froyoflow"
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// File is an explicit config file. It must exist when set.
	File string

	// SearchPaths are searched for flow.yaml when File is empty.
	SearchPaths []string

	// Flags binds config keys to command-line flags. A flag only overrides
	// the key when it was set on the command line.
	Flags map[string]*pflag.Flag

	// IgnoreEnv skips FLOW_ environment overrides.
	IgnoreEnv bool
}

// Load reads, merges and validates configuration.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(DefaultFileName)
		paths := opts.SearchPaths
		if paths == nil {
			paths = defaultSearchPaths()
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if !opts.IgnoreEnv {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file, environment or flags.
func Default() *Config {
	cfg, err := Load(LoadOptions{SearchPaths: []string{}, IgnoreEnv: true})
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

func defaultSearchPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "froyoflow"))
	}
	return paths
}

func (c *Config) normalize() {
	c.Manifests.RemoteURL = strings.TrimRight(strings.TrimSpace(c.Manifests.RemoteURL), "/")
	c.Remote.Endpoint = strings.TrimRight(strings.TrimSpace(c.Remote.Endpoint), "/")
	if c.Manifests.CacheFile == "" && c.Manifests.CacheDir != "" {
		c.Manifests.CacheFile = filepath.Join(c.Manifests.CacheDir, "manifest-cache.json")
	}
	c.Policy.Paths = compact(c.Policy.Paths)
	c.Policy.RemoteAllowlist = compact(c.Policy.RemoteAllowlist)
}

// compact trims entries and drops empty ones. Comma separated environment
// values arrive as a single entry.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
