package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/openfroyo/froyoflow/pkg/manifest")

// DefaultCacheFile is the cache file name inside the cache directory.
const DefaultCacheFile = "manifest-cache.json"

// Sync outcomes.
const (
	OutcomeOffline   = "offline"
	OutcomeUnchanged = "unchanged"
	OutcomeUpdated   = "updated"
	OutcomePartial   = "partial"
)

// Options configures a SyncManager.
type Options struct {
	// RemoteURL is the manifest server base URL.
	RemoteURL string

	// CacheDir receives workflows/ and templates/ subdirectories.
	CacheDir string

	// CacheFile is the cache file path. Defaults to CacheDir/manifest-cache.json.
	CacheFile string

	// Owner and Tenant identify who the cache belongs to. A cache built for
	// another identity is re-homed on the next online sync.
	Owner  string
	Tenant string

	// Timeout bounds the listing call and each fetch. Defaults to 5s.
	Timeout time.Duration

	// TTL is how long a cache stays valid before every file is re-fetched.
	// Defaults to 24h.
	TTL time.Duration

	// HTTPClient is used by the default HTTPRemote.
	HTTPClient *http.Client

	// Remote overrides the HTTP remote.
	Remote Remote

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher

	// Now overrides the clock.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CacheFile == "" {
		o.CacheFile = filepath.Join(o.CacheDir, DefaultCacheFile)
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.Remote == nil {
		o.Remote = NewHTTPRemote(o.RemoteURL, o.HTTPClient)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Report summarizes one sync.
type Report struct {
	Outcome   string
	Fetched   int
	Failed    int
	Dropped   int
	Rehomed   bool
	Refreshed bool
	Persisted bool
	Err       error
}

// SyncManager owns a Cache and its files under the cache directory.
type SyncManager struct {
	opts   Options
	cache  *Cache
	logger zerolog.Logger
	report Report
}

// Build loads or initializes the cache, reconciles it against the remote
// and persists it when it changed. An unreachable remote is not an error:
// the cache is returned exactly as loaded.
func Build(ctx context.Context, opts Options) (*SyncManager, error) {
	if opts.RemoteURL == "" {
		return nil, fmt.Errorf("remote URL is required")
	}
	if opts.CacheDir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	opts = opts.withDefaults()

	m := &SyncManager{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "manifest-sync").Str("remote", opts.RemoteURL).Logger(),
	}

	cache, err := LoadCache(opts.CacheFile)
	switch {
	case err == nil:
		m.logger.Debug().Str("path", opts.CacheFile).Msg("Loaded manifest cache")
	case errors.Is(err, os.ErrNotExist):
		cache = NewCache(opts.RemoteURL, opts.Owner, opts.Tenant, opts.Now().Add(opts.TTL))
	default:
		m.logger.Warn().Err(err).Str("path", opts.CacheFile).Msg("Ignoring unreadable manifest cache")
		cache = NewCache(opts.RemoteURL, opts.Owner, opts.Tenant, opts.Now().Add(opts.TTL))
	}
	m.cache = cache

	if _, err := m.Sync(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Cache returns the managed cache.
func (m *SyncManager) Cache() *Cache { return m.cache }

// CacheDir returns the directory holding fetched files.
func (m *SyncManager) CacheDir() string { return m.opts.CacheDir }

// CacheFile returns the cache file path.
func (m *SyncManager) CacheFile() string { return m.opts.CacheFile }

// LastReport returns the outcome of the most recent sync.
func (m *SyncManager) LastReport() Report { return m.report }

// Path returns where a file of category is stored locally.
func (m *SyncManager) Path(category Category, name string) string {
	return filepath.Join(m.opts.CacheDir, string(category), name)
}

// Sync reconciles the cache against the remote once more. An unreachable
// remote or a failed fetch is reported in the Report, not as an error; the
// error is only set when the cache could not be persisted.
func (m *SyncManager) Sync(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "manifest.sync")
	defer span.End()

	report, persistErr := m.sync(ctx)
	m.report = report

	span.SetAttributes(
		attribute.String("manifest.outcome", report.Outcome),
		attribute.Int("manifest.fetched", report.Fetched),
		attribute.Int("manifest.failed", report.Failed),
	)
	if report.Err != nil && report.Outcome != OutcomeOffline {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, report.Err.Error())
	}

	m.opts.Metrics.RecordManifestSync(report.Outcome)
	_ = m.opts.Events.PublishManifestSynced(m.opts.RemoteURL, report.Outcome, report.Fetched)

	return report, persistErr
}

// sync returns an error only when the reconciled cache could not be saved.
func (m *SyncManager) sync(ctx context.Context) (Report, error) {
	listCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	listing, err := m.opts.Remote.List(listCtx)
	cancel()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Manifest server unreachable, using cached manifests")
		return Report{Outcome: OutcomeOffline, Err: err}, nil
	}

	var report Report
	if m.rehome() {
		report.Rehomed = true
		m.logger.Info().Msg("Manifest cache re-homed, tracked files reset")
	}

	now := m.opts.Now()
	report.Refreshed = !now.Before(m.cache.Expires())

	for _, category := range Categories {
		m.reconcile(ctx, category, listing.Category(category), report.Refreshed, &report)
	}

	if report.Refreshed && report.Failed == 0 {
		m.cache.SetExpires(now.Add(m.opts.TTL))
	}

	switch {
	case report.Failed > 0:
		report.Outcome = OutcomePartial
	case m.cache.Dirty():
		report.Outcome = OutcomeUpdated
	default:
		report.Outcome = OutcomeUnchanged
	}

	if m.cache.Dirty() {
		if err := m.cache.Save(m.opts.CacheFile); err != nil {
			report.Err = err
			return report, fmt.Errorf("failed to persist manifest cache: %w", err)
		}
		report.Persisted = true
	}

	m.logger.Info().
		Str("outcome", report.Outcome).
		Int("fetched", report.Fetched).
		Int("failed", report.Failed).
		Int("dropped", report.Dropped).
		Bool("persisted", report.Persisted).
		Msg("Manifest sync completed")
	return report, nil
}

// rehome resets the tracked sets when the cache was built for another
// remote or identity.
func (m *SyncManager) rehome() bool {
	c := m.cache
	moved := c.RemoteURL() != m.opts.RemoteURL ||
		(m.opts.Owner != "" && c.Owner() != m.opts.Owner) ||
		(m.opts.Tenant != "" && c.Tenant() != m.opts.Tenant)
	if !moved {
		return false
	}

	c.SetRemoteURL(m.opts.RemoteURL)
	if m.opts.Owner != "" {
		c.SetOwner(m.opts.Owner)
	}
	if m.opts.Tenant != "" {
		c.SetTenant(m.opts.Tenant)
	}
	for _, category := range Categories {
		c.SetInfo(category, nil)
	}
	return true
}

// reconcile fetches new and changed files of one category and replaces
// the tracked set with the remote's. Files no longer listed stay on disk.
// A failed fetch keeps the previous descriptor.
func (m *SyncManager) reconcile(ctx context.Context, category Category, remote []Descriptor, force bool, report *Report) {
	current := m.cache.Info(category)
	next := make(map[string]Descriptor, len(remote))
	logger := m.logger.With().Str("category", string(category)).Logger()

	for _, d := range remote {
		if err := ValidateName(d.Name); err != nil {
			logger.Warn().Err(err).Msg("Skipping remote manifest")
			continue
		}

		local, known := current[d.Name]
		path := m.Path(category, d.Name)
		if known && local.Equal(d) && !force && fileExists(path) {
			next[d.Name] = local
			continue
		}

		if err := m.fetch(ctx, category, d, path); err != nil {
			report.Failed++
			m.opts.Metrics.RecordManifestFileFetched(string(category), "error")
			logger.Warn().Err(err).Str("name", d.Name).Msg("Failed to fetch manifest")
			if known {
				next[d.Name] = local
			}
			if report.Err == nil {
				report.Err = err
			}
			continue
		}

		report.Fetched++
		m.opts.Metrics.RecordManifestFileFetched(string(category), "ok")
		logger.Debug().Str("name", d.Name).Str("checksum", d.Checksum).Msg("Fetched manifest")
		next[d.Name] = d
	}

	for name := range current {
		if _, ok := next[name]; !ok {
			report.Dropped++
			logger.Debug().Str("name", name).Msg("Manifest no longer listed, keeping local file")
		}
	}

	m.cache.SetInfo(category, next)
}

func (m *SyncManager) fetch(ctx context.Context, category Category, d Descriptor, path string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	content, err := m.opts.Remote.Fetch(fetchCtx, category, d.Name)
	if err != nil {
		return err
	}
	if err := d.Verify(content); err != nil {
		return err
	}
	if err := writeFileAtomic(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to store %s: %w", d.Name, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
