package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// definitionExts are tried in order when a name has no extension.
var definitionExts = []string{"", ".yaml", ".yml"}

// DefinitionLoader reads workflow definitions from the cache directory.
// A parsed definition is reused while its file keeps the same size and
// modification time; Watch additionally drops entries as soon as a file
// changes.
type DefinitionLoader struct {
	dir     string
	logger  zerolog.Logger
	mu      sync.RWMutex
	cache   map[string]cachedDefinition
	watcher *fsnotify.Watcher
}

type cachedDefinition struct {
	def     *engine.Definition
	size    int64
	modTime time.Time
}

func (c cachedDefinition) current(info os.FileInfo) bool {
	return c.size == info.Size() && c.modTime.Equal(info.ModTime())
}

// NewDefinitionLoader creates a loader for cacheDir.
func NewDefinitionLoader(cacheDir string, logger zerolog.Logger) *DefinitionLoader {
	return &DefinitionLoader{
		dir:    cacheDir,
		logger: logger.With().Str("component", "definition-loader").Logger(),
		cache:  make(map[string]cachedDefinition),
	}
}

// LoadDefinition implements engine.DefinitionLoader. name is a file name
// under workflows/, with or without its .yaml or .yml extension.
func (l *DefinitionLoader) LoadDefinition(_ context.Context, name string) (*engine.Definition, error) {
	path, err := l.resolve(CategoryWorkflows, name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", name, err)
	}

	l.mu.RLock()
	entry, ok := l.cache[path]
	l.mu.RUnlock()
	if ok && entry.current(info) {
		return entry.def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", name, err)
	}
	def, err := engine.ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[path] = cachedDefinition{def: def, size: info.Size(), modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("workflow", def.Name).Msg("Workflow definition loaded")
	return def, nil
}

// LoadTemplate returns the raw bytes of a template.
func (l *DefinitionLoader) LoadTemplate(name string) ([]byte, error) {
	path, err := l.resolve(CategoryTemplates, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Workflows lists the workflow file names on disk, sorted.
func (l *DefinitionLoader) Workflows() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.dir, string(CategoryWorkflows)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *DefinitionLoader) resolve(category Category, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
	}

	base := filepath.Join(l.dir, string(category), name)
	for _, ext := range definitionExts {
		if ext != "" && strings.HasSuffix(name, ext) {
			continue
		}
		if fileExists(base + ext) {
			return base + ext, nil
		}
	}
	return "", engine.NewPermanentError(fmt.Sprintf("%s %q not found in %s", strings.TrimSuffix(string(category), "s"), name, l.dir), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(name)
}

// Watch drops cached definitions when their files change, until ctx is
// done. The workflows directory is created if missing.
func (l *DefinitionLoader) Watch(ctx context.Context) error {
	dir := filepath.Join(l.dir, string(CategoryWorkflows))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher)

	l.logger.Debug().Str("dir", dir).Msg("Watching workflow definitions")
	return nil
}

func (l *DefinitionLoader) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.Invalidate(event.Name)
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Workflow definition changed")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Invalidate drops the cached definition for path. An empty path clears
// the whole cache.
func (l *DefinitionLoader) Invalidate(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if path == "" {
		l.cache = make(map[string]cachedDefinition)
		return
	}
	delete(l.cache, filepath.Clean(path))
}

// Close stops watching.
func (l *DefinitionLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
