package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// BundleSuffix marks a JSON file holding a Bundle rather than one Policy.
const BundleSuffix = ".bundle.json"

// Loader reads policies from disk. Three file kinds are recognised:
//
//   - name.rego: a policy called name. The leading comment block is its
//     description; a "# severity: <level>" line in it sets the default
//     severity (error when absent).
//   - name.json: one JSON-encoded Policy, which must carry a name.
//   - name.bundle.json: a Bundle whose policies are all loaded.
//
// Any other file is ignored when a directory is walked and rejected when
// named directly.
type Loader struct {
	logger   zerolog.Logger
	debounce time.Duration
	now      func() time.Time
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		debounce: 500 * time.Millisecond,
		now:      time.Now,
	}
}

// Load reads every policy under paths, sorted by name. Each path is a
// file or a directory walked recursively. A named file that cannot be
// read fails the load; a bad file inside a directory is logged and
// skipped. Two policies with the same name fail the load.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	byName := make(map[string]string)
	var out []Policy

	add := func(source string, policies []Policy) error {
		for _, p := range policies {
			if prev, dup := byName[p.Name]; dup {
				return fmt.Errorf("policy %q defined in both %s and %s", p.Name, prev, source)
			}
			byName[p.Name] = source
			out = append(out, p)
		}
		return nil
	}

	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}

		if !info.IsDir() {
			policies, err := l.ReadFile(root)
			if err != nil {
				return nil, err
			}
			if err := add(root, policies); err != nil {
				return nil, err
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || kindOf(path) == "" {
				return err
			}
			policies, err := l.ReadFile(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			return add(path, policies)
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies read")
	return out, nil
}

// kindOf returns the policy file kind of path, or "" for other files.
func kindOf(path string) string {
	switch {
	case strings.HasSuffix(path, BundleSuffix):
		return "bundle"
	case strings.HasSuffix(path, ".json"):
		return "json"
	case strings.HasSuffix(path, ".rego"):
		return "rego"
	default:
		return ""
	}
}

// ReadFile reads the policies held by one file.
func (l *Loader) ReadFile(path string) ([]Policy, error) {
	kind := kindOf(path)
	if kind == "" {
		return nil, fmt.Errorf("%s: not a .rego, .json or %s file", path, BundleSuffix)
	}
	if kind == "bundle" {
		b, err := l.LoadBundle(path)
		if err != nil {
			return nil, err
		}
		return b.Policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	var p Policy
	if kind == "rego" {
		p, err = l.fromRego(path, data)
	} else {
		err = json.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := l.complete(&p, path); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return []Policy{p}, nil
}

// LoadBundle reads a bundle file. Its policies are completed the same way
// as single-file ones.
func (l *Loader) LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	for i := range b.Policies {
		if err := l.complete(&b.Policies[i], path); err != nil {
			return nil, fmt.Errorf("bundle %s policy %d: %w", path, i, err)
		}
	}

	l.logger.Info().
		Str("bundle", b.Name).
		Str("version", b.Version).
		Int("policies", len(b.Policies)).
		Msg("Policy bundle loaded")
	return &b, nil
}

func (l *Loader) fromRego(path string, data []byte) (Policy, error) {
	description, severity, err := parseHeader(string(data))
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
	}, nil
}

// complete checks p and fills in what a file may leave out.
func (l *Loader) complete(p *Policy, source string) error {
	if p.Name == "" {
		return errors.New("policy has no name")
	}
	if p.Rego == "" {
		return fmt.Errorf("policy %s has no rego source", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("policy %s: unknown severity %q", p.Name, p.Severity)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{}, 1)
	}
	p.Metadata["source"] = source
	now := l.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return nil
}

// parseHeader reads the description and severity from the first block of
// comment lines. Blank lines and package or import clauses before it are
// skipped; the block ends at the first other line.
func parseHeader(src string) (string, Severity, error) {
	var (
		words    []string
		severity = SeverityError
		started  bool
	)
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if started || (line != "" && !isPreamble(line)) {
				break
			}
			continue
		}
		started = true

		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(level))
			if !severity.Valid() {
				return "", "", fmt.Errorf("unknown severity %q", severity)
			}
			continue
		}
		if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity, nil
}

func isPreamble(line string) bool {
	return strings.HasPrefix(line, "package ") || strings.HasPrefix(line, "import ")
}

// Watch calls apply with a fresh Load of paths after policy files under
// them change, until ctx is done or the returned stop function is called.
// Bursts of changes within the debounce window cause one reload. A reload
// that fails is logged and the previous policies stay in force.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, root := range paths {
		if err := addRecursive(watcher, root); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	go l.watchLoop(ctx, watcher, paths, apply)
	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return watcher.Close, nil
}

// addRecursive watches a file, or a directory and its subdirectories.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer func() { _ = watcher.Close() }()

	timer := time.NewTimer(l.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, event.Name)
				}
			}
			if kindOf(event.Name) == "" || event.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			timer.Reset(l.debounce)

		case <-timer.C:
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
