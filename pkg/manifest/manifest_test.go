package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

const helloWorkflow = `name: hello
steps:
  - id: greet
    action: text.case
    inputs:
      source-string: HELLO.World
`

// origin is a manifest server over a temp directory.
type origin struct {
	dir     string
	http    *httptest.Server
	fetches atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{dir: t.TempDir()}
	handler := NewServer(o.dir, zerolog.Nop()).Handler()
	o.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != RouteList {
			o.fetches.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(o.http.Close)
	return o
}

func (o *origin) put(t *testing.T, category Category, name, content string) {
	t.Helper()
	dir := filepath.Join(o.dir, string(category))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func testOptions(remoteURL, cacheDir string) Options {
	return Options{
		RemoteURL: remoteURL,
		CacheDir:  cacheDir,
		Timeout:   2 * time.Second,
		Logger:    zerolog.Nop(),
	}
}

// age pushes the file's mtime into the past so a rewrite is detectable.
func age(t *testing.T, path string) time.Time {
	t.Helper()
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(path, old, old))
	return old
}

func mtime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime()
}

func TestDescriptor(t *testing.T) {
	d := NewDescriptor("a.yaml", []byte("abc"))
	assert.Equal(t, int64(3), d.SizeBytes)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d.Checksum)

	assert.True(t, d.Equal(Descriptor{Name: "a.yaml", Checksum: d.Checksum, SizeBytes: 99}))
	assert.False(t, d.Equal(Descriptor{Name: "b.yaml", Checksum: d.Checksum}))
	assert.NoError(t, d.Verify([]byte("abc")))
	assert.Error(t, d.Verify([]byte("abd")))

	for _, bad := range []string{"", ".", "..", "../x", "a/b", `a\b`, ".hidden"} {
		assert.Error(t, ValidateName(bad), bad)
	}
	assert.NoError(t, ValidateName("deploy.yaml"))
}

func TestCache_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	expires := time.Date(2026, 5, 1, 10, 30, 0, 123, time.UTC)

	c := NewCache("http://manifests.local", "alice", "acme", expires)
	c.SetWorkflowInfo(map[string]Descriptor{"w.yaml": NewDescriptor("w.yaml", []byte("w"))})
	c.SetTemplateInfo(map[string]Descriptor{"t.tmpl": NewDescriptor("t.tmpl", []byte("t"))})
	require.True(t, c.Dirty())

	require.NoError(t, c.Save(path))
	assert.False(t, c.Dirty())

	loaded, err := LoadCache(path)
	require.NoError(t, err)
	assert.False(t, loaded.Dirty())
	assert.True(t, c.Equal(loaded))
	assert.Equal(t, "http://manifests.local", loaded.RemoteURL())
	assert.Equal(t, "alice", loaded.Owner())
	assert.Equal(t, "acme", loaded.Tenant())
	assert.True(t, expires.Equal(loaded.Expires()))
	assert.Equal(t, c.WorkflowInfo(), loaded.WorkflowInfo())
	assert.Equal(t, c.TemplateInfo(), loaded.TemplateInfo())

	_, err = LoadCache(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCache_DirtyOnlyOnRealChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := NewCache("http://r", "", "", time.Now())
	info := map[string]Descriptor{"a": NewDescriptor("a", []byte("1"))}
	c.SetWorkflowInfo(info)
	require.NoError(t, c.Save(path))

	// Same set, different map and size field.
	c.SetWorkflowInfo(map[string]Descriptor{"a": {Name: "a", Checksum: Checksum([]byte("1")), SizeBytes: 42}})
	c.SetRemoteURL("http://r")
	c.SetExpires(c.Expires())
	assert.False(t, c.Dirty())

	c.SetWorkflowInfo(map[string]Descriptor{"a": NewDescriptor("a", []byte("2"))})
	assert.True(t, c.Dirty())
	require.NoError(t, c.Save(path))

	c.SetTemplateInfo(nil)
	assert.False(t, c.Dirty(), "empty and nil template sets are the same set")
	c.SetOwner("bob")
	assert.True(t, c.Dirty())
}

func TestBuild_OfflineWithoutCacheFile(t *testing.T) {
	dir := t.TempDir()
	remote := unreachableURL(t)

	m, err := Build(context.Background(), testOptions(remote, dir))
	require.NoError(t, err)
	require.NotNil(t, m.Cache())

	assert.Equal(t, remote, m.Cache().RemoteURL())
	assert.Empty(t, m.Cache().WorkflowInfo())
	assert.Empty(t, m.Cache().TemplateInfo())
	assert.Equal(t, OutcomeOffline, m.LastReport().Outcome)
	assert.Error(t, m.LastReport().Err)

	_, err = os.Stat(m.CacheFile())
	assert.True(t, errors.Is(err, os.ErrNotExist), "offline build must not write a cache file")
}

func TestBuild_OfflineReturnsLoadedCacheUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultCacheFile)

	saved := NewCache("http://old-remote", "alice", "acme", time.Now().Add(-time.Hour))
	saved.SetWorkflowInfo(map[string]Descriptor{"w.yaml": NewDescriptor("w.yaml", []byte(helloWorkflow))})
	require.NoError(t, saved.Save(path))
	before := age(t, path)

	opts := testOptions(unreachableURL(t), dir)
	opts.Owner = "bob"
	m, err := Build(context.Background(), opts)
	require.NoError(t, err)

	assert.True(t, saved.Equal(m.Cache()), "offline cache must be returned exactly as loaded")
	assert.False(t, m.Cache().Dirty())
	assert.Equal(t, "http://old-remote", m.Cache().RemoteURL())
	assert.WithinDuration(t, before, mtime(t, path), 0)
}

func TestBuild_OnlineFetchesAndPersists(t *testing.T) {
	o := newOrigin(t)
	o.put(t, CategoryWorkflows, "hello.yaml", helloWorkflow)
	o.put(t, CategoryTemplates, "readme.tmpl", "Hello {{ .Name }}")
	dir := t.TempDir()

	m, err := Build(context.Background(), testOptions(o.http.URL, dir))
	require.NoError(t, err)

	report := m.LastReport()
	assert.Equal(t, OutcomeUpdated, report.Outcome)
	assert.Equal(t, 2, report.Fetched)
	assert.True(t, report.Persisted)

	wf := m.Cache().WorkflowInfo()
	require.Contains(t, wf, "hello.yaml")
	assert.Equal(t, Checksum([]byte(helloWorkflow)), wf["hello.yaml"].Checksum)
	assert.Contains(t, m.Cache().TemplateInfo(), "readme.tmpl")

	content, err := os.ReadFile(m.Path(CategoryWorkflows, "hello.yaml"))
	require.NoError(t, err)
	assert.Equal(t, helloWorkflow, string(content))

	loaded, err := LoadCache(m.CacheFile())
	require.NoError(t, err)
	assert.True(t, m.Cache().Equal(loaded))
}

func TestBuild_IdenticalRemoteSkipsWrite(t *testing.T) {
	o := newOrigin(t)
	o.put(t, CategoryWorkflows, "hello.yaml", helloWorkflow)
	dir := t.TempDir()

	first, err := Build(context.Background(), testOptions(o.http.URL, dir))
	require.NoError(t, err)
	before := age(t, first.CacheFile())
	fetches := o.fetches.Load()

	second, err := Build(context.Background(), testOptions(o.http.URL, dir))
	require.NoError(t, err)

	assert.Equal(t, OutcomeUnchanged, second.LastReport().Outcome)
	assert.False(t, second.LastReport().Persisted)
	assert.WithinDuration(t, before, mtime(t, second.CacheFile()), 0)
	assert.Equal(t, fetches, o.fetches.Load(), "unchanged files must not be fetched")
}

func TestBuild_ChangedChecksumRefetches(t *testing.T) {
	o := newOrigin(t)
	o.put(t, CategoryWorkflows, "hello.yaml", helloWorkflow)
	dir := t.TempDir()

	first, err := Build(context.Background(), testOptions(o.http.URL, dir))
	require.NoError(t, err)
	before := age(t, first.CacheFile())

	changed := helloWorkflow + "    continueOnError: true\n"
	o.put(t, CategoryWorkflows, "hello.yaml", changed)

	second, err := Build(context.Background(), testOptions(o.http.URL, dir))
	require.NoError(t, err)

	assert.Equal(t, OutcomeUpdated, second.LastReport().Outcome)
	assert.Equal(t, 1, second.LastReport().Fetched)
	assert.True(t, mtime(t, second.CacheFile()).After(before))
	assert.Equal(t, Checksum([]byte(changed)), second.Cache().WorkflowInfo()["hello.yaml"].Checksum)

	content, err := os.ReadFile(second.Path(CategoryWorkflows, "hello.yaml"))
	require.NoError(t, err)
	assert.Equal(t, changed, string(content))
}

func TestBuild_RemovedRemoteFileIsUntrackedButKept(t *testing.T) {
	o := newOrigin(t)
	o.put(t, CategoryWorkflows, "hello.yaml", helloWorkflow)
	o.put(t, CategoryWorkflows, "bye.yaml", "name: bye\nsteps:\n  - id: s\n    action: text.case\n")
	dir := t.TempDir()

	_, err := Build(context.Background(), testOptions(o.http.URL, dir))
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(o.dir, string(CategoryWorkflows), "bye.yaml")))
	m, err := Build(context.Background(), testOptions(o.http.URL, dir))
	require.NoError(t, err)

	assert.Equal(t, 1, m.LastReport().Dropped)
	assert.NotContains(t, m.Cache().WorkflowInfo(), "bye.yaml")
	assert.FileExists(t, m.Path(CategoryWorkflows, "bye.yaml"))
}

func TestBuild_MissingLocalFileIsRepaired(t *testing.T) {
	o := newOrigin(t)
	o.put(t, CategoryWorkflows, "hello.yaml", helloWorkflow)
	dir := t.TempDir()

	first, err := Build(context.Background(), testOptions(o.http.URL, dir))
	require.NoError(t, err)
	require.NoError(t, os.Remove(first.Path(CategoryWorkflows, "hello.yaml")))

	second, err := Build(context.Background(), testOptions(o.http.URL, dir))
	require.NoError(t, err)
	assert.Equal(t, 1, second.LastReport().Fetched)
	assert.FileExists(t, second.Path(CategoryWorkflows, "hello.yaml"))
}

func TestBuild_NewReachableRemoteRehomesCache(t *testing.T) {
	oldOrigin := newOrigin(t)
	oldOrigin.put(t, CategoryWorkflows, "old.yaml", helloWorkflow)
	dir := t.TempDir()

	_, err := Build(context.Background(), testOptions(oldOrigin.http.URL, dir))
	require.NoError(t, err)

	fresh := newOrigin(t)
	fresh.put(t, CategoryWorkflows, "fresh.yaml", "name: fresh\nsteps:\n  - id: s\n    action: text.case\n")

	m, err := Build(context.Background(), testOptions(fresh.http.URL, dir))
	require.NoError(t, err)

	assert.True(t, m.LastReport().Rehomed)
	assert.Equal(t, fresh.http.URL, m.Cache().RemoteURL())
	assert.Equal(t, []string{"fresh.yaml"}, keys(m.Cache().WorkflowInfo()))

	loaded, err := LoadCache(m.CacheFile())
	require.NoError(t, err)
	assert.Equal(t, fresh.http.URL, loaded.RemoteURL())
	assert.Contains(t, loaded.WorkflowInfo(), "fresh.yaml")
}

func TestBuild_ExpiredCacheRefetchesEverything(t *testing.T) {
	o := newOrigin(t)
	o.put(t, CategoryWorkflows, "hello.yaml", helloWorkflow)
	dir := t.TempDir()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	opts := testOptions(o.http.URL, dir)
	opts.TTL = time.Hour
	opts.Now = func() time.Time { return now }

	_, err := Build(context.Background(), opts)
	require.NoError(t, err)
	fetches := o.fetches.Load()

	now = now.Add(2 * time.Hour)
	m, err := Build(context.Background(), opts)
	require.NoError(t, err)

	assert.True(t, m.LastReport().Refreshed)
	assert.Equal(t, 1, m.LastReport().Fetched)
	assert.Equal(t, fetches+1, o.fetches.Load())
	assert.True(t, now.Add(time.Hour).Equal(m.Cache().Expires()))
	assert.True(t, m.LastReport().Persisted)
}

// corruptRemote lists one file but serves content that does not match.
type corruptRemote struct {
	listing *Listing
}

func (r *corruptRemote) List(context.Context) (*Listing, error) { return r.listing, nil }

func (r *corruptRemote) Fetch(context.Context, Category, string) ([]byte, error) {
	return []byte("tampered"), nil
}

func TestBuild_ChecksumMismatchKeepsPreviousDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultCacheFile)
	previous := NewDescriptor("hello.yaml", []byte(helloWorkflow))

	saved := NewCache("http://remote", "", "", time.Now().Add(time.Hour))
	saved.SetWorkflowInfo(map[string]Descriptor{"hello.yaml": previous})
	require.NoError(t, saved.Save(path))

	opts := testOptions("http://remote", dir)
	opts.Remote = &corruptRemote{listing: &Listing{
		Workflows: []Descriptor{NewDescriptor("hello.yaml", []byte("newer"))},
	}}

	m, err := Build(context.Background(), opts)
	require.NoError(t, err)

	report := m.LastReport()
	assert.Equal(t, OutcomePartial, report.Outcome)
	assert.Equal(t, 1, report.Failed)
	assert.Error(t, report.Err)
	assert.Equal(t, previous, m.Cache().WorkflowInfo()["hello.yaml"])
	assert.NoFileExists(t, m.Path(CategoryWorkflows, "hello.yaml"))

	report, err = m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, report.Outcome)
	assert.Error(t, report.Err)
}

func TestBuild_PersistFailureIsAnError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	opts := testOptions("http://remote", dir)
	opts.CacheFile = filepath.Join(blocker, DefaultCacheFile)
	opts.Remote = &corruptRemote{listing: &Listing{}}

	_, err := Build(context.Background(), opts)
	assert.Error(t, err)
}

func TestBuild_RequiresRemoteAndDir(t *testing.T) {
	_, err := Build(context.Background(), Options{CacheDir: t.TempDir()})
	assert.Error(t, err)
	_, err = Build(context.Background(), Options{RemoteURL: "http://r"})
	assert.Error(t, err)
}

func TestServer_Routes(t *testing.T) {
	o := newOrigin(t)
	o.put(t, CategoryTemplates, "a.tmpl", "A")
	remote := NewHTTPRemote(o.http.URL, nil)
	ctx := context.Background()

	listing, err := remote.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listing.Workflows)
	require.Len(t, listing.Templates, 1)
	assert.Equal(t, NewDescriptor("a.tmpl", []byte("A")), listing.Templates[0])

	content, err := remote.Fetch(ctx, CategoryTemplates, "a.tmpl")
	require.NoError(t, err)
	assert.Equal(t, "A", string(content))

	_, err = remote.Fetch(ctx, CategoryWorkflows, "a.tmpl")
	assert.Error(t, err)

	for path, status := range map[string]int{
		"/manifests/a.tmpl?category=bogus":      http.StatusBadRequest,
		"/manifests/.secret":                    http.StatusBadRequest,
		"/manifests/missing?category=workflows": http.StatusNotFound,
	} {
		resp, err := http.Get(o.http.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode, path)
	}
}

func TestDefinitionLoader(t *testing.T) {
	dir := t.TempDir()
	wfDir := filepath.Join(dir, string(CategoryWorkflows))
	require.NoError(t, os.MkdirAll(wfDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "hello.yaml"), []byte(helloWorkflow), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "broken.yaml"), []byte("name: broken\nsteps: []\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, string(CategoryTemplates)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(CategoryTemplates), "t.tmpl"), []byte("T"), 0o644))

	l := NewDefinitionLoader(dir, zerolog.Nop())
	ctx := context.Background()

	def, err := l.LoadDefinition(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", def.Name)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, "text.case", def.Steps[0].Action)

	again, err := l.LoadDefinition(ctx, "hello.yaml")
	require.NoError(t, err)
	assert.Same(t, def, again)

	_, err = l.LoadDefinition(ctx, "broken")
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeValidation, engine.ErrorCode(err))

	_, err = l.LoadDefinition(ctx, "missing")
	assert.Equal(t, engine.ErrCodeNotFound, engine.ErrorCode(err))

	_, err = l.LoadDefinition(ctx, "../escape")
	assert.Equal(t, engine.ErrCodeValidation, engine.ErrorCode(err))

	tmpl, err := l.LoadTemplate("t.tmpl")
	require.NoError(t, err)
	assert.Equal(t, "T", string(tmpl))

	names, err := l.Workflows()
	require.NoError(t, err)
	assert.Equal(t, []string{"broken.yaml", "hello.yaml"}, names)
}

func TestDefinitionLoader_WatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	l := NewDefinitionLoader(dir, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx))
	defer l.Close()

	path := filepath.Join(dir, string(CategoryWorkflows), "hello.yaml")
	require.NoError(t, os.WriteFile(path, []byte(helloWorkflow), 0o644))

	first, err := l.LoadDefinition(ctx, "hello")
	require.NoError(t, err)

	renamed := "name: renamed\nsteps:\n  - id: s\n    action: text.case\n"
	require.NoError(t, os.WriteFile(path, []byte(renamed), 0o644))

	assert.Eventually(t, func() bool {
		def, err := l.LoadDefinition(ctx, "hello")
		return err == nil && def != first && def.Name == "renamed"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDefinitionLoader_ReloadsChangedFileWithoutWatch(t *testing.T) {
	dir := t.TempDir()
	wfDir := filepath.Join(dir, string(CategoryWorkflows))
	require.NoError(t, os.MkdirAll(wfDir, 0o755))
	path := filepath.Join(wfDir, "hello.yaml")
	require.NoError(t, os.WriteFile(path, []byte(helloWorkflow), 0o644))
	age(t, path)

	l := NewDefinitionLoader(dir, zerolog.Nop())
	ctx := context.Background()

	first, err := l.LoadDefinition(ctx, "hello")
	require.NoError(t, err)
	same, err := l.LoadDefinition(ctx, "hello")
	require.NoError(t, err)
	assert.Same(t, first, same)

	renamed := "name: renamed\nsteps:\n  - id: s\n    action: text.case\n"
	require.NoError(t, os.WriteFile(path, []byte(renamed), 0o644))

	def, err := l.LoadDefinition(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "renamed", def.Name)
}

func keys(m map[string]Descriptor) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
