package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cache is the persisted record of the manifests last known from the
// remote, plus the identity the cache was built for. Dirty is true when a
// field changed since the last Save.
type Cache struct {
	mu        sync.RWMutex
	remoteURL string
	owner     string
	tenant    string
	expires   time.Time
	workflows map[string]Descriptor
	templates map[string]Descriptor
	dirty     bool
}

// cacheFile is the on-disk form of Cache.
type cacheFile struct {
	RemoteURL    string                `json:"remoteUrl"`
	Owner        string                `json:"owner"`
	Tenant       string                `json:"tenant"`
	Expires      time.Time             `json:"expires"`
	WorkflowInfo map[string]Descriptor `json:"workflowInfo"`
	TemplateInfo map[string]Descriptor `json:"templateInfo"`
}

// NewCache returns an empty cache for remoteURL. It has never been saved,
// so it starts dirty.
func NewCache(remoteURL, owner, tenant string, expires time.Time) *Cache {
	return &Cache{
		remoteURL: remoteURL,
		owner:     owner,
		tenant:    tenant,
		expires:   expires.UTC(),
		workflows: make(map[string]Descriptor),
		templates: make(map[string]Descriptor),
		dirty:     true,
	}
}

// LoadCache reads a cache file. The error wraps os.ErrNotExist when the
// file is absent.
func LoadCache(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest cache: %w", err)
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse manifest cache %s: %w", path, err)
	}

	c := &Cache{
		remoteURL: f.RemoteURL,
		owner:     f.Owner,
		tenant:    f.Tenant,
		expires:   f.Expires,
		workflows: f.WorkflowInfo,
		templates: f.TemplateInfo,
	}
	if c.workflows == nil {
		c.workflows = make(map[string]Descriptor)
	}
	if c.templates == nil {
		c.templates = make(map[string]Descriptor)
	}
	return c, nil
}

// Save writes the cache to path atomically and clears the dirty flag.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(cacheFile{
		RemoteURL:    c.remoteURL,
		Owner:        c.owner,
		Tenant:       c.tenant,
		Expires:      c.expires,
		WorkflowInfo: c.workflows,
		TemplateInfo: c.templates,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest cache: %w", err)
	}

	if err := writeFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest cache: %w", err)
	}
	c.dirty = false
	return nil
}

// RemoteURL returns the remote the cache was built from.
func (c *Cache) RemoteURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteURL
}

// Owner returns the owning principal.
func (c *Cache) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Tenant returns the tenant.
func (c *Cache) Tenant() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenant
}

// Expires returns when the cache should be fully refreshed.
func (c *Cache) Expires() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expires
}

// Dirty reports whether the cache changed since the last Save.
func (c *Cache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// WorkflowInfo returns a copy of the tracked workflow descriptors.
func (c *Cache) WorkflowInfo() map[string]Descriptor {
	return c.Info(CategoryWorkflows)
}

// TemplateInfo returns a copy of the tracked template descriptors.
func (c *Cache) TemplateInfo() map[string]Descriptor {
	return c.Info(CategoryTemplates)
}

// Info returns a copy of the tracked descriptors for category.
func (c *Cache) Info(category Category) map[string]Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	src := c.workflows
	if category == CategoryTemplates {
		src = c.templates
	}
	out := make(map[string]Descriptor, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SetWorkflowInfo replaces the workflow descriptors.
func (c *Cache) SetWorkflowInfo(info map[string]Descriptor) {
	c.SetInfo(CategoryWorkflows, info)
}

// SetTemplateInfo replaces the template descriptors.
func (c *Cache) SetTemplateInfo(info map[string]Descriptor) {
	c.SetInfo(CategoryTemplates, info)
}

// SetInfo replaces the descriptors for category. The cache only becomes
// dirty when the new set differs from the current one.
func (c *Cache) SetInfo(category Category, info map[string]Descriptor) {
	next := make(map[string]Descriptor, len(info))
	for k, v := range info {
		next[k] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := &c.workflows
	if category == CategoryTemplates {
		current = &c.templates
	}
	if sameSet(*current, next) {
		return
	}
	*current = next
	c.dirty = true
}

// SetRemoteURL updates the remote URL.
func (c *Cache) SetRemoteURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteURL != u {
		c.remoteURL = u
		c.dirty = true
	}
}

// SetOwner updates the owning principal.
func (c *Cache) SetOwner(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != owner {
		c.owner = owner
		c.dirty = true
	}
}

// SetTenant updates the tenant.
func (c *Cache) SetTenant(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tenant != tenant {
		c.tenant = tenant
		c.dirty = true
	}
}

// SetExpires updates the expiry.
func (c *Cache) SetExpires(t time.Time) {
	t = t.UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expires.Equal(t) {
		c.expires = t
		c.dirty = true
	}
}

// Equal compares every persisted field. The dirty flag is ignored.
func (c *Cache) Equal(o *Cache) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.RemoteURL() == o.RemoteURL() &&
		c.Owner() == o.Owner() &&
		c.Tenant() == o.Tenant() &&
		c.Expires().Equal(o.Expires()) &&
		sameSet(c.WorkflowInfo(), o.WorkflowInfo()) &&
		sameSet(c.TemplateInfo(), o.TemplateInfo())
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
