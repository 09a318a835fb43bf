// Package manifest keeps a local cache of workflow and template files in
// sync with a remote manifest server.
//
// The remote lists every file as a Descriptor (name, size, SHA-256
// checksum). A SyncManager compares the listing with the persisted Cache,
// fetches new and changed files into the cache directory and persists the
// cache only when something changed. When the remote cannot be reached the
// cache is returned exactly as it was loaded.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Category distinguishes the two kinds of manifest files.
type Category string

// Manifest categories. Each maps to a subdirectory of the cache directory.
const (
	CategoryWorkflows Category = "workflows"
	CategoryTemplates Category = "templates"
)

// Categories lists every category in reconciliation order.
var Categories = []Category{CategoryWorkflows, CategoryTemplates}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryWorkflows || c == CategoryTemplates
}

// Descriptor identifies a manifest file on the remote side without its
// content. Two descriptors are equal when name and checksum match.
type Descriptor struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
	Checksum  string `json:"checksum"`
}

// NewDescriptor describes content stored under name.
func NewDescriptor(name string, content []byte) Descriptor {
	return Descriptor{
		Name:      name,
		SizeBytes: int64(len(content)),
		Checksum:  Checksum(content),
	}
}

// Equal compares by name and checksum.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Name == o.Name && d.Checksum == o.Checksum
}

// Verify checks that content matches the descriptor's checksum.
func (d Descriptor) Verify(content []byte) error {
	if got := Checksum(content); got != strings.ToLower(d.Checksum) {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", d.Name, d.Checksum, got)
	}
	return nil
}

// Checksum returns the lowercase hex SHA-256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ValidateName rejects names that would escape the category directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid manifest name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("manifest name %q must not contain path separators", name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("manifest name %q must not be hidden", name)
	}
	return nil
}

// Listing is the body of the remote listing endpoint.
type Listing struct {
	Workflows []Descriptor `json:"workflows"`
	Templates []Descriptor `json:"templates"`
}

// Category returns the descriptors listed for c.
func (l *Listing) Category(c Category) []Descriptor {
	if c == CategoryTemplates {
		return l.Templates
	}
	return l.Workflows
}

// DescribeDir lists the regular files directly under dir, sorted by name.
// A missing directory yields an empty list.
func DescribeDir(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Descriptor{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	out := make([]Descriptor, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || ValidateName(entry.Name()) != nil {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		out = append(out, NewDescriptor(entry.Name(), content))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// sameSet compares two descriptor sets by (name, checksum).
func sameSet(a, b map[string]Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for name, d := range a {
		o, ok := b[name]
		if !ok || !d.Equal(o) {
			return false
		}
	}
	return true
}
