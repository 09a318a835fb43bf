package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyPingRego = `package test.deny_ping

import rego.v1

# Pings are not allowed in tests.
# severity: warning

deny contains msg if {
	input.step.action == "net.ping"
	msg := "no pings"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func readOne(t *testing.T, loader *Loader, path string) Policy {
	t.Helper()
	policies, err := loader.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected one policy in %s, got %d", path, len(policies))
	}
	return policies[0]
}

func TestReadFile_Rego(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "deny-ping.rego")
	writeFile(t, policyFile, denyPingRego)

	policy := readOne(t, NewLoader(zerolog.Nop()), policyFile)

	if policy.Name != "deny-ping" {
		t.Errorf("Expected name 'deny-ping', got %q", policy.Name)
	}
	if policy.Rego != denyPingRego {
		t.Error("Rego content doesn't match")
	}
	if policy.Description != "Pings are not allowed in tests." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected severity from header, got %q", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source metadata, got %v", policy.Metadata["source"])
	}
}

func TestReadFile_JSON(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "policy.json")
	data, err := json.Marshal(Policy{Name: "json-policy", Rego: denyPingRego, Enabled: true})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	writeFile(t, policyFile, string(data))

	loader := NewLoader(zerolog.Nop())
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	loader.now = func() time.Time { return fixed }

	policy := readOne(t, loader, policyFile)
	if policy.Name != "json-policy" {
		t.Errorf("Expected name 'json-policy', got %q", policy.Name)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %q", policy.Severity)
	}
	if !policy.CreatedAt.Equal(fixed) || !policy.UpdatedAt.Equal(fixed) {
		t.Errorf("Expected timestamps defaulted to %v, got %v/%v", fixed, policy.CreatedAt, policy.UpdatedAt)
	}
}

func TestReadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "policy.txt"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{not json")
	writeFile(t, filepath.Join(dir, "anonymous.json"), `{"rego": "package x"}`)
	writeFile(t, filepath.Join(dir, "empty.json"), `{"name": "empty"}`)
	writeFile(t, filepath.Join(dir, "loud.json"), `{"name": "loud", "rego": "package x", "severity": "loud"}`)
	writeFile(t, filepath.Join(dir, "loud.rego"), "# severity: loud\npackage x\n")

	tests := []struct {
		name string
		file string
	}{
		{"unsupported type", "policy.txt"},
		{"invalid json", "broken.json"},
		{"json without name", "anonymous.json"},
		{"json without rego", "empty.json"},
		{"json with unknown severity", "loud.json"},
		{"rego with unknown severity", "loud.rego"},
		{"missing file", "missing.rego"},
	}

	loader := NewLoader(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.ReadFile(filepath.Join(dir, tt.file)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.rego"), denyPingRego)
	writeFile(t, filepath.Join(dir, "nested", "a.rego"), denyPingRego)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "bad.json"), "{")
	single := filepath.Join(t.TempDir(), "c.rego")
	writeFile(t, single, denyPingRego)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.Load(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	// bad.json is skipped with a warning inside directories.
	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	if strings.Join(names, ",") != "a,b,c" {
		t.Errorf("Expected sorted policies a,b,c, got %v", names)
	}

	if _, err := loader.Load(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
	if _, err := loader.Load(context.Background(), []string{filepath.Join(dir, "bad.json")}); err == nil {
		t.Error("Expected error for a bad file named directly")
	}

	dup := filepath.Join(t.TempDir(), "b.rego")
	writeFile(t, dup, denyPingRego)
	if _, err := loader.Load(context.Background(), []string{dir, dup}); err == nil || !strings.Contains(err.Error(), `"b"`) {
		t.Errorf("Expected duplicate name error, got %v", err)
	}
}

func TestLoadBundle(t *testing.T) {
	bundle := Bundle{
		Name:    "team",
		Version: "1.2.0",
		Policies: []Policy{
			{Name: "one", Rego: denyPingRego, Enabled: true},
			{Name: "two", Rego: denyPingRego, Severity: SeverityCritical},
		},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "team"+BundleSuffix)
	writeFile(t, path, string(data))

	loader := NewLoader(zerolog.Nop())
	loaded, err := loader.LoadBundle(path)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if loaded.Name != "team" || loaded.Version != "1.2.0" {
		t.Errorf("Unexpected bundle header %s@%s", loaded.Name, loaded.Version)
	}
	if loaded.Policies[0].Severity != SeverityError || loaded.Policies[1].Severity != SeverityCritical {
		t.Errorf("Unexpected severities %q, %q", loaded.Policies[0].Severity, loaded.Policies[1].Severity)
	}

	// Directories expand bundles alongside single policies.
	writeFile(t, filepath.Join(dir, "three.rego"), denyPingRego)
	policies, err := loader.Load(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 3 {
		t.Errorf("Expected 3 policies, got %d", len(policies))
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		description string
		severity    Severity
	}{
		{
			name:        "no comments",
			content:     "package a\n\ndeny contains 1 if { false }\n",
			description: "",
			severity:    SeverityError,
		},
		{
			name:        "multi line description",
			content:     "# First line.\n# Second line.\npackage a\n",
			description: "First line. Second line.",
			severity:    SeverityError,
		},
		{
			name:        "severity after imports",
			content:     "package a\n\nimport rego.v1\n\n# Informational only.\n# severity: info\n\ndeny contains 1 if { false }\n# later comment\n",
			description: "Informational only.",
			severity:    SeverityInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			description, severity, err := parseHeader(tt.content)
			if err != nil {
				t.Fatalf("parseHeader failed: %v", err)
			}
			if description != tt.description {
				t.Errorf("description = %q, want %q", description, tt.description)
			}
			if severity != tt.severity {
				t.Errorf("severity = %q, want %q", severity, tt.severity)
			}
		})
	}
}
