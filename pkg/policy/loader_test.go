package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "protect.rego", protectProdRego)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "protect" {
		t.Errorf("Expected name 'protect', got '%s'", policy.Name)
	}
	if policy.Description != "Never delete disks of problem 99." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityError || !policy.Enabled || policy.Builtin {
		t.Errorf("Unexpected defaults %+v", policy)
	}
	if policy.Source != path {
		t.Errorf("Source = %q", policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	data, err := json.Marshal(map[string]interface{}{
		"description": "warn on reboots",
		"rego":        "package x\n\nimport rego.v1\n\ndeny contains \"no\" if false\n",
		"severity":    "warning",
		"builtin":     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	path := writePolicy(t, t.TempDir(), "reboots.json", string(data))

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "reboots" {
		t.Errorf("name should default to the file name, got %q", policy.Name)
	}
	if policy.Severity != SeverityWarning || !policy.Enabled {
		t.Errorf("Unexpected policy %+v", policy)
	}
	if policy.Builtin {
		t.Error("files can not declare built-in policies")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"invalid json", writePolicy(t, dir, "bad.json", "{not json")},
		{"json without rego", writePolicy(t, dir, "empty.json", `{"name":"empty"}`)},
		{"unsupported type", writePolicy(t, dir, "policy.txt", "package x")},
		{"missing file", filepath.Join(dir, "missing.rego")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.loadFromFile(tt.path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicy(t, dir, "a.rego", protectProdRego)
	writePolicy(t, dir, "nested/b.rego", "package b\n")
	writePolicy(t, dir, "README.md", "# not a policy")
	single := writePolicy(t, t.TempDir(), "c.rego", "package c\n")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if len(policies) != 3 || !names["a"] || !names["b"] || !names["c"] {
		t.Errorf("Unexpected policies %v", names)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("missing path should fail")
	}

	writePolicy(t, dir, "broken.json", "{")
	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Error("a broken file should fail the whole load")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"leading comments", "# First line\n# second line\npackage x\n", "First line second line"},
		{"blank lines before", "\n\n# Only\n\npackage x\n", "Only"},
		{"after package clause", "package x\n\n# Later\n# more\n\ndeny contains 1 if false\n", "Later more"},
		{"no comments", "package x\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.want {
				t.Errorf("extractDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t, Options{})
	dir := t.TempDir()
	writePolicy(t, dir, "protect.rego", protectProdRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("protect"); err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
}

func TestEngineWatch(t *testing.T) {
	eng := newTestEngine(t, Options{})
	dir := t.TempDir()
	writePolicy(t, dir, "first.rego", "package first\n")
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writePolicy(t, dir, "protect.rego", protectProdRego)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := eng.GetPolicy("protect"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("policy was not reloaded after the file was written")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := os.Remove(filepath.Join(dir, "first.rego")); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for {
		if _, err := eng.GetPolicy("first"); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("removed policy is still loaded")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestWatchMissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	err := loader.Watch(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, func([]Policy) error { return nil })
	if err == nil {
		t.Fatal("Watch() error = nil")
	}
	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching() error = %v", err)
	}
}
