package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLoader() *Loader {
	l := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	l.SetDebounce(20 * time.Millisecond)
	return l
}

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage-joins.rego")
	writePolicy(t, path, "# Freeze storage joins.\n# severity: error\n# tags: join, storage\n\n"+storagePolicy)

	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "storage-joins" {
		t.Errorf("expected name from file, got %s", p.Name)
	}
	if p.Description != "Freeze storage joins." {
		t.Errorf("unexpected description %q", p.Description)
	}
	if p.Severity != SeverityError {
		t.Errorf("expected error severity, got %s", p.Severity)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "join" || p.Tags[1] != "storage" {
		t.Errorf("unexpected tags %v", p.Tags)
	}
	if !p.Enabled || p.Source != path {
		t.Errorf("expected enabled policy from %s, got %+v", path, p)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.Mkdir(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	writePolicy(t, filepath.Join(dir, "a.rego"), storagePolicy)
	writePolicy(t, filepath.Join(nested, "b.json"), `{"name": "b", "rego": "package b", "severity": "info"}`)
	writePolicy(t, filepath.Join(dir, "broken.json"), `{"name": `)
	writePolicy(t, filepath.Join(dir, "README.md"), "not a policy")

	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}
	if byName["b"].Severity != SeverityInfo || !byName["b"].Enabled {
		t.Errorf("unexpected json policy %+v", byName["b"])
	}
	if byName["a"].Severity != SeverityWarning {
		t.Errorf("rego files default to warning, got %s", byName["a"].Severity)
	}
}

func TestLoadMissingPath(t *testing.T) {
	_, err := newTestLoader().LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Error("expected error for missing path")
	}
}

func TestLoadUsesCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.rego")
	writePolicy(t, path, "# first\npackage a\n")

	l := newTestLoader()
	if _, err := l.LoadFromPaths(context.Background(), []string{path}); err != nil {
		t.Fatal(err)
	}
	writePolicy(t, path, "# second\npackage a\n")

	policies, _ := l.LoadFromPaths(context.Background(), []string{path})
	if policies[0].Description != "first" {
		t.Errorf("expected cached policy, got %q", policies[0].Description)
	}

	l.ClearCache()
	policies, _ = l.LoadFromPaths(context.Background(), []string{path})
	if policies[0].Description != "second" {
		t.Errorf("expected reread after ClearCache, got %q", policies[0].Description)
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "storage-joins.rego"), storagePolicy)

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	p, err := e.GetPolicy("storage-joins")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Builtin {
		t.Error("loaded policies are not builtin")
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.rego")
	writePolicy(t, path, "# first\npackage a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 10)
	l := newTestLoader()
	if err := l.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writePolicy(t, path, "# second\npackage a\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-reloaded:
			if len(p) == 1 && p[0].Description == "second" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestWatchMissingPath(t *testing.T) {
	err := newTestLoader().Watch(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, func([]Policy) error { return nil })
	if err == nil {
		t.Error("expected error for missing path")
	}
}
