package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func testLoader(home, cwd string, env map[string]string) *Loader {
	l := NewLoader(nil)
	l.homeDir = func() (string, error) { return home, nil }
	l.workDir = func() (string, error) { return cwd, nil }
	l.getenv = func(k string) string { return env[k] }
	return l
}

func TestLoader_Layers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	cwd := filepath.Join(project, "sub", "dir")
	if err := os.MkdirAll(cwd, 0755); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
embedding:
  provider: ollama
  model: nomic-embed-text
ingest:
  max_pages: 30
`)
	writeFile(t, filepath.Join(project, ProjectConfigFile), `
ingest:
  max_depth: 0
http:
  addr: ":9000"
`)
	explicit := filepath.Join(t.TempDir(), "override.yaml")
	writeFile(t, explicit, `
http:
  addr: ":9100"
`)

	cfg, err := testLoader(home, cwd, map[string]string{"NATS_URL": "nats://env:4222"}).Load(explicit)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("expected user provider ollama to survive later layers, got %s", cfg.Embedding.Provider)
	}
	if cfg.Ingest.MaxPages != 30 {
		t.Errorf("expected user max pages 30, got %d", cfg.Ingest.MaxPages)
	}
	if cfg.Ingest.MaxDepth != 0 {
		t.Errorf("expected project max depth 0, got %d", cfg.Ingest.MaxDepth)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Errorf("expected explicit addr :9100, got %s", cfg.HTTP.Addr)
	}
	if cfg.NATS.URL != "nats://env:4222" {
		t.Errorf("expected env NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoader_DefaultsOnly(t *testing.T) {
	cfg, err := testLoader(t.TempDir(), t.TempDir(), nil).Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Ingest.MaxPages != DefaultConfig().Ingest.MaxPages {
		t.Errorf("expected default max pages, got %d", cfg.Ingest.MaxPages)
	}
}

func TestLoader_Errors(t *testing.T) {
	home, cwd := t.TempDir(), t.TempDir()

	_, err := testLoader(home, cwd, nil).Load(filepath.Join(cwd, "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Errorf("expected missing explicit config error, got %v", err)
	}

	writeFile(t, filepath.Join(cwd, ProjectConfigFile), "ingest:\n  job_timeout: never\n")
	if _, err := testLoader(home, cwd, nil).Load(""); err == nil {
		t.Error("expected validation error")
	}

	cwd = t.TempDir()
	_, err = testLoader(home, cwd, map[string]string{"EMBEDDINGS_ENABLED": "sometimes"}).Load("")
	if err == nil || !strings.Contains(err.Error(), "EMBEDDINGS_ENABLED") {
		t.Errorf("expected env error, got %v", err)
	}
}

func TestLoader_EnsureUserConfig(t *testing.T) {
	home := t.TempDir()
	l := testLoader(home, t.TempDir(), nil)

	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	if _, err := LoadFromFile(path); err != nil {
		t.Fatalf("created config should load: %v", err)
	}

	writeFile(t, path, "http:\n  addr: \":7000\"\n")
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Error("existing user config should not be overwritten")
	}
}
