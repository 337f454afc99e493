package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/getsafe360/saas-app/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromGetsafeHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "gs")
	writeConfig(t, home, `
worker_count: 3
job_timeout_seconds: 120
costs:
  perf-images: 1000
sessions:
  - key: k1
    owner_id: u1
    team_id: t1
    name: alice
`)
	t.Setenv("GETSAFE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %s got %s", home, cfg.HomeDir)
	}
	if cfg.WorkerCount != 3 {
		t.Fatalf("expected worker_count=3 got %d", cfg.WorkerCount)
	}
	if cfg.Costs["perf-images"] != 1000 {
		t.Fatalf("expected perf-images cost 1000, got %d", cfg.Costs["perf-images"])
	}
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].OwnerID != "u1" {
		t.Fatalf("unexpected sessions: %+v", cfg.Sessions)
	}
	if cfg.NeedsBootstrap {
		t.Fatalf("config exists, NeedsBootstrap should be false")
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "gs")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsBootstrap {
		t.Fatalf("expected NeedsBootstrap=true when config.yaml is missing")
	}
	if cfg.DefaultCost != 500 {
		t.Fatalf("expected default cost 500, got %d", cfg.DefaultCost)
	}
	if cfg.Limits.PairStart.Max != 10 || cfg.Limits.PairStart.WindowSeconds != 600 {
		t.Fatalf("unexpected pair-start policy: %+v", cfg.Limits.PairStart)
	}
	if cfg.Limits.QuickTest.Max != 5 || cfg.Limits.QuickTest.WindowSeconds != 60 {
		t.Fatalf("unexpected quick-test policy: %+v", cfg.Limits.QuickTest)
	}
	if cfg.CodeTTL().Minutes() != 10 {
		t.Fatalf("expected 10m code ttl, got %s", cfg.CodeTTL())
	}
	if cfg.DBPath != filepath.Join(home, "getsafe.db") {
		t.Fatalf("unexpected db path %s", cfg.DBPath)
	}
	if cfg.BlobCompression != "zstd" {
		t.Fatalf("expected zstd default, got %s", cfg.BlobCompression)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "gs")
	writeConfig(t, home, "bind_addr: 127.0.0.1:9000\nengine:\n  base_url: http://file/\n")
	t.Setenv("GETSAFE_BIND_ADDR", "0.0.0.0:8080")
	t.Setenv("GETSAFE_ENGINE_URL", "http://engine.internal/")
	t.Setenv("GETSAFE_WORKER_COUNT", "7")
	t.Setenv("GETSAFE_SESSION_KEY", "sk:owner-1:team-1")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:8080" {
		t.Fatalf("env bind addr not applied: %s", cfg.BindAddr)
	}
	if cfg.Engine.BaseURL != "http://engine.internal" {
		t.Fatalf("expected trimmed engine url, got %s", cfg.Engine.BaseURL)
	}
	if cfg.WorkerCount != 7 {
		t.Fatalf("expected 7 workers, got %d", cfg.WorkerCount)
	}
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].TeamID != "team-1" {
		t.Fatalf("env session not applied: %+v", cfg.Sessions)
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	cases := map[string]string{
		"bad yaml":        "worker_count: [\n",
		"bad compression": "blob_compression: lz4\n",
		"bad host regex":  "pairing:\n  allowed_site_host_regex: \"([\"\n",
		"session missing": "sessions:\n  - key: k\n",
		"negative cost":   "costs:\n  x: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := filepath.Join(t.TempDir(), "gs")
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	home := filepath.Join(t.TempDir(), "gs")
	writeConfig(t, home, "costs:\n  a: 1\n  b: 2\n")
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %s", a.Fingerprint())
	}
	b.Costs["a"] = 5
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint should change with costs")
	}
	b.Costs["a"] = 1
	b.Engine.APIKey = "secret"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint should ignore secrets")
	}
}
