package config

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
listen = ":9000"
upstream_url = "https://api.caresync.example"
data_dir = "/var/lib/caresync"
version_tag = "v42"
changelog_dsn = "sqlite:///var/lib/caresync/changes.db"
retry_cap = 5
debounce_delay = "3s"
sync_interval = "10m"
assignment_cadence = "20s"

[[routes]]
class = "static"
methods = ["GET"]
prefix = "/cdn/"

[[routes]]
class = "mutation"
prefix = "/api/upload"
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "syncagent.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.UpstreamURL != "https://api.caresync.example" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.CachePrefix != "caresync" {
		t.Fatalf("defaults must survive the overlay, got prefix %q", cfg.CachePrefix)
	}
	if cfg.DebounceDelay.Std() != 3*time.Second || cfg.SyncInterval.Std() != 10*time.Minute {
		t.Fatalf("durations not parsed: %+v", cfg)
	}
	if len(cfg.Routes) != 2 || cfg.Routes[0].Prefix != "/cdn/" || cfg.Routes[1].Class != "mutation" {
		t.Fatalf("routes not parsed: %+v", cfg.Routes)
	}
}

func TestLoadRejectsMissingUpstream(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `listen = ":9000"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error without upstream_url")
	}
}

func TestLoadRejectsBrokenRoute(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
upstream_url = "https://api.caresync.example"
[[routes]]
class = "static"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for route without prefix")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan Config, 4)
	err := Watch(ctx, path, log.New(io.Discard, "", 0), func(cfg Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	// Top-level keys must precede the [[routes]] tables or TOML scopes them
	// to the last table.
	writeConfig(t, dir, "cache_prefix = \"ward7\"\n"+sampleConfig)
	select {
	case cfg := <-reloaded:
		if cfg.CachePrefix != "ward7" {
			t.Fatalf("reload delivered stale config %+v", cfg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reload never fired")
	}
}

func TestWatchKeepsPreviousOnBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan Config, 4)
	if err := Watch(ctx, path, log.New(io.Discard, "", 0), func(cfg Config) { reloaded <- cfg }); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	writeConfig(t, dir, `listen = "broken`)
	select {
	case cfg := <-reloaded:
		t.Fatalf("broken config must not reload, got %+v", cfg)
	case <-time.After(time.Second):
	}
}
