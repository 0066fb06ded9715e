package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func noEnv(string) string { return "" }

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Remote.BaseURL = "https://tracker.example.com"
	cfg.Workspaces = map[string]Workspace{
		"default": {Query: "project = PROJ"},
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if cfg.Cache.TTL != 60*time.Second {
		t.Errorf("default cache TTL = %v, want 60s", cfg.Cache.TTL)
	}
	if cfg.Sync.Interval != 2*time.Minute {
		t.Errorf("default sync interval = %v, want 2m", cfg.Sync.Interval)
	}
	if cfg.Render.CommentsInlineLimit != 20 {
		t.Errorf("default comments inline limit = %d, want 20", cfg.Render.CommentsInlineLimit)
	}
	if cfg.Sync.MaxConcurrentFetches != 4 {
		t.Errorf("default max concurrent fetches = %d, want 4", cfg.Sync.MaxConcurrentFetches)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := validConfig()
	cfg.Workspaces = nil
	if err := cfg.Validate(); err == nil {
		t.Error("empty workspace map should be rejected")
	}

	cfg = validConfig()
	cfg.Workspaces["bad name!"] = Workspace{Query: "x"}
	if err := cfg.Validate(); err == nil {
		t.Error("malformed workspace name should be rejected")
	}

	cfg = validConfig()
	cfg.Workspaces["empty"] = Workspace{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty query should be rejected")
	}

	cfg = validConfig()
	cfg.Remote.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing base_url should be rejected")
	}

	cfg = validConfig()
	cfg.Sync.Interval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero sync interval should be rejected")
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
remote:
  base_url: https://tracker.example.com
  token: file-token
workspaces:
  backlog:
    query: project = PROJ AND status = Open
cache:
  ttl: 30s
sync:
  interval: 5m
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path, noEnv)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Remote.Token != "file-token" {
		t.Errorf("token = %q, want file-token", cfg.Remote.Token)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("ttl = %v, want 30s", cfg.Cache.TTL)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", cfg.Sync.Interval)
	}
	if got := cfg.Workspaces["backlog"].Query; got != "project = PROJ AND status = Open" {
		t.Errorf("query = %q", got)
	}
	// Defaults survive partial files.
	if cfg.Render.CommentsInlineLimit != 20 {
		t.Errorf("comments inline limit = %d, want default 20", cfg.Render.CommentsInlineLimit)
	}
}

func TestEnvOverridesToken(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("remote:\n  token: file-token\n"), 0600); err != nil {
		t.Fatal(err)
	}

	getenv := func(key string) string {
		if key == "ISSUEFS_TOKEN" {
			return "env-token"
		}
		return ""
	}
	cfg, err := LoadFile(path, getenv)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.Token != "env-token" {
		t.Errorf("token = %q, want env-token", cfg.Remote.Token)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := validConfig()
	cfg.Workspaces["second"] = Workspace{Query: "assignee = me"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadFile(path, noEnv)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(loaded.Workspaces) != 2 {
		t.Fatalf("workspaces = %d, want 2", len(loaded.Workspaces))
	}
	if loaded.Workspaces["second"].Query != "assignee = me" {
		t.Errorf("query = %q", loaded.Workspaces["second"].Query)
	}
}

func TestWorkspaceNamesSorted(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Workspaces["alpha"] = Workspace{Query: "a"}
	cfg.Workspaces["zeta"] = Workspace{Query: "z"}
	names := cfg.WorkspaceNames()
	want := []string{"alpha", "default", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
