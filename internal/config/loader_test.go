// internal/config/loader_test.go
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestLoadGlobal(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
daemon:
  log_level: debug
  status_listen_port: 9999
  status_listen_address: 0.0.0.0
  state_dir: /var/lib/fsstream
  source: journal
logging:
  format: json
watches:
  - path: /data/in
    latency: 250ms
    from: now
    ignore_patterns: ["*.tmp"]
  - path: /data/out
journal:
  retention: 24h
  max_events: 500
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadGlobal(configPath)
	if err != nil {
		t.Fatalf("LoadGlobal failed: %v", err)
	}

	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("expected log_level debug, got %s", cfg.Daemon.LogLevel)
	}
	if cfg.Daemon.StatusListenPort != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Daemon.StatusListenPort)
	}
	if len(cfg.Watches) != 2 {
		t.Fatalf("expected 2 watches, got %d", len(cfg.Watches))
	}
	if cfg.Watches[0].Latency != 250*time.Millisecond {
		t.Errorf("expected latency 250ms, got %s", cfg.Watches[0].Latency)
	}
	if cfg.Watches[0].From != FromNow {
		t.Errorf("expected from now, got %s", cfg.Watches[0].From)
	}
	if cfg.Watches[1].From != FromCheckpoint {
		t.Errorf("expected default from checkpoint, got %s", cfg.Watches[1].From)
	}
	if cfg.Watches[1].Latency != time.Second {
		t.Errorf("expected default latency 1s, got %s", cfg.Watches[1].Latency)
	}
	if cfg.Journal.Retention != 24*time.Hour {
		t.Errorf("expected retention 24h, got %s", cfg.Journal.Retention)
	}
	if cfg.Checkpoint.DBPath != "/var/lib/fsstream/checkpoints.db" {
		t.Errorf("expected db under state dir, got %s", cfg.Checkpoint.DBPath)
	}
	if cfg.Journal.Dir != "/var/lib/fsstream/journal" {
		t.Errorf("expected journal under state dir, got %s", cfg.Journal.Dir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadGlobal_MissingFile(t *testing.T) {
	_, err := LoadGlobal(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("watches: [unterminated"))
	if err == nil || !strings.Contains(err.Error(), "parsing config file") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("watches:\n  - path: /tmp/x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Daemon.LogLevel != "info" {
		t.Errorf("expected info, got %s", cfg.Daemon.LogLevel)
	}
	if cfg.Daemon.StatusListenAddress != "127.0.0.1" || cfg.Daemon.StatusListenPort != 9877 {
		t.Errorf("unexpected listen default %s:%d", cfg.Daemon.StatusListenAddress, cfg.Daemon.StatusListenPort)
	}
	if cfg.Daemon.Source != SourceAuto || cfg.Daemon.Output != OutputStdout {
		t.Errorf("unexpected source/output defaults %s/%s", cfg.Daemon.Source, cfg.Daemon.Output)
	}
	if cfg.Logging.Format != "auto" {
		t.Errorf("expected auto format, got %s", cfg.Logging.Format)
	}
	if cfg.Checkpoint.SnapshotSchedule != "@every 5s" {
		t.Errorf("unexpected snapshot schedule %s", cfg.Checkpoint.SnapshotSchedule)
	}
	if cfg.Journal.MaxEvents != 1_000_000 {
		t.Errorf("unexpected max events %d", cfg.Journal.MaxEvents)
	}
}

func TestParse_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := Parse([]byte("watches:\n  - path: ~/Documents\n"))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "Documents"); cfg.Watches[0].Path != want {
		t.Errorf("expected %s, got %s", want, cfg.Watches[0].Path)
	}
}

func TestSampleIsValid(t *testing.T) {
	cfg, err := Parse([]byte(Sample))
	if err != nil {
		t.Fatalf("sample does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample does not validate: %v", err)
	}
}

func validConfig(t *testing.T) *Global {
	t.Helper()
	cfg, err := Parse([]byte("watches:\n  - path: /data\n"))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Global)
		want   string
	}{
		{"no watches", func(c *Global) { c.Watches = nil }, "at least one watch"},
		{"empty path", func(c *Global) { c.Watches[0].Path = "" }, "path is required"},
		{"relative path", func(c *Global) { c.Watches[0].Path = "data" }, "must be absolute"},
		{"duplicate path", func(c *Global) { c.Watches = append(c.Watches, Watch{Path: "/data/", From: FromNow}) }, "duplicate path"},
		{"bad from", func(c *Global) { c.Watches[0].From = "yesterday" }, "invalid from"},
		{"negative latency", func(c *Global) { c.Watches[0].Latency = -time.Second }, "latency"},
		{"bad ignore", func(c *Global) { c.Watches[0].Ignore = []string{"["} }, "bad ignore pattern"},
		{"bad level", func(c *Global) { c.Daemon.LogLevel = "loud" }, "invalid log_level"},
		{"bad port", func(c *Global) { c.Daemon.StatusListenPort = 70000 }, "out of range"},
		{"bad source", func(c *Global) { c.Daemon.Source = "inotify" }, "invalid source"},
		{"bad format", func(c *Global) { c.Logging.Format = "xml" }, "invalid logging format"},
		{"negative retention", func(c *Global) { c.Journal.Retention = -time.Hour }, "retention"},
		{"negative max events", func(c *Global) { c.Journal.MaxEvents = -1 }, "max_events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_FSEventsOffDarwin(t *testing.T) {
	cfg := validConfig(t)
	cfg.Daemon.Source = SourceFSEvents
	err := cfg.Validate()
	if runtime.GOOS == "darwin" {
		if err != nil {
			t.Fatalf("expected fsevents to validate on darwin, got %v", err)
		}
		return
	}
	if err == nil || !strings.Contains(err.Error(), "requires macOS") {
		t.Fatalf("expected macOS error, got %v", err)
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := validConfig(t)
	cfg.Daemon.LogLevel = "loud"
	cfg.Watches[0].From = "never"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	if !strings.Contains(err.Error(), "log_level") || !strings.Contains(err.Error(), "invalid from") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := map[string]string{
		"~":           home,
		"~/a/b":       filepath.Join(home, "a", "b"),
		"/abs/path":   "/abs/path",
		"relative":    "relative",
		"~nosuchuser": "~nosuchuser",
	}
	for in, want := range tests {
		if got := ExpandHome(in); got != want {
			t.Errorf("ExpandHome(%q) = %q, want %q", in, got, want)
		}
	}
}
