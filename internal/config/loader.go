// internal/config/loader.go
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadGlobal loads the global configuration from a YAML file
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes and applies defaults.
func Parse(data []byte) (*Global, error) {
	var cfg Global
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyGlobalDefaults(&cfg)
	return &cfg, nil
}

func applyGlobalDefaults(cfg *Global) {
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}
	if cfg.Daemon.StatusListenPort == 0 {
		cfg.Daemon.StatusListenPort = 9877
	}
	if cfg.Daemon.StatusListenAddress == "" {
		cfg.Daemon.StatusListenAddress = "127.0.0.1"
	}
	if cfg.Daemon.StateDir == "" {
		cfg.Daemon.StateDir = DefaultStateDir()
	}
	cfg.Daemon.StateDir = ExpandHome(cfg.Daemon.StateDir)
	if cfg.Daemon.Source == "" {
		cfg.Daemon.Source = SourceAuto
	}
	if cfg.Daemon.Output == "" {
		cfg.Daemon.Output = OutputStdout
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 10
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = ExpandHome(cfg.Logging.File)
	}
	for i := range cfg.Watches {
		w := &cfg.Watches[i]
		w.Path = ExpandHome(w.Path)
		if w.Latency == 0 {
			w.Latency = time.Second
		}
		if w.From == "" {
			w.From = FromCheckpoint
		}
	}
	if cfg.Checkpoint.DBPath == "" {
		cfg.Checkpoint.DBPath = filepath.Join(cfg.Daemon.StateDir, "checkpoints.db")
	}
	cfg.Checkpoint.DBPath = ExpandHome(cfg.Checkpoint.DBPath)
	if cfg.Checkpoint.SnapshotSchedule == "" {
		cfg.Checkpoint.SnapshotSchedule = "@every 5s"
	}
	if cfg.Journal.Dir == "" {
		cfg.Journal.Dir = filepath.Join(cfg.Daemon.StateDir, "journal")
	}
	cfg.Journal.Dir = ExpandHome(cfg.Journal.Dir)
	if cfg.Journal.Retention == 0 {
		cfg.Journal.Retention = 7 * 24 * time.Hour
	}
	if cfg.Journal.MaxEvents == 0 {
		cfg.Journal.MaxEvents = 1_000_000
	}
	if cfg.Journal.PruneSchedule == "" {
		cfg.Journal.PruneSchedule = "@every 1h"
	}
}

// Validate reports every problem in the configuration at once.
func (cfg *Global) Validate() error {
	var errs []error

	switch cfg.Daemon.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q (must be debug, info, warn or error)", cfg.Daemon.LogLevel))
	}
	if cfg.Daemon.StatusListenPort < 0 || cfg.Daemon.StatusListenPort > 65535 {
		errs = append(errs, fmt.Errorf("status_listen_port %d out of range", cfg.Daemon.StatusListenPort))
	}
	switch cfg.Daemon.Source {
	case SourceAuto, SourceJournal:
	case SourceFSEvents:
		if runtime.GOOS != "darwin" {
			errs = append(errs, fmt.Errorf("source %q requires macOS", SourceFSEvents))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid source %q (must be auto, fsevents or journal)", cfg.Daemon.Source))
	}
	switch cfg.Logging.Format {
	case "auto", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid logging format %q (must be auto, json or text)", cfg.Logging.Format))
	}

	if len(cfg.Watches) == 0 {
		errs = append(errs, errors.New("at least one watch is required"))
	}
	seen := make(map[string]bool)
	for i, w := range cfg.Watches {
		switch {
		case w.Path == "":
			errs = append(errs, fmt.Errorf("watches[%d]: path is required", i))
			continue
		case !filepath.IsAbs(w.Path):
			errs = append(errs, fmt.Errorf("watches[%d]: path %q must be absolute", i, w.Path))
		}
		clean := filepath.Clean(w.Path)
		if seen[clean] {
			errs = append(errs, fmt.Errorf("watches[%d]: duplicate path %q", i, w.Path))
		}
		seen[clean] = true
		if w.From != FromCheckpoint && w.From != FromNow {
			errs = append(errs, fmt.Errorf("watches[%d]: invalid from %q (must be checkpoint or now)", i, w.From))
		}
		if w.Latency < 0 {
			errs = append(errs, fmt.Errorf("watches[%d]: latency must not be negative", i))
		}
		for _, p := range w.Ignore {
			if _, err := filepath.Match(p, ""); err != nil {
				errs = append(errs, fmt.Errorf("watches[%d]: bad ignore pattern %q: %w", i, p, err))
			}
		}
	}

	if cfg.Journal.Retention < 0 {
		errs = append(errs, errors.New("journal retention must not be negative"))
	}
	if cfg.Journal.MaxEvents < 0 {
		errs = append(errs, errors.New("journal max_events must not be negative"))
	}

	return errors.Join(errs...)
}

// DefaultStateDir is where checkpoints and journals live unless configured.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "fsstream")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "fsstream")
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "fsstream")
	}
	return filepath.Join(home, ".local", "state", "fsstream")
}

// DefaultConfigPath is the config file used when none is given.
func DefaultConfigPath() string {
	if p := os.Getenv("FSSTREAM_CONFIG"); p != "" {
		return ExpandHome(p)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(DefaultStateDir(), "config.yaml")
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(DefaultStateDir(), "config.yaml")
	}
	return filepath.Join(dir, "fsstream", "config.yaml")
}

// StatusURL is the base URL of the daemon's status API.
func (cfg *Global) StatusURL() string {
	return fmt.Sprintf("http://%s:%d", cfg.Daemon.StatusListenAddress, cfg.Daemon.StatusListenPort)
}

// ExpandHome resolves a leading ~ or ~user.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}

	rest := path[1:]
	name := rest
	if i := strings.IndexRune(rest, filepath.Separator); i >= 0 {
		name, rest = rest[:i], rest[i:]
	} else {
		rest = ""
	}

	var home string
	if name == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		home = h
	} else {
		u, err := user.Lookup(name)
		if err != nil {
			return path
		}
		home = u.HomeDir
	}
	return home + rest
}
