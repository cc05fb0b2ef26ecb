// internal/config/types.go
package config

import "time"

// Global configuration loaded from config.yaml
type Global struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
	Watches    []Watch          `yaml:"watches"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Journal    JournalConfig    `yaml:"journal"`
	MCP        MCPConfig        `yaml:"mcp"`
}

type DaemonConfig struct {
	LogLevel            string `yaml:"log_level"`
	StatusListenPort    int    `yaml:"status_listen_port"`
	StatusListenAddress string `yaml:"status_listen_address"`
	StateDir            string `yaml:"state_dir"`
	// Source selects the event source: auto, fsevents or journal.
	Source string `yaml:"source"`
	// Output is where delivered events are written as JSON lines:
	// stdout, none, or a file path.
	Output string `yaml:"output"`
}

type LoggingConfig struct {
	Format    string `yaml:"format"` // auto, json or text
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// Watch is one watched path with its own stream.
type Watch struct {
	Path    string        `yaml:"path"`
	Latency time.Duration `yaml:"latency"`
	// From is checkpoint (resume from the saved checkpoint) or now.
	From   string   `yaml:"from"`
	Ignore []string `yaml:"ignore_patterns"`
}

type CheckpointConfig struct {
	DBPath           string `yaml:"db_path"`
	SnapshotSchedule string `yaml:"snapshot_schedule"`
}

type JournalConfig struct {
	Dir           string        `yaml:"dir"`
	Retention     time.Duration `yaml:"retention"`
	MaxEvents     int64         `yaml:"max_events"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

const (
	FromCheckpoint = "checkpoint"
	FromNow        = "now"

	SourceAuto     = "auto"
	SourceFSEvents = "fsevents"
	SourceJournal  = "journal"

	OutputStdout = "stdout"
	OutputNone   = "none"
)
