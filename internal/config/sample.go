// internal/config/sample.go
package config

// Sample is the annotated configuration written by `fsstream init`.
const Sample = `# fsstream configuration

daemon:
  log_level: info
  status_listen_address: 127.0.0.1
  status_listen_port: 9877
  # auto picks fsevents on macOS and the journal elsewhere
  source: auto
  # stdout, none, or a file receiving one JSON object per event
  output: stdout

logging:
  format: auto
  # file: ~/Library/Logs/fsstreamd.log
  max_size_mb: 10

watches:
  - path: ~/Documents
    latency: 1s
    # checkpoint resumes where the last run stopped; now skips history
    from: checkpoint
    ignore_patterns:
      - ".DS_Store"
      - "*.swp"

checkpoint:
  snapshot_schedule: "@every 5s"

journal:
  retention: 168h
  max_events: 1000000
  prune_schedule: "@every 1h"

mcp:
  enabled: false
`
