// internal/daemon/sink.go
package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/colebrumley/fsstream/internal/config"
	"github.com/colebrumley/fsstream/internal/stream"
)

// EventRecord is one delivered event as written to the output.
type EventRecord struct {
	Watch string    `json:"watch"`
	ID    int64     `json:"id"`
	Path  string    `json:"path"`
	Flags string    `json:"flags"`
	Time  time.Time `json:"time"`
}

// Sink writes delivered events as JSON lines. Streams write from their own
// queues, so writes are serialized here.
type Sink struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// OpenSink opens the configured output: stdout, none, or a file appended to.
// A non-nil override replaces the configured output.
func OpenSink(output string, override io.Writer) (*Sink, error) {
	if override != nil {
		return &Sink{enc: json.NewEncoder(override)}, nil
	}

	switch output {
	case config.OutputNone:
		return &Sink{}, nil
	case config.OutputStdout, "":
		return &Sink{enc: json.NewEncoder(os.Stdout)}, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening output: %w", err)
	}
	return &Sink{enc: json.NewEncoder(f), closer: f}, nil
}

// Write emits one event.
func (s *Sink) Write(watch string, ev stream.Event) error {
	if s.enc == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(EventRecord{
		Watch: watch,
		ID:    ev.ID,
		Path:  ev.Path,
		Flags: ev.Flags.String(),
		Time:  time.Now(),
	})
}

// Close closes a file output.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
