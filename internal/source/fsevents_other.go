//go:build !darwin

// Package source provides the OS change-notification primitive for streams.
package source

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/colebrumley/fsstream/internal/device"
	"github.com/colebrumley/fsstream/internal/stream"
)

// Supported reports whether FSEvents is available on this platform.
const Supported = false

// FSEvents is a stub on non-darwin platforms; use the journal source instead.
type FSEvents struct{}

var _ stream.Source = (*FSEvents)(nil)

func NewFSEvents(latency time.Duration, logger *slog.Logger) (*FSEvents, error) {
	return nil, fmt.Errorf("fsevents source requires macOS; running on %s", runtime.GOOS)
}

func (f *FSEvents) LatestEventID() int64 { return 0 }

func (f *FSEvents) OpenHistory(t device.Target, from int64) (stream.Session, error) {
	return nil, fmt.Errorf("fsevents source requires macOS; running on %s", runtime.GOOS)
}

func (f *FSEvents) OpenRealtime(t device.Target, from int64) (stream.Session, error) {
	return nil, fmt.Errorf("fsevents source requires macOS; running on %s", runtime.GOOS)
}
