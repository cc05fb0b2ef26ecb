//go:build darwin

// Package source provides the OS change-notification primitive for streams.
package source

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsevents"

	"github.com/colebrumley/fsstream/internal/device"
	"github.com/colebrumley/fsstream/internal/stream"
)

// Supported reports whether FSEvents is available on this platform.
const Supported = true

// FSEvents opens macOS FSEvents streams. Event ids come from the host-wide
// FSEvents database, so they survive restarts and can be resumed from.
type FSEvents struct {
	latency time.Duration
	logger  *slog.Logger
}

var _ stream.Source = (*FSEvents)(nil)

// NewFSEvents creates an FSEvents source.
func NewFSEvents(latency time.Duration, logger *slog.Logger) (*FSEvents, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSEvents{latency: latency, logger: logger}, nil
}

func (f *FSEvents) LatestEventID() int64 {
	return int64(fsevents.LatestEventID())
}

func (f *FSEvents) OpenHistory(t device.Target, from int64) (stream.Session, error) {
	// An id newer than anything the host has issued came from another
	// FSEvents database (a different machine or a reset one).
	if from < 0 {
		return nil, fmt.Errorf("no history before checkpoint %d: %w", from, stream.ErrHistoryExpired)
	}
	if latest := fsevents.LatestEventID(); from > 0 && uint64(from) > latest {
		return nil, fmt.Errorf("event %d is newer than latest host event %d: %w", from, latest, stream.ErrHistoryExpired)
	}
	return f.open(t, from)
}

func (f *FSEvents) OpenRealtime(t device.Target, from int64) (stream.Session, error) {
	return f.open(t, from)
}

func (f *FSEvents) open(t device.Target, from int64) (*session, error) {
	es := &fsevents.EventStream{
		Paths:   []string{t.Path},
		Latency: f.latency,
		Flags:   fsevents.FileEvents | fsevents.WatchRoot | fsevents.NoDefer,
		Resume:  true,
		EventID: uint64(from),
	}
	if err := es.Start(); err != nil {
		return nil, fmt.Errorf("starting fsevents stream for %s: %w", t.Path, err)
	}
	f.logger.Debug("fsevents stream started", "path", t.Path, "since", from)

	s := &session{
		es:     es,
		events: make(chan []stream.Event),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.translate()
	return s, nil
}

type session struct {
	es     *fsevents.EventStream
	events chan []stream.Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *session) Events() <-chan []stream.Event {
	return s.events
}

func (s *session) translate() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case batch, ok := <-s.es.Events:
			if !ok {
				close(s.events)
				return
			}
			out := make([]stream.Event, 0, len(batch))
			for _, ev := range batch {
				out = append(out, stream.Event{
					ID:    int64(ev.ID),
					Path:  ev.Path,
					Flags: stream.Flags(ev.Flags),
				})
			}
			select {
			case s.events <- out:
			case <-s.stop:
				return
			}
		}
	}
}

// Close stops the stream. The FSEvents callback blocks on an unbuffered
// channel, so it is drained while the stream is torn down.
func (s *session) Close() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done

		drained := make(chan struct{})
		go func() {
			for {
				select {
				case <-drained:
					return
				case <-s.es.Events:
				}
			}
		}()
		s.es.Stop()
		close(drained)
	})
}
