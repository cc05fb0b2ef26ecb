// internal/daemon/watch.go
package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/colebrumley/fsstream/internal/config"
	"github.com/colebrumley/fsstream/internal/device"
	"github.com/colebrumley/fsstream/internal/dispatch"
	"github.com/colebrumley/fsstream/internal/journal"
	"github.com/colebrumley/fsstream/internal/logging"
	"github.com/colebrumley/fsstream/internal/source"
	"github.com/colebrumley/fsstream/internal/stream"
)

// watch is one configured path: its queue, stream and, when the journal
// source is used, the journal feeding it.
type watch struct {
	cfg     config.Watch
	logger  *slog.Logger
	queue   *dispatch.Queue
	stream  *stream.Stream
	journal *journal.Journal

	retryDelay time.Duration

	mu       sync.Mutex
	ctx      context.Context
	retry    *time.Timer
	failures int
	lastErr  error
}

func (d *Daemon) initWatches() error {
	resolver := device.NewResolver()

	for _, wc := range d.config.Watches {
		w, err := d.newWatch(wc, resolver)
		if err != nil {
			return fmt.Errorf("watch %s: %w", wc.Path, err)
		}
		d.watches = append(d.watches, w)
		d.snapshotter.Track(w.stream)
	}
	return nil
}

func (d *Daemon) newWatch(wc config.Watch, resolver device.Resolver) (*watch, error) {
	w := &watch{
		cfg:        wc,
		logger:     logging.WithWatch(d.logger, wc.Path),
		queue:      dispatch.NewQueue("fsstream." + wc.Path),
		retryDelay: d.RetryDelay,
	}

	cp := stream.SinceNow
	var expected *device.Target
	if wc.From == config.FromCheckpoint {
		rec, ok, err := d.store.Load(wc.Path)
		if err != nil {
			w.queue.Close()
			return nil, err
		}
		if ok {
			cp = rec.EventID
			t := rec.Target()
			expected = &t
			w.logger.Info("resuming from saved checkpoint", "checkpoint", cp, "device", rec.DeviceID, "saved_at", rec.UpdatedAt)
		}
	}

	var src stream.Source
	switch d.sourceKind {
	case config.SourceFSEvents:
		fse, err := source.NewFSEvents(wc.Latency, w.logger)
		if err != nil {
			w.queue.Close()
			return nil, err
		}
		src = fse
	default:
		target, err := resolver.Resolve(wc.Path)
		if err != nil {
			w.queue.Close()
			return nil, err
		}
		j, err := journal.Open(d.journalPath(wc.Path), target, journal.Options{
			Retention:     d.config.Journal.Retention,
			MaxEvents:     d.config.Journal.MaxEvents,
			PruneSchedule: d.config.Journal.PruneSchedule,
			Ignore:        wc.Ignore,
			Logger:        w.logger,
		})
		if err != nil {
			w.queue.Close()
			return nil, err
		}
		w.journal = j
		src = j
	}

	w.stream = stream.New(wc.Path, cp, src, stream.Options{
		Handler: func(ev stream.Event) {
			if matchesAny(wc.Ignore, ev.Path) {
				return
			}
			if err := d.sink.Write(wc.Path, ev); err != nil {
				w.logger.Error("writing event failed", "event", ev.ID, "error", err)
			}
		},
		OnFailure: w.onFailure,
		OnResync: func(reason error) {
			w.logger.Warn("checkpoint discarded, events may have been missed", "reason", reason)
		},
		ExpectedDevice: expected,
		Resolver:       resolver,
		Logger:         w.logger,
	})
	return w, nil
}

// journalPath keeps one journal database per watched path.
func (d *Daemon) journalPath(path string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	name := fmt.Sprintf("%s-%s.db", filepath.Base(path), hex.EncodeToString(sum[:6]))
	return filepath.Join(d.config.Journal.Dir, name)
}

func (d *Daemon) closeWatches() {
	for _, w := range d.watches {
		w.stop()
		w.queue.Close()
		if w.journal != nil {
			if err := w.journal.Close(); err != nil {
				w.logger.Warn("closing journal failed", "error", err)
			}
		}
	}
}

// prepare starts the stream. A failed prepare is retried like a failure
// reported later by the stream.
func (w *watch) prepare(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	if err := w.stream.Prepare(w.queue); err != nil {
		w.logger.Error("starting stream failed", "error", err)
		w.scheduleRetry(err)
		return
	}
	w.mu.Lock()
	w.failures = 0
	w.lastErr = nil
	w.mu.Unlock()
}

// onFailure runs on the stream queue.
func (w *watch) onFailure(err error) {
	w.logger.Error("stream failed", "error", err, "state", w.stream.State().String())
	w.scheduleRetry(err)
}

func (w *watch) scheduleRetry(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failures++
	w.lastErr = err
	if w.ctx == nil || w.ctx.Err() != nil || w.retry != nil {
		return
	}

	ctx := w.ctx
	w.logger.Info("will retry stream", "in", w.retryDelay.String(), "failures", w.failures)
	w.retry = time.AfterFunc(w.retryDelay, func() {
		w.mu.Lock()
		w.retry = nil
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.prepare(ctx)
	})
}

func (w *watch) stop() {
	w.mu.Lock()
	if w.retry != nil {
		w.retry.Stop()
		w.retry = nil
	}
	w.mu.Unlock()
	w.stream.StopFSEventStreams()
}

func (w *watch) status() watchStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := watchStatus{Status: w.stream.Status(), Failures: w.failures}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

type watchStatus struct {
	stream.Status
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

func matchesAny(patterns []string, path string) bool {
	name := filepath.Base(path)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

