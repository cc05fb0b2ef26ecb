// internal/checkpoint/snapshot.go
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/colebrumley/fsstream/internal/device"
	"github.com/colebrumley/fsstream/internal/stream"
)

// DefaultSchedule saves checkpoints every few seconds.
const DefaultSchedule = "@every 5s"

// Tracked is the part of a stream the snapshotter reads. *stream.Stream
// satisfies it.
type Tracked interface {
	Path() string
	CurrentCheckpoint() int64
	Target() (device.Target, bool)
	Stats() stream.Stats
}

type saved struct {
	eventID int64
	resyncs uint64
	target  device.Target
}

// Snapshotter periodically persists the checkpoints of tracked streams.
type Snapshotter struct {
	store  *Store
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	tracked []Tracked
	last    map[string]saved
}

// NewSnapshotter creates a snapshotter saving into store on schedule.
// Schedules accept cron expressions with a seconds field or descriptors
// such as "@every 5s".
func NewSnapshotter(store *Store, schedule string, logger *slog.Logger) (*Snapshotter, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Snapshotter{
		store:  store,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
		last:   make(map[string]saved),
	}

	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.SaveAll(); err != nil {
			s.logger.Error("checkpoint snapshot failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Track adds a stream. Its starting checkpoint counts as already saved.
func (s *Snapshotter) Track(t Tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, t)
	tgt, _ := t.Target()
	s.last[t.Path()] = saved{eventID: t.CurrentCheckpoint(), resyncs: t.Stats().Resyncs, target: tgt}
}

// Start saves on schedule until ctx is done, then saves one final time.
func (s *Snapshotter) Start(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()

	if err := s.SaveAll(); err != nil {
		return fmt.Errorf("final checkpoint snapshot: %w", err)
	}
	return ctx.Err()
}

// SaveAll writes every tracked checkpoint that moved since the last save.
func (s *Snapshotter) SaveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, t := range s.tracked {
		if err := s.save(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Snapshotter) save(t Tracked) error {
	target, ok := t.Target()
	cp := t.CurrentCheckpoint()
	if !ok || cp <= 0 {
		// never prepared: nothing new to persist
		return nil
	}

	resyncs := t.Stats().Resyncs
	prev := s.last[t.Path()]
	if prev.eventID == cp && prev.resyncs == resyncs && prev.target.SameDevice(target) {
		return nil
	}

	rec := Record{
		Path:       t.Path(),
		EventID:    cp,
		DeviceID:   target.DeviceID,
		MountPoint: target.MountPoint,
		UpdatedAt:  time.Now(),
	}

	// A resync may have moved the checkpoint backwards on purpose.
	if resyncs != prev.resyncs {
		if err := s.store.Replace(rec); err != nil {
			return err
		}
	} else if _, err := s.store.Save(rec); err != nil {
		return err
	}

	s.last[t.Path()] = saved{eventID: cp, resyncs: resyncs, target: target}
	s.logger.Debug("checkpoint saved", "path", rec.Path, "checkpoint", cp, "device", target.DeviceID)
	return nil
}
