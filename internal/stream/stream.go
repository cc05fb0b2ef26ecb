// internal/stream/stream.go
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colebrumley/fsstream/internal/device"
	"github.com/colebrumley/fsstream/internal/dispatch"
)

// Options configures a Stream. Every callback runs on the stream's queue.
type Options struct {
	// Handler receives each event after the checkpoint has been advanced past it.
	// It may call the Stop methods; they run inline on the queue.
	Handler func(Event)
	// OnFailure is told about failures that happen after Prepare returned:
	// a failed history to realtime handoff, a session dying, a device change.
	OnFailure func(error)
	// OnResync is told each time the checkpoint is discarded.
	OnResync func(reason error)
	// ExpectedDevice is the identity the checkpoint was recorded against,
	// usually restored alongside it. A mismatch at Prepare forces a resync.
	ExpectedDevice *device.Target
	Resolver       DeviceResolver
	Logger         *slog.Logger
}

// Stats counts delivery since the Stream was created.
type Stats struct {
	HistoryEvents  uint64
	RealtimeEvents uint64
	Resyncs        uint64
	LastEventAt    time.Time
}

// Status is a point-in-time description of a Stream.
type Status struct {
	Path           string    `json:"path"`
	Checkpoint     int64     `json:"checkpoint"`
	DeviceID       uint64    `json:"device_id"`
	MountPoint     string    `json:"mount_point"`
	SinceWhen      int64     `json:"since_when"`
	State          string    `json:"state"`
	HistoryEvents  uint64    `json:"history_events"`
	RealtimeEvents uint64    `json:"realtime_events"`
	Resyncs        uint64    `json:"resyncs"`
	LastEventAt    time.Time `json:"last_event_at,omitzero"`
}

// Stream is the lifecycle controller for one watched path. It owns its
// checkpoint and at most one runner of each kind.
type Stream struct {
	path     string
	src      Source
	resolver DeviceResolver
	opts     Options
	logger   *slog.Logger

	cp      *Checkpoint
	runners [2]*runner

	// mu guards the fields read off the queue. Writes happen on the queue.
	mu     sync.RWMutex
	state  State
	target *device.Target
	queue  *dispatch.Queue

	// directMu serialises stop calls that cannot be marshalled onto a queue.
	directMu sync.Mutex

	historyEvents  atomic.Uint64
	realtimeEvents atomic.Uint64
	resyncs        atomic.Uint64
	lastEventAt    atomic.Int64
}

// New creates a Stream for path starting from checkpoint (0 or SinceNow for
// no history). It panics on an empty path or nil source.
func New(path string, checkpoint int64, src Source, opts Options) *Stream {
	if path == "" {
		panic("stream: empty path")
	}
	if src == nil {
		panic("stream: nil source")
	}
	if opts.Resolver == nil {
		opts.Resolver = device.NewResolver()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("path", path)

	s := &Stream{
		path:     path,
		src:      src,
		resolver: opts.Resolver,
		opts:     opts,
		logger:   logger,
		cp:       NewCheckpoint(checkpoint),
	}
	s.runners[History] = newRunner(History, logger)
	s.runners[Realtime] = newRunner(Realtime, logger)
	if opts.ExpectedDevice != nil {
		t := *opts.ExpectedDevice
		s.target = &t
	}
	return s
}

// Path returns the watched path.
func (s *Stream) Path() string {
	return s.path
}

// CurrentCheckpoint returns the last acknowledged event id. Safe from any goroutine.
func (s *Stream) CurrentCheckpoint() int64 {
	return s.cp.Load()
}

// State returns the controller state.
func (s *Stream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Target returns the device identity resolved by the last Prepare.
func (s *Stream) Target() (device.Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.target == nil {
		return device.Target{}, false
	}
	return *s.target, true
}

// Prepare resolves the watched path and starts delivery on q: a history pass
// when there is something to replay, otherwise realtime directly. It returns
// once a runner has started, not when history has caught up.
func (s *Stream) Prepare(q *dispatch.Queue) error {
	if q == nil {
		panic("stream: Prepare with nil queue")
	}
	var err error
	if qerr := q.Sync(func() { err = s.prepare(q) }); qerr != nil {
		return fmt.Errorf("preparing %s: %w", s.path, qerr)
	}
	return err
}

func (s *Stream) prepare(q *dispatch.Queue) error {
	if s.State().Active() {
		return ErrAlreadyRunning
	}

	target, err := s.resolver.Resolve(s.path)
	if err != nil {
		s.logger.Warn("device resolution failed", "error", err)
		return fmt.Errorf("preparing %s: %w", s.path, err)
	}

	s.mu.Lock()
	prev := s.target
	s.target = &target
	s.queue = q
	s.state = Preparing
	s.mu.Unlock()

	var reason error
	if prev != nil && !prev.SameDevice(target) {
		reason = fmt.Errorf("device %d at %s is now %d at %s: %w",
			prev.DeviceID, prev.MountPoint, target.DeviceID, target.MountPoint, ErrDeviceChanged)
	}

	since := s.cp.MarkNow(s.src)
	cp := s.cp.Load()
	s.logger.Info("preparing stream",
		"device", target.DeviceID, "mount_point", target.MountPoint,
		"checkpoint", cp, "since_when", since)

	switch {
	case cp == 0 || cp == SinceNow:
		s.cp.Advance(since)
		return s.startRealtime(q, target)
	case reason != nil:
		return s.resync(q, target, reason)
	case cp < 0:
		return s.resync(q, target, fmt.Errorf("checkpoint %d is not an event id: %w", cp, ErrHistoryExpired))
	case cp > since:
		return s.resync(q, target,
			fmt.Errorf("checkpoint %d is ahead of latest event %d: %w", cp, since, ErrHistoryExpired))
	case cp == since:
		return s.startRealtime(q, target)
	}

	s.setState(HistoryCatchup)
	err = s.runners[History].start(q, s.src, target, cp, since, s.hooks(q))
	if err != nil {
		if isExpired(err) {
			return s.resync(q, target, err)
		}
		s.logger.Error("history stream failed to start", "error", err)
		s.setState(Stopped)
		return err
	}
	return nil
}

// resync discards the checkpoint and continues live from sinceWhen. Changes
// between the old checkpoint and sinceWhen are not delivered.
func (s *Stream) resync(q *dispatch.Queue, target device.Target, reason error) error {
	since := s.cp.SinceWhen()
	s.logger.Warn("discarding checkpoint, changes since it will not be replayed (potential data loss)",
		"checkpoint", s.cp.Load(), "since_when", since, "reason", reason)

	s.runners[History].stop()
	s.cp.Reset(since)
	s.resyncs.Add(1)
	if s.opts.OnResync != nil {
		s.opts.OnResync(reason)
	}
	return s.startRealtime(q, target)
}

func (s *Stream) startRealtime(q *dispatch.Queue, target device.Target) error {
	s.setState(RealtimeDelivery)
	if err := s.runners[Realtime].start(q, s.src, target, s.cp.Load(), 0, s.hooks(q)); err != nil {
		s.logger.Error("realtime stream failed to start", "error", err)
		s.setState(Stopped)
		return err
	}
	return nil
}

func (s *Stream) hooks(q *dispatch.Queue) runnerHooks {
	return runnerHooks{
		onEvent:       s.handleEvent,
		onCaughtUp:    func() { s.handleCaughtUp(q) },
		onFailure:     func(k Kind, err error) { s.handleFailure(q, k, err) },
		onRootChanged: s.handleRootChanged,
	}
}

func (s *Stream) handleEvent(kind Kind, ev Event) {
	s.cp.Advance(ev.ID)
	if kind == History {
		s.historyEvents.Add(1)
	} else {
		s.realtimeEvents.Add(1)
	}
	s.lastEventAt.Store(time.Now().UnixNano())

	if s.opts.Handler != nil {
		s.opts.Handler(ev)
	}
}

func (s *Stream) handleCaughtUp(q *dispatch.Queue) {
	s.runners[History].stop()
	s.logger.Info("history caught up, switching to realtime",
		"checkpoint", s.cp.Load(), "since_when", s.cp.SinceWhen())

	target, _ := s.Target()
	if err := s.startRealtime(q, target); err != nil {
		s.fail(err)
	}
}

func (s *Stream) handleFailure(q *dispatch.Queue, kind Kind, err error) {
	if kind == History && isExpired(err) {
		target, _ := s.Target()
		if rerr := s.resync(q, target, err); rerr != nil {
			s.fail(rerr)
		}
		return
	}
	s.logger.Error("stream runner failed", "kind", kind.String(), "error", err)
	s.stopAll()
	s.fail(err)
}

func (s *Stream) handleRootChanged(ev Event) {
	prev, _ := s.Target()
	target, err := s.resolver.Resolve(s.path)
	if err != nil {
		s.logger.Warn("watched path no longer resolves", "flags", ev.Flags.String(), "error", err)
		return
	}
	if target.SameDevice(prev) {
		s.logger.Info("watched root changed on the same device", "flags", ev.Flags.String())
		return
	}

	s.logger.Warn("watched path moved to another device, stopping streams",
		"old_device", prev.DeviceID, "new_device", target.DeviceID, "mount_point", target.MountPoint)
	s.stopAll()
	s.fail(fmt.Errorf("%s: device %d is now %d: %w", s.path, prev.DeviceID, target.DeviceID, ErrDeviceChanged))
}

func (s *Stream) fail(err error) {
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(err)
	}
}

// StopHistoryFSEventStream stops the history runner if it is active.
func (s *Stream) StopHistoryFSEventStream() {
	s.onQueue(func() { s.stopRunner(History) })
}

// StopRealtimeFSEventStream stops the realtime runner if it is active.
func (s *Stream) StopRealtimeFSEventStream() {
	s.onQueue(func() { s.stopRunner(Realtime) })
}

// StopFSEventStreams stops both runners and moves the stream to Stopped.
// It is idempotent and returns once no handler call can happen any more.
func (s *Stream) StopFSEventStreams() {
	s.onQueue(s.stopAll)
}

// StopAsync starts StopFSEventStreams without waiting. The returned channel
// closes when the stop is complete.
func (s *Stream) StopAsync() <-chan struct{} {
	done := make(chan struct{})
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()

	if q != nil && q.Async(func() {
		s.stopAll()
		close(done)
	}) {
		return done
	}
	s.onQueue(s.stopAll)
	close(done)
	return done
}

func (s *Stream) stopRunner(kind Kind) {
	s.runners[kind].stop()
	if !s.runners[History].running() && !s.runners[Realtime].running() && s.State().Active() {
		s.setState(Stopped)
	}
}

func (s *Stream) stopAll() {
	s.runners[History].stop()
	s.runners[Realtime].stop()
	s.setState(Stopped)
}

// onQueue runs fn on the stream's queue and waits for it. From a callback
// already on the queue fn runs inline. Before the first Prepare nothing else
// can run there, and once the queue is closed nothing runs there after it
// drains, so fn runs on the caller instead.
func (s *Stream) onQueue(fn func()) {
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()

	if q != nil {
		err := q.Sync(fn)
		if err == nil {
			return
		}
		if !errors.Is(err, dispatch.ErrClosed) {
			s.logger.Error("stop could not be queued", "error", err)
			return
		}
		// Jobs accepted before Close may still be delivering.
		<-q.Done()
	}
	s.directMu.Lock()
	defer s.directMu.Unlock()
	fn()
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("stream state changed", "from", prev.String(), "to", st.String())
	}
}

// Stats returns delivery counters.
func (s *Stream) Stats() Stats {
	st := Stats{
		HistoryEvents:  s.historyEvents.Load(),
		RealtimeEvents: s.realtimeEvents.Load(),
		Resyncs:        s.resyncs.Load(),
	}
	if ns := s.lastEventAt.Load(); ns != 0 {
		st.LastEventAt = time.Unix(0, ns)
	}
	return st
}

// Status snapshots the stream for diagnostics. It does not touch the queue.
func (s *Stream) Status() Status {
	s.mu.RLock()
	st := Status{
		Path:  s.path,
		State: s.state.String(),
	}
	if s.target != nil {
		st.DeviceID = s.target.DeviceID
		st.MountPoint = s.target.MountPoint
	}
	s.mu.RUnlock()

	st.Checkpoint = s.cp.Load()
	st.SinceWhen = s.cp.SinceWhen()
	stats := s.Stats()
	st.HistoryEvents = stats.HistoryEvents
	st.RealtimeEvents = stats.RealtimeEvents
	st.Resyncs = stats.Resyncs
	st.LastEventAt = stats.LastEventAt
	return st
}

// String is the human readable description of the stream.
func (s *Stream) String() string {
	st := s.Status()
	return fmt.Sprintf("FSEventStream{path=%s checkpoint=%d deviceId=%d mountPoint=%s sinceWhen=%d state=%s}",
		st.Path, st.Checkpoint, st.DeviceID, st.MountPoint, st.SinceWhen, st.State)
}
