// internal/stream/runner.go
package stream

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/colebrumley/fsstream/internal/device"
	"github.com/colebrumley/fsstream/internal/dispatch"
)

// runnerHooks are the controller callbacks. All of them run on the queue.
type runnerHooks struct {
	onEvent       func(Kind, Event)
	onCaughtUp    func()
	onFailure     func(Kind, error)
	onRootChanged func(Event)
}

// runner is one event session of either kind. Every method except pump must
// be called on the owning queue.
type runner struct {
	kind   Kind
	logger *slog.Logger

	state   RunnerState
	session Session
	id      uuid.UUID
	gen     uint64
	stopCh  chan struct{}
	done    chan struct{}

	// last is the highest id handed to onEvent (or the starting checkpoint).
	last  int64
	until int64
	hooks runnerHooks
}

func newRunner(kind Kind, logger *slog.Logger) *runner {
	return &runner{
		kind:   kind,
		logger: logger.With("kind", kind.String()),
	}
}

// start opens a session and begins pumping batches onto q. For history
// runners until is the sinceWhen marker; realtime runners ignore it.
func (r *runner) start(q *dispatch.Queue, src Source, t device.Target, from, until int64, hooks runnerHooks) error {
	r.stop()
	r.state = RunnerStarting

	var (
		sess Session
		err  error
	)
	switch r.kind {
	case History:
		sess, err = src.OpenHistory(t, from)
	default:
		sess, err = src.OpenRealtime(t, from)
	}
	if err != nil {
		r.state = RunnerStopped
		return &StartError{Kind: r.kind, Err: err}
	}

	r.gen++
	r.session = sess
	r.id = uuid.New()
	r.last = from
	r.until = until
	r.hooks = hooks
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	r.state = RunnerRunning

	r.logger.Info("stream session started",
		"session", r.id.String(), "from", from, "until", until, "path", t.Path)

	go pump(q, r, r.gen, sess, r.stopCh, r.done)
	return nil
}

// stop closes the session and waits for the pump goroutine to exit. Batches
// already posted to the queue are discarded by the generation check.
func (r *runner) stop() {
	if r.state == RunnerStopped {
		return
	}
	r.state = RunnerStopping

	close(r.stopCh)
	<-r.done
	r.session.Close()

	r.logger.Info("stream session stopped", "session", r.id.String(), "last_event", r.last)
	r.session = nil
	r.state = RunnerStopped
}

func (r *runner) running() bool {
	return r.state == RunnerRunning
}

// pump forwards session batches to the queue. It touches no runner fields;
// everything it posts is checked against gen on the queue.
func pump(q *dispatch.Queue, r *runner, gen uint64, sess Session, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	events := sess.Events()
	for {
		select {
		case <-stop:
			return
		case batch, ok := <-events:
			if !ok {
				q.Async(func() { r.sessionEnded(gen) })
				return
			}
			q.Async(func() { r.deliver(gen, batch) })
		}
	}
}

func (r *runner) current(gen uint64) bool {
	return r.gen == gen && r.state == RunnerRunning
}

func (r *runner) deliver(gen uint64, batch []Event) {
	for _, ev := range batch {
		// A hook may have stopped this runner part way through the batch.
		if !r.current(gen) {
			return
		}
		if r.kind == History {
			r.handleHistory(ev)
		} else {
			r.handleRealtime(ev)
		}
	}
}

func (r *runner) handleHistory(ev Event) {
	switch {
	case ev.Flags&EventIDsWrapped != 0:
		r.stop()
		r.hooks.onFailure(r.kind, fmt.Errorf("event ids wrapped during replay: %w", ErrHistoryExpired))
	case ev.Flags&HistoryDone != 0 || ev.ID > r.until:
		r.logger.Debug("history replay reached marker", "session", r.id.String(), "event", ev.ID, "until", r.until)
		r.stop()
		r.hooks.onCaughtUp()
	case ev.ID <= r.last:
		// already acknowledged
	default:
		r.emit(ev)
	}
}

func (r *runner) handleRealtime(ev Event) {
	if ev.Flags&HistoryDone != 0 || ev.ID <= r.last {
		return
	}
	r.emit(ev)
	if ev.Flags&(RootChanged|Mount|Unmount) != 0 && r.hooks.onRootChanged != nil && r.running() {
		r.hooks.onRootChanged(ev)
	}
}

func (r *runner) emit(ev Event) {
	if ev.Flags&Dropped != 0 {
		r.logger.Warn("event source dropped events, consumer must rescan",
			"session", r.id.String(), "path", ev.Path, "flags", ev.Flags.String())
	}
	r.last = ev.ID
	r.hooks.onEvent(r.kind, ev)
}

func (r *runner) sessionEnded(gen uint64) {
	if !r.current(gen) {
		return
	}
	r.logger.Error("stream session ended unexpectedly", "session", r.id.String(), "last_event", r.last)
	r.stop()
	r.hooks.onFailure(r.kind, fmt.Errorf("%s session closed by source: %w", r.kind, ErrRunnerFailed))
}

// isExpired reports whether err asks for a resync rather than a hard failure.
func isExpired(err error) bool {
	return errors.Is(err, ErrHistoryExpired)
}
