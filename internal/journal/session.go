// internal/journal/session.go
package journal

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colebrumley/fsstream/internal/device"
	"github.com/colebrumley/fsstream/internal/stream"
)

// OpenHistory replays retained events after from and then sends a
// HistoryDone marker. Live events follow the marker.
func (j *Journal) OpenHistory(t device.Target, from int64) (stream.Session, error) {
	if err := j.checkTarget(t); err != nil {
		return nil, err
	}
	if from < 0 {
		return nil, fmt.Errorf("no history before checkpoint %d: %w", from, stream.ErrHistoryExpired)
	}
	if pruned := j.PrunedThrough(); from < pruned {
		return nil, fmt.Errorf("events after %d pruned through %d: %w", from, pruned, stream.ErrHistoryExpired)
	}
	return j.open(from, true)
}

// OpenRealtime replays whatever is retained after from and then follows live
// events. A pruned gap in the replay marks the next event MustScanSubDirs.
func (j *Journal) OpenRealtime(t device.Target, from int64) (stream.Session, error) {
	if err := j.checkTarget(t); err != nil {
		return nil, err
	}
	return j.open(from, false)
}

func (j *Journal) checkTarget(t device.Target) error {
	if t.DeviceID != j.target.DeviceID {
		return fmt.Errorf("journal records device %d, not %d: %w", j.target.DeviceID, t.DeviceID, stream.ErrHistoryExpired)
	}
	return nil
}

func (j *Journal) open(from int64, history bool) (*session, error) {
	s := &session{
		j:      j,
		out:    make(chan []stream.Event),
		live:   make(chan stream.Event, liveBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		marker: history,
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil, ErrClosed
	}
	// Everything up to upto comes from the table, everything after it from
	// the live channel.
	upto := j.latest.Load()
	j.subs[s] = struct{}{}
	j.mu.Unlock()

	go s.run(max(from, 0), upto)
	return s, nil
}

type session struct {
	j      *Journal
	out    chan []stream.Event
	live   chan stream.Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	marker bool

	overflowed atomic.Bool
}

func (s *session) Events() <-chan []stream.Event {
	return s.out
}

// push is called with the journal lock held and must not block.
func (s *session) push(ev stream.Event) {
	select {
	case s.live <- ev:
	default:
		s.overflowed.Store(true)
	}
}

func (s *session) Close() {
	s.once.Do(func() {
		s.j.mu.Lock()
		delete(s.j.subs, s)
		s.j.mu.Unlock()

		close(s.stop)
		<-s.done
	})
}

func (s *session) send(batch []stream.Event) bool {
	select {
	case s.out <- batch:
		return true
	case <-s.stop:
		return false
	case <-s.j.closing:
		close(s.out)
		return false
	}
}

func (s *session) run(from, upto int64) {
	defer close(s.done)

	last := from
	for last < upto {
		batch, pruned, err := s.j.page(last, upto, replayPageSize)
		if err != nil {
			s.j.logger.Error("journal replay failed", "from", last, "error", err)
			close(s.out)
			return
		}
		if pruned > last {
			// Events after last were pruned before they were replayed.
			if s.marker {
				s.j.logger.Warn("journal pruned past replay position", "replayed_through", last, "pruned_through", pruned)
				s.send([]stream.Event{{ID: pruned, Path: s.j.target.Path, Flags: stream.EventIDsWrapped}})
				return
			}
			if len(batch) > 0 {
				batch[0].Flags |= stream.MustScanSubDirs | stream.UserDropped
			}
		}
		if len(batch) == 0 {
			break
		}
		if !s.send(batch) {
			return
		}
		last = batch[len(batch)-1].ID
	}

	if s.marker {
		if !s.send([]stream.Event{{ID: upto, Path: s.j.target.Path, Flags: stream.HistoryDone}}) {
			return
		}
	}

	for {
		select {
		case <-s.stop:
			return
		case <-s.j.closing:
			close(s.out)
			return
		case ev := <-s.live:
			if ev.ID <= last {
				continue
			}
			// Events dropped on a full buffer are reported on the next one
			// the way FSEvents reports a user-side drop.
			if s.overflowed.Swap(false) {
				ev.Flags |= stream.MustScanSubDirs | stream.UserDropped
			}
			last = ev.ID
			if !s.send([]stream.Event{ev}) {
				return
			}
		}
	}
}
