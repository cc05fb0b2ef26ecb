package stream

import (
	"errors"
	"sync"

	"github.com/colebrumley/fsstream/internal/device"
)

// fakeSource is an in-memory event log with FSEvents-like replay semantics:
// sessions replay retained events after from, history sessions append a
// HistoryDone marker, and both then receive live appends.
type fakeSource struct {
	mu       sync.Mutex
	log      []Event
	oldest   int64 // lowest retained id; ids below it were pruned
	sessions map[*fakeSession]bool

	historyOpens  int
	realtimeOpens int
	historyErr    error
	realtimeErr   error
}

func newFakeSource() *fakeSource {
	return &fakeSource{sessions: make(map[*fakeSession]bool)}
}

func (f *fakeSource) appendIDs(ids ...int64) {
	for _, id := range ids {
		f.append(Event{ID: id, Path: "/watched/file", Flags: ItemModified | ItemIsFile})
	}
}

func (f *fakeSource) append(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, ev)
	for s := range f.sessions {
		s.ch <- []Event{ev}
	}
}

func (f *fakeSource) prune(below int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oldest = below
	kept := f.log[:0]
	for _, ev := range f.log {
		if ev.ID >= below {
			kept = append(kept, ev)
		}
	}
	f.log = kept
}

func (f *fakeSource) LatestEventID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.log) == 0 {
		return f.oldest
	}
	return f.log[len(f.log)-1].ID
}

func (f *fakeSource) OpenHistory(t device.Target, from int64) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyOpens++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if f.oldest > 0 && from+1 < f.oldest {
		return nil, ErrHistoryExpired
	}
	return f.openLocked(from, true), nil
}

func (f *fakeSource) OpenRealtime(t device.Target, from int64) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtimeOpens++
	if f.realtimeErr != nil {
		return nil, f.realtimeErr
	}
	return f.openLocked(from, false), nil
}

func (f *fakeSource) openLocked(from int64, history bool) *fakeSession {
	s := &fakeSession{src: f, ch: make(chan []Event, 4096)}
	var replay []Event
	latest := int64(0)
	for _, ev := range f.log {
		if ev.ID > from {
			replay = append(replay, ev)
		}
		latest = ev.ID
	}
	// deliver replay in small batches to exercise batch handling
	for len(replay) > 0 {
		n := min(7, len(replay))
		s.ch <- replay[:n]
		replay = replay[n:]
	}
	if history {
		s.ch <- []Event{{ID: latest, Flags: HistoryDone}}
	}
	f.sessions[s] = true
	return s
}

func (f *fakeSource) openCounts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyOpens, f.realtimeOpens
}

func (f *fakeSource) liveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// endAll simulates the source tearing down every open session.
func (f *fakeSource) endAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.sessions {
		close(s.ch)
		delete(f.sessions, s)
	}
}

type fakeSession struct {
	src *fakeSource
	ch  chan []Event
}

func (s *fakeSession) Events() <-chan []Event { return s.ch }

func (s *fakeSession) Close() {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	delete(s.src.sessions, s)
}

// fakeResolver returns a configurable target.
type fakeResolver struct {
	mu     sync.Mutex
	target device.Target
	err    error
	calls  int
}

func newFakeResolver(dev uint64) *fakeResolver {
	return &fakeResolver{target: device.Target{
		Path:       "/watched",
		Resolved:   "/watched",
		DeviceID:   dev,
		MountPoint: "/",
	}}
}

func (r *fakeResolver) Resolve(path string) (device.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return device.Target{}, r.err
	}
	t := r.target
	t.Path = path
	return t, nil
}

func (r *fakeResolver) setDevice(dev uint64, mount string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target.DeviceID = dev
	r.target.MountPoint = mount
}

func (r *fakeResolver) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

var errOpen = errors.New("open refused")
