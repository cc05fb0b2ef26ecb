// internal/dispatch/queue.go
package dispatch

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Sync when the queue no longer accepts work.
var ErrClosed = errors.New("dispatch queue closed")

// Queue is a serial execution context. Submitted funcs run one at a time,
// in submission order, on a single goroutine owned by the queue.
type Queue struct {
	label  string
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
	done   chan struct{}

	// worker is the goroutine id of run, used to detect re-entrant Sync.
	worker atomic.Uint64
}

// NewQueue creates a queue and starts its worker goroutine.
func NewQueue(label string) *Queue {
	q := &Queue{
		label: label,
		done:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Label returns the name the queue was created with.
func (q *Queue) Label() string {
	return q.label
}

// Async enqueues fn without waiting for it to run. The backlog is unbounded
// so Async never blocks. Returns false if the queue is closed.
func (q *Queue) Async(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, fn)
	q.cond.Signal()
	return true
}

// Sync enqueues fn and blocks until it has run. Called from a func already
// running on q, it runs fn inline, even while q is closing.
func (q *Queue) Sync(fn func()) error {
	if q.OnQueue() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if !q.Async(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	<-done
	return nil
}

// Close stops accepting work, runs whatever is already queued and waits for
// the worker to exit. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done
}

// OnQueue reports whether the caller is running on q's worker.
func (q *Queue) OnQueue() bool {
	return q.worker.Load() == goid()
}

// Done is closed once the worker has drained the queue after Close.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) run() {
	defer close(q.done)
	q.worker.Store(goid())

	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		fn()
	}
}

// goid parses the current goroutine id from the stack header
// "goroutine 42 [running]:".
func goid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
