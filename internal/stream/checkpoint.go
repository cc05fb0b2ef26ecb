// internal/stream/checkpoint.go
package stream

import "sync/atomic"

// Checkpoint holds the last acknowledged event id and the "now" marker of the
// current history pass. Only the owning Stream writes it; Load is safe from
// any goroutine.
type Checkpoint struct {
	value     atomic.Int64
	sinceWhen atomic.Int64
}

// NewCheckpoint returns a checkpoint starting at initial.
func NewCheckpoint(initial int64) *Checkpoint {
	c := &Checkpoint{}
	c.value.Store(initial)
	return c
}

// Load returns the last advanced value.
func (c *Checkpoint) Load() int64 {
	return c.value.Load()
}

// Advance moves the checkpoint to id if id is greater. It never moves backwards.
func (c *Checkpoint) Advance(id int64) bool {
	for {
		cur := c.value.Load()
		if id <= cur {
			return false
		}
		if c.value.CompareAndSwap(cur, id) {
			return true
		}
	}
}

// Reset unconditionally replaces the checkpoint. Only resync uses it.
func (c *Checkpoint) Reset(id int64) {
	c.value.Store(id)
}

// MarkNow captures the source's latest event id as sinceWhen.
func (c *Checkpoint) MarkNow(src interface{ LatestEventID() int64 }) int64 {
	now := src.LatestEventID()
	c.sinceWhen.Store(now)
	return now
}

// SinceWhen returns the marker captured by the last MarkNow.
func (c *Checkpoint) SinceWhen() int64 {
	return c.sinceWhen.Load()
}
