// internal/journal/journal.go

// Package journal is a persistent event source for platforms without an OS
// event history. It records fsnotify events for one root into sqlite and
// serves them back as history and realtime stream sessions.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/colebrumley/fsstream/internal/device"
	"github.com/colebrumley/fsstream/internal/stream"
)

const (
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultMaxEvents     = 1_000_000
	DefaultPruneSchedule = "@every 1h"

	replayPageSize = 512
	liveBuffer     = 4096
)

// ErrClosed is returned when recording into a closed journal.
var ErrClosed = errors.New("journal closed")

// Options tunes retention and recording.
type Options struct {
	Retention     time.Duration
	MaxEvents     int64
	PruneSchedule string
	// Ignore holds filepath.Match patterns applied to base names.
	Ignore []string
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Retention == 0 {
		o.Retention = DefaultRetention
	}
	if o.MaxEvents == 0 {
		o.MaxEvents = DefaultMaxEvents
	}
	if o.PruneSchedule == "" {
		o.PruneSchedule = DefaultPruneSchedule
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS journal_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    flags INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_recorded ON events(recorded_at);
`

// Journal records events under one root. Its AUTOINCREMENT ids are the
// event-id space handed to streams, so they never repeat even after pruning.
type Journal struct {
	db     *sql.DB
	target device.Target
	opts   Options
	logger *slog.Logger

	latest atomic.Int64
	// prunedThrough is the highest id that is no longer retained.
	prunedThrough atomic.Int64
	// pruneMu keeps a replay page from seeing deleted rows before
	// prunedThrough reports them.
	pruneMu sync.RWMutex

	// mu orders inserts against session registration.
	mu      sync.Mutex
	subs    map[*session]struct{}
	closed  bool
	closing chan struct{}

	watcher *fsnotify.Watcher
}

var _ stream.Source = (*Journal)(nil)

// Open opens or creates the journal database at path for target. A journal
// previously recorded for another root or device keeps its rows but marks
// all of them as unusable for history.
func Open(path string, target device.Target, opts Options) (*Journal, error) {
	opts.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under concurrent inserts.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}

	j := &Journal{
		db:      db,
		target:  target,
		opts:    opts,
		logger:  opts.Logger.With("journal", path, "root", target.Path),
		subs:    make(map[*session]struct{}),
		closing: make(chan struct{}),
	}

	if err := j.loadState(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) loadState() error {
	var latest int64
	err := j.db.QueryRow(`SELECT seq FROM sqlite_sequence WHERE name = 'events'`).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading latest event id: %w", err)
	}
	j.latest.Store(latest)

	meta, err := j.meta()
	if err != nil {
		return err
	}
	pruned, _ := strconv.ParseInt(meta["pruned_through"], 10, 64)
	j.prunedThrough.Store(pruned)

	dev := strconv.FormatUint(j.target.DeviceID, 10)
	if root, ok := meta["root"]; ok && (root != j.target.Path || meta["device_id"] != dev) {
		j.logger.Warn("journal was recorded for another root or device, discarding its history",
			"recorded_root", root, "recorded_device", meta["device_id"], "device", dev)
		if err := j.setPrunedThrough(latest); err != nil {
			return err
		}
	}

	return j.setMeta(map[string]string{"root": j.target.Path, "device_id": dev})
}

func (j *Journal) meta() (map[string]string, error) {
	rows, err := j.db.Query(`SELECT key, value FROM journal_meta`)
	if err != nil {
		return nil, fmt.Errorf("reading journal meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning journal meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (j *Journal) setMeta(kv map[string]string) error {
	for k, v := range kv {
		_, err := j.db.Exec(`INSERT INTO journal_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v)
		if err != nil {
			return fmt.Errorf("writing journal meta %s: %w", k, err)
		}
	}
	return nil
}

func (j *Journal) setPrunedThrough(id int64) error {
	if id <= j.prunedThrough.Load() {
		return nil
	}
	if err := j.setMeta(map[string]string{"pruned_through": strconv.FormatInt(id, 10)}); err != nil {
		return err
	}
	j.prunedThrough.Store(id)
	return nil
}

// Target returns the identity the journal records for.
func (j *Journal) Target() device.Target {
	return j.target
}

// LatestEventID returns the highest id ever recorded.
func (j *Journal) LatestEventID() int64 {
	return j.latest.Load()
}

// PrunedThrough returns the highest id no longer retained.
func (j *Journal) PrunedThrough() int64 {
	return j.prunedThrough.Load()
}

// Record appends one event and fans it out to live sessions.
func (j *Journal) Record(path string, flags stream.Flags) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	res, err := j.db.Exec(`INSERT INTO events (path, flags, recorded_at) VALUES (?, ?, ?)`,
		path, int64(flags), time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("recording event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event id: %w", err)
	}
	j.latest.Store(id)

	ev := stream.Event{ID: id, Path: path, Flags: flags}
	for s := range j.subs {
		s.push(ev)
	}
	return id, nil
}

// page returns up to limit events with from < id <= upto, and the pruned
// watermark that was in effect when they were read.
func (j *Journal) page(from, upto int64, limit int) ([]stream.Event, int64, error) {
	j.pruneMu.RLock()
	defer j.pruneMu.RUnlock()

	pruned := j.prunedThrough.Load()
	rows, err := j.db.Query(`SELECT id, path, flags FROM events
		WHERE id > ? AND id <= ? ORDER BY id LIMIT ?`, from, upto, limit)
	if err != nil {
		return nil, pruned, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []stream.Event
	for rows.Next() {
		var (
			ev    stream.Event
			flags int64
		)
		if err := rows.Scan(&ev.ID, &ev.Path, &flags); err != nil {
			return nil, pruned, fmt.Errorf("scanning event: %w", err)
		}
		ev.Flags = stream.Flags(flags)
		out = append(out, ev)
	}
	return out, pruned, rows.Err()
}

// Prune drops events older than the retention window and beyond the row cap.
// It returns the number of events removed.
func (j *Journal) Prune(now time.Time) (int64, error) {
	j.pruneMu.Lock()
	defer j.pruneMu.Unlock()

	cutoff := now.Add(-j.opts.Retention).UnixNano()

	res, err := j.db.Exec(`DELETE FROM events WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning by age: %w", err)
	}
	byAge, _ := res.RowsAffected()

	res, err = j.db.Exec(`DELETE FROM events WHERE id <= (SELECT MAX(id) FROM events) - ?`, j.opts.MaxEvents)
	if err != nil {
		return byAge, fmt.Errorf("pruning by count: %w", err)
	}
	byCount, _ := res.RowsAffected()

	removed := byAge + byCount
	if removed == 0 {
		return 0, nil
	}

	var oldest sql.NullInt64
	if err := j.db.QueryRow(`SELECT MIN(id) FROM events`).Scan(&oldest); err != nil {
		return removed, fmt.Errorf("reading oldest event: %w", err)
	}
	through := j.LatestEventID()
	if oldest.Valid {
		through = oldest.Int64 - 1
	}
	if err := j.setPrunedThrough(through); err != nil {
		return removed, err
	}

	j.logger.Info("journal pruned", "removed", removed, "pruned_through", through)
	return removed, nil
}

// Close stops recording, ends every open session and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.closing)
	j.subs = make(map[*session]struct{})
	w := j.watcher
	j.mu.Unlock()

	if w != nil {
		w.Close()
	}
	return j.db.Close()
}
