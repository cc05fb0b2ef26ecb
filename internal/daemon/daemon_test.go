// internal/daemon/daemon_test.go
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colebrumley/fsstream/internal/checkpoint"
	"github.com/colebrumley/fsstream/internal/stream"
)

const waitFor = 5 * time.Second

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) records(t *testing.T) []EventRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []EventRecord
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var rec EventRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

type fixture struct {
	configPath string
	stateDir   string
	watchDir   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	f := fixture{
		configPath: filepath.Join(base, "config.yaml"),
		stateDir:   filepath.Join(base, "state"),
		watchDir:   filepath.Join(base, "watched"),
	}
	require.NoError(t, os.MkdirAll(f.watchDir, 0755))

	cfg := fmt.Sprintf(`
daemon:
  log_level: debug
  state_dir: %s
  source: journal
logging:
  format: text
watches:
  - path: %s
    ignore_patterns: ["*.swp"]
checkpoint:
  snapshot_schedule: "@every 1s"
`, f.stateDir, f.watchDir)
	require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0644))
	return f
}

type running struct {
	d      *Daemon
	out    *safeBuffer
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, f fixture) *running {
	t.Helper()
	out := &safeBuffer{}
	d := New(f.configPath)
	d.Output = out
	d.ListenAddr = "127.0.0.1:0"
	d.RetryDelay = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{d: d, out: out, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Addr() != "" }, waitFor, 10*time.Millisecond)
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("daemon did not stop")
	}
}

func (r *running) get(t *testing.T, path string, v any) {
	t.Helper()
	resp, err := http.Get("http://" + r.d.Addr() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// writeUntilSeen keeps touching name until the daemon reports it; the
// watcher is registered asynchronously after startup.
func writeUntilSeen(t *testing.T, r *running, dir, name string) EventRecord {
	t.Helper()
	want := filepath.Join(dir, name)
	var got EventRecord
	require.Eventually(t, func() bool {
		_ = os.WriteFile(want, []byte(time.Now().String()), 0644)
		for _, rec := range r.out.records(t) {
			if rec.Path == want {
				got = rec
				return true
			}
		}
		return false
	}, waitFor, 100*time.Millisecond)
	return got
}

func TestDaemon_DeliversEventsAndServesStatus(t *testing.T) {
	f := newFixture(t)
	r := start(t, f)

	rec := writeUntilSeen(t, r, f.watchDir, "hello.txt")
	assert.Equal(t, f.watchDir, rec.Watch)
	assert.Greater(t, rec.ID, int64(0))
	assert.Contains(t, rec.Flags, "ItemIsFile")

	var health HealthResponse
	r.get(t, "/health", &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "journal", health.Source)
	assert.Equal(t, 1, health.Streams)
	assert.Equal(t, 1, health.StreamsActive)

	var streams []watchStatus
	r.get(t, "/api/streams", &streams)
	require.Len(t, streams, 1)
	assert.Equal(t, f.watchDir, streams[0].Path)
	assert.Equal(t, stream.RealtimeDelivery.String(), streams[0].State)
	assert.GreaterOrEqual(t, streams[0].Checkpoint, rec.ID)

	r.stop(t)
}

func TestDaemon_IgnoredFilesAreNotEmitted(t *testing.T) {
	f := newFixture(t)
	r := start(t, f)

	require.NoError(t, os.WriteFile(filepath.Join(f.watchDir, "x.swp"), []byte("x"), 0644))
	writeUntilSeen(t, r, f.watchDir, "after.txt")

	for _, rec := range r.out.records(t) {
		assert.False(t, strings.HasSuffix(rec.Path, ".swp"), "ignored file emitted: %s", rec.Path)
	}
	r.stop(t)
}

func TestDaemon_SavesCheckpointOnShutdown(t *testing.T) {
	f := newFixture(t)
	r := start(t, f)
	rec := writeUntilSeen(t, r, f.watchDir, "a.txt")
	r.stop(t)

	store, err := checkpoint.Open(filepath.Join(f.stateDir, "checkpoints.db"))
	require.NoError(t, err)
	saved, ok, err := store.Load(f.watchDir)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.True(t, ok)
	assert.GreaterOrEqual(t, saved.EventID, rec.ID)

	// A restart resumes from the saved checkpoint without redelivering.
	r = start(t, f)
	var streams []watchStatus
	require.Eventually(t, func() bool {
		r.get(t, "/api/streams", &streams)
		return len(streams) == 1 && streams[0].State == stream.RealtimeDelivery.String()
	}, waitFor, 20*time.Millisecond)
	assert.GreaterOrEqual(t, streams[0].Checkpoint, saved.EventID)
	assert.Zero(t, streams[0].Resyncs)

	next := writeUntilSeen(t, r, f.watchDir, "b.txt")
	assert.Greater(t, next.ID, saved.EventID)
	for _, got := range r.out.records(t) {
		assert.Greater(t, got.ID, saved.EventID, "event %d redelivered after restart", got.ID)
	}

	var records []checkpoint.Record
	r.get(t, "/api/checkpoints", &records)
	require.Len(t, records, 1)
	assert.Equal(t, f.watchDir, records[0].Path)
	r.stop(t)
}

func TestDaemon_SecondInstanceIsRefused(t *testing.T) {
	f := newFixture(t)
	r := start(t, f)
	defer r.stop(t)

	d2 := New(f.configPath)
	d2.Output = &safeBuffer{}
	d2.ListenAddr = "127.0.0.1:0"
	err := d2.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another fsstreamd")
}

func TestDaemon_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watches: []\n"), 0644))

	err := New(path).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one watch")
}

func TestDaemon_MethodGuard(t *testing.T) {
	d := New("")
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimitHandler(t *testing.T) {
	h := rateLimitHandler(2, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestSink_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s, err := OpenSink("stdout", &buf)
	require.NoError(t, err)

	require.NoError(t, s.Write("/w", stream.Event{ID: 3, Path: "/w/a", Flags: stream.ItemCreated | stream.ItemIsFile}))
	require.NoError(t, s.Close())

	var rec EventRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "/w", rec.Watch)
	assert.Equal(t, int64(3), rec.ID)
	assert.Equal(t, "ItemCreated|ItemIsFile", rec.Flags)
}

func TestSink_FileAndNone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "events.jsonl")
	s, err := OpenSink(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Write("/w", stream.Event{ID: 1, Path: "/w/a"}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":1`)

	none, err := OpenSink("none", nil)
	require.NoError(t, err)
	assert.NoError(t, none.Write("/w", stream.Event{ID: 1}))
	assert.NoError(t, none.Close())
}

func TestJournalPath_IsStablePerWatch(t *testing.T) {
	f := newFixture(t)
	d := New(f.configPath)
	require.NoError(t, d.loadConfig())

	a := d.journalPath("/data/photos")
	assert.Equal(t, a, d.journalPath("/data/photos/"))
	assert.NotEqual(t, a, d.journalPath("/backup/photos"))
	assert.True(t, strings.HasPrefix(filepath.Base(a), "photos-"))
}
