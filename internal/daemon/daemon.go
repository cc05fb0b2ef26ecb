// internal/daemon/daemon.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colebrumley/fsstream/internal/checkpoint"
	"github.com/colebrumley/fsstream/internal/config"
	"github.com/colebrumley/fsstream/internal/logging"
	"github.com/colebrumley/fsstream/internal/security"
	"github.com/colebrumley/fsstream/internal/source"
)

// DefaultRetryDelay is how long a failed stream waits before it is prepared again.
const DefaultRetryDelay = 5 * time.Second

// Daemon runs one stream per configured watch and persists their checkpoints.
type Daemon struct {
	configPath string
	config     *config.Global
	logger     *slog.Logger
	logWriter  io.Closer

	lock        *checkpoint.FileLock
	store       *checkpoint.Store
	snapshotter *checkpoint.Snapshotter
	sink        *Sink
	sourceKind  string

	watches    []*watch
	httpServer *http.Server
	listenAddr string
	startTime  time.Time

	// RetryDelay overrides DefaultRetryDelay.
	RetryDelay time.Duration
	// Output overrides the configured event output.
	Output io.Writer
	// ListenAddr overrides the configured status address.
	ListenAddr string

	mu sync.RWMutex
}

// New creates a new daemon instance
func New(configPath string) *Daemon {
	return &Daemon{
		configPath: configPath,
		RetryDelay: DefaultRetryDelay,
	}
}

// Run starts the daemon and blocks until ctx is cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	if err := d.loadConfig(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	d.initLogger()
	defer d.closeLogWriter()

	d.logger.Info("starting daemon", "config", d.configPath, "state_dir", d.config.Daemon.StateDir)

	if err := security.EnsureStateDir(d.config.Daemon.StateDir); err != nil {
		d.logger.Error("CRITICAL: state directory has unsafe permissions", "error", err, "path", d.config.Daemon.StateDir)
	}

	d.lock = checkpoint.NewFileLock(d.config.Daemon.StateDir)
	ok, err := d.lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("another fsstreamd is using %s (lock %s)", d.config.Daemon.StateDir, d.lock.Path())
	}
	defer d.lock.Unlock()

	if err := d.initStore(); err != nil {
		return err
	}
	defer d.store.Close()

	sink, err := OpenSink(d.config.Daemon.Output, d.Output)
	if err != nil {
		return err
	}
	d.sink = sink
	defer d.sink.Close()

	d.sourceKind = d.pickSource()
	if err := d.initWatches(); err != nil {
		d.closeWatches()
		return err
	}
	defer d.closeWatches()

	d.logger.Info("daemon started", "watches", len(d.watches), "source", d.sourceKind)
	return d.serve(ctx)
}

// serve runs every component under one errgroup. Streams are stopped before
// the snapshotter makes its final save.
func (d *Daemon) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	defer stopSnapshots()

	for _, w := range d.watches {
		if w.journal != nil {
			j := w.journal
			g.Go(func() error { return ignoreCanceled(j.Run(gctx)) })
		}
	}

	g.Go(func() error { return ignoreCanceled(d.snapshotter.Start(snapCtx)) })
	g.Go(func() error { return d.startHTTPServer(gctx) })

	for _, w := range d.watches {
		w.prepare(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("daemon stopping, stopping streams")
		for _, w := range d.watches {
			w.stop()
		}
		stopSnapshots()
		return nil
	})

	err := g.Wait()
	d.logger.Info("daemon stopped", "uptime", time.Since(d.startTime).Truncate(time.Second).String())
	return err
}

func (d *Daemon) loadConfig() error {
	cfg, err := config.LoadGlobal(d.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	d.config = cfg
	return nil
}

// initLogger writes to the configured log file through a RotatingWriter,
// falling back to stderr.
func (d *Daemon) initLogger() {
	cfg := d.config
	if cfg.Logging.File == "" {
		d.logger = logging.NewLogger(cfg.Logging.Format, cfg.Daemon.LogLevel, os.Stderr)
		return
	}

	w, err := logging.NewRotatingWriter(cfg.Logging.File, int64(cfg.Logging.MaxSizeMB)*1024*1024)
	if err != nil {
		d.logger = logging.NewLogger(cfg.Logging.Format, cfg.Daemon.LogLevel, os.Stderr)
		d.logger.Warn("failed to initialize rotating log writer, using stderr", "error", err)
		return
	}
	d.logWriter = w
	d.logger = logging.NewLogger(cfg.Logging.Format, cfg.Daemon.LogLevel, w)
}

func (d *Daemon) closeLogWriter() {
	if d.logWriter != nil {
		d.logWriter.Close()
	}
}

func (d *Daemon) initStore() error {
	store, err := checkpoint.Open(d.config.Checkpoint.DBPath)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	d.store = store

	snap, err := checkpoint.NewSnapshotter(store, d.config.Checkpoint.SnapshotSchedule, d.logger)
	if err != nil {
		store.Close()
		return err
	}
	d.snapshotter = snap
	return nil
}

func (d *Daemon) pickSource() string {
	switch d.config.Daemon.Source {
	case config.SourceFSEvents, config.SourceJournal:
		return d.config.Daemon.Source
	}
	if source.Supported {
		return config.SourceFSEvents
	}
	return config.SourceJournal
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
