// internal/journal/watch.go
package journal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/colebrumley/fsstream/internal/stream"
)

// Run records filesystem events under the journal root until ctx is done,
// pruning on the configured schedule. fsnotify is not recursive, so every
// directory below the root is watched individually.
func (j *Journal) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		watcher.Close()
		return ErrClosed
	}
	j.watcher = watcher
	j.mu.Unlock()

	// A missing root is watched through its parent until it appears.
	if err := watcher.Add(j.target.Resolved); err != nil {
		return fmt.Errorf("watching %s: %w", j.target.Resolved, err)
	}
	if j.target.Exists() {
		j.addRecursive(watcher, j.target.Path)
	}

	c := cron.New()
	if _, err := c.AddFunc(j.opts.PruneSchedule, func() {
		if _, err := j.Prune(time.Now()); err != nil {
			j.logger.Error("journal prune failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", j.opts.PruneSchedule, err)
	}
	c.Start()
	defer c.Stop()

	j.logger.Info("journal recording", "path", j.target.Path, "watching", j.target.Resolved)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-j.closing:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			j.handle(watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			j.handleError(err)
		}
	}
}

func (j *Journal) addRecursive(watcher *fsnotify.Watcher, root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && j.ignored(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			j.logger.Warn("cannot watch directory", "path", path, "error", err)
		}
		return nil
	})
	if err != nil {
		j.logger.Warn("walking directory failed", "path", root, "error", err)
	}
}

func (j *Journal) inScope(path string) bool {
	root := j.target.Path
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator)) || root == string(filepath.Separator)
}

func (j *Journal) ignored(path string) bool {
	name := filepath.Base(path)
	for _, pattern := range j.opts.Ignore {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

func (j *Journal) handle(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	if !j.inScope(ev.Name) || j.ignored(ev.Name) {
		return
	}

	flags := translate(ev)
	if flags == 0 {
		return
	}

	if ev.Name == j.target.Path {
		flags |= stream.RootChanged
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			flags = flags&^stream.ItemIsFile | stream.ItemIsDir
			j.addRecursive(watcher, ev.Name)
		}
	}

	if _, err := j.Record(ev.Name, flags); err != nil && !errors.Is(err, ErrClosed) {
		j.logger.Error("recording event failed", "path", ev.Name, "error", err)
	}
}

func (j *Journal) handleError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		j.logger.Warn("watcher queue overflowed, consumers must rescan")
		if _, err := j.Record(j.target.Path, stream.MustScanSubDirs|stream.KernelDropped); err != nil && !errors.Is(err, ErrClosed) {
			j.logger.Error("recording overflow failed", "error", err)
		}
		return
	}
	j.logger.Warn("watcher error", "error", err)
}

// translate maps an fsnotify op onto FSEvents item flags.
func translate(ev fsnotify.Event) stream.Flags {
	var flags stream.Flags
	if ev.Has(fsnotify.Create) {
		flags |= stream.ItemCreated | stream.ItemIsFile
	}
	if ev.Has(fsnotify.Write) {
		flags |= stream.ItemModified | stream.ItemIsFile
	}
	if ev.Has(fsnotify.Remove) {
		flags |= stream.ItemRemoved
	}
	if ev.Has(fsnotify.Rename) {
		flags |= stream.ItemRenamed
	}
	if ev.Has(fsnotify.Chmod) {
		flags |= stream.ItemInodeMetaMod
	}
	return flags
}
