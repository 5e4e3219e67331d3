// Package watcher subscribes to file-system events on a directory and
// feeds newly written email files into the processing pipeline.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tracyhatemice/mailingest/internal/pipeline"
)

// Options configures a directory watch.
type Options struct {
	// Dir is the directory to watch.
	Dir string
	// Debounce is how long a path must stay quiet after its last
	// event before it is processed, so partially written files are
	// never read mid-copy.
	Debounce time.Duration
}

// Watcher runs the continuous watch loop. File-system events may
// arrive concurrently, but processing is funneled through a single
// consumer goroutine so store-affecting work stays serialized.
type Watcher struct {
	processor *pipeline.Processor
	logger    *slog.Logger
	dir       string
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingFile
}

// pendingFile tracks the debounce state for one path.
type pendingFile struct {
	timer *time.Timer
	// last is when the most recent event arrived. The timer callback
	// rechecks it under the lock, so an event that slips in while the
	// callback waits for the lock still pushes the deadline out.
	last time.Time
}

// New creates a Watcher that hands matching files to processor.
func New(processor *pipeline.Processor, logger *slog.Logger, opts Options) *Watcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Watcher{
		processor: processor,
		logger:    logger,
		dir:       opts.Dir,
		debounce:  debounce,
		pending:   make(map[string]*pendingFile),
	}
}

// Run processes files already present under the directory, then
// watches the whole tree for create, rename and write events until
// ctx is cancelled. Errors while processing one file are logged and
// the loop continues; only store failures that put dedup state at
// risk end the run.
func (w *Watcher) Run(ctx context.Context) error {
	// Catch up on files that arrived while we were not running.
	if _, err := w.processor.ProcessDirectory(ctx, w.dir); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the whole tree; the catch-up scan above is recursive too.
	if err := w.addTree(fsw, w.dir); err != nil {
		return err
	}
	w.logger.Info("watching directory", "dir", w.dir, "debounce", w.debounce)

	// Debounced paths land here; the loop below is the only consumer,
	// so the check-then-record sequence is never entered twice at once.
	ready := make(chan string)

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			w.logger.Info("watcher stopped", "dir", w.dir)
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watch events closed for %s", w.dir)
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
				// New subdirectory: watch it and pick up anything
				// written to it before the watch took effect.
				if err := w.addTree(fsw, event.Name); err != nil {
					w.logger.Error("watch new directory", "dir", event.Name, "error", err)
					continue
				}
				w.scheduleExisting(ctx, event.Name, ready)
				continue
			}
			if !w.processor.Matches(event.Name) {
				continue
			}
			w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())
			w.schedule(ctx, event.Name, ready)

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watch errors closed for %s", w.dir)
			}
			w.logger.Error("watch error", "dir", w.dir, "error", err)

		case path := <-ready:
			summary, err := w.processor.ProcessFile(ctx, path)
			if err != nil {
				w.stopTimers()
				return err
			}
			w.logger.Info("file processed",
				"path", path,
				"processed", summary.Processed,
				"skipped_duplicate", summary.SkippedDuplicate,
				"failed", summary.Failed,
			)
		}
	}
}

// addTree adds watches for dir and every directory below it.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// scheduleExisting runs matching files already present under dir
// through the debounce, for files that landed between the directory
// appearing and its watch being added.
func (w *Watcher) scheduleExisting(ctx context.Context, dir string, ready chan<- string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && w.processor.Matches(path) {
			w.schedule(ctx, path, ready)
		}
		return nil
	})
	if err != nil {
		w.logger.Error("scan new directory", "dir", dir, "error", err)
	}
}

// schedule (re)arms the debounce timer for a path. Further events on
// the same path push the deadline out, so a file is only processed
// once its writer has gone quiet.
func (w *Watcher) schedule(ctx context.Context, path string, ready chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if p, ok := w.pending[path]; ok {
		p.last = now
		p.timer.Reset(w.debounce)
		return
	}
	p := &pendingFile{last: now}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.fire(ctx, path, p, ready)
	})
	w.pending[path] = p
}

// fire runs when a path's debounce timer expires. It emits the path
// only if the quiet period really elapsed: a Reset racing this
// callback moves p.last forward, in which case the rearmed timer
// fires again later and this invocation stays silent.
func (w *Watcher) fire(ctx context.Context, path string, p *pendingFile, ready chan<- string) {
	w.mu.Lock()
	if w.pending[path] != p {
		w.mu.Unlock()
		return
	}
	if time.Since(p.last) < w.debounce {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	select {
	case ready <- path:
	case <-ctx.Done():
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
}
