// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// watcher follows the workflows directory tree and reports debounced
// per-file changes. fsnotify does not recurse, so every subdirectory
// is added explicitly, including ones created while watching.
type watcher struct {
	cfg    Config
	logger *slog.Logger

	fsw *fsnotify.Watcher
	deb *debouncer

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newWatcher(cfg Config, logger *slog.Logger, onReload func(path string)) (*watcher, error) {
	// The directory may not exist yet on a fresh install; create it so
	// files dropped in later are picked up.
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &maestroerrors.ConfigError{Key: "registry.workflows_dir", Reason: "cannot create workflows directory", Cause: err}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &maestroerrors.ConfigError{Key: "registry.watch", Reason: "cannot start file watcher", Cause: err}
	}

	w := &watcher{
		cfg:    cfg,
		logger: logger,
		fsw:    fsw,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.deb = newDebouncer(cfg.DebounceWindow, onReload)

	if err := w.addTree(cfg.Dir); err != nil {
		fsw.Close()
		return nil, &maestroerrors.ConfigError{Key: "registry.workflows_dir", Reason: "cannot watch workflows directory", Cause: err}
	}
	return w, nil
}

// addTree watches dir and every subdirectory under it.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *watcher) start(ctx context.Context) {
	go w.run(ctx)
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			recordReloadError("watch")
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	op := opName(ev.Op)
	if op == "" {
		return
	}

	// New directories need their own watch before files inside them
	// produce events.
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("cannot watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}

	rel, err := filepath.Rel(w.cfg.Dir, ev.Name)
	if err != nil || !matchesAny(w.cfg.Patterns, rel) {
		return
	}

	recordWatchEvent(op)
	w.deb.add(ev.Name)
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.fsw.Close()
		<-w.done
		w.deb.stop()
	})
}

// opName maps fsnotify ops onto stable event labels. Chmod-only
// events return "" and are ignored.
func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	}
	return ""
}

// matchesAny reports whether a slash-normalized relative path matches
// any of the doublestar patterns.
func matchesAny(patterns []string, rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// debouncer coalesces rapid events per file path: a save that emits
// several writes flushes once, after the window passes with no new
// events. Flushes run on timer goroutines, outside the lock.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	onFlush func(path string)
	timers  map[string]*time.Timer
	stopped bool
}

func newDebouncer(window time.Duration, onFlush func(path string)) *debouncer {
	return &debouncer{
		window:  window,
		onFlush: onFlush,
		timers:  make(map[string]*time.Timer),
	}
}

// add schedules a flush for path, resetting any pending one.
func (d *debouncer) add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.timers[path] = time.AfterFunc(d.window, func() {
		d.flush(path)
	})
}

func (d *debouncer) flush(path string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if _, ok := d.timers[path]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.timers, path)
	d.mu.Unlock()

	d.onFlush(path)
}

// stop cancels pending flushes. Changes missed here are picked up by
// the next directory scan.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	for path, t := range d.timers {
		t.Stop()
		delete(d.timers, path)
	}
}

// pending returns the number of paths awaiting a flush.
func (d *debouncer) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
