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

// Package registry keeps the live set of workflow definitions. It
// loads definition files from a workflows directory, persists every
// registered version to the store, and optionally hot-reloads files
// as they change on disk.
//
// The in-memory set holds what is currently on disk or registered via
// the API; the store keeps every version ever registered so that
// recovered executions can always resolve the definition they were
// started from. Lookups consult memory first and fall back to the
// store.
package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"

	"github.com/tombee/maestro/internal/store"
	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// Config controls directory scanning and hot reload.
type Config struct {
	// Dir is the workflows directory scanned by LoadDir and watched
	// by Watch. Default ./workflows.
	Dir string

	// Patterns are doublestar globs matched against paths relative to
	// Dir. Default ["**/*.yaml", "**/*.yml"].
	Patterns []string

	// DebounceWindow coalesces filesystem event bursts per file, so a
	// save that produces several writes reloads once. Default 500ms.
	DebounceWindow time.Duration

	// ReloadsPerMinute caps how many debounced file reloads the
	// watcher performs. Reloads beyond the cap are dropped and
	// counted; a directory re-scan picks the files up later.
	// Default 240.
	ReloadsPerMinute float64
}

func (c *Config) applyDefaults() {
	if c.Dir == "" {
		c.Dir = "./workflows"
	}
	if len(c.Patterns) == 0 {
		c.Patterns = []string{"**/*.yaml", "**/*.yml"}
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if c.ReloadsPerMinute <= 0 {
		c.ReloadsPerMinute = 240
	}
}

// reloadBurst is the rate limiter burst: a multi-file save may flush
// several debounced reloads at once.
const reloadBurst = 4

// Registry is the definition registry. All methods are safe for
// concurrent use.
type Registry struct {
	cfg    Config
	store  *store.Store
	logger *slog.Logger

	mu     sync.RWMutex
	defs   map[string]*workflow.Definition // Definition.Key() -> definition
	latest map[string]string               // definition ID -> most recently registered key
	byPath map[string]string               // absolute file path -> key loaded from it

	watchMu sync.Mutex
	watcher *watcher
	limiter *rate.Limiter
	closed  bool
}

// New creates a registry backed by the given store.
func New(cfg Config, st *store.Store, logger *slog.Logger) (*Registry, error) {
	if st == nil {
		return nil, &maestroerrors.ConfigError{Key: "registry.store", Reason: "a store is required"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Registry{
		cfg:     cfg,
		store:   st,
		logger:  logger.With("component", "registry"),
		defs:    make(map[string]*workflow.Definition),
		latest:  make(map[string]string),
		byPath:  make(map[string]string),
		limiter: rate.NewLimiter(rate.Limit(cfg.ReloadsPerMinute/60.0), reloadBurst),
	}, nil
}

// Register validates, persists, and publishes a definition. An
// existing (id, version) is replaced.
func (r *Registry) Register(ctx context.Context, def *workflow.Definition) error {
	if def == nil {
		return &maestroerrors.ValidationError{Field: "definition", Message: "definition is required"}
	}
	return r.register(ctx, def, "", "api")
}

func (r *Registry) register(ctx context.Context, def *workflow.Definition, path, source string) error {
	if err := r.store.SaveWorkflowDefinition(ctx, def); err != nil {
		return err
	}

	key := def.Key()
	r.mu.Lock()
	if path != "" {
		if prev, ok := r.byPath[path]; ok && prev != key {
			// The file now holds a different (id, version); the old
			// one leaves the live set but stays in the store.
			if prevDef, ok := r.defs[prev]; ok && r.latest[prevDef.ID] == prev {
				delete(r.latest, prevDef.ID)
			}
			delete(r.defs, prev)
		}
		r.byPath[path] = key
	}
	r.defs[key] = def
	r.latest[def.ID] = key
	live := len(r.defs)
	r.mu.Unlock()

	recordLoad(source)
	setDefinitions(live)
	r.logger.Debug("definition registered",
		"id", def.ID, "version", def.Version, "source", source)
	return nil
}

// Get returns a definition by id and version. An empty version
// selects the most recently registered version of the id. Definitions
// absent from the live set are looked up in the store, so versions
// whose files have been removed still resolve.
func (r *Registry) Get(ctx context.Context, id, version string) (*workflow.Definition, error) {
	r.mu.RLock()
	key := id + "@" + version
	if version == "" {
		key = r.latest[id]
	}
	def, ok := r.defs[key]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}
	return r.store.LoadWorkflowDefinition(ctx, id, version)
}

// List returns the live definitions ordered by id then version.
func (r *Registry) List() []*workflow.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*workflow.Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Key() < defs[j].Key()
	})
	return defs
}

// Remove deletes a definition version from the live set and the
// store. An empty version removes every version of the id.
func (r *Registry) Remove(ctx context.Context, id, version string) error {
	if _, err := r.store.LoadWorkflowDefinition(ctx, id, version); err != nil {
		return err
	}
	if err := r.store.DeleteWorkflowDefinition(ctx, id, version); err != nil {
		return err
	}

	r.mu.Lock()
	for key, def := range r.defs {
		if def.ID != id {
			continue
		}
		if version != "" && def.Version != version {
			continue
		}
		delete(r.defs, key)
		if r.latest[id] == key {
			delete(r.latest, id)
		}
		for path, pk := range r.byPath {
			if pk == key {
				delete(r.byPath, path)
			}
		}
	}
	live := len(r.defs)
	r.mu.Unlock()

	setDefinitions(live)
	r.logger.Info("definition removed", "id", id, "version", version)
	return nil
}

// LoadDir scans the workflows directory and registers every
// definition file matching the configured patterns. Files that fail
// to parse are logged and skipped. A missing directory is not an
// error; it loads nothing.
func (r *Registry) LoadDir(ctx context.Context) (int, error) {
	if _, err := os.Stat(r.cfg.Dir); err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("workflows directory absent, nothing to load", "dir", r.cfg.Dir)
			return 0, nil
		}
		return 0, &maestroerrors.ConfigError{Key: "registry.workflows_dir", Reason: "directory is not accessible", Cause: err}
	}

	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range r.cfg.Patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(r.cfg.Dir, pattern))
		if err != nil {
			return 0, &maestroerrors.ConfigError{Key: "registry.patterns", Reason: "invalid glob pattern " + pattern, Cause: err}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	loaded := 0
	for _, path := range paths {
		if err := r.loadFile(ctx, path, "scan"); err != nil {
			r.logger.Warn("skipping definition file", "path", path, "error", err)
			continue
		}
		loaded++
	}
	r.logger.Info("workflow definitions loaded", "dir", r.cfg.Dir, "count", loaded)
	return loaded, nil
}

// loadFile parses one definition file and registers it, remembering
// which path it came from so later file events map back to it.
func (r *Registry) loadFile(ctx context.Context, path, source string) error {
	def, err := workflow.LoadDefinition(path)
	if err != nil {
		recordReloadError("parse")
		return err
	}
	if err := r.register(ctx, def, path, source); err != nil {
		recordReloadError("store")
		return err
	}
	return nil
}

// removeByPath drops the definition loaded from a deleted file. The
// stored copy is kept for executions that reference it.
func (r *Registry) removeByPath(path string) {
	r.mu.Lock()
	key, ok := r.byPath[path]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byPath, path)
	if def, ok := r.defs[key]; ok {
		if r.latest[def.ID] == key {
			delete(r.latest, def.ID)
		}
		delete(r.defs, key)
	}
	live := len(r.defs)
	r.mu.Unlock()

	setDefinitions(live)
	r.logger.Info("definition file removed", "path", path, "key", key)
}

// Watch starts hot reload of the workflows directory. File events are
// debounced per path; each flush re-parses the file, or unregisters
// it if it was deleted. Watch may be called once; the watcher runs
// until Close or until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.closed {
		return &maestroerrors.CancelledError{Resource: "registry", ID: r.cfg.Dir}
	}
	if r.watcher != nil {
		return &maestroerrors.ValidationError{Field: "watch", Message: "registry watcher already running"}
	}

	w, err := newWatcher(r.cfg, r.logger, r.reload)
	if err != nil {
		return err
	}
	r.watcher = w
	w.start(ctx)
	r.logger.Info("watching workflows directory", "dir", r.cfg.Dir, "debounce", r.cfg.DebounceWindow)
	return nil
}

// reload is the debounced flush target for one file path.
func (r *Registry) reload(path string) {
	if !r.limiter.Allow() {
		recordRateLimited()
		r.logger.Warn("definition reload rate limited", "path", path)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			r.removeByPath(path)
			return
		}
		recordReloadError("stat")
		r.logger.Warn("cannot stat changed definition file", "path", path, "error", err)
		return
	}

	if err := r.loadFile(ctx, path, "watch"); err != nil {
		r.logger.Warn("definition reload failed", "path", path, "error", err)
		return
	}
	r.logger.Info("definition reloaded", "path", path)
}

// Close stops the watcher, if one is running. It is idempotent.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.watcher != nil {
		r.watcher.stop()
		r.watcher = nil
	}
	return nil
}
