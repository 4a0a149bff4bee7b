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

// Package store persists workflow state, checkpoints, executions, and
// definitions in a local sqlite database. All mutations flow through a
// single serial transaction queue so concurrent callers never interleave
// partial writes; reads run concurrently against the same handle.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// Config controls the store's file locations and retention behavior.
type Config struct {
	// Path is the sqlite database file, or ":memory:" for tests.
	Path string

	// BackupDir receives timestamped backup copies.
	BackupDir string

	// BackupInterval is how often RunMaintenance creates a backup.
	// Zero disables periodic backups.
	BackupInterval time.Duration

	// MaxBackups bounds how many backup files are kept.
	MaxBackups int

	// MaxCheckpointVersions bounds checkpoints retained per execution.
	MaxCheckpointVersions int

	// RetentionDays is the default age cutoff for Cleanup.
	RetentionDays int

	// CleanupInterval is how often RunMaintenance runs Cleanup.
	// Zero disables periodic cleanup.
	CleanupInterval time.Duration

	// CacheSize bounds the in-memory latest-state cache.
	CacheSize int
}

type txRequest struct {
	op   string
	fn   func(*sql.Tx) error
	raw  func(*sql.DB) error
	done chan error
}

// Store is a sqlite-backed persistence layer. Safe for concurrent use.
type Store struct {
	cfg    Config
	logger *slog.Logger

	// mu guards the db handle so RestoreFromBackup can swap it out
	// underneath in-flight readers and the transaction worker.
	mu sync.RWMutex
	db *sql.DB

	txq    chan txRequest
	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	cache       *stateCache
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workflow_states (
		workflow_id  TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		version      INTEGER NOT NULL,
		state        BLOB NOT NULL,
		checksum     TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL,
		created_at   INTEGER NOT NULL,
		PRIMARY KEY (workflow_id, execution_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_states_created_at ON workflow_states(created_at)`,
	`CREATE TABLE IF NOT EXISTS latest_states (
		workflow_id  TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		version      INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (workflow_id, execution_id)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
		id           TEXT PRIMARY KEY,
		workflow_id  TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		version      INTEGER NOT NULL,
		step_index   INTEGER NOT NULL,
		reason       TEXT NOT NULL,
		state        BLOB NOT NULL,
		checksum     TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL,
		created_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON workflow_checkpoints(workflow_id, execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON workflow_checkpoints(created_at)`,
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		id               TEXT PRIMARY KEY,
		workflow_id      TEXT NOT NULL,
		workflow_version TEXT NOT NULL,
		status           TEXT NOT NULL,
		record           BLOB NOT NULL,
		checksum         TEXT NOT NULL,
		error            TEXT,
		created_at       INTEGER NOT NULL,
		started_at       INTEGER,
		completed_at     INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON workflow_executions(started_at)`,
	`CREATE TABLE IF NOT EXISTS workflow_definitions (
		id         TEXT NOT NULL,
		version    TEXT NOT NULL,
		name       TEXT NOT NULL,
		definition BLOB NOT NULL,
		checksum   TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS persistence_metrics (
		key        TEXT PRIMARY KEY,
		value      INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// Open opens (creating if necessary) the database at cfg.Path, runs
// migrations, and starts the transaction worker.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, &maestroerrors.ConfigError{Key: "store.path", Reason: "must not be empty"}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, &maestroerrors.StoreError{Op: "open", Cause: err}
		}
	}

	db, err := openDatabase(cfg.Path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    cfg,
		logger: logger.With("component", "store"),
		db:     db,
		txq:    make(chan txRequest, 64),
		stop:   make(chan struct{}),
		cache:  newStateCache(cfg.CacheSize),
	}

	s.wg.Add(1)
	go s.runWriter()

	s.logger.Info("store opened", "path", cfg.Path)
	return s, nil
}

func openDatabase(path string) (*sql.DB, error) {
	connStr := path
	if path != ":memory:" {
		connStr = path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, &maestroerrors.StoreError{Op: "open", Cause: err}
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &maestroerrors.StoreError{Op: "open", Cause: err}
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, &maestroerrors.StoreError{Op: "open", Cause: err}
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, &maestroerrors.StoreError{Op: "migrate", Cause: err}
		}
	}

	return db, nil
}

// Close stops the transaction worker after flushing queued writes and
// closes the database. Subsequent operations fail with a store error.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return &maestroerrors.StoreError{Op: "close", Cause: err}
	}
	s.logger.Info("store closed")
	return nil
}

// runWriter is the single goroutine that executes write transactions.
// On shutdown it drains the queue so no caller is left waiting.
func (s *Store) runWriter() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.txq:
			req.done <- s.execRequest(req)
		case <-s.stop:
			for {
				select {
				case req := <-s.txq:
					req.done <- s.execRequest(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) execRequest(req txRequest) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if req.raw != nil {
		return req.raw(s.db)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &maestroerrors.StoreError{Op: req.op, Cause: err}
	}
	if err := req.fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &maestroerrors.StoreError{Op: req.op, Cause: err}
	}
	return nil
}

// withTx queues fn for the transaction worker and waits for the result.
func (s *Store) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	return s.enqueue(ctx, txRequest{op: op, fn: fn})
}

// withDB queues fn to run serialized with transactions but outside one,
// for statements sqlite refuses inside a transaction (VACUUM, PRAGMA).
func (s *Store) withDB(ctx context.Context, op string, fn func(*sql.DB) error) error {
	return s.enqueue(ctx, txRequest{op: op, raw: fn})
}

func (s *Store) enqueue(ctx context.Context, req txRequest) error {
	if s.closed.Load() {
		return &maestroerrors.StoreError{Op: req.op, Cause: fmt.Errorf("store is closed")}
	}
	req.done = make(chan error, 1)

	select {
	case s.txq <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reader returns the database handle under the read lock. Callers must
// invoke the returned release func when done with the handle.
func (s *Store) reader() (*sql.DB, func()) {
	s.mu.RLock()
	return s.db, s.mu.RUnlock
}

// bumpCounter increments a named counter in persistence_metrics inside
// the caller's transaction.
func bumpCounter(tx *sql.Tx, key string) error {
	_, err := tx.Exec(`
		INSERT INTO persistence_metrics (key, value, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = value + 1,
			updated_at = excluded.updated_at
	`, key, time.Now().UnixNano())
	return err
}
