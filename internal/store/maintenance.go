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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// backupTimestamp formats timestamps for backup file names. Colons are
// not portable in file names, so the time portion uses dashes. Includes
// milliseconds so rapid successive backups never collide.
const backupTimestamp = "2006-01-02T15-04-05.000Z"

// CleanupOptions selects which record categories Cleanup removes. When
// no category is enabled, all of them are. RetentionDays zero falls
// back to the configured retention.
type CleanupOptions struct {
	RetentionDays int
	Executions    bool
	Checkpoints   bool
	States        bool
}

// CleanupResult reports how many rows each category lost.
type CleanupResult struct {
	ExecutionsDeleted  int64 `json:"executionsDeleted"`
	CheckpointsDeleted int64 `json:"checkpointsDeleted"`
	StatesDeleted      int64 `json:"statesDeleted"`
}

// Metrics is a point-in-time snapshot of store health.
type Metrics struct {
	Definitions  int64            `json:"definitions"`
	Executions   int64            `json:"executions"`
	Checkpoints  int64            `json:"checkpoints"`
	States       int64            `json:"states"`
	SizeBytes    int64            `json:"sizeBytes"`
	CacheHits    int64            `json:"cacheHits"`
	CacheMisses  int64            `json:"cacheMisses"`
	CacheHitRate float64          `json:"cacheHitRate"`
	Counters     map[string]int64 `json:"counters"`
}

// CreateBackup writes a consistent copy of the database into the
// backup directory, named after the store file with an ISO timestamp
// suffix, and prunes backups beyond MaxBackups. Returns the backup
// file path.
func (s *Store) CreateBackup(ctx context.Context) (string, error) {
	if s.cfg.BackupDir == "" {
		return "", &maestroerrors.ConfigError{Key: "store.backup_dir", Reason: "must be set to create backups"}
	}
	if err := os.MkdirAll(s.cfg.BackupDir, 0o755); err != nil {
		return "", &maestroerrors.StoreError{Op: "backup", Cause: err}
	}

	base := filepath.Base(s.cfg.Path)
	if s.cfg.Path == ":memory:" {
		base = "maestro.db"
	}
	dest := filepath.Join(s.cfg.BackupDir, fmt.Sprintf("%s.%s", base, time.Now().UTC().Format(backupTimestamp)))

	err := s.withDB(ctx, "backup", func(db *sql.DB) error {
		if s.cfg.Path == ":memory:" {
			if _, err := db.Exec(`VACUUM INTO ?`, dest); err != nil {
				return &maestroerrors.StoreError{Op: "backup", Cause: err}
			}
			return nil
		}
		// Fold the WAL into the main file so the copy is complete.
		if _, err := db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			return &maestroerrors.StoreError{Op: "backup", Cause: err}
		}
		if err := copyFile(s.cfg.Path, dest); err != nil {
			return &maestroerrors.StoreError{Op: "backup", Cause: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if err := s.withTx(ctx, "backup", func(tx *sql.Tx) error {
		return bumpCounter(tx, "backups")
	}); err != nil {
		return "", err
	}

	if err := s.pruneBackups(base); err != nil {
		s.logger.Warn("backup pruning failed", "error", err)
	}

	s.logger.Info("backup created", "path", dest)
	return dest, nil
}

func (s *Store) pruneBackups(base string) error {
	if s.cfg.MaxBackups <= 0 {
		return nil
	}

	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		return err
	}

	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), base+".") {
			backups = append(backups, entry.Name())
		}
	}
	// Timestamp suffixes sort lexicographically, newest last.
	sort.Strings(backups)

	for len(backups) > s.cfg.MaxBackups {
		oldest := backups[0]
		backups = backups[1:]
		if err := os.Remove(filepath.Join(s.cfg.BackupDir, oldest)); err != nil {
			return err
		}
		s.logger.Debug("pruned backup", "name", oldest)
	}
	return nil
}

// RestoreFromBackup replaces the live database with the named backup
// file. The store pauses all traffic for the swap; in-flight reads
// finish against the old handle first.
func (s *Store) RestoreFromBackup(ctx context.Context, backupPath string) error {
	if s.closed.Load() {
		return &maestroerrors.StoreError{Op: "restore", Cause: fmt.Errorf("store is closed")}
	}
	if s.cfg.Path == ":memory:" {
		return &maestroerrors.StoreError{Op: "restore", Cause: fmt.Errorf("in-memory store cannot be restored from a file")}
	}

	if _, err := os.Stat(backupPath); err != nil {
		if os.IsNotExist(err) {
			return &maestroerrors.NotFoundError{Resource: "backup", ID: backupPath}
		}
		return &maestroerrors.StoreError{Op: "restore", Cause: err}
	}

	// Open the backup read-only first so a corrupt file is rejected
	// before the live database is touched.
	check, err := sql.Open("sqlite", backupPath)
	if err != nil {
		return &maestroerrors.StoreError{Op: "restore", Cause: err}
	}
	if err := check.PingContext(ctx); err != nil {
		check.Close()
		return &maestroerrors.CorruptedRecordError{Kind: "backup", ID: backupPath, Reason: err.Error()}
	}
	var n int
	if err := check.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master`).Scan(&n); err != nil {
		check.Close()
		return &maestroerrors.CorruptedRecordError{Kind: "backup", ID: backupPath, Reason: err.Error()}
	}
	check.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return &maestroerrors.StoreError{Op: "restore", Cause: err}
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(s.cfg.Path + suffix)
	}
	if err := copyFile(backupPath, s.cfg.Path); err != nil {
		return &maestroerrors.StoreError{Op: "restore", Cause: err}
	}

	db, err := openDatabase(s.cfg.Path)
	if err != nil {
		return err
	}
	s.db = db
	s.cache.purge()

	s.logger.Info("store restored from backup", "backup", backupPath)
	return nil
}

// Cleanup deletes aged records from the enabled categories and then
// compacts the database. The newest state snapshot and checkpoint of
// every execution survive regardless of age.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	days := opts.RetentionDays
	if days <= 0 {
		days = s.cfg.RetentionDays
	}
	if !opts.Executions && !opts.Checkpoints && !opts.States {
		opts.Executions = true
		opts.Checkpoints = true
		opts.States = true
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixNano()

	var result CleanupResult
	err := s.withTx(ctx, "cleanup", func(tx *sql.Tx) error {
		if opts.Executions {
			res, err := tx.Exec(`
				DELETE FROM workflow_executions
				WHERE completed_at IS NOT NULL AND completed_at < ?
			`, cutoff)
			if err != nil {
				return &maestroerrors.StoreError{Op: "cleanup", Cause: err}
			}
			result.ExecutionsDeleted, _ = res.RowsAffected()
		}

		if opts.Checkpoints {
			res, err := tx.Exec(`
				DELETE FROM workflow_checkpoints
				WHERE created_at < ?
				AND version < (
					SELECT MAX(version) FROM workflow_checkpoints inner_cp
					WHERE inner_cp.workflow_id = workflow_checkpoints.workflow_id
					AND inner_cp.execution_id = workflow_checkpoints.execution_id
				)
			`, cutoff)
			if err != nil {
				return &maestroerrors.StoreError{Op: "cleanup", Cause: err}
			}
			result.CheckpointsDeleted, _ = res.RowsAffected()
		}

		if opts.States {
			res, err := tx.Exec(`
				DELETE FROM workflow_states
				WHERE created_at < ?
				AND NOT EXISTS (
					SELECT 1 FROM latest_states ls
					WHERE ls.workflow_id = workflow_states.workflow_id
					AND ls.execution_id = workflow_states.execution_id
					AND ls.version = workflow_states.version
				)
			`, cutoff)
			if err != nil {
				return &maestroerrors.StoreError{Op: "cleanup", Cause: err}
			}
			result.StatesDeleted, _ = res.RowsAffected()
		}

		return bumpCounter(tx, "cleanups")
	})
	if err != nil {
		return CleanupResult{}, err
	}

	if err := s.withDB(ctx, "cleanup", func(db *sql.DB) error {
		if _, err := db.Exec(`VACUUM`); err != nil {
			return &maestroerrors.StoreError{Op: "cleanup", Cause: err}
		}
		return nil
	}); err != nil {
		return CleanupResult{}, err
	}

	s.logger.Info("cleanup finished",
		"executions", result.ExecutionsDeleted,
		"checkpoints", result.CheckpointsDeleted,
		"states", result.StatesDeleted)
	return result, nil
}

// Metrics reports record counts, store size, operation counters, and
// the latest-state cache hit rate.
func (s *Store) Metrics(ctx context.Context) (*Metrics, error) {
	db, release := s.reader()
	defer release()

	m := &Metrics{Counters: make(map[string]int64)}

	counts := []struct {
		table string
		dest  *int64
	}{
		{"workflow_definitions", &m.Definitions},
		{"workflow_executions", &m.Executions},
		{"workflow_checkpoints", &m.Checkpoints},
		{"workflow_states", &m.States},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dest); err != nil {
			return nil, &maestroerrors.StoreError{Op: "metrics", Cause: err}
		}
	}

	var pageCount, pageSize int64
	if err := db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return nil, &maestroerrors.StoreError{Op: "metrics", Cause: err}
	}
	if err := db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, &maestroerrors.StoreError{Op: "metrics", Cause: err}
	}
	m.SizeBytes = pageCount * pageSize

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM persistence_metrics`)
	if err != nil {
		return nil, &maestroerrors.StoreError{Op: "metrics", Cause: err}
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			value int64
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, &maestroerrors.StoreError{Op: "metrics", Cause: err}
		}
		m.Counters[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, &maestroerrors.StoreError{Op: "metrics", Cause: err}
	}

	m.CacheHits = s.cacheHits.Load()
	m.CacheMisses = s.cacheMisses.Load()
	if total := m.CacheHits + m.CacheMisses; total > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(total)
	}

	return m, nil
}

// RunMaintenance runs the periodic backup and cleanup loops until the
// context is cancelled or the store closes.
func (s *Store) RunMaintenance(ctx context.Context) {
	var backupC, cleanupC <-chan time.Time

	if s.cfg.BackupInterval > 0 {
		backupTicker := time.NewTicker(s.cfg.BackupInterval)
		defer backupTicker.Stop()
		backupC = backupTicker.C
	}
	if s.cfg.CleanupInterval > 0 {
		cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
		defer cleanupTicker.Stop()
		cleanupC = cleanupTicker.C
	}

	for {
		select {
		case <-backupC:
			if _, err := s.CreateBackup(ctx); err != nil {
				s.logger.Error("scheduled backup failed", "error", err)
			}
		case <-cleanupC:
			if _, err := s.Cleanup(ctx, CleanupOptions{}); err != nil {
				s.logger.Error("scheduled cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
