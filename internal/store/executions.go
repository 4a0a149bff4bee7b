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
	"errors"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// SaveExecution upserts an execution record. Saving the same execution
// twice replaces the previous record, so retries are idempotent.
func (s *Store) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	if exec.ID == "" {
		return &maestroerrors.ValidationError{Field: "id", Message: "execution id is required"}
	}

	blob, checksum, err := encodeRecord(exec)
	if err != nil {
		return &maestroerrors.StoreError{Op: "save_execution", Cause: err}
	}

	var startedAt, completedAt sql.NullInt64
	if !exec.StartedAt.IsZero() {
		startedAt = sql.NullInt64{Int64: exec.StartedAt.UnixNano(), Valid: true}
	}
	if !exec.CompletedAt.IsZero() {
		completedAt = sql.NullInt64{Int64: exec.CompletedAt.UnixNano(), Valid: true}
	}

	return s.withTx(ctx, "save_execution", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO workflow_executions (id, workflow_id, workflow_version, status, record, checksum, error, created_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				record = excluded.record,
				checksum = excluded.checksum,
				error = excluded.error,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at
		`, exec.ID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status), blob, checksum,
			exec.Error, exec.CreatedAt.UnixNano(), startedAt, completedAt); err != nil {
			return &maestroerrors.StoreError{Op: "save_execution", Cause: err}
		}
		return bumpCounter(tx, "execution_saves")
	})
}

// LoadExecution loads an execution record by id, verifying its
// checksum.
func (s *Store) LoadExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	db, release := s.reader()
	defer release()

	var blob []byte
	err := db.QueryRowContext(ctx, `
		SELECT record FROM workflow_executions WHERE id = ?
	`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestroerrors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, &maestroerrors.StoreError{Op: "load_execution", Cause: err}
	}

	var exec workflow.Execution
	if err := decodeRecord(blob, "execution", id, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// QueryExecutions returns execution records matching the filter,
// ordered by start time descending (unstarted executions last).
func (s *Store) QueryExecutions(ctx context.Context, filter workflow.ExecutionFilter) ([]*workflow.Execution, error) {
	db, release := s.reader()
	defer release()

	query := `SELECT id, record FROM workflow_executions WHERE 1=1`
	args := []any{}

	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.StartedAfter.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, filter.StartedAfter.UnixNano())
	}
	if !filter.StartedBefore.IsZero() {
		query += " AND started_at <= ?"
		args = append(args, filter.StartedBefore.UnixNano())
	}

	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &maestroerrors.StoreError{Op: "query_executions", Cause: err}
	}
	defer rows.Close()

	var execs []*workflow.Execution
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, &maestroerrors.StoreError{Op: "query_executions", Cause: err}
		}
		var exec workflow.Execution
		if err := decodeRecord(blob, "execution", id, &exec); err != nil {
			return nil, err
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}
