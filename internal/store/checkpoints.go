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
	"time"

	"github.com/google/uuid"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// SaveCheckpoint persists a recovery snapshot for an execution. The
// checkpoint is assigned the next version for its execution, and older
// checkpoints beyond MaxCheckpointVersions are pruned in the same
// transaction. Returns the checkpoint id.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *workflow.Checkpoint, state *workflow.CheckpointState) (string, error) {
	if cp.WorkflowID == "" || cp.ExecutionID == "" {
		return "", &maestroerrors.ValidationError{Field: "workflowId", Message: "workflow and execution ids are required"}
	}
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	blob, checksum, err := encodeRecord(state)
	if err != nil {
		return "", &maestroerrors.StoreError{Op: "save_checkpoint", Cause: err}
	}
	cp.Checksum = checksum
	cp.SizeBytes = int64(len(blob))

	err = s.withTx(ctx, "save_checkpoint", func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT COALESCE(MAX(version), 0)
			FROM workflow_checkpoints
			WHERE workflow_id = ? AND execution_id = ?
		`, cp.WorkflowID, cp.ExecutionID)
		var current int
		if err := row.Scan(&current); err != nil {
			return &maestroerrors.StoreError{Op: "save_checkpoint", Cause: err}
		}
		cp.Version = current + 1

		if _, err := tx.Exec(`
			INSERT INTO workflow_checkpoints (id, workflow_id, execution_id, version, step_index, reason, state, checksum, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, cp.ID, cp.WorkflowID, cp.ExecutionID, cp.Version, cp.StepIndex, string(cp.Reason), blob, checksum, len(blob), cp.CreatedAt.UnixNano()); err != nil {
			return &maestroerrors.StoreError{Op: "save_checkpoint", Cause: err}
		}

		if s.cfg.MaxCheckpointVersions > 0 {
			if _, err := tx.Exec(`
				DELETE FROM workflow_checkpoints
				WHERE workflow_id = ? AND execution_id = ?
				AND version <= ?
			`, cp.WorkflowID, cp.ExecutionID, cp.Version-s.cfg.MaxCheckpointVersions); err != nil {
				return &maestroerrors.StoreError{Op: "save_checkpoint", Cause: err}
			}
		}

		return bumpCounter(tx, "checkpoint_saves")
	})
	if err != nil {
		return "", err
	}
	return cp.ID, nil
}

// LoadCheckpoint loads a checkpoint for an execution, verifying its
// checksum. An empty checkpointID selects the newest checkpoint.
func (s *Store) LoadCheckpoint(ctx context.Context, workflowID, executionID, checkpointID string) (*workflow.Checkpoint, *workflow.CheckpointState, error) {
	db, release := s.reader()
	defer release()

	query := `
		SELECT id, workflow_id, execution_id, version, step_index, reason, state, checksum, size_bytes, created_at
		FROM workflow_checkpoints
		WHERE workflow_id = ? AND execution_id = ?
	`
	args := []any{workflowID, executionID}
	if checkpointID != "" {
		query += " AND id = ?"
		args = append(args, checkpointID)
	} else {
		query += " ORDER BY version DESC LIMIT 1"
	}

	cp, blob, err := scanCheckpoint(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		id := checkpointID
		if id == "" {
			id = workflowID + "/" + executionID
		}
		return nil, nil, &maestroerrors.NotFoundError{Resource: "checkpoint", ID: id}
	}
	if err != nil {
		return nil, nil, &maestroerrors.StoreError{Op: "load_checkpoint", Cause: err}
	}

	var state workflow.CheckpointState
	if err := decodeRecord(blob, "checkpoint", cp.ID, &state); err != nil {
		return nil, nil, err
	}
	return cp, &state, nil
}

// ListCheckpoints returns checkpoint metadata for an execution, newest
// first. State payloads are not loaded or verified.
func (s *Store) ListCheckpoints(ctx context.Context, workflowID, executionID string) ([]*workflow.Checkpoint, error) {
	db, release := s.reader()
	defer release()

	rows, err := db.QueryContext(ctx, `
		SELECT id, workflow_id, execution_id, version, step_index, reason, state, checksum, size_bytes, created_at
		FROM workflow_checkpoints
		WHERE workflow_id = ? AND execution_id = ?
		ORDER BY version DESC
	`, workflowID, executionID)
	if err != nil {
		return nil, &maestroerrors.StoreError{Op: "list_checkpoints", Cause: err}
	}
	defer rows.Close()

	var checkpoints []*workflow.Checkpoint
	for rows.Next() {
		cp, _, err := scanCheckpoint(rows)
		if err != nil {
			return nil, &maestroerrors.StoreError{Op: "list_checkpoints", Cause: err}
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// DeleteCheckpoints removes all checkpoints for an execution.
func (s *Store) DeleteCheckpoints(ctx context.Context, workflowID, executionID string) error {
	return s.withTx(ctx, "delete_checkpoints", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			DELETE FROM workflow_checkpoints
			WHERE workflow_id = ? AND execution_id = ?
		`, workflowID, executionID); err != nil {
			return &maestroerrors.StoreError{Op: "delete_checkpoints", Cause: err}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*workflow.Checkpoint, []byte, error) {
	var (
		cp        workflow.Checkpoint
		reason    string
		blob      []byte
		createdAt int64
	)
	err := row.Scan(&cp.ID, &cp.WorkflowID, &cp.ExecutionID, &cp.Version, &cp.StepIndex, &reason, &blob, &cp.Checksum, &cp.SizeBytes, &createdAt)
	if err != nil {
		return nil, nil, err
	}
	cp.Reason = workflow.CheckpointReason(reason)
	cp.CreatedAt = time.Unix(0, createdAt)
	return &cp, blob, nil
}
