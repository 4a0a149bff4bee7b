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
	"fmt"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// SaveWorkflowState appends a new versioned state snapshot for the
// execution and moves the latest pointer to it. Returns the assigned
// version, which starts at 1 and increases by one per save.
func (s *Store) SaveWorkflowState(ctx context.Context, workflowID, executionID string, state any) (int, error) {
	if workflowID == "" || executionID == "" {
		return 0, &maestroerrors.ValidationError{Field: "workflowId", Message: "workflow and execution ids are required"}
	}

	blob, checksum, err := encodeRecord(state)
	if err != nil {
		return 0, &maestroerrors.StoreError{Op: "save_state", Cause: err}
	}

	var version int
	err = s.withTx(ctx, "save_state", func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT COALESCE(MAX(version), 0)
			FROM workflow_states
			WHERE workflow_id = ? AND execution_id = ?
		`, workflowID, executionID)
		var current int
		if err := row.Scan(&current); err != nil {
			return &maestroerrors.StoreError{Op: "save_state", Cause: err}
		}
		version = current + 1

		now := time.Now().UnixNano()
		if _, err := tx.Exec(`
			INSERT INTO workflow_states (workflow_id, execution_id, version, state, checksum, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, workflowID, executionID, version, blob, checksum, len(blob), now); err != nil {
			return &maestroerrors.StoreError{Op: "save_state", Cause: err}
		}

		if _, err := tx.Exec(`
			INSERT INTO latest_states (workflow_id, execution_id, version, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(workflow_id, execution_id) DO UPDATE SET
				version = excluded.version,
				updated_at = excluded.updated_at
		`, workflowID, executionID, version, now); err != nil {
			return &maestroerrors.StoreError{Op: "save_state", Cause: err}
		}

		return bumpCounter(tx, "state_saves")
	})
	if err != nil {
		return 0, err
	}

	s.cache.put(stateKey(workflowID, executionID), version, blob)
	return version, nil
}

// LoadWorkflowState loads a state snapshot into out. Version 0 (or
// negative) means the latest snapshot; the latest path is served from
// the in-memory cache when possible.
func (s *Store) LoadWorkflowState(ctx context.Context, workflowID, executionID string, version int, out any) error {
	id := fmt.Sprintf("%s/%s", workflowID, executionID)

	if version <= 0 {
		key := stateKey(workflowID, executionID)
		if _, blob, ok := s.cache.get(key); ok {
			s.cacheHits.Add(1)
			return decodeRecord(blob, "workflow_state", id, out)
		}
		s.cacheMisses.Add(1)

		version = 0
	}

	db, release := s.reader()
	defer release()

	var (
		blob   []byte
		loaded int
	)
	var err error
	if version > 0 {
		err = db.QueryRowContext(ctx, `
			SELECT state, version
			FROM workflow_states
			WHERE workflow_id = ? AND execution_id = ? AND version = ?
		`, workflowID, executionID, version).Scan(&blob, &loaded)
	} else {
		err = db.QueryRowContext(ctx, `
			SELECT ws.state, ws.version
			FROM workflow_states ws
			JOIN latest_states ls
				ON ls.workflow_id = ws.workflow_id
				AND ls.execution_id = ws.execution_id
				AND ls.version = ws.version
			WHERE ws.workflow_id = ? AND ws.execution_id = ?
		`, workflowID, executionID).Scan(&blob, &loaded)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &maestroerrors.NotFoundError{Resource: "workflow state", ID: id}
	}
	if err != nil {
		return &maestroerrors.StoreError{Op: "load_state", Cause: err}
	}

	if err := decodeRecord(blob, "workflow_state", id, out); err != nil {
		return err
	}

	if version <= 0 {
		s.cache.put(stateKey(workflowID, executionID), loaded, blob)
	}
	return nil
}

// StateVersions returns the stored snapshot versions for an execution
// in ascending order.
func (s *Store) StateVersions(ctx context.Context, workflowID, executionID string) ([]int, error) {
	db, release := s.reader()
	defer release()

	rows, err := db.QueryContext(ctx, `
		SELECT version
		FROM workflow_states
		WHERE workflow_id = ? AND execution_id = ?
		ORDER BY version ASC
	`, workflowID, executionID)
	if err != nil {
		return nil, &maestroerrors.StoreError{Op: "state_versions", Cause: err}
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, &maestroerrors.StoreError{Op: "state_versions", Cause: err}
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
