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

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// SaveWorkflowDefinition upserts a workflow definition keyed by id and
// version.
func (s *Store) SaveWorkflowDefinition(ctx context.Context, def *workflow.Definition) error {
	if def.ID == "" {
		return &maestroerrors.ValidationError{Field: "id", Message: "definition id is required"}
	}
	if def.Version == "" {
		return &maestroerrors.ValidationError{Field: "version", Message: "definition version is required"}
	}

	blob, checksum, err := encodeRecord(def)
	if err != nil {
		return &maestroerrors.StoreError{Op: "save_definition", Cause: err}
	}

	return s.withTx(ctx, "save_definition", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO workflow_definitions (id, version, name, definition, checksum, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id, version) DO UPDATE SET
				name = excluded.name,
				definition = excluded.definition,
				checksum = excluded.checksum
		`, def.ID, def.Version, def.Name, blob, checksum, time.Now().UnixNano()); err != nil {
			return &maestroerrors.StoreError{Op: "save_definition", Cause: err}
		}
		return bumpCounter(tx, "definition_saves")
	})
}

// LoadWorkflowDefinition loads a definition by id. An empty version
// selects the most recently stored version.
func (s *Store) LoadWorkflowDefinition(ctx context.Context, id, version string) (*workflow.Definition, error) {
	db, release := s.reader()
	defer release()

	query := `SELECT definition FROM workflow_definitions WHERE id = ?`
	args := []any{id}
	if version != "" {
		query += " AND version = ?"
		args = append(args, version)
	} else {
		query += " ORDER BY created_at DESC LIMIT 1"
	}

	var blob []byte
	err := db.QueryRowContext(ctx, query, args...).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		key := id
		if version != "" {
			key = id + "@" + version
		}
		return nil, &maestroerrors.NotFoundError{Resource: "workflow definition", ID: key}
	}
	if err != nil {
		return nil, &maestroerrors.StoreError{Op: "load_definition", Cause: err}
	}

	var def workflow.Definition
	if err := decodeRecord(blob, "definition", id, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ListWorkflowDefinitions returns every stored definition version,
// ordered by id then newest first.
func (s *Store) ListWorkflowDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	db, release := s.reader()
	defer release()

	rows, err := db.QueryContext(ctx, `
		SELECT id, definition
		FROM workflow_definitions
		ORDER BY id ASC, created_at DESC
	`)
	if err != nil {
		return nil, &maestroerrors.StoreError{Op: "list_definitions", Cause: err}
	}
	defer rows.Close()

	var defs []*workflow.Definition
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, &maestroerrors.StoreError{Op: "list_definitions", Cause: err}
		}
		var def workflow.Definition
		if err := decodeRecord(blob, "definition", id, &def); err != nil {
			return nil, err
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// DeleteWorkflowDefinition removes a definition version, or every
// version of the id when version is empty.
func (s *Store) DeleteWorkflowDefinition(ctx context.Context, id, version string) error {
	return s.withTx(ctx, "delete_definition", func(tx *sql.Tx) error {
		query := `DELETE FROM workflow_definitions WHERE id = ?`
		args := []any{id}
		if version != "" {
			query += " AND version = ?"
			args = append(args, version)
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return &maestroerrors.StoreError{Op: "delete_definition", Cause: err}
		}
		return nil
	})
}
