package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/stepflow/internal/workflow"
)

// PutDefinition stores a definition version as a draft.
//
// A draft may be replaced by another PutDefinition of the same id and
// version. Active and deprecated versions are immutable; writing one again
// is a VALIDATION error. Use ActivateDefinition to publish a draft.
func (s *Store) PutDefinition(ctx context.Context, def *workflow.Definition) error {
	if def.ID == "" || def.Version <= 0 {
		return workflow.NewValidationError("", "definition needs an id and a positive version")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put definition: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM definitions WHERE id = ? AND version = ?`,
		def.ID, def.Version,
	).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("put definition: %w", err)
	case status != string(workflow.DefinitionDraft):
		return workflow.NewValidationError("", "definition %s v%d is %s and cannot be changed", def.ID, def.Version, status)
	}

	draft := *def
	draft.Status = workflow.DefinitionDraft
	body, err := marshalBody(&draft)
	if err != nil {
		return fmt.Errorf("put definition: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO definitions (id, version, org_id, name, status, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			org_id = excluded.org_id,
			name = excluded.name,
			body = excluded.body
	`,
		def.ID,
		def.Version,
		def.OrgID,
		def.Name,
		string(workflow.DefinitionDraft),
		body,
		nanos(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put definition: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM definition_triggers WHERE definition_id = ? AND version = ?`,
		def.ID, def.Version,
	); err != nil {
		return fmt.Errorf("put definition: %w", err)
	}
	for _, eventType := range triggerEventTypes(def) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO definition_triggers (definition_id, version, event_type)
			VALUES (?, ?, ?)
		`, def.ID, def.Version, eventType); err != nil {
			return fmt.Errorf("put definition trigger %s: %w", eventType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put definition: commit: %w", err)
	}
	return nil
}

// ActivateDefinition makes a version the active one, deprecating the
// previously active version of the same id.
func (s *Store) ActivateDefinition(ctx context.Context, id string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("activate definition: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM definitions WHERE id = ? AND version = ?`,
		id, version,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.NewNotFoundError("definition", fmt.Sprintf("%s v%d", id, version))
	}
	if err != nil {
		return fmt.Errorf("activate definition: %w", err)
	}
	if status == string(workflow.DefinitionActive) {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE definitions SET status = 'deprecated' WHERE id = ? AND status = 'active'`,
		id,
	); err != nil {
		return fmt.Errorf("activate definition: deprecate previous: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE definitions SET status = 'active' WHERE id = ? AND version = ?`,
		id, version,
	); err != nil {
		return fmt.Errorf("activate definition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("activate definition: commit: %w", err)
	}
	return nil
}

// GetDefinition returns a definition version. Version 0 selects the
// active version.
func (s *Store) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT status, body FROM definitions WHERE id = ? AND status = 'active'`, id)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT status, body FROM definitions WHERE id = ? AND version = ?`, id, version)
	}

	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		if version == 0 {
			return nil, workflow.NewNotFoundError("active definition", id)
		}
		return nil, workflow.NewNotFoundError("definition", fmt.Sprintf("%s v%d", id, version))
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", id, err)
	}
	return def, nil
}

// ListDefinitions returns every stored version, ordered by id then version.
func (s *Store) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, body FROM definitions ORDER BY id ASC, version ASC`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

// ActiveDefinitionsForEvent returns active definitions with a trigger for
// eventType, ordered by id.
func (s *Store) ActiveDefinitionsForEvent(ctx context.Context, eventType string) ([]*workflow.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.status, d.body
		FROM definitions d
		JOIN definition_triggers t ON t.definition_id = d.id AND t.version = d.version
		WHERE t.event_type = ? AND d.status = 'active'
		ORDER BY d.id ASC
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("definitions for event %s: %w", eventType, err)
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanDefinition reads (status, body). The status column is authoritative.
func scanDefinition(row rowScanner) (*workflow.Definition, error) {
	var status, body string
	if err := row.Scan(&status, &body); err != nil {
		return nil, err
	}
	var def workflow.Definition
	if err := unmarshalBody(body, &def); err != nil {
		return nil, err
	}
	def.Status = workflow.DefinitionStatus(status)
	return &def, nil
}

func scanDefinitions(rows *sql.Rows) ([]*workflow.Definition, error) {
	var out []*workflow.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate definitions: %w", err)
	}
	return out, nil
}

func triggerEventTypes(def *workflow.Definition) []string {
	seen := make(map[string]bool, len(def.Triggers))
	var out []string
	for _, t := range def.Triggers {
		if t.EventType == "" || seen[t.EventType] {
			continue
		}
		seen[t.EventType] = true
		out = append(out, t.EventType)
	}
	sort.Strings(out)
	return out
}
