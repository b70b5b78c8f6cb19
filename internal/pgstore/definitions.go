package pgstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/stepflow/internal/workflow"
)

// PutDefinition stores a definition version as a draft. Active and
// deprecated versions are immutable.
func (s *Store) PutDefinition(ctx context.Context, def *workflow.Definition) error {
	if def.ID == "" || def.Version <= 0 {
		return workflow.NewValidationError("", "definition needs an id and a positive version")
	}

	draft := *def
	draft.Status = workflow.DefinitionDraft
	body, err := marshalBody(&draft)
	if err != nil {
		return fmt.Errorf("put definition: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM definitions WHERE id = $1 AND version = $2 FOR UPDATE`,
			def.ID, def.Version,
		).Scan(&status)
		switch {
		case isNoRows(err):
		case err != nil:
			return fmt.Errorf("put definition: %w", err)
		case status != string(workflow.DefinitionDraft):
			return workflow.NewValidationError("", "definition %s v%d is %s and cannot be changed", def.ID, def.Version, status)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO definitions (id, version, org_id, name, status, body)
			VALUES ($1, $2, $3, $4, 'draft', $5)
			ON CONFLICT (id, version) DO UPDATE SET
				org_id = EXCLUDED.org_id,
				name = EXCLUDED.name,
				body = EXCLUDED.body
		`, def.ID, def.Version, def.OrgID, def.Name, body)
		if err != nil {
			return fmt.Errorf("put definition: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM definition_triggers WHERE definition_id = $1 AND version = $2`,
			def.ID, def.Version,
		); err != nil {
			return fmt.Errorf("put definition: %w", err)
		}
		batch := &pgx.Batch{}
		for _, eventType := range triggerEventTypes(def) {
			batch.Queue(`INSERT INTO definition_triggers (definition_id, version, event_type) VALUES ($1, $2, $3)`,
				def.ID, def.Version, eventType)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("put definition triggers: %w", err)
			}
		}
		return nil
	})
}

// ActivateDefinition makes a version the active one, deprecating the
// previously active version of the same id.
func (s *Store) ActivateDefinition(ctx context.Context, id string, version int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM definitions WHERE id = $1 AND version = $2 FOR UPDATE`,
			id, version,
		).Scan(&status)
		if isNoRows(err) {
			return workflow.NewNotFoundError("definition", fmt.Sprintf("%s v%d", id, version))
		}
		if err != nil {
			return fmt.Errorf("activate definition: %w", err)
		}
		if status == string(workflow.DefinitionActive) {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE definitions SET status = 'deprecated' WHERE id = $1 AND status = 'active'`, id,
		); err != nil {
			return fmt.Errorf("activate definition: deprecate previous: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE definitions SET status = 'active' WHERE id = $1 AND version = $2`, id, version,
		); err != nil {
			return fmt.Errorf("activate definition: %w", err)
		}
		return nil
	})
}

// GetDefinition returns a definition version. Version 0 selects the
// active version.
func (s *Store) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	var row pgx.Row
	if version == 0 {
		row = s.pool.QueryRow(ctx,
			`SELECT status, body FROM definitions WHERE id = $1 AND status = 'active'`, id)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT status, body FROM definitions WHERE id = $1 AND version = $2`, id, version)
	}

	def, err := scanDefinition(row)
	if isNoRows(err) {
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
	rows, err := s.pool.Query(ctx, `SELECT status, body FROM definitions ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return collect(rows, scanDefinition)
}

// ActiveDefinitionsForEvent returns active definitions with a trigger for
// eventType, ordered by id.
func (s *Store) ActiveDefinitionsForEvent(ctx context.Context, eventType string) ([]*workflow.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.status, d.body
		FROM definitions d
		JOIN definition_triggers t ON t.definition_id = d.id AND t.version = d.version
		WHERE t.event_type = $1 AND d.status = 'active'
		ORDER BY d.id
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("definitions for event %s: %w", eventType, err)
	}
	return collect(rows, scanDefinition)
}

func scanDefinition(row pgx.Row) (*workflow.Definition, error) {
	var status string
	var body []byte
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

// collect drains rows through scan.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
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
