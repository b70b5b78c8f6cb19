package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/stepflow/internal/workflow"
)

const terminalStatuses = `('completed', 'failed', 'cancelled')`

type waitColumns struct {
	eventType string
	key       string
	deadline  *time.Time
}

func waitColumnsOf(inst *workflow.Instance) waitColumns {
	var c waitColumns
	if inst.Status != workflow.StatusWaiting || inst.Suspension == nil {
		return c
	}
	sus := inst.Suspension
	if sus.Reason == workflow.SuspendEvent {
		c.eventType = sus.Criteria.EventType
		c.key = sus.Criteria.CorrelationKey
	}
	c.deadline = utc(sus.Deadline)
	return c
}

// CreateInstance inserts a new instance with version 1. A second live
// instance for the same definition and correlation key is a
// CONCURRENT_MODIFICATION error.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	inst.Version = 1
	body, err := marshalBody(inst)
	if err != nil {
		inst.Version = 0
		return fmt.Errorf("create instance: %w", err)
	}
	w := waitColumnsOf(inst)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO instances
		(id, definition_id, definition_version, org_id, correlation_key, status, current_step_id,
		 wait_event_type, wait_correlation_key, deadline, body, version, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.OrgID, inst.CorrelationKey,
		string(inst.Status), inst.CurrentStepID, w.eventType, w.key, w.deadline,
		body, inst.Version, inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(), utc(inst.ExpiresAt),
	)
	if isUniqueViolation(err) {
		inst.Version = 0
		return workflow.NewConcurrentModificationError(inst.ID, 0)
	}
	if err != nil {
		inst.Version = 0
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// UpdateInstance writes inst if the stored version still equals
// inst.Version, then increments inst.Version.
func (s *Store) UpdateInstance(ctx context.Context, inst *workflow.Instance) error {
	expected := inst.Version
	inst.Version = expected + 1
	body, err := marshalBody(inst)
	if err != nil {
		inst.Version = expected
		return fmt.Errorf("update instance: %w", err)
	}
	w := waitColumnsOf(inst)

	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET
			status = $1,
			current_step_id = $2,
			wait_event_type = $3,
			wait_correlation_key = $4,
			deadline = $5,
			body = $6,
			version = $7,
			updated_at = $8,
			expires_at = $9
		WHERE id = $10 AND version = $11
	`,
		string(inst.Status), inst.CurrentStepID, w.eventType, w.key, w.deadline,
		body, inst.Version, inst.UpdatedAt.UTC(), utc(inst.ExpiresAt),
		inst.ID, expected,
	)
	if err != nil {
		inst.Version = expected
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		inst.Version = expected
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
		return workflow.NewConcurrentModificationError(inst.ID, expected)
	}
	return nil
}

// GetInstance returns the instance with the given id.
func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `SELECT body, version FROM instances WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, workflow.NewNotFoundError("instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

// FindActiveByCorrelation returns the newest non-terminal instance of a
// definition for a correlation key.
func (s *Store) FindActiveByCorrelation(ctx context.Context, definitionID, correlationKey string) (*workflow.Instance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT body, version FROM instances
		WHERE definition_id = $1 AND correlation_key = $2 AND status NOT IN `+terminalStatuses+`
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, definitionID, correlationKey))
	if isNoRows(err) {
		return nil, workflow.NewNotFoundError("live instance", definitionID+"/"+correlationKey)
	}
	if err != nil {
		return nil, fmt.Errorf("find instance by correlation: %w", err)
	}
	return inst, nil
}

// FindWaitingForEvent returns instances waiting on (eventType, correlationKey),
// oldest first.
func (s *Store) FindWaitingForEvent(ctx context.Context, eventType, correlationKey string) ([]*workflow.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT body, version FROM instances
		WHERE status = 'waiting' AND wait_event_type = $1 AND wait_correlation_key = $2
		ORDER BY created_at, id
	`, eventType, correlationKey)
	if err != nil {
		return nil, fmt.Errorf("find waiting instances: %w", err)
	}
	return collect(rows, scanInstance)
}

// FindExpiredWaits returns waiting instances whose deadline is at or
// before now, oldest deadline first.
func (s *Store) FindExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT body, version FROM instances
		WHERE status = 'waiting' AND deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline, id
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find expired waits: %w", err)
	}
	return collect(rows, scanInstance)
}

// ListInstances returns instances matching the filter, newest first.
func (s *Store) ListInstances(ctx context.Context, f workflow.InstanceFilter) ([]*workflow.Instance, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.DefinitionID != "" {
		add("definition_id = $%d", f.DefinitionID)
	}
	if f.CorrelationKey != "" {
		add("correlation_key = $%d", f.CorrelationKey)
	}

	query := `SELECT body, version FROM instances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return collect(rows, scanInstance)
}

// PurgeExpired deletes terminal instances whose retention window ended at
// or before now. Approvals go with them through the foreign key.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM instances
		WHERE expires_at IS NOT NULL AND expires_at <= $1 AND status IN `+terminalStatuses,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanInstance reads (body, version). The version column is authoritative.
func scanInstance(row pgx.Row) (*workflow.Instance, error) {
	var body []byte
	var version int64
	if err := row.Scan(&body, &version); err != nil {
		return nil, err
	}
	var inst workflow.Instance
	if err := unmarshalBody(body, &inst); err != nil {
		return nil, err
	}
	inst.Version = version
	return &inst, nil
}
