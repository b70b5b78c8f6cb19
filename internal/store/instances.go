package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/stepflow/internal/workflow"
)

const terminalStatuses = `('completed', 'failed', 'cancelled')`

// instanceColumns are the indexed copies of instance fields.
type instanceColumns struct {
	waitEventType string
	waitKey       string
	deadline      sql.NullInt64
}

func columnsOf(inst *workflow.Instance) instanceColumns {
	var c instanceColumns
	if inst.Status != workflow.StatusWaiting || inst.Suspension == nil {
		return c
	}
	sus := inst.Suspension
	if sus.Reason == workflow.SuspendEvent {
		c.waitEventType = sus.Criteria.EventType
		c.waitKey = sus.Criteria.CorrelationKey
	}
	c.deadline = nullNanos(sus.Deadline)
	return c
}

// CreateInstance inserts a new instance with version 1.
//
// A second live instance for the same definition and non-empty
// correlation key is rejected with a CONCURRENT_MODIFICATION error.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	inst.Version = 1
	body, err := marshalBody(inst)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	cols := columnsOf(inst)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances
		(id, definition_id, definition_version, org_id, correlation_key, status, current_step_id,
		 wait_event_type, wait_correlation_key, deadline, body, version, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID,
		inst.DefinitionID,
		inst.DefinitionVersion,
		inst.OrgID,
		inst.CorrelationKey,
		string(inst.Status),
		inst.CurrentStepID,
		cols.waitEventType,
		cols.waitKey,
		cols.deadline,
		body,
		inst.Version,
		nanos(inst.CreatedAt),
		nanos(inst.UpdatedAt),
		nullNanos(inst.ExpiresAt),
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
	cols := columnsOf(inst)

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET
			status = ?,
			current_step_id = ?,
			wait_event_type = ?,
			wait_correlation_key = ?,
			deadline = ?,
			body = ?,
			version = ?,
			updated_at = ?,
			expires_at = ?
		WHERE id = ? AND version = ?
	`,
		string(inst.Status),
		inst.CurrentStepID,
		cols.waitEventType,
		cols.waitKey,
		cols.deadline,
		body,
		inst.Version,
		nanos(inst.UpdatedAt),
		nullNanos(inst.ExpiresAt),
		inst.ID,
		expected,
	)
	if err != nil {
		inst.Version = expected
		return fmt.Errorf("update instance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		inst.Version = expected
		return fmt.Errorf("update instance: rows affected: %w", err)
	}
	if n == 0 {
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
	row := s.db.QueryRowContext(ctx, `SELECT body, version FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	row := s.db.QueryRowContext(ctx, `
		SELECT body, version FROM instances
		WHERE definition_id = ? AND correlation_key = ? AND status NOT IN `+terminalStatuses+`
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, definitionID, correlationKey)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT body, version FROM instances
		WHERE status = 'waiting' AND wait_event_type = ? AND wait_correlation_key = ?
		ORDER BY created_at ASC, id ASC
	`, eventType, correlationKey)
	if err != nil {
		return nil, fmt.Errorf("find waiting instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// FindExpiredWaits returns waiting instances whose deadline is at or
// before now, oldest deadline first.
func (s *Store) FindExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body, version FROM instances
		WHERE status = 'waiting' AND deadline IS NOT NULL AND deadline <= ?
		ORDER BY deadline ASC, id ASC
		LIMIT ?
	`, nanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("find expired waits: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListInstances returns instances matching the filter, newest first.
func (s *Store) ListInstances(ctx context.Context, f workflow.InstanceFilter) ([]*workflow.Instance, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, f.DefinitionID)
	}
	if f.CorrelationKey != "" {
		where = append(where, "correlation_key = ?")
		args = append(args, f.CorrelationKey)
	}

	query := `SELECT body, version FROM instances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// PurgeExpired deletes terminal instances whose retention window ended at
// or before now, together with their approvals. Returns the number of
// instances deleted.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM instances
		WHERE expires_at IS NOT NULL AND expires_at <= ? AND status IN `+terminalStatuses,
		nanos(now),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired: rows affected: %w", err)
	}
	return n, nil
}

// scanInstance reads (body, version). The version column is authoritative.
func scanInstance(row rowScanner) (*workflow.Instance, error) {
	var body string
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

func scanInstances(rows *sql.Rows) ([]*workflow.Instance, error) {
	var out []*workflow.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}
