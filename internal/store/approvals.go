package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/stepflow/internal/workflow"
)

const approvalColumns = `id, instance_id, step_id, org_id, role, title, status,
	requested_at, decided_at, decided_by, comment, deadline`

// CreateApproval inserts a pending approval request.
func (s *Store) CreateApproval(ctx context.Context, a *workflow.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.InstanceID,
		a.StepID,
		a.OrgID,
		a.Role,
		a.Title,
		string(a.Status),
		nanos(a.RequestedAt),
		nullNanos(a.DecidedAt),
		a.DecidedBy,
		a.Comment,
		nullNanos(a.Deadline),
	)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// GetApproval returns the approval request with the given id.
func (s *Store) GetApproval(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.NewNotFoundError("approval", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	return a, nil
}

// CloseApproval moves a pending request to status. A request that is no
// longer pending is a CONCURRENT_MODIFICATION error.
func (s *Store) CloseApproval(ctx context.Context, id string, status workflow.ApprovalStatus, decidedBy, comment string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decided_at = ?, decided_by = ?, comment = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), nanos(at), decidedBy, comment, id)
	if err != nil {
		return fmt.Errorf("close approval %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close approval %s: rows affected: %w", id, err)
	}
	if n == 0 {
		if _, err := s.GetApproval(ctx, id); err != nil {
			return err
		}
		return &workflow.Error{
			Code:    workflow.ErrCodeConcurrentModification,
			Message: fmt.Sprintf("approval %s is no longer pending", id),
		}
	}
	return nil
}

// ListApprovals returns an instance's approval requests, oldest first.
func (s *Store) ListApprovals(ctx context.Context, instanceID string) ([]*workflow.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE instance_id = ?
		ORDER BY requested_at ASC, id ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*workflow.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

func scanApproval(row rowScanner) (*workflow.ApprovalRequest, error) {
	var (
		a           workflow.ApprovalRequest
		status      string
		requestedAt int64
		decidedAt   sql.NullInt64
		deadline    sql.NullInt64
	)
	err := row.Scan(
		&a.ID,
		&a.InstanceID,
		&a.StepID,
		&a.OrgID,
		&a.Role,
		&a.Title,
		&status,
		&requestedAt,
		&decidedAt,
		&a.DecidedBy,
		&a.Comment,
		&deadline,
	)
	if err != nil {
		return nil, err
	}
	a.Status = workflow.ApprovalStatus(status)
	a.RequestedAt = fromNanos(requestedAt)
	a.DecidedAt = fromNullNanos(decidedAt)
	a.Deadline = fromNullNanos(deadline)
	return &a, nil
}
