package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/stepflow/internal/workflow"
)

const approvalColumns = `id, instance_id, step_id, org_id, role, title, status,
	requested_at, decided_at, decided_by, comment, deadline`

// CreateApproval inserts a pending approval request.
func (s *Store) CreateApproval(ctx context.Context, a *workflow.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.ID, a.InstanceID, a.StepID, a.OrgID, a.Role, a.Title, string(a.Status),
		a.RequestedAt.UTC(), utc(a.DecidedAt), a.DecidedBy, a.Comment, utc(a.Deadline),
	)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// GetApproval returns the approval request with the given id.
func (s *Store) GetApproval(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id))
	if isNoRows(err) {
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE approvals SET status = $1, decided_at = $2, decided_by = $3, comment = $4
		WHERE id = $5 AND status = 'pending'
	`, string(status), at.UTC(), decidedBy, comment, id)
	if err != nil {
		return fmt.Errorf("close approval %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
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
	rows, err := s.pool.Query(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE instance_id = $1
		ORDER BY requested_at, id
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return collect(rows, scanApproval)
}

func scanApproval(row pgx.Row) (*workflow.ApprovalRequest, error) {
	var a workflow.ApprovalRequest
	var status string
	err := row.Scan(
		&a.ID, &a.InstanceID, &a.StepID, &a.OrgID, &a.Role, &a.Title, &status,
		&a.RequestedAt, &a.DecidedAt, &a.DecidedBy, &a.Comment, &a.Deadline,
	)
	if err != nil {
		return nil, err
	}
	a.Status = workflow.ApprovalStatus(status)
	a.RequestedAt = a.RequestedAt.UTC()
	a.DecidedAt = utc(a.DecidedAt)
	a.Deadline = utc(a.Deadline)
	return &a, nil
}
