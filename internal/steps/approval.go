package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/stepflow/internal/workflow"
)

// DefaultApprovalTimeout applies when neither the step nor the role sets one.
const DefaultApprovalTimeout = 72 * time.Hour

// ApprovalStore persists approval requests created by approval steps.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *workflow.ApprovalRequest) error
}

// Approval suspends until a role decides or the deadline passes.
//
// Configuration:
//
//	role:      approver role (required)
//	timeout:   overrides the role's default deadline
//	onTimeout: "reject" (default) or "approve"
//	title:     shown to approvers
//
// Resume routes approved to the "approve" branch and rejected or expired
// to the "reject" branch, falling back to Next.
type Approval struct {
	Store          ApprovalStore
	IDs            workflow.IDGenerator
	RoleTimeouts   map[string]time.Duration
	DefaultTimeout time.Duration
}

// Type implements Handler.
func (a *Approval) Type() workflow.StepType { return workflow.StepApproval }

// Execute implements Handler.
func (a *Approval) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg := req.Config()
	role, err := requiredString(req.Step, cfg, "role")
	if err != nil {
		return nil, err
	}
	if _, err := timeoutDecision(req.Step, cfg); err != nil {
		return nil, err
	}
	timeout, err := optionalDuration(req.Step, cfg, "timeout")
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = a.roleTimeout(role)
	}

	ar := &workflow.ApprovalRequest{
		ID:          a.IDs.Generate(),
		InstanceID:  req.Instance.ID,
		StepID:      req.Step.ID,
		OrgID:       req.Instance.OrgID,
		Role:        role,
		Title:       optionalString(cfg, "title"),
		Status:      workflow.ApprovalPending,
		RequestedAt: req.Now,
		Deadline:    deadlineAfter(req.Now, timeout),
	}
	if err := a.Store.CreateApproval(ctx, ar); err != nil {
		return nil, fmt.Errorf("create approval for step %s: %w", req.Step.ID, err)
	}

	return &Result{
		Suspend: &Suspend{
			Reason:   workflow.SuspendApproval,
			Criteria: workflow.ResumeCriteria{ApprovalID: ar.ID, Role: role},
			Deadline: ar.Deadline,
		},
	}, nil
}

// Resume implements Resumer.
func (a *Approval) Resume(_ context.Context, req *Request, in workflow.ResumeInput) (*Result, error) {
	cfg := req.Config()
	decision := workflow.ApprovalStatus(in.Decision)
	if in.TimedOut {
		d, err := timeoutDecision(req.Step, cfg)
		if err != nil {
			return nil, err
		}
		decision = d
	}

	var branch string
	switch decision {
	case workflow.ApprovalApproved:
		branch = "approve"
	case workflow.ApprovalRejected, workflow.ApprovalExpired:
		branch = "reject"
	default:
		return nil, workflow.NewValidationError(req.Step.ID, "unknown approval decision %q", in.Decision)
	}

	var approvalID string
	if req.Instance.Suspension != nil {
		approvalID = req.Instance.Suspension.Criteria.ApprovalID
	}
	return &Result{
		Output: map[string]any{
			"approval_id": approvalID,
			"decision":    string(decision),
			"decided_by":  in.DecidedBy,
			"comment":     in.Comment,
			"timed_out":   in.TimedOut,
		},
		Next: edge(req.Step, branch),
	}, nil
}

func (a *Approval) roleTimeout(role string) time.Duration {
	if d, ok := a.RoleTimeouts[role]; ok && d > 0 {
		return d
	}
	if a.DefaultTimeout > 0 {
		return a.DefaultTimeout
	}
	return DefaultApprovalTimeout
}

// timeoutDecision reads onTimeout. Expiry rejects unless the step says
// otherwise.
func timeoutDecision(step *workflow.Step, cfg map[string]any) (workflow.ApprovalStatus, error) {
	switch v := optionalString(cfg, "onTimeout"); v {
	case "", "reject":
		return workflow.ApprovalRejected, nil
	case "approve":
		return workflow.ApprovalApproved, nil
	default:
		return "", workflow.NewValidationError(step.ID, "onTimeout must be reject or approve, got %q", v)
	}
}
