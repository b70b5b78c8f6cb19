package workflow

import "time"

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ValidDecisions are the statuses an external decider may set.
var ValidDecisions = map[ApprovalStatus]bool{
	ApprovalApproved: true,
	ApprovalRejected: true,
}

// ApprovalRequest is the side record created by an approval step.
// It is keyed by id and indexed by (instance, step).
type ApprovalRequest struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	StepID      string         `json:"step_id"`
	OrgID       string         `json:"org_id,omitempty"`
	Role        string         `json:"role"`
	Title       string         `json:"title,omitempty"`
	Status      ApprovalStatus `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
}

// IsOpen reports whether the request still accepts a decision.
func (a *ApprovalRequest) IsOpen() bool {
	return a.Status == ApprovalPending
}
