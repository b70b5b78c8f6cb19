package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Instance is one live execution of a workflow definition.
//
// An instance is persisted as a single document. Version is the optimistic
// concurrency token: stores write an instance only if the stored version
// still equals Version, and bump it on success.
type Instance struct {
	ID                string          `json:"id"`
	DefinitionID      string          `json:"definition_id"`
	DefinitionVersion int             `json:"definition_version"`
	OrgID             string          `json:"org_id"`
	CorrelationKey    string          `json:"correlation_key,omitempty"`
	Status            Status          `json:"status"`
	CurrentStepID     string          `json:"current_step_id,omitempty"`
	CompletedStepIDs  []string        `json:"completed_step_ids"`
	Stage             string          `json:"stage,omitempty"`
	Input             map[string]any  `json:"input,omitempty"`
	Variables         map[string]any  `json:"variables"`
	StepOutputs       map[string]any  `json:"step_outputs"`
	Activity          []ActivityEntry `json:"activity"`
	Suspension        *Suspension     `json:"suspension,omitempty"`
	LastError         *LastError      `json:"last_error,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
}

// SuspendReason explains what a waiting instance is waiting for.
type SuspendReason string

const (
	SuspendApproval SuspendReason = "approval"
	SuspendEvent    SuspendReason = "event"
)

// ResumeCriteria describes the input that may resume a suspended step.
type ResumeCriteria struct {
	EventType      string `json:"event_type,omitempty"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	ApprovalID     string `json:"approval_id,omitempty"`
	Role           string `json:"role,omitempty"`
}

// Suspension is the persisted description of a suspend point.
type Suspension struct {
	StepID      string         `json:"step_id"`
	Reason      SuspendReason  `json:"reason"`
	Token       string         `json:"token"`
	Criteria    ResumeCriteria `json:"criteria"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	SuspendedAt time.Time      `json:"suspended_at"`

	// Seq is the activity sequence of the instance.paused entry.
	Seq int64 `json:"seq"`
}

// Expired reports whether the deadline has passed at now.
func (s *Suspension) Expired(now time.Time) bool {
	return s != nil && s.Deadline != nil && !now.Before(*s.Deadline)
}

// LastError records the failure that moved an instance to failed.
type LastError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	StepID  string    `json:"step_id,omitempty"`
}

// ActivityType names an entry in the activity log.
type ActivityType string

const (
	ActivityInstanceCreated   ActivityType = "instance.created"
	ActivityInstanceStarted   ActivityType = "instance.started"
	ActivityInstancePaused    ActivityType = "instance.paused"
	ActivityInstanceResumed   ActivityType = "instance.resumed"
	ActivityInstanceYielded   ActivityType = "instance.yielded"
	ActivityInstanceCompleted ActivityType = "instance.completed"
	ActivityInstanceFailed    ActivityType = "instance.failed"
	ActivityInstanceCancelled ActivityType = "instance.cancelled"
	ActivityStepStarted       ActivityType = "step.started"
	ActivityStepCompleted     ActivityType = "step.completed"
	ActivityStepFailed        ActivityType = "step.failed"
	ActivityStepSkipped       ActivityType = "step.skipped"
	ActivityVariableUpdated   ActivityType = "variable.updated"
	ActivityApprovalRequired  ActivityType = "approval.required"
)

// ActivityEntry is one immutable record in an instance's activity log.
type ActivityEntry struct {
	Seq    int64          `json:"seq"`
	At     time.Time      `json:"at"`
	Type   ActivityType   `json:"type"`
	StepID string         `json:"step_id,omitempty"`
	From   Status         `json:"from,omitempty"`
	To     Status         `json:"to,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// NewInstance creates an instance in the created status.
func NewInstance(id string, def *Definition, correlationKey string, input map[string]any, now time.Time) *Instance {
	if input == nil {
		input = map[string]any{}
	}
	inst := &Instance{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		OrgID:             def.OrgID,
		CorrelationKey:    correlationKey,
		Status:            StatusCreated,
		CurrentStepID:     def.EntryStepID,
		CompletedStepIDs:  []string{},
		Input:             input,
		Variables:         map[string]any{},
		StepOutputs:       map[string]any{},
		Activity:          []ActivityEntry{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	inst.Record(ActivityEntry{At: now, Type: ActivityInstanceCreated, To: StatusCreated})
	return inst
}

// Record appends an entry to the activity log and assigns its sequence.
// Entries are never modified after they are recorded.
func (i *Instance) Record(entry ActivityEntry) ActivityEntry {
	entry.Seq = int64(len(i.Activity)) + 1
	i.Activity = append(i.Activity, entry)
	return entry
}

// LastSeq returns the sequence of the most recent activity entry.
func (i *Instance) LastSeq() int64 {
	return int64(len(i.Activity))
}

// IsTerminal reports whether the instance is completed, failed, or cancelled.
func (i *Instance) IsTerminal() bool {
	return i.Status.IsTerminal()
}

// Clone returns a deep copy of the instance.
// Values in Variables, StepOutputs, and Input are copied through JSON.
func (i *Instance) Clone() (*Instance, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("clone instance %s: %w", i.ID, err)
	}
	var out Instance
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone instance %s: %w", i.ID, err)
	}
	return &out, nil
}

// ResumeInput is the outcome data supplied when a suspend point resumes.
type ResumeInput struct {
	// Decision is "approved", "rejected", or "expired" for approvals.
	Decision  string         `json:"decision,omitempty"`
	DecidedBy string         `json:"decided_by,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	TimedOut  bool           `json:"timed_out,omitempty"`
}

// Event is an inbound domain event.
type Event struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	CorrelationKey string         `json:"correlation_key,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// InstanceFilter narrows instance listings. Zero fields match everything.
type InstanceFilter struct {
	Status         Status `json:"status,omitempty"`
	DefinitionID   string `json:"definition_id,omitempty"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
