package harness

import (
	"time"

	"github.com/roach88/stepflow/internal/workflow"
)

// TraceEvent is one activity entry of one instance.
type TraceEvent struct {
	Instance string         `json:"instance"`
	Seq      int64          `json:"seq"`
	At       time.Time      `json:"at"`
	Type     string         `json:"type"`
	StepID   string         `json:"step_id,omitempty"`
	From     string         `json:"from,omitempty"`
	To       string         `json:"to,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the activity of every instance the scenario touched,
	// instance by instance in the order they first appeared.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Instances holds the final documents keyed by alias.
	Instances map[string]*workflow.Instance `json:"instances,omitempty"`

	// Approvals holds each instance's approval requests keyed by alias.
	Approvals map[string][]*workflow.ApprovalRequest `json:"approvals,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []TraceEvent{},
		Errors:    []string{},
		Instances: make(map[string]*workflow.Instance),
		Approvals: make(map[string][]*workflow.ApprovalRequest),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addActivity appends an instance's activity to the trace.
func (r *Result) addActivity(alias string, activity []workflow.ActivityEntry) {
	for _, entry := range activity {
		r.Trace = append(r.Trace, TraceEvent{
			Instance: alias,
			Seq:      entry.Seq,
			At:       entry.At,
			Type:     string(entry.Type),
			StepID:   entry.StepID,
			From:     string(entry.From),
			To:       string(entry.To),
			Detail:   entry.Detail,
		})
	}
}

// activityOf returns the trace events of one instance.
func (r *Result) activityOf(alias string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Instance == alias {
			out = append(out, ev)
		}
	}
	return out
}
