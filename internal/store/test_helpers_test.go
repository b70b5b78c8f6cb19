package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/stepflow/internal/workflow"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDefinition creates a two-step definition triggered by lead.created.
func createTestDefinition(id string, version int) *workflow.Definition {
	return &workflow.Definition{
		ID:          id,
		Version:     version,
		Name:        "Lead intake",
		OrgID:       "org-1",
		EntryStepID: "qualify",
		Steps: map[string]*workflow.Step{
			"qualify": {ID: "qualify", Type: workflow.StepStage, Order: 1, Enabled: true,
				Config: map[string]any{"label": "qualifying"}, Next: "review"},
			"review": {ID: "review", Type: workflow.StepApproval, Order: 2, Enabled: true,
				Config: map[string]any{"role": "underwriter"}},
		},
		Triggers: []workflow.Trigger{{EventType: "lead.created", CorrelationKey: "{{input.lead_id}}"}},
	}
}

// createTestInstance creates a running instance of lead-intake v1.
func createTestInstance(id, correlationKey string) *workflow.Instance {
	inst := workflow.NewInstance(id, createTestDefinition("lead-intake", 1), correlationKey,
		map[string]any{"lead_id": correlationKey}, testNow)
	inst.Status = workflow.StatusRunning
	return inst
}

// waitForEvent parks inst on an event wait with an optional deadline.
func waitForEvent(inst *workflow.Instance, eventType string, deadline *time.Time) {
	inst.Status = workflow.StatusWaiting
	inst.Suspension = &workflow.Suspension{
		StepID: inst.CurrentStepID,
		Reason: workflow.SuspendEvent,
		Token:  workflow.ResumeToken(inst.ID, inst.CurrentStepID, inst.LastSeq()),
		Criteria: workflow.ResumeCriteria{
			EventType:      eventType,
			CorrelationKey: inst.CorrelationKey,
		},
		Deadline:    deadline,
		SuspendedAt: testNow,
		Seq:         inst.LastSeq(),
	}
}
