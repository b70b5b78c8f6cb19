package engine

import (
	"context"
	"fmt"

	"github.com/roach88/stepflow/internal/workflow"
)

// cancelAttempts bounds retries of a cancel that keeps losing the version race.
const cancelAttempts = 3

// StartRequest describes an explicit start.
type StartRequest struct {
	DefinitionID string `json:"definition_id"`

	// Version selects a definition version; 0 means the active version.
	Version int `json:"version,omitempty"`

	CorrelationKey string         `json:"correlation_key,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
}

// Start creates an instance of the requested definition and runs it until
// it suspends, terminates, or yields.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Outcome, error) {
	def, err := e.definitions.GetDefinition(ctx, req.DefinitionID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", req.DefinitionID, err)
	}
	if def.Status != workflow.DefinitionActive {
		return nil, workflow.NewValidationError("", "definition %s v%d is %s, not active", def.ID, def.Version, def.Status)
	}
	if def.Step(def.EntryStepID) == nil {
		return nil, workflow.NewValidationError(def.EntryStepID, "definition %s v%d has no entry step", def.ID, def.Version)
	}

	now := e.clock.Now()
	inst := workflow.NewInstance(e.ids.Generate(), def, req.CorrelationKey, req.Input, now)
	if err := inst.Transition(workflow.StatusRunning, workflow.ActivityEntry{
		At:     now,
		Type:   workflow.ActivityInstanceStarted,
		StepID: inst.CurrentStepID,
	}); err != nil {
		return nil, err
	}

	if err := e.instances.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	e.publish(ctx, inst, 0)

	e.logger.Info("instance started",
		"instance_id", inst.ID,
		"definition_id", def.ID,
		"definition_version", def.Version,
		"correlation_key", inst.CorrelationKey)

	return e.run(ctx, inst, def, inst.LastSeq())
}

// Advance continues a running instance, typically after a step-budget
// yield or an interrupted invocation.
func (e *Engine) Advance(ctx context.Context, instanceID string) (*Outcome, error) {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != workflow.StatusRunning {
		return nil, workflow.NewInvalidTransitionError(inst.ID, inst.Status, workflow.StatusRunning)
	}
	def, err := e.loadDefinition(ctx, inst)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, inst, def, inst.LastSeq())
}

// Cancel moves a non-terminal instance to cancelled.
//
// Cancel is idempotent: cancelling a cancelled instance returns it
// unchanged. Cancelling a completed or failed instance is an
// INVALID_TRANSITION error. A pending approval held by the instance is
// expired.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) (*workflow.Instance, error) {
	var lastErr error
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		inst, err := e.instances.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status == workflow.StatusCancelled {
			return inst, nil
		}

		published := inst.LastSeq()
		now := e.clock.Now()
		sus := inst.Suspension

		var detail map[string]any
		if reason != "" {
			detail = map[string]any{"reason": reason}
		}
		if err := inst.Transition(workflow.StatusCancelled, workflow.ActivityEntry{
			At:     now,
			Type:   workflow.ActivityInstanceCancelled,
			StepID: inst.CurrentStepID,
			Detail: detail,
		}); err != nil {
			return nil, err
		}
		inst.Suspension = nil
		inst.EndedAt = &now
		expires := now.Add(e.retention)
		inst.ExpiresAt = &expires

		err = e.instances.UpdateInstance(ctx, inst)
		if workflow.IsConcurrentModification(err) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cancel instance %s: %w", instanceID, err)
		}

		if sus != nil && sus.Criteria.ApprovalID != "" {
			e.expireApproval(ctx, sus.Criteria.ApprovalID, now)
		}
		e.publish(ctx, inst, published)
		e.logger.Info("instance cancelled", "instance_id", inst.ID, "reason", reason)
		return inst, nil
	}
	return nil, lastErr
}
