package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/stepflow/internal/expr"
	"github.com/roach88/stepflow/internal/steps"
	"github.com/roach88/stepflow/internal/workflow"
)

// run advances a running instance until it suspends, reaches a terminal
// status, or exhausts the step budget.
//
// Every step is persisted with a conditional write before the next one
// starts. published is the highest activity sequence already delivered to
// the notifier.
func (e *Engine) run(ctx context.Context, inst *workflow.Instance, def *workflow.Definition, published int64) (*Outcome, error) {
	budget := NewStepBudget(e.maxSteps)
	out := &Outcome{Instance: inst}

	for inst.Status == workflow.StatusRunning {
		if !budget.Take() {
			now := e.clock.Now()
			inst.UpdatedAt = now
			inst.Record(workflow.ActivityEntry{
				At:     now,
				Type:   workflow.ActivityInstanceYielded,
				StepID: inst.CurrentStepID,
				Detail: map[string]any{"steps": budget.Used()},
			})
			if err := e.commit(ctx, inst, &published); err != nil {
				return e.afterConflict(ctx, inst, err)
			}
			e.logger.Debug("step budget exhausted",
				"instance_id", inst.ID,
				"step_id", inst.CurrentStepID,
				"max_steps", budget.MaxSteps())
			out.Yielded = true
			return out, nil
		}

		if err := e.step(ctx, inst, def); err != nil {
			return nil, err
		}
		out.StepsRun = budget.Used()

		if err := e.commit(ctx, inst, &published); err != nil {
			return e.afterConflict(ctx, inst, err)
		}
	}

	return out, nil
}

// step applies the current step to inst in memory.
//
// Handler failures are converted to instance.failed and return nil; only
// context cancellation and store errors propagate.
func (e *Engine) step(ctx context.Context, inst *workflow.Instance, def *workflow.Definition) error {
	stepID := inst.CurrentStepID
	now := e.clock.Now()

	s := def.Step(stepID)
	if s == nil {
		return e.fail(inst, "", workflow.NewValidationError(stepID, "step %q is not defined", stepID), now)
	}

	if !s.Enabled {
		inst.Record(workflow.ActivityEntry{At: now, Type: workflow.ActivityStepSkipped, StepID: s.ID})
		return e.route(inst, def, s, s.Next, now)
	}

	handler, err := e.handlers.Get(s.Type)
	if err != nil {
		return e.fail(inst, s.Type, err, now)
	}

	inst.Record(workflow.ActivityEntry{
		At:     now,
		Type:   workflow.ActivityStepStarted,
		StepID: s.ID,
		Detail: map[string]any{"type": string(s.Type)},
	})

	res, err := e.execute(ctx, inst, s, "execute", func(req *steps.Request) (*steps.Result, error) {
		return handler.Execute(ctx, req)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return e.fail(inst, s.Type, err, e.clock.Now())
	}

	now = e.clock.Now()
	if res.Suspend != nil {
		return e.suspend(inst, s, res.Suspend, now)
	}

	e.completeStep(inst, s, res, now)
	return e.route(inst, def, s, res.Next, now)
}

// execute invokes a handler inside a span, retrying transient failures.
func (e *Engine) execute(
	ctx context.Context,
	inst *workflow.Instance,
	s *workflow.Step,
	phase string,
	call func(req *steps.Request) (*steps.Result, error),
) (*steps.Result, error) {
	ctx, span := e.tracer.Start(ctx, "step."+string(s.Type),
		trace.WithAttributes(
			attribute.String("stepflow.instance_id", inst.ID),
			attribute.String("stepflow.definition_id", inst.DefinitionID),
			attribute.String("stepflow.step_id", s.ID),
			attribute.String("stepflow.phase", phase),
		))
	defer span.End()

	start := time.Now()
	attempts := 0
	res, err := withRetry(ctx, e.retry, func() (*steps.Result, error) {
		attempts++
		return call(e.request(inst, s, e.clock.Now()))
	}, func(err error, wait time.Duration) {
		e.logger.Warn("retrying step",
			"instance_id", inst.ID,
			"step_id", s.ID,
			"attempt", attempts,
			"wait", wait,
			"error", err)
	})
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("stepflow.attempts", attempts))

	outcome := "proceed"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res == nil:
		outcome = "error"
		err = fmt.Errorf("handler for %s returned no result", s.Type)
		span.SetStatus(codes.Error, err.Error())
	case res.Suspend != nil:
		outcome = "suspend"
	}
	e.telemetry.StepExecuted(s.Type, outcome, elapsed)

	return res, err
}

// suspend parks the instance at s and issues a resume token bound to the
// instance.paused entry.
func (e *Engine) suspend(inst *workflow.Instance, s *workflow.Step, sus *steps.Suspend, now time.Time) error {
	if sus.Reason == workflow.SuspendApproval {
		inst.Record(workflow.ActivityEntry{
			At:     now,
			Type:   workflow.ActivityApprovalRequired,
			StepID: s.ID,
			Detail: map[string]any{
				"approval_id": sus.Criteria.ApprovalID,
				"role":        sus.Criteria.Role,
			},
		})
	}

	detail := map[string]any{"reason": string(sus.Reason)}
	if sus.Criteria.EventType != "" {
		detail["event_type"] = sus.Criteria.EventType
	}
	if err := inst.Transition(workflow.StatusWaiting, workflow.ActivityEntry{
		At:     now,
		Type:   workflow.ActivityInstancePaused,
		StepID: s.ID,
		Detail: detail,
	}); err != nil {
		return err
	}

	seq := inst.LastSeq()
	inst.Suspension = &workflow.Suspension{
		StepID:      s.ID,
		Reason:      sus.Reason,
		Token:       workflow.ResumeToken(inst.ID, s.ID, seq),
		Criteria:    sus.Criteria,
		Deadline:    sus.Deadline,
		SuspendedAt: now,
		Seq:         seq,
	}
	return nil
}

// completeStep stores the step's output and applies its assignments.
func (e *Engine) completeStep(inst *workflow.Instance, s *workflow.Step, res *steps.Result, now time.Time) {
	output := res.Output
	if output == nil {
		output = map[string]any{}
	}
	inst.StepOutputs[s.ID] = output
	inst.CompletedStepIDs = append(inst.CompletedStepIDs, s.ID)
	if res.Stage != "" {
		inst.Stage = res.Stage
	}
	inst.UpdatedAt = now
	inst.Record(workflow.ActivityEntry{
		At:     now,
		Type:   workflow.ActivityStepCompleted,
		StepID: s.ID,
	})

	if len(s.Assign) == 0 {
		return
	}
	names := make([]string, 0, len(s.Assign))
	for name := range s.Assign {
		names = append(names, name)
	}
	sort.Strings(names)

	c := e.exprContext(inst)
	for _, name := range names {
		value := expr.ResolveValue(s.Assign[name], c)
		inst.Variables[name] = value
		inst.Record(workflow.ActivityEntry{
			At:     now,
			Type:   workflow.ActivityVariableUpdated,
			StepID: s.ID,
			Detail: map[string]any{"name": name, "value": value},
		})
	}
}

// route moves to next, completing the instance when next is empty.
func (e *Engine) route(inst *workflow.Instance, def *workflow.Definition, from *workflow.Step, next string, now time.Time) error {
	if next == "" {
		inst.CurrentStepID = ""
		inst.EndedAt = &now
		expires := now.Add(e.retention)
		inst.ExpiresAt = &expires
		return inst.Transition(workflow.StatusCompleted, workflow.ActivityEntry{
			At:     now,
			Type:   workflow.ActivityInstanceCompleted,
			StepID: from.ID,
		})
	}
	if def.Step(next) == nil {
		return e.fail(inst, from.Type, workflow.NewValidationError(from.ID, "edge to unknown step %q", next), now)
	}
	inst.CurrentStepID = next
	inst.UpdatedAt = now
	return nil
}

// fail records a handler failure and moves the instance to failed.
// The failed step stays current so the log shows where it stopped.
func (e *Engine) fail(inst *workflow.Instance, stepType workflow.StepType, cause error, now time.Time) error {
	le := &workflow.LastError{
		Code:    workflow.CodeOf(cause),
		Message: cause.Error(),
		StepID:  inst.CurrentStepID,
	}
	var we *workflow.Error
	if errors.As(cause, &we) {
		le.Message = we.Message
		if we.Err != nil {
			le.Message += ": " + we.Err.Error()
		}
		if we.StepID != "" {
			le.StepID = we.StepID
		}
	}
	if le.Code == "" {
		le.Code = workflow.ErrCodeInternal
	}

	inst.LastError = le
	inst.Suspension = nil
	inst.EndedAt = &now
	expires := now.Add(e.retention)
	inst.ExpiresAt = &expires

	inst.Record(workflow.ActivityEntry{
		At:     now,
		Type:   workflow.ActivityStepFailed,
		StepID: le.StepID,
		Detail: map[string]any{"code": string(le.Code), "message": le.Message},
	})
	if err := inst.Transition(workflow.StatusFailed, workflow.ActivityEntry{
		At:     now,
		Type:   workflow.ActivityInstanceFailed,
		StepID: le.StepID,
		Detail: map[string]any{"code": string(le.Code)},
	}); err != nil {
		return err
	}

	e.telemetry.Exception(le.Code, stepType)
	e.logger.Warn("instance failed",
		"instance_id", inst.ID,
		"step_id", le.StepID,
		"code", le.Code,
		"error", cause)
	return nil
}

// commit persists inst conditionally on its version and publishes the
// activity recorded since the last commit.
func (e *Engine) commit(ctx context.Context, inst *workflow.Instance, published *int64) error {
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	e.publish(ctx, inst, *published)
	*published = inst.LastSeq()
	return nil
}

// afterConflict handles a failed commit during a run.
//
// If a concurrent writer moved the instance to a terminal status (for
// example a cancel while an external call was in flight), the in-memory
// step result is discarded and the stored instance is returned.
func (e *Engine) afterConflict(ctx context.Context, attempted *workflow.Instance, err error) (*Outcome, error) {
	if !workflow.IsConcurrentModification(err) {
		return nil, fmt.Errorf("persist instance %s: %w", attempted.ID, err)
	}
	fresh, getErr := e.instances.GetInstance(ctx, attempted.ID)
	if getErr != nil {
		return nil, errors.Join(err, getErr)
	}
	if !fresh.IsTerminal() {
		return nil, err
	}

	// An approval raised by the discarded step has no owner anymore.
	if sus := attempted.Suspension; sus != nil && sus.Criteria.ApprovalID != "" {
		fs := fresh.Suspension
		if fs == nil || fs.Criteria.ApprovalID != sus.Criteria.ApprovalID {
			e.expireApproval(ctx, sus.Criteria.ApprovalID, e.clock.Now())
		}
	}

	e.logger.Info("discarding step result for terminal instance",
		"instance_id", fresh.ID,
		"status", fresh.Status)
	return &Outcome{Instance: fresh}, nil
}

func (e *Engine) expireApproval(ctx context.Context, approvalID string, now time.Time) {
	err := e.approvals.CloseApproval(ctx, approvalID, workflow.ApprovalExpired, "", "", now)
	if err != nil && !workflow.IsConcurrentModification(err) {
		e.logger.Warn("expire approval", "approval_id", approvalID, "error", err)
	}
}
