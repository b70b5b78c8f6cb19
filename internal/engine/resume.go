package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/stepflow/internal/steps"
	"github.com/roach88/stepflow/internal/workflow"
)

// ResumeRequest resumes a suspended instance at the point named by Token.
type ResumeRequest struct {
	InstanceID string               `json:"instance_id"`
	Token      string               `json:"token"`
	Input      workflow.ResumeInput `json:"input"`
}

// ApprovalDecision is an approver's answer to an approval request.
type ApprovalDecision struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	DecidedBy  string `json:"decided_by"`
	Comment    string `json:"comment,omitempty"`
}

// SweepReport summarizes one timeout sweep.
type SweepReport struct {
	Scanned int `json:"scanned"`
	Resumed int `json:"resumed"`

	// Stale counts instances another writer moved first.
	Stale int `json:"stale"`

	Failed      int      `json:"failed"`
	InstanceIDs []string `json:"instance_ids,omitempty"`
}

// Resume continues a waiting instance.
//
// The instance must still be waiting at the suspend point the token names;
// otherwise Resume returns STALE_RESUME and leaves the instance untouched.
// Input that arrives after the suspend deadline loses to the timeout: the
// timeout path runs and the caller gets STALE_RESUME.
//
// At an approval suspend point the input must carry an approved or
// rejected decision, which closes the approval request the same way
// DecideApproval does.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) (*Outcome, error) {
	inst, err := e.instances.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if err := checkSuspendPoint(inst, req.Token); err != nil {
		return nil, err
	}
	sus := inst.Suspension
	approval := sus.Reason == workflow.SuspendApproval && sus.Criteria.ApprovalID != ""
	if approval && !req.Input.TimedOut && !workflow.ValidDecisions[workflow.ApprovalStatus(req.Input.Decision)] {
		return nil, workflow.NewValidationError(sus.StepID, "approval resume needs decision approved or rejected, got %q", req.Input.Decision)
	}
	if !req.Input.TimedOut && sus.Expired(e.clock.Now()) {
		return nil, e.lateResume(ctx, inst)
	}
	def, err := e.loadDefinition(ctx, inst)
	if err != nil {
		return nil, err
	}
	switch {
	case approval && req.Input.TimedOut:
		return e.resumeTimedOut(ctx, inst, def)
	case approval:
		return e.applyDecision(ctx, inst, def, ApprovalDecision{
			ApprovalID: sus.Criteria.ApprovalID,
			Decision:   req.Input.Decision,
			DecidedBy:  req.Input.DecidedBy,
			Comment:    req.Input.Comment,
		})
	}
	return e.resume(ctx, inst, def, req.Input)
}

// DecideApproval records an approver's decision and resumes the instance.
//
// The approval is closed with a write conditional on it still being
// pending, so of two racing decisions (or a decision racing the timeout
// sweep) exactly one wins; the others get STALE_RESUME.
func (e *Engine) DecideApproval(ctx context.Context, d ApprovalDecision) (*Outcome, error) {
	status := workflow.ApprovalStatus(d.Decision)
	if !workflow.ValidDecisions[status] {
		return nil, workflow.NewValidationError("", "decision must be approved or rejected, got %q", d.Decision)
	}

	ar, err := e.approvals.GetApproval(ctx, d.ApprovalID)
	if err != nil {
		return nil, err
	}
	if !ar.IsOpen() {
		return nil, workflow.NewStaleResumeError(ar.InstanceID, fmt.Sprintf("approval %s is already %s", ar.ID, ar.Status))
	}

	inst, err := e.instances.GetInstance(ctx, ar.InstanceID)
	if err != nil {
		return nil, err
	}
	sus := inst.Suspension
	if inst.Status != workflow.StatusWaiting || sus == nil || sus.Criteria.ApprovalID != ar.ID {
		return nil, workflow.NewStaleResumeError(inst.ID, fmt.Sprintf("instance is not waiting on approval %s", ar.ID))
	}

	if sus.Expired(e.clock.Now()) {
		return nil, e.lateResume(ctx, inst)
	}

	def, err := e.loadDefinition(ctx, inst)
	if err != nil {
		return nil, err
	}
	return e.applyDecision(ctx, inst, def, d)
}

// applyDecision closes the pending approval request with d and resumes
// inst with the decision. Losing the close to another writer is
// STALE_RESUME.
func (e *Engine) applyDecision(ctx context.Context, inst *workflow.Instance, def *workflow.Definition, d ApprovalDecision) (*Outcome, error) {
	err := e.approvals.CloseApproval(ctx, d.ApprovalID, workflow.ApprovalStatus(d.Decision), d.DecidedBy, d.Comment, e.clock.Now())
	if workflow.IsConcurrentModification(err) {
		return nil, workflow.NewStaleResumeError(inst.ID, fmt.Sprintf("approval %s was decided concurrently", d.ApprovalID))
	}
	if err != nil {
		return nil, fmt.Errorf("close approval %s: %w", d.ApprovalID, err)
	}
	return e.resume(ctx, inst, def, workflow.ResumeInput{
		Decision:  d.Decision,
		DecidedBy: d.DecidedBy,
		Comment:   d.Comment,
	})
}

// DeliverEvent resumes every instance waiting on the event's type and
// correlation key, with the payload as the wait step's output.
//
// Instances that another writer moves first are skipped. Instances whose
// wait already expired take the timeout path instead and are not included
// in the result.
func (e *Engine) DeliverEvent(ctx context.Context, ev workflow.Event) ([]*Outcome, error) {
	if ev.Type == "" || ev.CorrelationKey == "" {
		return nil, nil
	}
	waiting, err := e.instances.FindWaitingForEvent(ctx, ev.Type, ev.CorrelationKey)
	if err != nil {
		return nil, fmt.Errorf("find instances waiting for %s: %w", ev.Type, err)
	}

	now := e.clock.Now()
	var outcomes []*Outcome
	var errs []error
	for _, inst := range waiting {
		if inst.Suspension.Expired(now) {
			if err := e.lateResume(ctx, inst); !workflow.IsStaleResume(err) {
				errs = append(errs, err)
			}
			continue
		}
		def, err := e.loadDefinition(ctx, inst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out, err := e.resume(ctx, inst, def, workflow.ResumeInput{Payload: ev.Payload})
		if isLostRace(err) {
			e.logger.Debug("event delivery lost race", "instance_id", inst.ID, "event_type", ev.Type)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

// SweepTimeouts resumes waiting instances whose deadline has elapsed with
// a timeout outcome. Expired approval requests are closed as expired.
func (e *Engine) SweepTimeouts(ctx context.Context) (*SweepReport, error) {
	now := e.clock.Now()
	expired, err := e.instances.FindExpiredWaits(ctx, now, e.sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("find expired waits: %w", err)
	}

	report := &SweepReport{}
	var errs []error
	for _, inst := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		if !inst.Suspension.Expired(now) {
			continue
		}
		def, err := e.loadDefinition(ctx, inst)
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		_, err = e.resumeTimedOut(ctx, inst, def)
		switch {
		case err == nil:
			report.Resumed++
			report.InstanceIDs = append(report.InstanceIDs, inst.ID)
		case isLostRace(err):
			report.Stale++
		default:
			report.Failed++
			errs = append(errs, err)
		}
	}

	if report.Scanned > 0 {
		e.logger.Info("timeout sweep",
			"scanned", report.Scanned,
			"resumed", report.Resumed,
			"stale", report.Stale,
			"failed", report.Failed)
	}
	return report, errors.Join(errs...)
}

// lateResume runs the timeout path for an instance whose deadline passed
// before the resuming input arrived, and reports STALE_RESUME.
func (e *Engine) lateResume(ctx context.Context, inst *workflow.Instance) error {
	def, err := e.loadDefinition(ctx, inst)
	if err != nil {
		return err
	}
	if _, err := e.resumeTimedOut(ctx, inst, def); err != nil && !isLostRace(err) {
		return err
	}
	return workflow.NewStaleResumeError(inst.ID, "suspend deadline has passed")
}

// resumeTimedOut resumes inst with a timeout outcome.
//
// An approval that was decided before its deadline but never applied to
// the instance resumes with the recorded decision instead.
func (e *Engine) resumeTimedOut(ctx context.Context, inst *workflow.Instance, def *workflow.Definition) (*Outcome, error) {
	in := workflow.ResumeInput{TimedOut: true}

	sus := inst.Suspension
	if sus != nil && sus.Reason == workflow.SuspendApproval && sus.Criteria.ApprovalID != "" {
		ar, err := e.approvals.GetApproval(ctx, sus.Criteria.ApprovalID)
		if err != nil {
			return nil, err
		}
		switch ar.Status {
		case workflow.ApprovalPending:
			err := e.approvals.CloseApproval(ctx, ar.ID, workflow.ApprovalExpired, "", "", e.clock.Now())
			if workflow.IsConcurrentModification(err) {
				return nil, workflow.NewStaleResumeError(inst.ID, fmt.Sprintf("approval %s was decided concurrently", ar.ID))
			}
			if err != nil {
				return nil, fmt.Errorf("expire approval %s: %w", ar.ID, err)
			}
		case workflow.ApprovalApproved, workflow.ApprovalRejected:
			in = workflow.ResumeInput{
				Decision:  string(ar.Status),
				DecidedBy: ar.DecidedBy,
				Comment:   ar.Comment,
			}
		}
	}

	return e.resume(ctx, inst, def, in)
}

// resume applies input at the instance's suspend point, claims the
// instance with a conditional write, and runs on from the next step.
func (e *Engine) resume(ctx context.Context, inst *workflow.Instance, def *workflow.Definition, in workflow.ResumeInput) (*Outcome, error) {
	sus := inst.Suspension
	if inst.Status != workflow.StatusWaiting || sus == nil {
		return nil, workflow.NewStaleResumeError(inst.ID, "instance is not waiting")
	}
	published := inst.LastSeq()
	now := e.clock.Now()

	detail := map[string]any{"reason": string(sus.Reason)}
	if in.TimedOut {
		detail["timed_out"] = true
	}
	if err := inst.Transition(workflow.StatusRunning, workflow.ActivityEntry{
		At:     now,
		Type:   workflow.ActivityInstanceResumed,
		StepID: sus.StepID,
		Detail: detail,
	}); err != nil {
		return nil, err
	}

	if err := e.applyResume(ctx, inst, def, sus, in); err != nil {
		return nil, err
	}

	if err := e.commit(ctx, inst, &published); err != nil {
		return nil, e.resumeConflict(ctx, inst.ID, sus.Token, err)
	}

	return e.run(ctx, inst, def, published)
}

// applyResume runs the suspended step's Resume in memory.
func (e *Engine) applyResume(ctx context.Context, inst *workflow.Instance, def *workflow.Definition, sus *workflow.Suspension, in workflow.ResumeInput) error {
	s := def.Step(sus.StepID)
	if s == nil {
		return e.fail(inst, "", workflow.NewValidationError(sus.StepID, "step %q is not defined", sus.StepID), e.clock.Now())
	}
	handler, err := e.handlers.Get(s.Type)
	if err != nil {
		return e.fail(inst, s.Type, err, e.clock.Now())
	}
	resumer, ok := handler.(steps.Resumer)
	if !ok {
		return e.fail(inst, s.Type, workflow.NewValidationError(s.ID, "step type %s cannot resume", s.Type), e.clock.Now())
	}

	// The handler reads the suspension (approval id); clear it afterwards.
	res, err := e.execute(ctx, inst, s, "resume", func(req *steps.Request) (*steps.Result, error) {
		return resumer.Resume(ctx, req, in)
	})
	inst.Suspension = nil
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return e.fail(inst, s.Type, err, e.clock.Now())
	}

	now := e.clock.Now()
	if res.Suspend != nil {
		return e.suspend(inst, s, res.Suspend, now)
	}
	e.completeStep(inst, s, res, now)
	return e.route(inst, def, s, res.Next, now)
}

// resumeConflict classifies a failed claim write. If the instance is still
// parked at the same suspend point the caller may retry; otherwise another
// writer resumed or cancelled it first and the token is stale.
func (e *Engine) resumeConflict(ctx context.Context, instanceID, token string, err error) error {
	if !workflow.IsConcurrentModification(err) {
		return fmt.Errorf("persist instance %s: %w", instanceID, err)
	}
	fresh, getErr := e.instances.GetInstance(ctx, instanceID)
	if getErr != nil {
		return errors.Join(err, getErr)
	}
	if fresh.Status == workflow.StatusWaiting && fresh.Suspension != nil && fresh.Suspension.Token == token {
		return err
	}
	return workflow.NewStaleResumeError(instanceID, "instance moved past the suspend point")
}

// checkSuspendPoint verifies the instance is waiting at the point token names.
func checkSuspendPoint(inst *workflow.Instance, token string) error {
	if inst.Status != workflow.StatusWaiting {
		return workflow.NewStaleResumeError(inst.ID, fmt.Sprintf("instance is %s, not waiting", inst.Status))
	}
	sus := inst.Suspension
	if sus == nil || sus.StepID != inst.CurrentStepID {
		return workflow.NewStaleResumeError(inst.ID, "instance has no suspend point")
	}
	if !workflow.TokenMatches(sus.Token, token) {
		return workflow.NewStaleResumeError(inst.ID, "resume token does not match the current suspend point")
	}
	return nil
}

func isLostRace(err error) bool {
	return workflow.IsStaleResume(err) || workflow.IsConcurrentModification(err)
}
