package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepflow/internal/workflow"
)

// routingDefinition: intake → route → (big | small).
func routingDefinition() *workflow.Definition {
	route := &workflow.Step{
		ID:      "route",
		Type:    workflow.StepDecision,
		Enabled: true,
		Config: map[string]any{
			"condition": "greaterThan",
			"subject":   "{{input.amount}}",
			"value":     1000,
		},
		Branches: map[string]string{"true": "big", "false": "small"},
	}
	small := stage("small", "small-deal", "")
	small.Assign = map[string]any{
		"tier":   "standard",
		"amount": "{{input.amount}}",
	}
	return definition("quote",
		stage("intake", "new", "route"),
		route,
		stage("big", "large-deal", ""),
		small,
	)
}

func TestEngine_New(t *testing.T) {
	e := New(nil, nil, nil, nil)

	assert.Equal(t, DefaultMaxSteps, e.maxSteps)
	assert.Equal(t, DefaultRetention, e.retention)
	assert.Equal(t, DefaultSweepBatch, e.sweepBatch)
	assert.NotNil(t, e.clock)
	assert.NotNil(t, e.ids)
	assert.NotNil(t, e.notifier)
	assert.NotNil(t, e.telemetry)
	assert.NotNil(t, e.tracer)
	assert.NotNil(t, e.logger)
}

func TestEngine_Options(t *testing.T) {
	logger := slog.Default()
	e := New(nil, nil, nil, nil,
		WithMaxSteps(5),
		WithRetention(time.Hour),
		WithSweepBatch(7),
		WithLogger(logger),
		WithEnv(map[string]string{"REGION": "eu"}),
		WithRetryPolicy(NoRetry()),
	)

	assert.Equal(t, 5, e.maxSteps)
	assert.Equal(t, time.Hour, e.retention)
	assert.Equal(t, 7, e.sweepBatch)
	assert.Same(t, logger, e.logger)
	assert.Equal(t, "eu", e.env["REGION"])
	assert.Equal(t, uint64(0), e.retry.MaxRetries)
}

func TestEngine_WithMaxStepsIgnoresNonPositive(t *testing.T) {
	e := New(nil, nil, nil, nil, WithMaxSteps(0), WithSweepBatch(-1))
	assert.Equal(t, DefaultMaxSteps, e.maxSteps)
	assert.Equal(t, DefaultSweepBatch, e.sweepBatch)
}

func TestStart_RunsSynchronousStepsToCompletion(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, routingDefinition())

	out := f.start(t, "quote", "lead-7", map[string]any{"amount": 500})
	inst := out.Instance

	assert.False(t, out.Yielded)
	assert.Equal(t, 3, out.StepsRun)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Empty(t, inst.CurrentStepID, "terminal instances have no current step")
	assert.Equal(t, []string{"intake", "route", "small"}, inst.CompletedStepIDs)
	assert.Equal(t, "small-deal", inst.Stage)
	assert.Equal(t, "standard", inst.Variables["tier"])
	assert.Equal(t, map[string]any{"condition": "greaterThan", "outcome": "false"}, inst.StepOutputs["route"])
	require.NotNil(t, inst.EndedAt)
	require.NotNil(t, inst.ExpiresAt)
	assert.Equal(t, testStart.Add(DefaultRetention), *inst.ExpiresAt)

	assert.Equal(t, []workflow.ActivityType{
		workflow.ActivityInstanceCreated,
		workflow.ActivityInstanceStarted,
		workflow.ActivityStepStarted,
		workflow.ActivityStepCompleted,
		workflow.ActivityStepStarted,
		workflow.ActivityStepCompleted,
		workflow.ActivityStepStarted,
		workflow.ActivityStepCompleted,
		workflow.ActivityVariableUpdated,
		workflow.ActivityVariableUpdated,
		workflow.ActivityInstanceCompleted,
	}, activityTypes(inst))

	stored := f.get(t, inst.ID)
	assert.Equal(t, workflow.StatusCompleted, stored.Status)
	assert.Equal(t, float64(500), stored.Variables["amount"], "single-placeholder assignment keeps the number")
	assert.Equal(t, inst.Version, stored.Version)
}

func TestStart_TakesTrueBranch(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, routingDefinition())

	out := f.start(t, "quote", "lead-7", map[string]any{"amount": 5000})

	assert.Equal(t, []string{"intake", "route", "big"}, out.Instance.CompletedStepIDs)
	assert.Equal(t, "large-deal", out.Instance.Stage)
}

func TestStart_PersistsEveryStep(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, routingDefinition())

	out := f.start(t, "quote", "", map[string]any{"amount": 1})

	// create (v1) + one conditional write per step
	assert.Equal(t, int64(1+3), out.Instance.Version)
}

func TestStart_RequiresActiveDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutDefinition(ctx, routingDefinition()))

	_, err := f.engine.Start(ctx, StartRequest{DefinitionID: "quote", Version: 1})
	require.Error(t, err)
	assert.True(t, workflow.IsValidationError(err))

	_, err = f.engine.Start(ctx, StartRequest{DefinitionID: "quote"})
	require.Error(t, err)
	assert.True(t, workflow.IsNotFound(err))
}

func TestStart_DisabledStepIsSkipped(t *testing.T) {
	f := newFixture(t)
	middle := stage("middle", "never", "last")
	middle.Enabled = false
	f.deploy(t, definition("skip",
		stage("first", "one", "middle"),
		middle,
		stage("last", "three", ""),
	))

	inst := f.start(t, "skip", "", nil).Instance

	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, []string{"first", "last"}, inst.CompletedStepIDs)
	assert.Contains(t, activityTypes(inst), workflow.ActivityStepSkipped)
	assert.NotContains(t, inst.StepOutputs, "middle")
}

func TestStart_UnroutableDecisionFails(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, definition("dead-end",
		&workflow.Step{
			ID:       "route",
			Type:     workflow.StepDecision,
			Enabled:  true,
			Config:   map[string]any{"condition": "equals", "subject": "{{input.kind}}", "value": "motor"},
			Branches: map[string]string{"true": "done"},
		},
		stage("done", "done", ""),
	))

	inst := f.start(t, "dead-end", "", map[string]any{"kind": "home"}).Instance

	assert.Equal(t, workflow.StatusFailed, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, workflow.ErrCodeUnroutableDecision, inst.LastError.Code)
	assert.Equal(t, "route", inst.LastError.StepID)
	assert.Equal(t, "route", inst.CurrentStepID, "failed instances keep the failing step")
	assert.Empty(t, inst.CompletedStepIDs)

	types := activityTypes(inst)
	assert.Equal(t, workflow.ActivityStepFailed, types[len(types)-2])
	assert.Equal(t, workflow.ActivityInstanceFailed, types[len(types)-1])

	stored := f.get(t, inst.ID)
	assert.Equal(t, workflow.StatusFailed, stored.Status)
	assert.Equal(t, inst.LastError, stored.LastError)
}

func TestStart_ValidationFailure(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, definition("bad", &workflow.Step{
		ID: "s", Type: workflow.StepStage, Enabled: true,
	}))

	inst := f.start(t, "bad", "", nil).Instance

	assert.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Equal(t, workflow.ErrCodeValidation, inst.LastError.Code)
}

func TestStart_EdgeToUnknownStepFails(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, definition("broken", stage("a", "a", "nowhere")))

	inst := f.start(t, "broken", "", nil).Instance

	assert.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Equal(t, workflow.ErrCodeValidation, inst.LastError.Code)
	assert.Equal(t, []string{"a"}, inst.CompletedStepIDs)
}

func TestCompletedStepIDsMatchActivityOrder(t *testing.T) {
	f := newFixture(t, WithMaxSteps(2))
	f.deploy(t, definition("long",
		stage("a", "a", "b"),
		stage("b", "b", "c"),
		stage("c", "c", "d"),
		waitStep("d", "docs.received", "", "e", ""),
		stage("e", "e", ""),
	))
	ctx := context.Background()

	out := f.start(t, "long", "lead-1", nil)
	for out.Yielded {
		var err error
		out, err = f.engine.Advance(ctx, out.Instance.ID)
		require.NoError(t, err)
		assert.Equal(t, completedFromLog(out.Instance), out.Instance.CompletedStepIDs)
	}
	_, err := f.engine.DeliverEvent(ctx, workflow.Event{Type: "docs.received", CorrelationKey: "lead-1"})
	require.NoError(t, err)

	inst := f.get(t, out.Instance.ID)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, inst.CompletedStepIDs)
	assert.Equal(t, completedFromLog(inst), inst.CompletedStepIDs)
}

func TestStepBudget_YieldsAndAdvanceContinues(t *testing.T) {
	f := newFixture(t, WithMaxSteps(2))
	f.deploy(t, definition("chain",
		stage("a", "a", "b"),
		stage("b", "b", "c"),
		stage("c", "c", ""),
	))
	ctx := context.Background()

	out := f.start(t, "chain", "", nil)
	require.True(t, out.Yielded)
	assert.Equal(t, 2, out.StepsRun)
	assert.Equal(t, workflow.StatusRunning, out.Instance.Status)
	assert.Equal(t, "c", out.Instance.CurrentStepID)

	last := out.Instance.Activity[len(out.Instance.Activity)-1]
	assert.Equal(t, workflow.ActivityInstanceYielded, last.Type)
	assert.Equal(t, "c", last.StepID)

	stored := f.get(t, out.Instance.ID)
	assert.Equal(t, workflow.StatusRunning, stored.Status, "yield is persisted")

	out, err := f.engine.Advance(ctx, out.Instance.ID)
	require.NoError(t, err)
	assert.False(t, out.Yielded)
	assert.Equal(t, workflow.StatusCompleted, out.Instance.Status)
	assert.Equal(t, []string{"a", "b", "c"}, out.Instance.CompletedStepIDs)
}

func TestStepBudget_BoundsCycles(t *testing.T) {
	f := newFixture(t, WithMaxSteps(10))
	f.deploy(t, definition("loop",
		stage("ping", "ping", "pong"),
		stage("pong", "pong", "ping"),
	))

	out := f.start(t, "loop", "", nil)

	assert.True(t, out.Yielded)
	assert.Equal(t, 10, out.StepsRun)
	assert.Equal(t, workflow.StatusRunning, out.Instance.Status)
}

func TestAdvance_RequiresRunning(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, routingDefinition())
	inst := f.start(t, "quote", "", map[string]any{"amount": 1}).Instance

	_, err := f.engine.Advance(context.Background(), inst.ID)
	require.Error(t, err)
	assert.True(t, workflow.IsInvalidTransition(err))

	_, err = f.engine.Advance(context.Background(), "missing")
	assert.True(t, workflow.IsNotFound(err))
}

func TestStart_CancelledContextLeavesInstanceRunning(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, routingDefinition())

	ctx, cancel := context.WithCancel(context.Background())
	f.engine.notifier = cancelOnNotify{cancel: cancel}

	_, err := f.engine.Start(ctx, StartRequest{DefinitionID: "quote", Input: map[string]any{"amount": 1}})
	require.ErrorIs(t, err, context.Canceled)

	inst := f.get(t, "inst-1")
	assert.Equal(t, workflow.StatusRunning, inst.Status)
	assert.Equal(t, "intake", inst.CurrentStepID)

	out, err := f.engine.Advance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, out.Instance.Status)
}

// cancelOnNotify cancels the run's context as soon as the start is published.
type cancelOnNotify struct{ cancel context.CancelFunc }

func (c cancelOnNotify) Notify(context.Context, workflow.Notification) error {
	c.cancel()
	return nil
}

func TestNotifications_PublishedAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, routingDefinition())

	inst := f.start(t, "quote", "", map[string]any{"amount": 1}).Instance

	assert.Equal(t, activityTypes(inst), f.notifier.types(), "every entry is published once, in order")
	for _, n := range f.notifier.sent {
		assert.Equal(t, inst.ID, n.InstanceID)
		assert.Equal(t, "org-1", n.OrgID)
	}
}

func TestNotifications_FailureDoesNotAffectInstance(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = true
	f.deploy(t, routingDefinition())

	inst := f.start(t, "quote", "", map[string]any{"amount": 1}).Instance

	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.NotEmpty(t, f.notifier.types())
}
