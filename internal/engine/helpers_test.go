package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/stepflow/internal/steps"
	"github.com/roach88/stepflow/internal/store"
	"github.com/roach88/stepflow/internal/testutil"
	"github.com/roach88/stepflow/internal/workflow"
)

var testStart = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// fixture is an engine over a real SQLite store with a fixed clock.
type fixture struct {
	store    *store.Store
	engine   *Engine
	clock    *testutil.FixedClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewFixedClock(testStart)
	registry, err := steps.NewDefaultRegistry(steps.Deps{
		Approvals: s,
		IDs:       testutil.NewSequenceGenerator("apr"),
		RoleTimeouts: map[string]time.Duration{
			"underwriter": 72 * time.Hour,
		},
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	base := []EngineOption{
		WithClock(clock),
		WithIDGenerator(testutil.NewSequenceGenerator("inst")),
		WithNotifier(notifier),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryPolicy(RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}),
	}

	return &fixture{
		store:    s,
		engine:   New(s, s, s, registry, append(base, opts...)...),
		clock:    clock,
		notifier: notifier,
	}
}

// deploy stores def and makes it the active version.
func (f *fixture) deploy(t *testing.T, def *workflow.Definition) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.PutDefinition(ctx, def))
	require.NoError(t, f.store.ActivateDefinition(ctx, def.ID, def.Version))
}

func (f *fixture) start(t *testing.T, defID, key string, input map[string]any) *Outcome {
	t.Helper()
	out, err := f.engine.Start(context.Background(), StartRequest{
		DefinitionID:   defID,
		CorrelationKey: key,
		Input:          input,
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	return out
}

func (f *fixture) get(t *testing.T, id string) *workflow.Instance {
	t.Helper()
	inst, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

// definition builds an active definition from steps listed in order.
// The first step is the entry step.
func definition(id string, stepList ...*workflow.Step) *workflow.Definition {
	def := &workflow.Definition{
		ID:      id,
		Version: 1,
		Name:    id,
		OrgID:   "org-1",
		Steps:   make(map[string]*workflow.Step, len(stepList)),
	}
	for i, s := range stepList {
		s.Order = i + 1
		def.Steps[s.ID] = s
	}
	if len(stepList) > 0 {
		def.EntryStepID = stepList[0].ID
	}
	return def
}

func stage(id, label, next string) *workflow.Step {
	return &workflow.Step{
		ID:      id,
		Type:    workflow.StepStage,
		Enabled: true,
		Config:  map[string]any{"label": label},
		Next:    next,
	}
}

func approvalStep(id string, config map[string]any, approve, reject string) *workflow.Step {
	return &workflow.Step{
		ID:       id,
		Type:     workflow.StepApproval,
		Enabled:  true,
		Config:   config,
		Branches: map[string]string{"approve": approve, "reject": reject},
	}
}

func waitStep(id, eventType, timeout, next, onTimeout string) *workflow.Step {
	cfg := map[string]any{"eventType": eventType}
	if timeout != "" {
		cfg["timeout"] = timeout
	}
	s := &workflow.Step{ID: id, Type: workflow.StepWait, Enabled: true, Config: cfg, Next: next}
	if onTimeout != "" {
		s.Branches = map[string]string{"timeout": onTimeout}
	}
	return s
}

// activityTypes lists the activity log's entry types in order.
func activityTypes(inst *workflow.Instance) []workflow.ActivityType {
	out := make([]workflow.ActivityType, len(inst.Activity))
	for i, e := range inst.Activity {
		out[i] = e.Type
	}
	return out
}

// completedFromLog lists step ids of step.completed entries in log order.
func completedFromLog(inst *workflow.Instance) []string {
	out := []string{}
	for _, e := range inst.Activity {
		if e.Type == workflow.ActivityStepCompleted {
			out = append(out, e.StepID)
		}
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []workflow.Notification
	fail bool
}

func (n *recordingNotifier) Notify(_ context.Context, note workflow.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	if n.fail {
		return errors.New("socket closed")
	}
	return nil
}

func (n *recordingNotifier) types() []workflow.ActivityType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]workflow.ActivityType, len(n.sent))
	for i, note := range n.sent {
		out[i] = note.Type
	}
	return out
}
