package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/stepflow/internal/app"
	"github.com/roach88/stepflow/internal/compiler"
	"github.com/roach88/stepflow/internal/config"
	"github.com/roach88/stepflow/internal/engine"
	"github.com/roach88/stepflow/internal/expr"
	"github.com/roach88/stepflow/internal/store"
	"github.com/roach88/stepflow/internal/testutil"
	"github.com/roach88/stepflow/internal/workflow"
)

// IDPrefix prefixes every instance and approval id in a scenario run.
const IDPrefix = "wf"

// Harness executes one scenario against a private engine.
type Harness struct {
	app   *app.App
	clock *testutil.FixedClock

	aliases map[string]string // alias -> instance id
	names   map[string]string // instance id -> alias
	order   []string          // aliases in first-seen order
}

// Run executes a scenario and returns its result.
//
// The run uses an in-memory SQLite store, a fixed clock starting at the
// scenario's start_time, sequential ids, and stubbed HTTP. Two runs of the
// same scenario produce identical traces.
//
// A returned error means the scenario could not be set up (unreadable or
// invalid definitions). Failed expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	start := DefaultStartTime
	if scenario.StartTime != "" {
		t, err := time.Parse(time.RFC3339, scenario.StartTime)
		if err != nil {
			return nil, fmt.Errorf("start_time: %w", err)
		}
		start = t.UTC()
	}

	defs, err := loadDefinitions(scenario.Definitions)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	cfg, err := config.Default()
	if err != nil {
		st.Close()
		return nil, err
	}
	cfg.Env = scenario.Env

	clock := testutil.NewFixedClock(start)
	a, err := app.New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		app.WithStore(st),
		app.WithClock(clock),
		app.WithIDGenerator(testutil.NewSequenceGenerator(IDPrefix)),
		app.WithHTTPClient(&stubClient{stubs: scenario.HTTP}),
		app.WithRegistry(prometheus.NewRegistry()),
	)
	if err != nil {
		st.Close()
		return nil, err
	}
	defer a.Close()

	if _, err := a.Deploy(ctx, defs, true); err != nil {
		return nil, fmt.Errorf("deploy definitions: %w", err)
	}

	h := &Harness{
		app:     a,
		clock:   clock,
		aliases: make(map[string]string),
		names:   make(map[string]string),
	}

	result := NewResult()
	h.executeFlow(ctx, scenario.Flow, result)
	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// loadDefinitions compiles every file and rejects definitions with
// validation errors. Warnings are ignored.
func loadDefinitions(paths []string) ([]*workflow.Definition, error) {
	var defs []*workflow.Definition
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read definition file: %w", err)
		}
		compiled, err := compiler.CompileSource(path, src)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", path, err)
		}
		for _, def := range compiled {
			if errs := compiler.Errors(compiler.Validate(def)); len(errs) > 0 {
				return nil, fmt.Errorf("definition %s: %s: %s", def.ID, errs[0].Code, errs[0].Message)
			}
		}
		defs = append(defs, compiled...)
	}
	return defs, nil
}

// executeFlow runs each flow step in order and stops at the first
// unexpected failure.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) {
	for i, step := range flow {
		target, err := h.execute(ctx, step)

		if step.Expect != nil && step.Expect.Error != "" {
			if err == nil {
				result.AddError(fmt.Sprintf("flow[%d]: expected error %s, action succeeded", i, step.Expect.Error))
				return
			}
			if got := workflow.CodeOf(err); string(got) != step.Expect.Error {
				result.AddError(fmt.Sprintf("flow[%d]: expected error %s, got %s (%v)", i, step.Expect.Error, got, err))
				return
			}
			continue
		}
		if err != nil {
			result.AddError(fmt.Sprintf("flow[%d]: %v", i, err))
			return
		}

		if step.Expect != nil {
			for _, msg := range h.checkExpect(ctx, target, step.Expect) {
				result.AddError(fmt.Sprintf("flow[%d]: %s", i, msg))
			}
		}
	}
}

// execute performs one action and returns the id of the instance it
// targeted or produced, if any.
func (h *Harness) execute(ctx context.Context, step FlowStep) (string, error) {
	eng := h.app.Engine
	switch {
	case step.Emit != nil:
		res, err := h.app.Emit(ctx, workflow.Event{
			Type:           step.Emit.Type,
			Payload:        step.Emit.Payload,
			CorrelationKey: step.Emit.CorrelationKey,
		})
		if res == nil {
			return "", err
		}
		var touched []string
		for _, m := range res.Matches {
			touched = append(touched, m.InstanceID)
		}
		for _, r := range res.Resumed {
			touched = append(touched, r.InstanceID)
		}
		if len(touched) == 0 {
			return "", err
		}
		h.remember(touched[0], step.As)
		for _, id := range touched[1:] {
			h.remember(id, "")
		}
		return touched[0], err

	case step.Start != nil:
		out, err := eng.Start(ctx, engine.StartRequest{
			DefinitionID:   step.Start.Definition,
			Version:        step.Start.Version,
			CorrelationKey: step.Start.CorrelationKey,
			Input:          step.Start.Input,
		})
		if err != nil {
			return "", err
		}
		h.remember(out.Instance.ID, step.As)
		return out.Instance.ID, nil

	case step.Decide != nil:
		id := h.resolve(step.Decide.Instance)
		approvalID, err := h.latestApproval(ctx, id)
		if err != nil {
			return id, err
		}
		decidedBy := step.Decide.DecidedBy
		if decidedBy == "" {
			decidedBy = "scenario"
		}
		_, err = eng.DecideApproval(ctx, engine.ApprovalDecision{
			ApprovalID: approvalID,
			Decision:   step.Decide.Decision,
			DecidedBy:  decidedBy,
			Comment:    step.Decide.Comment,
		})
		return id, err

	case step.Resume != nil:
		id := h.resolve(step.Resume.Instance)
		token := step.Resume.Token
		if token == "" {
			inst, err := eng.Get(ctx, id)
			if err != nil {
				return id, err
			}
			if inst.Suspension != nil {
				token = inst.Suspension.Token
			}
		}
		_, err := eng.Resume(ctx, engine.ResumeRequest{
			InstanceID: id,
			Token:      token,
			Input: workflow.ResumeInput{
				Decision: step.Resume.Decision,
				Payload:  step.Resume.Payload,
			},
		})
		return id, err

	case step.Cancel != nil:
		id := h.resolve(step.Cancel.Instance)
		_, err := eng.Cancel(ctx, id, step.Cancel.Reason)
		return id, err

	case step.Advance != "":
		id := h.resolve(step.Advance)
		_, err := eng.Advance(ctx, id)
		return id, err

	case step.Sweep:
		report, err := eng.SweepTimeouts(ctx)
		if report == nil || len(report.InstanceIDs) == 0 {
			return "", err
		}
		for _, id := range report.InstanceIDs {
			h.remember(id, "")
		}
		return report.InstanceIDs[0], err

	case step.Clock != "":
		d, err := time.ParseDuration(step.Clock)
		if err != nil {
			return "", err
		}
		h.clock.Advance(d)
		return "", nil
	}
	return "", fmt.Errorf("flow step has no action")
}

// latestApproval returns the approval the instance waits on, or its most
// recent one so that deciding twice reaches the engine.
func (h *Harness) latestApproval(ctx context.Context, instanceID string) (string, error) {
	inst, err := h.app.Engine.Get(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if sus := inst.Suspension; sus != nil && sus.Criteria.ApprovalID != "" {
		return sus.Criteria.ApprovalID, nil
	}
	approvals, err := h.app.Engine.Approvals(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if len(approvals) == 0 {
		return "", fmt.Errorf("instance %s has no approvals", instanceID)
	}
	return approvals[len(approvals)-1].ID, nil
}

// checkExpect compares one instance against an expect clause.
func (h *Harness) checkExpect(ctx context.Context, target string, want *ExpectClause) []string {
	if want.Instance != "" {
		target = h.resolve(want.Instance)
	}
	if target == "" {
		return []string{"expect: action produced no instance; name one with instance:"}
	}
	inst, err := h.app.Engine.Get(ctx, target)
	if err != nil {
		return []string{fmt.Sprintf("expect: %v", err)}
	}

	var errs []string
	if want.Status != "" && string(inst.Status) != want.Status {
		errs = append(errs, fmt.Sprintf("expected status %s, got %s", want.Status, inst.Status))
	}
	if want.Stage != "" && inst.Stage != want.Stage {
		errs = append(errs, fmt.Sprintf("expected stage %q, got %q", want.Stage, inst.Stage))
	}
	if want.CurrentStep != "" && inst.CurrentStepID != want.CurrentStep {
		errs = append(errs, fmt.Sprintf("expected current step %q, got %q", want.CurrentStep, inst.CurrentStepID))
	}
	for name, v := range want.Variables {
		got, ok := inst.Variables[name]
		if !ok || !matchValue(got, v) {
			errs = append(errs, fmt.Sprintf("expected variable %s = %v, got %v", name, v, got))
		}
	}
	return errs
}

// collect reads the final document, approvals, and activity of every
// instance the flow touched.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	for _, alias := range h.order {
		id := h.aliases[alias]
		inst, err := h.app.Engine.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load instance %s: %w", alias, err)
		}
		approvals, err := h.app.Engine.Approvals(ctx, id)
		if err != nil {
			return fmt.Errorf("load approvals of %s: %w", alias, err)
		}
		result.Instances[alias] = inst
		result.Approvals[alias] = approvals
		result.addActivity(alias, inst.Activity)
	}
	return nil
}

// remember registers an instance under alias, or under its id when alias
// is empty. A later alias replaces an id-named entry in place.
func (h *Harness) remember(id, alias string) {
	if existing, ok := h.names[id]; ok {
		if alias == "" || alias == existing {
			return
		}
		if existing == id {
			delete(h.aliases, existing)
			for i, a := range h.order {
				if a == existing {
					h.order[i] = alias
				}
			}
			h.aliases[alias] = id
			h.names[id] = alias
		}
		return
	}
	if alias == "" {
		alias = id
	}
	h.aliases[alias] = id
	h.names[id] = alias
	h.order = append(h.order, alias)
}

// resolve maps an alias to its instance id. Unknown names are taken to be
// ids already.
func (h *Harness) resolve(ref string) string {
	if id, ok := h.aliases[ref]; ok {
		return id
	}
	return ref
}

// stubClient answers requests from the scenario's HTTP stubs.
type stubClient struct {
	stubs []HTTPStub
}

func (c *stubClient) Do(req *http.Request) (*http.Response, error) {
	for _, s := range c.stubs {
		if s.Method != "" && !strings.EqualFold(s.Method, req.Method) {
			continue
		}
		if s.URL != req.URL.String() {
			continue
		}
		return s.response(req)
	}
	return nil, fmt.Errorf("no stub for %s %s", req.Method, req.URL)
}

func (s HTTPStub) response(req *http.Request) (*http.Response, error) {
	status := s.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := make(http.Header)
	for k, v := range s.Headers {
		header.Set(k, v)
	}

	var body []byte
	switch b := s.Body.(type) {
	case nil:
	case string:
		body = []byte(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode stub body for %s: %w", s.URL, err)
		}
		body = data
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

// matchValue compares an actual document value against an expected one
// from YAML. Maps match as subsets; numbers match across int and float.
func matchValue(actual, expected any) bool {
	switch want := expected.(type) {
	case map[string]any:
		got, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		return matchSubset(got, want)
	case []any:
		got, ok := actual.([]any)
		if !ok || len(got) != len(want) {
			return false
		}
		for i := range want {
			if !matchValue(got[i], want[i]) {
				return false
			}
		}
		return true
	default:
		return expr.Equal(actual, expected)
	}
}

// matchSubset reports whether every key of expected matches in actual.
func matchSubset(actual, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok && want != nil {
			return false
		}
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}
