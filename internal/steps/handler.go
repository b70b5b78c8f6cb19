package steps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/stepflow/internal/expr"
	"github.com/roach88/stepflow/internal/workflow"
)

// Request is the input to one handler invocation.
type Request struct {
	Step     *workflow.Step
	Instance *workflow.Instance
	Expr     *expr.Context
	Now      time.Time
}

// Config resolves the step's configuration against the request context.
func (r *Request) Config() map[string]any {
	if len(r.Step.Config) == 0 {
		return map[string]any{}
	}
	resolved, _ := expr.ResolveValue(r.Step.Config, r.Expr).(map[string]any)
	if resolved == nil {
		return map[string]any{}
	}
	return resolved
}

// Result is what a handler returns: proceed when Suspend is nil.
type Result struct {
	Output any

	// Next is the step to run after this one. Empty completes the instance.
	Next string

	// Stage, when set, becomes the instance's status label.
	Stage string

	Suspend *Suspend
}

// Suspend describes a suspend point.
type Suspend struct {
	Reason   workflow.SuspendReason
	Criteria workflow.ResumeCriteria
	Deadline *time.Time
}

// Handler executes one step type.
type Handler interface {
	Type() workflow.StepType
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Resumer is implemented by handlers that suspend.
type Resumer interface {
	Resume(ctx context.Context, req *Request, in workflow.ResumeInput) (*Result, error)
}

// Registry maps step types to handlers.
type Registry struct {
	handlers map[workflow.StepType]Handler
}

// NewRegistry creates a registry holding the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[workflow.StepType]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds or replaces the handler for h.Type().
func (r *Registry) Register(h Handler) {
	r.handlers[h.Type()] = h
}

// Get returns the handler for a step type.
func (r *Registry) Get(t workflow.StepType) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, workflow.NewValidationError("", "no handler for step type %q", t)
	}
	return h, nil
}

// Types lists registered step types in sorted order.
func (r *Registry) Types() []workflow.StepType {
	out := make([]workflow.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Deps are the collaborators the default handler set needs.
type Deps struct {
	Approvals      ApprovalStore
	IDs            workflow.IDGenerator
	RoleTimeouts   map[string]time.Duration
	DefaultTimeout time.Duration
	HTTPClient     Doer
	Dispatchers    map[string]Dispatcher
	Telemetry      workflow.Telemetry
	Logger         *slog.Logger
}

// NewDefaultRegistry wires every built-in step type.
func NewDefaultRegistry(d Deps) (*Registry, error) {
	if d.Approvals == nil {
		return nil, fmt.Errorf("steps: approval store is required")
	}
	if d.IDs == nil {
		return nil, fmt.Errorf("steps: id generator is required")
	}
	return NewRegistry(
		Stage{},
		Decision{},
		&Approval{
			Store:          d.Approvals,
			IDs:            d.IDs,
			RoleTimeouts:   d.RoleTimeouts,
			DefaultTimeout: d.DefaultTimeout,
		},
		Wait{},
		&ExternalCall{Client: d.HTTPClient, Telemetry: d.Telemetry},
		&Notification{Dispatchers: d.Dispatchers, Logger: d.Logger},
	), nil
}
