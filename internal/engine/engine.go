package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/stepflow/internal/expr"
	"github.com/roach88/stepflow/internal/steps"
	"github.com/roach88/stepflow/internal/workflow"
)

// DefaultMaxSteps is the default number of synchronous steps one
// invocation may run before yielding.
const DefaultMaxSteps = 100

// DefaultRetention is how long terminal instances are kept before purge.
const DefaultRetention = 30 * 24 * time.Hour

// DefaultSweepBatch bounds how many expired suspensions one sweep handles.
const DefaultSweepBatch = 100

const tracerName = "github.com/roach88/stepflow/internal/engine"

// InstanceStore persists instances as versioned documents.
type InstanceStore interface {
	// CreateInstance inserts a new instance and sets its Version to 1.
	CreateInstance(ctx context.Context, inst *workflow.Instance) error

	// GetInstance returns a NOT_FOUND error when the id is unknown.
	GetInstance(ctx context.Context, id string) (*workflow.Instance, error)

	// UpdateInstance writes inst only if the stored version equals
	// inst.Version, then increments inst.Version. A mismatch returns a
	// CONCURRENT_MODIFICATION error and leaves inst.Version unchanged.
	UpdateInstance(ctx context.Context, inst *workflow.Instance) error

	// FindActiveByCorrelation returns the newest non-terminal instance of a
	// definition for a correlation key, or a NOT_FOUND error.
	FindActiveByCorrelation(ctx context.Context, definitionID, correlationKey string) (*workflow.Instance, error)

	// FindWaitingForEvent returns instances waiting on (eventType, key).
	FindWaitingForEvent(ctx context.Context, eventType, correlationKey string) ([]*workflow.Instance, error)

	// FindExpiredWaits returns waiting instances whose deadline is at or
	// before now, oldest deadline first.
	FindExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error)
}

// DefinitionStore looks up definition versions.
type DefinitionStore interface {
	// GetDefinition returns a specific version, or the active version when
	// version is 0.
	GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error)
}

// ApprovalStore persists approval side records.
type ApprovalStore interface {
	steps.ApprovalStore

	GetApproval(ctx context.Context, id string) (*workflow.ApprovalRequest, error)

	// CloseApproval moves a pending request to status. It returns a
	// CONCURRENT_MODIFICATION error when the request is no longer pending.
	CloseApproval(ctx context.Context, id string, status workflow.ApprovalStatus, decidedBy, comment string, at time.Time) error

	ListApprovals(ctx context.Context, instanceID string) ([]*workflow.ApprovalRequest, error)
}

// Engine advances instances through their step graphs.
//
// Engine holds no per-instance state and is safe for concurrent use;
// concurrent calls on the same instance are arbitrated by the store's
// version check.
type Engine struct {
	instances   InstanceStore
	definitions DefinitionStore
	approvals   ApprovalStore
	handlers    *steps.Registry

	clock     workflow.Clock
	ids       workflow.IDGenerator
	notifier  workflow.Notifier
	telemetry workflow.Telemetry
	tracer    trace.Tracer
	logger    *slog.Logger

	env        map[string]string
	maxSteps   int
	retry      RetryPolicy
	retention  time.Duration
	sweepBatch int
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithMaxSteps sets the synchronous step budget per invocation.
//
// Default: 100 steps (DefaultMaxSteps)
// Use WithMaxSteps(2) in tests to exercise yield and Advance.
func WithMaxSteps(maxSteps int) EngineOption {
	return func(e *Engine) {
		if maxSteps > 0 {
			e.maxSteps = maxSteps
		}
	}
}

// WithClock sets the wall clock used for deadlines and timestamps.
func WithClock(c workflow.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the generator for instance ids.
func WithIDGenerator(g workflow.IDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithNotifier sets the real-time notification sink.
func WithNotifier(n workflow.Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithTelemetry sets the observability sink.
func WithTelemetry(t workflow.Telemetry) EngineOption {
	return func(e *Engine) { e.telemetry = t }
}

// WithTracerProvider sets the OpenTelemetry provider used for step spans.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEnv sets the values visible to {{env.NAME}} expressions.
func WithEnv(env map[string]string) EngineOption {
	return func(e *Engine) { e.env = env }
}

// WithRetryPolicy sets the backoff for transient external-call failures.
func WithRetryPolicy(p RetryPolicy) EngineOption {
	return func(e *Engine) { e.retry = p }
}

// WithRetention sets how long terminal instances are kept.
func WithRetention(d time.Duration) EngineOption {
	return func(e *Engine) { e.retention = d }
}

// WithSweepBatch bounds the number of suspensions one sweep handles.
func WithSweepBatch(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

// New creates an Engine over the given stores and handler registry.
func New(
	instances InstanceStore,
	definitions DefinitionStore,
	approvals ApprovalStore,
	handlers *steps.Registry,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		instances:   instances,
		definitions: definitions,
		approvals:   approvals,
		handlers:    handlers,
		clock:       workflow.SystemClock{},
		ids:         UUIDv7Generator{},
		notifier:    workflow.NopNotifier{},
		telemetry:   workflow.NopTelemetry{},
		tracer:      otel.Tracer(tracerName),
		logger:      slog.Default(),
		maxSteps:    DefaultMaxSteps,
		retry:       DefaultRetryPolicy(),
		retention:   DefaultRetention,
		sweepBatch:  DefaultSweepBatch,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Outcome reports the state an invocation left an instance in.
type Outcome struct {
	Instance *workflow.Instance

	// Yielded is true when the step budget ran out while the instance was
	// still running. Call Advance to continue.
	Yielded bool

	// StepsRun counts handler executions in this invocation.
	StepsRun int
}

// Get returns the current state of an instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	return e.instances.GetInstance(ctx, instanceID)
}

// Approvals lists approval requests raised by an instance.
func (e *Engine) Approvals(ctx context.Context, instanceID string) ([]*workflow.ApprovalRequest, error) {
	return e.approvals.ListApprovals(ctx, instanceID)
}

func (e *Engine) loadDefinition(ctx context.Context, inst *workflow.Instance) (*workflow.Definition, error) {
	def, err := e.definitions.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, fmt.Errorf("load definition %s v%d: %w", inst.DefinitionID, inst.DefinitionVersion, err)
	}
	return def, nil
}

// exprContext builds the resolver snapshot for an instance.
func (e *Engine) exprContext(inst *workflow.Instance) *expr.Context {
	return &expr.Context{
		Variables: inst.Variables,
		Steps:     inst.StepOutputs,
		Input:     inst.Input,
		Env:       e.env,
		Now:       e.clock.Now,
	}
}

func (e *Engine) request(inst *workflow.Instance, step *workflow.Step, now time.Time) *steps.Request {
	return &steps.Request{
		Step:     step,
		Instance: inst,
		Expr:     e.exprContext(inst),
		Now:      now,
	}
}
