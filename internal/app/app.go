// Package app assembles a running stepflow process from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/stepflow/internal/config"
	"github.com/roach88/stepflow/internal/engine"
	"github.com/roach88/stepflow/internal/notify"
	"github.com/roach88/stepflow/internal/pgstore"
	"github.com/roach88/stepflow/internal/realtime"
	"github.com/roach88/stepflow/internal/steps"
	"github.com/roach88/stepflow/internal/store"
	"github.com/roach88/stepflow/internal/telemetry"
	"github.com/roach88/stepflow/internal/trigger"
	"github.com/roach88/stepflow/internal/workflow"
)

// Store is everything the process needs from a document store.
// Implemented by *store.Store (SQLite) and *pgstore.Store (Postgres).
type Store interface {
	engine.InstanceStore
	engine.DefinitionStore
	engine.ApprovalStore
	trigger.DefinitionSource

	PutDefinition(ctx context.Context, def *workflow.Definition) error
	ActivateDefinition(ctx context.Context, id string, version int) error
	ListDefinitions(ctx context.Context) ([]*workflow.Definition, error)
	ListInstances(ctx context.Context, f workflow.InstanceFilter) ([]*workflow.Instance, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

var (
	_ Store = (*store.Store)(nil)
	_ Store = (*pgstore.Store)(nil)
)

// App holds the wired components of one process.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      Store
	Engine     *engine.Engine
	Matcher    *trigger.Matcher
	Hub        *realtime.Hub
	Prometheus *telemetry.Prometheus

	clock workflow.Clock
}

type options struct {
	store      Store
	clock      workflow.Clock
	ids        workflow.IDGenerator
	httpClient steps.Doer
	registry   *prometheus.Registry
}

// Option customizes New.
type Option func(*options)

// WithStore uses st instead of opening the configured store.
func WithStore(st Store) Option {
	return func(o *options) { o.store = st }
}

// WithClock sets the clock shared by the engine and dispatchers.
func WithClock(c workflow.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator sets the generator for instance and approval ids.
func WithIDGenerator(g workflow.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithHTTPClient sets the client for external calls and webhooks.
func WithHTTPClient(c steps.Doer) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New opens the configured store and wires the engine around it.
// The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{
		clock:      workflow.SystemClock{},
		ids:        engine.UUIDv7Generator{},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	st := o.store
	if st == nil {
		var err error
		st, err = OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	hub := realtime.NewHub(realtime.WithLogger(logger))
	prom := telemetry.NewPrometheus(o.registry)
	otelSink, err := telemetry.NewOTel(nil)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init otel metrics: %w", err)
	}
	tel := telemetry.Multi{prom, otelSink}

	registry, err := steps.NewDefaultRegistry(steps.Deps{
		Approvals:      st,
		IDs:            o.ids,
		RoleTimeouts:   cfg.Approvals.RoleTimeouts,
		DefaultTimeout: cfg.Approvals.DefaultTimeout,
		HTTPClient:     o.httpClient,
		Dispatchers:    dispatchers(cfg, logger, hub, o.clock, o.httpClient),
		Telemetry:      tel,
		Logger:         logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	eng := engine.New(st, st, st, registry,
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithClock(o.clock),
		engine.WithIDGenerator(o.ids),
		engine.WithNotifier(hub),
		engine.WithTelemetry(tel),
		engine.WithLogger(logger),
		engine.WithEnv(cfg.Env),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxRetries:      cfg.Engine.Retry.MaxRetries,
			InitialInterval: cfg.Engine.Retry.InitialInterval,
			MaxInterval:     cfg.Engine.Retry.MaxInterval,
			Multiplier:      2,
		}),
		engine.WithRetention(cfg.Engine.Retention),
		engine.WithSweepBatch(cfg.Engine.SweepBatch),
	)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      st,
		Engine:     eng,
		Matcher:    trigger.New(st, st, eng, trigger.WithLogger(logger), trigger.WithEnv(cfg.Env)),
		Hub:        hub,
		Prometheus: prom,
		clock:      o.clock,
	}, nil
}

// OpenStore opens the store named by cfg.Storage.Driver.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		st, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.Storage.Path, err)
		}
		return st, nil
	case "postgres":
		st, err := pgstore.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// dispatchers builds the notification channels: "log", "in_app", and one
// per configured webhook.
func dispatchers(cfg *config.Config, logger *slog.Logger, n workflow.Notifier, clock workflow.Clock, client steps.Doer) map[string]steps.Dispatcher {
	out := map[string]steps.Dispatcher{
		"log":    notify.Log{Logger: logger},
		"in_app": notify.InApp{Notifier: n, Now: clock.Now},
	}
	for name, wh := range cfg.Notifications.Webhooks {
		out[name] = &notify.Webhook{URL: wh.URL, Headers: wh.Headers, Client: client}
	}
	return out
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Now reads the process clock.
func (a *App) Now() time.Time {
	return a.clock.Now()
}

// EmitResult reports what one inbound event did.
type EmitResult struct {
	Matches []trigger.Match   `json:"matches"`
	Resumed []ResumedInstance `json:"resumed"`
}

// ResumedInstance is a waiting instance an event resumed.
type ResumedInstance struct {
	InstanceID string          `json:"instance_id"`
	Status     workflow.Status `json:"status"`
}

// Emit delivers ev to instances waiting on it, then starts or reuses
// instances of every definition it triggers. Delivery runs first so an
// instance started by ev never consumes ev as its own wait.
func (a *App) Emit(ctx context.Context, ev workflow.Event) (*EmitResult, error) {
	if ev.Type == "" {
		return nil, workflow.NewValidationError("", "event type is required")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = a.clock.Now()
	}

	res := &EmitResult{Matches: []trigger.Match{}, Resumed: []ResumedInstance{}}
	outcomes, deliverErr := a.Engine.DeliverEvent(ctx, ev)
	for _, out := range outcomes {
		res.Resumed = append(res.Resumed, ResumedInstance{InstanceID: out.Instance.ID, Status: out.Instance.Status})
	}

	matches, matchErr := a.Matcher.Handle(ctx, ev)
	res.Matches = append(res.Matches, matches...)

	a.Logger.Info("event handled",
		"event_type", ev.Type,
		"correlation_key", ev.CorrelationKey,
		"matches", len(res.Matches),
		"resumed", len(res.Resumed))
	return res, errors.Join(deliverErr, matchErr)
}

// DeployResult reports one deployed definition.
type DeployResult struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Status  string `json:"status"` // "activated", "draft", or "unchanged"
}

// Deploy stores each definition and, when activate is set, activates it.
// A version that is already active is reported as unchanged.
func (a *App) Deploy(ctx context.Context, defs []*workflow.Definition, activate bool) ([]DeployResult, error) {
	results := make([]DeployResult, 0, len(defs))
	for _, def := range defs {
		existing, err := a.Store.GetDefinition(ctx, def.ID, def.Version)
		if err != nil && !workflow.IsNotFound(err) {
			return results, fmt.Errorf("deploy %s v%d: %w", def.ID, def.Version, err)
		}
		if existing != nil && existing.Status == workflow.DefinitionActive {
			results = append(results, DeployResult{ID: def.ID, Version: def.Version, Status: "unchanged"})
			continue
		}
		if err := a.Store.PutDefinition(ctx, def); err != nil {
			return results, fmt.Errorf("deploy %s v%d: %w", def.ID, def.Version, err)
		}
		status := "draft"
		if activate {
			if err := a.Store.ActivateDefinition(ctx, def.ID, def.Version); err != nil {
				return results, fmt.Errorf("activate %s v%d: %w", def.ID, def.Version, err)
			}
			status = "activated"
		}
		a.Logger.Info("definition deployed", "definition_id", def.ID, "version", def.Version, "status", status)
		results = append(results, DeployResult{ID: def.ID, Version: def.Version, Status: status})
	}
	return results, nil
}

// Purge deletes terminal instances whose retention has elapsed.
func (a *App) Purge(ctx context.Context) (int64, error) {
	n, err := a.Store.PurgeExpired(ctx, a.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	if n > 0 {
		a.Logger.Info("purged expired instances", "count", n)
	}
	return n, nil
}

// RunSweeper sweeps timeouts and purges expired instances every interval
// until ctx is done.
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.Engine.SweepTimeouts(ctx)
			if err != nil {
				a.Logger.Error("timeout sweep failed", "error", err)
			} else if report.Scanned > 0 {
				a.Logger.Info("timeout sweep",
					"scanned", report.Scanned,
					"resumed", report.Resumed,
					"stale", report.Stale,
					"failed", report.Failed)
			}
			if _, err := a.Purge(ctx); err != nil {
				a.Logger.Error("purge failed", "error", err)
			}
		}
	}
}
