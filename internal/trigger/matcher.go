package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/stepflow/internal/engine"
	"github.com/roach88/stepflow/internal/expr"
	"github.com/roach88/stepflow/internal/workflow"
)

// DefinitionSource lists active definitions by trigger event type.
type DefinitionSource interface {
	ActiveDefinitionsForEvent(ctx context.Context, eventType string) ([]*workflow.Definition, error)
}

// InstanceFinder looks up a definition's live instance for a correlation key.
type InstanceFinder interface {
	FindActiveByCorrelation(ctx context.Context, definitionID, correlationKey string) (*workflow.Instance, error)
}

// Starter begins a run. Implemented by *engine.Engine.
type Starter interface {
	Start(ctx context.Context, req engine.StartRequest) (*engine.Outcome, error)
}

// Match reports what an event did to one definition.
type Match struct {
	DefinitionID      string          `json:"definition_id"`
	DefinitionVersion int             `json:"definition_version"`
	InstanceID        string          `json:"instance_id"`
	CorrelationKey    string          `json:"correlation_key,omitempty"`
	Reused            bool            `json:"reused"`
	Status            workflow.Status `json:"status"`
}

// Matcher turns events into instance starts.
type Matcher struct {
	definitions DefinitionSource
	instances   InstanceFinder
	starter     Starter
	env         map[string]string
	logger      *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) { m.logger = l }
}

// WithEnv sets the values visible to {{env.NAME}} in trigger expressions.
func WithEnv(env map[string]string) Option {
	return func(m *Matcher) { m.env = env }
}

// New creates a Matcher.
func New(definitions DefinitionSource, instances InstanceFinder, starter Starter, opts ...Option) *Matcher {
	m := &Matcher{
		definitions: definitions,
		instances:   instances,
		starter:     starter,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle matches ev against every active definition.
//
// A definition matches when one of its triggers declares ev.Type, every
// Match path equals its expected value, and Condition (if any) resolves
// truthy. Failures for one definition do not stop the others; they are
// joined into the returned error.
func (m *Matcher) Handle(ctx context.Context, ev workflow.Event) ([]Match, error) {
	if ev.Type == "" {
		return nil, workflow.NewValidationError("", "event type is required")
	}
	defs, err := m.definitions.ActiveDefinitionsForEvent(ctx, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("list definitions for %s: %w", ev.Type, err)
	}

	var matches []Match
	var errs []error
	for _, def := range defs {
		t, key, ok := m.firstMatch(def, ev)
		if !ok {
			continue
		}
		match, err := m.startOrReuse(ctx, def, ev, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("definition %s trigger %s: %w", def.ID, t.EventType, err))
			continue
		}
		matches = append(matches, match)
	}
	return matches, errors.Join(errs...)
}

// firstMatch returns the first trigger of def that accepts ev, with the
// correlation key it derives.
func (m *Matcher) firstMatch(def *workflow.Definition, ev workflow.Event) (workflow.Trigger, string, bool) {
	c := &expr.Context{Input: ev.Payload, Env: m.env}
	for _, t := range def.Triggers {
		if t.EventType != ev.Type {
			continue
		}
		if !matchPayload(t, c) {
			continue
		}
		if t.Condition != "" {
			v, ok := expr.Resolve(t.Condition, c)
			if !ok || !expr.Truthy(v) {
				continue
			}
		}
		return t, correlationKey(t, ev, c), true
	}
	return workflow.Trigger{}, "", false
}

// matchPayload checks every Match entry. Keys are payload paths such as
// "lead.source"; an undefined path never matches.
func matchPayload(t workflow.Trigger, c *expr.Context) bool {
	for path, want := range t.Match {
		got, ok := expr.Resolve("{{input."+strings.TrimPrefix(path, "input.")+"}}", c)
		if !ok || !expr.Equal(got, want) {
			return false
		}
	}
	return true
}

func correlationKey(t workflow.Trigger, ev workflow.Event, c *expr.Context) string {
	if t.CorrelationKey != "" {
		if key, ok := expr.ResolveString(t.CorrelationKey, c); ok && key != "" {
			return key
		}
	}
	return ev.CorrelationKey
}

// startOrReuse returns the live instance for (definition, key) or starts
// one. Without a correlation key every event starts a new instance.
func (m *Matcher) startOrReuse(ctx context.Context, def *workflow.Definition, ev workflow.Event, key string) (Match, error) {
	match := Match{
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		CorrelationKey:    key,
	}

	if key != "" {
		inst, err := m.existing(ctx, def.ID, key)
		if err != nil {
			return match, err
		}
		if inst != nil {
			m.logger.Debug("reusing instance",
				"definition_id", def.ID,
				"instance_id", inst.ID,
				"correlation_key", key)
			return reused(match, inst), nil
		}
	}

	out, err := m.starter.Start(ctx, engine.StartRequest{
		DefinitionID:   def.ID,
		Version:        def.Version,
		CorrelationKey: key,
		Input:          ev.Payload,
	})
	if err != nil && key != "" && workflow.IsConcurrentModification(err) {
		// Lost a start race for the same key; the winner's instance is the one to reuse.
		inst, findErr := m.existing(ctx, def.ID, key)
		if findErr == nil && inst != nil {
			return reused(match, inst), nil
		}
	}
	if err != nil {
		return match, err
	}

	match.InstanceID = out.Instance.ID
	match.Status = out.Instance.Status
	m.logger.Info("trigger started instance",
		"definition_id", def.ID,
		"instance_id", out.Instance.ID,
		"event_type", ev.Type,
		"correlation_key", key)
	return match, nil
}

func (m *Matcher) existing(ctx context.Context, definitionID, key string) (*workflow.Instance, error) {
	inst, err := m.instances.FindActiveByCorrelation(ctx, definitionID, key)
	if workflow.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find instance for %s: %w", key, err)
	}
	return inst, nil
}

func reused(match Match, inst *workflow.Instance) Match {
	match.InstanceID = inst.ID
	match.Status = inst.Status
	match.Reused = true
	return match
}
