package workflow

import (
	"sort"
)

// StepType identifies which handler executes a step.
type StepType string

const (
	StepStage        StepType = "stage"
	StepDecision     StepType = "decision"
	StepApproval     StepType = "approval"
	StepWait         StepType = "wait"
	StepExternalCall StepType = "external-call"
	StepNotification StepType = "notification"
)

// ValidStepTypes defines allowed step types.
var ValidStepTypes = map[StepType]bool{
	StepStage:        true,
	StepDecision:     true,
	StepApproval:     true,
	StepWait:         true,
	StepExternalCall: true,
	StepNotification: true,
}

// DefinitionStatus is the publication state of a definition version.
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "draft"
	DefinitionActive     DefinitionStatus = "active"
	DefinitionDeprecated DefinitionStatus = "deprecated"
)

// Definition is one version of a workflow graph.
//
// Steps form an arena keyed by step id. Edges (Next, Branches, Default)
// refer to other steps by id, so cyclic graphs need no back pointers.
// A definition is immutable once active; edits create a new version.
type Definition struct {
	ID          string           `json:"id"`
	Version     int              `json:"version"`
	Name        string           `json:"name"`
	OrgID       string           `json:"org_id"`
	Status      DefinitionStatus `json:"status"`
	EntryStepID string           `json:"entry_step_id"`
	Steps       map[string]*Step `json:"steps"`
	Triggers    []Trigger        `json:"triggers,omitempty"`
}

// Step is a single node in a definition's execution graph.
type Step struct {
	ID      string         `json:"id"`
	Type    StepType       `json:"type"`
	Order   int            `json:"order"`
	Enabled bool           `json:"enabled"`
	Config  map[string]any `json:"config,omitempty"`

	// Next is the single outgoing edge. Empty means the step is terminal
	// unless the handler routes through Branches.
	Next string `json:"next,omitempty"`

	// Branches maps an outcome key to the next step id.
	Branches map[string]string `json:"branches,omitempty"`

	// Default is followed when no branch matches.
	Default string `json:"default,omitempty"`

	// Assign lists variables written after the step completes. Values are
	// expressions resolved against the post-step context.
	Assign map[string]any `json:"assign,omitempty"`
}

// Trigger binds an inbound domain event to the owning definition.
type Trigger struct {
	EventType string `json:"event_type"`

	// Match holds payload paths and the values they must equal.
	Match map[string]any `json:"match,omitempty"`

	// Condition is an optional expression that must resolve truthy with
	// the event payload bound as input.
	Condition string `json:"condition,omitempty"`

	// CorrelationKey is an expression resolved against the payload.
	CorrelationKey string `json:"correlation_key,omitempty"`
}

// Step returns the step with the given id, or nil.
func (d *Definition) Step(id string) *Step {
	if d == nil || d.Steps == nil {
		return nil
	}
	return d.Steps[id]
}

// OrderedSteps returns steps sorted by Order, then id.
func (d *Definition) OrderedSteps() []*Step {
	steps := make([]*Step, 0, len(d.Steps))
	for _, s := range d.Steps {
		steps = append(steps, s)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].ID < steps[j].ID
	})
	return steps
}

// HasTrigger reports whether any trigger declares the event type.
func (d *Definition) HasTrigger(eventType string) bool {
	for _, t := range d.Triggers {
		if t.EventType == eventType {
			return true
		}
	}
	return false
}

// Edges returns every step id the step can route to, in a stable order.
func (s *Step) Edges() []string {
	var out []string
	if s.Next != "" {
		out = append(out, s.Next)
	}
	keys := make([]string, 0, len(s.Branches))
	for k := range s.Branches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, s.Branches[k])
	}
	if s.Default != "" {
		out = append(out, s.Default)
	}
	return out
}
