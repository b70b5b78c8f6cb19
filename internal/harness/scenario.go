package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStartTime is the clock reading when a scenario omits start_time.
var DefaultStartTime = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// Scenario describes one deterministic run of the engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Definitions lists CUE files to compile, validate, and activate.
	// Relative paths are resolved against the scenario file's directory.
	Definitions []string `yaml:"definitions"`

	// StartTime is the RFC 3339 clock reading when the flow begins.
	StartTime string `yaml:"start_time,omitempty"`

	// Env is visible to {{env.NAME}} expressions.
	Env map[string]string `yaml:"env,omitempty"`

	// HTTP stubs answer external calls. An unstubbed request fails as a
	// transport error.
	HTTP []HTTPStub `yaml:"http,omitempty"`

	Flow       []FlowStep  `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// HTTPStub is a canned response for one method and URL.
type HTTPStub struct {
	Method  string            `yaml:"method,omitempty"`
	URL     string            `yaml:"url"`
	Status  int               `yaml:"status,omitempty"`
	Body    any               `yaml:"body,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// FlowStep is one action of the flow. Exactly one action field is set.
type FlowStep struct {
	Emit    *EmitAction   `yaml:"emit,omitempty"`
	Start   *StartAction  `yaml:"start,omitempty"`
	Decide  *DecideAction `yaml:"decide,omitempty"`
	Resume  *ResumeAction `yaml:"resume,omitempty"`
	Cancel  *CancelAction `yaml:"cancel,omitempty"`
	Advance string        `yaml:"advance,omitempty"`
	Sweep   bool          `yaml:"sweep,omitempty"`
	Clock   string        `yaml:"clock,omitempty"`

	// As names the instance the action produced.
	As string `yaml:"as,omitempty"`

	// Expect checks the instance after the action. If nil, the action
	// only has to succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EmitAction delivers an inbound event.
type EmitAction struct {
	Type           string         `yaml:"type"`
	Payload        map[string]any `yaml:"payload,omitempty"`
	CorrelationKey string         `yaml:"correlation_key,omitempty"`
}

// StartAction starts a definition explicitly.
type StartAction struct {
	Definition     string         `yaml:"definition"`
	Version        int            `yaml:"version,omitempty"`
	CorrelationKey string         `yaml:"correlation_key,omitempty"`
	Input          map[string]any `yaml:"input,omitempty"`
}

// DecideAction decides the approval an instance is waiting on.
type DecideAction struct {
	Instance  string `yaml:"instance"`
	Decision  string `yaml:"decision"`
	DecidedBy string `yaml:"decided_by,omitempty"`
	Comment   string `yaml:"comment,omitempty"`
}

// ResumeAction resumes an instance at its current suspend point. Token
// overrides the current token, e.g. to replay an outdated one.
type ResumeAction struct {
	Instance string         `yaml:"instance"`
	Token    string         `yaml:"token,omitempty"`
	Decision string         `yaml:"decision,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty"`
}

// CancelAction cancels an instance.
type CancelAction struct {
	Instance string `yaml:"instance"`
	Reason   string `yaml:"reason,omitempty"`
}

// ExpectClause checks one instance after a flow step.
type ExpectClause struct {
	// Instance defaults to the instance the action targeted or produced.
	Instance    string         `yaml:"instance,omitempty"`
	Status      string         `yaml:"status,omitempty"`
	Stage       string         `yaml:"stage,omitempty"`
	CurrentStep string         `yaml:"current_step,omitempty"`
	Variables   map[string]any `yaml:"variables,omitempty"`

	// Error is the expected error code. The action must fail with it.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the activity or final state of one instance.
type Assertion struct {
	Type     string `yaml:"type"`
	Instance string `yaml:"instance"`

	// Activity and Step select entries (activity_contains, activity_count).
	Activity string `yaml:"activity,omitempty"`
	Step     string `yaml:"step,omitempty"`

	// Detail is a subset the entry's detail must contain (activity_contains).
	Detail map[string]any `yaml:"detail,omitempty"`

	// Activities is the expected order (activity_order).
	Activities []string `yaml:"activities,omitempty"`

	// Count is the expected number of entries (activity_count).
	Count *int `yaml:"count,omitempty"`

	// Expect is a subset of the instance or approval document
	// (final_state, approval_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertActivityContains = "activity_contains"
	AssertActivityOrder    = "activity_order"
	AssertActivityCount    = "activity_count"
	AssertFinalState       = "final_state"
	AssertApprovalState    = "approval_state"
)

// LoadScenario reads a scenario file. Definition paths are resolved
// against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads a scenario file, resolving relative
// definition paths against basePath.
// Unknown fields are rejected so typos fail loudly.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, def := range scenario.Definitions {
		if !filepath.IsAbs(def) && basePath != "" {
			scenario.Definitions[i] = filepath.Join(basePath, def)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Definitions) == 0 {
		return fmt.Errorf("definitions list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if s.StartTime != "" {
		if _, err := time.Parse(time.RFC3339, s.StartTime); err != nil {
			return fmt.Errorf("start_time: %w", err)
		}
	}
	for i, stub := range s.HTTP {
		if stub.URL == "" {
			return fmt.Errorf("http[%d]: url is required", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateFlowStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateFlowStep(step FlowStep) error {
	actions := 0
	if step.Emit != nil {
		actions++
		if step.Emit.Type == "" {
			return fmt.Errorf("emit: type is required")
		}
	}
	if step.Start != nil {
		actions++
		if step.Start.Definition == "" {
			return fmt.Errorf("start: definition is required")
		}
	}
	if step.Decide != nil {
		actions++
		if step.Decide.Instance == "" || step.Decide.Decision == "" {
			return fmt.Errorf("decide: instance and decision are required")
		}
	}
	if step.Resume != nil {
		actions++
		if step.Resume.Instance == "" {
			return fmt.Errorf("resume: instance is required")
		}
	}
	if step.Cancel != nil {
		actions++
		if step.Cancel.Instance == "" {
			return fmt.Errorf("cancel: instance is required")
		}
	}
	if step.Advance != "" {
		actions++
	}
	if step.Sweep {
		actions++
	}
	if step.Clock != "" {
		actions++
		if _, err := time.ParseDuration(step.Clock); err != nil {
			return fmt.Errorf("clock: %w", err)
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action is required, got %d", actions)
	}
	if step.As != "" && step.Emit == nil && step.Start == nil {
		return fmt.Errorf("as is only valid on emit and start")
	}
	if step.Clock != "" && step.Expect != nil && step.Expect.Instance == "" {
		return fmt.Errorf("expect after clock must name an instance")
	}
	return nil
}

// validateAssertion checks that an assertion has the fields its type needs.
func validateAssertion(a Assertion) error {
	if a.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	switch a.Type {
	case AssertActivityContains:
		if a.Activity == "" {
			return fmt.Errorf("%s requires activity", a.Type)
		}
	case AssertActivityOrder:
		if len(a.Activities) < 2 {
			return fmt.Errorf("%s requires at least two activities", a.Type)
		}
	case AssertActivityCount:
		if a.Activity == "" || a.Count == nil {
			return fmt.Errorf("%s requires activity and count", a.Type)
		}
	case AssertFinalState, AssertApprovalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("%s requires expect", a.Type)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
