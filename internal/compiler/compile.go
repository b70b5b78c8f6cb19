// Package compiler turns CUE workflow sources into workflow definitions
// and checks their graphs before deployment.
//
// A source declares definitions under the top-level "workflow" struct:
//
//	workflow: "lead-intake": {
//		version: 1
//		name:    "Lead intake"
//		entry:   "intake"
//		triggers: [{event_type: "lead.created", correlation_key: "{{input.lead_id}}"}]
//		steps: {
//			intake: {type: "stage", config: label: "new", next: "route"}
//			route: {
//				type: "decision"
//				config: {condition: "greaterThan", subject: "{{input.amount}}", value: 1000}
//				branches: {"true": "review", "false": "done"}
//			}
//			...
//		}
//	}
//
// Steps are ordered as written. A step is enabled unless it sets
// enabled: false.
package compiler

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/stepflow/internal/workflow"
)

// stepSource mirrors one step as written in CUE.
type stepSource struct {
	Type     string            `json:"type"`
	Enabled  *bool             `json:"enabled"`
	Config   map[string]any    `json:"config"`
	Next     string            `json:"next"`
	Branches map[string]string `json:"branches"`
	Default  string            `json:"default"`
	Assign   map[string]any    `json:"assign"`
}

type triggerSource struct {
	EventType      string         `json:"event_type"`
	Match          map[string]any `json:"match"`
	Condition      string         `json:"condition"`
	CorrelationKey string         `json:"correlation_key"`
}

// CompileDefinition parses one workflow struct. The definition id is the
// struct's label.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	def, err := CompileDefinition(v.LookupPath(cue.ParsePath(`workflow."lead-intake"`)))
func CompileDefinition(v cue.Value) (*workflow.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	def := &workflow.Definition{
		Version: 1,
		Status:  workflow.DefinitionDraft,
		Steps:   make(map[string]*workflow.Step),
	}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		def.ID = sels[len(sels)-1].Unquoted()
	}

	if err := optionalInt(v, "version", &def.Version); err != nil {
		return nil, err
	}
	if err := optionalString(v, "name", &def.Name); err != nil {
		return nil, err
	}
	if err := optionalString(v, "org_id", &def.OrgID); err != nil {
		return nil, err
	}
	if err := optionalString(v, "entry", &def.EntryStepID); err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return nil, &CompileError{Field: "steps", Message: "steps are required", Pos: v.Pos()}
	}
	iter, err := stepsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	order := 0
	for iter.Next() {
		order++
		step, err := compileStep(iter.Selector().Unquoted(), order, iter.Value())
		if err != nil {
			return nil, err
		}
		def.Steps[step.ID] = step
		// Without an explicit entry the first step written is the entry.
		if def.EntryStepID == "" && order == 1 {
			def.EntryStepID = step.ID
		}
	}

	if tv := v.LookupPath(cue.ParsePath("triggers")); tv.Exists() {
		var triggers []triggerSource
		if err := decodeJSON(tv, &triggers); err != nil {
			return nil, err
		}
		for _, t := range triggers {
			def.Triggers = append(def.Triggers, workflow.Trigger(t))
		}
	}

	return def, nil
}

func compileStep(id string, order int, v cue.Value) (*workflow.Step, error) {
	var src stepSource
	if err := decodeJSON(v, &src); err != nil {
		return nil, err
	}
	if src.Type == "" {
		return nil, &CompileError{Field: "steps." + id + ".type", Message: "type is required", Pos: v.Pos()}
	}
	step := &workflow.Step{
		ID:       id,
		Type:     workflow.StepType(src.Type),
		Order:    order,
		Enabled:  src.Enabled == nil || *src.Enabled,
		Config:   src.Config,
		Next:     src.Next,
		Branches: src.Branches,
		Default:  src.Default,
		Assign:   src.Assign,
	}
	return step, nil
}

// CompileSource compiles every definition under "workflow" in src.
func CompileSource(filename string, src []byte) ([]*workflow.Definition, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	return CompileValue(v)
}

// CompileValue compiles every definition under "workflow" in v, in the
// order they are declared.
func CompileValue(v cue.Value) ([]*workflow.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	wf := v.LookupPath(cue.ParsePath("workflow"))
	if !wf.Exists() {
		return nil, &CompileError{Field: "workflow", Message: "no workflow definitions found", Pos: v.Pos()}
	}
	iter, err := wf.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var defs []*workflow.Definition
	for iter.Next() {
		def, err := CompileDefinition(iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// decodeJSON converts a concrete CUE value into dst through its JSON
// form, so numbers decode as float64 like every other document.
func decodeJSON(v cue.Value, dst any) error {
	b, err := v.MarshalJSON()
	if err != nil {
		return formatCUEError(err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return &CompileError{Field: pathString(v), Message: err.Error(), Pos: v.Pos()}
	}
	return nil
}

func optionalString(v cue.Value, field string, dst *string) error {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil
	}
	s, err := fv.String()
	if err != nil {
		return &CompileError{Field: field, Message: "must be a string", Pos: fv.Pos()}
	}
	*dst = s
	return nil
}

func optionalInt(v cue.Value, field string, dst *int) error {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil
	}
	n, err := fv.Int64()
	if err != nil {
		return &CompileError{Field: field, Message: "must be an integer", Pos: fv.Pos()}
	}
	*dst = int(n)
	return nil
}

func pathString(v cue.Value) string {
	return v.Path().String()
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
