package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepflow/internal/workflow"
)

func TestAnalyzeCycles_Acyclic(t *testing.T) {
	assert.Empty(t, AnalyzeCycles(validDefinition()))
}

func TestAnalyzeCycles_LoopWithExit(t *testing.T) {
	def := &workflow.Definition{
		ID: "rework", Version: 1, EntryStepID: "review",
		Steps: map[string]*workflow.Step{
			"review": {
				ID: "review", Type: workflow.StepApproval, Order: 1, Enabled: true,
				Config:   map[string]any{"role": "qa"},
				Branches: map[string]string{"approve": "done", "reject": "fix"},
			},
			"fix":  stageStep("fix", 2, "review"),
			"done": stageStep("done", 3, ""),
		},
	}

	warnings := AnalyzeCycles(def)
	require.Len(t, warnings, 1)
	assert.Equal(t, "info", warnings[0].Level)
	assert.ElementsMatch(t, []string{"fix", "review"}, warnings[0].Path[:2])
	assert.Equal(t, warnings[0].Path[0], warnings[0].Path[len(warnings[0].Path)-1])
}

func TestAnalyzeCycles_LoopWithoutExit(t *testing.T) {
	def := &workflow.Definition{
		ID: "spin", Version: 1, EntryStepID: "a",
		Steps: map[string]*workflow.Step{
			"a": stageStep("a", 1, "b"),
			"b": stageStep("b", 2, "a"),
		},
	}

	warnings := AnalyzeCycles(def)
	require.Len(t, warnings, 1)
	assert.Equal(t, "warning", warnings[0].Level)
	assert.Equal(t, []string{"a", "b", "a"}, warnings[0].Path)
	assert.Equal(t, "loop detected: a → b → a", warnings[0].Message)
}

func TestAnalyzeCycles_SelfLoop(t *testing.T) {
	def := &workflow.Definition{
		ID: "poll", Version: 1, EntryStepID: "check",
		Steps: map[string]*workflow.Step{
			"check": {
				ID: "check", Type: workflow.StepDecision, Order: 1, Enabled: true,
				Config:   map[string]any{"subject": "{{$.ready}}"},
				Branches: map[string]string{"false": "check", "true": "done"},
			},
			"done": stageStep("done", 2, ""),
		},
	}

	warnings := AnalyzeCycles(def)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"check", "check"}, warnings[0].Path)
	assert.Equal(t, "info", warnings[0].Level)
}
