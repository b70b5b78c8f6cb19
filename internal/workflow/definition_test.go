package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedSteps(t *testing.T) {
	def := &Definition{
		Steps: map[string]*Step{
			"c": {ID: "c", Order: 3},
			"a": {ID: "a", Order: 1},
			"b": {ID: "b", Order: 1},
		},
	}

	var ids []string
	for _, s := range def.OrderedSteps() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestStepEdges(t *testing.T) {
	s := &Step{
		ID:       "route",
		Branches: map[string]string{"true": "yes", "false": "no"},
		Default:  "fallback",
	}
	assert.Equal(t, []string{"no", "yes", "fallback"}, s.Edges())

	assert.Empty(t, (&Step{ID: "end"}).Edges())
}

func TestDefinitionStepLookup(t *testing.T) {
	def := &Definition{Steps: map[string]*Step{"a": {ID: "a"}}}
	assert.NotNil(t, def.Step("a"))
	assert.Nil(t, def.Step("missing"))

	var nilDef *Definition
	assert.Nil(t, nilDef.Step("a"))
}

func TestInstanceCloneIsDeep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inst := NewInstance("i-1", &Definition{ID: "d", EntryStepID: "a"}, "", map[string]any{"k": "v"}, now)
	inst.Variables["nested"] = map[string]any{"x": 1.0}

	clone, err := inst.Clone()
	require.NoError(t, err)

	clone.Variables["nested"].(map[string]any)["x"] = 2.0
	clone.CompletedStepIDs = append(clone.CompletedStepIDs, "a")

	assert.Equal(t, 1.0, inst.Variables["nested"].(map[string]any)["x"])
	assert.Empty(t, inst.CompletedStepIDs)
}
