package compiler

import (
	"os"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepflow/internal/workflow"
)

func TestCompileSource_Underwriting(t *testing.T) {
	src, err := os.ReadFile("testdata/underwriting.cue")
	require.NoError(t, err)

	defs, err := CompileSource("underwriting.cue", src)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	def := defs[0]

	assert.Equal(t, "underwriting", def.ID)
	assert.Equal(t, 2, def.Version)
	assert.Equal(t, "Commercial underwriting", def.Name)
	assert.Equal(t, "acme", def.OrgID)
	assert.Equal(t, workflow.DefinitionDraft, def.Status)
	assert.Equal(t, "intake", def.EntryStepID, "first step is the entry")
	require.Len(t, def.Steps, 6)

	order := map[string]int{}
	for id, s := range def.Steps {
		order[id] = s.Order
	}
	assert.Equal(t, map[string]int{
		"intake": 1, "score": 2, "route": 3, "review": 4, "bind": 5, "decline": 6,
	}, order)

	route := def.Steps["route"]
	assert.Equal(t, workflow.StepDecision, route.Type)
	assert.True(t, route.Enabled)
	assert.Equal(t, float64(650), route.Config["value"])
	assert.Equal(t, map[string]string{"true": "review", "false": "decline"}, route.Branches)

	score := def.Steps["score"]
	assert.Equal(t, map[string]any{"lead": "{{input.lead.id}}"}, score.Config["body"])
	assert.Equal(t, map[string]any{"credit_score": "{{steps.score.body.score}}"}, score.Assign)

	assert.False(t, def.Steps["decline"].Enabled)

	require.Len(t, def.Triggers, 1)
	assert.Equal(t, workflow.Trigger{
		EventType:      "lead.qualified",
		Match:          map[string]any{"lead.product": "commercial"},
		CorrelationKey: "{{input.lead.id}}",
	}, def.Triggers[0])

	assert.Empty(t, Errors(Validate(def)))
}

func TestCompileDefinition_ExplicitEntry(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		workflow: quote: {
			entry: "b"
			steps: {
				a: {type: "stage", config: label: "a"}
				b: {type: "stage", config: label: "b", next: "a"}
			}
		}
	`)
	require.NoError(t, v.Err())

	def, err := CompileDefinition(v.LookupPath(cue.ParsePath("workflow.quote")))
	require.NoError(t, err)
	assert.Equal(t, "quote", def.ID)
	assert.Equal(t, "quote", def.Name, "name defaults to the id")
	assert.Equal(t, 1, def.Version, "version defaults to 1")
	assert.Equal(t, "b", def.EntryStepID)
}

func TestCompileDefinition_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "missing steps",
			src:  `workflow: x: {version: 1}`,
			want: "steps are required",
		},
		{
			name: "missing type",
			src:  `workflow: x: steps: a: {config: label: "a"}`,
			want: "type is required",
		},
		{
			name: "version not integer",
			src:  `workflow: x: {version: "one", steps: a: {type: "stage"}}`,
			want: "must be an integer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource("bad.cue", []byte(tt.src))
			require.Error(t, err)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, ce.Error(), tt.want)
		})
	}
}

func TestCompileSource_SyntaxErrorHasPosition(t *testing.T) {
	_, err := CompileSource("broken.cue", []byte("workflow: x: {\n\tsteps: [\n"))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Pos.IsValid())
	assert.Contains(t, ce.Error(), "broken.cue:")
}

func TestCompileSource_NoWorkflows(t *testing.T) {
	_, err := CompileSource("empty.cue", []byte(`other: 1`))
	assert.ErrorContains(t, err, "no workflow definitions found")
}
