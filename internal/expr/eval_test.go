package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	return &Context{
		Variables: map[string]any{
			"customer": map[string]any{"name": "Jane", "tier": "gold"},
			"name":     "Ahmed",
			"items":    []any{map[string]any{"sku": "A-1", "qty": 2.0}, map[string]any{"sku": "B-2", "qty": 3.0}},
			"amount":   1500.0,
			"approved": true,
			"empty":    nil,
		},
		Steps: map[string]any{
			"score": map[string]any{"value": 720.0, "band": "prime"},
		},
		Input: map[string]any{
			"lead": map[string]any{"id": "L-42"},
		},
		Env: map[string]string{"REGION": "eu-west"},
		Now: func() time.Time { return time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC) },
	}
}

func TestResolveVariablePath(t *testing.T) {
	v, ok := Resolve("$.customer.name", &Context{Variables: map[string]any{
		"customer": map[string]any{"name": "Jane"},
	}})
	require.True(t, ok)
	assert.Equal(t, "Jane", v)
}

func TestResolveInterpolation(t *testing.T) {
	v, ok := Resolve("Hello, {{$.name}}!", &Context{Variables: map[string]any{"name": "Ahmed"}})
	require.True(t, ok)
	assert.Equal(t, "Hello, Ahmed!", v)
}

func TestResolveSingleTemplateIsTyped(t *testing.T) {
	v, ok := Resolve("{{fn.sum(1,2,3)}}", &Context{})
	require.True(t, ok)
	assert.Equal(t, float64(6), v, "single placeholder keeps the number type")

	v, ok = Resolve("{{$.approved}}", testContext())
	require.True(t, ok)
	assert.Equal(t, true, v)

	v, ok = Resolve("  {{steps.score}}  ", testContext())
	require.True(t, ok)
	assert.Equal(t, map[string]any{"value": 720.0, "band": "prime"}, v)
}

func TestResolveRoots(t *testing.T) {
	c := testContext()
	tests := []struct {
		ref  string
		want any
	}{
		{"{{steps.score.value}}", 720.0},
		{"{{input.lead.id}}", "L-42"},
		{"{{env.REGION}}", "eu-west"},
		{"{{$.items[1].sku}}", "B-2"},
		{"{{items[0].qty}}", 2.0},
		{"{{$.items.0.sku}}", "A-1"},
		{"{{$['customer'][\"tier\"]}}", "gold"},
		{"$.items[0].sku", "A-1"},
		{"plain text", "plain text"},
		{"$5 off", "$5 off"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			v, ok := Resolve(tt.ref, c)
			require.True(t, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

// TestResolveUndefinedIffUnreachable tests that a variable path is
// undefined exactly when no node is reachable, including explicit nulls
// being defined.
func TestResolveUndefinedIffUnreachable(t *testing.T) {
	c := testContext()
	tests := []struct {
		ref     string
		defined bool
	}{
		{"$.customer", true},
		{"$.customer.name", true},
		{"$.customer.missing", false},
		{"$.customer.name.deeper", false},
		{"$.items[1]", true},
		{"$.items[2]", false},
		{"$.items.sku", false},
		{"$.empty", true},
		{"$.empty.x", false},
		{"$.nope", false},
		{"$", true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			_, ok := Resolve(tt.ref, c)
			assert.Equal(t, tt.defined, ok)
		})
	}

	_, ok := Resolve("$.anything", &Context{})
	assert.False(t, ok, "nil variables resolve nothing")
}

func TestResolveUndefinedCases(t *testing.T) {
	c := testContext()
	for _, ref := range []string{
		"{{fn.nope(1)}}",
		"{{fn.sum(1,2}}",
		"{{steps.missing.value}}",
		"{{env.MISSING}}",
		"{{fn.upper(1)}}",
		"{{)}}",
		"{{steps}}",
	} {
		t.Run(ref, func(t *testing.T) {
			v, ok := Resolve(ref, c)
			assert.False(t, ok)
			assert.Nil(t, v)
		})
	}
}

func TestInterpolationRendersUndefinedAsEmpty(t *testing.T) {
	c := testContext()

	v, ok := Resolve("[{{$.missing}}] {{fn.nope()}}|{{$.customer.name}}", c)
	require.True(t, ok)
	assert.Equal(t, "[] |Jane", v)

	v, _ = Resolve("total={{$.amount}} ok={{$.approved}} tags={{fn.split('a,b', ',')}}", c)
	assert.Equal(t, `total=1500 ok=true tags=["a","b"]`, v)
}

func TestFunctionArgumentParsing(t *testing.T) {
	c := testContext()
	tests := []struct {
		ref  string
		want any
	}{
		{`{{fn.upper(fn.concat('a', "b", fn.trim('  c  ')))}}`, "ABC"},
		{`{{fn.concat('it''s', "x")}}`, nil},
		{`{{fn.concat('a,b', ')(')}}`, "a,b)("},
		{`{{fn.concat("}}", 'x')}}`, "}}x"},
		{`{{fn.concat('Hi {{$.name}}', '!')}}`, "Hi Ahmed!"},
		{`{{fn.replace("a-b-c", '-', '+')}}`, "a+b+c"},
		{`{{fn.if(fn.gt($.amount, 1000), 'large', 'small')}}`, "large"},
		{`{{fn.max(3, fn.abs(-7), 5)}}`, 7.0},
		{`{{fn.sum($.items[0].qty, $.items[1].qty)}}`, 5.0},
		{`{{fn.sum(1e3, 2.5E-1, -1e+1)}}`, 990.25},
		{`{{fn.concat(1e, 'x')}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			v, ok := Resolve(tt.ref, c)
			if tt.want == nil {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestResolveValueRecursive(t *testing.T) {
	c := testContext()
	cfg := map[string]any{
		"url":     "https://api.example.com/leads/{{input.lead.id}}",
		"retries": 3.0,
		"body": map[string]any{
			"score":   "{{steps.score.value}}",
			"names":   []any{"$.customer.name", "{{$.name}}"},
			"missing": "{{$.nope}}",
		},
	}

	out := ResolveValue(cfg, c).(map[string]any)
	assert.Equal(t, "https://api.example.com/leads/L-42", out["url"])
	assert.Equal(t, 3.0, out["retries"])

	body := out["body"].(map[string]any)
	assert.Equal(t, 720.0, body["score"])
	assert.Equal(t, []any{"Jane", "Ahmed"}, body["names"])
	assert.Contains(t, body, "missing")
	assert.Nil(t, body["missing"])

	// Source configuration is not mutated.
	assert.Equal(t, "{{steps.score.value}}", cfg["body"].(map[string]any)["score"])
}

func TestParseReportsMalformedPlaceholders(t *testing.T) {
	assert.NoError(t, Validate("Hello {{$.name}} from {{env.REGION}}"))
	assert.NoError(t, Validate("no placeholders"))
	assert.Error(t, Validate("{{fn.sum(1,}}"))
	assert.Error(t, Validate("open {{$.name"))
	assert.Error(t, Validate("{{'unterminated}}"))

	node, err := Parse("a {{fn.(}} b")
	require.Error(t, err)
	tmpl, ok := node.(*Template)
	require.True(t, ok)
	require.Len(t, tmpl.Parts, 3)
	assert.IsType(t, &Invalid{}, tmpl.Parts[1])
}

func TestParseShapes(t *testing.T) {
	node, err := Parse("{{fn.sum(1, $.a[2], 'x')}}")
	require.NoError(t, err)
	call, ok := node.(*Call)
	require.True(t, ok)
	assert.Equal(t, "sum", call.Name)
	require.Len(t, call.Args, 3)
	assert.Equal(t, &Literal{Value: 1.0}, call.Args[0])
	assert.Equal(t, &Path{Root: RootVariables, Segments: []Segment{{Key: "a"}, {Key: "2", Index: 2, IsIndex: true}}}, call.Args[1])
	assert.Equal(t, &Literal{Value: "x"}, call.Args[2])

	node, err = Parse("{{steps.check-credit.result}}")
	require.NoError(t, err)
	assert.Equal(t, &Path{Root: RootSteps, Segments: []Segment{{Key: "check-credit"}, {Key: "result"}}}, node)
}

func TestIsDynamic(t *testing.T) {
	assert.True(t, IsDynamic("{{x}}"))
	assert.True(t, IsDynamic("$.x"))
	assert.False(t, IsDynamic("$5"))
	assert.False(t, IsDynamic("plain"))
}

func TestTruthyAndCompare(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy([]any{}))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(2.0))
	assert.True(t, Truthy(map[string]any{"a": 1}))

	assert.True(t, Equal(1.0, 1))
	assert.True(t, Equal("10", 10.0))
	assert.False(t, Equal("a", "b"))

	cmp, ok := Compare("2026-01-02", "2025-12-31T23:00:00Z")
	require.True(t, ok)
	assert.Equal(t, 1, cmp)

	_, ok = Compare(map[string]any{}, 1.0)
	assert.False(t, ok)
}
