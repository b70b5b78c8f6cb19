package expr

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Context is the snapshot visible to one resolution call.
type Context struct {
	Variables map[string]any
	Steps     map[string]any
	Input     map[string]any
	Env       map[string]string

	// Now supplies the time for date functions. Defaults to time.Now.
	Now func() time.Time
}

func (c *Context) now() time.Time {
	if c != nil && c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// Resolve evaluates ref against c. ok is false when the reference is
// undefined.
func Resolve(ref string, c *Context) (any, bool) {
	node, _ := Parse(ref)
	return Eval(node, c)
}

// ResolveString resolves ref and renders the result as a string.
// Undefined renders as the empty string with ok == false.
func ResolveString(ref string, c *Context) (string, bool) {
	v, ok := Resolve(ref, c)
	if !ok {
		return "", false
	}
	return Stringify(v), true
}

// ResolveValue resolves strings nested anywhere inside maps and slices,
// preserving structure. Undefined leaves become nil.
func ResolveValue(v any, c *Context) any {
	switch val := v.(type) {
	case string:
		out, ok := Resolve(val, c)
		if !ok {
			return nil
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, c)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, c)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, c)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, c)
		}
		return out
	default:
		return v
	}
}

// Eval evaluates a parsed node.
func Eval(n Node, c *Context) (any, bool) {
	if c == nil {
		c = &Context{}
	}
	switch node := n.(type) {
	case *Literal:
		return node.Value, true
	case *Text:
		return node.Value, true
	case *Path:
		return evalPath(node, c)
	case *Call:
		return evalCall(node, c)
	case *Template:
		var b strings.Builder
		for _, part := range node.Parts {
			if v, ok := Eval(part, c); ok {
				b.WriteString(Stringify(v))
			}
		}
		return b.String(), true
	}
	return nil, false
}

func evalPath(p *Path, c *Context) (any, bool) {
	var cur any
	switch p.Root {
	case RootVariables:
		if c.Variables == nil {
			return nil, false
		}
		cur = c.Variables
	case RootSteps:
		if c.Steps == nil {
			return nil, false
		}
		cur = c.Steps
	case RootInput:
		if c.Input == nil {
			return nil, false
		}
		cur = c.Input
	case RootEnv:
		if len(p.Segments) != 1 {
			return nil, false
		}
		v, ok := c.Env[p.Segments[0].Key]
		if !ok {
			return nil, false
		}
		return v, true
	default:
		return nil, false
	}
	for _, seg := range p.Segments {
		next, ok := walk(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// walk descends one segment. Maps are indexed by key (numeric segments
// included), slices only by index.
func walk(v any, seg Segment) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		out, ok := val[seg.Key]
		return out, ok
	case []any:
		if !seg.IsIndex || seg.Index >= len(val) {
			return nil, false
		}
		return val[seg.Index], true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := rv.MapIndex(reflect.ValueOf(seg.Key).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	case reflect.Slice, reflect.Array:
		if !seg.IsIndex || seg.Index >= rv.Len() {
			return nil, false
		}
		return rv.Index(seg.Index).Interface(), true
	}
	return nil, false
}

func evalCall(call *Call, c *Context) (v any, ok bool) {
	fn, found := catalog[call.Name]
	if !found {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			v, ok = nil, false
		}
	}()
	args := make([]any, len(call.Args))
	for i, a := range call.Args {
		arg, defined := Eval(a, c)
		if !defined {
			arg = nil
		}
		args[i] = arg
	}
	return fn(c, args)
}

// Stringify renders a value for interpolation.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// Truthy reports whether v counts as true in a condition.
// nil, false, 0, "", "false", "0", and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		s := strings.TrimSpace(strings.ToLower(val))
		return s != "" && s != "false" && s != "0"
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if f, ok := ToNumber(v); ok {
		return f != 0
	}
	return true
}

// ToNumber converts numbers, numeric strings, and booleans to float64.
func ToNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint64, json.Number:
		return true
	}
	return false
}

// Equal compares two values. Numbers compare numerically regardless of Go
// type; a number equals a numeric string.
func Equal(a, b any) bool {
	if isNumber(a) || isNumber(b) {
		fa, okA := ToNumber(a)
		fb, okB := ToNumber(b)
		if okA && okB {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two values: numbers numerically, timestamps
// chronologically, other strings lexically. ok is false when the values
// are not comparable.
func Compare(a, b any) (int, bool) {
	if fa, okA := ToNumber(a); okA && (isNumber(a) || isNumber(b)) {
		if fb, okB := ToNumber(b); okB {
			return cmpFloat(fa, fb), true
		}
		return 0, false
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 0, false
	}
	if ta, ok := parseTime(sa); ok {
		if tb, ok := parseTime(sb); ok {
			return ta.Compare(tb), true
		}
	}
	return strings.Compare(sa, sb), true
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
