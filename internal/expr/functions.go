package expr

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Func is a built-in function. Arguments that were undefined arrive as nil.
// Returning ok == false makes the call undefined.
type Func func(c *Context, args []any) (any, bool)

// catalog holds the built-in functions addressable as fn.<name>.
var catalog map[string]Func

func init() {
	catalog = map[string]Func{
		// date
		"now":        fnNow,
		"today":      fnToday,
		"dateAdd":    fnDateAdd,
		"dateDiff":   fnDateDiff,
		"formatDate": fnFormatDate,

		// identifier
		"uuid":      fnUUID,
		"randomInt": fnRandomInt,

		// string
		"upper":      caseFunc(func() cases.Caser { return cases.Upper(language.Und) }),
		"lower":      caseFunc(func() cases.Caser { return cases.Lower(language.Und) }),
		"title":      caseFunc(func() cases.Caser { return cases.Title(language.Und) }),
		"trim":       stringFunc(strings.TrimSpace),
		"split":      fnSplit,
		"join":       fnJoin,
		"concat":     fnConcat,
		"substring":  fnSubstring,
		"replace":    fnReplace,
		"startsWith": stringTest(strings.HasPrefix),
		"endsWith":   stringTest(strings.HasSuffix),
		"contains":   fnContains,
		"length":     fnLength,

		// numeric
		"sum":   fnSum,
		"avg":   fnAvg,
		"min":   extremum(-1),
		"max":   extremum(1),
		"count": fnCount,
		"round": fnRound,
		"abs":   fnAbs,

		// utility
		"default":   fnDefault,
		"coalesce":  fnCoalesce,
		"if":        fnIf,
		"isNull":    fnIsNull,
		"isNotNull": fnIsNotNull,
		"isEmpty":   fnIsEmpty,
		"eq":        fnEq,
		"ne":        fnNe,
		"gt":        comparison(func(c int) bool { return c > 0 }),
		"gte":       comparison(func(c int) bool { return c >= 0 }),
		"lt":        comparison(func(c int) bool { return c < 0 }),
		"lte":       comparison(func(c int) bool { return c <= 0 }),
		"and":       fnAnd,
		"or":        fnOr,
		"not":       fnNot,

		// structured data
		"toJson":    fnToJSON,
		"parseJson": fnParseJSON,

		// coercion
		"toNumber":  fnToNumber,
		"toString":  fnToString,
		"toBoolean": fnToBoolean,
	}
}

// Functions returns the names of all built-in functions.
func Functions() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	return names
}

// HasFunction reports whether fn.<name> exists.
func HasFunction(name string) bool {
	_, ok := catalog[name]
	return ok
}

// --- date ---

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// parseTime accepts RFC 3339 strings, plain dates, time.Time, and numbers
// as Unix milliseconds.
func parseTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}
	if isNumber(v) {
		ms, _ := ToNumber(v)
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	return time.Time{}, false
}

func fnNow(c *Context, args []any) (any, bool) {
	return c.now().UTC().Format(time.RFC3339), true
}

func fnToday(c *Context, args []any) (any, bool) {
	return c.now().UTC().Format(time.DateOnly), true
}

// normalizeUnit maps "ms", "days", "Hours" and similar to a singular name.
func normalizeUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	if u == "ms" {
		return "millisecond"
	}
	return strings.TrimSuffix(u, "s")
}

func addInterval(t time.Time, amount float64, unit string) (time.Time, bool) {
	n := int(amount)
	switch normalizeUnit(unit) {
	case "millisecond":
		return t.Add(time.Duration(amount * float64(time.Millisecond))), true
	case "second":
		return t.Add(time.Duration(amount * float64(time.Second))), true
	case "minute":
		return t.Add(time.Duration(amount * float64(time.Minute))), true
	case "hour":
		return t.Add(time.Duration(amount * float64(time.Hour))), true
	case "day":
		return t.AddDate(0, 0, n), true
	case "week":
		return t.AddDate(0, 0, 7*n), true
	case "month":
		return t.AddDate(0, n, 0), true
	case "year":
		return t.AddDate(n, 0, 0), true
	}
	return time.Time{}, false
}

// fnDateAdd: dateAdd(date, amount, unit)
func fnDateAdd(c *Context, args []any) (any, bool) {
	if len(args) != 3 {
		return nil, false
	}
	t, ok := parseTime(args[0])
	if !ok {
		return nil, false
	}
	amount, ok := ToNumber(args[1])
	if !ok {
		return nil, false
	}
	unit, _ := args[2].(string)
	out, ok := addInterval(t, amount, unit)
	if !ok {
		return nil, false
	}
	return out.Format(time.RFC3339), true
}

// fnDateDiff: dateDiff(from, to, unit) is to - from, truncated to whole units.
func fnDateDiff(c *Context, args []any) (any, bool) {
	if len(args) < 2 || len(args) > 3 {
		return nil, false
	}
	from, ok1 := parseTime(args[0])
	to, ok2 := parseTime(args[1])
	if !ok1 || !ok2 {
		return nil, false
	}
	unit := "days"
	if len(args) == 3 {
		unit, _ = args[2].(string)
	}
	d := to.Sub(from)
	var v float64
	switch normalizeUnit(unit) {
	case "millisecond":
		v = float64(d.Milliseconds())
	case "second":
		v = d.Seconds()
	case "minute":
		v = d.Minutes()
	case "hour":
		v = d.Hours()
	case "day":
		v = d.Hours() / 24
	case "week":
		v = d.Hours() / (24 * 7)
	case "month":
		v = float64(monthsBetween(from, to))
	case "year":
		v = float64(monthsBetween(from, to) / 12)
	default:
		return nil, false
	}
	return math.Trunc(v), true
}

func monthsBetween(from, to time.Time) int {
	sign := 1
	if to.Before(from) {
		from, to = to, from
		sign = -1
	}
	months := (to.Year()-from.Year())*12 + int(to.Month()-from.Month())
	if from.AddDate(0, months, 0).After(to) {
		months--
	}
	return sign * months
}

var dateTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

// fnFormatDate: formatDate(date, pattern) with YYYY MM DD HH mm ss tokens.
func fnFormatDate(c *Context, args []any) (any, bool) {
	if len(args) < 1 || len(args) > 2 {
		return nil, false
	}
	t, ok := parseTime(args[0])
	if !ok {
		return nil, false
	}
	pattern := "YYYY-MM-DD"
	if len(args) == 2 {
		p, ok := args[1].(string)
		if !ok {
			return nil, false
		}
		pattern = p
	}
	return t.Format(dateTokens.Replace(pattern)), true
}

// --- identifier ---

func fnUUID(c *Context, args []any) (any, bool) {
	return uuid.NewString(), true
}

// fnRandomInt: randomInt(min, max) inclusive.
func fnRandomInt(c *Context, args []any) (any, bool) {
	if len(args) != 2 {
		return nil, false
	}
	lo, ok1 := ToNumber(args[0])
	hi, ok2 := ToNumber(args[1])
	if !ok1 || !ok2 || !inIntRange(lo) || !inIntRange(hi) || hi < lo {
		return nil, false
	}
	span := int64(hi) - int64(lo) + 1
	if span <= 0 {
		return nil, false
	}
	return float64(int64(lo) + rand.Int64N(span)), true
}

// maxRandomBound keeps hi-lo+1 within int64.
const maxRandomBound = 1 << 62

func inIntRange(f float64) bool {
	return !math.IsNaN(f) && f >= -maxRandomBound && f <= maxRandomBound
}

// --- string ---

// caseFunc builds a Caser per call; Casers are not safe for concurrent use.
func caseFunc(newCaser func() cases.Caser) Func {
	return stringFunc(func(s string) string {
		return newCaser().String(s)
	})
}

func stringFunc(f func(string) string) Func {
	return func(c *Context, args []any) (any, bool) {
		if len(args) != 1 {
			return nil, false
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, false
		}
		return f(s), true
	}
}

func stringTest(f func(s, x string) bool) Func {
	return func(c *Context, args []any) (any, bool) {
		if len(args) != 2 {
			return nil, false
		}
		s, ok1 := args[0].(string)
		x, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, false
		}
		return f(s, x), true
	}
}

func fnSplit(c *Context, args []any) (any, bool) {
	if len(args) != 2 {
		return nil, false
	}
	s, ok1 := args[0].(string)
	sep, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, false
	}
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, true
}

func fnJoin(c *Context, args []any) (any, bool) {
	if len(args) < 1 || len(args) > 2 {
		return nil, false
	}
	items, ok := args[0].([]any)
	if !ok {
		return nil, false
	}
	sep := ","
	if len(args) == 2 {
		sep = Stringify(args[1])
	}
	strs := make([]string, len(items))
	for i, item := range items {
		strs[i] = Stringify(item)
	}
	return strings.Join(strs, sep), true
}

func fnConcat(c *Context, args []any) (any, bool) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(Stringify(a))
	}
	return b.String(), true
}

// fnSubstring: substring(s, start[, end]) over runes, clamped to bounds.
func fnSubstring(c *Context, args []any) (any, bool) {
	if len(args) < 2 || len(args) > 3 {
		return nil, false
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, false
	}
	runes := []rune(s)
	start, ok := ToNumber(args[1])
	if !ok {
		return nil, false
	}
	end := float64(len(runes))
	if len(args) == 3 {
		if end, ok = ToNumber(args[2]); !ok {
			return nil, false
		}
	}
	lo := clamp(int(start), 0, len(runes))
	hi := clamp(int(end), lo, len(runes))
	return string(runes[lo:hi]), true
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func fnReplace(c *Context, args []any) (any, bool) {
	if len(args) != 3 {
		return nil, false
	}
	s, ok1 := args[0].(string)
	old, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, false
	}
	return strings.ReplaceAll(s, old, Stringify(args[2])), true
}

// fnContains tests substring membership for strings and element
// membership for arrays.
func fnContains(c *Context, args []any) (any, bool) {
	if len(args) != 2 {
		return nil, false
	}
	switch hay := args[0].(type) {
	case string:
		needle, ok := args[1].(string)
		if !ok {
			return nil, false
		}
		return strings.Contains(hay, needle), true
	case []any:
		for _, item := range hay {
			if Equal(item, args[1]) {
				return true, true
			}
		}
		return false, true
	}
	return nil, false
}

func fnLength(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	switch val := args[0].(type) {
	case string:
		return float64(utf8.RuneCountInString(val)), true
	case []any:
		return float64(len(val)), true
	case map[string]any:
		return float64(len(val)), true
	}
	return nil, false
}

// --- numeric ---

// flatten expands a single array argument so fn.sum($.items) and
// fn.sum(1, 2, 3) behave alike.
func flatten(args []any) []any {
	if len(args) == 1 {
		if arr, ok := args[0].([]any); ok {
			return arr
		}
	}
	return args
}

func numbers(args []any) ([]float64, bool) {
	items := flatten(args)
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := ToNumber(item)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func fnSum(c *Context, args []any) (any, bool) {
	nums, ok := numbers(args)
	if !ok {
		return nil, false
	}
	var total float64
	for _, n := range nums {
		total += n
	}
	return total, true
}

func fnAvg(c *Context, args []any) (any, bool) {
	nums, ok := numbers(args)
	if !ok || len(nums) == 0 {
		return nil, false
	}
	var total float64
	for _, n := range nums {
		total += n
	}
	return total / float64(len(nums)), true
}

func extremum(sign int) Func {
	return func(c *Context, args []any) (any, bool) {
		nums, ok := numbers(args)
		if !ok || len(nums) == 0 {
			return nil, false
		}
		best := nums[0]
		for _, n := range nums[1:] {
			if cmpFloat(n, best) == sign {
				best = n
			}
		}
		return best, true
	}
}

func fnCount(c *Context, args []any) (any, bool) {
	return float64(len(flatten(args))), true
}

// fnRound: round(x[, digits])
func fnRound(c *Context, args []any) (any, bool) {
	if len(args) < 1 || len(args) > 2 {
		return nil, false
	}
	x, ok := ToNumber(args[0])
	if !ok {
		return nil, false
	}
	digits := 0.0
	if len(args) == 2 {
		if digits, ok = ToNumber(args[1]); !ok {
			return nil, false
		}
	}
	scale := math.Pow(10, digits)
	return math.Round(x*scale) / scale, true
}

func fnAbs(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	x, ok := ToNumber(args[0])
	if !ok {
		return nil, false
	}
	return math.Abs(x), true
}

// --- utility ---

func fnDefault(c *Context, args []any) (any, bool) {
	if len(args) != 2 {
		return nil, false
	}
	if args[0] != nil && args[0] != "" {
		return args[0], true
	}
	return args[1], args[1] != nil
}

func fnCoalesce(c *Context, args []any) (any, bool) {
	for _, a := range args {
		if a != nil {
			return a, true
		}
	}
	return nil, false
}

// fnIf: if(cond, then[, else])
func fnIf(c *Context, args []any) (any, bool) {
	if len(args) < 2 || len(args) > 3 {
		return nil, false
	}
	var out any
	if Truthy(args[0]) {
		out = args[1]
	} else if len(args) == 3 {
		out = args[2]
	}
	return out, out != nil
}

func fnIsNull(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	return args[0] == nil, true
}

func fnIsNotNull(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	return args[0] != nil, true
}

func fnIsEmpty(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	switch val := args[0].(type) {
	case nil:
		return true, true
	case string:
		return strings.TrimSpace(val) == "", true
	case []any:
		return len(val) == 0, true
	case map[string]any:
		return len(val) == 0, true
	}
	return false, true
}

func fnEq(c *Context, args []any) (any, bool) {
	if len(args) != 2 {
		return nil, false
	}
	return Equal(args[0], args[1]), true
}

func fnNe(c *Context, args []any) (any, bool) {
	if len(args) != 2 {
		return nil, false
	}
	return !Equal(args[0], args[1]), true
}

func comparison(test func(int) bool) Func {
	return func(c *Context, args []any) (any, bool) {
		if len(args) != 2 {
			return nil, false
		}
		cmp, ok := Compare(args[0], args[1])
		if !ok {
			return nil, false
		}
		return test(cmp), true
	}
}

func fnAnd(c *Context, args []any) (any, bool) {
	if len(args) == 0 {
		return nil, false
	}
	for _, a := range args {
		if !Truthy(a) {
			return false, true
		}
	}
	return true, true
}

func fnOr(c *Context, args []any) (any, bool) {
	if len(args) == 0 {
		return nil, false
	}
	for _, a := range args {
		if Truthy(a) {
			return true, true
		}
	}
	return false, true
}

func fnNot(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	return !Truthy(args[0]), true
}

// --- structured data ---

func fnToJSON(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return nil, false
	}
	return string(data), true
}

func fnParseJSON(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, false
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, false
	}
	return out, true
}

// --- coercion ---

func fnToNumber(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	f, ok := ToNumber(args[0])
	if !ok {
		return nil, false
	}
	return f, true
}

func fnToString(c *Context, args []any) (any, bool) {
	if len(args) != 1 || args[0] == nil {
		return nil, false
	}
	return Stringify(args[0]), true
}

func fnToBoolean(c *Context, args []any) (any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	return Truthy(args[0]), true
}
