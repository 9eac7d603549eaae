package query

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/solidb-io/solidb/internal/engerr"
)

// builtin is one named function's implementation over already-evaluated
// argument values.
type builtin func(args []any) (any, error)

// builtins is the query language's function catalog (spec §4.8, "subset,
// grouped"): aggregates, array, string, date, math, type, object, geo,
// and control functions, dispatched case-insensitively by name.
var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		// aggregates — also usable as scalar functions over an array arg.
		"SUM":            aggSum,
		"AVG":            aggAvg,
		"COUNT":          aggCount,
		"MIN":            aggMin,
		"MAX":            aggMax,
		"COUNT_DISTINCT": aggCountDistinct,
		"VARIANCE":       aggVariance,
		"STDDEV":         aggStddev,
		"MEDIAN":         aggMedian,
		"PERCENTILE":     aggPercentile,

		// array
		"LENGTH": fnLength,
		"FIRST":  fnFirst,
		"LAST":   fnLast,
		"SLICE":  fnSlice,
		"UNIQUE": fnUnique,
		"FLATTEN": fnFlatten,
		"ZIP":    fnZip,

		// string
		"UPPER":         fnUpper,
		"LOWER":         fnLower,
		"TRIM":          fnTrim,
		"SPLIT":         fnSplit,
		"CONCAT":        fnConcat,
		"SUBSTRING":     fnSubstring,
		"REGEX_TEST":    fnRegexTest,
		"REGEX_REPLACE": fnRegexReplace,
		"LEVENSHTEIN":   fnLevenshtein,

		// date
		"DATE_NOW":       fnDateNow,
		"DATE_YEAR":      fnDateYear,
		"DATE_MONTH":     fnDateMonth,
		"DATE_DAY":       fnDateDay,
		"DATE_HOUR":      fnDateHour,
		"DATE_MINUTE":    fnDateMinute,
		"DATE_SECOND":    fnDateSecond,
		"DATE_DAYOFWEEK": fnDateDayOfWeek,
		"TIME_BUCKET":    fnTimeBucket,

		// math
		"ABS":   fnAbs,
		"ROUND": fnRound,
		"FLOOR": fnFloor,
		"CEIL":  fnCeil,
		"SQRT":  fnSqrt,
		"POW":   fnPow,
		"LOG":   fnLog,
		"EXP":   fnExp,
		"SIN":   fn1(math.Sin),
		"COS":   fn1(math.Cos),
		"TAN":   fn1(math.Tan),

		// type
		"IS_NULL":   fnIsNull,
		"IS_BOOL":   fnIsBool,
		"IS_NUMBER": fnIsNumber,
		"IS_STRING": fnIsString,
		"IS_ARRAY":  fnIsArray,
		"IS_OBJECT": fnIsObject,
		"TYPENAME":  fnTypename,
		"TO_NUMBER": fnToNumber,
		"TO_STRING": fnToString,
		"TO_BOOL":   fnToBool,
		"TO_ARRAY":  fnToArray,

		// object
		"HAS":        fnHas,
		"ATTRIBUTES": fnAttributes,
		"VALUES":     fnValues,
		"KEEP":       fnKeep,
		"UNSET":      fnUnset,
		"MERGE":      fnMerge,

		// geo
		"DISTANCE": fnDistance,

		// control
		"IF":       fnIf,
		"COALESCE": fnCoalesce,
		"ASSERT":   fnAssert,
	}
}

func callBuiltin(name string, args []any) (any, error) {
	fn, ok := builtins[strings.ToUpper(name)]
	if !ok {
		return nil, engerr.New(engerr.KindParse, "unknown function %q", name)
	}
	return fn(args)
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func asArray(v any) []any {
	if a, ok := v.([]any); ok {
		return a
	}
	return nil
}

func numbersOf(args []any) []float64 {
	var items []any
	if len(args) == 1 {
		items = asArray(args[0])
	} else {
		items = args
	}
	out := make([]float64, 0, len(items))
	for _, v := range items {
		if f, ok := toFloat(v); ok {
			out = append(out, f)
		}
	}
	return out
}

func aggSum(args []any) (any, error) {
	sum := 0.0
	for _, f := range numbersOf(args) {
		sum += f
	}
	return sum, nil
}

func aggAvg(args []any) (any, error) {
	nums := numbersOf(args)
	if len(nums) == 0 {
		return nil, nil
	}
	sum := 0.0
	for _, f := range nums {
		sum += f
	}
	return sum / float64(len(nums)), nil
}

func aggCount(args []any) (any, error) {
	if len(args) == 1 {
		if a := asArray(args[0]); a != nil {
			return int64(len(a)), nil
		}
	}
	return int64(len(args)), nil
}

func aggMin(args []any) (any, error) {
	nums := numbersOf(args)
	if len(nums) == 0 {
		return nil, nil
	}
	m := nums[0]
	for _, f := range nums[1:] {
		if f < m {
			m = f
		}
	}
	return m, nil
}

func aggMax(args []any) (any, error) {
	nums := numbersOf(args)
	if len(nums) == 0 {
		return nil, nil
	}
	m := nums[0]
	for _, f := range nums[1:] {
		if f > m {
			m = f
		}
	}
	return m, nil
}

func aggCountDistinct(args []any) (any, error) {
	var items []any
	if len(args) == 1 {
		items = asArray(args[0])
	} else {
		items = args
	}
	seen := make(map[string]bool, len(items))
	for _, v := range items {
		seen[fmt.Sprintf("%v", v)] = true
	}
	return int64(len(seen)), nil
}

func aggVariance(args []any) (any, error) {
	nums := numbersOf(args)
	if len(nums) == 0 {
		return nil, nil
	}
	mean := 0.0
	for _, f := range nums {
		mean += f
	}
	mean /= float64(len(nums))
	sq := 0.0
	for _, f := range nums {
		d := f - mean
		sq += d * d
	}
	return sq / float64(len(nums)), nil
}

func aggStddev(args []any) (any, error) {
	v, err := aggVariance(args)
	if err != nil || v == nil {
		return v, err
	}
	return math.Sqrt(v.(float64)), nil
}

func aggMedian(args []any) (any, error) {
	nums := numbersOf(args)
	if len(nums) == 0 {
		return nil, nil
	}
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], nil
	}
	return (sorted[mid-1] + sorted[mid]) / 2, nil
}

func aggPercentile(args []any) (any, error) {
	if len(args) < 2 {
		return nil, engerr.New(engerr.KindType, "PERCENTILE requires (array, p)")
	}
	nums := numbersOf(args[:1])
	p, ok := toFloat(args[1])
	if !ok || len(nums) == 0 {
		return nil, nil
	}
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo], nil
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac, nil
}

func fnLength(args []any) (any, error) {
	switch v := arg(args, 0).(type) {
	case []any:
		return int64(len(v)), nil
	case string:
		return int64(len(v)), nil
	case map[string]any:
		return int64(len(v)), nil
	default:
		return int64(0), nil
	}
}

func fnFirst(args []any) (any, error) {
	a := asArray(arg(args, 0))
	if len(a) == 0 {
		return nil, nil
	}
	return a[0], nil
}

func fnLast(args []any) (any, error) {
	a := asArray(arg(args, 0))
	if len(a) == 0 {
		return nil, nil
	}
	return a[len(a)-1], nil
}

func fnSlice(args []any) (any, error) {
	a := asArray(arg(args, 0))
	start, _ := toInt(arg(args, 1))
	length := len(a) - start
	if len(args) > 2 {
		length, _ = toInt(arg(args, 2))
	}
	if start < 0 || start > len(a) {
		return []any{}, nil
	}
	end := start + length
	if end > len(a) {
		end = len(a)
	}
	if end < start {
		end = start
	}
	return append([]any(nil), a[start:end]...), nil
}

func fnUnique(args []any) (any, error) {
	a := asArray(arg(args, 0))
	seen := make(map[string]bool, len(a))
	out := make([]any, 0, len(a))
	for _, v := range a {
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func fnFlatten(args []any) (any, error) {
	a := asArray(arg(args, 0))
	out := make([]any, 0, len(a))
	for _, v := range a {
		if inner, ok := v.([]any); ok {
			out = append(out, inner...)
		} else {
			out = append(out, v)
		}
	}
	return out, nil
}

func fnZip(args []any) (any, error) {
	keys := asArray(arg(args, 0))
	vals := asArray(arg(args, 1))
	out := make(map[string]any, len(keys))
	for i, k := range keys {
		if s, ok := k.(string); ok && i < len(vals) {
			out[s] = vals[i]
		}
	}
	return out, nil
}

func fnUpper(args []any) (any, error) {
	s, _ := toString(arg(args, 0))
	return strings.ToUpper(s), nil
}

func fnLower(args []any) (any, error) {
	s, _ := toString(arg(args, 0))
	return strings.ToLower(s), nil
}

func fnTrim(args []any) (any, error) {
	s, _ := toString(arg(args, 0))
	return strings.TrimSpace(s), nil
}

func fnSplit(args []any) (any, error) {
	s, _ := toString(arg(args, 0))
	sep, _ := toString(arg(args, 1))
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func fnConcat(args []any) (any, error) {
	var sb strings.Builder
	for _, a := range args {
		if s, ok := a.(string); ok {
			sb.WriteString(s)
		} else {
			sb.WriteString(fmt.Sprintf("%v", a))
		}
	}
	return sb.String(), nil
}

func fnSubstring(args []any) (any, error) {
	s, _ := toString(arg(args, 0))
	start, _ := toInt(arg(args, 1))
	if start < 0 {
		start = 0
	}
	if start > len(s) {
		start = len(s)
	}
	length := len(s) - start
	if len(args) > 2 {
		length, _ = toInt(arg(args, 2))
	}
	end := start + length
	if end > len(s) {
		end = len(s)
	}
	if end < start {
		end = start
	}
	return s[start:end], nil
}

func fnRegexTest(args []any) (any, error) {
	s, _ := toString(arg(args, 0))
	pattern, _ := toString(arg(args, 1))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, engerr.New(engerr.KindParse, "invalid regex: %v", err)
	}
	return re.MatchString(s), nil
}

func fnRegexReplace(args []any) (any, error) {
	s, _ := toString(arg(args, 0))
	pattern, _ := toString(arg(args, 1))
	repl, _ := toString(arg(args, 2))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, engerr.New(engerr.KindParse, "invalid regex: %v", err)
	}
	return re.ReplaceAllString(s, repl), nil
}

func fnLevenshtein(args []any) (any, error) {
	a, _ := toString(arg(args, 0))
	b, _ := toString(arg(args, 1))
	return int64(levenshtein(a, b)), nil
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func timeArg(args []any, i int) time.Time {
	v := arg(args, i)
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0).UTC()
	case float64:
		return time.Unix(int64(t), 0).UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func fnDateNow([]any) (any, error) { return time.Now().UTC().Unix(), nil }
func fnDateYear(args []any) (any, error)  { return int64(timeArg(args, 0).Year()), nil }
func fnDateMonth(args []any) (any, error) { return int64(timeArg(args, 0).Month()), nil }
func fnDateDay(args []any) (any, error)   { return int64(timeArg(args, 0).Day()), nil }
func fnDateHour(args []any) (any, error)  { return int64(timeArg(args, 0).Hour()), nil }
func fnDateMinute(args []any) (any, error) { return int64(timeArg(args, 0).Minute()), nil }
func fnDateSecond(args []any) (any, error) { return int64(timeArg(args, 0).Second()), nil }
func fnDateDayOfWeek(args []any) (any, error) {
	return int64(timeArg(args, 0).Weekday()), nil
}

// fnTimeBucket floors a timestamp to the nearest multiple of interval,
// parsed from strings like "5m", "1h", "1d" (spec §4.8).
func fnTimeBucket(args []any) (any, error) {
	ts := timeArg(args, 0)
	interval, _ := toString(arg(args, 1))
	d, err := parseInterval(interval)
	if err != nil {
		return nil, err
	}
	bucketed := ts.Truncate(d)
	return bucketed.Unix(), nil
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, engerr.New(engerr.KindParse, "empty interval")
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, engerr.New(engerr.KindParse, "invalid interval %q", s)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, engerr.New(engerr.KindParse, "unknown interval unit %q", string(unit))
	}
}

func fn1(f func(float64) float64) builtin {
	return func(args []any) (any, error) {
		v, ok := toFloat(arg(args, 0))
		if !ok {
			return nil, engerr.New(engerr.KindType, "expected numeric argument")
		}
		return f(v), nil
	}
}

func fnAbs(args []any) (any, error)   { return fn1(math.Abs)(args) }
func fnRound(args []any) (any, error) { return fn1(math.Round)(args) }
func fnFloor(args []any) (any, error) { return fn1(math.Floor)(args) }
func fnCeil(args []any) (any, error)  { return fn1(math.Ceil)(args) }
func fnSqrt(args []any) (any, error)  { return fn1(math.Sqrt)(args) }
func fnLog(args []any) (any, error)   { return fn1(math.Log)(args) }
func fnExp(args []any) (any, error)   { return fn1(math.Exp)(args) }

func fnPow(args []any) (any, error) {
	base, ok1 := toFloat(arg(args, 0))
	exp, ok2 := toFloat(arg(args, 1))
	if !ok1 || !ok2 {
		return nil, engerr.New(engerr.KindType, "POW expects two numeric arguments")
	}
	return math.Pow(base, exp), nil
}

func fnIsNull(args []any) (any, error)   { return arg(args, 0) == nil, nil }
func fnIsBool(args []any) (any, error)   { _, ok := arg(args, 0).(bool); return ok, nil }
func fnIsNumber(args []any) (any, error) { _, ok := toFloat(arg(args, 0)); return ok, nil }
func fnIsString(args []any) (any, error) { _, ok := arg(args, 0).(string); return ok, nil }
func fnIsArray(args []any) (any, error)  { _, ok := arg(args, 0).([]any); return ok, nil }
func fnIsObject(args []any) (any, error) { _, ok := arg(args, 0).(map[string]any); return ok, nil }

func fnTypename(args []any) (any, error) {
	v := arg(args, 0)
	switch v.(type) {
	case nil:
		return "null", nil
	case bool:
		return "bool", nil
	case int64, float64:
		return "number", nil
	case string:
		return "string", nil
	case []any:
		return "array", nil
	case map[string]any:
		return "object", nil
	default:
		return "unknown", nil
	}
}

func fnToNumber(args []any) (any, error) {
	v := arg(args, 0)
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
	}
	return 0.0, nil
}

func fnToString(args []any) (any, error) {
	v := arg(args, 0)
	if s, ok := v.(string); ok {
		return s, nil
	}
	if v == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", v), nil
}

func fnToBool(args []any) (any, error) { return truthy(arg(args, 0)), nil }

func fnToArray(args []any) (any, error) {
	v := arg(args, 0)
	if a, ok := v.([]any); ok {
		return a, nil
	}
	if v == nil {
		return []any{}, nil
	}
	return []any{v}, nil
}

func fnHas(args []any) (any, error) {
	m, ok := arg(args, 0).(map[string]any)
	if !ok {
		return false, nil
	}
	field, _ := toString(arg(args, 1))
	_, exists := m[field]
	return exists, nil
}

func fnAttributes(args []any) (any, error) {
	m, ok := arg(args, 0).(map[string]any)
	if !ok {
		return []any{}, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func fnValues(args []any) (any, error) {
	m, ok := arg(args, 0).(map[string]any)
	if !ok {
		return []any{}, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out, nil
}

func fnKeep(args []any) (any, error) {
	m, ok := arg(args, 0).(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(args)-1)
	for _, a := range args[1:] {
		if field, ok := a.(string); ok {
			if v, exists := m[field]; exists {
				out[field] = v
			}
		}
	}
	return out, nil
}

func fnUnset(args []any) (any, error) {
	m, ok := arg(args, 0).(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	drop := make(map[string]bool, len(args)-1)
	for _, a := range args[1:] {
		if field, ok := a.(string); ok {
			drop[field] = true
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !drop[k] {
			out[k] = v
		}
	}
	return out, nil
}

func fnMerge(args []any) (any, error) {
	out := make(map[string]any)
	for _, a := range args {
		if m, ok := a.(map[string]any); ok {
			for k, v := range m {
				out[k] = v
			}
		}
	}
	return out, nil
}

// fnDistance computes the great-circle (haversine) distance in meters
// between two (lat, lon) pairs.
func fnDistance(args []any) (any, error) {
	lat1, _ := toFloat(arg(args, 0))
	lon1, _ := toFloat(arg(args, 1))
	lat2, _ := toFloat(arg(args, 2))
	lon2, _ := toFloat(arg(args, 3))
	const earthRadiusM = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c, nil
}

func fnIf(args []any) (any, error) {
	if len(args) < 3 {
		return nil, engerr.New(engerr.KindType, "IF requires (cond, then, else)")
	}
	if truthy(args[0]) {
		return args[1], nil
	}
	return args[2], nil
}

func fnCoalesce(args []any) (any, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func fnAssert(args []any) (any, error) {
	if !truthy(arg(args, 0)) {
		msg, _ := toString(arg(args, 1))
		if msg == "" {
			msg = "assertion failed"
		}
		return nil, engerr.New(engerr.KindType, "%s", msg)
	}
	return true, nil
}
