package query

import (
	"fmt"
	"sort"

	"github.com/solidb-io/solidb/internal/engerr"
)

// Row is one tuple of variable bindings flowing through the pipeline.
type Row map[string]any

func (r Row) clone() Row {
	out := make(Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Env is the evaluation context for a single expression: the current
// row's variable bindings plus the caller-supplied bind parameters.
type Env struct {
	Row   Row
	Binds map[string]any
}

// eval evaluates expr against env, dispatching on the expression's
// concrete (tagged) type.
func eval(expr Expr, env Env) (any, error) {
	switch e := expr.(type) {
	case LiteralExpr:
		return e.Value, nil
	case IdentExpr:
		v, ok := env.Row[e.Name]
		if !ok {
			return nil, nil
		}
		return v, nil
	case BindParamExpr:
		v, ok := env.Binds[e.Name]
		if !ok {
			return nil, engerr.New(engerr.KindBindMissing, "bind parameter @%s", e.Name)
		}
		return v, nil
	case MemberExpr:
		obj, err := eval(e.Object, env)
		if err != nil {
			return nil, err
		}
		return memberGet(obj, e.Field), nil
	case IndexExpr:
		obj, err := eval(e.Object, env)
		if err != nil {
			return nil, err
		}
		idx, err := eval(e.Index, env)
		if err != nil {
			return nil, err
		}
		return indexGet(obj, idx), nil
	case UnaryExpr:
		return evalUnary(e, env)
	case BinaryExpr:
		return evalBinary(e, env)
	case ArrayExpr:
		out := make([]any, len(e.Elements))
		for i, el := range e.Elements {
			v, err := eval(el, env)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case ObjectExpr:
		out := make(map[string]any, len(e.Fields))
		for _, f := range e.Fields {
			v, err := eval(f.Value, env)
			if err != nil {
				return nil, err
			}
			out[f.Key] = v
		}
		return out, nil
	case FuncCallExpr:
		args := make([]any, len(e.Args))
		for i, a := range e.Args {
			v, err := eval(a, env)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return callBuiltin(e.Name, args)
	case SubqueryExpr:
		return nil, fmt.Errorf("subquery expression requires an executor context")
	default:
		return nil, fmt.Errorf("unsupported expression type %T", expr)
	}
}

func memberGet(obj any, field string) any {
	switch m := obj.(type) {
	case map[string]any:
		return m[field]
	default:
		return nil
	}
}

func indexGet(obj, idx any) any {
	switch arr := obj.(type) {
	case []any:
		i, ok := toInt(idx)
		if !ok || i < 0 || i >= len(arr) {
			return nil
		}
		return arr[i]
	case map[string]any:
		if s, ok := idx.(string); ok {
			return arr[s]
		}
		return nil
	default:
		return nil
	}
}

func evalUnary(e UnaryExpr, env Env) (any, error) {
	v, err := eval(e.Operand, env)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "NOT":
		return !truthy(v), nil
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, engerr.New(engerr.KindType, "cannot negate %T", v)
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("unknown unary operator %q", e.Op)
	}
}

func evalBinary(e BinaryExpr, env Env) (any, error) {
	if e.Op == "AND" {
		l, err := eval(e.Left, env)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := eval(e.Right, env)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	if e.Op == "OR" {
		l, err := eval(e.Left, env)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := eval(e.Right, env)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := eval(e.Left, env)
	if err != nil {
		return nil, err
	}
	r, err := eval(e.Right, env)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case "==":
		return valuesEqual(l, r), nil
	case "!=":
		return !valuesEqual(l, r), nil
	case "<", "<=", ">", ">=":
		return compareValues(e.Op, l, r)
	case "IN":
		arr, ok := r.([]any)
		if !ok {
			return false, nil
		}
		for _, item := range arr {
			if valuesEqual(l, item) {
				return true, nil
			}
		}
		return false, nil
	case "+", "-", "*", "/", "%":
		return arithmetic(e.Op, l, r)
	default:
		return nil, fmt.Errorf("unknown binary operator %q", e.Op)
	}
}

func arithmetic(op string, l, r any) (any, error) {
	if op == "+" {
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
	}
	lf, ok1 := toFloat(l)
	rf, ok2 := toFloat(r)
	if !ok1 || !ok2 {
		return nil, engerr.New(engerr.KindType, "arithmetic on non-numeric operands")
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, engerr.New(engerr.KindType, "division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, engerr.New(engerr.KindType, "modulo by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	default:
		return nil, fmt.Errorf("unknown arithmetic operator %q", op)
	}
}

func compareValues(op string, l, r any) (any, error) {
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}
	lf, ok1 := toFloat(l)
	rf, ok2 := toFloat(r)
	if !ok1 || !ok2 {
		return nil, engerr.New(engerr.KindType, "cannot compare %T and %T", l, r)
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	default:
		return nil, fmt.Errorf("unknown comparison operator %q", op)
	}
}

func valuesEqual(l, r any) bool {
	if lf, ok := toFloat(l); ok {
		if rf, ok := toFloat(r); ok {
			return lf == rf
		}
	}
	return fmt.Sprintf("%v", l) == fmt.Sprintf("%v", r) && sameKind(l, r)
}

func sameKind(l, r any) bool {
	if l == nil || r == nil {
		return l == r
	}
	return fmt.Sprintf("%T", l) == fmt.Sprintf("%T", r)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// sortRows sorts rows in place by keys, stable (insertion-order tiebreak).
func sortRows(rows []Row, keys []SortKey, binds map[string]any) error {
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		for _, k := range keys {
			vi, err := eval(k.Expr, Env{Row: rows[i], Binds: binds})
			if err != nil {
				sortErr = err
				return false
			}
			vj, err := eval(k.Expr, Env{Row: rows[j], Binds: binds})
			if err != nil {
				sortErr = err
				return false
			}
			if valuesEqual(vi, vj) {
				continue
			}
			less, err := compareValues("<", vi, vj)
			if err != nil {
				sortErr = err
				return false
			}
			lt := less.(bool)
			if k.Desc {
				return !lt
			}
			return lt
		}
		return false
	})
	return sortErr
}
