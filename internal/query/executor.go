package query

import (
	"context"
	"fmt"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/store"
	"github.com/solidb-io/solidb/internal/txn"
	"github.com/solidb-io/solidb/internal/types"
)

// Executor drives a parsed Query against a document Store, one Row at a
// time through the clause pipeline (spec §4.8).
type Executor struct {
	Store *store.Store
	DBID  uint64
}

// NewExecutor binds an Executor to a database.
func NewExecutor(st *store.Store, dbID uint64) *Executor {
	return &Executor{Store: st, DBID: dbID}
}

// Run executes q and returns its RETURN projections in order. tx may be
// nil (each mutation autocommits) or a caller-owned transaction.
func (ex *Executor) Run(ctx context.Context, tx *txn.Transaction, q *Query, binds map[string]any) ([]any, error) {
	rows := []Row{{}}
	for i, clause := range q.Clauses {
		var err error
		rows, err = ex.applyClause(ctx, tx, clause, rows, binds, q.Clauses, i)
		if err != nil {
			return nil, err
		}
	}
	if q.Return == nil {
		return nil, nil
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		v, err := eval(q.Return.Value, Env{Row: r, Binds: binds})
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// applyClause runs one clause of allClauses (clause == allClauses[pos]).
// pos and allClauses let a ForClause look ahead at the FILTER/SORT
// clauses scoped to it to decide whether an index can serve the scan —
// the same lookahead Explain uses, so a plan's reported index always
// matches what execution actually does.
func (ex *Executor) applyClause(ctx context.Context, tx *txn.Transaction, clause Clause, rows []Row, binds map[string]any, allClauses []Clause, pos int) ([]Row, error) {
	switch c := clause.(type) {
	case ForClause:
		return ex.applyFor(c, rows, binds, allClauses, pos)
	case TraversalClause:
		return ex.applyTraversal(ctx, tx, c, rows, binds)
	case LetClause:
		return ex.applyLet(ctx, tx, c, rows, binds)
	case FilterClause:
		return applyFilter(c, rows, binds)
	case SortClause:
		if err := sortRows(rows, c.Keys, binds); err != nil {
			return nil, err
		}
		return rows, nil
	case LimitClause:
		return applyLimit(c, rows, binds)
	case CollectClause:
		return applyCollect(c, rows, binds)
	case MutationClause:
		return ex.applyMutation(ctx, tx, c, rows, binds)
	default:
		return nil, fmt.Errorf("unsupported clause type %T", clause)
	}
}

// sourceValues resolves a FOR clause's source: an IdentExpr naming a
// known collection is scanned — via a matching index's lookup when
// planIndexForFor finds one pinned by a downstream FILTER, a full
// Store.Scan otherwise. Any other expression must evaluate to an array.
func (ex *Executor) sourceValues(env Env, c ForClause, allClauses []Clause, pos int) ([]any, error) {
	if ident, ok := c.Source.(IdentExpr); ok {
		if coll, found := ex.Store.Registry().CollectionByName(ex.DBID, ident.Name); found {
			if plan := planIndexForFor(ex.Store.Registry().IndexesFor(coll.ID), allClauses, pos, c.Var); plan != nil {
				if val, err := eval(plan.valueExpr, env); err == nil {
					if docs, err := ex.Store.LookupIndex(coll.ID, *plan.idx, []any{val}); err == nil {
						out := make([]any, len(docs))
						for i, d := range docs {
							out[i] = map[string]any(d)
						}
						return out, nil
					}
				}
			}
			docs, err := ex.Store.Scan(coll.ID, "", 0)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(docs))
			for i, d := range docs {
				out[i] = map[string]any(d)
			}
			return out, nil
		}
	}
	v, err := eval(c.Source, env)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, engerr.New(engerr.KindType, "FOR source did not evaluate to an array or known collection")
	}
	return arr, nil
}

func (ex *Executor) applyFor(c ForClause, rows []Row, binds map[string]any, allClauses []Clause, pos int) ([]Row, error) {
	var out []Row
	for _, row := range rows {
		items, err := ex.sourceValues(Env{Row: row, Binds: binds}, c, allClauses, pos)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			next := row.clone()
			next[c.Var] = item
			out = append(out, next)
		}
	}
	return out, nil
}

func (ex *Executor) applyLet(ctx context.Context, tx *txn.Transaction, c LetClause, rows []Row, binds map[string]any) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, row := range rows {
		var v any
		var err error
		if sub, ok := c.Value.(SubqueryExpr); ok {
			v, err = ex.evalSubquery(ctx, tx, sub, row, binds)
		} else {
			v, err = eval(c.Value, Env{Row: row, Binds: binds})
		}
		if err != nil {
			return nil, err
		}
		next := row.clone()
		next[c.Var] = v
		out[i] = next
	}
	return out, nil
}

// evalSubquery runs a nested pipeline with the enclosing row's bindings
// visible, returning its projected values as an array (LET x = (FOR ...)).
func (ex *Executor) evalSubquery(ctx context.Context, tx *txn.Transaction, sub SubqueryExpr, outer Row, binds map[string]any) (any, error) {
	rows := []Row{outer.clone()}
	for i, clause := range sub.Query.Clauses {
		var err error
		rows, err = ex.applyClause(ctx, tx, clause, rows, binds, sub.Query.Clauses, i)
		if err != nil {
			return nil, err
		}
	}
	if sub.Query.Return == nil {
		return []any{}, nil
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		v, err := eval(sub.Query.Return.Value, Env{Row: r, Binds: binds})
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func applyFilter(c FilterClause, rows []Row, binds map[string]any) ([]Row, error) {
	var out []Row
	for _, row := range rows {
		v, err := eval(c.Pred, Env{Row: row, Binds: binds})
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			out = append(out, row)
		}
	}
	return out, nil
}

func applyLimit(c LimitClause, rows []Row, binds map[string]any) ([]Row, error) {
	offset := 0
	if c.Offset != nil {
		v, err := eval(c.Offset, Env{Binds: binds})
		if err != nil {
			return nil, err
		}
		offset, _ = toInt(v)
	}
	count := len(rows)
	if c.Count != nil {
		v, err := eval(c.Count, Env{Binds: binds})
		if err != nil {
			return nil, err
		}
		count, _ = toInt(v)
	}
	if offset < 0 || count < 0 {
		return nil, engerr.New(engerr.KindType, "LIMIT offset and count must be non-negative")
	}
	if offset >= len(rows) {
		return nil, nil
	}
	end := offset + count
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end], nil
}

// applyCollect groups rows by the distinct tuple of Groups' evaluated
// values, binding each aggregate and, when Into is set, the full list of
// that group's pre-COLLECT rows, each as a whole-row object. Variables bound
// before COLLECT that aren't named in Groups or captured via Into are
// not visible in rows downstream of it (spec §4.8).
func applyCollect(c CollectClause, rows []Row, binds map[string]any) ([]Row, error) {
	type group struct {
		key     string
		row     Row
		members []Row
	}
	order := make([]string, 0)
	groups := make(map[string]*group)

	for _, row := range rows {
		keyParts := make([]any, len(c.Groups))
		newRow := Row{}
		for i, g := range c.Groups {
			v, err := eval(g.Value, Env{Row: row, Binds: binds})
			if err != nil {
				return nil, err
			}
			keyParts[i] = v
			newRow[g.Var] = v
		}
		key := fmt.Sprintf("%v", keyParts)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, row: newRow}
			groups[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, row)
	}

	out := make([]Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		result := g.row.clone()
		if c.Into != "" {
			into := make([]any, len(g.members))
			for i, m := range g.members {
				into[i] = map[string]any(m)
			}
			result[c.Into] = into
		}
		for _, agg := range c.Aggregates {
			values := make([]any, len(g.members))
			for i, m := range g.members {
				if agg.Arg == nil {
					values[i] = map[string]any(m)
					continue
				}
				v, err := eval(agg.Arg, Env{Row: m, Binds: binds})
				if err != nil {
					return nil, err
				}
				values[i] = v
			}
			v, err := callBuiltin(agg.Func, []any{values})
			if err != nil {
				return nil, err
			}
			result[agg.Var] = v
		}
		out = append(out, result)
	}
	return out, nil
}

func (ex *Executor) applyMutation(ctx context.Context, tx *txn.Transaction, c MutationClause, rows []Row, binds map[string]any) ([]Row, error) {
	coll, ok := ex.Store.Registry().CollectionByName(ex.DBID, c.Collection)
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "collection %q", c.Collection)
	}

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		env := Env{Row: row, Binds: binds}
		next := row.clone()

		switch c.Kind {
		case MutInsert:
			v, err := eval(c.Doc, env)
			if err != nil {
				return nil, err
			}
			doc, err := toDocument(v)
			if err != nil {
				return nil, err
			}
			written, err := ex.Store.Insert(ctx, tx, ex.DBID, coll.ID, doc)
			if err != nil {
				return nil, err
			}
			next["new"] = map[string]any(written)

		case MutUpdate:
			keyVal, err := eval(c.Key, env)
			if err != nil {
				return nil, err
			}
			key, err := keyOf(keyVal)
			if err != nil {
				return nil, err
			}
			if c.ReturnOld {
				if old, err := ex.Store.Get(ctx, tx, coll.ID, key); err == nil {
					next["old"] = map[string]any(old)
				}
			}
			v, err := eval(c.UpdateDoc, env)
			if err != nil {
				return nil, err
			}
			patch, err := toDocument(v)
			if err != nil {
				return nil, err
			}
			written, err := ex.Store.Update(ctx, tx, ex.DBID, coll.ID, key, patch, true, 0)
			if err != nil {
				return nil, err
			}
			next["new"] = map[string]any(written)

		case MutUpsert:
			search, err := eval(c.SearchDoc, env)
			if err != nil {
				return nil, err
			}
			searchDoc, err := toDocument(search)
			if err != nil {
				return nil, err
			}
			existing, found := ex.findOne(coll.ID, searchDoc)
			if found {
				if c.ReturnOld {
					next["old"] = map[string]any(existing)
				}
				v, err := eval(c.UpdateDoc, env)
				if err != nil {
					return nil, err
				}
				patch, err := toDocument(v)
				if err != nil {
					return nil, err
				}
				written, err := ex.Store.Update(ctx, tx, ex.DBID, coll.ID, existing.Key(), patch, true, 0)
				if err != nil {
					return nil, err
				}
				next["new"] = map[string]any(written)
			} else {
				v, err := eval(c.Doc, env)
				if err != nil {
					return nil, err
				}
				doc, err := toDocument(v)
				if err != nil {
					return nil, err
				}
				written, err := ex.Store.Insert(ctx, tx, ex.DBID, coll.ID, doc)
				if err != nil {
					return nil, err
				}
				next["new"] = map[string]any(written)
			}

		case MutRemove:
			keyVal, err := eval(c.Key, env)
			if err != nil {
				return nil, err
			}
			key, err := keyOf(keyVal)
			if err != nil {
				return nil, err
			}
			if c.ReturnOld {
				if old, err := ex.Store.Get(ctx, tx, coll.ID, key); err == nil {
					next["old"] = map[string]any(old)
				}
			}
			if err := ex.Store.Delete(ctx, tx, ex.DBID, coll.ID, key, 0); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("unknown mutation kind %v", c.Kind)
		}
		out = append(out, next)
	}
	return out, nil
}

// findOne does a linear scan for the first document whose fields are a
// superset match of search — UPSERT has no index requirement (spec
// §4.8), so this is necessarily O(collection size).
func (ex *Executor) findOne(collectionID uint64, search types.Document) (types.Document, bool) {
	docs, err := ex.Store.Scan(collectionID, "", 0)
	if err != nil {
		return nil, false
	}
	for _, d := range docs {
		match := true
		for k, v := range search {
			if d[k] != v {
				match = false
				break
			}
		}
		if match {
			return d, true
		}
	}
	return nil, false
}

func toDocument(v any) (types.Document, error) {
	switch m := v.(type) {
	case map[string]any:
		return types.Document(m), nil
	case types.Document:
		return m, nil
	default:
		return nil, engerr.New(engerr.KindType, "expected an object, got %T", v)
	}
}

func keyOf(v any) (string, error) {
	switch k := v.(type) {
	case string:
		return k, nil
	case map[string]any:
		if s, ok := k[types.FieldKey].(string); ok {
			return s, nil
		}
	case types.Document:
		return k.Key(), nil
	}
	return "", engerr.New(engerr.KindType, "expected a document key")
}

// applyTraversal performs a breadth-first walk of an edge collection
// starting at Start, emitting one output row per reachable vertex within
// [DepthLo, DepthHi] (spec §4.7's graph traversal clause). Edges are
// matched by the conventional _from/_to fields; direction governs which
// endpoint is followed from the frontier.
func (ex *Executor) applyTraversal(ctx context.Context, tx *txn.Transaction, c TraversalClause, rows []Row, binds map[string]any) ([]Row, error) {
	edgeColl, ok := ex.Store.Registry().CollectionByName(ex.DBID, c.EdgeColl)
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "edge collection %q", c.EdgeColl)
	}
	edges, err := ex.Store.Scan(edgeColl.ID, "", 0)
	if err != nil {
		return nil, err
	}

	var out []Row
	for _, row := range rows {
		startVal, err := eval(c.Start, Env{Row: row, Binds: binds})
		if err != nil {
			return nil, err
		}
		startKey, err := traversalVertexKey(startVal)
		if err != nil {
			return nil, err
		}

		type frontierEntry struct {
			key   string
			path  []types.Document
			depth int
		}
		visited := map[string]bool{startKey: true}
		queue := []frontierEntry{{key: startKey, depth: 0}}

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			if cur.depth >= c.DepthLo && cur.depth <= c.DepthHi && cur.depth > 0 {
				next := row.clone()
				lastEdge := cur.path[len(cur.path)-1]
				next[c.VertexVar] = cur.key
				if c.EdgeVar != "" {
					next[c.EdgeVar] = map[string]any(lastEdge)
				}
				if c.PathVar != "" {
					pathEdges := make([]any, len(cur.path))
					for i, e := range cur.path {
						pathEdges[i] = map[string]any(e)
					}
					next[c.PathVar] = map[string]any{"edges": pathEdges}
				}
				out = append(out, next)
			}
			if cur.depth >= c.DepthHi {
				continue
			}
			for _, e := range edges {
				from, _ := e[types.FieldFrom].(string)
				to, _ := e[types.FieldTo].(string)
				var neighbor string
				switch c.Direction {
				case "OUTBOUND":
					if from != cur.key {
						continue
					}
					neighbor = to
				case "INBOUND":
					if to != cur.key {
						continue
					}
					neighbor = from
				default: // ANY
					if from == cur.key {
						neighbor = to
					} else if to == cur.key {
						neighbor = from
					} else {
						continue
					}
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				path := append(append([]types.Document(nil), cur.path...), e)
				queue = append(queue, frontierEntry{key: neighbor, path: path, depth: cur.depth + 1})
			}
		}
	}
	return out, nil
}

func traversalVertexKey(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case map[string]any:
		if s, ok := t[types.FieldKey].(string); ok {
			return s, nil
		}
	case types.Document:
		return t.Key(), nil
	}
	return "", engerr.New(engerr.KindType, "traversal start must be a key string or document")
}

// Plan is EXPLAIN's static-analysis result (spec §4.8): for each FOR, the
// index chosen (empty if a full scan), an estimated row count, and
// whether downstream SORT/FILTER clauses were pushed into the scan.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

type PlanStep struct {
	Clause        string `json:"clause"`
	Collection    string `json:"collection,omitempty"`
	Index         string `json:"index,omitempty"`
	EstimatedRows int64  `json:"estimated_rows"`
	FilterPushed  bool   `json:"filter_pushed"`
	SortPushed    bool   `json:"sort_pushed"`
}

// Explain produces a Plan without executing any mutation or reading
// document bodies beyond a row-count estimate per FOR clause. The index
// it reports for a FOR is exactly the one planIndexForFor would pick at
// runtime — if no FILTER in that FOR's scope pins an indexed field,
// Index is "none", matching sourceValues' own fallback to a full scan.
func (ex *Executor) Explain(q *Query) (*Plan, error) {
	plan := &Plan{}
	for i, clause := range q.Clauses {
		switch c := clause.(type) {
		case ForClause:
			step := PlanStep{Clause: "FOR " + c.Var, Index: "none"}
			if ident, ok := c.Source.(IdentExpr); ok {
				if coll, found := ex.Store.Registry().CollectionByName(ex.DBID, ident.Name); found {
					step.Collection = coll.Name
					docs, err := ex.Store.Scan(coll.ID, "", 0)
					if err == nil {
						step.EstimatedRows = int64(len(docs))
					}
					idxs := ex.Store.Registry().IndexesFor(coll.ID)
					if p := planIndexForFor(idxs, q.Clauses, i, c.Var); p != nil {
						step.Index = p.idx.Name
						step.FilterPushed = true
					}
				}
			}
			if sortPushedForVar(q.Clauses, i, c.Var) {
				step.SortPushed = true
			}
			plan.Steps = append(plan.Steps, step)
		case FilterClause:
			plan.Steps = append(plan.Steps, PlanStep{Clause: "FILTER"})
		case SortClause:
			plan.Steps = append(plan.Steps, PlanStep{Clause: "SORT"})
		case TraversalClause:
			plan.Steps = append(plan.Steps, PlanStep{Clause: "TRAVERSAL " + c.VertexVar, Collection: c.EdgeColl})
		default:
			plan.Steps = append(plan.Steps, PlanStep{Clause: fmt.Sprintf("%T", clause)})
		}
	}
	return plan, nil
}

// indexPlan is a FOR's chosen index and the expression (evaluated against
// that row's Env, without the FOR's own variable bound) supplying the
// value to look it up by.
type indexPlan struct {
	idx       *types.IndexDef
	valueExpr Expr
}

// planIndexForFor looks for a FILTER in forVar's scope — the clauses
// between its FOR and the next FOR/TRAVERSAL — that pins one of idxs'
// single fields to an equality test, and returns the index and the
// value-producing side of that test. Returns nil when no FILTER in
// scope matches any index, meaning both Explain and sourceValues fall
// back to a full scan.
func planIndexForFor(idxs []*types.IndexDef, clauses []Clause, forPos int, forVar string) *indexPlan {
	for i := forPos + 1; i < len(clauses); i++ {
		switch c := clauses[i].(type) {
		case ForClause, TraversalClause:
			return nil
		case FilterClause:
			if p := matchIndexPredicate(idxs, c.Pred, forVar); p != nil {
				return p
			}
		}
	}
	return nil
}

// matchIndexPredicate descends through top-level ANDs of pred looking for
// an equality test `forVar.field == value` (or reversed) whose field one
// of idxs covers as its sole field.
func matchIndexPredicate(idxs []*types.IndexDef, pred Expr, forVar string) *indexPlan {
	e, ok := pred.(BinaryExpr)
	if !ok {
		return nil
	}
	if e.Op == "AND" {
		if p := matchIndexPredicate(idxs, e.Left, forVar); p != nil {
			return p
		}
		return matchIndexPredicate(idxs, e.Right, forVar)
	}
	if e.Op != "==" {
		return nil
	}
	field, value, ok := equalityOnVar(e, forVar)
	if !ok {
		return nil
	}
	for _, idx := range idxs {
		if (idx.Kind == types.IndexHash || idx.Kind == types.IndexOrdered) &&
			len(idx.Fields) == 1 && idx.Fields[0] == field {
			return &indexPlan{idx: idx, valueExpr: value}
		}
	}
	return nil
}

// equalityOnVar reports whether e tests forVar.field against a value
// expression that doesn't itself reference forVar, in either operand
// order, returning the field name and the value expression.
func equalityOnVar(e BinaryExpr, forVar string) (field string, value Expr, ok bool) {
	if m, isMember := e.Left.(MemberExpr); isMember {
		if ident, isVar := m.Object.(IdentExpr); isVar && ident.Name == forVar && !referencesVar(e.Right, forVar) {
			return m.Field, e.Right, true
		}
	}
	if m, isMember := e.Right.(MemberExpr); isMember {
		if ident, isVar := m.Object.(IdentExpr); isVar && ident.Name == forVar && !referencesVar(e.Left, forVar) {
			return m.Field, e.Left, true
		}
	}
	return "", nil, false
}

// referencesVar reports whether e mentions forVar anywhere in its tree.
func referencesVar(e Expr, forVar string) bool {
	switch t := e.(type) {
	case IdentExpr:
		return t.Name == forVar
	case MemberExpr:
		return referencesVar(t.Object, forVar)
	case IndexExpr:
		return referencesVar(t.Object, forVar) || referencesVar(t.Index, forVar)
	case UnaryExpr:
		return referencesVar(t.Operand, forVar)
	case BinaryExpr:
		return referencesVar(t.Left, forVar) || referencesVar(t.Right, forVar)
	case ArrayExpr:
		for _, el := range t.Elements {
			if referencesVar(el, forVar) {
				return true
			}
		}
	case ObjectExpr:
		for _, f := range t.Fields {
			if referencesVar(f.Value, forVar) {
				return true
			}
		}
	case FuncCallExpr:
		for _, a := range t.Args {
			if referencesVar(a, forVar) {
				return true
			}
		}
	}
	return false
}

// sortPushedForVar reports whether a SORT in forVar's scope sorts
// directly on one of forVar's fields.
func sortPushedForVar(clauses []Clause, forPos int, forVar string) bool {
	for i := forPos + 1; i < len(clauses); i++ {
		switch c := clauses[i].(type) {
		case ForClause, TraversalClause:
			return false
		case SortClause:
			for _, k := range c.Keys {
				if referencesVar(k.Expr, forVar) {
					return true
				}
			}
		}
	}
	return false
}
