package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/kv/memkv"
	"github.com/solidb-io/solidb/internal/store"
	"github.com/solidb-io/solidb/internal/txn"
	"github.com/solidb-io/solidb/internal/types"
	"github.com/solidb-io/solidb/internal/wal"
)

func newTestExecutor(t *testing.T) (*Executor, *store.Store) {
	t.Helper()
	backend := memkv.New()
	require.NoError(t, backend.Open(t.TempDir()))

	registry, err := store.OpenRegistry(backend)
	require.NoError(t, err)
	st := store.New(backend, registry)

	log, err := wal.Open(t.TempDir(), func(wal.Record) error { return nil })
	require.NoError(t, err)
	mgr := txn.NewManager(backend, log, st)
	st.SetManager(mgr)

	db, err := registry.CreateDatabase("app")
	require.NoError(t, err)
	return NewExecutor(st, db.ID), st
}

func mustCollection(t *testing.T, st *store.Store, dbID uint64, name string) *types.CollectionDef {
	t.Helper()
	coll, err := st.Registry().CreateCollection(dbID, name, types.CollectionDocument, nil)
	require.NoError(t, err)
	return coll
}

func TestLexerTokenizesOperatorsAndLiterals(t *testing.T) {
	lx := NewLexer(`FOR u IN users FILTER u.age >= 21 AND u.name != "bob" RETURN u`)
	tokens, err := lx.Tokenize()
	require.NoError(t, err)
	require.True(t, len(tokens) > 5)
	assert.Equal(t, TokenKeyword, tokens[0].Type)
	assert.Equal(t, "FOR", tokens[0].Value)
	assert.Equal(t, TokenEOF, tokens[len(tokens)-1].Type)
}

func TestLexerSkipsLineComments(t *testing.T) {
	lx := NewLexer("RETURN 1 // trailing comment\n")
	tokens, err := lx.Tokenize()
	require.NoError(t, err)
	assert.Equal(t, TokenKeyword, tokens[0].Type)
	assert.Equal(t, TokenNumber, tokens[1].Type)
	assert.Equal(t, TokenEOF, tokens[2].Type)
}

func TestParseSimplePipeline(t *testing.T) {
	q, err := Parse(`FOR u IN users FILTER u.age >= 21 SORT u.name ASC LIMIT 10 RETURN u.name`)
	require.NoError(t, err)
	require.Len(t, q.Clauses, 4)
	_, ok := q.Clauses[0].(ForClause)
	assert.True(t, ok)
	_, ok = q.Clauses[1].(FilterClause)
	assert.True(t, ok)
	_, ok = q.Clauses[2].(SortClause)
	assert.True(t, ok)
	_, ok = q.Clauses[3].(LimitClause)
	assert.True(t, ok)
	require.NotNil(t, q.Return)
}

func TestParseTraversalClause(t *testing.T) {
	q, err := Parse(`FOR v, e IN 1..2 OUTBOUND "people/alice" knows RETURN v`)
	require.NoError(t, err)
	require.Len(t, q.Clauses, 1)
	tc, ok := q.Clauses[0].(TraversalClause)
	require.True(t, ok)
	assert.Equal(t, "v", tc.VertexVar)
	assert.Equal(t, "e", tc.EdgeVar)
	assert.Equal(t, 1, tc.DepthLo)
	assert.Equal(t, 2, tc.DepthHi)
	assert.Equal(t, "OUTBOUND", tc.Direction)
	assert.Equal(t, "knows", tc.EdgeColl)
}

func TestParseUpsertClause(t *testing.T) {
	q, err := Parse(`UPSERT {name: "gizmo"} INSERT {name: "gizmo", color: "red"} UPDATE {color: "blue"} IN widgets`)
	require.NoError(t, err)
	require.Len(t, q.Clauses, 1)
	mc, ok := q.Clauses[0].(MutationClause)
	require.True(t, ok)
	assert.Equal(t, MutUpsert, mc.Kind)
	assert.Equal(t, "widgets", mc.Collection)
}

func TestEvalArithmeticAndComparison(t *testing.T) {
	q, err := Parse(`RETURN 1 + 2 * 3 >= 6`)
	require.NoError(t, err)
	v, err := eval(q.Return.Value, Env{})
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalBindParameter(t *testing.T) {
	q, err := Parse(`RETURN @limit`)
	require.NoError(t, err)
	v, err := eval(q.Return.Value, Env{Binds: map[string]any{"limit": int64(5)}})
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)
}

func TestEvalMemberAndIndexAccess(t *testing.T) {
	q, err := Parse(`RETURN doc.tags[0]`)
	require.NoError(t, err)
	row := Row{"doc": map[string]any{"tags": []any{"red", "blue"}}}
	v, err := eval(q.Return.Value, Env{Row: row})
	require.NoError(t, err)
	assert.Equal(t, "red", v)
}

func TestCallBuiltinAggregatesAndStrings(t *testing.T) {
	sum, err := callBuiltin("SUM", []any{[]any{int64(1), int64(2), int64(3)}})
	require.NoError(t, err)
	assert.Equal(t, 6.0, sum)

	upper, err := callBuiltin("UPPER", []any{"gizmo"})
	require.NoError(t, err)
	assert.Equal(t, "GIZMO", upper)

	_, err = callBuiltin("NOT_A_FUNCTION", nil)
	assert.Error(t, err)
}

func TestExecutorRunsForFilterSortLimitReturn(t *testing.T) {
	ex, st := newTestExecutor(t)
	coll := mustCollection(t, st, ex.DBID, "widgets")
	ctx := context.Background()

	_, err := st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"name": "a", "price": int64(30)})
	require.NoError(t, err)
	_, err = st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"name": "b", "price": int64(10)})
	require.NoError(t, err)
	_, err = st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"name": "c", "price": int64(20)})
	require.NoError(t, err)

	q, err := Parse(`FOR w IN widgets FILTER w.price >= 15 SORT w.price ASC RETURN w.name`)
	require.NoError(t, err)

	out, err := ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"c", "a"}, out)
}

func TestExecutorRunsInsertMutation(t *testing.T) {
	ex, st := newTestExecutor(t)
	mustCollection(t, st, ex.DBID, "widgets")
	ctx := context.Background()

	q, err := Parse(`INSERT {name: "gizmo"} INTO widgets`)
	require.NoError(t, err)
	_, err = ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)

	coll, _ := st.Registry().CollectionByName(ex.DBID, "widgets")
	docs, err := st.Scan(coll.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "gizmo", docs[0]["name"])
}

func TestExecutorUpsertInsertsThenUpdates(t *testing.T) {
	ex, st := newTestExecutor(t)
	mustCollection(t, st, ex.DBID, "widgets")
	ctx := context.Background()

	q, err := Parse(`UPSERT {name: "gizmo"} INSERT {name: "gizmo", color: "red"} UPDATE {color: "blue"} IN widgets`)
	require.NoError(t, err)

	_, err = ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)
	_, err = ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)

	coll, _ := st.Registry().CollectionByName(ex.DBID, "widgets")
	docs, err := st.Scan(coll.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "blue", docs[0]["color"])
}

func TestExecutorUpdateReturnsOldAndNew(t *testing.T) {
	ex, st := newTestExecutor(t)
	coll := mustCollection(t, st, ex.DBID, "widgets")
	ctx := context.Background()

	inserted, err := st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"name": "gizmo", "color": "red"})
	require.NoError(t, err)

	q, err := Parse(fmt.Sprintf(`UPDATE "%s" WITH {color: "blue"} IN widgets RETURN {old: OLD, new: NEW}`, inserted.Key()))
	require.NoError(t, err)

	out, err := ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	row := out[0].(map[string]any)
	old := row["old"].(map[string]any)
	neu := row["new"].(map[string]any)
	assert.Equal(t, "red", old["color"])
	assert.Equal(t, "blue", neu["color"])
}

func TestExecutorRemoveReturnsOld(t *testing.T) {
	ex, st := newTestExecutor(t)
	coll := mustCollection(t, st, ex.DBID, "widgets")
	ctx := context.Background()

	inserted, err := st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"name": "gizmo"})
	require.NoError(t, err)

	q, err := Parse(fmt.Sprintf(`REMOVE "%s" IN widgets RETURN OLD`, inserted.Key()))
	require.NoError(t, err)

	out, err := ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	old := out[0].(map[string]any)
	assert.Equal(t, "gizmo", old["name"])

	docs, err := st.Scan(coll.ID, "", 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestExecutorInsertReturnsNew(t *testing.T) {
	ex, st := newTestExecutor(t)
	mustCollection(t, st, ex.DBID, "widgets")
	ctx := context.Background()

	q, err := Parse(`INSERT {name: "gizmo"} INTO widgets RETURN NEW`)
	require.NoError(t, err)

	out, err := ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	neu := out[0].(map[string]any)
	assert.Equal(t, "gizmo", neu["name"])
}

func TestExecutorCollectGroupsAndAggregates(t *testing.T) {
	ex, st := newTestExecutor(t)
	coll := mustCollection(t, st, ex.DBID, "orders")
	ctx := context.Background()

	_, err := st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"region": "east", "amount": int64(10)})
	require.NoError(t, err)
	_, err = st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"region": "east", "amount": int64(5)})
	require.NoError(t, err)
	_, err = st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"region": "west", "amount": int64(7)})
	require.NoError(t, err)

	q, err := Parse(`FOR o IN orders COLLECT region = o.region AGGREGATE total = SUM(o.amount) SORT region ASC RETURN {region: region, total: total}`)
	require.NoError(t, err)

	out, err := ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	first := out[0].(map[string]any)
	assert.Equal(t, "east", first["region"])
	assert.Equal(t, 15.0, first["total"])
}

func TestExecutorTraversalFindsOutboundNeighbors(t *testing.T) {
	ex, st := newTestExecutor(t)
	mustCollection(t, st, ex.DBID, "people")
	edges := mustCollection(t, st, ex.DBID, "knows")
	ctx := context.Background()

	_, err := st.Insert(ctx, nil, ex.DBID, edges.ID, types.Document{"_from": "alice", "_to": "bob"})
	require.NoError(t, err)
	_, err = st.Insert(ctx, nil, ex.DBID, edges.ID, types.Document{"_from": "bob", "_to": "carol"})
	require.NoError(t, err)

	q, err := Parse(`FOR v IN 1..2 OUTBOUND "alice" knows RETURN v`)
	require.NoError(t, err)

	out, err := ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"bob", "carol"}, out)
}

func TestExplainReportsEstimatedRowsPerFor(t *testing.T) {
	ex, st := newTestExecutor(t)
	coll := mustCollection(t, st, ex.DBID, "widgets")
	ctx := context.Background()
	_, err := st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"name": "a"})
	require.NoError(t, err)

	q, err := Parse(`FOR w IN widgets FILTER w.name == "a" RETURN w`)
	require.NoError(t, err)

	plan, err := ex.Explain(q)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "widgets", plan.Steps[0].Collection)
	assert.EqualValues(t, 1, plan.Steps[0].EstimatedRows)
	assert.Equal(t, "none", plan.Steps[0].Index, "widgets has no index, so FILTER can't be pushed into a scan")
}

func TestExplainReportsNoneWhenNoIndexExists(t *testing.T) {
	ex, st := newTestExecutor(t)
	mustCollection(t, st, ex.DBID, "widgets")

	q, err := Parse(`FOR w IN widgets RETURN w`)
	require.NoError(t, err)

	plan, err := ex.Explain(q)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "none", plan.Steps[0].Index)
	assert.False(t, plan.Steps[0].FilterPushed)
}

func TestExplainChoosesIndexMatchingFilterField(t *testing.T) {
	ex, st := newTestExecutor(t)
	coll := mustCollection(t, st, ex.DBID, "widgets")
	_, err := st.CreateIndex(ex.DBID, coll.ID, types.IndexDef{
		Name: "by_name", Kind: types.IndexHash, Fields: []string{"name"},
	})
	require.NoError(t, err)

	q, err := Parse(`FOR w IN widgets FILTER w.name == "a" RETURN w`)
	require.NoError(t, err)

	plan, err := ex.Explain(q)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "by_name", plan.Steps[0].Index)
	assert.True(t, plan.Steps[0].FilterPushed)
}

func TestExplainReportsNoneWhenFilterDoesNotMatchAnyIndexedField(t *testing.T) {
	ex, st := newTestExecutor(t)
	coll := mustCollection(t, st, ex.DBID, "widgets")
	_, err := st.CreateIndex(ex.DBID, coll.ID, types.IndexDef{
		Name: "by_name", Kind: types.IndexHash, Fields: []string{"name"},
	})
	require.NoError(t, err)

	q, err := Parse(`FOR w IN widgets FILTER w.color == "red" RETURN w`)
	require.NoError(t, err)

	plan, err := ex.Explain(q)
	require.NoError(t, err)
	assert.Equal(t, "none", plan.Steps[0].Index)
	assert.False(t, plan.Steps[0].FilterPushed)
}

func TestExecutorUsesIndexLookupWhenFilterMatchesIndexedField(t *testing.T) {
	ex, st := newTestExecutor(t)
	coll := mustCollection(t, st, ex.DBID, "widgets")
	_, err := st.CreateIndex(ex.DBID, coll.ID, types.IndexDef{
		Name: "by_name", Kind: types.IndexHash, Fields: []string{"name"},
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"name": "a"})
	require.NoError(t, err)
	_, err = st.Insert(ctx, nil, ex.DBID, coll.ID, types.Document{"name": "b"})
	require.NoError(t, err)

	q, err := Parse(`FOR w IN widgets FILTER w.name == "a" RETURN w.name`)
	require.NoError(t, err)

	out, err := ex.Run(ctx, nil, q, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out)
}

func TestCursorPagesRowsAndCloses(t *testing.T) {
	cs := NewCursorStore()
	c := cs.Open([]any{1, 2, 3, 4, 5})

	batch, more := c.Next(2)
	assert.Equal(t, []any{1, 2}, batch)
	assert.True(t, more)

	batch, more = c.Next(2)
	assert.Equal(t, []any{3, 4}, batch)
	assert.True(t, more)

	batch, more = c.Next(2)
	assert.Equal(t, []any{5}, batch)
	assert.False(t, more)

	require.NoError(t, cs.Close(c.ID))
	_, err := cs.Get(c.ID)
	assert.Error(t, err)
}
