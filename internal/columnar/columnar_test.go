package columnar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv/memkv"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	backend := memkv.New()
	require.NoError(t, backend.Open(t.TempDir()))
	cat, err := OpenCatalog(backend)
	require.NoError(t, err)
	return cat
}

func TestCreateTableRejectsDuplicateName(t *testing.T) {
	cat := newTestCatalog(t)
	_, err := cat.CreateTable(1, "metrics", []ColumnDef{{Name: "ts", Type: TypeInt64}})
	require.NoError(t, err)
	_, err = cat.CreateTable(1, "metrics", []ColumnDef{{Name: "ts", Type: TypeInt64}})
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindAlreadyExists))
}

func TestAppendBatchAcrossMultipleBlocksPreservesRowOrder(t *testing.T) {
	cat := newTestCatalog(t)
	def, err := cat.CreateTable(1, "metrics", []ColumnDef{
		{Name: "ts", Type: TypeInt64},
		{Name: "value", Type: TypeFloat64},
		{Name: "host", Type: TypeString},
	})
	require.NoError(t, err)

	const n = blockRows + 17
	rows := make([][]any, n)
	for i := 0; i < n; i++ {
		rows[i] = []any{int64(i), float64(i) * 1.5, "host-a"}
	}
	require.NoError(t, cat.AppendBatch(def.ID, rows))

	ts, err := cat.ReadColumn(def.ID, "ts")
	require.NoError(t, err)
	require.Len(t, ts, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, int64(i), ts[i])
	}

	values, err := cat.ReadColumn(def.ID, "value")
	require.NoError(t, err)
	assert.Equal(t, float64(10)*1.5, values[10])
}

func TestAppendBatchRejectsWrongColumnCount(t *testing.T) {
	cat := newTestCatalog(t)
	def, err := cat.CreateTable(1, "metrics", []ColumnDef{{Name: "ts", Type: TypeInt64}})
	require.NoError(t, err)

	err = cat.AppendBatch(def.ID, [][]any{{int64(1), int64(2)}})
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindType))
}

func TestAggregateComputesSumAvgMinMaxCount(t *testing.T) {
	cat := newTestCatalog(t)
	def, err := cat.CreateTable(1, "readings", []ColumnDef{{Name: "v", Type: TypeFloat64}})
	require.NoError(t, err)
	require.NoError(t, cat.AppendBatch(def.ID, [][]any{{1.0}, {2.0}, {3.0}, {4.0}}))

	sum, err := cat.Aggregate(def.ID, "v", AggSum)
	require.NoError(t, err)
	assert.Equal(t, 10.0, sum)

	avg, err := cat.Aggregate(def.ID, "v", AggAvg)
	require.NoError(t, err)
	assert.Equal(t, 2.5, avg)

	min, err := cat.Aggregate(def.ID, "v", AggMin)
	require.NoError(t, err)
	assert.Equal(t, 1.0, min)

	max, err := cat.Aggregate(def.ID, "v", AggMax)
	require.NoError(t, err)
	assert.Equal(t, 4.0, max)

	count, err := cat.Aggregate(def.ID, "v", AggCount)
	require.NoError(t, err)
	assert.Equal(t, 4.0, count)
}

func TestAddColumnBackfillsDefaultForExistingRows(t *testing.T) {
	cat := newTestCatalog(t)
	def, err := cat.CreateTable(1, "events", []ColumnDef{{Name: "ts", Type: TypeInt64}})
	require.NoError(t, err)
	require.NoError(t, cat.AppendBatch(def.ID, [][]any{{int64(1)}, {int64(2)}, {int64(3)}}))

	require.NoError(t, cat.AddColumn(def.ID, ColumnDef{Name: "severity", Type: TypeString}, "unknown"))

	sev, err := cat.ReadColumn(def.ID, "severity")
	require.NoError(t, err)
	require.Len(t, sev, 3)
	for _, v := range sev {
		assert.Equal(t, "unknown", v)
	}

	// New rows must supply all columns, including the backfilled one.
	require.NoError(t, cat.AppendBatch(def.ID, [][]any{{int64(4), "critical"}}))
	sev, err = cat.ReadColumn(def.ID, "severity")
	require.NoError(t, err)
	require.Len(t, sev, 4)
	assert.Equal(t, "critical", sev[3])
}

func TestDropColumnRemovesItsBlocksButKeepsOtherColumns(t *testing.T) {
	cat := newTestCatalog(t)
	def, err := cat.CreateTable(1, "events", []ColumnDef{
		{Name: "ts", Type: TypeInt64},
		{Name: "severity", Type: TypeString},
	})
	require.NoError(t, err)
	require.NoError(t, cat.AppendBatch(def.ID, [][]any{{int64(1), "low"}, {int64(2), "high"}}))

	require.NoError(t, cat.DropColumn(def.ID, "severity"))

	_, err = cat.ReadColumn(def.ID, "severity")
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindNotFound))

	ts, err := cat.ReadColumn(def.ID, "ts")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, ts)
}

func TestDropTableErasesMetadataAndBlocks(t *testing.T) {
	cat := newTestCatalog(t)
	def, err := cat.CreateTable(1, "scratch", []ColumnDef{{Name: "v", Type: TypeInt64}})
	require.NoError(t, err)
	require.NoError(t, cat.AppendBatch(def.ID, [][]any{{int64(1)}}))

	require.NoError(t, cat.DropTable(1, "scratch"))

	_, ok := cat.TableByName(1, "scratch")
	assert.False(t, ok)

	_, err = cat.ReadColumn(def.ID, "v")
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindNotFound))
}

func TestCatalogReloadsPersistedTablesFromBackend(t *testing.T) {
	backend := memkv.New()
	require.NoError(t, backend.Open(t.TempDir()))
	cat, err := OpenCatalog(backend)
	require.NoError(t, err)

	def, err := cat.CreateTable(1, "metrics", []ColumnDef{{Name: "ts", Type: TypeInt64}})
	require.NoError(t, err)
	require.NoError(t, cat.AppendBatch(def.ID, [][]any{{int64(42)}}))

	reloaded, err := OpenCatalog(backend)
	require.NoError(t, err)

	got, ok := reloaded.TableByName(1, "metrics")
	require.True(t, ok)
	assert.Equal(t, def.ID, got.ID)
	assert.EqualValues(t, 1, got.RowCount)

	values, err := reloaded.ReadColumn(def.ID, "ts")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42)}, values)

	next, err := reloaded.CreateTable(1, "another", nil)
	require.NoError(t, err)
	assert.Greater(t, next.ID, def.ID)
}
