package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv/memkv"
	"github.com/solidb-io/solidb/internal/txn"
	"github.com/solidb-io/solidb/internal/types"
	"github.com/solidb-io/solidb/internal/wal"
)

// newTestStore wires a Store to an in-memory backend, a real WAL rooted
// at a temp dir, and a txn.Manager with the store as its Materializer —
// the same construction order production wiring must follow to break the
// store/manager dependency cycle.
func newTestStore(t *testing.T) (*Store, *txn.Manager) {
	t.Helper()
	backend := memkv.New()
	require.NoError(t, backend.Open(t.TempDir()))

	registry, err := OpenRegistry(backend)
	require.NoError(t, err)

	st := New(backend, registry)

	log, err := wal.Open(t.TempDir(), func(wal.Record) error { return nil })
	require.NoError(t, err)

	mgr := txn.NewManager(backend, log, st)
	st.SetManager(mgr)
	return st, mgr
}

func mustDB(t *testing.T, st *Store, name string) *types.DatabaseDef {
	t.Helper()
	db, err := st.Registry().CreateDatabase(name)
	require.NoError(t, err)
	return db
}

func mustColl(t *testing.T, st *Store, dbID uint64, name string, kind types.CollectionKind) *types.CollectionDef {
	t.Helper()
	coll, err := st.Registry().CreateCollection(dbID, name, kind, nil)
	require.NoError(t, err)
	return coll
}

func TestSystemDatabaseBootstrapsOnOpen(t *testing.T) {
	st, _ := newTestStore(t)
	sys, ok := st.Registry().DatabaseByName(SystemDatabase)
	require.True(t, ok)
	for _, name := range systemCollections {
		_, ok := st.Registry().CollectionByName(sys.ID, name)
		assert.True(t, ok, "expected system collection %q", name)
	}
}

func TestInsertAssignsKeyAndInitialRev(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)

	doc, err := st.Insert(context.Background(), nil, db.ID, coll.ID, types.Document{"name": "gizmo"})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Key())
	assert.EqualValues(t, 1, doc.Rev())

	fetched, err := st.Get(context.Background(), nil, coll.ID, doc.Key())
	require.NoError(t, err)
	assert.Equal(t, "gizmo", fetched["name"])
}

func TestInsertWithExistingKeyFailsDuplicate(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	_, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"_key": "fixed", "name": "a"})
	require.NoError(t, err)

	_, err = st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"_key": "fixed", "name": "b"})
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindDuplicateKey))
}

func TestUpdateBumpsRevAndRejectsStaleExpectRev(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	doc, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"name": "gizmo"})
	require.NoError(t, err)

	updated, err := st.Update(ctx, nil, db.ID, coll.ID, doc.Key(), types.Document{"name": "widget"}, false, doc.Rev())
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Rev())
	assert.Equal(t, "widget", updated["name"])

	_, err = st.Update(ctx, nil, db.ID, coll.ID, doc.Key(), types.Document{"name": "stale"}, false, doc.Rev())
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindRevConflict))
}

func TestUpdateWithMergePreservesUnmentionedFields(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	doc, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"name": "gizmo", "color": "red"})
	require.NoError(t, err)

	updated, err := st.Update(ctx, nil, db.ID, coll.ID, doc.Key(), types.Document{"color": "blue"}, true, 0)
	require.NoError(t, err)
	assert.Equal(t, "gizmo", updated["name"])
	assert.Equal(t, "blue", updated["color"])

	replaced, err := st.Update(ctx, nil, db.ID, coll.ID, doc.Key(), types.Document{"name": "widget"}, false, 0)
	require.NoError(t, err)
	assert.Equal(t, "widget", replaced["name"])
	assert.Nil(t, replaced["color"])
}

func TestUpdateOnTimeseriesCollectionRejectsImmutable(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "events", types.CollectionTimeseries)
	ctx := context.Background()

	doc, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"v": 1})
	require.NoError(t, err)

	_, err = st.Update(ctx, nil, db.ID, coll.ID, doc.Key(), types.Document{"v": 2}, false, 0)
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindImmutable))
}

func TestDeleteRemovesDocument(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	doc, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"name": "gizmo"})
	require.NoError(t, err)

	require.NoError(t, st.Delete(ctx, nil, db.ID, coll.ID, doc.Key(), 0))

	_, err = st.Get(ctx, nil, coll.ID, doc.Key())
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindNotFound))
}

func TestExplicitTransactionIsolatesUntilCommit(t *testing.T) {
	st, mgr := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	tx, err := mgr.Begin(types.ReadCommitted)
	require.NoError(t, err)

	doc, err := st.Insert(ctx, tx, db.ID, coll.ID, types.Document{"name": "gizmo"})
	require.NoError(t, err)

	// Not yet visible outside the transaction.
	_, err = st.Get(ctx, nil, coll.ID, doc.Key())
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindNotFound))

	// Visible to the transaction's own reads (read-your-own-writes).
	own, err := st.Get(ctx, tx, coll.ID, doc.Key())
	require.NoError(t, err)
	assert.Equal(t, "gizmo", own["name"])

	require.NoError(t, mgr.Commit(tx.ID))

	committed, err := st.Get(ctx, nil, coll.ID, doc.Key())
	require.NoError(t, err)
	assert.Equal(t, "gizmo", committed["name"])
}

func TestExplicitTransactionRollbackDiscardsWrites(t *testing.T) {
	st, mgr := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	tx, err := mgr.Begin(types.ReadCommitted)
	require.NoError(t, err)
	doc, err := st.Insert(ctx, tx, db.ID, coll.ID, types.Document{"name": "gizmo"})
	require.NoError(t, err)
	require.NoError(t, mgr.Rollback(tx.ID))

	_, err = st.Get(ctx, nil, coll.ID, doc.Key())
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindNotFound))
}

func TestScanReturnsDocumentsInKeyOrder(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"i": int64(i)})
		require.NoError(t, err)
	}

	docs, err := st.Scan(coll.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, docs, 5)
	for i := 1; i < len(docs); i++ {
		assert.Less(t, docs[i-1].Key(), docs[i].Key())
	}
}

func TestPruneOlderThanDeletesOnlyPastDocuments(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "events", types.CollectionTimeseries)
	ctx := context.Background()

	old, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"v": "old"})
	require.NoError(t, err)

	cutoff := time.Now().Add(time.Millisecond)
	time.Sleep(2 * time.Millisecond)

	fresh, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"v": "fresh"})
	require.NoError(t, err)

	require.NoError(t, st.PruneOlderThan(coll.ID, cutoff))

	_, err = st.Get(ctx, nil, coll.ID, old.Key())
	assert.True(t, engerr.Is(err, engerr.KindNotFound))

	kept, err := st.Get(ctx, nil, coll.ID, fresh.Key())
	require.NoError(t, err)
	assert.Equal(t, "fresh", kept["v"])
}

func TestCreateIndexBuildsEntriesForExistingDocuments(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	_, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"_key": "a", "sku": "x1"})
	require.NoError(t, err)
	_, err = st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"_key": "b", "sku": "x2"})
	require.NoError(t, err)

	idx, err := st.CreateIndex(db.ID, coll.ID, types.IndexDef{
		Name: "by_sku", Kind: types.IndexHash, Fields: []string{"sku"}, Unique: true,
	})
	require.NoError(t, err)
	assert.NotZero(t, idx.ID)

	// A third insert colliding on the now-unique field is rejected.
	_, err = st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"_key": "c", "sku": "x1"})
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindUniqueViolation))
}

func TestCreateIndexFailsWhenExistingDataViolatesUniqueness(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	_, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"_key": "a", "sku": "dup"})
	require.NoError(t, err)
	_, err = st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"_key": "b", "sku": "dup"})
	require.NoError(t, err)

	_, err = st.CreateIndex(db.ID, coll.ID, types.IndexDef{
		Name: "by_sku", Kind: types.IndexHash, Fields: []string{"sku"}, Unique: true,
	})
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindUniqueViolation))

	_, ok := st.Registry().IndexByName(coll.ID, "by_sku")
	assert.False(t, ok, "a failed index build must not remain registered")
}

func TestDropCollectionRemovesDocumentsAndIndexEntries(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	_, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"_key": "a", "sku": "x1"})
	require.NoError(t, err)
	_, err = st.CreateIndex(db.ID, coll.ID, types.IndexDef{
		Name: "by_sku", Kind: types.IndexHash, Fields: []string{"sku"},
	})
	require.NoError(t, err)

	require.NoError(t, st.DropCollection(db.ID, "widgets"))

	_, ok := st.Registry().CollectionByName(db.ID, "widgets")
	assert.False(t, ok)

	docs, err := st.Scan(coll.ID, "", 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestBlobPutChunksAndGetReassembles(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "uploads", types.CollectionBlob)
	ctx := context.Background()

	payload := make([]byte, BlobChunkSize+42)
	for i := range payload {
		payload[i] = byte(i)
	}

	manifest, err := st.BlobPut(ctx, nil, db.ID, coll.ID, "movie", payload)
	require.NoError(t, err)
	assert.Equal(t, "movie", manifest.Key())
	chunks, _ := manifest["chunks"].([]any)
	require.Len(t, chunks, 2, "payload spans two 1 MiB chunks")

	got, err := st.BlobGet(ctx, nil, coll.ID, "movie")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBlobPutOverwriteDropsOrphanedChunks(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "uploads", types.CollectionBlob)
	ctx := context.Background()

	first := []byte("the first version of this blob")
	manifest, err := st.BlobPut(ctx, nil, db.ID, coll.ID, "doc", first)
	require.NoError(t, err)
	firstChunks, _ := manifest["chunks"].([]any)
	require.Len(t, firstChunks, 1)
	firstChunkKey := firstChunks[0].(string)

	second := []byte("a completely different replacement body")
	manifest2, err := st.BlobPut(ctx, nil, db.ID, coll.ID, "doc", second)
	require.NoError(t, err)
	secondChunks, _ := manifest2["chunks"].([]any)
	require.Len(t, secondChunks, 1)
	assert.NotEqual(t, firstChunkKey, secondChunks[0])

	_, err = st.Get(ctx, nil, coll.ID, firstChunkKey)
	assert.True(t, engerr.Is(err, engerr.KindNotFound), "overwrite should have deleted the orphaned first chunk")

	got, err := st.BlobGet(ctx, nil, coll.ID, "doc")
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestBlobPutRejectsNonBlobCollection(t *testing.T) {
	st, _ := newTestStore(t)
	db := mustDB(t, st, "app")
	coll := mustColl(t, st, db.ID, "widgets", types.CollectionDocument)
	ctx := context.Background()

	_, err := st.BlobPut(ctx, nil, db.ID, coll.ID, "x", []byte("data"))
	assert.True(t, engerr.Is(err, engerr.KindType))
}
