package background

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/kv/memkv"
	"github.com/solidb-io/solidb/internal/query"
	"github.com/solidb-io/solidb/internal/store"
	"github.com/solidb-io/solidb/internal/txn"
	"github.com/solidb-io/solidb/internal/types"
	"github.com/solidb-io/solidb/internal/wal"
)

func newTestServices(t *testing.T, cfg Config) (*Services, *store.Store) {
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

	cursors := query.NewCursorStore()
	return New(st, backend, mgr, log, cursors, cfg), st
}

func TestTTLReaperDeletesExpiredDocuments(t *testing.T) {
	svc, st := newTestServices(t, Config{})
	db, err := st.Registry().CreateDatabase("app")
	require.NoError(t, err)
	coll, err := st.Registry().CreateCollection(db.ID, "sessions", types.CollectionDocument, nil)
	require.NoError(t, err)

	_, err = st.CreateIndex(db.ID, coll.ID, types.IndexDef{
		Name: "expiry_ttl", Kind: types.IndexTTL, Fields: []string{"expires_at"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	past := time.Now().Add(-time.Hour).UnixNano()
	future := time.Now().Add(time.Hour).UnixNano()
	_, err = st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"expires_at": past})
	require.NoError(t, err)
	keep, err := st.Insert(ctx, nil, db.ID, coll.ID, types.Document{"expires_at": future})
	require.NoError(t, err)

	svc.reapExpired()

	docs, err := st.Scan(coll.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, keep.Key(), docs[0].Key())
}

func TestCursorGCReapsIdleCursors(t *testing.T) {
	svc, _ := newTestServices(t, Config{})
	c := svc.Cursors.Open([]any{1, 2, 3})

	notYetIdle := svc.Cursors.ReapIdle(time.Now())
	require.Equal(t, 0, notYetIdle, "a cursor opened moments ago should not be reaped at the current time")
	_, err := svc.Cursors.Get(c.ID)
	require.NoError(t, err)

	reaped := svc.Cursors.ReapIdle(time.Now().Add(time.Hour))
	require.Equal(t, 1, reaped)
	_, err = svc.Cursors.Get(c.ID)
	require.Error(t, err)
}

func TestTxnSweeperAbortsExpiredTransactions(t *testing.T) {
	svc, _ := newTestServices(t, Config{})
	_, err := svc.Manager.Begin(types.ReadCommitted)
	require.NoError(t, err)

	n := svc.Manager.CleanupExpired(time.Now().Add(24 * time.Hour))
	require.Equal(t, 1, n)
}

func TestCheckpointerWritesCheckpointRecord(t *testing.T) {
	svc, st := newTestServices(t, Config{})
	db, err := st.Registry().CreateDatabase("app")
	require.NoError(t, err)
	coll, err := st.Registry().CreateCollection(db.ID, "widgets", types.CollectionDocument, nil)
	require.NoError(t, err)
	_, err = st.Insert(context.Background(), nil, db.ID, coll.ID, types.Document{"name": "a"})
	require.NoError(t, err)

	safeLSN := svc.Log.LastLSN()
	require.Greater(t, safeLSN, uint64(0))
	require.NoError(t, svc.Log.Checkpoint(safeLSN))
}
