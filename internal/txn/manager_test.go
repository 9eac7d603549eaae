package txn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/kv/memkv"
	"github.com/solidb-io/solidb/internal/types"
	"github.com/solidb-io/solidb/internal/wal"
)

// fakeMaterializer writes each operation's document value keyed by its
// _key into a single column family, enough to exercise the commit
// pipeline's atomic-batch-apply step without depending on internal/store.
type fakeMaterializer struct{}

func (fakeMaterializer) Materialize(batch kv.Batch, ops []types.Operation) error {
	for _, op := range ops {
		switch op.Kind {
		case types.OpDelete:
			batch.Delete("docs", []byte(op.Key))
		default:
			batch.Put("docs", []byte(op.Key), []byte(fmt.Sprintf("%v", op.Doc)))
		}
	}
	return nil
}

func newTestManager(t *testing.T) (*Manager, kv.Backend) {
	t.Helper()
	backend := memkv.New()
	require.NoError(t, backend.Open(t.TempDir()))
	w, err := wal.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return NewManager(backend, w, fakeMaterializer{}), backend
}

func TestCommitMakesOperationsVisible(t *testing.T) {
	mgr, backend := newTestManager(t)
	ctx := context.Background()

	tx, err := mgr.Begin(types.ReadCommitted)
	require.NoError(t, err)

	require.NoError(t, mgr.AddOperation(ctx, tx.ID, types.Operation{Kind: types.OpInsert, Key: "k1", Doc: types.Document{"name": "Alice"}}))
	require.NoError(t, mgr.AddOperation(ctx, tx.ID, types.Operation{Kind: types.OpInsert, Key: "k2", Doc: types.Document{"name": "Bob"}}))

	require.NoError(t, mgr.Commit(tx.ID))

	_, err = backend.Get("docs", []byte("k1"))
	assert.NoError(t, err)
	_, err = backend.Get("docs", []byte("k2"))
	assert.NoError(t, err)
	assert.Equal(t, 0, mgr.ActiveCount())
}

func TestRollbackLeavesNothingVisible(t *testing.T) {
	mgr, backend := newTestManager(t)
	ctx := context.Background()

	tx, err := mgr.Begin(types.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, mgr.AddOperation(ctx, tx.ID, types.Operation{Kind: types.OpInsert, Key: "k1", Doc: types.Document{"name": "Alice"}}))
	require.NoError(t, mgr.Rollback(tx.ID))

	_, err = backend.Get("docs", []byte("k1"))
	assert.ErrorIs(t, err, kv.ErrNotFound)

	err = mgr.AddOperation(ctx, tx.ID, types.Operation{Kind: types.OpInsert, Key: "k2"})
	assert.ErrorContains(t, err, "not found")
}

func TestValidateRejectsDuplicateInsertInSameTransaction(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	tx, err := mgr.Begin(types.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, mgr.AddOperation(ctx, tx.ID, types.Operation{Kind: types.OpInsert, Key: "dup"}))
	require.NoError(t, mgr.AddOperation(ctx, tx.ID, types.Operation{Kind: types.OpInsert, Key: "dup"}))

	err = mgr.Commit(tx.ID)
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindDuplicateKey))
}

func TestValidateRejectsUpdateAfterDelete(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	tx, err := mgr.Begin(types.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, mgr.AddOperation(ctx, tx.ID, types.Operation{Kind: types.OpDelete, Key: "k1"}))
	require.NoError(t, mgr.AddOperation(ctx, tx.ID, types.Operation{Kind: types.OpUpdate, Key: "k1"}))

	err = mgr.Commit(tx.ID)
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindConflictAbort))
}

func TestCleanupExpiredAbortsStaleTransactions(t *testing.T) {
	mgr, _ := newTestManager(t)
	tx, err := mgr.Begin(types.ReadCommitted)
	require.NoError(t, err)

	n := mgr.CleanupExpired(time.Now().Add(2 * DefaultTimeout))
	assert.Equal(t, 1, n)
	assert.Equal(t, types.TxnAborted, tx.State())
	assert.Equal(t, 0, mgr.ActiveCount())
}

// TestSerializableDeadlockAbortsExactlyOne covers spec scenario G: A
// writes X then waits to read Y; B writes Y then waits to read X. Exactly
// one of the two aborts with ConflictAbort and the other commits.
func TestSerializableDeadlockAbortsExactlyOne(t *testing.T) {
	mgr, _ := newTestManager(t)

	txA, err := mgr.Begin(types.Serializable)
	require.NoError(t, err)
	txB, err := mgr.Begin(types.Serializable)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.AddOperation(ctx, txA.ID, types.Operation{Kind: types.OpUpdate, Key: "X"}))
	require.NoError(t, mgr.AddOperation(ctx, txB.ID, types.Operation{Kind: types.OpUpdate, Key: "Y"}))

	var wg sync.WaitGroup
	results := make(map[string]error, 2)
	var mu sync.Mutex

	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := mgr.AcquireReadLock(ctx, txA.ID, 0, "Y")
		mu.Lock()
		results["A"] = err
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := mgr.AcquireReadLock(ctx, txB.ID, 0, "X")
		mu.Lock()
		results["B"] = err
		mu.Unlock()
	}()
	wg.Wait()

	aFailed := results["A"] != nil
	bFailed := results["B"] != nil
	assert.True(t, aFailed != bFailed, "exactly one side should be aborted as the deadlock victim, got A=%v B=%v", results["A"], results["B"])

	if !aFailed {
		assert.NoError(t, mgr.Commit(txA.ID))
	} else {
		assert.True(t, engerr.Is(results["A"], engerr.KindConflictAbort))
	}
	if !bFailed {
		assert.NoError(t, mgr.Commit(txB.ID))
	} else {
		assert.True(t, engerr.Is(results["B"], engerr.KindConflictAbort))
	}
}
