// Package txn implements the transaction manager (spec §4.4): transaction
// lifecycle, isolation levels, the Serializable lock table, the validation
// pass run before commit, and the commit pipeline that durably logs a
// transaction's outcome before its effects reach the KV backend.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/enginelog"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/types"
	"github.com/solidb-io/solidb/internal/wal"
)

// DefaultTimeout is the transaction idle timeout applied unless a caller
// overrides it (spec §4.4: "Timeouts: default 5 minutes").
const DefaultTimeout = 5 * time.Minute

// defaultMaxActive bounds how many transactions may be open at once
// before Begin fails with TooManyActive.
const defaultMaxActive = 10000

// Materializer turns a transaction's logical operations into a single KV
// batch — documents plus every index mutation they imply. The concrete
// implementation lives in the document store, which owns key encoding;
// txn only needs the capability, not the encoding rules, to keep the
// dependency direction store -> txn instead of the reverse.
type Materializer interface {
	Materialize(batch kv.Batch, ops []types.Operation) error
}

type opKey struct {
	collectionID uint64
	key          string
}

// Transaction is one transaction's in-memory lifecycle record (spec §3).
type Transaction struct {
	ID           uint64
	Isolation    types.IsolationLevel
	StartedAt    time.Time
	Timeout      time.Duration

	mu           sync.Mutex
	state        types.TxnState
	lastActivity time.Time
	writeTS      int64
	operations   []types.Operation
	insertedKeys map[opKey]bool
	deletedKeys  map[opKey]bool
	snapshot     kv.Snapshot // RepeatableRead only
}

// State returns the transaction's current lifecycle state.
func (tx *Transaction) State() types.TxnState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Snapshot returns the RepeatableRead point-in-time view taken at begin,
// or nil for every other isolation level (ReadCommitted/ReadUncommitted
// readers consult the live backend instead).
func (tx *Transaction) Snapshot() kv.Snapshot {
	return tx.snapshot
}

// Operations returns the operations staged so far, in submission order.
func (tx *Transaction) Operations() []types.Operation {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]types.Operation, len(tx.operations))
	copy(out, tx.operations)
	return out
}

// Manager owns every active transaction, the Serializable lock table, and
// drives the commit pipeline (spec §4.4: assign write_ts -> fsync Commit
// -> atomic KV apply -> release locks -> drop from active table).
type Manager struct {
	mu             sync.Mutex
	backend        kv.Backend
	log            *wal.WAL
	materializer   Materializer
	locks          *lockTable
	txns           map[uint64]*Transaction
	nextTxID       uint64
	maxActive      int
	defaultTimeout time.Duration
}

// NewManager wires a transaction manager to its KV backend, WAL, and the
// document store's batch materializer.
func NewManager(backend kv.Backend, log *wal.WAL, materializer Materializer) *Manager {
	return &Manager{
		backend:        backend,
		log:            log,
		materializer:   materializer,
		locks:          newLockTable(),
		txns:           make(map[uint64]*Transaction),
		maxActive:      defaultMaxActive,
		defaultTimeout: DefaultTimeout,
	}
}

// Begin starts a new transaction at the given isolation level, logging a
// Begin record and, for RepeatableRead, taking its snapshot immediately.
func (m *Manager) Begin(iso types.IsolationLevel) (*Transaction, error) {
	m.mu.Lock()
	if len(m.txns) >= m.maxActive {
		m.mu.Unlock()
		return nil, engerr.New(engerr.KindTooManyActive, "")
	}
	m.nextTxID++
	id := m.nextTxID
	m.mu.Unlock()

	now := time.Now()
	tx := &Transaction{
		ID:           id,
		Isolation:    iso,
		StartedAt:    now,
		Timeout:      m.defaultTimeout,
		state:        types.TxnActive,
		lastActivity: now,
		insertedKeys: make(map[opKey]bool),
		deletedKeys:  make(map[opKey]bool),
	}

	if iso == types.RepeatableRead {
		snap, err := m.backend.Snapshot()
		if err != nil {
			return nil, engerr.Wrap("txn.Begin", err)
		}
		tx.snapshot = snap
	}

	if _, err := m.log.Append(wal.KindBegin, wal.BeginBody{TxID: id, Isolation: iso, TS: now.UnixNano()}, false); err != nil {
		if tx.snapshot != nil {
			tx.snapshot.Close()
		}
		return nil, err
	}

	m.mu.Lock()
	m.txns[id] = tx
	m.mu.Unlock()
	return tx, nil
}

// AddOperation stages op on txID. At Serializable isolation this also
// acquires an exclusive lock on (collection,_key), aborting the
// transaction with ConflictAbort if that would deadlock.
func (m *Manager) AddOperation(ctx context.Context, txID uint64, op types.Operation) error {
	tx, err := m.active(txID)
	if err != nil {
		return err
	}

	if tx.Isolation == types.Serializable {
		if lerr := m.locks.acquire(ctx, txID, lockKey{op.CollectionID, op.Key}, lockExclusive); lerr != nil {
			m.abort(tx)
			return lerr
		}
	}

	k := opKey{op.CollectionID, op.Key}
	tx.mu.Lock()
	tx.lastActivity = time.Now()
	tx.operations = append(tx.operations, op)
	switch op.Kind {
	case types.OpInsert:
		tx.insertedKeys[k] = true
	case types.OpDelete:
		tx.deletedKeys[k] = true
	}
	tx.mu.Unlock()

	if _, err := m.log.Append(wal.KindOp, wal.OpBody{TxID: txID, Op: op}, false); err != nil {
		return engerr.Wrap("txn.AddOperation", err)
	}
	return nil
}

// AcquireReadLock takes a shared lock for a read at Serializable
// isolation; a no-op at every other isolation level. Document-store reads
// call this before returning a document so read-write conflicts between
// concurrent Serializable transactions are detected (spec scenario G).
func (m *Manager) AcquireReadLock(ctx context.Context, txID uint64, collectionID uint64, key string) error {
	tx, err := m.active(txID)
	if err != nil {
		return err
	}
	if tx.Isolation != types.Serializable {
		return nil
	}
	if lerr := m.locks.acquire(ctx, txID, lockKey{collectionID, key}, lockShared); lerr != nil {
		m.abort(tx)
		return lerr
	}
	tx.mu.Lock()
	tx.lastActivity = time.Now()
	tx.mu.Unlock()
	return nil
}

// Validate rejects a transaction whose staged operations conflict with
// each other: duplicate Insert for the same (collection,_key), or an
// Update/Delete following a Delete of the same key (spec §4.4).
func (m *Manager) Validate(txID uint64) error {
	tx, err := m.get(txID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()

	inserted := make(map[opKey]bool)
	deleted := make(map[opKey]bool)
	for _, op := range tx.operations {
		k := opKey{op.CollectionID, op.Key}
		switch op.Kind {
		case types.OpInsert:
			if inserted[k] {
				return engerr.New(engerr.KindDuplicateKey, "duplicate insert for key %q within transaction %d", op.Key, txID)
			}
			inserted[k] = true
			delete(deleted, k)
		case types.OpUpdate:
			if deleted[k] {
				return engerr.New(engerr.KindConflictAbort, "update after delete for key %q within transaction %d", op.Key, txID)
			}
		case types.OpDelete:
			if deleted[k] {
				return engerr.New(engerr.KindConflictAbort, "delete after delete for key %q within transaction %d", op.Key, txID)
			}
			deleted[k] = true
		}
	}
	return nil
}

// Commit runs Validate, then the commit pipeline: fsync a Commit record,
// atomically apply the materialized batch to the KV backend, release
// locks, and drop the transaction from the active table. A failed apply
// reverses the transaction to Aborted and appends an Abort record.
func (m *Manager) Commit(txID uint64) error {
	tx, err := m.active(txID)
	if err != nil {
		return err
	}

	if err := m.Validate(txID); err != nil {
		m.abort(tx)
		return err
	}

	tx.mu.Lock()
	tx.state = types.TxnPreparing
	writeTS := time.Now().UnixNano()
	tx.writeTS = writeTS
	ops := make([]types.Operation, len(tx.operations))
	copy(ops, tx.operations)
	tx.mu.Unlock()

	if _, err := m.log.Append(wal.KindCommit, wal.CommitBody{TxID: txID, WriteTS: writeTS}, true); err != nil {
		m.abort(tx)
		return engerr.Wrap("txn.Commit", err)
	}

	batch := m.backend.NewBatch()
	if err := m.materializer.Materialize(batch, ops); err != nil {
		m.reverseToAborted(tx, err)
		return engerr.Wrap("txn.Commit", err)
	}
	if err := m.backend.Write(batch); err != nil {
		m.reverseToAborted(tx, err)
		return engerr.Wrap("txn.Commit", err)
	}

	tx.mu.Lock()
	tx.state = types.TxnCommitted
	tx.mu.Unlock()
	m.finish(tx)
	return nil
}

// reverseToAborted handles the §4.4 case where the Commit record was
// already fsynced but the atomic KV apply failed: the transaction is
// reversed to Aborted and an Abort record appended so replay on restart
// treats it as never having committed.
func (m *Manager) reverseToAborted(tx *Transaction, cause error) {
	if _, err := m.log.Append(wal.KindAbort, wal.AbortBody{TxID: tx.ID}, true); err != nil {
		enginelog.Errorf("txn: failed to log reversal abort for tx %d (apply failure: %v): %v", tx.ID, cause, err)
	}
	tx.mu.Lock()
	tx.state = types.TxnAborted
	tx.mu.Unlock()
	m.finish(tx)
}

// Rollback aborts an active or preparing transaction. A finished
// (committed or aborted) transaction is no longer in the active table,
// so Rollback reports NotFound for it.
func (m *Manager) Rollback(txID uint64) error {
	tx, err := m.get(txID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	terminal := tx.state != types.TxnActive && tx.state != types.TxnPreparing
	tx.mu.Unlock()
	if terminal {
		return nil
	}
	m.abort(tx)
	return nil
}

func (m *Manager) abort(tx *Transaction) {
	tx.mu.Lock()
	tx.state = types.TxnAborted
	tx.mu.Unlock()
	if _, err := m.log.Append(wal.KindAbort, wal.AbortBody{TxID: tx.ID}, true); err != nil {
		enginelog.Errorf("txn: failed to log abort for tx %d: %v", tx.ID, err)
	}
	m.finish(tx)
}

func (m *Manager) finish(tx *Transaction) {
	m.locks.releaseAll(tx.ID)
	if tx.snapshot != nil {
		_ = tx.snapshot.Close()
	}
	m.mu.Lock()
	delete(m.txns, tx.ID)
	m.mu.Unlock()
}

// CleanupExpired aborts every active transaction whose last activity
// predates its timeout, returning the count aborted (spec §4.4 sweeper).
func (m *Manager) CleanupExpired(now time.Time) int {
	m.mu.Lock()
	var expired []*Transaction
	for _, tx := range m.txns {
		tx.mu.Lock()
		stale := tx.state == types.TxnActive && now.Sub(tx.lastActivity) > tx.Timeout
		tx.mu.Unlock()
		if stale {
			expired = append(expired, tx)
		}
	}
	m.mu.Unlock()

	for _, tx := range expired {
		m.abort(tx)
	}
	return len(expired)
}

// ActiveCount reports how many transactions are currently open, mostly
// for tests and diagnostics.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}

func (m *Manager) get(txID uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txns[txID]
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "transaction %d", txID)
	}
	return tx, nil
}

func (m *Manager) active(txID uint64) (*Transaction, error) {
	tx, err := m.get(txID)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	state := tx.state
	tx.mu.Unlock()
	if state != types.TxnActive {
		return nil, engerr.New(engerr.KindNotActive, "transaction %d is %s", txID, state)
	}
	return tx, nil
}
