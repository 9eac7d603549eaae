package txn

import (
	"context"
	"sync"

	"github.com/solidb-io/solidb/internal/engerr"
)

type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

type lockKey struct {
	collectionID uint64
	key          string
}

type waiter struct {
	txID uint64
	mode lockMode
	ch   chan struct{}
}

type lockEntry struct {
	holders map[uint64]lockMode
	waiters []*waiter
}

// lockTable grants shared/exclusive per-(collection,_key) locks for
// Serializable transactions and cycle-checks the wait-for graph before
// blocking a requester, aborting the would-be deadlock victim instead
// (spec §4.4).
type lockTable struct {
	mu      sync.Mutex
	entries map[lockKey]*lockEntry
	waitFor map[uint64]map[uint64]bool
}

func newLockTable() *lockTable {
	return &lockTable{
		entries: make(map[lockKey]*lockEntry),
		waitFor: make(map[uint64]map[uint64]bool),
	}
}

// acquire blocks until txID holds mode on k, ctx is done, or granting the
// request would complete a cycle in the wait-for graph — in which case
// the requester itself is the reported deadlock victim and is returned a
// ConflictAbort error without ever being queued.
func (lt *lockTable) acquire(ctx context.Context, txID uint64, k lockKey, mode lockMode) error {
	lt.mu.Lock()
	e, ok := lt.entries[k]
	if !ok {
		e = &lockEntry{holders: make(map[uint64]lockMode)}
		lt.entries[k] = e
	}

	if len(e.waiters) == 0 && compatible(e.holders, txID, mode) {
		_, had := e.holders[txID]
		e.holders[txID] = upgradeMode(e.holders[txID], mode, had)
		lt.mu.Unlock()
		return nil
	}

	blockers := conflictingHolders(e, txID, mode)
	if lt.wouldDeadlock(txID, blockers) {
		lt.mu.Unlock()
		return engerr.New(engerr.KindConflictAbort, "lock on collection %d key %q would deadlock", k.collectionID, k.key)
	}

	w := &waiter{txID: txID, mode: mode, ch: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	lt.addWaitFor(txID, blockers)
	lt.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		lt.mu.Lock()
		removeWaiter(e, w)
		delete(lt.waitFor, txID)
		lt.mu.Unlock()
		return engerr.New(engerr.KindTimeout, "lock wait on collection %d key %q timed out", k.collectionID, k.key)
	}
}

// releaseAll drops every lock txID holds, promotes compatible waiters in
// FIFO order, and clears txID from the wait-for graph.
func (lt *lockTable) releaseAll(txID uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for k, e := range lt.entries {
		delete(e.holders, txID)
		promoteWaiters(e)
		if len(e.holders) == 0 && len(e.waiters) == 0 {
			delete(lt.entries, k)
		}
	}
	delete(lt.waitFor, txID)
	for _, s := range lt.waitFor {
		delete(s, txID)
	}
}

func compatible(holders map[uint64]lockMode, txID uint64, mode lockMode) bool {
	for h, m := range holders {
		if h == txID {
			continue
		}
		if mode == lockExclusive || m == lockExclusive {
			return false
		}
	}
	return true
}

func upgradeMode(current lockMode, requested lockMode, had bool) lockMode {
	if !had {
		return requested
	}
	if current == lockExclusive || requested == lockExclusive {
		return lockExclusive
	}
	return lockShared
}

func conflictingHolders(e *lockEntry, txID uint64, mode lockMode) []uint64 {
	var out []uint64
	for h, m := range e.holders {
		if h == txID {
			continue
		}
		if mode == lockExclusive || m == lockExclusive {
			out = append(out, h)
		}
	}
	// A request queued behind existing waiters also waits on them, not
	// just the current holders, so FIFO order is respected.
	for _, w := range e.waiters {
		if w.txID != txID {
			out = append(out, w.txID)
		}
	}
	return out
}

func (lt *lockTable) addWaitFor(txID uint64, blockers []uint64) {
	s, ok := lt.waitFor[txID]
	if !ok {
		s = make(map[uint64]bool)
		lt.waitFor[txID] = s
	}
	for _, b := range blockers {
		s[b] = true
	}
}

// wouldDeadlock reports whether any blocker can already (transitively)
// reach txID in the wait-for graph — i.e. txID waiting on a blocker would
// close a cycle.
func (lt *lockTable) wouldDeadlock(txID uint64, blockers []uint64) bool {
	visited := make(map[uint64]bool)
	var dfs func(uint64) bool
	dfs = func(n uint64) bool {
		if n == txID {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for m := range lt.waitFor[n] {
			if dfs(m) {
				return true
			}
		}
		return false
	}
	for _, b := range blockers {
		if dfs(b) {
			return true
		}
	}
	return false
}

func removeWaiter(e *lockEntry, w *waiter) {
	for i, cur := range e.waiters {
		if cur == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// promoteWaiters grants the lock to as many leading waiters as are
// jointly compatible with the current holders and with each other,
// preserving FIFO order.
func promoteWaiters(e *lockEntry) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		if !compatible(e.holders, w.txID, w.mode) {
			return
		}
		_, had := e.holders[w.txID]
		e.holders[w.txID] = upgradeMode(e.holders[w.txID], w.mode, had)
		e.waiters = e.waiters[1:]
		close(w.ch)
	}
}
