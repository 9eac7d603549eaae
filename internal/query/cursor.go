package query

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solidb-io/solidb/internal/engerr"
)

// cursorIdleTimeout is how long a cursor may sit unread before the
// background reaper discards it (spec §4.8/§4.10).
const cursorIdleTimeout = 60 * time.Second

// Cursor paginates a materialized result set in batch_size chunks,
// keeping its remaining rows server-side between client round-trips.
type Cursor struct {
	ID       string
	rows     []any
	pos      int
	lastUsed time.Time
}

// Next returns up to batchSize rows starting at the cursor's current
// position and whether more rows remain after this batch.
func (c *Cursor) Next(batchSize int) ([]any, bool) {
	c.lastUsed = time.Now()
	if batchSize <= 0 {
		batchSize = len(c.rows) - c.pos
	}
	end := c.pos + batchSize
	if end > len(c.rows) {
		end = len(c.rows)
	}
	batch := c.rows[c.pos:end]
	c.pos = end
	return batch, c.pos < len(c.rows)
}

// CursorStore holds live cursors, keyed by ID, and reaps idle ones.
type CursorStore struct {
	mu      sync.Mutex
	cursors map[string]*Cursor
}

// NewCursorStore constructs an empty CursorStore.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]*Cursor)}
}

// Open registers a new cursor over rows and returns it.
func (cs *CursorStore) Open(rows []any) *Cursor {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := &Cursor{ID: uuid.NewString(), rows: rows, lastUsed: time.Now()}
	cs.cursors[c.ID] = c
	return c
}

// Get looks up a cursor by ID.
func (cs *CursorStore) Get(id string) (*Cursor, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.cursors[id]
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "cursor %q", id)
	}
	return c, nil
}

// Close explicitly discards a cursor before its idle timeout elapses.
func (cs *CursorStore) Close(id string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.cursors[id]; !ok {
		return engerr.New(engerr.KindNotFound, "cursor %q", id)
	}
	delete(cs.cursors, id)
	return nil
}

// ReapIdle discards every cursor untouched for longer than
// cursorIdleTimeout, returning how many were removed. Intended to be
// called periodically by a background sweeper.
func (cs *CursorStore) ReapIdle(now time.Time) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for id, c := range cs.cursors {
		if now.Sub(c.lastUsed) > cursorIdleTimeout {
			delete(cs.cursors, id)
			n++
		}
	}
	return n
}
