// Package bboltkv implements kv.Backend over go.etcd.io/bbolt, an
// embedded ordered B+tree store. Each kv column family is a bbolt
// bucket; an atomic kv.Batch is one bbolt read-write transaction; a
// kv.Snapshot is a held-open bbolt read-only transaction, which bbolt's
// single-writer/many-readers MVCC model makes a true point-in-time view
// for free.
package bboltkv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
)

// Backend is a kv.Backend over a single bbolt database file.
type Backend struct {
	db *bolt.DB
}

// New constructs an unopened Backend; call Open before use.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Open(dataDir string) error {
	path := filepath.Join(dataDir, "kv", "store.db")
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("bboltkv: prepare data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("bboltkv: open %s: %w", path, err)
	}
	b.db = db
	return nil
}

type putOp struct {
	cf, key, value []byte
}
type delOp struct {
	cf, key []byte
}
type delRangeOp struct {
	cf, start, end []byte
}

// batch is the bbolt kv.Batch implementation: a plain op list replayed
// inside one bbolt read-write transaction in Backend.Write.
type batch struct {
	puts      []putOp
	dels      []delOp
	delRanges []delRangeOp
}

func (bt *batch) Put(cf string, key, value []byte) {
	bt.puts = append(bt.puts, putOp{[]byte(cf), append([]byte(nil), key...), append([]byte(nil), value...)})
}

func (bt *batch) Delete(cf string, key []byte) {
	bt.dels = append(bt.dels, delOp{[]byte(cf), append([]byte(nil), key...)})
}

func (bt *batch) DeleteRange(cf string, start, end []byte) {
	bt.delRanges = append(bt.delRanges, delRangeOp{[]byte(cf), append([]byte(nil), start...), append([]byte(nil), end...)})
}

func (b *Backend) NewBatch() kv.Batch { return &batch{} }

// Write applies bch inside one bbolt read-write transaction. Lock-wait
// timeouts (bolt.ErrTimeout, bolt.ErrDatabaseNotOpen) are classified
// Transient and retried with bounded backoff (spec §7 policy: "local
// retries only for Transient, bounded backoff, max 5 attempts") — every
// other bbolt error surfaces immediately.
func (b *Backend) Write(bch kv.Batch) error {
	bt, ok := bch.(*batch)
	if !ok {
		return fmt.Errorf("bboltkv: foreign batch type %T", bch)
	}
	return engerr.Retry(context.Background(), func() error {
		err := b.db.Update(func(tx *bolt.Tx) error {
			for _, p := range bt.puts {
				bucket, err := tx.CreateBucketIfNotExists(p.cf)
				if err != nil {
					return err
				}
				if err := bucket.Put(p.key, p.value); err != nil {
					return err
				}
			}
			for _, d := range bt.dels {
				bucket := tx.Bucket(d.cf)
				if bucket == nil {
					continue
				}
				if err := bucket.Delete(d.key); err != nil {
					return err
				}
			}
			for _, r := range bt.delRanges {
				bucket := tx.Bucket(r.cf)
				if bucket == nil {
					continue
				}
				if err := deleteRangeInBucket(bucket, r.start, r.end); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil && isTransientBoltErr(err) {
			return engerr.Wrap("bboltkv.Write", engerr.New(engerr.KindTransient, "%v", err))
		}
		return err
	})
}

func isTransientBoltErr(err error) bool {
	return errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseNotOpen)
}

func deleteRangeInBucket(bucket *bolt.Bucket, start, end []byte) error {
	c := bucket.Cursor()
	var k []byte
	if start == nil {
		k, _ = c.First()
	} else {
		k, _ = c.Seek(start)
	}
	for ; k != nil; k, _ = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Get(cf string, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cf))
		if bucket == nil {
			return kv.ErrNotFound
		}
		v := bucket.Get(key)
		if v == nil {
			return kv.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) Scan(cf string, start, end []byte) (kv.Iterator, error) {
	tx, err := b.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("bboltkv: begin scan tx: %w", err)
	}
	return newBoltIterator(tx, []byte(cf), start, end, true), nil
}

func (b *Backend) DeleteRange(cf string, start, end []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cf))
		if bucket == nil {
			return nil
		}
		return deleteRangeInBucket(bucket, start, end)
	})
}

// boltSnapshot wraps a held-open read-only transaction: bbolt guarantees
// it observes exactly the state committed at the moment Begin(false) ran,
// regardless of subsequent writers.
type boltSnapshot struct {
	tx *bolt.Tx
}

func (b *Backend) Snapshot() (kv.Snapshot, error) {
	tx, err := b.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("bboltkv: begin snapshot tx: %w", err)
	}
	return &boltSnapshot{tx: tx}, nil
}

func (s *boltSnapshot) Get(cf string, key []byte) ([]byte, error) {
	bucket := s.tx.Bucket([]byte(cf))
	if bucket == nil {
		return nil, kv.ErrNotFound
	}
	v := bucket.Get(key)
	if v == nil {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *boltSnapshot) Scan(cf string, start, end []byte) (kv.Iterator, error) {
	return newBoltIterator(s.tx, []byte(cf), start, end, false), nil
}

func (s *boltSnapshot) Close() error {
	return s.tx.Rollback()
}

func (b *Backend) Flush() error {
	// bbolt fsyncs on every committed read-write transaction already
	// (the default FreelistType/NoSync=false config); there is no
	// separate buffered-write stage to force out.
	return nil
}

func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// boltIterator adapts a bbolt cursor to kv.Iterator. ownsTx indicates
// whether Close should also end the underlying transaction (true for a
// one-off Scan, false when scanning inside a caller-owned Snapshot).
type boltIterator struct {
	tx      *bolt.Tx
	ownsTx  bool
	cursor  *bolt.Cursor
	end     []byte
	started bool
	key     []byte
	val     []byte
	done    bool
}

func newBoltIterator(tx *bolt.Tx, cf, start, end []byte, ownsTx bool) *boltIterator {
	it := &boltIterator{tx: tx, ownsTx: ownsTx, end: end}
	bucket := tx.Bucket(cf)
	if bucket == nil {
		it.done = true
		return it
	}
	c := bucket.Cursor()
	it.cursor = c
	it.key, it.val = seekStart(c, start)
	return it
}

func seekStart(c *bolt.Cursor, start []byte) ([]byte, []byte) {
	if start == nil {
		return c.First()
	}
	return c.Seek(start)
}

func (it *boltIterator) Next() bool {
	if it.done || it.cursor == nil {
		return false
	}
	if !it.started {
		it.started = true
	} else {
		it.key, it.val = it.cursor.Next()
	}
	if it.key == nil {
		it.done = true
		return false
	}
	if it.end != nil && bytes.Compare(it.key, it.end) >= 0 {
		it.done = true
		return false
	}
	return true
}

func (it *boltIterator) Key() []byte   { return append([]byte(nil), it.key...) }
func (it *boltIterator) Value() []byte { return append([]byte(nil), it.val...) }

func (it *boltIterator) Close() error {
	if it.ownsTx && it.tx != nil {
		return it.tx.Rollback()
	}
	return nil
}

var _ kv.Backend = (*Backend)(nil)
