// Package memkv is an in-memory kv.Backend, used for tests and the
// ephemeral storage mode: a plain Go map guarded by a mutex, snapshots
// taken as a deep copy of every column family and value.
package memkv

import (
	"bytes"
	"sort"
	"sync"

	"github.com/solidb-io/solidb/internal/kv"
)

type cf = map[string][]byte

// Backend is an in-memory kv.Backend. Zero value is ready to use after
// Open.
type Backend struct {
	mu   sync.RWMutex
	data map[string]cf
}

// New constructs a ready-to-use in-memory backend (Open is a no-op for
// this backend but is still called for interface parity).
func New() *Backend {
	return &Backend{data: make(map[string]cf)}
}

func (b *Backend) Open(_ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		b.data = make(map[string]cf)
	}
	return nil
}

func (b *Backend) cfLocked(name string) cf {
	m, ok := b.data[name]
	if !ok {
		m = make(cf)
		b.data[name] = m
	}
	return m
}

type op struct {
	isDelete      bool
	isDeleteRange bool
	cf            string
	key           []byte
	value         []byte
	start, end    []byte
}

// batch is the memkv kv.Batch implementation: a plain op list replayed
// under the backend's write lock in Backend.Write.
type batch struct {
	ops []op
}

func (bt *batch) Put(cfName string, key, value []byte) {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	bt.ops = append(bt.ops, op{cf: cfName, key: k, value: v})
}

func (bt *batch) Delete(cfName string, key []byte) {
	k := append([]byte(nil), key...)
	bt.ops = append(bt.ops, op{isDelete: true, cf: cfName, key: k})
}

func (bt *batch) DeleteRange(cfName string, start, end []byte) {
	s := append([]byte(nil), start...)
	e := append([]byte(nil), end...)
	bt.ops = append(bt.ops, op{isDeleteRange: true, cf: cfName, start: s, end: e})
}

func (b *Backend) NewBatch() kv.Batch { return &batch{} }

func (b *Backend) Write(bch kv.Batch) error {
	bt, ok := bch.(*batch)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range bt.ops {
		m := b.cfLocked(o.cf)
		switch {
		case o.isDeleteRange:
			for k := range m {
				kb := []byte(k)
				if inRange(kb, o.start, o.end) {
					delete(m, k)
				}
			}
		case o.isDelete:
			delete(m, string(o.key))
		default:
			m[string(o.key)] = o.value
		}
	}
	return nil
}

func inRange(key, start, end []byte) bool {
	if start != nil && bytes.Compare(key, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}

func (b *Backend) Get(cfName string, key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.data[cfName]
	if !ok {
		return nil, kv.ErrNotFound
	}
	v, ok := m[string(key)]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *Backend) Scan(cfName string, start, end []byte) (kv.Iterator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return newMemIterator(b.data[cfName], start, end), nil
}

func (b *Backend) DeleteRange(cfName string, start, end []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.data[cfName]
	if !ok {
		return nil
	}
	for k := range m {
		if inRange([]byte(k), start, end) {
			delete(m, k)
		}
	}
	return nil
}

// snapshot is a deep copy of all column families at the moment it was
// taken: the simplest possible point-in-time view for an in-memory store.
type snapshot struct {
	data map[string]cf
}

func (b *Backend) Snapshot() (kv.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cp := make(map[string]cf, len(b.data))
	for name, m := range b.data {
		mc := make(cf, len(m))
		for k, v := range m {
			mc[k] = append([]byte(nil), v...)
		}
		cp[name] = mc
	}
	return &snapshot{data: cp}, nil
}

func (s *snapshot) Get(cfName string, key []byte) ([]byte, error) {
	m, ok := s.data[cfName]
	if !ok {
		return nil, kv.ErrNotFound
	}
	v, ok := m[string(key)]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *snapshot) Scan(cfName string, start, end []byte) (kv.Iterator, error) {
	return newMemIterator(s.data[cfName], start, end), nil
}

func (s *snapshot) Close() error { return nil }

func (b *Backend) Flush() error { return nil }

func (b *Backend) Close() error { return nil }

type memIterator struct {
	keys  []string
	vals  [][]byte
	pos   int
}

func newMemIterator(m cf, start, end []byte) *memIterator {
	keys := make([]string, 0, len(m))
	for k := range m {
		kb := []byte(k)
		if inRange(kb, start, end) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = m[k]
	}
	return &memIterator{keys: keys, vals: vals, pos: -1}
}

func (it *memIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memIterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memIterator) Value() []byte { return it.vals[it.pos] }
func (it *memIterator) Close() error  { return nil }

var _ kv.Backend = (*Backend)(nil)
