// Package kv defines the narrow capability set the engine consumes the
// storage backend through (spec §4.2 and design note "Polymorphism over
// the KV backend"): open, atomic batch_write, get, scan, delete_range,
// snapshot, flush. Any backend implementing Backend is a valid
// construction-time choice; the rest of the engine never imports a
// concrete backend package directly except at wiring time.
package kv

import (
	"errors"
)

// ErrNotFound is returned by Get and Snapshot.Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Iterator walks a range of keys in ascending order.
type Iterator interface {
	// Next advances the iterator and reports whether a value is available.
	Next() bool
	Key() []byte
	Value() []byte
	// Close releases resources held by the iterator.
	Close() error
}

// Batch stages a set of mutations applied atomically by Backend.Write.
type Batch interface {
	Put(cf string, key, value []byte)
	Delete(cf string, key []byte)
	// DeleteRange deletes keys in [start, end) within cf.
	DeleteRange(cf string, start, end []byte)
}

// Snapshot is a consistent point-in-time read view (spec GLOSSARY).
type Snapshot interface {
	Get(cf string, key []byte) ([]byte, error)
	// Scan returns keys in [start, end) within cf. A nil end scans to the
	// end of the column family's keyspace.
	Scan(cf string, start, end []byte) (Iterator, error)
	Close() error
}

// Backend is the capability set the engine requires of its storage layer.
type Backend interface {
	// Open prepares the backend's on-disk state under dataDir. Column
	// families are created lazily on first use.
	Open(dataDir string) error

	// Write applies a batch atomically: either every mutation is durable
	// and visible, or none are.
	Write(b Batch) error

	// NewBatch returns an empty Batch bound to this backend's encoding.
	NewBatch() Batch

	Get(cf string, key []byte) ([]byte, error)

	// Scan returns keys in [start, end) within cf, in ascending order. A
	// nil end scans to the end of the column family's keyspace.
	Scan(cf string, start, end []byte) (Iterator, error)

	// DeleteRange deletes keys in [start, end) within cf as a single
	// atomic operation (spec §4.5 prune_older_than: "O(1) commit cost").
	DeleteRange(cf string, start, end []byte) error

	Snapshot() (Snapshot, error)

	// Flush forces buffered writes to stable storage.
	Flush() error

	Close() error
}
