package index

import (
	"github.com/solidb-io/solidb/internal/codec"
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/types"
)

func orderedEntryKey(def types.IndexDef, docKey string, values []any) []byte {
	tuple := codec.EncodeOrderedTuple(values)
	return codec.IndexEntryKey(def.CollectionID, def.ID, tuple, docKey)
}

func mutateOrdered(batch kv.Batch, def types.IndexDef, docKey string, old, cur types.Document) error {
	if old != nil {
		if values, ok := FieldValues(def, old); ok {
			batch.Delete(indexCF, orderedEntryKey(def, docKey, values))
		}
	}
	if cur != nil {
		if values, ok := FieldValues(def, cur); ok {
			batch.Put(indexCF, orderedEntryKey(def, docKey, values), nil)
		}
	}
	return nil
}

func checkUniqueOrdered(backend kv.Backend, def types.IndexDef, docKey string, values []any) error {
	tuple := codec.EncodeOrderedTuple(values)
	prefix := codec.IndexTuplePrefix(def.CollectionID, def.ID, tuple)
	it, err := backend.Scan(indexCF, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return engerr.Wrap("index.checkUniqueOrdered", err)
	}
	defer it.Close()
	for it.Next() {
		_, existingKey, ok := codec.SplitIndexEntryKey(def.CollectionID, def.ID, it.Key())
		if ok && existingKey != docKey {
			return engerr.New(engerr.KindUniqueViolation, "unique index %q already has an entry for this value", def.Name)
		}
	}
	return nil
}

// RangeScan returns document keys whose indexed tuple falls in
// [lo, hi) — a nil lo/hi scans from/to the index's bound — supporting
// both full range scans and leftmost-prefix composite-key lookups (spec
// §4.6 "Ordered index").
func RangeScan(backend kv.Backend, def types.IndexDef, lo, hi []any) ([]string, error) {
	prefix := codec.IndexKeyPrefix(def.CollectionID, def.ID)
	start := prefix
	if lo != nil {
		start = codec.IndexTuplePrefix(def.CollectionID, def.ID, codec.EncodeOrderedTuple(lo))
	}
	end := codec.PrefixEnd(prefix)
	if hi != nil {
		end = codec.IndexTuplePrefix(def.CollectionID, def.ID, codec.EncodeOrderedTuple(hi))
	}

	it, err := backend.Scan(indexCF, start, end)
	if err != nil {
		return nil, engerr.Wrap("index.RangeScan", err)
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		_, docKey, ok := codec.SplitIndexEntryKey(def.CollectionID, def.ID, it.Key())
		if ok {
			keys = append(keys, docKey)
		}
	}
	return keys, nil
}

// PrefixScan returns document keys whose leading len(prefixValues) tuple
// fields exactly match prefixValues, regardless of any trailing fields —
// the "leftmost-first" composite lookup spec §4.6 calls for.
func PrefixScan(backend kv.Backend, def types.IndexDef, prefixValues []any) ([]string, error) {
	tuplePrefix := codec.EncodeOrderedTuple(prefixValues)
	full := codec.IndexTuplePrefix(def.CollectionID, def.ID, tuplePrefix)
	// A byte-prefix match on exactly that bounds every entry whose tuple
	// starts with prefixValues, since longer tuples' extra fields are
	// appended after it, not woven into it (no length marker sits ahead
	// of the tuple bytes to break this property).
	end := codec.PrefixEnd(full)

	it, err := backend.Scan(indexCF, full, end)
	if err != nil {
		return nil, engerr.Wrap("index.PrefixScan", err)
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		_, docKey, ok := codec.SplitIndexEntryKey(def.CollectionID, def.ID, it.Key())
		if ok {
			keys = append(keys, docKey)
		}
	}
	return keys, nil
}
