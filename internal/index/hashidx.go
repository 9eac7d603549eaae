package index

import (
	"github.com/solidb-io/solidb/internal/codec"
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/types"
)

func hashEntryKey(def types.IndexDef, docKey string, values []any) []byte {
	tuple := codec.HashTuple(values)
	return codec.IndexEntryKey(def.CollectionID, def.ID, tuple, docKey)
}

func mutateHash(batch kv.Batch, def types.IndexDef, docKey string, old, cur types.Document) error {
	if old != nil {
		if values, ok := FieldValues(def, old); ok {
			batch.Delete(indexCF, hashEntryKey(def, docKey, values))
		}
	}
	if cur != nil {
		if values, ok := FieldValues(def, cur); ok {
			batch.Put(indexCF, hashEntryKey(def, docKey, values), nil)
		}
	}
	return nil
}

// checkUniqueHash scans the narrow key range sharing this tuple's
// encoding rather than the whole index: IndexTuplePrefix bounds every
// entry for this tuple regardless of which document key follows it.
func checkUniqueHash(backend kv.Backend, def types.IndexDef, docKey string, values []any) error {
	tuple := codec.HashTuple(values)
	prefix := codec.IndexTuplePrefix(def.CollectionID, def.ID, tuple)
	it, err := backend.Scan(indexCF, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return engerr.Wrap("index.checkUniqueHash", err)
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

// Lookup returns every document key whose values exactly match the
// index's fields, for hash-index equality queries.
func Lookup(backend kv.Backend, def types.IndexDef, values []any) ([]string, error) {
	tuple := codec.HashTuple(values)
	prefix := codec.IndexTuplePrefix(def.CollectionID, def.ID, tuple)
	it, err := backend.Scan(indexCF, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return nil, engerr.Wrap("index.Lookup", err)
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
