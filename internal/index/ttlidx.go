package index

import (
	"time"

	"github.com/solidb-io/solidb/internal/codec"
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/types"
)

// A TTL index is an ordered index keyed on the indexed field's expiry
// instant (field value + ExpireAfterSecs), so the reaper can scan the
// leading [0, now] prefix directly instead of visiting every document
// (spec §4.6 "TTL index").

func ttlExpiryNanos(def types.IndexDef, doc types.Document) (int64, bool) {
	if len(def.Fields) == 0 {
		return 0, false
	}
	v := doc[def.Fields[0]]
	var baseNanos int64
	switch vv := v.(type) {
	case int64:
		baseNanos = vv
	case float64:
		baseNanos = int64(vv)
	case time.Time:
		baseNanos = vv.UnixNano()
	default:
		return 0, false
	}
	return baseNanos + def.ExpireAfterSecs*int64(time.Second), true
}

func ttlEntryKey(def types.IndexDef, docKey string, expiryNanos int64) []byte {
	tuple := codec.EncodeOrderedTuple([]any{expiryNanos})
	return codec.IndexEntryKey(def.CollectionID, def.ID, tuple, docKey)
}

func mutateTTL(batch kv.Batch, def types.IndexDef, docKey string, old, cur types.Document) error {
	if old != nil {
		if expiry, ok := ttlExpiryNanos(def, old); ok {
			batch.Delete(indexCF, ttlEntryKey(def, docKey, expiry))
		}
	}
	if cur != nil {
		if expiry, ok := ttlExpiryNanos(def, cur); ok {
			batch.Put(indexCF, ttlEntryKey(def, docKey, expiry), nil)
		}
	}
	return nil
}

// Expired returns every document key whose TTL index entry's expiry
// instant is at or before now, in expiry order — the reaper deletes the
// document and all its index entries (via the document store) for each
// one returned (spec §4.6: "scans the ordered prefix for entries whose
// timestamp + offset <= now, and deletes both document and index entries
// atomically").
func Expired(backend kv.Backend, def types.IndexDef, now time.Time) ([]string, error) {
	prefix := codec.IndexKeyPrefix(def.CollectionID, def.ID)
	cutoff := codec.IndexTuplePrefix(def.CollectionID, def.ID, codec.EncodeOrderedTuple([]any{now.UnixNano()}))
	// cutoff excludes any entry with expiry == now.UnixNano() exactly
	// since those entries' bytes extend past cutoff (docKey + suffix
	// appended); include it by scanning to PrefixEnd(cutoff) instead.
	end := codec.PrefixEnd(cutoff)

	it, err := backend.Scan(indexCF, prefix, end)
	if err != nil {
		return nil, engerr.Wrap("index.Expired", err)
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
