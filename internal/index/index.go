// Package index implements the five index kinds the document store keeps
// consistent with collection writes: hash, ordered, fulltext (BM25), geo,
// and TTL. Vector indexes are declared in internal/types but have no
// subsystem here, matching the AI-pipeline non-goal.
package index

import (
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/types"
)

// indexCF is the column family every index entry (of any kind) lives in,
// distinct from the document column family so a full-collection scan and
// a full-index scan never overlap.
const indexCF = "index"

// CF exposes indexCF to callers (the document store) that must bulk
// delete_range a whole dropped index's entries without duplicating the
// column-family name.
const CF = indexCF

// ScoredKey pairs a document key with a relevance (fulltext, higher is
// better) or distance (geo, lower is better) score.
type ScoredKey struct {
	Key   string
	Score float64
}

// FieldValues extracts def.Fields' values from doc in declared order. A
// sparse index reports ok=false when every field is missing or null, so
// the caller omits an entry entirely (spec §4.6 "Sparse flag").
func FieldValues(def types.IndexDef, doc types.Document) (values []any, ok bool) {
	values = make([]any, len(def.Fields))
	present := false
	for i, f := range def.Fields {
		v := doc[f]
		if v != nil {
			present = true
		}
		values[i] = v
	}
	if def.Sparse && !present {
		return nil, false
	}
	return values, true
}

// Mutate stages, into batch, the index-entry changes needed to move a
// document from old (nil on insert) to cur (nil on delete) for one index
// definition. It dispatches on def.Kind; every kind shares the rule that
// an entry exists iff the (possibly sparse) field values are present.
func Mutate(batch kv.Batch, def types.IndexDef, docKey string, old, cur types.Document) error {
	switch def.Kind {
	case types.IndexHash:
		return mutateHash(batch, def, docKey, old, cur)
	case types.IndexOrdered:
		return mutateOrdered(batch, def, docKey, old, cur)
	case types.IndexFulltext:
		return mutateFulltext(batch, def, docKey, old, cur)
	case types.IndexGeo:
		return mutateGeo(batch, def, docKey, old, cur)
	case types.IndexTTL:
		return mutateTTL(batch, def, docKey, old, cur)
	default:
		return engerr.New(engerr.KindInternal, "index: unsupported kind %q", def.Kind)
	}
}

// CheckUnique reports a UniqueViolation if assigning values to docKey in
// a unique index would collide with a different live document. Only the
// hash and ordered kinds support uniqueness (spec §4.6 lists the unique
// variant for hash explicitly; ordered composite keys support it too).
func CheckUnique(backend kv.Backend, def types.IndexDef, docKey string, doc types.Document) error {
	if !def.Unique {
		return nil
	}
	values, ok := FieldValues(def, doc)
	if !ok {
		return nil // sparse + absent: nothing to enforce
	}
	switch def.Kind {
	case types.IndexHash:
		return checkUniqueHash(backend, def, docKey, values)
	case types.IndexOrdered:
		return checkUniqueOrdered(backend, def, docKey, values)
	default:
		return nil
	}
}
