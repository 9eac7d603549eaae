// Package types defines the engine's core data model: databases,
// collections, documents, indexes, columnar tables, transactions and
// cursors (spec.md §3).
package types

import "time"

// Document is a schemaless JSON-equivalent value tree plus reserved
// fields. Field values are one of: nil, bool, int64, float64, string,
// []any, map[string]any (the same dynamic representation encoding/json
// produces, which is what every query-language built-in operates on).
type Document map[string]any

// ReservedFields are field names with engine-defined meaning. The
// document store always sets _rev, and sets _key when the caller supplies
// none; _from/_to are the edge endpoints graph traversal follows.
const (
	FieldKey = "_key"
	FieldID  = "_id"
	FieldRev = "_rev"
	FieldTo  = "_to"
	FieldFrom = "_from"
)

// Key returns the document's _key, or "" if unset.
func (d Document) Key() string {
	if v, ok := d[FieldKey].(string); ok {
		return v
	}
	return ""
}

// Rev returns the document's _rev, or 0 if unset/unparseable.
func (d Document) Rev() int64 {
	switch v := d[FieldRev].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Clone returns a deep-enough copy safe for independent mutation by
// callers (used before handing a document across a transaction boundary).
func (d Document) Clone() Document {
	return cloneMap(d)
}

func cloneMap(m map[string]any) Document {
	out := make(Document, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return cloneMap(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// CollectionKind distinguishes the three collection behaviors in spec §3.
type CollectionKind string

const (
	CollectionDocument   CollectionKind = "document"
	CollectionTimeseries CollectionKind = "timeseries"
	CollectionBlob       CollectionKind = "blob"
)

// CollectionDef is a collection's persisted metadata.
type CollectionDef struct {
	ID     uint64         `json:"id"`
	Name   string         `json:"name"`
	Kind   CollectionKind `json:"kind"`
	Schema []byte         `json:"schema,omitempty"` // raw JSON Schema document, if any
}

// IndexKind enumerates the secondary index kinds (spec §4.6).
type IndexKind string

const (
	IndexHash     IndexKind = "hash"
	IndexOrdered  IndexKind = "ordered"
	IndexFulltext IndexKind = "fulltext"
	IndexGeo      IndexKind = "geo"
	IndexTTL      IndexKind = "ttl"
	IndexVector   IndexKind = "vector"
)

// IndexDef is an index's persisted metadata.
type IndexDef struct {
	ID              uint64    `json:"id"`
	CollectionID    uint64    `json:"collection_id"`
	Name            string    `json:"name"`
	Kind            IndexKind `json:"kind"`
	Fields          []string  `json:"fields"`
	Unique          bool      `json:"unique"`
	Sparse          bool      `json:"sparse"`
	ExpireAfterSecs int64     `json:"expire_after_seconds,omitempty"` // TTL only
	FulltextOpts    *FulltextOptions `json:"fulltext_opts,omitempty"`
	VectorDim       int       `json:"vector_dim,omitempty"`
	VectorMetric    string    `json:"vector_metric,omitempty"`
}

// FulltextOptions tune BM25 scoring and tokenization (spec §4.6).
type FulltextOptions struct {
	K1        float64         `json:"k1"`
	B         float64         `json:"b"`
	StopWords map[string]bool `json:"-"`
	Stem      bool            `json:"stem"`
}

// DefaultFulltextOptions returns the standard BM25 defaults.
func DefaultFulltextOptions() *FulltextOptions {
	return &FulltextOptions{K1: 1.2, B: 0.75, StopWords: DefaultStopWords(), Stem: false}
}

// DatabaseDef is a database's persisted metadata.
type DatabaseDef struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// IsolationLevel is a transaction's isolation level (spec §4.4).
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "ReadUncommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	default:
		return "ReadCommitted"
	}
}

// TxnState is a transaction's lifecycle state (spec §3).
type TxnState int

const (
	TxnActive TxnState = iota
	TxnPreparing
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnPreparing:
		return "Preparing"
	case TxnCommitted:
		return "Committed"
	case TxnAborted:
		return "Aborted"
	default:
		return "Active"
	}
}

// OpKind is a mutating operation's kind, recorded on a transaction and in
// the WAL (spec §4.3/§4.4).
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
	OpBlobChunk
	OpBlobDelete
)

// Operation is a single staged write inside a transaction.
type Operation struct {
	Kind         OpKind
	DatabaseID   uint64
	CollectionID uint64
	Key          string
	Doc          Document // post-image for Insert/Update; nil for Delete
	ExpectRev    int64    // 0 = no optimistic-concurrency check requested
}

// CursorState is the server-side paging handle (spec §3).
type CursorState struct {
	ID        string
	Batch     []Document
	Pos       int
	Remaining int // -1 = unbounded
	Expires   time.Time
	Done      bool
}
