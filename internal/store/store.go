// Package store implements the document store (spec §4.5): collection
// CRUD, _key/_rev management, schema validation, unique-index
// enforcement, and the txn.Materializer that turns a committed
// transaction's staged operations into KV mutations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/solidb-io/solidb/internal/codec"
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/idgen"
	"github.com/solidb-io/solidb/internal/index"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/txn"
	"github.com/solidb-io/solidb/internal/types"
)

// docCF holds encoded document values, keyed by codec.DocKey. Kept
// distinct from index.CF so a full-collection scan never has to skip
// over index entries.
const docCF = "doc"

// Store is the document store: it owns the registry of
// databases/collections/indexes and materializes transactions' staged
// operations into document and index-entry writes.
type Store struct {
	backend  kv.Backend
	registry *Registry
	mgr      *txn.Manager
}

// New constructs a Store bound to backend and registry. Call SetManager
// once the transaction manager (which itself requires this Store as its
// Materializer) has been constructed, closing the dependency cycle.
func New(backend kv.Backend, registry *Registry) *Store {
	return &Store{backend: backend, registry: registry}
}

// SetManager wires the transaction manager driving this store's
// autocommit and explicit-transaction code paths.
func (s *Store) SetManager(mgr *txn.Manager) { s.mgr = mgr }

// Registry exposes the catalog for callers (query evaluator, wire
// handlers) that need to resolve database/collection/index names.
func (s *Store) Registry() *Registry { return s.registry }

// Materialize implements txn.Materializer: for each staged operation, it
// stages the document write (or delete) and every index mutation the
// document's before/after image implies. The "before" image is read
// live from the backend (the batch has not been applied yet), falling
// back to an image already staged earlier in this same call so a
// transaction that writes the same key twice still diffs correctly.
func (s *Store) Materialize(batch kv.Batch, ops []types.Operation) error {
	staged := make(map[string]types.Document, len(ops))
	for _, op := range ops {
		dk := codec.DocKey(op.CollectionID, op.Key)
		old, err := s.priorImage(staged, dk, op.CollectionID, op.Key)
		if err != nil {
			return err
		}

		var cur types.Document
		switch op.Kind {
		case types.OpDelete, types.OpBlobDelete:
			batch.Delete(docCF, dk)
		default: // OpInsert, OpUpdate, OpBlobChunk (chunks replace the whole value)
			cur = op.Doc
			val, err := codec.EncodeValue(cur)
			if err != nil {
				return engerr.Wrap("store.Materialize", err)
			}
			batch.Put(docCF, dk, val)
		}

		for _, idx := range s.registry.IndexesFor(op.CollectionID) {
			if err := index.Mutate(batch, *idx, op.Key, old, cur); err != nil {
				return err
			}
		}
		staged[string(dk)] = cur
	}
	return nil
}

func (s *Store) priorImage(staged map[string]types.Document, dk []byte, collectionID uint64, key string) (types.Document, error) {
	if prev, ok := staged[string(dk)]; ok {
		return prev, nil
	}
	raw, err := s.backend.Get(docCF, dk)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, engerr.Wrap("store.Materialize", err)
	}
	doc, err := codec.DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

var _ txn.Materializer = (*Store)(nil)

// txHandle bundles the transaction object (for its ID and own-write
// visibility) used for both autocommit and caller-supplied transactions.
type txHandle struct {
	tx         *txn.Transaction
	autocommit bool
}

func (s *Store) beginAutocommit() (*txHandle, error) {
	tx, err := s.mgr.Begin(types.ReadCommitted)
	if err != nil {
		return nil, err
	}
	return &txHandle{tx: tx, autocommit: true}, nil
}

func (s *Store) handleFor(tx *txn.Transaction) (*txHandle, error) {
	if tx != nil {
		return &txHandle{tx: tx}, nil
	}
	return s.beginAutocommit()
}

func (s *Store) finish(h *txHandle, failed error) error {
	if !h.autocommit {
		return failed
	}
	if failed != nil {
		_ = s.mgr.Rollback(h.tx.ID)
		return failed
	}
	return s.mgr.Commit(h.tx.ID)
}

// ownWrite returns the most recent staged operation tx has recorded
// against (collectionID, key), if any, so reads within the same
// transaction observe its own uncommitted writes.
func ownWrite(tx *txn.Transaction, collectionID uint64, key string) (types.Operation, bool) {
	var found types.Operation
	ok := false
	for _, op := range tx.Operations() {
		if op.CollectionID == collectionID && op.Key == key {
			found, ok = op, true
		}
	}
	return found, ok
}

// Get fetches one document by key. tx may be nil (read against the live
// backend at ReadCommitted) or a caller-owned transaction (its own
// uncommitted writes are visible; Serializable acquires a shared lock).
func (s *Store) Get(ctx context.Context, tx *txn.Transaction, collectionID uint64, key string) (types.Document, error) {
	if tx != nil {
		if err := s.mgr.AcquireReadLock(ctx, tx.ID, collectionID, key); err != nil {
			return nil, err
		}
		if op, ok := ownWrite(tx, collectionID, key); ok {
			if op.Kind == types.OpDelete || op.Kind == types.OpBlobDelete {
				return nil, engerr.New(engerr.KindNotFound, "key %q", key)
			}
			return op.Doc.Clone(), nil
		}
		if snap := tx.Snapshot(); snap != nil {
			return s.getFrom(snap, collectionID, key)
		}
	}
	return s.getFrom(s.backend, collectionID, key)
}

// kvReader is the subset of kv.Backend/kv.Snapshot Get needs.
type kvReader interface {
	Get(cf string, key []byte) ([]byte, error)
}

func (s *Store) getFrom(r kvReader, collectionID uint64, key string) (types.Document, error) {
	raw, err := r.Get(docCF, codec.DocKey(collectionID, key))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, engerr.New(engerr.KindNotFound, "key %q", key)
		}
		return nil, engerr.Wrap("store.Get", err)
	}
	return codec.DecodeValue(raw)
}

// Insert creates a new document, assigning a time-sortable _key if the
// caller didn't supply one and _rev=1 (spec §4.5, Open Question
// decision: _rev starts at 1 and increments per document).
func (s *Store) Insert(ctx context.Context, tx *txn.Transaction, dbID, collectionID uint64, doc types.Document) (types.Document, error) {
	if _, ok := s.registry.CollectionByID(collectionID); !ok {
		return nil, engerr.New(engerr.KindNotFound, "collection %d", collectionID)
	}
	h, err := s.handleFor(tx)
	if err != nil {
		return nil, err
	}

	key, _ := doc[types.FieldKey].(string)
	if key == "" {
		key = idgen.NewDocKey()
	}
	if _, err := s.Get(ctx, h.tx, collectionID, key); err == nil {
		return nil, s.finish(h, engerr.New(engerr.KindDuplicateKey, "key %q", key))
	} else if !engerr.Is(err, engerr.KindNotFound) {
		return nil, s.finish(h, err)
	}

	full := doc.Clone()
	full[types.FieldKey] = key
	full[types.FieldRev] = int64(1)

	if v := s.registry.Validator(collectionID); v != nil {
		if err := v.Validate(full); err != nil {
			return nil, s.finish(h, err)
		}
	}
	for _, idx := range s.registry.IndexesFor(collectionID) {
		if err := index.CheckUnique(s.backend, *idx, key, full); err != nil {
			return nil, s.finish(h, err)
		}
	}

	op := types.Operation{Kind: types.OpInsert, DatabaseID: dbID, CollectionID: collectionID, Key: key, Doc: full}
	if err := s.mgr.AddOperation(ctx, h.tx.ID, op); err != nil {
		return nil, s.finish(h, err)
	}
	if err := s.finish(h, nil); err != nil {
		return nil, err
	}
	return full, nil
}

// Update changes a document and bumps _rev. If merge is true, patch is
// deep-merged into the current document, preserving any field patch
// doesn't mention; if false, patch replaces the document body wholesale
// (spec §4.5: "update(key, patch, merge)"). expectRev of 0 skips the
// optimistic-concurrency check; a non-zero mismatch fails with
// RevConflict. Timeseries collections reject Update with Immutable
// (spec §3).
func (s *Store) Update(ctx context.Context, tx *txn.Transaction, dbID, collectionID uint64, key string, patch types.Document, merge bool, expectRev int64) (types.Document, error) {
	coll, ok := s.registry.CollectionByID(collectionID)
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "collection %d", collectionID)
	}
	if coll.Kind == types.CollectionTimeseries {
		return nil, engerr.New(engerr.KindImmutable, "collection %q", coll.Name)
	}

	h, err := s.handleFor(tx)
	if err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, h.tx, collectionID, key)
	if err != nil {
		return nil, s.finish(h, err)
	}
	if expectRev != 0 && current.Rev() != expectRev {
		return nil, s.finish(h, engerr.New(engerr.KindRevConflict, "key %q: have rev %d, want %d", key, current.Rev(), expectRev))
	}

	var next types.Document
	if merge {
		next = deepMerge(current.Clone(), patch)
	} else {
		next = patch.Clone()
	}
	next[types.FieldKey] = key
	next[types.FieldRev] = current.Rev() + 1

	if v := s.registry.Validator(collectionID); v != nil {
		if err := v.Validate(next); err != nil {
			return nil, s.finish(h, err)
		}
	}
	for _, idx := range s.registry.IndexesFor(collectionID) {
		if err := index.CheckUnique(s.backend, *idx, key, next); err != nil {
			return nil, s.finish(h, err)
		}
	}

	op := types.Operation{Kind: types.OpUpdate, DatabaseID: dbID, CollectionID: collectionID, Key: key, Doc: next, ExpectRev: expectRev}
	if err := s.mgr.AddOperation(ctx, h.tx.ID, op); err != nil {
		return nil, s.finish(h, err)
	}
	if err := s.finish(h, nil); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete removes a document. expectRev of 0 skips the optimistic check.
func (s *Store) Delete(ctx context.Context, tx *txn.Transaction, dbID, collectionID uint64, key string, expectRev int64) error {
	h, err := s.handleFor(tx)
	if err != nil {
		return err
	}
	current, err := s.Get(ctx, h.tx, collectionID, key)
	if err != nil {
		return s.finish(h, err)
	}
	if expectRev != 0 && current.Rev() != expectRev {
		return s.finish(h, engerr.New(engerr.KindRevConflict, "key %q: have rev %d, want %d", key, current.Rev(), expectRev))
	}
	op := types.Operation{Kind: types.OpDelete, DatabaseID: dbID, CollectionID: collectionID, Key: key, ExpectRev: expectRev}
	if err := s.mgr.AddOperation(ctx, h.tx.ID, op); err != nil {
		return s.finish(h, err)
	}
	return s.finish(h, nil)
}

// BlobChunkSize is the fixed size blob collections split a payload into
// on write and reassemble on read (spec §3).
const BlobChunkSize = 1 << 20 // 1 MiB

// BlobPut splits data into BlobChunkSize pieces, each written under a
// content-addressed chunk key (idgen.ContentHash, so re-uploading
// identical bytes reuses the same chunk instead of duplicating it), and
// writes a manifest document at key recording the chunk order and total
// size. Any chunk a previous manifest at key referenced that the new
// upload no longer needs is deleted. key == "" mints a new one.
func (s *Store) BlobPut(ctx context.Context, tx *txn.Transaction, dbID, collectionID uint64, key string, data []byte) (types.Document, error) {
	coll, ok := s.registry.CollectionByID(collectionID)
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "collection %d", collectionID)
	}
	if coll.Kind != types.CollectionBlob {
		return nil, engerr.New(engerr.KindType, "collection %q is not a blob collection", coll.Name)
	}

	h, err := s.handleFor(tx)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = idgen.NewDocKey()
	}

	var prevChunks []string
	if prev, err := s.Get(ctx, h.tx, collectionID, key); err == nil {
		if cs, ok := prev["chunks"].([]any); ok {
			for _, c := range cs {
				if s, ok := c.(string); ok {
					prevChunks = append(prevChunks, s)
				}
			}
		}
	} else if !engerr.Is(err, engerr.KindNotFound) {
		return nil, s.finish(h, err)
	}

	var chunkKeys []string
	for off := 0; off == 0 || off < len(data); off += BlobChunkSize {
		end := off + BlobChunkSize
		if end > len(data) {
			end = len(data)
		}
		piece := data[off:end]
		chunkKey := key + "/" + idgen.ContentHash("chunk", piece, 12)
		chunkKeys = append(chunkKeys, chunkKey)
		op := types.Operation{
			Kind: types.OpBlobChunk, DatabaseID: dbID, CollectionID: collectionID,
			Key: chunkKey, Doc: types.Document{types.FieldKey: chunkKey, "data": piece},
		}
		if err := s.mgr.AddOperation(ctx, h.tx.ID, op); err != nil {
			return nil, s.finish(h, err)
		}
	}

	keep := make(map[string]bool, len(chunkKeys))
	for _, c := range chunkKeys {
		keep[c] = true
	}
	for _, c := range prevChunks {
		if keep[c] {
			continue
		}
		op := types.Operation{Kind: types.OpBlobDelete, DatabaseID: dbID, CollectionID: collectionID, Key: c}
		if err := s.mgr.AddOperation(ctx, h.tx.ID, op); err != nil {
			return nil, s.finish(h, err)
		}
	}

	chunksField := make([]any, len(chunkKeys))
	for i, c := range chunkKeys {
		chunksField[i] = c
	}
	manifest := types.Document{
		types.FieldKey: key,
		"size":         int64(len(data)),
		"chunk_size":   int64(BlobChunkSize),
		"chunks":       chunksField,
	}
	mop := types.Operation{Kind: types.OpUpdate, DatabaseID: dbID, CollectionID: collectionID, Key: key, Doc: manifest}
	if err := s.mgr.AddOperation(ctx, h.tx.ID, mop); err != nil {
		return nil, s.finish(h, err)
	}
	if err := s.finish(h, nil); err != nil {
		return nil, err
	}
	return manifest, nil
}

// BlobGet reassembles the payload stored at key by reading its manifest
// and concatenating each chunk it references, in order.
func (s *Store) BlobGet(ctx context.Context, tx *txn.Transaction, collectionID uint64, key string) ([]byte, error) {
	coll, ok := s.registry.CollectionByID(collectionID)
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "collection %d", collectionID)
	}
	if coll.Kind != types.CollectionBlob {
		return nil, engerr.New(engerr.KindType, "collection %q is not a blob collection", coll.Name)
	}
	manifest, err := s.Get(ctx, tx, collectionID, key)
	if err != nil {
		return nil, err
	}
	size, _ := manifest["size"].(int64)
	out := make([]byte, 0, size)
	chunks, _ := manifest["chunks"].([]any)
	for _, c := range chunks {
		chunkKey, ok := c.(string)
		if !ok {
			continue
		}
		doc, err := s.Get(ctx, tx, collectionID, chunkKey)
		if err != nil {
			return nil, err
		}
		switch piece := doc["data"].(type) {
		case []byte:
			out = append(out, piece...)
		case string:
			out = append(out, piece...)
		}
	}
	return out, nil
}

// Scan returns up to limit documents from collectionID in _key order,
// starting at startKey (exclusive) when non-empty — the cursor-friendly
// primitive spec §4.5's list/scan operations and the cursor subsystem
// build on. limit<=0 means unbounded.
func (s *Store) Scan(collectionID uint64, startKey string, limit int) ([]types.Document, error) {
	prefix := codec.DocKeyPrefix(collectionID)
	start := prefix
	if startKey != "" {
		start = codec.DocKey(collectionID, startKey+"\x00")
	}
	it, err := s.backend.Scan(docCF, start, codec.PrefixEnd(prefix))
	if err != nil {
		return nil, engerr.Wrap("store.Scan", err)
	}
	defer it.Close()

	var out []types.Document
	for it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		doc, err := codec.DecodeValue(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// LookupIndex resolves every document whose indexed field values exactly
// match values, via idx's backing entries — a hash index's exact-match
// postings or an ordered index's single-point range. Returns the same
// document shape Scan does, so callers can use it as a drop-in
// replacement for a full scan when a FILTER predicate pins every field
// idx covers.
func (s *Store) LookupIndex(collectionID uint64, idx types.IndexDef, values []any) ([]types.Document, error) {
	var keys []string
	var err error
	switch idx.Kind {
	case types.IndexOrdered:
		keys, err = index.RangeScan(s.backend, idx, values, values)
	default:
		keys, err = index.Lookup(s.backend, idx, values)
	}
	if err != nil {
		return nil, err
	}
	out := make([]types.Document, 0, len(keys))
	for _, key := range keys {
		doc, err := s.getFrom(s.backend, collectionID, key)
		if err != nil {
			if engerr.Is(err, engerr.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// PruneOlderThan deletes every document whose _key (a ULID, therefore
// lexicographically and chronologically ordered together) was minted
// before cutoff, in a single delete_range (spec §4.5: "O(1) commit cost
// regardless of rows affected"). Only meaningful for timeseries
// collections, but not restricted to them.
func (s *Store) PruneOlderThan(collectionID uint64, cutoff time.Time) error {
	prefix := codec.DocKeyPrefix(collectionID)
	cutoffKey := ulid.MustNew(ulid.Timestamp(cutoff), nil).String()
	end := codec.DocKey(collectionID, cutoffKey)
	if err := s.backend.DeleteRange(docCF, prefix, end); err != nil {
		return engerr.Wrap("store.PruneOlderThan", err)
	}
	return nil
}

// CreateIndex builds def against every existing document in its
// collection, failing with UniqueViolation if def.Unique and the
// existing data already collides (Open Question decision: a unique
// index build never silently drops the offending documents). The index
// is registered before its entries are written, because entry keys need
// its ID; if writing them fails, the registration is removed again.
func (s *Store) CreateIndex(dbID, collectionID uint64, def types.IndexDef) (*types.IndexDef, error) {
	def.CollectionID = collectionID
	if _, exists := s.registry.IndexByName(collectionID, def.Name); exists {
		return nil, engerr.New(engerr.KindAlreadyExists, "index %q", def.Name)
	}

	docs, err := s.Scan(collectionID, "", 0)
	if err != nil {
		return nil, err
	}

	if def.Unique && (def.Kind == types.IndexHash || def.Kind == types.IndexOrdered) {
		if err := checkBuildUnique(def, docs); err != nil {
			return nil, err
		}
	}

	// registerIndex assigns the index its ID, which index-entry keys
	// depend on, so it must run before the entries can be built. If the
	// build then fails, the registration is rolled back rather than left
	// pointing at a partially (or never) written index.
	registered, err := s.registry.registerIndex(dbID, def)
	if err != nil {
		return nil, err
	}

	batch := s.backend.NewBatch()
	for _, doc := range docs {
		if err := index.Mutate(batch, *registered, doc.Key(), nil, doc); err != nil {
			_ = s.registry.dropIndexRecord(collectionID, registered.ID)
			return nil, err
		}
	}
	if err := s.backend.Write(batch); err != nil {
		_ = s.registry.dropIndexRecord(collectionID, registered.ID)
		return nil, engerr.Wrap("store.CreateIndex", err)
	}
	return registered, nil
}

// checkBuildUnique rejects an index build whose declared uniqueness
// already conflicts with the collection's current data.
func checkBuildUnique(def types.IndexDef, docs []types.Document) error {
	seen := make(map[string]string, len(docs))
	for _, doc := range docs {
		values, ok := index.FieldValues(def, doc)
		if !ok {
			continue
		}
		tuple := string(codec.HashTuple(values))
		if existing, collide := seen[tuple]; collide && existing != doc.Key() {
			return engerr.New(engerr.KindUniqueViolation, "index %q: existing documents %q and %q collide", def.Name, existing, doc.Key())
		}
		seen[tuple] = doc.Key()
	}
	return nil
}

// deepMerge overlays patch onto base field by field: a nested object
// value in both base and patch is merged recursively, preserving keys
// base has that patch doesn't mention; any other patch value (including
// an explicit null, encoded as a nil interface) overwrites base's.
func deepMerge(base, patch types.Document) types.Document {
	for k, pv := range patch {
		if bv, ok := base[k]; ok {
			if bm, ok := bv.(types.Document); ok {
				if pm, ok := pv.(types.Document); ok {
					base[k] = deepMerge(bm, pm)
					continue
				}
			}
			if bm, ok := bv.(map[string]any); ok {
				if pm, ok := pv.(map[string]any); ok {
					base[k] = deepMerge(types.Document(bm), types.Document(pm))
					continue
				}
			}
		}
		base[k] = pv
	}
	return base
}

// DropIndex removes an index's metadata and every entry it has written.
func (s *Store) DropIndex(collectionID uint64, name string) error {
	def, ok := s.registry.IndexByName(collectionID, name)
	if !ok {
		return engerr.New(engerr.KindNotFound, "index %q", name)
	}
	prefix := codec.IndexKeyPrefix(collectionID, def.ID)
	if err := s.backend.DeleteRange(index.CF, prefix, codec.PrefixEnd(prefix)); err != nil {
		return engerr.Wrap("store.DropIndex", err)
	}
	return s.registry.dropIndexRecord(collectionID, def.ID)
}

// DropCollection removes a collection's metadata and deletes every
// document and index entry it owns.
func (s *Store) DropCollection(dbID uint64, name string) error {
	existing, ok := s.registry.CollectionByName(dbID, name)
	if !ok {
		return engerr.New(engerr.KindNotFound, "collection %q", name)
	}
	indexes := s.registry.IndexesFor(existing.ID)

	def, err := s.registry.DropCollection(dbID, name)
	if err != nil {
		return err
	}
	docPrefix := codec.DocKeyPrefix(def.ID)
	if err := s.backend.DeleteRange(docCF, docPrefix, codec.PrefixEnd(docPrefix)); err != nil {
		return engerr.Wrap("store.DropCollection", err)
	}
	for _, idx := range indexes {
		idxPrefix := codec.IndexKeyPrefix(def.ID, idx.ID)
		if err := s.backend.DeleteRange(index.CF, idxPrefix, codec.PrefixEnd(idxPrefix)); err != nil {
			return engerr.Wrap("store.DropCollection", err)
		}
	}
	return nil
}

// DropDatabase removes every collection in db, recursively.
func (s *Store) DropDatabase(name string) error {
	db, ok := s.registry.DatabaseByName(name)
	if !ok {
		return engerr.New(engerr.KindNotFound, "database %q", name)
	}
	indexesByColl := make(map[uint64][]*types.IndexDef)
	for _, coll := range s.registry.collectionsInDB(db.ID) {
		indexesByColl[coll.ID] = s.registry.IndexesFor(coll.ID)
	}

	dropped, err := s.registry.DropDatabase(name)
	if err != nil {
		return err
	}
	for _, coll := range dropped {
		docPrefix := codec.DocKeyPrefix(coll.ID)
		if err := s.backend.DeleteRange(docCF, docPrefix, codec.PrefixEnd(docPrefix)); err != nil {
			return engerr.Wrap("store.DropDatabase", err)
		}
		for _, idx := range indexesByColl[coll.ID] {
			idxPrefix := codec.IndexKeyPrefix(coll.ID, idx.ID)
			if err := s.backend.DeleteRange(index.CF, idxPrefix, codec.PrefixEnd(idxPrefix)); err != nil {
				return engerr.Wrap("store.DropDatabase", err)
			}
		}
	}
	return nil
}
