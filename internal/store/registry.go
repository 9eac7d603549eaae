package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/schema"
	"github.com/solidb-io/solidb/internal/types"
)

// metaCF holds database/collection/index definitions. It is a separate
// keyspace from the document and index column families so a metadata
// scan at startup never collides with document or index-entry bytes.
const metaCF = "meta"

// SystemDatabase is the reserved database that always exists and hosts
// the system collections spec §4.5/§6 name: _users, _roles, _user_roles,
// _sharding, _sync_log, _migrations. The core never interprets their
// document fields beyond ordinary CRUD.
const SystemDatabase = "_system"

var systemCollections = []string{"_users", "_roles", "_user_roles", "_sharding", "_sync_log", "_migrations"}

type collKey struct {
	dbID uint64
	name string
}

// Registry is the in-memory (and meta-CF-persisted) catalog of
// databases, collections, and indexes. A collection-name-to-ID lookup
// never blocks on document I/O — only the registry's own RWMutex, kept
// per spec §5 ("no operation blocks holding the global database map").
type Registry struct {
	mu sync.RWMutex

	backend kv.Backend

	databasesByName map[string]*types.DatabaseDef
	databasesByID   map[uint64]*types.DatabaseDef

	collectionsByID   map[uint64]*types.CollectionDef
	collectionsByName map[collKey]*types.CollectionDef

	indexesByCollection map[uint64][]*types.IndexDef
	indexesByID         map[uint64]*types.IndexDef

	validators map[uint64]*schema.Validator

	nextDBID    uint64
	nextCollID  uint64
	nextIndexID uint64
}

type dbRecord struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

type collRecord struct {
	ID     uint64             `json:"id"`
	DBID   uint64             `json:"db_id"`
	Name   string             `json:"name"`
	Kind   types.CollectionKind `json:"kind"`
	Schema []byte             `json:"schema,omitempty"`
}

type indexRecord struct {
	types.IndexDef
	DBID uint64 `json:"reg_db_id"`
}

// OpenRegistry loads every persisted database/collection/index
// definition from backend's meta column family and ensures the reserved
// _system database (and its system collections) exist.
func OpenRegistry(backend kv.Backend) (*Registry, error) {
	r := &Registry{
		backend:              backend,
		databasesByName:      make(map[string]*types.DatabaseDef),
		databasesByID:        make(map[uint64]*types.DatabaseDef),
		collectionsByID:      make(map[uint64]*types.CollectionDef),
		collectionsByName:    make(map[collKey]*types.CollectionDef),
		indexesByCollection:  make(map[uint64][]*types.IndexDef),
		indexesByID:          make(map[uint64]*types.IndexDef),
		validators:           make(map[uint64]*schema.Validator),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	if _, ok := r.databasesByName[SystemDatabase]; !ok {
		if err := r.bootstrapSystemDatabase(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) bootstrapSystemDatabase() error {
	sys, err := r.CreateDatabase(SystemDatabase)
	if err != nil {
		return err
	}
	for _, name := range systemCollections {
		if _, err := r.CreateCollection(sys.ID, name, types.CollectionDocument, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) load() error {
	if err := r.loadDatabases(); err != nil {
		return err
	}
	if err := r.loadCollections(); err != nil {
		return err
	}
	return r.loadIndexes()
}

func (r *Registry) loadDatabases() error {
	it, err := r.backend.Scan(metaCF, []byte("db/"), []byte("db0"))
	if err != nil {
		return engerr.Wrap("store.Registry.loadDatabases", err)
	}
	defer it.Close()
	for it.Next() {
		var rec dbRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return engerr.New(engerr.KindCorruptStore, "decode database record: %v", err)
		}
		def := &types.DatabaseDef{ID: rec.ID, Name: rec.Name}
		r.databasesByName[def.Name] = def
		r.databasesByID[def.ID] = def
		if def.ID >= r.nextDBID {
			r.nextDBID = def.ID + 1
		}
	}
	return nil
}

func (r *Registry) loadCollections() error {
	it, err := r.backend.Scan(metaCF, []byte("coll/"), []byte("coll0"))
	if err != nil {
		return engerr.Wrap("store.Registry.loadCollections", err)
	}
	defer it.Close()
	for it.Next() {
		var rec collRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return engerr.New(engerr.KindCorruptStore, "decode collection record: %v", err)
		}
		def := &types.CollectionDef{ID: rec.ID, Name: rec.Name, Kind: rec.Kind, Schema: rec.Schema}
		r.collectionsByID[def.ID] = def
		r.collectionsByName[collKey{rec.DBID, def.Name}] = def
		if def.ID >= r.nextCollID {
			r.nextCollID = def.ID + 1
		}
		if len(def.Schema) > 0 {
			v, err := schema.Compile(fmt.Sprintf("collection-%d", def.ID), def.Schema)
			if err != nil {
				return err
			}
			r.validators[def.ID] = v
		}
	}
	return nil
}

func (r *Registry) loadIndexes() error {
	it, err := r.backend.Scan(metaCF, []byte("idx/"), []byte("idx0"))
	if err != nil {
		return engerr.Wrap("store.Registry.loadIndexes", err)
	}
	defer it.Close()
	for it.Next() {
		var rec indexRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return engerr.New(engerr.KindCorruptStore, "decode index record: %v", err)
		}
		def := rec.IndexDef
		r.indexesByID[def.ID] = &def
		r.indexesByCollection[def.CollectionID] = append(r.indexesByCollection[def.CollectionID], &def)
		if def.ID >= r.nextIndexID {
			r.nextIndexID = def.ID + 1
		}
	}
	return nil
}

func (r *Registry) persist(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return engerr.Wrap("store.Registry.persist", err)
	}
	batch := r.backend.NewBatch()
	batch.Put(metaCF, []byte(key), b)
	return r.backend.Write(batch)
}

func (r *Registry) erase(key string) error {
	batch := r.backend.NewBatch()
	batch.Delete(metaCF, []byte(key))
	return r.backend.Write(batch)
}

// CreateDatabase registers a new, empty database.
func (r *Registry) CreateDatabase(name string) (*types.DatabaseDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.databasesByName[name]; exists {
		return nil, engerr.New(engerr.KindAlreadyExists, "database %q", name)
	}
	r.nextDBID++
	def := &types.DatabaseDef{ID: r.nextDBID, Name: name}
	if err := r.persist(fmt.Sprintf("db/%020d", def.ID), dbRecord{ID: def.ID, Name: def.Name}); err != nil {
		return nil, err
	}
	r.databasesByName[name] = def
	r.databasesByID[def.ID] = def
	return def, nil
}

// DropDatabase removes a database and, recursively, every collection and
// index it owns (spec §3: "Lifecycle: created explicitly, destroyed
// recursively"). The dropped collections' document/index bytes are left for
// the caller's document-store DeleteRange pass; the registry only drops
// metadata.
func (r *Registry) DropDatabase(name string) ([]*types.CollectionDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.databasesByName[name]
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "database %q", name)
	}
	var dropped []*types.CollectionDef
	for key, coll := range r.collectionsByName {
		if key.dbID == def.ID {
			dropped = append(dropped, coll)
			for _, idx := range r.indexesByCollection[coll.ID] {
				delete(r.indexesByID, idx.ID)
				if err := r.erase(fmt.Sprintf("idx/%020d", idx.ID)); err != nil {
					return nil, err
				}
			}
			delete(r.collectionsByName, key)
			delete(r.collectionsByID, coll.ID)
			delete(r.validators, coll.ID)
			delete(r.indexesByCollection, coll.ID)
			if err := r.erase(fmt.Sprintf("coll/%020d", coll.ID)); err != nil {
				return nil, err
			}
		}
	}
	if err := r.erase(fmt.Sprintf("db/%020d", def.ID)); err != nil {
		return nil, err
	}
	delete(r.databasesByName, name)
	delete(r.databasesByID, def.ID)
	return dropped, nil
}

// collectionsInDB returns every collection registered under dbID.
func (r *Registry) collectionsInDB(dbID uint64) []*types.CollectionDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.CollectionDef
	for key, coll := range r.collectionsByName {
		if key.dbID == dbID {
			out = append(out, coll)
		}
	}
	return out
}

// CollectionsInDatabase is the exported form of collectionsInDB, used by
// the list_collections command.
func (r *Registry) CollectionsInDatabase(dbID uint64) []*types.CollectionDef {
	return r.collectionsInDB(dbID)
}

// AllDatabases returns every registered database, for the
// list_databases command.
func (r *Registry) AllDatabases() []*types.DatabaseDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.DatabaseDef, 0, len(r.databasesByID))
	for _, db := range r.databasesByID {
		out = append(out, db)
	}
	return out
}

// AllCollections returns every collection registered across every
// database — the background TTL reaper sweeps by index, not by database,
// so it needs the full set rather than one collectionsInDB call per db.
func (r *Registry) AllCollections() []*types.CollectionDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.CollectionDef, 0, len(r.collectionsByID))
	for _, coll := range r.collectionsByID {
		out = append(out, coll)
	}
	return out
}

// DatabaseIDOf returns the database a collection belongs to.
func (r *Registry) DatabaseIDOf(collectionID uint64) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, coll := range r.collectionsByName {
		if coll.ID == collectionID {
			return key.dbID, true
		}
	}
	return 0, false
}

// DatabaseByName looks up a database by name.
func (r *Registry) DatabaseByName(name string) (*types.DatabaseDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.databasesByName[name]
	return d, ok
}

// CreateCollection registers a new collection within database dbID.
func (r *Registry) CreateCollection(dbID uint64, name string, kind types.CollectionKind, schemaJSON []byte) (*types.CollectionDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collectionsByName[collKey{dbID, name}]; exists {
		return nil, engerr.New(engerr.KindAlreadyExists, "collection %q", name)
	}
	var validator *schema.Validator
	if len(schemaJSON) > 0 {
		v, err := schema.Compile(fmt.Sprintf("collection-pending-%s", name), schemaJSON)
		if err != nil {
			return nil, err
		}
		validator = v
	}

	r.nextCollID++
	def := &types.CollectionDef{ID: r.nextCollID, Name: name, Kind: kind, Schema: schemaJSON}
	rec := collRecord{ID: def.ID, DBID: dbID, Name: name, Kind: kind, Schema: schemaJSON}
	if err := r.persist(fmt.Sprintf("coll/%020d", def.ID), rec); err != nil {
		return nil, err
	}
	r.collectionsByID[def.ID] = def
	r.collectionsByName[collKey{dbID, name}] = def
	if validator != nil {
		r.validators[def.ID] = validator
	}
	return def, nil
}

// CollectionByName looks up a collection within database dbID.
func (r *Registry) CollectionByName(dbID uint64, name string) (*types.CollectionDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectionsByName[collKey{dbID, name}]
	return c, ok
}

// CollectionByID looks up a collection by id.
func (r *Registry) CollectionByID(id uint64) (*types.CollectionDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectionsByID[id]
	return c, ok
}

// Validator returns the compiled schema validator for a collection, or
// nil if it has no attached schema.
func (r *Registry) Validator(collectionID uint64) *schema.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validators[collectionID]
}

// DropCollection removes a collection's metadata and every index
// definition on it. The caller (Store) is responsible for the bulk
// document/index-entry delete_range pass.
func (r *Registry) DropCollection(dbID uint64, name string) (*types.CollectionDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := collKey{dbID, name}
	def, ok := r.collectionsByName[key]
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "collection %q", name)
	}
	for _, idx := range r.indexesByCollection[def.ID] {
		delete(r.indexesByID, idx.ID)
		if err := r.erase(fmt.Sprintf("idx/%020d", idx.ID)); err != nil {
			return nil, err
		}
	}
	delete(r.indexesByCollection, def.ID)
	delete(r.collectionsByName, key)
	delete(r.collectionsByID, def.ID)
	delete(r.validators, def.ID)
	if err := r.erase(fmt.Sprintf("coll/%020d", def.ID)); err != nil {
		return nil, err
	}
	return def, nil
}

// IndexesFor returns every index definition on a collection.
func (r *Registry) IndexesFor(collectionID uint64) []*types.IndexDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.IndexDef, len(r.indexesByCollection[collectionID]))
	copy(out, r.indexesByCollection[collectionID])
	return out
}

// IndexByName looks up a single index on a collection by name.
func (r *Registry) IndexByName(collectionID uint64, name string) (*types.IndexDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, idx := range r.indexesByCollection[collectionID] {
		if idx.Name == name {
			return idx, true
		}
	}
	return nil, false
}

// registerIndex persists a fully-built index definition (the caller has
// already scanned existing documents and staged every entry).
func (r *Registry) registerIndex(dbID uint64, def types.IndexDef) (*types.IndexDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextIndexID++
	def.ID = r.nextIndexID
	rec := indexRecord{IndexDef: def, DBID: dbID}
	if err := r.persist(fmt.Sprintf("idx/%020d", def.ID), rec); err != nil {
		return nil, err
	}
	stored := def
	r.indexesByID[def.ID] = &stored
	r.indexesByCollection[def.CollectionID] = append(r.indexesByCollection[def.CollectionID], &stored)
	return &stored, nil
}

// dropIndexRecord removes one index's metadata only (used when DropIndex
// has already cleared its entries from the KV backend).
func (r *Registry) dropIndexRecord(collectionID, indexID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.erase(fmt.Sprintf("idx/%020d", indexID)); err != nil {
		return err
	}
	delete(r.indexesByID, indexID)
	kept := r.indexesByCollection[collectionID][:0]
	for _, idx := range r.indexesByCollection[collectionID] {
		if idx.ID != indexID {
			kept = append(kept, idx)
		}
	}
	r.indexesByCollection[collectionID] = kept
	return nil
}
