// Package columnar implements the Columnar Store (spec §2/§3): fixed-schema
// tables with ordered typed columns, rows appended in batches, each
// column's data held as a sequence of independently block-compressed
// byte blocks so a scan or aggregation over one column never has to
// touch the others.
package columnar

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
)

// metaCF holds persisted TableDef/block-manifest records; blockCF holds
// the compressed column block bytes themselves. Kept apart so a catalog
// reload never has to wade through block payloads.
const (
	metaCF  = "columnar_meta"
	blockCF = "columnar_block"
)

// blockRows bounds how many rows one compressed block holds; AppendBatch
// chunks a caller's batch into blocks of this size (plus one shorter
// tail block), matching spec §3's "rows appended in batches" shape.
const blockRows = 1024

// ColumnType is one column's value type.
type ColumnType string

const (
	TypeInt64   ColumnType = "int64"
	TypeFloat64 ColumnType = "float64"
	TypeString  ColumnType = "string"
	TypeBool    ColumnType = "bool"
)

// ColumnDef is one column's schema entry.
type ColumnDef struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// TableDef is a columnar table's persisted metadata: its schema, row
// count, and — per column — the ordered list of block row-counts needed
// to address every block in sequence.
type TableDef struct {
	ID       uint64         `json:"id"`
	DBID     uint64         `json:"db_id"`
	Name     string         `json:"name"`
	Columns  []ColumnDef    `json:"columns"`
	RowCount uint64         `json:"row_count"`
	Blocks   map[string][]int `json:"blocks"` // column name -> block row-counts, in order
}

func (t *TableDef) column(name string) (ColumnDef, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

type tblKey struct {
	dbID uint64
	name string
}

// Catalog is the in-memory (meta-CF-persisted) registry of columnar
// tables, mirroring internal/store.Registry's load-into-maps-at-open
// design for the same reason: table lookup must never block on block I/O.
type Catalog struct {
	mu      sync.RWMutex
	backend kv.Backend
	enc     *zstd.Encoder
	dec     *zstd.Decoder

	byID   map[uint64]*TableDef
	byName map[tblKey]*TableDef

	nextID uint64
}

// OpenCatalog loads every persisted table definition from backend.
func OpenCatalog(backend kv.Backend) (*Catalog, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, engerr.Wrap("columnar.OpenCatalog", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, engerr.Wrap("columnar.OpenCatalog", err)
	}
	c := &Catalog{
		backend: backend,
		enc:     enc,
		dec:     dec,
		byID:    make(map[uint64]*TableDef),
		byName:  make(map[tblKey]*TableDef),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) load() error {
	it, err := c.backend.Scan(metaCF, []byte("tbl/"), []byte("tbl0"))
	if err != nil {
		return engerr.Wrap("columnar.Catalog.load", err)
	}
	defer it.Close()
	for it.Next() {
		var def TableDef
		if err := json.Unmarshal(it.Value(), &def); err != nil {
			return engerr.New(engerr.KindCorruptStore, "decode columnar table record: %v", err)
		}
		stored := def
		c.byID[def.ID] = &stored
		c.byName[tblKey{def.DBID, def.Name}] = &stored
		if def.ID >= c.nextID {
			c.nextID = def.ID + 1
		}
	}
	return nil
}

func metaKey(tableID uint64) string {
	return fmt.Sprintf("tbl/%020d", tableID)
}

func (c *Catalog) persist(def *TableDef) error {
	b, err := json.Marshal(def)
	if err != nil {
		return engerr.Wrap("columnar.Catalog.persist", err)
	}
	batch := c.backend.NewBatch()
	batch.Put(metaCF, []byte(metaKey(def.ID)), b)
	return c.backend.Write(batch)
}

// CreateTable registers an empty table with the given column schema.
func (c *Catalog) CreateTable(dbID uint64, name string, columns []ColumnDef) (*TableDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byName[tblKey{dbID, name}]; exists {
		return nil, engerr.New(engerr.KindAlreadyExists, "columnar table %q", name)
	}
	c.nextID++
	def := &TableDef{ID: c.nextID, DBID: dbID, Name: name, Columns: append([]ColumnDef(nil), columns...), Blocks: make(map[string][]int)}
	for _, col := range def.Columns {
		def.Blocks[col.Name] = nil
	}
	if err := c.persist(def); err != nil {
		return nil, err
	}
	c.byID[def.ID] = def
	c.byName[tblKey{dbID, name}] = def
	return def, nil
}

// TableByName looks up a table within database dbID.
func (c *Catalog) TableByName(dbID uint64, name string) (*TableDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byName[tblKey{dbID, name}]
	return t, ok
}

// tableCopy returns a defensive copy of def so callers mutating it build
// the next persisted version without racing concurrent readers of the
// catalog's live maps.
func tableCopy(def *TableDef) *TableDef {
	cp := *def
	cp.Columns = append([]ColumnDef(nil), def.Columns...)
	cp.Blocks = make(map[string][]int, len(def.Blocks))
	for k, v := range def.Blocks {
		cp.Blocks[k] = append([]int(nil), v...)
	}
	return &cp
}

func blockKey(tableID uint64, column string, seq uint64) []byte {
	buf := make([]byte, 0, 8+4+len(column)+8)
	buf = binary.BigEndian.AppendUint64(buf, tableID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(column)))
	buf = append(buf, column...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return buf
}

func tablePrefix(tableID uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, tableID)
}

func columnPrefix(tableID uint64, column string) []byte {
	buf := make([]byte, 0, 8+4+len(column))
	buf = binary.BigEndian.AppendUint64(buf, tableID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(column)))
	buf = append(buf, column...)
	return buf
}
