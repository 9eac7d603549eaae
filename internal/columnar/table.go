package columnar

import (
	"github.com/solidb-io/solidb/internal/codec"
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
)

// AggFunc is a supported columnar aggregation (spec §2's "aggregations").
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggCount AggFunc = "count"
)

// AppendBatch validates rows against the table's column schema and
// writes them as one or more compressed blocks per column (blockRows
// rows per block, plus one shorter tail block), preserving row order
// across every column identically.
func (c *Catalog) AppendBatch(tableID uint64, rows [][]any) error {
	c.mu.Lock()
	def, ok := c.byID[tableID]
	if !ok {
		c.mu.Unlock()
		return engerr.New(engerr.KindNotFound, "columnar table %d", tableID)
	}
	next := tableCopy(def)
	c.mu.Unlock()

	for _, row := range rows {
		if len(row) != len(next.Columns) {
			return engerr.New(engerr.KindType, "row has %d values, table has %d columns", len(row), len(next.Columns))
		}
	}

	batch := c.backend.NewBatch()
	for colIdx, col := range next.Columns {
		values := make([]any, len(rows))
		for i, row := range rows {
			values[i] = row[colIdx]
		}
		if err := c.appendColumnBlocks(batch, next, col, values); err != nil {
			return err
		}
	}
	next.RowCount += uint64(len(rows))
	if err := c.persist(next); err != nil {
		return err
	}
	if err := c.backend.Write(batch); err != nil {
		return engerr.Wrap("columnar.AppendBatch", err)
	}

	c.mu.Lock()
	c.byID[next.ID] = next
	c.byName[tblKey{next.DBID, next.Name}] = next
	c.mu.Unlock()
	return nil
}

// appendColumnBlocks chunks values into blockRows-sized blocks, writes
// each as a compressed KV entry keyed by the next sequence number after
// def's existing blocks for col, and records the new block sizes in def.
func (c *Catalog) appendColumnBlocks(batch kv.Batch, def *TableDef, col ColumnDef, values []any) error {
	seq := uint64(len(def.Blocks[col.Name]))
	for start := 0; start < len(values); start += blockRows {
		end := start + blockRows
		if end > len(values) {
			end = len(values)
		}
		chunk := values[start:end]
		compressed, err := c.encodeBlock(col.Type, chunk)
		if err != nil {
			return err
		}
		batch.Put(blockCF, blockKey(def.ID, col.Name, seq), compressed)
		def.Blocks[col.Name] = append(def.Blocks[col.Name], len(chunk))
		seq++
	}
	return nil
}

// ReadColumn decodes every block for column name, in order, returning
// the full column as a single slice.
func (c *Catalog) ReadColumn(tableID uint64, name string) ([]any, error) {
	c.mu.RLock()
	def, ok := c.byID[tableID]
	if !ok {
		c.mu.RUnlock()
		return nil, engerr.New(engerr.KindNotFound, "columnar table %d", tableID)
	}
	def = tableCopy(def)
	c.mu.RUnlock()

	col, ok := def.column(name)
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "column %q", name)
	}

	out := make([]any, 0, def.RowCount)
	for seq, rows := range def.Blocks[name] {
		raw, err := c.backend.Get(blockCF, blockKey(def.ID, name, uint64(seq)))
		if err != nil {
			return nil, engerr.Wrap("columnar.ReadColumn", err)
		}
		values, err := c.decodeBlock(col.Type, raw, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	return out, nil
}

// Aggregate computes fn over column name's full set of values.
func (c *Catalog) Aggregate(tableID uint64, name string, fn AggFunc) (float64, error) {
	values, err := c.ReadColumn(tableID, name)
	if err != nil {
		return 0, err
	}
	if fn == AggCount {
		return float64(len(values)), nil
	}
	if len(values) == 0 {
		return 0, nil
	}
	sum, min, max := 0.0, 0.0, 0.0
	for i, v := range values {
		f, err := asFloat64(v)
		if err != nil {
			return 0, err
		}
		sum += f
		if i == 0 || f < min {
			min = f
		}
		if i == 0 || f > max {
			max = f
		}
	}
	switch fn {
	case AggSum:
		return sum, nil
	case AggAvg:
		return sum / float64(len(values)), nil
	case AggMin:
		return min, nil
	case AggMax:
		return max, nil
	default:
		return 0, engerr.New(engerr.KindType, "unknown aggregate function %q", fn)
	}
}

// AddColumn appends a new column to the table's schema, backfilling
// defaultValue for every row already present so every column remains
// aligned to the same RowCount (spec §3: column count/order is
// immutable "except via explicit add/drop column").
func (c *Catalog) AddColumn(tableID uint64, col ColumnDef, defaultValue any) error {
	c.mu.Lock()
	def, ok := c.byID[tableID]
	if !ok {
		c.mu.Unlock()
		return engerr.New(engerr.KindNotFound, "columnar table %d", tableID)
	}
	if _, exists := def.column(col.Name); exists {
		c.mu.Unlock()
		return engerr.New(engerr.KindAlreadyExists, "column %q", col.Name)
	}
	next := tableCopy(def)
	c.mu.Unlock()

	next.Columns = append(next.Columns, col)
	next.Blocks[col.Name] = nil

	if next.RowCount > 0 {
		backfill := make([]any, next.RowCount)
		for i := range backfill {
			backfill[i] = defaultValue
		}
		batch := c.backend.NewBatch()
		if err := c.appendColumnBlocks(batch, next, col, backfill); err != nil {
			return err
		}
		if err := c.backend.Write(batch); err != nil {
			return engerr.Wrap("columnar.AddColumn", err)
		}
	}
	if err := c.persist(next); err != nil {
		return err
	}

	c.mu.Lock()
	c.byID[next.ID] = next
	c.byName[tblKey{next.DBID, next.Name}] = next
	c.mu.Unlock()
	return nil
}

// DropColumn removes a column's schema entry and deletes all of its
// blocks in a single delete_range, leaving every other column untouched.
func (c *Catalog) DropColumn(tableID uint64, name string) error {
	c.mu.Lock()
	def, ok := c.byID[tableID]
	if !ok {
		c.mu.Unlock()
		return engerr.New(engerr.KindNotFound, "columnar table %d", tableID)
	}
	if _, exists := def.column(name); !exists {
		c.mu.Unlock()
		return engerr.New(engerr.KindNotFound, "column %q", name)
	}
	next := tableCopy(def)
	c.mu.Unlock()

	cols := next.Columns[:0]
	for _, col := range next.Columns {
		if col.Name != name {
			cols = append(cols, col)
		}
	}
	next.Columns = cols
	delete(next.Blocks, name)

	prefix := columnPrefix(next.ID, name)
	if err := c.backend.DeleteRange(blockCF, prefix, codec.PrefixEnd(prefix)); err != nil {
		return engerr.Wrap("columnar.DropColumn", err)
	}
	if err := c.persist(next); err != nil {
		return err
	}

	c.mu.Lock()
	c.byID[next.ID] = next
	c.byName[tblKey{next.DBID, next.Name}] = next
	c.mu.Unlock()
	return nil
}

// DropTable erases a table's metadata and every one of its column blocks.
func (c *Catalog) DropTable(dbID uint64, name string) error {
	c.mu.Lock()
	def, ok := c.byName[tblKey{dbID, name}]
	if !ok {
		c.mu.Unlock()
		return engerr.New(engerr.KindNotFound, "columnar table %q", name)
	}
	id := def.ID
	delete(c.byName, tblKey{dbID, name})
	delete(c.byID, id)
	c.mu.Unlock()

	prefix := tablePrefix(id)
	if err := c.backend.DeleteRange(blockCF, prefix, codec.PrefixEnd(prefix)); err != nil {
		return engerr.Wrap("columnar.DropTable", err)
	}
	return c.erase(id)
}

func (c *Catalog) erase(tableID uint64) error {
	batch := c.backend.NewBatch()
	batch.Delete(metaCF, []byte(metaKey(tableID)))
	return c.backend.Write(batch)
}
