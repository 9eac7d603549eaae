package columnar

import (
	"encoding/binary"
	"math"

	"github.com/solidb-io/solidb/internal/engerr"
)

// encodeBlock packs one column's typed values into a flat byte buffer,
// then zstd-compresses it as a single block (EncodeAll rather than a
// streaming Writer, since a block is always small and self-contained).
func (c *Catalog) encodeBlock(typ ColumnType, values []any) ([]byte, error) {
	raw, err := encodeValues(typ, values)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *Catalog) decodeBlock(typ ColumnType, compressed []byte, rows int) ([]any, error) {
	raw, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, engerr.New(engerr.KindCorruptStore, "decompress columnar block: %v", err)
	}
	return decodeValues(typ, raw, rows)
}

func encodeValues(typ ColumnType, values []any) ([]byte, error) {
	switch typ {
	case TypeInt64:
		buf := make([]byte, 0, 8*len(values))
		for _, v := range values {
			n, err := asInt64(v)
			if err != nil {
				return nil, err
			}
			buf = binary.BigEndian.AppendUint64(buf, uint64(n))
		}
		return buf, nil
	case TypeFloat64:
		buf := make([]byte, 0, 8*len(values))
		for _, v := range values {
			f, err := asFloat64(v)
			if err != nil {
				return nil, err
			}
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
		}
		return buf, nil
	case TypeBool:
		buf := make([]byte, len(values))
		for i, v := range values {
			b, ok := v.(bool)
			if !ok {
				return nil, engerr.New(engerr.KindType, "expected bool, got %T", v)
			}
			if b {
				buf[i] = 1
			}
		}
		return buf, nil
	case TypeString:
		buf := make([]byte, 0)
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				return nil, engerr.New(engerr.KindType, "expected string, got %T", v)
			}
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
			buf = append(buf, s...)
		}
		return buf, nil
	default:
		return nil, engerr.New(engerr.KindType, "unknown column type %q", typ)
	}
}

func decodeValues(typ ColumnType, raw []byte, rows int) ([]any, error) {
	out := make([]any, 0, rows)
	switch typ {
	case TypeInt64:
		for i := 0; i < rows; i++ {
			off := i * 8
			if off+8 > len(raw) {
				return nil, engerr.New(engerr.KindCorruptStore, "truncated int64 column block")
			}
			out = append(out, int64(binary.BigEndian.Uint64(raw[off:off+8])))
		}
	case TypeFloat64:
		for i := 0; i < rows; i++ {
			off := i * 8
			if off+8 > len(raw) {
				return nil, engerr.New(engerr.KindCorruptStore, "truncated float64 column block")
			}
			out = append(out, math.Float64frombits(binary.BigEndian.Uint64(raw[off:off+8])))
		}
	case TypeBool:
		if len(raw) < rows {
			return nil, engerr.New(engerr.KindCorruptStore, "truncated bool column block")
		}
		for i := 0; i < rows; i++ {
			out = append(out, raw[i] != 0)
		}
	case TypeString:
		pos := 0
		for i := 0; i < rows; i++ {
			if pos+4 > len(raw) {
				return nil, engerr.New(engerr.KindCorruptStore, "truncated string column block")
			}
			n := int(binary.BigEndian.Uint32(raw[pos : pos+4]))
			pos += 4
			if pos+n > len(raw) {
				return nil, engerr.New(engerr.KindCorruptStore, "truncated string column block")
			}
			out = append(out, string(raw[pos:pos+n]))
			pos += n
		}
	default:
		return nil, engerr.New(engerr.KindType, "unknown column type %q", typ)
	}
	return out, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, engerr.New(engerr.KindType, "expected int64, got %T", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, engerr.New(engerr.KindType, "expected float64, got %T", v)
	}
}
