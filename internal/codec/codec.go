// Package codec implements the engine's binary encodings: document keys,
// index-entry keys, and stored document values (spec §4.1).
//
// Stored values round-trip byte-exact through canonical CBOR
// (github.com/fxamacker/cbor/v2), which is a self-describing binary form
// covering null/bool/int/float/string/array/object without a schema —
// exactly the "only hard requirement is byte-exact round-trip" contract.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/solidb-io/solidb/internal/types"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building canonical CBOR encoder: %v", err))
	}
	encMode = m

	dopts := cbor.DecOptions{}
	dm, err := dopts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building CBOR decoder: %v", err))
	}
	decMode = dm
}

// EncodeValue encodes a document (or any CBOR-representable value) into
// its stored byte form.
func EncodeValue(v types.Document) ([]byte, error) {
	b, err := encMode.Marshal(map[string]any(v))
	if err != nil {
		return nil, fmt.Errorf("codec: encode value: %w", err)
	}
	return b, nil
}

// DecodeValue decodes a stored document value.
func DecodeValue(b []byte) (types.Document, error) {
	var raw map[string]any
	if err := decMode.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("codec: decode value: %w", err)
	}
	return normalizeDocument(raw), nil
}

// normalizeDocument walks a freshly CBOR-decoded map and flattens CBOR's
// uint64/int64 split and []byte-for-text quirks into the plain
// bool/int64/float64/string/[]any/map[string]any shape the rest of the
// engine expects, so decode(encode(v)) == v for every document value.
func normalizeDocument(m map[string]any) types.Document {
	out := make(types.Document, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return normalizeDocument(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = normalizeValue(e)
		}
		return out
	case uint64:
		return int64(vv)
	case uint32:
		return int64(vv)
	case int32:
		return int64(vv)
	case float32:
		return float64(vv)
	default:
		return v
	}
}

// --- Document keys (spec §4.1: "doc:<collection_id>:<_key>") ---

const (
	prefixDoc   byte = 'd'
	prefixIndex byte = 'i'
)

// DocKey builds a document key that preserves lexicographic order of
// key within a collection.
func DocKey(collectionID uint64, key string) []byte {
	buf := make([]byte, 0, 1+8+len(key))
	buf = append(buf, prefixDoc)
	buf = binary.BigEndian.AppendUint64(buf, collectionID)
	buf = append(buf, key...)
	return buf
}

// DocKeyPrefix returns the prefix shared by every document key in a
// collection, for use as a scan range start.
func DocKeyPrefix(collectionID uint64) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, prefixDoc)
	buf = binary.BigEndian.AppendUint64(buf, collectionID)
	return buf
}

// SplitDocKey extracts the document's _key from an encoded document key.
func SplitDocKey(collectionID uint64, encoded []byte) (string, bool) {
	prefix := DocKeyPrefix(collectionID)
	if !bytes.HasPrefix(encoded, prefix) {
		return "", false
	}
	return string(encoded[len(prefix):]), true
}

// --- Index-entry keys (spec §4.1: "idx:<collection_id>:<index_id>:<tuple>:<_key>") ---

// IndexKeyPrefix returns the prefix shared by every entry of one index.
func IndexKeyPrefix(collectionID, indexID uint64) []byte {
	buf := make([]byte, 0, 17)
	buf = append(buf, prefixIndex)
	buf = binary.BigEndian.AppendUint64(buf, collectionID)
	buf = binary.BigEndian.AppendUint64(buf, indexID)
	return buf
}

// IndexTuplePrefix returns the prefix shared by every entry for one
// encoded field tuple, regardless of which document key follows it — the
// bound a range scan or uniqueness check scans against. It must not be
// confused with IndexKeyPrefix, which is shared by the whole index.
func IndexTuplePrefix(collectionID, indexID uint64, tuple []byte) []byte {
	prefix := IndexKeyPrefix(collectionID, indexID)
	buf := make([]byte, 0, len(prefix)+len(tuple))
	buf = append(buf, prefix...)
	buf = append(buf, tuple...)
	return buf
}

// IndexEntryKey builds a full index-entry key: prefix + encoded field
// tuple + document key + a trailing 4-byte document-key length. The
// length marker sits at the END, not ahead of the tuple, so that two
// entries' tuple bytes compare exactly as their logical values do —
// required for ordered/TTL/geo range scans, since a leading length field
// would otherwise interpose differently-valued bytes ahead of the tuple
// whenever two documents' encoded tuples differ in byte length (e.g. two
// different string field values).
func IndexEntryKey(collectionID, indexID uint64, tuple []byte, docKey string) []byte {
	prefix := IndexTuplePrefix(collectionID, indexID, tuple)
	buf := make([]byte, 0, len(prefix)+len(docKey)+4)
	buf = append(buf, prefix...)
	buf = append(buf, docKey...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(docKey)))
	return buf
}

// SplitIndexEntryKey recovers the field-tuple bytes and document key from
// a full index-entry key built by IndexEntryKey.
func SplitIndexEntryKey(collectionID, indexID uint64, encoded []byte) (tuple []byte, docKey string, ok bool) {
	prefix := IndexKeyPrefix(collectionID, indexID)
	if !bytes.HasPrefix(encoded, prefix) {
		return nil, "", false
	}
	rest := encoded[len(prefix):]
	if len(rest) < 4 {
		return nil, "", false
	}
	docKeyLen := int(binary.BigEndian.Uint32(rest[len(rest)-4:]))
	rest = rest[:len(rest)-4]
	if docKeyLen < 0 || docKeyLen > len(rest) {
		return nil, "", false
	}
	split := len(rest) - docKeyLen
	tuple = rest[:split]
	docKey = string(rest[split:])
	return tuple, docKey, true
}

// --- Field-tuple encoding ---

// EncodeOrderedTuple encodes field values so that byte-lexicographic
// order of the result matches the natural order of the value tuple —
// required for ordered/TTL/geo indexes (spec §4.1).
func EncodeOrderedTuple(values []any) []byte {
	var buf bytes.Buffer
	for _, v := range values {
		encodeOrderedValue(&buf, v)
	}
	return buf.Bytes()
}

// Type tags for order-preserving value encoding. The tag byte itself
// orders null < bool < number < string so mixed-type tuples still compare
// consistently, beyond the minimum of within-type ordering.
const (
	tagNull   byte = 0
	tagFalse  byte = 1
	tagTrue   byte = 2
	tagNumber byte = 3
	tagString byte = 4
)

func encodeOrderedValue(buf *bytes.Buffer, v any) {
	switch vv := v.(type) {
	case nil:
		buf.WriteByte(tagNull)
	case bool:
		if vv {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case int64:
		buf.WriteByte(tagNumber)
		writeOrderedFloat(buf, float64(vv))
	case int:
		buf.WriteByte(tagNumber)
		writeOrderedFloat(buf, float64(vv))
	case float64:
		buf.WriteByte(tagNumber)
		writeOrderedFloat(buf, vv)
	case string:
		buf.WriteByte(tagString)
		// 0x00 bytes are escaped as 0x00 0xFF and the value ends with
		// 0x00 0x01, so byte order matches string order and no encoded
		// string is a prefix of another.
		for i := 0; i < len(vv); i++ {
			buf.WriteByte(vv[i])
			if vv[i] == 0 {
				buf.WriteByte(0xFF)
			}
		}
		buf.Write([]byte{0, 1})
	default:
		buf.WriteByte(tagString)
		s := fmt.Sprintf("%v", vv)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf.Write(lenBuf[:])
		buf.WriteString(s)
	}
}

// writeOrderedFloat writes an IEEE-754 float64 such that the unsigned
// big-endian byte order of the result matches float order: flip the sign
// bit for positives, flip all bits for negatives.
func writeOrderedFloat(buf *bytes.Buffer, f float64) {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	buf.Write(b[:])
}

// PrefixEnd returns the smallest byte string greater than every string
// with prefix p, so Scan(cf, p, PrefixEnd(p)) covers exactly that
// prefix's keyspace. A prefix of all 0xFF bytes (or empty) has no finite
// upper bound and returns nil, meaning "scan to the end of the keyspace".
func PrefixEnd(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// HashTuple returns a stable hash-index key for an (unordered) field
// tuple: equal tuples hash identically regardless of insertion order of
// map construction, but the encoding need not preserve value ordering.
func HashTuple(values []any) []byte {
	var buf bytes.Buffer
	for _, v := range values {
		encodeOrderedValue(&buf, v)
		buf.WriteByte(0) // separator
	}
	return buf.Bytes()
}
