package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encodeRecord lays out one frame per spec §6:
// [len:u32 BE][crc32:u32][kind:u8][body]
// where len is the length of (kind + body) and crc32 covers the same bytes.
func encodeRecord(kind Kind, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := cbor.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("wal: encode body: %w", err)
		}
		payload = b
	}

	kindAndBody := make([]byte, 1+len(payload))
	kindAndBody[0] = byte(kind)
	copy(kindAndBody[1:], payload)

	crc := crc32.ChecksumIEEE(kindAndBody)

	out := make([]byte, 4+4+len(kindAndBody))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(kindAndBody)))
	binary.BigEndian.PutUint32(out[4:8], crc)
	copy(out[8:], kindAndBody)
	return out, nil
}

// readFrame reads one frame from r, returning the kind, the raw body
// bytes, and ok=false (with no error) for a torn or CRC-mismatched frame
// at end of stream — the caller decides whether that is acceptable
// (true end of log) or a corruption (mid-stream).
func readFrame(r io.Reader) (kind Kind, body []byte, ok bool, err error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.EOF {
			return 0, nil, false, nil
		}
		return 0, nil, false, nil // short read at EOF boundary: torn header
	}
	length := binary.BigEndian.Uint32(head[0:4])
	wantCRC := binary.BigEndian.Uint32(head[4:8])

	if length == 0 || length > 64<<20 {
		return 0, nil, false, nil
	}

	kindAndBody := make([]byte, length)
	if _, err := io.ReadFull(r, kindAndBody); err != nil {
		return 0, nil, false, nil // torn tail record
	}

	gotCRC := crc32.ChecksumIEEE(kindAndBody)
	if gotCRC != wantCRC {
		return 0, nil, false, nil
	}

	return Kind(kindAndBody[0]), kindAndBody[1:], true, nil
}

func decodeBody(kind Kind, body []byte) (*Record, error) {
	rec := &Record{Kind: kind}
	switch kind {
	case KindBegin:
		var b BeginBody
		if err := cbor.Unmarshal(body, &b); err != nil {
			return nil, err
		}
		rec.Begin = &b
	case KindOp:
		var b OpBody
		if err := cbor.Unmarshal(body, &b); err != nil {
			return nil, err
		}
		rec.Op = &b
	case KindCommit:
		var b CommitBody
		if err := cbor.Unmarshal(body, &b); err != nil {
			return nil, err
		}
		rec.Commit = &b
	case KindAbort:
		var b AbortBody
		if err := cbor.Unmarshal(body, &b); err != nil {
			return nil, err
		}
		rec.Abort = &b
	case KindCheckpoint:
		var b CheckpointBody
		if err := cbor.Unmarshal(body, &b); err != nil {
			return nil, err
		}
		rec.Checkpoint = &b
	default:
		return nil, fmt.Errorf("wal: unknown record kind %d", kind)
	}
	return rec, nil
}

// scanSegment decodes every well-formed frame in data in order. If
// allowTornTail is true, a torn/CRC-bad frame with no bytes after it, or a
// frame whose body fails to decode, is treated as the effective end of the
// log (no error). Any other frame that fails to parse, including a CRC-bad
// frame followed by more bytes, is a CorruptLog condition signalled via
// corrupt=true.
func scanSegment(data []byte, allowTornTail bool) (records []Record, corrupt bool, err error) {
	r := bytes.NewReader(data)
	for {
		startPos := len(data) - r.Len()
		kind, body, ok, ferr := readFrame(r)
		if ferr != nil {
			return records, false, ferr
		}
		if !ok {
			if startPos == len(data) || (allowTornTail && r.Len() == 0) {
				return records, false, nil
			}
			return records, true, nil
		}
		dec, derr := decodeBody(kind, body)
		if derr != nil {
			if allowTornTail {
				return records, false, nil
			}
			return records, true, nil
		}
		records = append(records, *dec)
		if r.Len() == 0 {
			break
		}
	}
	return records, false, nil
}
