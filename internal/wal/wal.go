// Package wal implements the engine's write-ahead log (spec §4.3): an
// append-only sequence of segment files under <data-dir>/wal, replayed
// forward on startup to re-establish durable transaction outcomes before
// the KV backend is trusted.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/solidb-io/solidb/internal/engerr"
)

const segmentFileExt = ".wal"

// maxSegmentBytes bounds how large one segment file grows before the
// writer rotates to a new one; keeps Checkpoint's truncation granular.
const maxSegmentBytes = 64 << 20

// WAL is the append-only durable log. All writes go through Append,
// serialized by mu — "single-writer append point" per spec §5.
type WAL struct {
	mu         sync.Mutex
	dir        string
	file       *os.File
	segmentID  uint64
	segmentLen int64
	nextLSN    uint64
}

// Open scans dir for existing segments, replays every committed
// transaction's effects via apply, and leaves the WAL ready to append.
//
// apply is called once per Op record, in ascending LSN order, of every
// transaction that has a Commit record and no Abort record (aborted and
// in-flight-at-crash transactions are skipped, per spec §4.3).
func Open(dataDir string, apply func(Record) error) (*WAL, error) {
	dir := filepath.Join(dataDir, "wal")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create %s: %w", dir, err)
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{dir: dir}

	var allRecords []Record
	for i, segID := range segments {
		path := segmentPath(dir, segID)
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, fmt.Errorf("wal: read segment %d: %w", segID, rerr)
		}
		isLast := i == len(segments)-1
		records, corrupt, serr := scanSegment(data, isLast)
		if serr != nil {
			return nil, fmt.Errorf("wal: scan segment %d: %w", segID, serr)
		}
		if corrupt {
			return nil, engerr.New(engerr.KindCorruptLog, "segment %d contains a non-tail record that failed CRC", segID)
		}
		allRecords = append(allRecords, records...)
	}

	for i := range allRecords {
		allRecords[i].LSN = uint64(i + 1)
	}
	if len(allRecords) > 0 {
		w.nextLSN = allRecords[len(allRecords)-1].LSN + 1
	} else {
		w.nextLSN = 1
	}

	if apply != nil {
		if err := replayCommitted(allRecords, apply); err != nil {
			return nil, err
		}
	}

	if len(segments) == 0 {
		segments = []uint64{1}
	}
	lastSeg := segments[len(segments)-1]
	f, err := os.OpenFile(segmentPath(dir, lastSeg), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %d for append: %w", lastSeg, err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	w.file = f
	w.segmentID = lastSeg
	w.segmentLen = info.Size()

	return w, nil
}

// replayCommitted applies, in LSN order, the Op records of every
// transaction whose WAL history ends in Commit. Transactions ending in
// Abort, or with no terminal record at all (in-flight at crash), are
// skipped entirely (spec §4.3, testable property 3: replay idempotence).
func replayCommitted(records []Record, apply func(Record) error) error {
	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)
	for _, r := range records {
		switch r.Kind {
		case KindCommit:
			committed[r.Commit.TxID] = true
		case KindAbort:
			aborted[r.Abort.TxID] = true
		}
	}
	for _, r := range records {
		if r.Kind != KindOp {
			continue
		}
		txID := r.Op.TxID
		if !committed[txID] || aborted[txID] {
			continue
		}
		if err := apply(r); err != nil {
			return fmt.Errorf("wal: replay tx %d: %w", txID, err)
		}
	}
	return nil
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentFileExt) {
			continue
		}
		idStr := strings.TrimSuffix(e.Name(), segmentFileExt)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", id, segmentFileExt))
}

// Append writes one record and, if fsync is true, durably flushes it
// before returning. Commit records must be appended with fsync=true
// (spec §4.3: "the Commit record...is fsynced before its effects become
// visible").
func (w *WAL) Append(kind Kind, body any, fsync bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame, err := encodeRecord(kind, body)
	if err != nil {
		return 0, err
	}

	if w.segmentLen+int64(len(frame)) > maxSegmentBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(frame)
	if err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	w.segmentLen += int64(n)

	if fsync {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: fsync: %w", err)
		}
	}

	lsn := w.nextLSN
	w.nextLSN++
	return lsn, nil
}

// LastLSN returns the most recently assigned LSN, or 0 if nothing has
// been appended yet. A periodic checkpointer uses this as the safe point
// to checkpoint up to.
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextLSN == 0 {
		return 0
	}
	return w.nextLSN - 1
}

func (w *WAL) rotateLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync before rotate: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate: %w", err)
	}
	w.segmentID++
	f, err := os.OpenFile(segmentPath(w.dir, w.segmentID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create new segment: %w", err)
	}
	w.file = f
	w.segmentLen = 0
	return nil
}

// Checkpoint appends a fsynced Checkpoint record for safeLSN, then
// deletes every segment file before the active one. safeLSN is only
// written into the record; the deleted segments' LSNs are not compared
// against it.
func (w *WAL) Checkpoint(safeLSN uint64) error {
	if _, err := w.Append(KindCheckpoint, CheckpointBody{SafeLSN: safeLSN}, true); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	// Only non-active segments are removed; the active segment holds the
	// checkpoint record appended above.
	for _, segID := range segments {
		if segID >= w.segmentID {
			continue
		}
		_ = os.Remove(segmentPath(w.dir, segID))
	}
	return nil
}

// Close flushes and closes the active segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
