package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/types"
)

func TestAppendAndReplayAppliesOnlyCommitted(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, nil)
	require.NoError(t, err)

	_, err = w.Append(KindBegin, BeginBody{TxID: 1, Isolation: types.ReadCommitted, TS: 100}, false)
	require.NoError(t, err)
	_, err = w.Append(KindOp, OpBody{TxID: 1, Op: types.Operation{Kind: types.OpInsert, Key: "k1"}}, false)
	require.NoError(t, err)
	_, err = w.Append(KindCommit, CommitBody{TxID: 1, WriteTS: 101}, true)
	require.NoError(t, err)

	_, err = w.Append(KindBegin, BeginBody{TxID: 2, Isolation: types.ReadCommitted, TS: 200}, false)
	require.NoError(t, err)
	_, err = w.Append(KindOp, OpBody{TxID: 2, Op: types.Operation{Kind: types.OpInsert, Key: "k2"}}, false)
	require.NoError(t, err)
	_, err = w.Append(KindAbort, AbortBody{TxID: 2}, true)
	require.NoError(t, err)

	// tx 3 has an op but never reaches a terminal record: simulates a
	// crash mid-transaction.
	_, err = w.Append(KindBegin, BeginBody{TxID: 3, Isolation: types.ReadCommitted, TS: 300}, false)
	require.NoError(t, err)
	_, err = w.Append(KindOp, OpBody{TxID: 3, Op: types.Operation{Kind: types.OpInsert, Key: "k3"}}, false)
	require.NoError(t, err)

	require.NoError(t, w.Close())

	var applied []string
	w2, err := Open(dir, func(r Record) error {
		applied = append(applied, r.Op.Op.Key)
		return nil
	})
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, []string{"k1"}, applied)
}

func TestTornTailRecordIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = w.Append(KindBegin, BeginBody{TxID: 1, Isolation: types.ReadCommitted, TS: 1}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Corrupt the tail by truncating the last few bytes, simulating a
	// crash mid-write.
	segments, err := listSegments(filepath.Join(dir, "wal"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	path := segmentPath(filepath.Join(dir, "wal"), segments[0])
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	applyCount := 0
	w2, err := Open(dir, func(Record) error { applyCount++; return nil })
	require.NoError(t, err, "torn tail record should be discarded, not surfaced as CorruptLog")
	defer w2.Close()
	assert.Equal(t, 0, applyCount)
}

func TestMidStreamCorruptionFailsOpen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = w.Append(KindBegin, BeginBody{TxID: 1, Isolation: types.ReadCommitted, TS: 1}, false)
	require.NoError(t, err)
	_, err = w.Append(KindCommit, CommitBody{TxID: 1, WriteTS: 2}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segments, err := listSegments(filepath.Join(dir, "wal"))
	require.NoError(t, err)
	path := segmentPath(filepath.Join(dir, "wal"), segments[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the first record's body (after the 8-byte
	// header) so its CRC fails while more records still follow.
	data[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(dir, func(Record) error { return nil })
	require.Error(t, err)
}

func TestCheckpointTruncatesOldSegments(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = w.Append(KindBegin, BeginBody{TxID: 1, Isolation: types.ReadCommitted, TS: 1}, true)
	require.NoError(t, err)

	require.NoError(t, w.rotateLocked())
	_, err = w.Append(KindBegin, BeginBody{TxID: 2, Isolation: types.ReadCommitted, TS: 2}, true)
	require.NoError(t, err)

	require.NoError(t, w.Checkpoint(1))

	segments, err := listSegments(filepath.Join(dir, "wal"))
	require.NoError(t, err)
	assert.Len(t, segments, 1, "checkpoint should remove the fully-superseded first segment")
}
