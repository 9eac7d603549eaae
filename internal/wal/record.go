package wal

import (
	"github.com/solidb-io/solidb/internal/types"
)

// Kind is a WAL record body kind (spec §4.3/§6).
type Kind byte

const (
	KindBegin Kind = iota + 1
	KindOp
	KindCommit
	KindAbort
	KindCheckpoint
)

// BeginBody opens a transaction's lifecycle in the log.
type BeginBody struct {
	TxID      uint64
	Isolation types.IsolationLevel
	TS        int64 // nanoseconds since epoch
}

// OpBody is one staged operation belonging to TxID.
type OpBody struct {
	TxID uint64
	Op   types.Operation
}

// CommitBody durably finalizes TxID; must be fsynced before the batch's
// effects are applied to the KV backend (spec §4.3).
type CommitBody struct {
	TxID    uint64
	WriteTS int64
}

// AbortBody marks TxID as never taking effect.
type AbortBody struct {
	TxID uint64
}

// CheckpointBody records that every record up to SafeLSN is reflected in
// the KV backend and may be truncated.
type CheckpointBody struct {
	SafeLSN uint64
}

// Record is one decoded WAL entry with its log position.
type Record struct {
	LSN  uint64
	Kind Kind
	Begin      *BeginBody
	Op         *OpBody
	Commit     *CommitBody
	Abort      *AbortBody
	Checkpoint *CheckpointBody
}
