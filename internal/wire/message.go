package wire

import (
	"io"

	"github.com/solidb-io/solidb/internal/types"
)

// CommandKind tags a Command's Body as one of a fixed set of tagged
// records. Several sibling operations (ListCollections vs
// CreateCollection) get their own kind rather than folding into one
// combined "Collections" verb, since each has an independent argument
// shape.
type CommandKind uint16

const (
	CmdAuth CommandKind = iota + 1
	CmdPing
	CmdListDatabases
	CmdCreateDatabase
	CmdDeleteDatabase
	CmdListCollections
	CmdCreateCollection
	CmdDeleteCollection
	CmdCollectionStats
	CmdGet
	CmdInsert
	CmdUpdate
	CmdDelete
	CmdList
	CmdQuery
	CmdExplain
	CmdCreateIndex
	CmdDeleteIndex
	CmdListIndexes
	CmdBeginTransaction
	CmdCommit
	CmdRollback
	CmdTransactionCommand
	CmdBatch
	CmdBulkInsert
	CmdBlobPut
	CmdBlobGet
)

// ResponseKind tags a Response's Body.
type ResponseKind uint16

const (
	RespOk ResponseKind = iota + 1
	RespError
	RespPong
	RespBatch
)

// Command is one request frame: a correlation ID, a tag, and an
// opaque CBOR-encoded argument struct matching that tag.
type Command struct {
	ID   string
	Kind CommandKind
	Body []byte
}

// Response is one reply frame, correlated to its Command by ID.
type Response struct {
	ID   string
	Kind ResponseKind
	Body []byte
}

// NewCommand encodes args into a Command of the given kind.
func NewCommand(id string, kind CommandKind, args any) (*Command, error) {
	body, err := marshal(args)
	if err != nil {
		return nil, err
	}
	return &Command{ID: id, Kind: kind, Body: body}, nil
}

// Decode unmarshals a Command's Body into args (a pointer to the struct
// matching its Kind).
func (c *Command) Decode(args any) error {
	return unmarshal(c.Body, args)
}

// NewResponse encodes body into a Response of the given kind.
func NewResponse(id string, kind ResponseKind, body any) (*Response, error) {
	b, err := marshal(body)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Kind: kind, Body: b}, nil
}

// Decode unmarshals a Response's Body into v.
func (r *Response) Decode(v any) error {
	return unmarshal(r.Body, v)
}

// SendCommand frames and writes c.
func SendCommand(w io.Writer, c *Command) error {
	b, err := marshal(c)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReceiveCommand reads and decodes one Command frame.
func ReceiveCommand(r io.Reader) (*Command, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var c Command
	if err := unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SendResponse frames and writes r.
func SendResponse(w io.Writer, r *Response) error {
	b, err := marshal(r)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReceiveResponse reads and decodes one Response frame.
func ReceiveResponse(r io.Reader) (*Response, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := unmarshal(b, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ErrorBody is RespError's body: a stable kind tag (engerr.Kind.String())
// plus a free-form message (spec §7 — never includes secrets).
type ErrorBody struct {
	Kind    string
	Message string
}

// OkBody is RespOk's body. Count and TxID are nil when not meaningful
// for the command that produced them (e.g. Get has no Count).
type OkBody struct {
	Data  any
	Count *int64
	TxID  *uint64
}

// PongBody is RespPong's body.
type PongBody struct {
	TimestampUnixNano int64
}

// BatchBody is RespBatch's body. Ordering matches the originating
// BatchArgs.Commands; individual entries may independently be RespError.
type BatchBody struct {
	Responses []*Response
}

// AuthArgs carries credentials checked against the _system/_users
// collection. The server does not require an Auth before other commands.
type AuthArgs struct {
	Username string
	Password string
}

// PingArgs carries no fields; PingArgs{} round-trips through CBOR as an
// empty map.
type PingArgs struct{}

type ListDatabasesArgs struct{}

type CreateDatabaseArgs struct {
	Name string
}

type DeleteDatabaseArgs struct {
	Name string
}

type ListCollectionsArgs struct {
	Database string
}

type CreateCollectionArgs struct {
	Database string
	Name     string
	Kind     types.CollectionKind
	Schema   []byte
}

type DeleteCollectionArgs struct {
	Database   string
	Collection string
}

type CollectionStatsArgs struct {
	Database   string
	Collection string
}

type GetArgs struct {
	Database   string
	Collection string
	Key        string
	TxID       uint64
}

type InsertArgs struct {
	Database   string
	Collection string
	Doc        map[string]any
	TxID       uint64
}

type UpdateArgs struct {
	Database   string
	Collection string
	Key        string
	Patch      map[string]any
	Merge      bool
	ExpectRev  int64
	TxID       uint64
}

type DeleteArgs struct {
	Database   string
	Collection string
	Key        string
	ExpectRev  int64
	TxID       uint64
}

type ListArgs struct {
	Database   string
	Collection string
	StartKey   string
	Limit      int
}

type QueryArgs struct {
	Database  string
	Query     string
	Binds     map[string]any
	BatchSize int
	TxID      uint64
}

type ExplainArgs struct {
	Database string
	Query    string
}

type CreateIndexArgs struct {
	Database   string
	Collection string
	Def        types.IndexDef
}

type DeleteIndexArgs struct {
	Database   string
	Collection string
	Name       string
}

type ListIndexesArgs struct {
	Database   string
	Collection string
}

type BeginTransactionArgs struct {
	Isolation types.IsolationLevel
}

type CommitArgs struct {
	TxID uint64
}

type RollbackArgs struct {
	TxID uint64
}

// TransactionCommandArgs wraps another command (spec §4.9). The handler
// runs Inner as it is: TxID is not applied to Inner, so Inner runs under
// the transaction named by its own arguments, if any.
type TransactionCommandArgs struct {
	TxID  uint64
	Inner *Command
}

// BatchArgs runs Commands in order, preserving per-entry success/failure
// independence (spec §4.9).
type BatchArgs struct {
	Commands []*Command
}

// BulkInsertArgs batches many inserts into a single transaction — a
// supplemented feature beyond the base Insert command, trading per-row
// round trips for one commit.
type BulkInsertArgs struct {
	Database   string
	Collection string
	Docs       []map[string]any
}

// BlobPutArgs uploads a payload to a blob collection (spec §3), chunked
// and reassembled by store.Store.BlobPut. Key == "" mints a new one.
type BlobPutArgs struct {
	Database   string
	Collection string
	Key        string
	Data       []byte
	TxID       uint64
}

// BlobGetArgs fetches and reassembles a blob collection's payload.
type BlobGetArgs struct {
	Database   string
	Collection string
	Key        string
	TxID       uint64
}
