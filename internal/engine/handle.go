package engine

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/query"
	"github.com/solidb-io/solidb/internal/store"
	"github.com/solidb-io/solidb/internal/types"
	"github.com/solidb-io/solidb/internal/wire"
)

// Handle implements wire.Handler, dispatching one decoded Command to
// the store/txn/query layer and encoding the result back into a
// Response. Every branch follows the same shape: decode args, run the
// operation, wrap the outcome.
func (e *Engine) Handle(ctx context.Context, cmd *wire.Command) *wire.Response {
	resp, err := e.handle(ctx, cmd)
	if err != nil {
		return e.errorResponse(cmd.ID, err)
	}
	return resp
}

func (e *Engine) errorResponse(id string, err error) *wire.Response {
	kind := engerr.Of(err)
	resp, encErr := wire.NewResponse(id, wire.RespError, wire.ErrorBody{
		Kind:    kind.String(),
		Message: err.Error(),
	})
	if encErr != nil {
		resp = &wire.Response{ID: id, Kind: wire.RespError}
	}
	return resp
}

func (e *Engine) ok(id string, data any, count *int64, txID *uint64) (*wire.Response, error) {
	return wire.NewResponse(id, wire.RespOk, wire.OkBody{Data: data, Count: count, TxID: txID})
}

func countOf(n int) *int64 {
	v := int64(n)
	return &v
}

func (e *Engine) handle(ctx context.Context, cmd *wire.Command) (*wire.Response, error) {
	switch cmd.Kind {
	case wire.CmdPing:
		return wire.NewResponse(cmd.ID, wire.RespPong, wire.PongBody{TimestampUnixNano: time.Now().UnixNano()})

	case wire.CmdAuth:
		// Checks the supplied credential against the seeded _users row.
		// Session/permission enforcement beyond this single check is an
		// external layer's concern (spec §1 Non-goals).
		var args wire.AuthArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		if err := e.authenticate(args.Username, args.Password); err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, true, nil, nil)

	case wire.CmdListDatabases:
		dbs := e.Registry.AllDatabases()
		names := make([]string, 0, len(dbs))
		for _, db := range dbs {
			names = append(names, db.Name)
		}
		return e.ok(cmd.ID, names, countOf(len(names)), nil)

	case wire.CmdCreateDatabase:
		var args wire.CreateDatabaseArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.Registry.CreateDatabase(args.Name)
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, db, nil, nil)

	case wire.CmdDeleteDatabase:
		var args wire.DeleteDatabaseArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		if err := e.Store.DropDatabase(args.Name); err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, true, nil, nil)

	case wire.CmdListCollections:
		var args wire.ListCollectionsArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		colls := e.Registry.CollectionsInDatabase(db.ID)
		names := make([]string, 0, len(colls))
		for _, c := range colls {
			names = append(names, c.Name)
		}
		return e.ok(cmd.ID, names, countOf(len(names)), nil)

	case wire.CmdCreateCollection:
		var args wire.CreateCollectionArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.Registry.CreateCollection(db.ID, args.Name, args.Kind, args.Schema)
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, coll, nil, nil)

	case wire.CmdDeleteCollection:
		var args wire.DeleteCollectionArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		if err := e.Store.DropCollection(db.ID, args.Collection); err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, true, nil, nil)

	case wire.CmdCollectionStats:
		var args wire.CollectionStatsArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		docs, err := e.Store.Scan(coll.ID, "", 0)
		if err != nil {
			return nil, err
		}
		indexes := e.Registry.IndexesFor(coll.ID)
		return e.ok(cmd.ID, map[string]any{
			"document_count": len(docs),
			"index_count":    len(indexes),
			"kind":           coll.Kind,
		}, nil, nil)

	case wire.CmdGet:
		var args wire.GetArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		tx, err := e.transaction(args.TxID)
		if err != nil {
			return nil, err
		}
		doc, err := e.Store.Get(ctx, tx, coll.ID, args.Key)
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, doc, nil, nil)

	case wire.CmdInsert:
		var args wire.InsertArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		tx, err := e.transaction(args.TxID)
		if err != nil {
			return nil, err
		}
		doc, err := e.Store.Insert(ctx, tx, db.ID, coll.ID, types.Document(args.Doc))
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, doc, nil, nil)

	case wire.CmdUpdate:
		var args wire.UpdateArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		tx, err := e.transaction(args.TxID)
		if err != nil {
			return nil, err
		}
		doc, err := e.Store.Update(ctx, tx, db.ID, coll.ID, args.Key, types.Document(args.Patch), args.Merge, args.ExpectRev)
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, doc, nil, nil)

	case wire.CmdDelete:
		var args wire.DeleteArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		tx, err := e.transaction(args.TxID)
		if err != nil {
			return nil, err
		}
		if err := e.Store.Delete(ctx, tx, db.ID, coll.ID, args.Key, args.ExpectRev); err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, true, nil, nil)

	case wire.CmdList:
		var args wire.ListArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		docs, err := e.Store.Scan(coll.ID, args.StartKey, args.Limit)
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, docs, countOf(len(docs)), nil)

	case wire.CmdQuery:
		var args wire.QueryArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		q, err := query.Parse(args.Query)
		if err != nil {
			return nil, err
		}
		tx, err := e.transaction(args.TxID)
		if err != nil {
			return nil, err
		}
		ex := query.NewExecutor(e.Store, db.ID)
		rows, err := ex.Run(ctx, tx, q, args.Binds)
		if err != nil {
			return nil, err
		}
		if args.BatchSize > 0 {
			cursor := e.Cursors.Open(rows)
			return e.ok(cmd.ID, map[string]any{"cursor_id": cursor.ID}, countOf(len(rows)), nil)
		}
		return e.ok(cmd.ID, rows, countOf(len(rows)), nil)

	case wire.CmdExplain:
		var args wire.ExplainArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		q, err := query.Parse(args.Query)
		if err != nil {
			return nil, err
		}
		ex := query.NewExecutor(e.Store, db.ID)
		plan, err := ex.Explain(q)
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, plan, nil, nil)

	case wire.CmdCreateIndex:
		var args wire.CreateIndexArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		def, err := e.Store.CreateIndex(db.ID, coll.ID, args.Def)
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, def, nil, nil)

	case wire.CmdDeleteIndex:
		var args wire.DeleteIndexArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		if err := e.Store.DropIndex(coll.ID, args.Name); err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, true, nil, nil)

	case wire.CmdListIndexes:
		var args wire.ListIndexesArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		defs := e.Registry.IndexesFor(coll.ID)
		return e.ok(cmd.ID, defs, countOf(len(defs)), nil)

	case wire.CmdBeginTransaction:
		var args wire.BeginTransactionArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		tx, err := e.beginTx(args.Isolation)
		if err != nil {
			return nil, err
		}
		txID := tx.ID
		return e.ok(cmd.ID, nil, nil, &txID)

	case wire.CmdCommit:
		var args wire.CommitArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		if _, err := e.transaction(args.TxID); err != nil {
			return nil, err
		}
		if err := e.Txns.Commit(args.TxID); err != nil {
			return nil, err
		}
		e.forgetTx(args.TxID)
		return e.ok(cmd.ID, true, nil, nil)

	case wire.CmdRollback:
		var args wire.RollbackArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		if _, err := e.transaction(args.TxID); err != nil {
			return nil, err
		}
		if err := e.Txns.Rollback(args.TxID); err != nil {
			return nil, err
		}
		e.forgetTx(args.TxID)
		return e.ok(cmd.ID, true, nil, nil)

	case wire.CmdTransactionCommand:
		var args wire.TransactionCommandArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		if args.Inner == nil {
			return nil, engerr.New(engerr.KindParse, "transaction_command: missing inner command")
		}
		args.Inner.ID = cmd.ID
		return e.handle(ctx, args.Inner)

	case wire.CmdBatch:
		var args wire.BatchArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		responses := make([]*wire.Response, 0, len(args.Commands))
		for _, inner := range args.Commands {
			r, err := e.handle(ctx, inner)
			if err != nil {
				r = e.errorResponse(inner.ID, err)
			}
			responses = append(responses, r)
		}
		return wire.NewResponse(cmd.ID, wire.RespBatch, wire.BatchBody{Responses: responses})

	case wire.CmdBulkInsert:
		var args wire.BulkInsertArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		tx, err := e.beginTx(types.ReadCommitted)
		if err != nil {
			return nil, err
		}
		inserted := 0
		for _, doc := range args.Docs {
			if _, err := e.Store.Insert(ctx, tx, db.ID, coll.ID, types.Document(doc)); err != nil {
				e.Txns.Rollback(tx.ID)
				e.forgetTx(tx.ID)
				return nil, err
			}
			inserted++
		}
		if err := e.Txns.Commit(tx.ID); err != nil {
			e.forgetTx(tx.ID)
			return nil, err
		}
		e.forgetTx(tx.ID)
		return e.ok(cmd.ID, true, countOf(inserted), nil)

	case wire.CmdBlobPut:
		var args wire.BlobPutArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		tx, err := e.transaction(args.TxID)
		if err != nil {
			return nil, err
		}
		manifest, err := e.Store.BlobPut(ctx, tx, db.ID, coll.ID, args.Key, args.Data)
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, manifest, nil, nil)

	case wire.CmdBlobGet:
		var args wire.BlobGetArgs
		if err := cmd.Decode(&args); err != nil {
			return nil, err
		}
		db, err := e.resolveDatabase(args.Database)
		if err != nil {
			return nil, err
		}
		coll, err := e.resolveCollection(db.ID, args.Collection)
		if err != nil {
			return nil, err
		}
		tx, err := e.transaction(args.TxID)
		if err != nil {
			return nil, err
		}
		data, err := e.Store.BlobGet(ctx, tx, coll.ID, args.Key)
		if err != nil {
			return nil, err
		}
		return e.ok(cmd.ID, data, nil, nil)

	default:
		return nil, engerr.New(engerr.KindParse, "unknown command kind %d", cmd.Kind)
	}
}

// authenticate checks username/password against the _system/_users
// collection seeded by Engine.seedAdmin. It reports the same
// KindUnauthorized error whether the user does not exist or the
// password does not match, so a failure never discloses which.
func (e *Engine) authenticate(username, password string) error {
	sysDB, ok := e.Registry.DatabaseByName(store.SystemDatabase)
	if !ok {
		return engerr.New(engerr.KindUnauthorized, "invalid credentials")
	}
	users, ok := e.Registry.CollectionByName(sysDB.ID, "_users")
	if !ok {
		return engerr.New(engerr.KindUnauthorized, "invalid credentials")
	}
	rows, err := e.Store.Scan(users.ID, "", 0)
	if err != nil {
		return engerr.New(engerr.KindUnauthorized, "invalid credentials")
	}
	for _, row := range rows {
		name, _ := row["username"].(string)
		if name != username {
			continue
		}
		hash, _ := row["password_hash"].(string)
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			return engerr.New(engerr.KindUnauthorized, "invalid credentials")
		}
		return nil
	}
	return engerr.New(engerr.KindUnauthorized, "invalid credentials")
}
