// Package engine wires the storage, transaction, query, and background
// layers into the single orchestrator the wire server and CLI both sit
// on top of (spec §3 "Engine").
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/solidb-io/solidb/internal/background"
	"github.com/solidb-io/solidb/internal/columnar"
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/kv/bboltkv"
	"github.com/solidb-io/solidb/internal/query"
	"github.com/solidb-io/solidb/internal/store"
	"github.com/solidb-io/solidb/internal/txn"
	"github.com/solidb-io/solidb/internal/types"
	"github.com/solidb-io/solidb/internal/wal"
)

// engineVersion is written to meta.json when the data directory is first
// initialized; an existing meta.json is not read back or compared.
const engineVersion = "1"

// Config configures one Engine instance.
type Config struct {
	// DataDir is the root data directory (spec §6 layout: kv/, wal/,
	// meta.json).
	DataDir string
	// AdminPassword seeds an initial admin credential in _system/_users
	// on first startup (SOLIDB_ADMIN_PASSWORD, spec §6). Empty means no
	// seed row is written. Seeding and the credential check of the Auth
	// command are the only auth-adjacent behavior this engine performs;
	// commands are not gated on a prior Auth, and authorization/RBAC is
	// out of scope and left to an external layer (spec §2, §1 Non-goals).
	AdminPassword string
	Background    background.Config
}

type metaFile struct {
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

// Engine bundles every layer a single solidb server instance needs.
type Engine struct {
	DataDir  string
	Backend  kv.Backend
	Registry *store.Registry
	Store    *store.Store
	WAL      *wal.WAL
	Txns     *txn.Manager
	Columnar *columnar.Catalog
	Cursors  *query.CursorStore

	bg       *background.Services
	bgCancel context.CancelFunc
	bgDone   chan error

	txMu sync.Mutex
	tx   map[uint64]*txn.Transaction
}

// Open loads (or initializes) the data directory at cfg.DataDir and
// returns a ready-to-serve Engine.
func Open(cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, engerr.New(engerr.KindInternal, "engine: empty data dir")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}
	if err := ensureMeta(cfg.DataDir); err != nil {
		return nil, err
	}

	backend := bboltkv.New()
	kvDir := filepath.Join(cfg.DataDir, "kv")
	if err := os.MkdirAll(kvDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create kv dir: %w", err)
	}
	if err := backend.Open(kvDir); err != nil {
		return nil, fmt.Errorf("engine: open backend: %w", err)
	}

	registry, err := store.OpenRegistry(backend)
	if err != nil {
		return nil, fmt.Errorf("engine: open registry: %w", err)
	}
	st := store.New(backend, registry)

	log, err := wal.Open(cfg.DataDir, replayApply(backend, st))
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	mgr := txn.NewManager(backend, log, st)
	st.SetManager(mgr)

	columnarCatalog, err := columnar.OpenCatalog(backend)
	if err != nil {
		return nil, fmt.Errorf("engine: open columnar catalog: %w", err)
	}

	cursors := query.NewCursorStore()
	bg := background.New(st, backend, mgr, log, cursors, cfg.Background)

	e := &Engine{
		DataDir:  cfg.DataDir,
		Backend:  backend,
		Registry: registry,
		Store:    st,
		WAL:      log,
		Txns:     mgr,
		Columnar: columnarCatalog,
		Cursors:  cursors,
		bg:       bg,
		tx:       make(map[uint64]*txn.Transaction),
	}

	if cfg.AdminPassword != "" {
		if err := e.seedAdmin(cfg.AdminPassword); err != nil {
			return nil, fmt.Errorf("engine: seed admin user: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.bgCancel = cancel
	e.bgDone = make(chan error, 1)
	go func() { e.bgDone <- bg.Run(ctx) }()

	return e, nil
}

// seedAdmin writes a bcrypt-hashed admin credential into _system/_users
// the first time the collection is empty, so a freshly initialized data
// directory always has one usable login. Re-running Open with the same
// AdminPassword after a user already exists is a no-op, not a reset.
func (e *Engine) seedAdmin(password string) error {
	sysDB, ok := e.Registry.DatabaseByName(store.SystemDatabase)
	if !ok {
		return engerr.New(engerr.KindInternal, "_system database missing")
	}
	users, ok := e.Registry.CollectionByName(sysDB.ID, "_users")
	if !ok {
		return engerr.New(engerr.KindInternal, "_users collection missing")
	}
	existing, err := e.Store.Scan(users.ID, "", 1)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	_, err = e.Store.Insert(context.Background(), nil, sysDB.ID, users.ID, types.Document{
		"username":      "admin",
		"password_hash": string(hash),
	})
	return err
}

// replayApply turns one committed WAL op record into a materialized KV
// batch at startup — the same Materialize contract txn.Manager uses for
// live commits, applied one record at a time during crash recovery.
func replayApply(backend kv.Backend, st *store.Store) func(wal.Record) error {
	return func(rec wal.Record) error {
		if rec.Kind != wal.KindOp || rec.Op == nil {
			return nil
		}
		batch := backend.NewBatch()
		if err := st.Materialize(batch, []types.Operation{rec.Op.Op}); err != nil {
			return err
		}
		return backend.Write(batch)
	}
}

func ensureMeta(dataDir string) error {
	path := filepath.Join(dataDir, "meta.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	meta := metaFile{Version: engineVersion}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("engine: encode meta.json: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("engine: write meta.json: %w", err)
	}
	return nil
}

// Close stops background maintenance and flushes/closes every layer in
// reverse dependency order.
func (e *Engine) Close() error {
	if e.bgCancel != nil {
		e.bgCancel()
		<-e.bgDone
	}
	if err := e.WAL.Close(); err != nil {
		return err
	}
	return e.Backend.Close()
}

// beginTx records a new transaction under its ID so subsequent commands
// bearing the same tx_id can resolve it without exposing Manager's
// internal lookup.
func (e *Engine) beginTx(iso types.IsolationLevel) (*txn.Transaction, error) {
	tx, err := e.Txns.Begin(iso)
	if err != nil {
		return nil, err
	}
	e.txMu.Lock()
	e.tx[tx.ID] = tx
	e.txMu.Unlock()
	return tx, nil
}

// transaction resolves a wire-supplied tx_id, 0 meaning "no transaction:
// run autocommit". A non-zero ID with no matching active transaction is
// a caller error reported as KindNotActive.
func (e *Engine) transaction(txID uint64) (*txn.Transaction, error) {
	if txID == 0 {
		return nil, nil
	}
	e.txMu.Lock()
	tx, ok := e.tx[txID]
	e.txMu.Unlock()
	if !ok {
		return nil, engerr.New(engerr.KindNotActive, "tx %d is not active", txID)
	}
	return tx, nil
}

func (e *Engine) forgetTx(txID uint64) {
	e.txMu.Lock()
	delete(e.tx, txID)
	e.txMu.Unlock()
}

// resolveDatabase looks up a database by name, surfacing KindNotFound
// rather than the registry's boolean miss.
func (e *Engine) resolveDatabase(name string) (*types.DatabaseDef, error) {
	db, ok := e.Registry.DatabaseByName(name)
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "database %q not found", name)
	}
	return db, nil
}

func (e *Engine) resolveCollection(dbID uint64, name string) (*types.CollectionDef, error) {
	coll, ok := e.Registry.CollectionByName(dbID, name)
	if !ok {
		return nil, engerr.New(engerr.KindNotFound, "collection %q not found", name)
	}
	return coll, nil
}
