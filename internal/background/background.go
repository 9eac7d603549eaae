// Package background runs the engine's periodic maintenance jobs (spec
// §4.10): TTL reaping, cursor garbage collection, idle-transaction
// sweeping, and WAL checkpointing, fanned out under one cancellable
// errgroup.Group so a fatal error in any one job tears down the rest.
package background

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/solidb-io/solidb/internal/enginelog"
	"github.com/solidb-io/solidb/internal/index"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/query"
	"github.com/solidb-io/solidb/internal/store"
	"github.com/solidb-io/solidb/internal/txn"
	"github.com/solidb-io/solidb/internal/types"
	"github.com/solidb-io/solidb/internal/wal"
)

// Config tunes each job's poll interval. Zero fields fall back to the
// package defaults.
type Config struct {
	TTLInterval        time.Duration
	CursorGCInterval   time.Duration
	SweepInterval      time.Duration
	CheckpointInterval time.Duration
}

const (
	defaultTTLInterval        = 30 * time.Second
	defaultCursorGCInterval   = 15 * time.Second
	defaultSweepInterval      = 10 * time.Second
	defaultCheckpointInterval = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.TTLInterval <= 0 {
		c.TTLInterval = defaultTTLInterval
	}
	if c.CursorGCInterval <= 0 {
		c.CursorGCInterval = defaultCursorGCInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaultCheckpointInterval
	}
	return c
}

// Services bundles everything the maintenance jobs need to reach: the
// document store (and through it, the registry), the backend for direct
// TTL-index scans, the transaction manager, the WAL, and the cursor
// store serving the query layer.
type Services struct {
	Store   *store.Store
	Backend kv.Backend
	Manager *txn.Manager
	Log     *wal.WAL
	Cursors *query.CursorStore
	cfg     Config
}

// New constructs Services with cfg's intervals (or the package defaults
// for any zero field).
func New(st *store.Store, backend kv.Backend, mgr *txn.Manager, log *wal.WAL, cursors *query.CursorStore, cfg Config) *Services {
	return &Services{Store: st, Backend: backend, Manager: mgr, Log: log, Cursors: cursors, cfg: cfg.withDefaults()}
}

// Run starts all four jobs and blocks until ctx is cancelled or one job
// returns a non-nil error, at which point the others are cancelled too.
func (s *Services) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runTTLReaper(ctx) })
	g.Go(func() error { return s.runCursorGC(ctx) })
	g.Go(func() error { return s.runTxnSweeper(ctx) })
	g.Go(func() error { return s.runCheckpointer(ctx) })
	return g.Wait()
}

func (s *Services) runTTLReaper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TTLInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reapExpired()
		}
	}
}

// reapExpired scans every TTL index in every collection for documents
// whose TTL has elapsed and deletes them.
func (s *Services) reapExpired() {
	now := time.Now()
	for _, coll := range s.Store.Registry().AllCollections() {
		for _, def := range s.Store.Registry().IndexesFor(coll.ID) {
			if def.Kind != types.IndexTTL {
				continue
			}
			keys, err := index.Expired(s.Backend, *def, now)
			if err != nil {
				enginelog.Errorf("ttl reaper: scan %s.%s: %v", coll.Name, def.Name, err)
				continue
			}
			dbID, _ := s.Store.Registry().DatabaseIDOf(coll.ID)
			for _, key := range keys {
				if err := s.Store.Delete(context.Background(), nil, dbID, coll.ID, key, 0); err != nil {
					enginelog.Errorf("ttl reaper: delete %s/%s: %v", coll.Name, key, err)
				}
			}
		}
	}
}

func (s *Services) runCursorGC(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CursorGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.Cursors != nil {
				s.Cursors.ReapIdle(time.Now())
			}
		}
	}
}

func (s *Services) runTxnSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Manager.CleanupExpired(time.Now())
		}
	}
}

func (s *Services) runCheckpointer(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			safeLSN := s.Log.LastLSN()
			if safeLSN == 0 {
				continue
			}
			if err := s.Log.Checkpoint(safeLSN); err != nil {
				enginelog.Errorf("checkpointer: %v", err)
			}
		}
	}
}
