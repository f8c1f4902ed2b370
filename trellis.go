// Package trellis is a hierarchical document storage engine: it persists a
// tree of content nodes, tracks parent/child structure independently of
// content, and propagates committed mutations to any number of subscribers
// through a replayable change feed. The Coordinator operation set exposed
// here is the only legal way to mutate structure; direct edge writes are
// never exposed.
package trellis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/trellisdb/trellis/internal/contentstore"
	"github.com/trellisdb/trellis/internal/coordinator"
	"github.com/trellisdb/trellis/internal/feed"
	"github.com/trellisdb/trellis/internal/keyValStore"
	"github.com/trellisdb/trellis/internal/structstore"
	"github.com/trellisdb/trellis/pkg/types"
)

var (
	ErrNotStarted = errors.New("trellis: database not started")
	ErrClosed     = errors.New("trellis: database closed")
)

// Config configures a DB instance.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is a free-space threshold checked at startup.
	MinimumFreeGB int
	// Logger is an optional structured logger. If nil, a default is used.
	Logger *logrus.Logger
	// SchemaVersion is the current schema version from the node-type
	// collaborator, passed in explicitly so the engine stays testable in
	// isolation.
	SchemaVersion int
	// Validate is the schema collaborator predicate consulted before any
	// content write commits. Nil accepts everything.
	Validate types.ValidateFunc
}

// DB is the engine handle. It owns the KV store and the lifecycle of the
// stores, the feed and the coordinator.
type DB struct {
	log    *logrus.Logger
	config Config

	kv      *keyValStore.KeyValStore
	content *contentstore.ContentStore
	structs *structstore.StructStore
	feed    *feed.Feed
	coord   *coordinator.Coordinator

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a handle without heavy I/O. Call Start to open the store.
func New(conf Config) (*DB, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	return &DB{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start opens the KV store and wires the engine. Safe to call multiple
// times; only the first call has effect.
func (db *DB) Start(ctx context.Context) error {
	var startErr error
	db.startOnce.Do(func() {
		dataRoot := db.config.Paths[0]
		kvPath := filepath.Join(dataRoot, "kv")
		if err := os.MkdirAll(kvPath, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", kvPath, err)
			return
		}

		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Paths:            []string{kvPath},
			MinimumFreeSpace: db.config.MinimumFreeGB,
			Logger:           db.log,
		})
		if err != nil {
			startErr = fmt.Errorf("error creating KeyValStore: %w", err)
			return
		}

		db.kv = kv
		db.content = contentstore.NewContentStore(db.log, db.config.Validate, db.config.SchemaVersion)
		db.structs = structstore.NewStructStore(db.log)
		db.feed = feed.NewFeed(kv, db.log)
		db.coord = coordinator.NewCoordinator(kv, db.content, db.structs, db.feed, db.log)

		db.started.Store(true)
		db.log.WithField("path", dataRoot).Info("trellis started")
	})
	return startErr
}

// Run starts the engine, blocks until ctx is cancelled, then shuts down.
// It is a convenience for services.
func (db *DB) Run(ctx context.Context) error {
	if err := db.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return db.Close()
}

// Close detaches subscribers and releases the store. Idempotent.
func (db *DB) Close() error {
	var closeErr error
	db.closeOnce.Do(func() {
		db.started.Store(false)
		if db.feed != nil {
			db.feed.Close()
		}
		if db.kv != nil {
			db.kv.Close()
		}
		db.log.Info("trellis closed")
	})
	return closeErr
}

func (db *DB) ready() error {
	if !db.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// CreateNode allocates a node under a parent, positioned after the given
// sibling. See coordinator.CreateOptions for the empty-field conventions.
func (db *DB) CreateNode(ctx context.Context, opts coordinator.CreateOptions) (types.Node, error) {
	if err := db.ready(); err != nil {
		return types.Node{}, err
	}
	return db.coord.CreateNode(ctx, opts)
}

// UpdateContent commits a content edit under an optimistic version check.
func (db *DB) UpdateContent(ctx context.Context, id string, expectedVersion uint64, content []byte) (types.Node, error) {
	if err := db.ready(); err != nil {
		return types.Node{}, err
	}
	return db.coord.UpdateContent(ctx, id, expectedVersion, content)
}

// Indent makes the node the last child of its previous sibling.
func (db *DB) Indent(ctx context.Context, id string) error {
	if err := db.ready(); err != nil {
		return err
	}
	return db.coord.Indent(ctx, id)
}

// Outdent moves the node after its former parent and transfers its younger
// siblings underneath it.
func (db *DB) Outdent(ctx context.Context, id string) error {
	if err := db.ready(); err != nil {
		return err
	}
	return db.coord.Outdent(ctx, id)
}

// Move reparents a node. Cycles are rejected.
func (db *DB) Move(ctx context.Context, opts coordinator.MoveOptions) error {
	if err := db.ready(); err != nil {
		return err
	}
	return db.coord.Move(ctx, opts)
}

// DeleteSubtree removes a node and all its descendants transactionally.
func (db *DB) DeleteSubtree(ctx context.Context, id string) error {
	if err := db.ready(); err != nil {
		return err
	}
	return db.coord.DeleteSubtree(ctx, id)
}

// GetNode reads one node.
func (db *DB) GetNode(ctx context.Context, id string) (types.Node, error) {
	if err := db.ready(); err != nil {
		return types.Node{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.Node{}, err
	}
	var node types.Node
	err := db.kv.View(func(txn *badger.Txn) error {
		var err error
		node, err = db.content.Get(txn, id)
		return err
	})
	return node, err
}

// GetChildren returns the ordered edges below a parent.
func (db *DB) GetChildren(ctx context.Context, parent string) ([]types.Edge, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var edges []types.Edge
	err := db.kv.View(func(txn *badger.Txn) error {
		var err error
		edges, err = db.structs.GetChildren(txn, parent)
		return err
	})
	return edges, err
}

// GetParent returns the parent of a node, ok=false for roots.
func (db *DB) GetParent(ctx context.Context, child string) (string, bool, error) {
	if err := db.ready(); err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var parent string
	var ok bool
	err := db.kv.View(func(txn *badger.Txn) error {
		var err error
		parent, ok, err = db.structs.GetParent(txn, child)
		return err
	})
	return parent, ok, err
}

// GetAncestors returns the ancestors of a node, nearest first.
func (db *DB) GetAncestors(ctx context.Context, child string) ([]string, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ancestors []string
	err := db.kv.View(func(txn *badger.Txn) error {
		var err error
		ancestors, err = db.structs.GetAncestors(txn, child)
		return err
	})
	return ancestors, err
}

// Subscribe returns a stream of change records starting at fromSeq:
// persisted records replay first, live records follow. Automation and
// interactive consumers observe the one same feed.
func (db *DB) Subscribe(ctx context.Context, fromSeq uint64) (<-chan types.ChangeRecord, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	return db.feed.Subscribe(ctx, fromSeq)
}

// LastSeq returns the sequence number of the latest committed change.
func (db *DB) LastSeq() (uint64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	return db.feed.LastSeq()
}
