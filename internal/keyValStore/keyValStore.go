// Package keyValStore wraps BadgerDB as the durable key-value layer under
// the content store, the structure store and the change feed. All
// multi-entity transactions are composed on *badger.Txn handles obtained
// through Update and View.
package keyValStore

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

type StoreConfig struct {
	Paths            []string // absolute path, at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
}

type KeyValStore struct {
	config       StoreConfig
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	log = config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Paths[0], err)
	}

	err = displayDiskUsage(config.Paths)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &KeyValStore{
		config:   config,
		badgerDB: db,
	}, nil
}

// Update runs fn inside one read-write badger transaction. The engine's
// atomicity guarantees rest on this: every compound operation is a single
// Update call.
func (k *KeyValStore) Update(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(fn)
}

// View runs fn inside one read-only snapshot transaction. Readers proceed
// concurrently with a writer.
func (k *KeyValStore) View(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.readCounter, 1)
	return k.badgerDB.View(fn)
}

func (k *KeyValStore) Close() {
	k.Clean()
	log.WithFields(logrus.Fields{
		"reads":  atomic.LoadUint64(&k.readCounter),
		"writes": atomic.LoadUint64(&k.writeCounter),
	}).Info("closing KeyValStore")
	k.badgerDB.Close()
}

func (k *KeyValStore) Clean() error {
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	} else {
		log.Info("DB Flattened")
	}

	// clean badgerDB
	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil {
		if err != badger.ErrNoRewrite {
			return fmt.Errorf("error cleaning db: %w", err)
		}
	}

	return nil
}

