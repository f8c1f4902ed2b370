// Package feed is the append-only, strictly ordered log of committed
// mutations. Records are persisted inside the committing transaction, so the
// log and the stores can never disagree, and fanned out to any number of
// independent subscribers afterwards. Delivery is at-least-once: a
// subscriber attaching at the commit/publish seam may see a record twice,
// never zero times.
package feed

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/trellisdb/trellis/internal/keyValStore"
	"github.com/trellisdb/trellis/pkg/types"
)

const (
	prefixRecord = "feed:r:"
	seqKey       = "feed:seq"

	// DefaultSubscriberBuffer is the per-subscriber channel capacity. A
	// subscriber that stays this far behind is dropped rather than allowed
	// to block commits; it can re-attach with replay from its last seq.
	DefaultSubscriberBuffer = 1024
)

type subscriber struct {
	id uint64
	ch chan types.ChangeRecord
}

type Feed struct {
	log *logrus.Logger
	kv  *keyValStore.KeyValStore

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

func NewFeed(kv *keyValStore.KeyValStore, logger *logrus.Logger) *Feed {
	if logger == nil {
		logger = logrus.New()
	}
	return &Feed{
		log:  logger,
		kv:   kv,
		subs: make(map[uint64]*subscriber),
	}
}

func recordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRecord, seq))
}

// Append stamps commit-ordered sequence numbers onto records and persists
// them, all inside the caller's transaction. If the transaction aborts, the
// records vanish with it.
func (f *Feed) Append(txn *badger.Txn, records []types.ChangeRecord) ([]types.ChangeRecord, error) {
	seq, err := readSeq(txn)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stamped := make([]types.ChangeRecord, len(records))
	for i, rec := range records {
		seq++
		rec.Seq = seq
		rec.CommittedAt = now
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return nil, fmt.Errorf("encode feed record %d: %w", seq, err)
		}
		if err := txn.Set(recordKey(seq), buf.Bytes()); err != nil {
			return nil, err
		}
		stamped[i] = rec
	}

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	if err := txn.Set([]byte(seqKey), seqBuf[:]); err != nil {
		return nil, err
	}
	return stamped, nil
}

// Publish fans committed records out to live subscribers. Call it only after
// the transaction that carried Append has committed.
func (f *Feed) Publish(records []types.ChangeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		if droppedAt, ok := trySend(sub.ch, records); !ok {
			f.log.WithFields(logrus.Fields{
				"subscriber": sub.id,
				"dropped_at": droppedAt,
			}).Warn("subscriber too slow, dropping it")
			delete(f.subs, sub.id)
			close(sub.ch)
		}
	}
}

// trySend delivers records without blocking. On a full channel it stops and
// reports the seq it could not deliver.
func trySend(ch chan<- types.ChangeRecord, records []types.ChangeRecord) (uint64, bool) {
	for _, rec := range records {
		select {
		case ch <- rec:
		default:
			return rec.Seq, false
		}
	}
	return 0, true
}

// ReadFrom returns all persisted records with Seq >= fromSeq, in sequence
// order. Replaying from N yields exactly the records a live subscriber saw.
func (f *Feed) ReadFrom(fromSeq uint64) ([]types.ChangeRecord, error) {
	var records []types.ChangeRecord
	err := f.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRecord)
		for it.Seek(recordKey(fromSeq)); it.ValidForPrefix(prefix); it.Next() {
			var rec types.ChangeRecord
			err := it.Item().Value(func(v []byte) error {
				return gob.NewDecoder(bytes.NewReader(v)).Decode(&rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LastSeq returns the sequence number of the most recently committed record.
func (f *Feed) LastSeq() (uint64, error) {
	var seq uint64
	err := f.kv.View(func(txn *badger.Txn) error {
		var err error
		seq, err = readSeq(txn)
		return err
	})
	return seq, err
}

// Subscribe returns a channel of records starting at fromSeq: persisted
// records are replayed first, then live records follow, with no record of
// the seam lost. The channel closes when ctx is cancelled, the feed closes,
// or the subscriber falls too far behind.
func (f *Feed) Subscribe(ctx context.Context, fromSeq uint64) (<-chan types.ChangeRecord, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("feed is closed")
	}

	// Snapshot the replay and register the live channel under one lock
	// hold, so nothing committed after the snapshot can bypass the live
	// channel.
	replay, err := f.ReadFrom(fromSeq)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}

	f.nextID++
	sub := &subscriber{
		id: f.nextID,
		ch: make(chan types.ChangeRecord, DefaultSubscriberBuffer),
	}
	f.subs[sub.id] = sub
	f.mu.Unlock()

	out := make(chan types.ChangeRecord)
	go func() {
		defer close(out)
		defer f.unsubscribe(sub.id)

		for _, rec := range replay {
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case rec, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *Feed) unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(sub.ch)
	}
}

// Close detaches all subscribers. Records stay persisted for replay.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
}

func readSeq(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(seqKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt feed sequence value of length %d", len(v))
		}
		seq = binary.BigEndian.Uint64(v)
		return nil
	})
	return seq, err
}
