// Package contentstore persists node records: content, type tag and version.
// It holds no structural information; parentage and ordering live in the
// structure store. All methods operate on a caller-supplied *badger.Txn so
// the coordinator can compose them into one atomic transaction.
package contentstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/trellisdb/trellis/internal/chunker"
	"github.com/trellisdb/trellis/pkg/types"
)

const (
	prefixNode  = "node:r:"
	prefixChunk = "node:c:"

	// payloads above compressThreshold are xz-compressed at rest
	compressThreshold = 4 << 10
	// payloads above chunkSize are split into chunkSize pieces stored
	// under their own keys, keeping single values small for badger
	chunkSize = 256 << 10
)

// nodeRecord is the durable shape of a node. Content is either inline or
// split into ChunkCount chunk rows under prefixChunk.
type nodeRecord struct {
	ID            string
	NodeType      string
	Version       uint64
	SchemaVersion int
	CreatedAt     time.Time
	ModifiedAt    time.Time
	Compressed    bool
	ChunkCount    int
	Inline        []byte
}

type ContentStore struct {
	log           *logrus.Logger
	validate      types.ValidateFunc
	schemaVersion int
}

// NewContentStore wires the schema collaborator in explicitly: the validate
// predicate and the current schema version are construction-time
// dependencies, never ambient state.
func NewContentStore(logger *logrus.Logger, validate types.ValidateFunc, schemaVersion int) *ContentStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &ContentStore{
		log:           logger,
		validate:      validate,
		schemaVersion: schemaVersion,
	}
}

func nodeKey(id string) []byte { return []byte(prefixNode + id) }

func chunkKey(id string, n int) []byte {
	return []byte(fmt.Sprintf("%s%s:%06d", prefixChunk, id, n))
}

// Create writes a brand new node at version 1. The schema collaborator is
// consulted before anything is written.
func (cs *ContentStore) Create(txn *badger.Txn, id, nodeType string, content []byte) (types.Node, error) {
	if !types.ValidID(id) {
		return types.Node{}, fmt.Errorf("invalid node id %q", id)
	}
	if _, err := txn.Get(nodeKey(id)); err == nil {
		return types.Node{}, fmt.Errorf("node %s already exists", id)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return types.Node{}, err
	}

	if cs.validate != nil {
		if err := cs.validate(nodeType, content); err != nil {
			return types.Node{}, &types.ValidationError{NodeType: nodeType, Reason: err}
		}
	}

	now := time.Now().UTC()
	rec := nodeRecord{
		ID:            id,
		NodeType:      nodeType,
		Version:       1,
		SchemaVersion: cs.schemaVersion,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	if err := cs.writeContent(txn, &rec, content, 0); err != nil {
		return types.Node{}, err
	}
	return rec.toNode(content), nil
}

// Update replaces a node's content under an optimistic version check. A
// stale expectedVersion yields a VersionConflictError carrying the winning
// state, so the caller can re-derive its intent.
func (cs *ContentStore) Update(txn *badger.Txn, id string, expectedVersion uint64, content []byte) (types.Node, error) {
	rec, err := cs.getRecord(txn, id)
	if err != nil {
		return types.Node{}, err
	}

	if rec.Version != expectedVersion {
		current, err := cs.Get(txn, id)
		if err != nil {
			return types.Node{}, err
		}
		return types.Node{}, &types.VersionConflictError{
			Entity:      types.EntityNode,
			Expected:    expectedVersion,
			Found:       rec.Version,
			CurrentNode: &current,
		}
	}

	if cs.validate != nil {
		if err := cs.validate(rec.NodeType, content); err != nil {
			return types.Node{}, &types.ValidationError{NodeType: rec.NodeType, Reason: err}
		}
	}

	oldChunks := rec.ChunkCount
	rec.Version++
	rec.SchemaVersion = cs.schemaVersion
	rec.ModifiedAt = time.Now().UTC()
	if err := cs.writeContent(txn, &rec, content, oldChunks); err != nil {
		return types.Node{}, err
	}
	return rec.toNode(content), nil
}

// Get reads one node, reassembling and decompressing chunked content.
func (cs *ContentStore) Get(txn *badger.Txn, id string) (types.Node, error) {
	rec, err := cs.getRecord(txn, id)
	if err != nil {
		return types.Node{}, err
	}

	payload := rec.Inline
	if rec.ChunkCount > 0 {
		var buf bytes.Buffer
		for n := 0; n < rec.ChunkCount; n++ {
			item, err := txn.Get(chunkKey(id, n))
			if err != nil {
				return types.Node{}, fmt.Errorf("read chunk %d of node %s: %w", n, id, err)
			}
			if err := item.Value(func(v []byte) error {
				buf.Write(v)
				return nil
			}); err != nil {
				return types.Node{}, err
			}
		}
		payload = buf.Bytes()
	}

	if rec.Compressed {
		r, err := xz.NewReader(bytes.NewReader(payload))
		if err != nil {
			return types.Node{}, fmt.Errorf("decompress node %s: %w", id, err)
		}
		payload, err = io.ReadAll(r)
		if err != nil {
			return types.Node{}, fmt.Errorf("decompress node %s: %w", id, err)
		}
	}

	return rec.toNode(payload), nil
}

// Exists reports whether a node record is present.
func (cs *ContentStore) Exists(txn *badger.Txn, id string) (bool, error) {
	_, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete hard-deletes a node record and its chunk rows. Deleting the edges
// that referenced the node is the structure store's job, in the same
// transaction.
func (cs *ContentStore) Delete(txn *badger.Txn, id string) (types.Node, error) {
	node, err := cs.Get(txn, id)
	if err != nil {
		return types.Node{}, err
	}
	rec, err := cs.getRecord(txn, id)
	if err != nil {
		return types.Node{}, err
	}
	for n := 0; n < rec.ChunkCount; n++ {
		if err := txn.Delete(chunkKey(id, n)); err != nil {
			return types.Node{}, err
		}
	}
	if err := txn.Delete(nodeKey(id)); err != nil {
		return types.Node{}, err
	}
	return node, nil
}

func (cs *ContentStore) getRecord(txn *badger.Txn, id string) (nodeRecord, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nodeRecord{}, fmt.Errorf("node %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nodeRecord{}, err
	}

	var rec nodeRecord
	err = item.Value(func(v []byte) error {
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&rec)
	})
	if err != nil {
		return nodeRecord{}, fmt.Errorf("decode node %s: %w", id, err)
	}
	return rec, nil
}

// writeContent stores the payload (compressed and chunked above the
// thresholds) and the record row, dropping chunk rows left over from a
// previous, larger payload.
func (cs *ContentStore) writeContent(txn *badger.Txn, rec *nodeRecord, content []byte, oldChunks int) error {
	payload := content
	rec.Compressed = false
	if len(content) > compressThreshold {
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return fmt.Errorf("compress node %s: %w", rec.ID, err)
		}
		if _, err := w.Write(content); err != nil {
			return fmt.Errorf("compress node %s: %w", rec.ID, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("compress node %s: %w", rec.ID, err)
		}
		payload = buf.Bytes()
		rec.Compressed = true
	}

	rec.Inline = nil
	rec.ChunkCount = 0
	if len(payload) > chunkSize {
		ch := chunker.NewChunker(bytes.NewReader(payload), chunkSize)
		for {
			part, err := ch.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("chunk node %s: %w", rec.ID, err)
			}
			if err := txn.Set(chunkKey(rec.ID, rec.ChunkCount), part); err != nil {
				return err
			}
			rec.ChunkCount++
		}
	} else {
		rec.Inline = payload
	}

	for n := rec.ChunkCount; n < oldChunks; n++ {
		if err := txn.Delete(chunkKey(rec.ID, n)); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode node %s: %w", rec.ID, err)
	}
	return txn.Set(nodeKey(rec.ID), buf.Bytes())
}

func (rec nodeRecord) toNode(content []byte) types.Node {
	return types.Node{
		ID:            rec.ID,
		Content:       content,
		NodeType:      rec.NodeType,
		Version:       rec.Version,
		SchemaVersion: rec.SchemaVersion,
		CreatedAt:     rec.CreatedAt,
		ModifiedAt:    rec.ModifiedAt,
	}
}
