// Package structstore persists the hierarchy as directed has_child edges,
// never as fields on nodes. It exclusively owns order keys. Every mutating
// operation validates edge uniqueness and acyclicity before writing; a
// violation aborts with a StructuralConflictError and no partial write.
package structstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/trellisdb/trellis/pkg/order"
	"github.com/trellisdb/trellis/pkg/types"
)

const (
	prefixChildren = "edge:p:" // edge:p:<parent>:<child> -> edgeRecord
	prefixParent   = "edge:c:" // edge:c:<child>          -> parent id

	// MaxDepth bounds the ancestor walk of the cycle check and the
	// deepest hierarchy the engine supports.
	MaxDepth = 512
)

type edgeRecord struct {
	Order     float64
	Version   uint64
	CreatedAt time.Time
}

type StructStore struct {
	log *logrus.Logger
}

func NewStructStore(logger *logrus.Logger) *StructStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &StructStore{log: logger}
}

func childrenPrefix(parent string) []byte { return []byte(prefixChildren + parent + ":") }

func edgeKey(parent, child string) []byte { return []byte(prefixChildren + parent + ":" + child) }

func parentKey(child string) []byte { return []byte(prefixParent + child) }

// GetChildren returns the edges below parent ordered ascending by order key.
// Keys of one parent are all distinct, so this is a strict total order.
func (ss *StructStore) GetChildren(txn *badger.Txn, parent string) ([]types.Edge, error) {
	var edges []types.Edge

	opts := badger.DefaultIteratorOptions
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := childrenPrefix(parent)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		child := string(item.Key()[len(prefix):])
		var rec edgeRecord
		err := item.Value(func(v []byte) error {
			return gob.NewDecoder(bytes.NewReader(v)).Decode(&rec)
		})
		if err != nil {
			return nil, fmt.Errorf("decode edge %s->%s: %w", parent, child, err)
		}
		edges = append(edges, types.Edge{
			ParentID:  parent,
			ChildID:   child,
			Order:     rec.Order,
			Version:   rec.Version,
			CreatedAt: rec.CreatedAt,
		})
	}

	sort.Slice(edges, func(i, j int) bool { return edges[i].Order < edges[j].Order })
	return edges, nil
}

// ChildIDs returns just the ordered child identifiers.
func (ss *StructStore) ChildIDs(txn *badger.Txn, parent string) ([]string, error) {
	edges, err := ss.GetChildren(txn, parent)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.ChildID
	}
	return ids, nil
}

// GetParent returns the parent of child, or ok=false for a root.
func (ss *StructStore) GetParent(txn *badger.Txn, child string) (string, bool, error) {
	item, err := txn.Get(parentKey(child))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	parent, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(parent), true, nil
}

// GetEdge returns the edge above child, or ErrNotFound for a root.
func (ss *StructStore) GetEdge(txn *badger.Txn, child string) (types.Edge, error) {
	parent, ok, err := ss.GetParent(txn, child)
	if err != nil {
		return types.Edge{}, err
	}
	if !ok {
		return types.Edge{}, fmt.Errorf("edge above %s: %w", child, types.ErrNotFound)
	}
	item, err := txn.Get(edgeKey(parent, child))
	if err != nil {
		return types.Edge{}, err
	}
	var rec edgeRecord
	err = item.Value(func(v []byte) error {
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&rec)
	})
	if err != nil {
		return types.Edge{}, err
	}
	return types.Edge{
		ParentID:  parent,
		ChildID:   child,
		Order:     rec.Order,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// GetAncestors walks upward from child and returns its ancestors nearest
// first. The walk is bounded by MaxDepth.
func (ss *StructStore) GetAncestors(txn *badger.Txn, child string) ([]string, error) {
	var ancestors []string
	current := child
	for depth := 0; depth < MaxDepth; depth++ {
		parent, ok, err := ss.GetParent(txn, current)
		if err != nil {
			return nil, err
		}
		if !ok {
			return ancestors, nil
		}
		ancestors = append(ancestors, parent)
		current = parent
	}
	return nil, fmt.Errorf("ancestor walk of %s exceeded depth %d", child, MaxDepth)
}

// isAncestorOf reports whether node is candidate itself or one of its
// ancestors. Used as the cycle check before every reparent.
func (ss *StructStore) isAncestorOf(txn *badger.Txn, node, candidate string) (bool, error) {
	if node == candidate {
		return true, nil
	}
	ancestors, err := ss.GetAncestors(txn, candidate)
	if err != nil {
		return false, err
	}
	for _, a := range ancestors {
		if a == node {
			return true, nil
		}
	}
	return false, nil
}

// AddEdge gives child its parent at the given order key. It rejects a
// duplicate (parent, child) pair, a second incoming edge for child, and any
// edge that would close a cycle.
func (ss *StructStore) AddEdge(txn *badger.Txn, parent, child string, orderKey float64) (types.Edge, error) {
	if _, err := txn.Get(edgeKey(parent, child)); err == nil {
		return types.Edge{}, &types.StructuralConflictError{
			Op: "add_edge", NodeID: child,
			Why: fmt.Sprintf("edge %s->%s already exists", parent, child),
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return types.Edge{}, err
	}

	if _, ok, err := ss.GetParent(txn, child); err != nil {
		return types.Edge{}, err
	} else if ok {
		return types.Edge{}, &types.StructuralConflictError{
			Op: "add_edge", NodeID: child,
			Why: fmt.Sprintf("%s already has a parent", child),
		}
	}

	// moving a node under its own descendant would close a cycle
	cyclic, err := ss.isAncestorOf(txn, child, parent)
	if err != nil {
		return types.Edge{}, err
	}
	if cyclic {
		return types.Edge{}, &types.StructuralConflictError{
			Op: "add_edge", NodeID: child,
			Why: fmt.Sprintf("%s is an ancestor of %s", child, parent),
		}
	}

	edge := types.Edge{
		ParentID:  parent,
		ChildID:   child,
		Order:     orderKey,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
	if err := ss.writeEdge(txn, edge); err != nil {
		return types.Edge{}, err
	}
	if err := txn.Set(parentKey(child), []byte(parent)); err != nil {
		return types.Edge{}, err
	}
	return edge, nil
}

// RemoveEdge deletes the (parent, child) edge, returning its last state.
func (ss *StructStore) RemoveEdge(txn *badger.Txn, parent, child string) (types.Edge, error) {
	edge, err := ss.GetEdge(txn, child)
	if err != nil {
		return types.Edge{}, err
	}
	if edge.ParentID != parent {
		return types.Edge{}, fmt.Errorf("edge %s->%s: %w", parent, child, types.ErrNotFound)
	}
	if err := txn.Delete(edgeKey(parent, child)); err != nil {
		return types.Edge{}, err
	}
	if err := txn.Delete(parentKey(child)); err != nil {
		return types.Edge{}, err
	}
	return edge, nil
}

// MoveEdge reparents child under newParent at the given order key, as one
// atomic remove+add. An expectedVersion of the current edge guards against
// concurrent movers: the stale one loses with a VersionConflictError that
// carries the winning edge. expectedVersion 0 skips the check.
func (ss *StructStore) MoveEdge(txn *badger.Txn, child, newParent string, orderKey float64, expectedVersion uint64) (types.Edge, error) {
	current, err := ss.GetEdge(txn, child)
	if err != nil {
		return types.Edge{}, err
	}
	if expectedVersion != 0 && current.Version != expectedVersion {
		cp := current
		return types.Edge{}, &types.VersionConflictError{
			Entity:      types.EntityEdge,
			Expected:    expectedVersion,
			Found:       current.Version,
			CurrentEdge: &cp,
		}
	}

	cyclic, err := ss.isAncestorOf(txn, child, newParent)
	if err != nil {
		return types.Edge{}, err
	}
	if cyclic {
		return types.Edge{}, &types.StructuralConflictError{
			Op: "move_edge", NodeID: child,
			Why: fmt.Sprintf("%s is an ancestor of %s", child, newParent),
		}
	}

	if err := txn.Delete(edgeKey(current.ParentID, child)); err != nil {
		return types.Edge{}, err
	}

	moved := types.Edge{
		ParentID:  newParent,
		ChildID:   child,
		Order:     orderKey,
		Version:   current.Version + 1,
		CreatedAt: current.CreatedAt,
	}
	if err := ss.writeEdge(txn, moved); err != nil {
		return types.Edge{}, err
	}
	if err := txn.Set(parentKey(child), []byte(newParent)); err != nil {
		return types.Edge{}, err
	}
	return moved, nil
}

// Rebalance reassigns the children of parent to evenly spaced integer keys
// 1.0, 2.0, ... in their existing relative order. Parentage never changes.
// When the keys already are that exact layout nothing is written and nil
// edges are returned, so no feed records are emitted for it.
func (ss *StructStore) Rebalance(txn *badger.Txn, parent string) ([]types.Edge, error) {
	edges, err := ss.GetChildren(txn, parent)
	if err != nil {
		return nil, err
	}

	keys := make([]float64, len(edges))
	for i, e := range edges {
		keys[i] = e.Order
	}
	if order.IsSequence(keys) {
		return nil, nil
	}

	target := order.Sequence(len(edges))
	rebalanced := make([]types.Edge, len(edges))
	for i, e := range edges {
		e.Order = target[i]
		e.Version++
		if err := ss.writeEdge(txn, e); err != nil {
			return nil, err
		}
		rebalanced[i] = e
	}

	ss.log.WithFields(logrus.Fields{
		"parent":   parent,
		"children": len(edges),
	}).Debug("rebalanced sibling order keys")
	return rebalanced, nil
}

func (ss *StructStore) writeEdge(txn *badger.Txn, edge types.Edge) error {
	rec := edgeRecord{
		Order:     edge.Order,
		Version:   edge.Version,
		CreatedAt: edge.CreatedAt,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode edge %s->%s: %w", edge.ParentID, edge.ChildID, err)
	}
	return txn.Set(edgeKey(edge.ParentID, edge.ChildID), buf.Bytes())
}
