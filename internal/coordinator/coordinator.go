// Package coordinator executes compound structural operations (create,
// indent, outdent, move, delete-subtree) as atomic transactions spanning the
// content store and the structure store, and appends the resulting change
// records to the feed inside the same transaction.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/trellisdb/trellis/internal/contentstore"
	"github.com/trellisdb/trellis/internal/feed"
	"github.com/trellisdb/trellis/internal/keyValStore"
	"github.com/trellisdb/trellis/internal/structstore"
	"github.com/trellisdb/trellis/pkg/order"
	"github.com/trellisdb/trellis/pkg/types"
)

// maxTxnAttempts bounds retries of a transaction that failed in the storage
// layer. Domain errors (validation, structural, version conflicts) are never
// retried.
const maxTxnAttempts = 3

type Coordinator struct {
	log     *logrus.Logger
	kv      *keyValStore.KeyValStore
	content *contentstore.ContentStore
	structs *structstore.StructStore
	feed    *feed.Feed

	// writerMu is the single-writer transactional executor: all mutating
	// operations serialize here while readers proceed on snapshots.
	writerMu sync.Mutex
}

func NewCoordinator(
	kv *keyValStore.KeyValStore,
	content *contentstore.ContentStore,
	structs *structstore.StructStore,
	fd *feed.Feed,
	logger *logrus.Logger,
) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		log:     logger,
		kv:      kv,
		content: content,
		structs: structs,
		feed:    fd,
	}
}

// CreateOptions parameterizes CreateNode. An empty ID asks the engine to
// generate a ULID. An empty ParentID creates a root node with no edge.
// InsertAfter names the sibling the new node follows; empty means first
// position among the parent's children.
type CreateOptions struct {
	ID          string
	ParentID    string
	InsertAfter string
	NodeType    string
	Content     []byte
}

// MoveOptions parameterizes Move. ExpectedEdgeVersion 0 skips the
// cross-client conflict check. An empty NewParentID detaches the node,
// making it a root.
type MoveOptions struct {
	NodeID              string
	NewParentID         string
	InsertAfter         string
	ExpectedEdgeVersion uint64
}

// rebalanceNeeded aborts an operation's transaction so the coordinator can
// run a rebalance of one parent as its own transaction, then retry.
type rebalanceNeeded struct {
	parent string
}

func (e *rebalanceNeeded) Error() string {
	return fmt.Sprintf("order keys of %q too tight, rebalance required", e.parent)
}

// CreateNode allocates a node, computes its order key from the siblings
// adjacent to InsertAfter, and inserts the node row and its edge row in one
// transaction.
func (c *Coordinator) CreateNode(ctx context.Context, opts CreateOptions) (types.Node, error) {
	if opts.ID == "" {
		opts.ID = ulid.Make().String()
	}
	if !types.ValidID(opts.ID) {
		return types.Node{}, fmt.Errorf("invalid node id %q", opts.ID)
	}

	var created types.Node
	err := c.runTxn(ctx, "create_node", func(txn *badger.Txn) ([]types.ChangeRecord, error) {
		if opts.ParentID != "" {
			ok, err := c.content.Exists(txn, opts.ParentID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("parent %s: %w", opts.ParentID, types.ErrNotFound)
			}
		}

		node, err := c.content.Create(txn, opts.ID, opts.NodeType, opts.Content)
		if err != nil {
			return nil, err
		}
		created = node
		records := []types.ChangeRecord{nodeRecordOf(node, types.ActionCreated)}

		if opts.ParentID != "" {
			key, err := c.insertionKey(txn, opts.ParentID, opts.InsertAfter)
			if err != nil {
				return nil, err
			}
			edge, err := c.structs.AddEdge(txn, opts.ParentID, opts.ID, key)
			if err != nil {
				return nil, err
			}
			records = append(records, edgeRecordOf(edge, types.ActionCreated))
		}
		return records, nil
	})
	if err != nil {
		return types.Node{}, err
	}
	return created, nil
}

// UpdateContent commits a content edit under an optimistic version check.
// Callers may debounce edits before submission; once here, the write commits
// synchronously.
func (c *Coordinator) UpdateContent(ctx context.Context, id string, expectedVersion uint64, content []byte) (types.Node, error) {
	var updated types.Node
	err := c.runTxn(ctx, "update_content", func(txn *badger.Txn) ([]types.ChangeRecord, error) {
		node, err := c.content.Update(txn, id, expectedVersion, content)
		if err != nil {
			return nil, err
		}
		updated = node
		return []types.ChangeRecord{nodeRecordOf(node, types.ActionUpdated)}, nil
	})
	if err != nil {
		return types.Node{}, err
	}
	return updated, nil
}

// Indent makes the node the last child of its immediate previous sibling.
// Having no previous sibling is a reported structural conflict, not fatal.
func (c *Coordinator) Indent(ctx context.Context, id string) error {
	return c.runTxn(ctx, "indent", func(txn *badger.Txn) ([]types.ChangeRecord, error) {
		edge, err := c.structs.GetEdge(txn, id)
		if errors.Is(err, types.ErrNotFound) {
			return nil, &types.StructuralConflictError{Op: "indent", NodeID: id, Why: "node is a root"}
		}
		if err != nil {
			return nil, err
		}

		siblings, err := c.structs.GetChildren(txn, edge.ParentID)
		if err != nil {
			return nil, err
		}
		idx := indexOf(siblings, id)
		if idx <= 0 {
			return nil, &types.StructuralConflictError{Op: "indent", NodeID: id, Why: "no previous sibling"}
		}
		newParent := siblings[idx-1].ChildID

		key, err := c.appendKey(txn, newParent)
		if err != nil {
			return nil, err
		}
		moved, err := c.structs.MoveEdge(txn, id, newParent, key, 0)
		if err != nil {
			return nil, err
		}
		return []types.ChangeRecord{edgeRecordOf(moved, types.ActionUpdated)}, nil
	})
}

// Outdent moves the node up one level, to sit immediately after its former
// parent, and transfers the node's younger siblings (those ordered after it)
// underneath it, preserving their relative order, appended after any
// existing children. One transaction; partial application is never
// observable.
func (c *Coordinator) Outdent(ctx context.Context, id string) error {
	return c.runTxn(ctx, "outdent", func(txn *badger.Txn) ([]types.ChangeRecord, error) {
		edge, err := c.structs.GetEdge(txn, id)
		if errors.Is(err, types.ErrNotFound) {
			return nil, &types.StructuralConflictError{Op: "outdent", NodeID: id, Why: "node is a root"}
		}
		if err != nil {
			return nil, err
		}

		parentEdge, err := c.structs.GetEdge(txn, edge.ParentID)
		if errors.Is(err, types.ErrNotFound) {
			return nil, &types.StructuralConflictError{Op: "outdent", NodeID: id, Why: "parent is a root"}
		}
		if err != nil {
			return nil, err
		}
		grandparent := parentEdge.ParentID

		// position after the former parent among its siblings
		parentSiblings, err := c.structs.GetChildren(txn, grandparent)
		if err != nil {
			return nil, err
		}
		pIdx := indexOf(parentSiblings, edge.ParentID)
		if pIdx < 0 {
			return nil, fmt.Errorf("edge index out of sync: %s not among children of %s", edge.ParentID, grandparent)
		}
		prev := &parentSiblings[pIdx].Order
		var next *float64
		if pIdx+1 < len(parentSiblings) {
			next = &parentSiblings[pIdx+1].Order
		}
		key := order.Between(prev, next)
		if order.TooTight(prev, next, key) {
			return nil, &rebalanceNeeded{parent: grandparent}
		}

		// younger siblings transfer below the outdented node
		siblings, err := c.structs.GetChildren(txn, edge.ParentID)
		if err != nil {
			return nil, err
		}
		var younger []types.Edge
		for _, s := range siblings {
			if s.Order > edge.Order {
				younger = append(younger, s)
			}
		}

		base := 0.0
		ownChildren, err := c.structs.GetChildren(txn, id)
		if err != nil {
			return nil, err
		}
		if len(ownChildren) > 0 {
			base = ownChildren[len(ownChildren)-1].Order
		}

		moved, err := c.structs.MoveEdge(txn, id, grandparent, key, 0)
		if err != nil {
			return nil, err
		}
		records := []types.ChangeRecord{edgeRecordOf(moved, types.ActionUpdated)}

		for i, s := range younger {
			reparented, err := c.structs.MoveEdge(txn, s.ChildID, id, base+order.Step*float64(i+1), 0)
			if err != nil {
				return nil, err
			}
			records = append(records, edgeRecordOf(reparented, types.ActionUpdated))
		}
		return records, nil
	})
}

// Move is the general reparent. Cycles are rejected; a stale
// ExpectedEdgeVersion loses with a VersionConflictError carrying the winning
// edge.
func (c *Coordinator) Move(ctx context.Context, opts MoveOptions) error {
	return c.runTxn(ctx, "move", func(txn *badger.Txn) ([]types.ChangeRecord, error) {
		if opts.NewParentID == "" {
			edge, err := c.structs.GetEdge(txn, opts.NodeID)
			if err != nil {
				return nil, err
			}
			if opts.ExpectedEdgeVersion != 0 && edge.Version != opts.ExpectedEdgeVersion {
				cp := edge
				return nil, &types.VersionConflictError{
					Entity:      types.EntityEdge,
					Expected:    opts.ExpectedEdgeVersion,
					Found:       edge.Version,
					CurrentEdge: &cp,
				}
			}
			removed, err := c.structs.RemoveEdge(txn, edge.ParentID, opts.NodeID)
			if err != nil {
				return nil, err
			}
			return []types.ChangeRecord{edgeRecordOf(removed, types.ActionDeleted)}, nil
		}

		ok, err := c.content.Exists(txn, opts.NewParentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("parent %s: %w", opts.NewParentID, types.ErrNotFound)
		}

		key, err := c.insertionKey(txn, opts.NewParentID, opts.InsertAfter)
		if err != nil {
			return nil, err
		}
		moved, err := c.structs.MoveEdge(txn, opts.NodeID, opts.NewParentID, key, opts.ExpectedEdgeVersion)
		if err != nil {
			return nil, err
		}
		return []types.ChangeRecord{edgeRecordOf(moved, types.ActionUpdated)}, nil
	})
}

// DeleteSubtree removes the node, every descendant node, and all edges among
// them, in one transaction. Records are emitted deepest-first so consumers
// never see a child outliving its subtree root.
func (c *Coordinator) DeleteSubtree(ctx context.Context, id string) error {
	return c.runTxn(ctx, "delete_subtree", func(txn *badger.Txn) ([]types.ChangeRecord, error) {
		ok, err := c.content.Exists(txn, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("node %s: %w", id, types.ErrNotFound)
		}

		// breadth-first expansion, then delete in reverse
		nodes := []string{id}
		for cursor := 0; cursor < len(nodes); cursor++ {
			children, err := c.structs.ChildIDs(txn, nodes[cursor])
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, children...)
		}

		var records []types.ChangeRecord
		for i := len(nodes) - 1; i >= 0; i-- {
			nodeID := nodes[i]
			if parent, hasParent, err := c.structs.GetParent(txn, nodeID); err != nil {
				return nil, err
			} else if hasParent {
				removed, err := c.structs.RemoveEdge(txn, parent, nodeID)
				if err != nil {
					return nil, err
				}
				records = append(records, edgeRecordOf(removed, types.ActionDeleted))
			}
			deleted, err := c.content.Delete(txn, nodeID)
			if err != nil {
				return nil, err
			}
			rec := nodeRecordOf(deleted, types.ActionDeleted)
			rec.Content = nil
			records = append(records, rec)
		}
		return records, nil
	})
}

// Rebalance reassigns one parent's child order keys to evenly spaced
// integers, as its own transaction. A parent whose keys already are the
// integer sequence is a no-op and emits nothing.
func (c *Coordinator) Rebalance(ctx context.Context, parent string) error {
	return c.runTxn(ctx, "rebalance", func(txn *badger.Txn) ([]types.ChangeRecord, error) {
		rebalanced, err := c.structs.Rebalance(txn, parent)
		if err != nil {
			return nil, err
		}
		records := make([]types.ChangeRecord, len(rebalanced))
		for i, e := range rebalanced {
			records[i] = edgeRecordOf(e, types.ActionUpdated)
		}
		return records, nil
	})
}

// runTxn serializes the mutation, runs fn inside one read-write transaction,
// appends fn's records to the feed in that same transaction, and publishes
// them to live subscribers after commit. Storage-level failures are retried
// a bounded number of times; a rebalanceNeeded abort triggers the rebalance
// and retries the operation.
func (c *Coordinator) runTxn(ctx context.Context, op string, fn func(txn *badger.Txn) ([]types.ChangeRecord, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	var lastErr error
	rebalances := 0
	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		var committed []types.ChangeRecord
		err := c.kv.Update(func(txn *badger.Txn) error {
			committed = nil
			records, err := fn(txn)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return nil
			}
			stamped, err := c.feed.Append(txn, records)
			if err != nil {
				return err
			}
			committed = stamped
			return nil
		})
		if err == nil {
			if len(committed) > 0 {
				c.feed.Publish(committed)
			}
			return nil
		}

		var rb *rebalanceNeeded
		if errors.As(err, &rb) && rebalances < 2 {
			rebalances++
			if err := c.rebalanceLocked(rb.parent); err != nil {
				return err
			}
			attempt-- // a rebalance abort does not consume a retry
			continue
		}

		if isDomainError(err) {
			return err
		}

		lastErr = err
		c.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
		}).Warnf("transaction failed, retrying: %v", err)
	}
	return &types.TransactionFailure{Op: op, Attempts: maxTxnAttempts, Err: lastErr}
}

// rebalanceLocked runs the rebalance transaction for one parent. Caller
// holds writerMu.
func (c *Coordinator) rebalanceLocked(parent string) error {
	var committed []types.ChangeRecord
	err := c.kv.Update(func(txn *badger.Txn) error {
		committed = nil
		rebalanced, err := c.structs.Rebalance(txn, parent)
		if err != nil {
			return err
		}
		if len(rebalanced) == 0 {
			return nil
		}
		records := make([]types.ChangeRecord, len(rebalanced))
		for i, e := range rebalanced {
			records[i] = edgeRecordOf(e, types.ActionUpdated)
		}
		committed, err = c.feed.Append(txn, records)
		return err
	})
	if err != nil {
		return fmt.Errorf("rebalance %s: %w", parent, err)
	}
	if len(committed) > 0 {
		c.feed.Publish(committed)
	}
	return nil
}

// insertionKey computes the order key for a new position among parent's
// children, following InsertAfter (empty means before the first child).
func (c *Coordinator) insertionKey(txn *badger.Txn, parent, insertAfter string) (float64, error) {
	siblings, err := c.structs.GetChildren(txn, parent)
	if err != nil {
		return 0, err
	}

	var prev, next *float64
	if insertAfter == "" {
		if len(siblings) > 0 {
			next = &siblings[0].Order
		}
	} else {
		idx := indexOf(siblings, insertAfter)
		if idx < 0 {
			return 0, &types.StructuralConflictError{
				Op: "insert", NodeID: insertAfter,
				Why: fmt.Sprintf("not a child of %s", parent),
			}
		}
		prev = &siblings[idx].Order
		if idx+1 < len(siblings) {
			next = &siblings[idx+1].Order
		}
	}

	key := order.Between(prev, next)
	if order.TooTight(prev, next, key) {
		return 0, &rebalanceNeeded{parent: parent}
	}
	return key, nil
}

// appendKey computes the order key for the position after parent's last
// child.
func (c *Coordinator) appendKey(txn *badger.Txn, parent string) (float64, error) {
	siblings, err := c.structs.GetChildren(txn, parent)
	if err != nil {
		return 0, err
	}
	var prev *float64
	if len(siblings) > 0 {
		prev = &siblings[len(siblings)-1].Order
	}
	return order.Between(prev, nil), nil
}

func indexOf(edges []types.Edge, child string) int {
	for i, e := range edges {
		if e.ChildID == child {
			return i
		}
	}
	return -1
}

func isDomainError(err error) bool {
	var ve *types.ValidationError
	var se *types.StructuralConflictError
	var ce *types.VersionConflictError
	return errors.As(err, &ve) || errors.As(err, &se) || errors.As(err, &ce) || errors.Is(err, types.ErrNotFound)
}

func nodeRecordOf(node types.Node, action types.Action) types.ChangeRecord {
	return types.ChangeRecord{
		Entity:   types.EntityNode,
		Action:   action,
		NodeID:   node.ID,
		NodeType: node.NodeType,
		Version:  node.Version,
		Content:  node.Content,
	}
}

func edgeRecordOf(edge types.Edge, action types.Action) types.ChangeRecord {
	return types.ChangeRecord{
		Entity:   types.EntityEdge,
		Action:   action,
		ParentID: edge.ParentID,
		ChildID:  edge.ChildID,
		Order:    edge.Order,
		Version:  edge.Version,
	}
}
