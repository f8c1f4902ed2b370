// Package types holds the data model shared by the trellis storage engine
// and its clients: nodes, edges, change feed records and the error taxonomy.
package types

import (
	"strings"
	"time"
)

// Node is a content-bearing entity. A Node's existence is independent of its
// position in any hierarchy; deleting every edge that references it does not
// delete the Node.
type Node struct {
	ID            string // opaque identifier, caller-supplied or ULID-generated
	Content       []byte // opaque payload, never inspected by the engine
	NodeType      string // opaque tag, used only by the schema collaborator
	Version       uint64 // increments on every committed content write
	SchemaVersion int    // schema version the content was validated against
	CreatedAt     time.Time
	ModifiedAt    time.Time
}

// Edge states that parent has child at a position. Ordering among the
// children of one parent is solely ascending comparison of Order keys.
type Edge struct {
	ParentID  string
	ChildID   string
	Order     float64 // fractional order key, owned by the structure store
	Version   uint64  // increments on every committed move/reorder
	CreatedAt time.Time
}

// EntityKind discriminates what a ChangeRecord describes.
type EntityKind string

const (
	EntityNode EntityKind = "node"
	EntityEdge EntityKind = "edge"
)

// Action discriminates how the entity changed.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// ChangeRecord is one entry of the change feed. It describes exactly what
// changed in one committed transaction, never a full-tree diff. Records are
// delivered at-least-once; consumers treat a record whose Version they have
// already applied as a no-op.
type ChangeRecord struct {
	Seq         uint64 // commit-ordered sequence number, assigned by the feed
	Entity      EntityKind
	Action      Action
	NodeID      string  // set for node records
	ParentID    string  // set for edge records
	ChildID     string  // set for edge records
	Order       float64 // edge order key after the change
	Version     uint64  // entity version after the change
	NodeType    string  // node type, for node records
	Content     []byte  // node content after the change, nil on delete
	CommittedAt time.Time
}

// EntityKey identifies the entity a record touches, for per-entity
// reconciliation bookkeeping. A child has at most one incoming edge, so the
// child ID alone identifies an edge entity.
func (r ChangeRecord) EntityKey() string {
	if r.Entity == EntityEdge {
		return "edge/" + r.ChildID
	}
	return "node/" + r.NodeID
}

// ValidateFunc is the schema collaborator predicate. It is consulted before
// any content write commits; a non-nil error aborts the transaction.
type ValidateFunc func(nodeType string, content []byte) error

// ValidID reports whether id is usable as a node identifier. The key
// encoding reserves ':' as a separator, and empty IDs are meaningless.
func ValidID(id string) bool {
	return id != "" && !strings.ContainsRune(id, ':')
}
