package types

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a node or edge does not exist.
var ErrNotFound = errors.New("trellis: not found")

// ValidationError reports content rejected by the schema collaborator. The
// operation is aborted before any write; the caller gets the reason.
type ValidationError struct {
	NodeType string
	Reason   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for node type %q: %v", e.NodeType, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// StructuralConflictError reports an edge mutation that would violate
// acyclicity or edge uniqueness, or a structural operation that has no legal
// outcome (indent without a previous sibling, outdent of a root child). It is
// raised before any write; the tree is unchanged.
type StructuralConflictError struct {
	Op     string
	NodeID string
	Why    string
}

func (e *StructuralConflictError) Error() string {
	return fmt.Sprintf("structural conflict in %s(%s): %s", e.Op, e.NodeID, e.Why)
}

// VersionConflictError reports a mutation that carried a stale expected
// version. The losing caller gets the current authoritative state attached so
// it can re-derive its intent and retry.
type VersionConflictError struct {
	Entity          EntityKind
	Expected, Found uint64
	CurrentNode     *Node
	CurrentEdge     *Edge
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, found %d", e.Entity, e.Expected, e.Found)
}

// TransactionFailure reports that the underlying store failed to commit after
// bounded retries. It is fatal for the operation, never for the process.
type TransactionFailure struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransactionFailure) Error() string {
	return fmt.Sprintf("transaction for %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransactionFailure) Unwrap() error { return e.Err }
