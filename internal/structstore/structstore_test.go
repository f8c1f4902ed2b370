package structstore

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdb/trellis/pkg/types"
)

func openBadger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addEdge(t *testing.T, db *badger.DB, ss *StructStore, parent, child string, order float64) {
	t.Helper()
	err := db.Update(func(txn *badger.Txn) error {
		_, err := ss.AddEdge(txn, parent, child, order)
		return err
	})
	require.NoError(t, err)
}

func childIDs(t *testing.T, db *badger.DB, ss *StructStore, parent string) []string {
	t.Helper()
	var ids []string
	err := db.View(func(txn *badger.Txn) error {
		var err error
		ids, err = ss.ChildIDs(txn, parent)
		return err
	})
	require.NoError(t, err)
	return ids
}

func TestAddEdge_OrderedChildren(t *testing.T) {
	db := openBadger(t)
	ss := NewStructStore(nil)

	addEdge(t, db, ss, "p", "b", 2.0)
	addEdge(t, db, ss, "p", "a", 1.0)
	addEdge(t, db, ss, "p", "c", 3.0)
	addEdge(t, db, ss, "p", "between", 1.5)

	require.Equal(t, []string{"a", "between", "b", "c"}, childIDs(t, db, ss, "p"))
}

func TestAddEdge_DuplicateRejected(t *testing.T) {
	db := openBadger(t)
	ss := NewStructStore(nil)

	addEdge(t, db, ss, "p", "a", 1.0)

	err := db.Update(func(txn *badger.Txn) error {
		_, err := ss.AddEdge(txn, "p", "a", 2.0)
		return err
	})
	var sc *types.StructuralConflictError
	require.ErrorAs(t, err, &sc)

	// edge untouched
	require.Equal(t, []string{"a"}, childIDs(t, db, ss, "p"))
}

func TestAddEdge_SecondParentRejected(t *testing.T) {
	db := openBadger(t)
	ss := NewStructStore(nil)

	addEdge(t, db, ss, "p1", "child", 1.0)

	err := db.Update(func(txn *badger.Txn) error {
		_, err := ss.AddEdge(txn, "p2", "child", 1.0)
		return err
	})
	var sc *types.StructuralConflictError
	require.ErrorAs(t, err, &sc)
}

func TestMoveEdge_CycleRejected(t *testing.T) {
	db := openBadger(t)
	ss := NewStructStore(nil)

	// a -> b -> c
	addEdge(t, db, ss, "a", "b", 1.0)
	addEdge(t, db, ss, "b", "c", 1.0)

	// moving a under its transitive descendant c must fail
	err := db.Update(func(txn *badger.Txn) error {
		if _, err := ss.AddEdge(txn, "c", "a", 1.0); err != nil {
			return err
		}
		return nil
	})
	var sc *types.StructuralConflictError
	require.ErrorAs(t, err, &sc)

	// and the tree is unchanged
	require.Equal(t, []string{"b"}, childIDs(t, db, ss, "a"))
	require.Equal(t, []string{"c"}, childIDs(t, db, ss, "b"))
	require.Empty(t, childIDs(t, db, ss, "c"))

	// direct self-parent is also a cycle
	err = db.Update(func(txn *badger.Txn) error {
		_, err := ss.MoveEdge(txn, "b", "b", 1.0, 0)
		return err
	})
	require.ErrorAs(t, err, &sc)
}

func TestMoveEdge_VersionConflict(t *testing.T) {
	db := openBadger(t)
	ss := NewStructStore(nil)

	addEdge(t, db, ss, "p1", "mover", 1.0)
	addEdge(t, db, ss, "p2", "anchor", 1.0)

	// first mover wins and bumps the edge version
	err := db.Update(func(txn *badger.Txn) error {
		_, err := ss.MoveEdge(txn, "mover", "p2", 2.0, 1)
		return err
	})
	require.NoError(t, err)

	// second mover carries the stale expected version and loses, with the
	// winning state attached
	err = db.Update(func(txn *badger.Txn) error {
		_, err := ss.MoveEdge(txn, "mover", "p1", 1.0, 1)
		return err
	})
	var vc *types.VersionConflictError
	require.ErrorAs(t, err, &vc)
	require.NotNil(t, vc.CurrentEdge)
	assert.Equal(t, "p2", vc.CurrentEdge.ParentID)
	assert.Equal(t, uint64(2), vc.Found)
}

func TestGetAncestors(t *testing.T) {
	db := openBadger(t)
	ss := NewStructStore(nil)

	addEdge(t, db, ss, "root", "mid", 1.0)
	addEdge(t, db, ss, "mid", "leaf", 1.0)

	var ancestors []string
	err := db.View(func(txn *badger.Txn) error {
		var err error
		ancestors, err = ss.GetAncestors(txn, "leaf")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, []string{"mid", "root"}, ancestors)
}

func TestRemoveEdge(t *testing.T) {
	db := openBadger(t)
	ss := NewStructStore(nil)

	addEdge(t, db, ss, "p", "a", 1.0)
	err := db.Update(func(txn *badger.Txn) error {
		removed, err := ss.RemoveEdge(txn, "p", "a")
		if err != nil {
			return err
		}
		assert.Equal(t, 1.0, removed.Order)
		return nil
	})
	require.NoError(t, err)

	require.Empty(t, childIDs(t, db, ss, "p"))
	err = db.View(func(txn *badger.Txn) error {
		_, ok, err := ss.GetParent(txn, "a")
		assert.False(t, ok)
		return err
	})
	require.NoError(t, err)
}

func TestRebalance(t *testing.T) {
	db := openBadger(t)
	ss := NewStructStore(nil)

	addEdge(t, db, ss, "p", "a", 1.0)
	addEdge(t, db, ss, "p", "b", 1.0625)
	addEdge(t, db, ss, "p", "c", 1.125)

	err := db.Update(func(txn *badger.Txn) error {
		rebalanced, err := ss.Rebalance(txn, "p")
		require.NoError(t, err)
		require.Len(t, rebalanced, 3)
		return nil
	})
	require.NoError(t, err)

	var edges []types.Edge
	err = db.View(func(txn *badger.Txn) error {
		var err error
		edges, err = ss.GetChildren(txn, "p")
		return err
	})
	require.NoError(t, err)

	// relative order preserved, spacing restored
	require.Equal(t, []string{"a", "b", "c"}, []string{edges[0].ChildID, edges[1].ChildID, edges[2].ChildID})
	require.Equal(t, []float64{1.0, 2.0, 3.0}, []float64{edges[0].Order, edges[1].Order, edges[2].Order})
}

func TestRebalance_AlreadySpacedIsNoop(t *testing.T) {
	db := openBadger(t)
	ss := NewStructStore(nil)

	addEdge(t, db, ss, "p", "a", 1.0)
	addEdge(t, db, ss, "p", "b", 2.0)
	addEdge(t, db, ss, "p", "c", 3.0)

	err := db.Update(func(txn *badger.Txn) error {
		rebalanced, err := ss.Rebalance(txn, "p")
		require.NoError(t, err)
		require.Nil(t, rebalanced)
		return nil
	})
	require.NoError(t, err)

	// versions untouched
	var edges []types.Edge
	err = db.View(func(txn *badger.Txn) error {
		var err error
		edges, err = ss.GetChildren(txn, "p")
		return err
	})
	require.NoError(t, err)
	for _, e := range edges {
		assert.Equal(t, uint64(1), e.Version)
	}
}
