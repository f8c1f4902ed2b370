package reconciler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdb/trellis/pkg/types"
)

func nodeRecord(id string, version uint64, content string) types.ChangeRecord {
	return types.ChangeRecord{
		Entity:  types.EntityNode,
		Action:  types.ActionUpdated,
		NodeID:  id,
		Version: version,
		Content: []byte(content),
	}
}

func TestApplyOptimistic_ConfirmedByMatchingRecord(t *testing.T) {
	r := NewReconciler(Config{})

	// seed the projection with the authoritative state
	r.OnFeedRecord(nodeRecord("doc", 1, "v1"))
	require.Equal(t, Clean, r.StateOf("node/doc"))

	r.ApplyOptimistic(Mutation{
		EntityKey: "node/doc",
		Predicted: EntityState{Exists: true, Version: 2, Content: []byte("v2")},
	})
	require.Equal(t, Pending, r.StateOf("node/doc"))

	// the local projection reflects the prediction immediately
	state, ok := r.Get("node/doc")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), state.Content)

	// the matching feed record confirms it
	r.OnFeedRecord(nodeRecord("doc", 2, "v2"))
	require.Equal(t, Clean, r.StateOf("node/doc"))
}

func TestRollback_RestoresSnapshotExactly(t *testing.T) {
	r := NewReconciler(Config{})

	r.OnFeedRecord(nodeRecord("doc", 3, "before"))
	before, ok := r.Get("node/doc")
	require.True(t, ok)

	r.ApplyOptimistic(Mutation{
		EntityKey: "node/doc",
		Predicted: EntityState{Exists: true, Version: 4, Content: []byte("optimistic")},
	})
	r.Reject("node/doc", errors.New("version conflict"))

	after, ok := r.Get("node/doc")
	require.True(t, ok)
	require.Equal(t, before, after)
	require.Equal(t, Clean, r.StateOf("node/doc"))

	// the rollback raised a recoverable notification
	select {
	case n := <-r.Notifications():
		assert.Equal(t, "node/doc", n.EntityKey)
		assert.Error(t, n.Err)
	default:
		t.Fatal("expected a rollback notification")
	}
}

func TestRollback_EntityThatDidNotExist(t *testing.T) {
	r := NewReconciler(Config{})

	r.ApplyOptimistic(Mutation{
		EntityKey: "node/new",
		Predicted: EntityState{Exists: true, Version: 1, Content: []byte("draft")},
	})
	r.Reject("node/new", errors.New("rejected"))

	_, ok := r.Get("node/new")
	require.False(t, ok, "rolled back create must leave no projection entry")
}

func TestTimeout_RollsBack(t *testing.T) {
	r := NewReconciler(Config{Timeout: 30 * time.Millisecond})

	r.OnFeedRecord(nodeRecord("doc", 1, "v1"))
	before, _ := r.Get("node/doc")

	r.ApplyOptimistic(Mutation{
		EntityKey: "node/doc",
		Predicted: EntityState{Exists: true, Version: 2, Content: []byte("never confirmed")},
	})

	select {
	case n := <-r.Notifications():
		assert.ErrorIs(t, n.Err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rollback notification")
	}

	after, _ := r.Get("node/doc")
	require.Equal(t, before, after)
}

func TestSameEntityMutationsQueue(t *testing.T) {
	r := NewReconciler(Config{})

	r.OnFeedRecord(nodeRecord("doc", 1, "v1"))

	r.ApplyOptimistic(Mutation{
		EntityKey: "node/doc",
		Predicted: EntityState{Exists: true, Version: 2, Content: []byte("v2")},
	})
	r.ApplyOptimistic(Mutation{
		EntityKey: "node/doc",
		Predicted: EntityState{Exists: true, Version: 3, Content: []byte("v3")},
	})

	// the second mutation has not applied yet
	state, _ := r.Get("node/doc")
	require.Equal(t, []byte("v2"), state.Content)

	// confirming the first promotes the second
	r.OnFeedRecord(nodeRecord("doc", 2, "v2"))
	state, _ = r.Get("node/doc")
	require.Equal(t, []byte("v3"), state.Content)
	require.Equal(t, Pending, r.StateOf("node/doc"))

	r.OnFeedRecord(nodeRecord("doc", 3, "v3"))
	require.Equal(t, Clean, r.StateOf("node/doc"))
}

func TestDifferentEntitiesAreIndependent(t *testing.T) {
	r := NewReconciler(Config{})

	r.ApplyOptimistic(Mutation{
		EntityKey: "node/a",
		Predicted: EntityState{Exists: true, Version: 1, Content: []byte("a")},
	})
	r.ApplyOptimistic(Mutation{
		EntityKey: "node/b",
		Predicted: EntityState{Exists: true, Version: 1, Content: []byte("b")},
	})

	// confirming b does not touch a
	r.OnFeedRecord(types.ChangeRecord{Entity: types.EntityNode, Action: types.ActionCreated, NodeID: "b", Version: 1, Content: []byte("b")})
	require.Equal(t, Clean, r.StateOf("node/b"))
	require.Equal(t, Pending, r.StateOf("node/a"))
}

func TestCancel_DiscardsQueuedOnly(t *testing.T) {
	r := NewReconciler(Config{})

	r.ApplyOptimistic(Mutation{
		EntityKey: "node/doc",
		Predicted: EntityState{Exists: true, Version: 1, Content: []byte("active")},
	})
	r.ApplyOptimistic(Mutation{
		EntityKey: "node/doc",
		Predicted: EntityState{Exists: true, Version: 2, Content: []byte("queued")},
	})

	require.Equal(t, 1, r.Cancel("node/doc"))
	// the active, already-submitted mutation is still pending
	require.Equal(t, Pending, r.StateOf("node/doc"))

	r.OnFeedRecord(nodeRecord("doc", 1, "active"))
	require.Equal(t, Clean, r.StateOf("node/doc"))
	state, _ := r.Get("node/doc")
	require.Equal(t, []byte("active"), state.Content)
}

func TestReplayedRecordIsIdempotent(t *testing.T) {
	r := NewReconciler(Config{})

	r.OnFeedRecord(nodeRecord("doc", 2, "v2"))
	state1, _ := r.Get("node/doc")

	// the same record again, as at-least-once delivery allows
	r.OnFeedRecord(nodeRecord("doc", 2, "v2"))
	state2, _ := r.Get("node/doc")
	require.Equal(t, state1, state2)

	// and an older one is ignored
	r.OnFeedRecord(nodeRecord("doc", 1, "v1"))
	state3, _ := r.Get("node/doc")
	require.Equal(t, state1, state3)
}

func TestDeletedRecordRemovesProjection(t *testing.T) {
	r := NewReconciler(Config{})

	r.OnFeedRecord(nodeRecord("doc", 1, "v1"))
	r.OnFeedRecord(types.ChangeRecord{
		Entity:  types.EntityNode,
		Action:  types.ActionDeleted,
		NodeID:  "doc",
		Version: 2,
	})
	_, ok := r.Get("node/doc")
	require.False(t, ok)
}
