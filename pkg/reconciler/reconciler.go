// Package reconciler keeps a consumer's local projection of the tree in
// step with the authoritative store. A mutation is applied optimistically,
// tracked as pending, and then either confirmed by a matching change feed
// record or rolled back to the pre-mutation snapshot. The projection and the
// store can therefore never stay permanently inconsistent.
package reconciler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellisdb/trellis/pkg/types"
)

// DefaultTimeout is how long a pending mutation waits for its confirmation
// before rolling back.
const DefaultTimeout = 5 * time.Second

// ErrTimeout marks a rollback caused by a missing confirmation.
var ErrTimeout = errors.New("reconciler: confirmation timed out")

// EntityState is the locally projected state of one entity. For node
// entities Content is meaningful; for edge entities Parent and Order are.
type EntityState struct {
	Exists  bool
	Version uint64
	Content []byte
	Parent  string
	Order   float64
}

// State of an entity's reconciliation machine.
type State int

const (
	Clean State = iota
	Pending
)

// Mutation is an optimistic local prediction: the state the entity will have
// once the store confirms, carrying the version the confirmation record is
// expected to bear.
type Mutation struct {
	EntityKey string
	Predicted EntityState
}

// Notification reports a resolved rollback. It is recoverable: the
// projection has already been restored, the caller decides whether to retry.
type Notification struct {
	EntityKey string
	Err       error
}

type pendingMutation struct {
	mutation Mutation
	snapshot EntityState
	hadState bool
	timer    *time.Timer
	gen      uint64
}

type Reconciler struct {
	log     *logrus.Logger
	timeout time.Duration

	mu         sync.Mutex
	projection map[string]EntityState
	active     map[string]*pendingMutation
	queued     map[string][]Mutation
	gen        uint64

	notifications chan Notification
}

type Config struct {
	Timeout time.Duration
	Logger  *logrus.Logger
}

func NewReconciler(config Config) *Reconciler {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Reconciler{
		log:           config.Logger,
		timeout:       config.Timeout,
		projection:    make(map[string]EntityState),
		active:        make(map[string]*pendingMutation),
		queued:        make(map[string][]Mutation),
		notifications: make(chan Notification, 64),
	}
}

// Notifications delivers rollback notices. The caller should drain it; a
// full channel drops notices with a logged warning rather than blocking.
func (r *Reconciler) Notifications() <-chan Notification { return r.notifications }

// Get returns the locally projected state of an entity.
func (r *Reconciler) Get(entityKey string) (EntityState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.projection[entityKey]
	return s, ok
}

// StateOf reports whether the entity has an unresolved optimistic mutation.
func (r *Reconciler) StateOf(entityKey string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[entityKey] != nil || len(r.queued[entityKey]) > 0 {
		return Pending
	}
	return Clean
}

// ApplyOptimistic applies the mutation to the local projection immediately
// and tracks it as pending. A second mutation on an entity that already has
// one pending queues behind it and is not applied until the first resolves,
// so interleaved optimism cannot lose updates. Mutations on different
// entities are independent.
func (r *Reconciler) ApplyOptimistic(m Mutation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active[m.EntityKey] != nil {
		r.queued[m.EntityKey] = append(r.queued[m.EntityKey], m)
		return
	}
	r.applyLocked(m)
}

// applyLocked installs m as the active pending mutation, snapshotting the
// prior state for rollback. Caller holds r.mu.
func (r *Reconciler) applyLocked(m Mutation) {
	snapshot, had := r.projection[m.EntityKey]
	snapshot.Content = append([]byte(nil), snapshot.Content...)

	r.gen++
	p := &pendingMutation{
		mutation: m,
		snapshot: snapshot,
		hadState: had,
		gen:      r.gen,
	}
	gen := p.gen
	p.timer = time.AfterFunc(r.timeout, func() {
		r.expire(m.EntityKey, gen)
	})

	r.projection[m.EntityKey] = m.Predicted
	r.active[m.EntityKey] = p
}

// Cancel discards mutations for the entity that are queued but not yet
// applied. The active pending mutation, already submitted, runs to its
// confirm/reject/timeout resolution.
func (r *Reconciler) Cancel(entityKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.queued[entityKey])
	delete(r.queued, entityKey)
	return n
}

// OnFeedRecord feeds one change record through the reconciler. A record
// matching the active pending mutation (same entity, same version) confirms
// it. A replayed record for a version at or below the projected one is a
// no-op. Any other record is an authoritative remote change and overwrites
// the projection.
func (r *Reconciler) OnFeedRecord(rec types.ChangeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rec.EntityKey()
	if p := r.active[key]; p != nil {
		if rec.Version == p.mutation.Predicted.Version {
			p.timer.Stop()
			delete(r.active, key)
			r.projection[key] = stateOf(rec)
			r.promoteLocked(key)
		}
		// records not matching the prediction are held off until the
		// pending mutation resolves; the authoritative state arrives
		// with the rollback's conflict error
		return
	}

	current, ok := r.projection[key]
	if ok && current.Version >= rec.Version && rec.Action != types.ActionDeleted {
		return // already applied, at-least-once delivery makes this normal
	}
	if rec.Action == types.ActionDeleted {
		delete(r.projection, key)
		return
	}
	r.projection[key] = stateOf(rec)
}

// Reject resolves the active pending mutation with an explicit failure from
// the store: the snapshot is restored and a recoverable notification is
// raised.
func (r *Reconciler) Reject(entityKey string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbackLocked(entityKey, cause)
}

func (r *Reconciler) expire(entityKey string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.active[entityKey]
	if p == nil || p.gen != gen {
		return // resolved before the timer fired
	}
	r.rollbackLocked(entityKey, ErrTimeout)
}

// rollbackLocked restores the pre-mutation snapshot, discards queued
// mutations (their base state is gone), and notifies. Caller holds r.mu.
func (r *Reconciler) rollbackLocked(entityKey string, cause error) {
	p := r.active[entityKey]
	if p == nil {
		return
	}
	p.timer.Stop()
	delete(r.active, entityKey)
	delete(r.queued, entityKey)

	if p.hadState {
		r.projection[entityKey] = p.snapshot
	} else {
		delete(r.projection, entityKey)
	}

	r.notify(Notification{
		EntityKey: entityKey,
		Err:       fmt.Errorf("optimistic mutation rolled back: %w", cause),
	})
}

// promoteLocked applies the next queued mutation, if any. Caller holds r.mu.
func (r *Reconciler) promoteLocked(entityKey string) {
	queue := r.queued[entityKey]
	if len(queue) == 0 {
		delete(r.queued, entityKey)
		return
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(r.queued, entityKey)
	} else {
		r.queued[entityKey] = queue[1:]
	}
	r.applyLocked(next)
}

func (r *Reconciler) notify(n Notification) {
	select {
	case r.notifications <- n:
	default:
		r.log.WithFields(logrus.Fields{
			"entity": n.EntityKey,
		}).Warn("notification channel full, dropping rollback notice")
	}
}

func stateOf(rec types.ChangeRecord) EntityState {
	return EntityState{
		Exists:  true,
		Version: rec.Version,
		Content: append([]byte(nil), rec.Content...),
		Parent:  rec.ParentID,
		Order:   rec.Order,
	}
}
