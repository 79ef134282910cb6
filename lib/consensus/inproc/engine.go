package inproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dMeta/lib/consensus"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/lib/sm"
	"github.com/ValentinKolb/dMeta/lib/store"
	"github.com/VictoriaMetrics/metrics"
)

// ErrStopped is returned for operations on a stopped engine.
var ErrStopped = errors.New("engine stopped")

var metricSnapshots = metrics.NewCounter(`dmeta_snapshots_total`)

// Config configures one in-process engine.
type Config struct {
	ID     meta.NodeID
	Target string // raft endpoint recorded in the membership
	Dir    string
	Policy consensus.SnapshotPolicy
}

// Engine is the in-process consensus engine. It owns a durable store and a
// state machine, and relies on its Hub for ordering, replication and
// leadership.
type Engine struct {
	id      meta.NodeID
	target  string
	hub     *Hub
	sm      *sm.StateMachine
	store   *store.Store
	policy  consensus.SnapshotPolicy
	watcher *consensus.Watcher

	// commitMu serializes commit and snapshot installation on this node.
	commitMu     sync.Mutex
	lastSnapshot atomic.Uint64

	stopped atomic.Bool
}

var _ consensus.Engine = (*Engine)(nil)

// Open opens (or creates) the engine's durable state in cfg.Dir, restores
// the state machine from the latest snapshot plus the log suffix, and
// attaches the engine to the hub. A restarting node catches up with the
// hub's committed log during attach.
func Open(hub *Hub, cfg Config) (*Engine, error) {
	st, err := store.Open(cfg.Dir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:      cfg.ID,
		target:  cfg.Target,
		hub:     hub,
		sm:      sm.New(),
		store:   st,
		policy:  cfg.Policy,
		watcher: consensus.NewWatcher(),
	}

	if err := e.restore(); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := hub.attach(e); err != nil {
		_ = st.Close()
		return nil, err
	}
	return e, nil
}

// restore rebuilds the state machine from durable state: snapshot first,
// then the remaining log entries in index order.
func (e *Engine) restore() error {
	snapIndex, snapData, ok, err := e.store.Snapshot()
	if err != nil {
		return err
	}
	if ok {
		if err := e.sm.Load(bytes.NewReader(snapData)); err != nil {
			return err
		}
		e.lastSnapshot.Store(snapIndex)
	}

	last, err := e.store.LastIndex()
	if err != nil {
		return err
	}
	if last == 0 {
		return nil
	}
	return e.store.Range(e.sm.LastApplied()+1, last, func(index uint64, entry *meta.LogEntry) error {
		e.sm.Apply(index, entry)
		return nil
	})
}

// StateMachine exposes the local replica for reads.
func (e *Engine) StateMachine() *sm.StateMachine {
	return e.sm
}

// --------------------------------------------------------------------------
// consensus.Engine
// --------------------------------------------------------------------------

// Bootstrap makes this engine the founding member: it becomes leader of
// the hub and the sole voter.
func (e *Engine) Bootstrap(_ context.Context) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	e.hub.SetLeader(e.id, true)
	e.hub.addVoter(e.id, e.target)
	return nil
}

func (e *Engine) Propose(ctx context.Context, entry *meta.LogEntry) (*meta.AppliedState, error) {
	if e.stopped.Load() {
		return nil, ErrStopped
	}
	return e.hub.propose(ctx, e, entry)
}

func (e *Engine) AddLearner(_ context.Context, id meta.NodeID, target string) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	e.hub.addLearner(id, target)
	return nil
}

func (e *Engine) AddVoter(_ context.Context, id meta.NodeID, target string) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	e.hub.addVoter(id, target)
	return nil
}

func (e *Engine) RemoveMember(_ context.Context, id meta.NodeID) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	e.hub.removeMember(id)
	return nil
}

func (e *Engine) Membership(_ context.Context) (consensus.Membership, error) {
	if e.stopped.Load() {
		return consensus.Membership{}, ErrStopped
	}
	return e.hub.membership(), nil
}

func (e *Engine) LeaderID() (meta.NodeID, bool) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	return e.hub.leader, e.hub.leaderKnown
}

func (e *Engine) Metrics() consensus.Metrics {
	return e.watcher.Current()
}

func (e *Engine) Watcher() *consensus.Watcher {
	return e.watcher
}

// Stop detaches the engine from the hub and closes its store. The state
// machine stays readable for a graceful drain.
func (e *Engine) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.hub.detach(e.id)
	e.watcher.Close()
	return e.store.Close()
}

// --------------------------------------------------------------------------
// Commit Path
// --------------------------------------------------------------------------

// commit durably appends and applies one committed entry, then snapshots
// if the policy says so. Called by the hub, in strict index order.
func (e *Engine) commit(index uint64, entry *meta.LogEntry) (*meta.AppliedState, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.store.AppendEntry(index, entry); err != nil {
		return nil, err
	}
	res := e.sm.Apply(index, entry)

	if err := e.maybeSnapshot(); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) maybeSnapshot() error {
	applied := e.sm.LastApplied()
	if !e.policy.ShouldSnapshot(applied, e.lastSnapshot.Load()) {
		return nil
	}

	var buf bytes.Buffer
	if err := e.sm.Save(&buf); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	if err := e.store.SaveSnapshot(applied, buf.Bytes()); err != nil {
		return err
	}
	if err := e.store.TruncateBefore(e.policy.CompactBefore(applied)); err != nil {
		return err
	}
	e.lastSnapshot.Store(applied)
	metricSnapshots.Inc()
	log.Infof("node %d snapshotted at index %d", e.id, applied)
	return nil
}

// installSnapshot replaces the local state with a received snapshot.
func (e *Engine) installSnapshot(index uint64, data []byte) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.sm.Load(bytes.NewReader(data)); err != nil {
		return err
	}
	if err := e.store.SaveSnapshot(index, data); err != nil {
		return err
	}
	if err := e.store.TruncateBefore(e.policy.CompactBefore(index)); err != nil {
		return err
	}
	e.lastSnapshot.Store(index)
	return nil
}

func (e *Engine) snapshotIndex() uint64 {
	return e.lastSnapshot.Load()
}
