package dragon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dMeta/lib/consensus"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/lib/sm"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/config"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/lni/dragonboat/v4/raftio"
)

var (
	retries = 5
	log     = logger.GetLogger("dragon")
)

// ErrStopped is returned for operations on a stopped engine.
var ErrStopped = errors.New("engine stopped")

// Config configures one Dragonboat-backed engine.
type Config struct {
	ID       meta.NodeID
	ShardID  uint64
	RaftAddr string

	// Timeout bounds each synchronous Dragonboat call.
	Timeout time.Duration

	// InitialMembers lists the founding voters (id to raft address). Only
	// consulted by Bootstrap; defaults to this node alone.
	InitialMembers map[uint64]string

	// Join starts the replica as a joining member: the configuration is
	// learned from the cluster instead of InitialMembers. Restart starts
	// the replica from existing durable state. With neither set the
	// replica is not started until Bootstrap.
	Join    bool
	Restart bool

	NodeHost config.NodeHostConfig
	Raft     config.Config
}

// Engine is the production consensus engine backed by Dragonboat RAFT.
// Dragonboat owns log durability, snapshotting and compaction (driven by
// SnapshotEntries/CompactionOverhead in the raft config); the engine
// translates between the typed metadata operations and Dragonboat's API.
type Engine struct {
	cfg     Config
	nh      *dragonboat.NodeHost
	cs      *client.Session
	sm      *sm.StateMachine
	watcher *consensus.Watcher

	mu            sync.Mutex // guards the cached cluster state below
	leader        meta.NodeID
	known         bool
	term          uint64
	voters        []meta.NodeID
	learners      []meta.NodeID
	snapshotIndex uint64
	stopped       bool
}

var _ consensus.Engine = (*Engine)(nil)
var _ raftio.IRaftEventListener = (*Engine)(nil)
var _ raftio.ISystemEventListener = (*Engine)(nil)

// Exists reports whether dir holds durable node state from a previous run.
func Exists(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// Open creates the NodeHost and, for joining or restarting nodes, starts
// the raft replica. Founding members start theirs in Bootstrap.
func Open(cfg Config) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		sm:      sm.New(),
		watcher: consensus.NewWatcher(),
	}

	// Leader changes are delivered through the raft event listener and
	// membership/snapshot changes through the system event listener, so
	// waiters blocked on the watcher unblock without polling Dragonboat.
	nhc := cfg.NodeHost
	nhc.RaftEventListener = e
	nhc.SystemEventListener = e

	nh, err := dragonboat.NewNodeHost(nhc)
	if err != nil {
		return nil, fmt.Errorf("creating node host: %w", err)
	}
	e.nh = nh
	e.cs = nh.GetNoOPSession(cfg.ShardID)

	if cfg.Join || cfg.Restart {
		if err := e.startReplica(nil, cfg.Join); err != nil {
			nh.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) startReplica(members map[uint64]dragonboat.Target, join bool) error {
	if err := e.nh.StartReplica(members, join, createStateMachineFactory(e.sm), e.cfg.Raft); err != nil {
		return fmt.Errorf("starting replica %d of shard %d: %w", e.cfg.ID, e.cfg.ShardID, err)
	}
	log.Infof("started replica %d of shard %d (join=%v)", e.cfg.ID, e.cfg.ShardID, join)
	return nil
}

// --------------------------------------------------------------------------
// consensus.Engine
// --------------------------------------------------------------------------

// Bootstrap starts the replica as a founding voter. Leader election runs
// asynchronously; callers wait on the watcher for LeaderKnown.
func (e *Engine) Bootstrap(_ context.Context) error {
	members := make(map[uint64]dragonboat.Target, len(e.cfg.InitialMembers))
	for id, target := range e.cfg.InitialMembers {
		members[id] = target
	}
	if len(members) == 0 {
		members[uint64(e.cfg.ID)] = e.cfg.RaftAddr
	}
	return e.startReplica(members, false)
}

func (e *Engine) Propose(ctx context.Context, entry *meta.LogEntry) (*meta.AppliedState, error) {
	data := entry.Serialize()

	for i := 0; i < retries; i++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		res, err := e.nh.SyncPropose(callCtx, e.cs, data)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: system busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(e.cfg.Timeout / 10)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("proposing entry: %w", err)
		}

		if len(res.Data) == 0 {
			return nil, nil
		}
		applied := &meta.AppliedState{}
		if err := applied.Deserialize(res.Data); err != nil {
			return nil, fmt.Errorf("decoding applied state: %w", err)
		}
		return applied, nil
	}
	return nil, fmt.Errorf("proposing entry: %w", dragonboat.ErrSystemBusy)
}

func (e *Engine) AddLearner(ctx context.Context, id meta.NodeID, target string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return e.nh.SyncRequestAddNonVoting(callCtx, e.cfg.ShardID, uint64(id), target, 0)
}

func (e *Engine) AddVoter(ctx context.Context, id meta.NodeID, target string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return e.nh.SyncRequestAddReplica(callCtx, e.cfg.ShardID, uint64(id), target, 0)
}

func (e *Engine) RemoveMember(ctx context.Context, id meta.NodeID) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return e.nh.SyncRequestDeleteReplica(callCtx, e.cfg.ShardID, uint64(id), 0)
}

func (e *Engine) Membership(ctx context.Context) (consensus.Membership, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	m, err := e.nh.SyncGetShardMembership(callCtx, e.cfg.ShardID)
	if err != nil {
		return consensus.Membership{}, fmt.Errorf("reading membership: %w", err)
	}

	out := consensus.Membership{
		Voters:         make(map[meta.NodeID]string, len(m.Nodes)),
		Learners:       make(map[meta.NodeID]string, len(m.NonVotings)),
		ConfigChangeID: m.ConfigChangeID,
	}
	for id, target := range m.Nodes {
		out.Voters[meta.NodeID(id)] = target
	}
	for id, target := range m.NonVotings {
		out.Learners[meta.NodeID(id)] = target
	}
	return out, nil
}

func (e *Engine) LeaderID() (meta.NodeID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader, e.known
}

func (e *Engine) Metrics() consensus.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metricsLocked()
}

func (e *Engine) Watcher() *consensus.Watcher {
	return e.watcher
}

// StateMachine exposes the local replica for reads.
func (e *Engine) StateMachine() *sm.StateMachine {
	return e.sm
}

// Stop stops the replica and closes the node host. The state machine stays
// readable for a graceful drain.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.watcher.Close()
	if err := e.nh.StopReplica(e.cfg.ShardID, uint64(e.cfg.ID)); err != nil &&
		!errors.Is(err, dragonboat.ErrShardNotFound) {
		log.Warningf("stopping replica %d: %v", e.cfg.ID, err)
	}
	e.nh.Close()
	return nil
}

// --------------------------------------------------------------------------
// Raft Event Listener
// --------------------------------------------------------------------------

// LeaderUpdated receives leadership changes from Dragonboat and publishes
// them to the watcher.
func (e *Engine) LeaderUpdated(info raftio.LeaderInfo) {
	if info.ShardID != e.cfg.ShardID {
		return
	}

	e.mu.Lock()
	e.leader = meta.NodeID(info.LeaderID)
	e.known = info.LeaderID != 0
	e.term = info.Term
	m := e.metricsLocked()
	e.mu.Unlock()

	log.Infof("leader update for shard %d: leader=%d term=%d", info.ShardID, info.LeaderID, info.Term)
	e.watcher.Update(m)
}

// --------------------------------------------------------------------------
// System Event Listener
//
// Dragonboat reports membership and snapshot activity through system
// events. The engine caches what the metrics need so that Metrics() and
// watcher predicates (VoterCount, AppliedAtLeast, ...) never have to make
// a blocking Dragonboat call.
// --------------------------------------------------------------------------

// MembershipChanged fires after a config change commits on this replica.
func (e *Engine) MembershipChanged(info raftio.NodeInfo) {
	if info.ShardID != e.cfg.ShardID {
		return
	}
	go e.refreshMembership()
}

// NodeReady fires once the local replica can serve; the initial membership
// is read here so freshly started nodes report their voters right away.
func (e *Engine) NodeReady(info raftio.NodeInfo) {
	if info.ShardID != e.cfg.ShardID {
		return
	}
	go e.refreshMembership()
}

// SnapshotCreated fires when the local replica persists a snapshot.
func (e *Engine) SnapshotCreated(info raftio.SnapshotInfo) {
	e.snapshotTaken(info)
}

// SnapshotRecovered fires when the local replica restores from a snapshot,
// either on restart or after receiving one from the leader.
func (e *Engine) SnapshotRecovered(info raftio.SnapshotInfo) {
	e.snapshotTaken(info)
}

func (e *Engine) NodeHostShuttingDown()                         {}
func (e *Engine) NodeUnloaded(_ raftio.NodeInfo)                {}
func (e *Engine) NodeDeleted(_ raftio.NodeInfo)                 {}
func (e *Engine) ConnectionEstablished(_ raftio.ConnectionInfo) {}
func (e *Engine) ConnectionFailed(_ raftio.ConnectionInfo)      {}
func (e *Engine) SendSnapshotStarted(_ raftio.SnapshotInfo)     {}
func (e *Engine) SendSnapshotCompleted(_ raftio.SnapshotInfo)   {}
func (e *Engine) SendSnapshotAborted(_ raftio.SnapshotInfo)     {}
func (e *Engine) SnapshotReceived(_ raftio.SnapshotInfo)        {}
func (e *Engine) SnapshotCompacted(_ raftio.SnapshotInfo)       {}
func (e *Engine) LogCompacted(_ raftio.EntryInfo)               {}
func (e *Engine) LogDBCompacted(_ raftio.EntryInfo)             {}

// refreshMembership reads the committed membership and caches it for the
// metrics. Runs on its own goroutine: SyncGetShardMembership blocks, and
// system event callbacks must not.
func (e *Engine) refreshMembership() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	m, err := e.nh.SyncGetShardMembership(ctx, e.cfg.ShardID)
	cancel()
	if err != nil {
		log.Warningf("reading membership after change: %v", err)
		return
	}
	e.cacheMembership(m)
}

// cacheMembership stores the voter and learner id sets and publishes the
// updated metrics.
func (e *Engine) cacheMembership(m *dragonboat.Membership) {
	voters := make([]meta.NodeID, 0, len(m.Nodes))
	for id := range m.Nodes {
		voters = append(voters, meta.NodeID(id))
	}
	learners := make([]meta.NodeID, 0, len(m.NonVotings))
	for id := range m.NonVotings {
		learners = append(learners, meta.NodeID(id))
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	sort.Slice(learners, func(i, j int) bool { return learners[i] < learners[j] })

	e.mu.Lock()
	e.voters = voters
	e.learners = learners
	out := e.metricsLocked()
	e.mu.Unlock()

	log.Infof("membership cached for shard %d: %d voters, %d learners", e.cfg.ShardID, len(voters), len(learners))
	e.watcher.Update(out)
}

func (e *Engine) snapshotTaken(info raftio.SnapshotInfo) {
	if info.ShardID != e.cfg.ShardID {
		return
	}

	e.mu.Lock()
	if info.Index > e.snapshotIndex {
		e.snapshotIndex = info.Index
	}
	m := e.metricsLocked()
	e.mu.Unlock()

	log.Infof("snapshot at index %d for shard %d", info.Index, info.ShardID)
	e.watcher.Update(m)
}

// metricsLocked composes the metrics snapshot. Callers hold e.mu.
func (e *Engine) metricsLocked() consensus.Metrics {
	role := consensus.RoleFollower
	for _, id := range e.learners {
		if id == e.cfg.ID {
			role = consensus.RoleLearner
		}
	}
	if e.known && e.leader == e.cfg.ID {
		role = consensus.RoleLeader
	}

	applied := e.sm.LastApplied()
	return consensus.Metrics{
		ID:          e.cfg.ID,
		Role:        role,
		Leader:      e.leader,
		LeaderKnown: e.known,
		Term:        e.term,
		// Dragonboat has no non-blocking read of the raft log tail, so the
		// applied index doubles as the log index lower bound.
		LastLogIndex:  applied,
		AppliedIndex:  applied,
		SnapshotIndex: e.snapshotIndex,
		Voters:        append([]meta.NodeID(nil), e.voters...),
		Learners:      append([]meta.NodeID(nil), e.learners...),
	}
}
