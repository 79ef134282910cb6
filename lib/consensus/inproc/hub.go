package inproc

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/dMeta/lib/consensus"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("inproc")

// Hub connects the engines of one in-process cluster. It plays the role of
// the network and the election: entries proposed on the leader are
// replicated synchronously, in commit order, to every attached engine
// before the proposal returns.
//
// Replication is deterministic on purpose. There are no quorum races and
// no reordering, which makes cluster behavior reproducible in tests.
type Hub struct {
	mu sync.Mutex

	leader      meta.NodeID
	leaderKnown bool
	term        uint64

	lastIndex uint64

	engines map[meta.NodeID]*Engine

	voters         map[meta.NodeID]string
	learners       map[meta.NodeID]string
	configChangeID uint64
}

// NewHub creates an empty hub with no leader.
func NewHub() *Hub {
	return &Hub{
		engines:  make(map[meta.NodeID]*Engine),
		voters:   make(map[meta.NodeID]string),
		learners: make(map[meta.NodeID]string),
	}
}

// SetLeader elects id as leader and bumps the term. The zero id with
// known=false models a leaderless cluster.
func (h *Hub) SetLeader(id meta.NodeID, known bool) {
	h.mu.Lock()
	h.leader = id
	h.leaderKnown = known
	h.term++
	term := h.term
	h.mu.Unlock()

	log.Infof("leader changed to %d (known=%v, term=%d)", id, known, term)
	h.publishAll()
}

// LastIndex returns the highest index the hub has committed.
func (h *Hub) LastIndex() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastIndex
}

// --------------------------------------------------------------------------
// Replication
// --------------------------------------------------------------------------

// propose commits an entry on behalf of engine from. Only the leader may
// propose; everyone else gets meta.ForwardToLeader with the current hint.
func (h *Hub) propose(ctx context.Context, from *Engine, entry *meta.LogEntry) (*meta.AppliedState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.leaderKnown {
		return nil, &meta.ForwardToLeader{Known: false}
	}
	if from.id != h.leader {
		return nil, &meta.ForwardToLeader{Leader: h.leader, Known: true}
	}

	h.lastIndex++
	index := h.lastIndex

	var result *meta.AppliedState
	for _, e := range h.sortedEnginesLocked() {
		res, err := e.commit(index, entry)
		if err != nil {
			return nil, fmt.Errorf("replicating entry %d to node %d: %w", index, e.id, err)
		}
		if e.id == from.id {
			result = res
		}
	}

	h.publishAllLocked()
	return result, nil
}

func (h *Hub) sortedEnginesLocked() []*Engine {
	out := make([]*Engine, 0, len(h.engines))
	for _, e := range h.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// --------------------------------------------------------------------------
// Membership
// --------------------------------------------------------------------------

func (h *Hub) addLearner(id meta.NodeID, target string) {
	h.mu.Lock()
	if _, ok := h.voters[id]; !ok {
		h.learners[id] = target
	}
	h.configChangeID++
	h.mu.Unlock()
	h.publishAll()
}

func (h *Hub) addVoter(id meta.NodeID, target string) {
	h.mu.Lock()
	delete(h.learners, id)
	h.voters[id] = target
	h.configChangeID++
	h.mu.Unlock()
	h.publishAll()
}

func (h *Hub) removeMember(id meta.NodeID) {
	h.mu.Lock()
	delete(h.voters, id)
	delete(h.learners, id)
	h.configChangeID++
	h.mu.Unlock()
	h.publishAll()
}

func (h *Hub) membership() consensus.Membership {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := consensus.Membership{
		Voters:         make(map[meta.NodeID]string, len(h.voters)),
		Learners:       make(map[meta.NodeID]string, len(h.learners)),
		ConfigChangeID: h.configChangeID,
	}
	for id, t := range h.voters {
		m.Voters[id] = t
	}
	for id, t := range h.learners {
		m.Learners[id] = t
	}
	return m
}

// --------------------------------------------------------------------------
// Attach / Catch-Up
// --------------------------------------------------------------------------

// attach registers an engine and brings it up to date with the committed
// log, via the leader's snapshot when the needed prefix is compacted away.
func (h *Hub) attach(e *Engine) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.catchUpLocked(e); err != nil {
		return err
	}
	h.engines[e.id] = e

	// A rejoining node must not rewind the cluster's committed index.
	if applied := e.sm.LastApplied(); applied > h.lastIndex {
		h.lastIndex = applied
	}

	h.publishAllLocked()
	return nil
}

func (h *Hub) detach(id meta.NodeID) {
	h.mu.Lock()
	delete(h.engines, id)
	h.mu.Unlock()
	h.publishAll()
}

func (h *Hub) catchUpLocked(e *Engine) error {
	if !h.leaderKnown {
		return nil
	}
	leader, ok := h.engines[h.leader]
	if !ok || leader.id == e.id {
		return nil
	}

	applied := e.sm.LastApplied()
	target := leader.sm.LastApplied()
	if applied >= target {
		return nil
	}

	first, err := leader.store.FirstIndex()
	if err != nil {
		return err
	}

	// Snapshot transfer when the log prefix behind applied+1 is gone.
	if first == 0 || first > applied+1 {
		var buf bytes.Buffer
		if err := leader.sm.Save(&buf); err != nil {
			return fmt.Errorf("saving leader snapshot: %w", err)
		}
		if err := e.installSnapshot(leader.sm.LastApplied(), buf.Bytes()); err != nil {
			return fmt.Errorf("installing snapshot on node %d: %w", e.id, err)
		}
		applied = e.sm.LastApplied()
		log.Infof("node %d caught up via snapshot to index %d", e.id, applied)
	}

	// Remaining suffix from the leader's log.
	return leader.store.Range(applied+1, target, func(index uint64, entry *meta.LogEntry) error {
		_, err := e.commit(index, entry)
		return err
	})
}

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

func (h *Hub) publishAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishAllLocked()
}

func (h *Hub) publishAllLocked() {
	for _, e := range h.engines {
		e.watcher.Update(h.metricsLocked(e))
	}
}

func (h *Hub) metricsLocked(e *Engine) consensus.Metrics {
	role := consensus.RoleFollower
	if _, ok := h.learners[e.id]; ok {
		role = consensus.RoleLearner
	}
	if h.leaderKnown && h.leader == e.id {
		role = consensus.RoleLeader
	}

	voters := make([]meta.NodeID, 0, len(h.voters))
	for id := range h.voters {
		voters = append(voters, id)
	}
	learners := make([]meta.NodeID, 0, len(h.learners))
	for id := range h.learners {
		learners = append(learners, id)
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	sort.Slice(learners, func(i, j int) bool { return learners[i] < learners[j] })

	return consensus.Metrics{
		ID:            e.id,
		Role:          role,
		Leader:        h.leader,
		LeaderKnown:   h.leaderKnown,
		Term:          h.term,
		LastLogIndex:  h.lastIndex,
		AppliedIndex:  e.sm.LastApplied(),
		SnapshotIndex: e.snapshotIndex(),
		Voters:        voters,
		Learners:      learners,
	}
}
