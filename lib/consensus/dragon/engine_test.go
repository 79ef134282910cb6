package dragon

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dMeta/lib/consensus"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/lib/sm"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/raftio"
)

// newListenerEngine builds an engine without a node host, enough to drive
// the event listener callbacks directly.
func newListenerEngine(id meta.NodeID) *Engine {
	return &Engine{
		cfg:     Config{ID: id, ShardID: 1, Timeout: time.Second},
		sm:      sm.New(),
		watcher: consensus.NewWatcher(),
	}
}

// TestMetricsFromEvents checks that leader, membership and snapshot events
// all land in the metrics snapshot.
func TestMetricsFromEvents(t *testing.T) {
	e := newListenerEngine(2)

	e.LeaderUpdated(raftio.LeaderInfo{ShardID: 1, ReplicaID: 2, Term: 3, LeaderID: 1})
	e.cacheMembership(&dragonboat.Membership{
		Nodes:      map[uint64]string{1: "localhost:63001", 2: "localhost:63002"},
		NonVotings: map[uint64]string{3: "localhost:63003"},
	})
	e.SnapshotCreated(raftio.SnapshotInfo{ShardID: 1, ReplicaID: 2, Index: 10})

	m := e.Metrics()
	if !m.LeaderKnown || m.Leader != 1 || m.Term != 3 {
		t.Errorf("leader state = (%d, %v, term %d), want (1, true, term 3)", m.Leader, m.LeaderKnown, m.Term)
	}
	if m.Role != consensus.RoleFollower {
		t.Errorf("Role = %v, want follower", m.Role)
	}
	if len(m.Voters) != 2 || m.Voters[0] != 1 || m.Voters[1] != 2 {
		t.Errorf("Voters = %v, want [1 2]", m.Voters)
	}
	if len(m.Learners) != 1 || m.Learners[0] != 3 {
		t.Errorf("Learners = %v, want [3]", m.Learners)
	}
	if m.SnapshotIndex != 10 {
		t.Errorf("SnapshotIndex = %d, want 10", m.SnapshotIndex)
	}
	if !consensus.VoterCount(2)(m) {
		t.Errorf("VoterCount(2) does not hold for %v", m)
	}

	// A node listed as non-voting reports the learner role.
	e.cacheMembership(&dragonboat.Membership{
		Nodes:      map[uint64]string{1: "localhost:63001"},
		NonVotings: map[uint64]string{2: "localhost:63002"},
	})
	if got := e.Metrics().Role; got != consensus.RoleLearner {
		t.Errorf("Role = %v, want learner", got)
	}
}

// TestEventsForOtherShardsIgnored checks the shard filter on the listener
// callbacks.
func TestEventsForOtherShardsIgnored(t *testing.T) {
	e := newListenerEngine(2)

	e.LeaderUpdated(raftio.LeaderInfo{ShardID: 9, LeaderID: 7, Term: 4})
	e.SnapshotCreated(raftio.SnapshotInfo{ShardID: 9, Index: 99})

	m := e.Metrics()
	if m.LeaderKnown || m.Leader != 0 || m.SnapshotIndex != 0 {
		t.Errorf("foreign shard events changed metrics: %+v", m)
	}
}

// TestWaitUnblocksOnMembershipChange checks that a watcher waiting for a
// voter count is woken by a membership update rather than blocking until
// its deadline.
func TestWaitUnblocksOnMembershipChange(t *testing.T) {
	e := newListenerEngine(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type waitResult struct {
		m   consensus.Metrics
		err error
	}
	done := make(chan waitResult, 1)
	go func() {
		m, err := e.Watcher().Wait(ctx, consensus.VoterCount(2))
		done <- waitResult{m, err}
	}()

	// Let the waiter subscribe before the membership lands.
	time.Sleep(10 * time.Millisecond)
	e.cacheMembership(&dragonboat.Membership{
		Nodes: map[uint64]string{1: "localhost:63001", 2: "localhost:63002"},
	})

	res := <-done
	if res.err != nil {
		t.Fatalf("Wait() error = %v", res.err)
	}
	if len(res.m.Voters) != 2 {
		t.Errorf("Voters = %v, want two voters", res.m.Voters)
	}
}

// TestSnapshotIndexMonotonic checks that a recovery from an older snapshot
// does not rewind the reported snapshot index.
func TestSnapshotIndexMonotonic(t *testing.T) {
	e := newListenerEngine(1)

	e.SnapshotCreated(raftio.SnapshotInfo{ShardID: 1, Index: 20})
	e.SnapshotRecovered(raftio.SnapshotInfo{ShardID: 1, Index: 15})

	if got := e.Metrics().SnapshotIndex; got != 20 {
		t.Errorf("SnapshotIndex = %d, want 20", got)
	}
}
