package consensus

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/lib/sm"
)

// --------------------------------------------------------------------------
// Roles
// --------------------------------------------------------------------------

// Role is the consensus role of a node as reported by the engine.
type Role uint8

const (
	RoleLearner Role = iota
	RoleFollower
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleLearner:
		return "learner"
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// Membership is the committed consensus configuration: which node ids vote
// and which only replicate, each mapped to its raft endpoint.
type Membership struct {
	Voters   map[meta.NodeID]string
	Learners map[meta.NodeID]string

	// ConfigChangeID is the version of the configuration, passed back to
	// membership change calls for optimistic concurrency.
	ConfigChangeID uint64
}

// Metrics is a point-in-time view of the engine state. It is published to
// the engine's Watcher on every change, so callers can block until a
// predicate over it holds (leader elected, log applied, member added, ...).
type Metrics struct {
	ID          meta.NodeID
	Role        Role
	Leader      meta.NodeID
	LeaderKnown bool
	Term        uint64

	LastLogIndex  uint64
	AppliedIndex  uint64
	SnapshotIndex uint64

	Voters   []meta.NodeID
	Learners []meta.NodeID
}

// Engine is the consensus engine a dMeta node is built on. It replicates
// proposed log entries, applies them to the local state machine in commit
// order, and manages the voting configuration.
//
// Propose is leader-only: on a non-leader it fails with
// meta.ForwardToLeader so the caller can forward. All blocking methods
// honor ctx cancellation.
type Engine interface {
	// Bootstrap turns this engine into the founding member of a brand new
	// cluster and blocks until it is elected leader. Only valid on an
	// engine whose store was empty on open.
	Bootstrap(ctx context.Context) error

	// Propose replicates the entry and returns the state machine result
	// once the entry is committed and applied locally.
	Propose(ctx context.Context, entry *meta.LogEntry) (*meta.AppliedState, error)

	// AddLearner adds a non-voting member that starts replicating the log.
	AddLearner(ctx context.Context, id meta.NodeID, target string) error

	// AddVoter promotes a member to voter (or directly adds a voting
	// member).
	AddVoter(ctx context.Context, id meta.NodeID, target string) error

	// RemoveMember removes a voter or learner from the configuration.
	RemoveMember(ctx context.Context, id meta.NodeID) error

	// Membership returns the committed configuration.
	Membership(ctx context.Context) (Membership, error)

	// LeaderID returns the current leader if known.
	LeaderID() (meta.NodeID, bool)

	// Metrics returns the engine's current metrics snapshot.
	Metrics() Metrics

	// Watcher exposes the metrics stream for predicate waits.
	Watcher() *Watcher

	// StateMachine exposes the local replica for point-in-time reads.
	StateMachine() *sm.StateMachine

	// Stop shuts the engine down. The state machine stays readable, but
	// proposals and membership changes fail afterwards.
	Stop() error
}

// --------------------------------------------------------------------------
// Predicates
// --------------------------------------------------------------------------

// HasLeader matches once the engine sees id as the elected leader.
func HasLeader(id meta.NodeID) func(Metrics) bool {
	return func(m Metrics) bool { return m.LeaderKnown && m.Leader == id }
}

// IsRole matches once the node itself holds the given role.
func IsRole(role Role) func(Metrics) bool {
	return func(m Metrics) bool { return m.Role == role }
}

// AppliedAtLeast matches once the node has applied the log up to index.
func AppliedAtLeast(index uint64) func(Metrics) bool {
	return func(m Metrics) bool { return m.AppliedIndex >= index }
}

// VoterCount matches once the committed configuration has n voters.
func VoterCount(n int) func(Metrics) bool {
	return func(m Metrics) bool { return len(m.Voters) == n }
}
