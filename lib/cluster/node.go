package cluster

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dMeta/lib/consensus"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("cluster")

// Operational counters
var (
	metricWrites   = metrics.NewCounter(`dmeta_writes_total`)
	metricForwards = metrics.NewCounter(`dmeta_forwards_total`)
	metricJoins    = metrics.NewCounter(`dmeta_joins_total`)
	metricLeaves   = metrics.NewCounter(`dmeta_leaves_total`)
)

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node is one member of a dMeta cluster. It owns a consensus engine and
// routes operations: leader-bound requests are executed locally when this
// node leads, otherwise forwarded along the committed address book.
type Node struct {
	self      meta.Node
	engine    consensus.Engine
	forwarder Forwarder

	opened atomic.Bool
}

// New wires a node around an already-open engine. The node is not serving
// until Boot, Open or OpenOrBoot ran.
func New(self meta.Node, engine consensus.Engine, forwarder Forwarder) *Node {
	return &Node{self: self, engine: engine, forwarder: forwarder}
}

// Self returns this node's descriptor.
func (n *Node) Self() meta.Node {
	return n.self
}

// Engine returns the underlying consensus engine.
func (n *Node) Engine() consensus.Engine {
	return n.engine
}

// IsOpened reports whether the node completed Boot, Open or OpenOrBoot.
func (n *Node) IsOpened() bool {
	return n.opened.Load()
}

// IsLeader reports whether this node currently leads the cluster.
func (n *Node) IsLeader() bool {
	id, ok := n.engine.LeaderID()
	return ok && id == n.self.ID
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Boot initializes a brand new single-node cluster: this node becomes the
// founding voter and leader, then commits its own descriptor as the first
// entry of the address book.
func (n *Node) Boot(ctx context.Context) error {
	if n.opened.Load() {
		return fmt.Errorf("node %s already opened", n.self)
	}

	if err := n.engine.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping: %w", err)
	}
	if _, err := n.engine.Watcher().Wait(ctx, func(m consensus.Metrics) bool { return m.LeaderKnown }); err != nil {
		return fmt.Errorf("waiting for leader election: %w", err)
	}

	if _, err := n.engine.Propose(ctx, &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdAddNode, Node: n.self}}); err != nil {
		return fmt.Errorf("registering own descriptor: %w", err)
	}

	n.opened.Store(true)
	log.Infof("booted %s as founding member", n.self)
	return nil
}

// Open starts serving from existing durable state. The engine already
// restored the state machine; Open only flips the node into serving mode.
func (n *Node) Open(_ context.Context) error {
	if n.opened.Load() {
		return fmt.Errorf("node %s already opened", n.self)
	}
	n.opened.Store(true)
	log.Infof("opened %s at applied index %d", n.self, n.engine.StateMachine().LastApplied())
	return nil
}

// OpenOrBoot opens the node when durable state existed, boots a new
// cluster when none did and no join target is given, and otherwise joins
// the cluster via joinVia before serving.
func (n *Node) OpenOrBoot(ctx context.Context, existed bool, joinVia *meta.Node) error {
	switch {
	case existed:
		return n.Open(ctx)
	case joinVia == nil:
		return n.Boot(ctx)
	default:
		if _, err := n.forwarder.Forward(ctx, *joinVia, NewJoinRequest(n.self)); err != nil {
			return fmt.Errorf("joining via %s: %w", joinVia, err)
		}
		return n.Open(ctx)
	}
}

// Stop takes the node out of service and shuts the engine down. Waiters
// blocked on the metrics watcher are released.
func (n *Node) Stop() error {
	if !n.opened.CompareAndSwap(true, false) {
		return nil
	}
	log.Infof("stopping %s", n.self)
	return n.engine.Stop()
}

// --------------------------------------------------------------------------
// Forwardable Operations
// --------------------------------------------------------------------------

// HandleForwardable executes a leader-bound request: locally when this
// node is the leader, otherwise forwarded to the known leader with the hop
// budget decremented. An exhausted budget surfaces the routing error to
// the caller.
func (n *Node) HandleForwardable(ctx context.Context, req *ForwardRequest) (*meta.AppliedState, error) {
	res, err := n.applyLocal(ctx, req)
	if err == nil {
		return res, nil
	}

	fwd, ok := meta.AsForwardToLeader(err)
	if !ok || req.ForwardToLeader <= 0 {
		return nil, err
	}
	if !fwd.Known {
		return nil, meta.Retryable(err)
	}
	leader, ok := n.engine.StateMachine().GetNode(fwd.Leader)
	if !ok {
		return nil, meta.Retryable(fmt.Errorf("leader node-%d not in address book", fwd.Leader))
	}

	metricForwards.Inc()
	log.Debugf("forwarding %s to %s (remaining budget %d)", req.Kind, leader, req.ForwardToLeader-1)
	return n.forwarder.Forward(ctx, leader, req.next())
}

func (n *Node) applyLocal(ctx context.Context, req *ForwardRequest) (*meta.AppliedState, error) {
	switch req.Kind {
	case BodyWrite:
		res, err := n.engine.Propose(ctx, req.Entry)
		if err != nil {
			return nil, err
		}
		metricWrites.Inc()
		return res, nil
	case BodyJoin:
		return n.admit(ctx, req.Node)
	case BodyLeave:
		return n.expel(ctx, req.NodeID)
	default:
		return nil, fmt.Errorf("unknown forwardable kind %d", req.Kind)
	}
}

// admit runs on the leader: commit the joiner's descriptor, then add it to
// the configuration as a learner. Re-sent joins only refresh the
// descriptor, the configuration is untouched for existing members.
func (n *Node) admit(ctx context.Context, node meta.Node) (*meta.AppliedState, error) {
	res, err := n.engine.Propose(ctx, &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdAddNode, Node: node}})
	if err != nil {
		return nil, err
	}

	m, err := n.engine.Membership(ctx)
	if err != nil {
		return nil, err
	}
	_, isVoter := m.Voters[node.ID]
	_, isLearner := m.Learners[node.ID]
	if !isVoter && !isLearner {
		if err := n.engine.AddLearner(ctx, node.ID, node.Endpoint); err != nil {
			return nil, err
		}
	}

	metricJoins.Inc()
	log.Infof("admitted %s (voter=%v, learner=%v)", node, isVoter, isLearner)
	return res, nil
}

// expel runs on the leader: drop the member from the configuration, then
// commit the removal of its descriptor.
func (n *Node) expel(ctx context.Context, id meta.NodeID) (*meta.AppliedState, error) {
	res, err := n.engine.Propose(ctx, &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdRemoveNode, NodeID: id}})
	if err != nil {
		return nil, err
	}
	if err := n.engine.RemoveMember(ctx, id); err != nil {
		return nil, err
	}

	metricLeaves.Inc()
	log.Infof("removed node-%d from the cluster", id)
	return res, nil
}

// --------------------------------------------------------------------------
// Public Write API
// --------------------------------------------------------------------------

// Write commits an arbitrary log entry, forwarding to the leader if needed.
func (n *Node) Write(ctx context.Context, entry *meta.LogEntry) (*meta.AppliedState, error) {
	return n.HandleForwardable(ctx, NewWriteRequest(entry))
}

// UpsertKV commits a conditional update of key. A failed precondition is
// not an error: the returned state has Changed() == false.
func (n *Node) UpsertKV(ctx context.Context, key string, seq meta.MatchSeq, op meta.Operation, kvMeta *meta.KVMeta) (*meta.AppliedState, error) {
	return n.Write(ctx, &meta.LogEntry{Cmd: meta.Cmd{
		Type: meta.CmdUpsertKV,
		Key:  key,
		Seq:  seq,
		Op:   op,
		Meta: kvMeta,
	}})
}

// IncrSeq atomically increments the named counter and returns its new
// value.
func (n *Node) IncrSeq(ctx context.Context, key string) (uint64, error) {
	res, err := n.Write(ctx, &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdIncrSeq, Key: key}})
	if err != nil {
		return 0, err
	}
	return res.Seq, nil
}

// Join asks the cluster to admit node, routed to the leader.
func (n *Node) Join(ctx context.Context, node meta.Node) error {
	_, err := n.HandleForwardable(ctx, NewJoinRequest(node))
	return err
}

// Leave asks the cluster to remove the member with the given id, routed to
// the leader.
func (n *Node) Leave(ctx context.Context, id meta.NodeID) error {
	_, err := n.HandleForwardable(ctx, NewLeaveRequest(id))
	return err
}

// Promote upgrades a learner to voter using its committed endpoint.
func (n *Node) Promote(ctx context.Context, id meta.NodeID) error {
	node, ok := n.engine.StateMachine().GetNode(id)
	if !ok {
		return fmt.Errorf("node-%d not in address book", id)
	}
	return n.engine.AddVoter(ctx, id, node.Endpoint)
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// GetKV reads a key from the local replica.
func (n *Node) GetKV(key string) (meta.SeqV, bool) {
	return n.engine.StateMachine().GetKV(key)
}

// GetNode reads a node descriptor from the local replica.
func (n *Node) GetNode(id meta.NodeID) (meta.Node, bool) {
	return n.engine.StateMachine().GetNode(id)
}

// Nodes lists the committed address book.
func (n *Node) Nodes() []meta.Node {
	return n.engine.StateMachine().Nodes()
}

// CurrSeq reads the current value of a named counter without incrementing.
func (n *Node) CurrSeq(key string) uint64 {
	return n.engine.StateMachine().CurrSeq(key)
}

// Metrics returns the engine's current metrics snapshot.
func (n *Node) Metrics() consensus.Metrics {
	return n.engine.Metrics()
}
