package cluster

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dMeta/lib/meta"
)

// DefaultForwardBudget is the number of leader hops a request may take
// before it is returned to the caller unhandled. One hop suffices when the
// leader hint is accurate; the budget only absorbs hints that go stale
// mid-flight (leader changed between routing decisions).
const DefaultForwardBudget = 3

// BodyKind discriminates the operations that may be forwarded to a leader.
type BodyKind uint8

const (
	BodyWrite BodyKind = iota
	BodyJoin
	BodyLeave
)

func (k BodyKind) String() string {
	switch k {
	case BodyWrite:
		return "Write"
	case BodyJoin:
		return "Join"
	case BodyLeave:
		return "Leave"
	default:
		return fmt.Sprintf("BodyKind(%d)", uint8(k))
	}
}

// ForwardRequest is a leader-bound operation together with its remaining
// hop budget. Nodes that are not the leader pass it on with the budget
// decremented; at zero the request is answered with the routing error
// instead of being forwarded again.
type ForwardRequest struct {
	// ForwardToLeader is the remaining hop budget.
	ForwardToLeader int

	Kind   BodyKind
	Entry  *meta.LogEntry // BodyWrite
	Node   meta.Node      // BodyJoin
	NodeID meta.NodeID    // BodyLeave
}

func (r *ForwardRequest) String() string {
	return fmt.Sprintf("ForwardRequest(kind=%s, budget=%d)", r.Kind, r.ForwardToLeader)
}

// NewWriteRequest wraps a log entry with the default hop budget.
func NewWriteRequest(entry *meta.LogEntry) *ForwardRequest {
	return &ForwardRequest{ForwardToLeader: DefaultForwardBudget, Kind: BodyWrite, Entry: entry}
}

// NewJoinRequest asks the leader to admit node to the cluster.
func NewJoinRequest(node meta.Node) *ForwardRequest {
	return &ForwardRequest{ForwardToLeader: DefaultForwardBudget, Kind: BodyJoin, Node: node}
}

// NewLeaveRequest asks the leader to remove a member.
func NewLeaveRequest(id meta.NodeID) *ForwardRequest {
	return &ForwardRequest{ForwardToLeader: DefaultForwardBudget, Kind: BodyLeave, NodeID: id}
}

// next returns a copy with the hop budget decremented.
func (r *ForwardRequest) next() *ForwardRequest {
	c := *r
	c.ForwardToLeader--
	return &c
}

// Forwarder delivers a ForwardRequest to another node and returns that
// node's answer. The rpc client implements it for real deployments; tests
// use an in-process implementation.
type Forwarder interface {
	Forward(ctx context.Context, target meta.Node, req *ForwardRequest) (*meta.AppliedState, error)
}
