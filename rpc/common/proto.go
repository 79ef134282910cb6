package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dMeta/lib/cluster"
	"github.com/ValentinKolb/dMeta/lib/meta"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// NodeInfo is the wire form of a node descriptor.
type NodeInfo struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	APIAddr  string `json:"api_addr,omitempty"`
}

// FromNode converts a descriptor into its wire form.
func FromNode(n meta.Node) NodeInfo {
	return NodeInfo{ID: uint64(n.ID), Name: n.Name, Endpoint: n.Endpoint, APIAddr: n.APIAddr}
}

// ToNode converts the wire form back into a descriptor.
func (i NodeInfo) ToNode() meta.Node {
	return meta.Node{ID: meta.NodeID(i.ID), Name: i.Name, Endpoint: i.Endpoint, APIAddr: i.APIAddr}
}

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Request fields
	Budget int    `json:"budget,omitempty"`  // Remaining leader hops (Write, Join, Leave)
	Key    string `json:"key,omitempty"`     // Used for: GetKV
	Entry  []byte `json:"entry,omitempty"`   // Serialized meta.LogEntry (Write, Join, Leave)
	NodeID uint64 `json:"node_id,omitempty"` // Used for: GetNode

	// Response fields
	Ok          bool       `json:"ok,omitempty"`           // Lookup hit/miss (GetKV, GetNode)
	Result      []byte     `json:"result,omitempty"`       // Serialized meta.AppliedState / opaque payload
	Nodes       []NodeInfo `json:"nodes,omitempty"`        // Used for: Nodes response
	Forward     bool       `json:"forward,omitempty"`      // Err is a leader-routing signal
	Leader      uint64     `json:"leader,omitempty"`       // Leader hint on routing errors
	LeaderKnown bool       `json:"leader_known,omitempty"` // Whether the leader hint is valid
	Err         string     `json:"err,omitempty"`          // Empty if no error
}

// --------------------------------------------------------------------------
// Forwardable Requests
//
// Write, Join and Leave all travel as a serialized log entry plus the
// remaining hop budget. Join and Leave reuse the AddNode/RemoveNode entry
// encodings so the codec lives in one place.
// --------------------------------------------------------------------------

// NewForwardMessage converts a cluster.ForwardRequest into its wire form.
func NewForwardMessage(req *cluster.ForwardRequest) (*Message, error) {
	msg := &Message{Budget: req.ForwardToLeader}
	switch req.Kind {
	case cluster.BodyWrite:
		msg.MsgType = MsgTWrite
		msg.Entry = req.Entry.Serialize()
	case cluster.BodyJoin:
		msg.MsgType = MsgTJoin
		entry := meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdAddNode, Node: req.Node}}
		msg.Entry = entry.Serialize()
	case cluster.BodyLeave:
		msg.MsgType = MsgTLeave
		entry := meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdRemoveNode, NodeID: req.NodeID}}
		msg.Entry = entry.Serialize()
	default:
		return nil, fmt.Errorf("kind %s is not forwardable", req.Kind)
	}
	return msg, nil
}

// ForwardRequest reconstructs the cluster.ForwardRequest from a Write, Join
// or Leave message.
func (m *Message) ForwardRequest() (*cluster.ForwardRequest, error) {
	entry := &meta.LogEntry{}
	if err := entry.Deserialize(m.Entry); err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}

	req := &cluster.ForwardRequest{ForwardToLeader: m.Budget}
	switch m.MsgType {
	case MsgTWrite:
		req.Kind = cluster.BodyWrite
		req.Entry = entry
	case MsgTJoin:
		if entry.Cmd.Type != meta.CmdAddNode {
			return nil, fmt.Errorf("join message carries %s entry", entry.Cmd.Type)
		}
		req.Kind = cluster.BodyJoin
		req.Node = entry.Cmd.Node
	case MsgTLeave:
		if entry.Cmd.Type != meta.CmdRemoveNode {
			return nil, fmt.Errorf("leave message carries %s entry", entry.Cmd.Type)
		}
		req.Kind = cluster.BodyLeave
		req.NodeID = entry.Cmd.NodeID
	default:
		return nil, fmt.Errorf("message type %s is not forwardable", m.MsgType)
	}
	return req, nil
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewGetKVRequest creates a new GetKV request
func NewGetKVRequest(key string) *Message {
	return &Message{MsgType: MsgTGetKV, Key: key}
}

// NewGetNodeRequest creates a new GetNode request
func NewGetNodeRequest(id meta.NodeID) *Message {
	return &Message{MsgType: MsgTGetNode, NodeID: uint64(id)}
}

// NewNodesRequest creates a new Nodes request
func NewNodesRequest() *Message {
	return &Message{MsgType: MsgTNodes}
}

// NewMetricsRequest creates a new Metrics request
func NewMetricsRequest() *Message {
	return &Message{MsgType: MsgTMetrics}
}

// NewResultResponse wraps an applied state (or the error that replaced it)
// into a response. Leader-routing errors keep their hint so the caller can
// retry against the right node.
func NewResultResponse(t MessageType, res *meta.AppliedState, err error) *Message {
	msg := &Message{MsgType: t}
	if err != nil {
		if fwd, ok := meta.AsForwardToLeader(err); ok {
			// The flag marks the routing signal explicitly: a no-leader
			// forward has no hint fields at all, yet must come back typed.
			msg.Forward = true
			msg.Leader = uint64(fwd.Leader)
			msg.LeaderKnown = fwd.Known
		}
		msg.Err = err.Error()
		return msg
	}
	if res != nil {
		msg.Result = res.Serialize()
		msg.Ok = true
	}
	return msg
}

// NewGetKVResponse creates a new GetKV response. The value rides in the
// applied state codec so the client decodes one format everywhere.
func NewGetKVResponse(v meta.SeqV, ok bool) *Message {
	msg := &Message{MsgType: MsgTGetKV, Ok: ok}
	if ok {
		state := meta.AppliedState{Kind: meta.AppliedKV, Result: &v}
		msg.Result = state.Serialize()
	}
	return msg
}

// NewGetNodeResponse creates a new GetNode response
func NewGetNodeResponse(n meta.Node, ok bool) *Message {
	msg := &Message{MsgType: MsgTGetNode, Ok: ok}
	if ok {
		state := meta.AppliedState{Kind: meta.AppliedNode, ResultNode: &n}
		msg.Result = state.Serialize()
	}
	return msg
}

// NewNodesResponse creates a new Nodes response
func NewNodesResponse(nodes []meta.Node) *Message {
	msg := &Message{MsgType: MsgTNodes, Ok: true}
	for _, n := range nodes {
		msg.Nodes = append(msg.Nodes, FromNode(n))
	}
	return msg
}

// NewMetricsResponse creates a new Metrics response with an opaque payload
func NewMetricsResponse(data []byte, err error) *Message {
	msg := &Message{MsgType: MsgTMetrics, Result: data, Ok: err == nil}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{MsgType: MsgTError, Err: err}
}

// ResponseError reconstructs the error carried by a response, mapping
// leader hints back to meta.ForwardToLeader. It returns nil for successful
// responses.
func (m *Message) ResponseError() error {
	if m.Err == "" {
		return nil
	}
	if m.Forward {
		return &meta.ForwardToLeader{Leader: meta.NodeID(m.Leader), Known: m.LeaderKnown}
	}
	return fmt.Errorf("%s", m.Err)
}

// AppliedState decodes the applied state carried in the Result field.
func (m *Message) AppliedState() (*meta.AppliedState, error) {
	if err := m.ResponseError(); err != nil {
		return nil, err
	}
	if len(m.Result) == 0 {
		return nil, nil
	}
	res := &meta.AppliedState{}
	if err := res.Deserialize(m.Result); err != nil {
		return nil, fmt.Errorf("decoding applied state: %w", err)
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTWrite:
		return "write"
	case MsgTJoin:
		return "join"
	case MsgTLeave:
		return "leave"
	case MsgTGetKV:
		return "getKV"
	case MsgTGetNode:
		return "getNode"
	case MsgTNodes:
		return "nodes"
	case MsgTMetrics:
		return "metrics"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "write":
		*t = MsgTWrite
	case "join":
		*t = MsgTJoin
	case "leave":
		*t = MsgTLeave
	case "getKV":
		*t = MsgTGetKV
	case "getNode":
		*t = MsgTGetNode
	case "nodes":
		*t = MsgTNodes
	case "metrics":
		*t = MsgTMetrics
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Leader-bound (forwardable) operations

	MsgTWrite // Commit a log entry
	MsgTJoin  // Admit a node to the cluster
	MsgTLeave // Remove a member from the cluster

	// Local read operations

	MsgTGetKV   // Read a key from the local replica
	MsgTGetNode // Read a node descriptor
	MsgTNodes   // List the committed address book
	MsgTMetrics // Read the engine metrics snapshot
)
