package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ValentinKolb/dMeta/lib/cluster"
	"github.com/ValentinKolb/dMeta/lib/consensus"
	"github.com/ValentinKolb/dMeta/lib/consensus/inproc"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/rpc/common"
	"github.com/ValentinKolb/dMeta/rpc/serializer"
	"github.com/ValentinKolb/dMeta/rpc/transport"
)

// newTestServer boots a single-node cluster and returns a server wired
// around it. The transport layer is not started; tests drive the message
// dispatch directly.
func newTestServer(t *testing.T) *rpcServer {
	t.Helper()

	engine, err := inproc.Open(inproc.NewHub(), inproc.Config{
		ID:     1,
		Target: "local-1",
		Dir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}

	node := cluster.New(meta.Node{ID: 1, Name: "node-1", APIAddr: "localhost:0"}, engine, nil)
	if err := node.Boot(context.Background()); err != nil {
		t.Fatalf("failed to boot node: %v", err)
	}
	t.Cleanup(func() { _ = node.Stop() })

	return &rpcServer{
		config:     common.ServerConfig{NodeID: 1, TimeoutSecond: 5},
		serializer: serializer.NewBinarySerializer(),
		node:       node,
	}
}

// forwardMessage builds the wire form of a forwardable request
func forwardMessage(t *testing.T, req *cluster.ForwardRequest) *common.Message {
	t.Helper()
	msg, err := common.NewForwardMessage(req)
	if err != nil {
		t.Fatalf("failed to build forward message: %v", err)
	}
	return msg
}

func TestHandleWriteAndGetKV(t *testing.T) {
	s := newTestServer(t)

	// Commit a value
	write := forwardMessage(t, cluster.NewWriteRequest(&meta.LogEntry{Cmd: meta.Cmd{
		Type: meta.CmdUpsertKV,
		Key:  "test-key",
		Seq:  meta.MatchAny(),
		Op:   meta.Update([]byte("test-value")),
	}}))

	resp := s.handle(write)
	if resp.Err != "" {
		t.Fatalf("write failed: %s", resp.Err)
	}
	state, err := resp.AppliedState()
	if err != nil {
		t.Fatalf("failed to decode applied state: %v", err)
	}
	if state == nil || state.Result == nil {
		t.Fatal("expected a stored value in the applied state")
	}
	if string(state.Result.Data) != "test-value" {
		t.Errorf("expected data %q, got %q", "test-value", state.Result.Data)
	}

	// Read it back
	resp = s.handle(common.NewGetKVRequest("test-key"))
	if !resp.Ok {
		t.Fatal("expected GetKV hit")
	}
	state, err = resp.AppliedState()
	if err != nil {
		t.Fatalf("failed to decode applied state: %v", err)
	}
	if string(state.Result.Data) != "test-value" {
		t.Errorf("expected data %q, got %q", "test-value", state.Result.Data)
	}

	// Miss for an unknown key
	resp = s.handle(common.NewGetKVRequest("missing-key"))
	if resp.Ok {
		t.Error("expected GetKV miss for unknown key")
	}
	if resp.Err != "" {
		t.Errorf("miss should not be an error, got %s", resp.Err)
	}
}

func TestHandleJoinAndLeave(t *testing.T) {
	s := newTestServer(t)

	joiner := meta.Node{ID: 2, Name: "node-2", Endpoint: "local-2", APIAddr: "localhost:0"}
	resp := s.handle(forwardMessage(t, cluster.NewJoinRequest(joiner)))
	if resp.Err != "" {
		t.Fatalf("join failed: %s", resp.Err)
	}

	// The address book now lists both nodes
	resp = s.handle(common.NewNodesRequest())
	if len(resp.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(resp.Nodes))
	}

	// GetNode resolves the joiner's descriptor
	resp = s.handle(common.NewGetNodeRequest(2))
	if !resp.Ok {
		t.Fatal("expected GetNode hit for node 2")
	}
	state, err := resp.AppliedState()
	if err != nil {
		t.Fatalf("failed to decode applied state: %v", err)
	}
	if state.ResultNode.Name != "node-2" {
		t.Errorf("expected name %q, got %q", "node-2", state.ResultNode.Name)
	}

	// Remove the joiner again
	resp = s.handle(forwardMessage(t, cluster.NewLeaveRequest(2)))
	if resp.Err != "" {
		t.Fatalf("leave failed: %s", resp.Err)
	}
	resp = s.handle(common.NewNodesRequest())
	if len(resp.Nodes) != 1 {
		t.Fatalf("expected 1 node after leave, got %d", len(resp.Nodes))
	}
}

func TestHandleMetrics(t *testing.T) {
	s := newTestServer(t)

	resp := s.handle(common.NewMetricsRequest())
	if resp.Err != "" {
		t.Fatalf("metrics failed: %s", resp.Err)
	}

	var m consensus.Metrics
	if err := json.Unmarshal(resp.Result, &m); err != nil {
		t.Fatalf("failed to decode metrics: %v", err)
	}
	if !m.LeaderKnown || m.Leader != 1 {
		t.Errorf("expected node 1 as known leader, got leader=%d known=%v", m.Leader, m.LeaderKnown)
	}
}

func TestHandleUnknownType(t *testing.T) {
	s := newTestServer(t)

	resp := s.handle(&common.Message{MsgType: common.MsgTUnknown})
	if resp.MsgType != common.MsgTError {
		t.Errorf("expected error response, got %s", resp.MsgType)
	}
}

// captureTransport records the registered handler so tests can invoke it
// without a network listener.
type captureTransport struct {
	handler transport.ServerHandleFunc
}

func (c *captureTransport) RegisterHandler(h transport.ServerHandleFunc) { c.handler = h }
func (c *captureTransport) Listen(common.ServerConfig) error            { return nil }

func TestTransportHandlerRoundTrip(t *testing.T) {
	s := newTestServer(t)
	capture := &captureTransport{}
	s.transport = capture
	s.registerTransportHandler()

	ser := serializer.NewBinarySerializer()

	// A valid request travels through serialize, dispatch, deserialize
	reqBytes, err := ser.Serialize(*common.NewNodesRequest())
	if err != nil {
		t.Fatalf("failed to serialize request: %v", err)
	}
	respBytes := capture.handler(1, reqBytes)

	var resp common.Message
	if err := ser.Deserialize(respBytes, &resp); err != nil {
		t.Fatalf("failed to deserialize response: %v", err)
	}
	if len(resp.Nodes) != 1 {
		t.Errorf("expected 1 node, got %d", len(resp.Nodes))
	}

	// Garbage input yields an error response, not a dropped frame
	respBytes = capture.handler(1, []byte{})
	if err := ser.Deserialize(respBytes, &resp); err != nil {
		t.Fatalf("failed to deserialize response: %v", err)
	}
	if resp.MsgType != common.MsgTError {
		t.Errorf("expected error response for garbage input, got %s", resp.MsgType)
	}
}
