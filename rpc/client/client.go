package client

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dMeta/lib/cluster"
	"github.com/ValentinKolb/dMeta/lib/consensus"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/rpc/common"
	"github.com/ValentinKolb/dMeta/rpc/serializer"
	"github.com/ValentinKolb/dMeta/rpc/transport"
)

// Client is the typed RPC client for a dMeta cluster. It speaks to any node;
// leader-bound operations are forwarded server-side along the committed
// address book.
type Client struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// NewClient connects the transport and returns a ready client
//
// Usage:
//
//	c, err := client.NewClient(
//		config,
//		tcp.NewTCPClientTransport(),
//		serializer.NewBinarySerializer(),
//	)
func NewClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*Client, error) {
	// Connect the transport
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	return &Client{
		config:     config,
		transport:  transport,
		serializer: serializer,
	}, nil
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) invoke(req *common.Message) (*common.Message, error) {
	return invokeRPCRequest(0, req, c.transport, c.serializer)
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// Write commits an arbitrary log entry and returns the applied result.
func (c *Client) Write(entry *meta.LogEntry) (*meta.AppliedState, error) {
	msg, err := common.NewForwardMessage(cluster.NewWriteRequest(entry))
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(msg)
	if err != nil {
		return nil, err
	}
	return resp.AppliedState()
}

// UpsertKV commits a conditional update of key. A failed precondition is
// not an error: the returned state has Changed() == false.
func (c *Client) UpsertKV(key string, seq meta.MatchSeq, op meta.Operation, kvMeta *meta.KVMeta) (*meta.AppliedState, error) {
	return c.Write(&meta.LogEntry{Cmd: meta.Cmd{
		Type: meta.CmdUpsertKV,
		Key:  key,
		Seq:  seq,
		Op:   op,
		Meta: kvMeta,
	}})
}

// IncrSeq atomically increments the named counter and returns its new value.
func (c *Client) IncrSeq(key string) (uint64, error) {
	res, err := c.Write(&meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdIncrSeq, Key: key}})
	if err != nil {
		return 0, err
	}
	if res == nil {
		return 0, fmt.Errorf("missing result for seq %q", key)
	}
	return res.Seq, nil
}

// Join asks the cluster to admit node.
func (c *Client) Join(node meta.Node) error {
	msg, err := common.NewForwardMessage(cluster.NewJoinRequest(node))
	if err != nil {
		return err
	}
	resp, err := c.invoke(msg)
	if err != nil {
		return err
	}
	return resp.ResponseError()
}

// Leave asks the cluster to remove the member with the given id.
func (c *Client) Leave(id meta.NodeID) error {
	msg, err := common.NewForwardMessage(cluster.NewLeaveRequest(id))
	if err != nil {
		return err
	}
	resp, err := c.invoke(msg)
	if err != nil {
		return err
	}
	return resp.ResponseError()
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// GetKV reads a key. The boolean return value indicates whether a value was
// found.
func (c *Client) GetKV(key string) (meta.SeqV, bool, error) {
	resp, err := c.invoke(common.NewGetKVRequest(key))
	if err != nil {
		return meta.SeqV{}, false, err
	}
	if err := resp.ResponseError(); err != nil {
		return meta.SeqV{}, false, err
	}
	if !resp.Ok {
		return meta.SeqV{}, false, nil
	}

	state, err := resp.AppliedState()
	if err != nil {
		return meta.SeqV{}, false, err
	}
	if state == nil || state.Result == nil {
		return meta.SeqV{}, false, fmt.Errorf("malformed getKV response for key %q", key)
	}
	return *state.Result, true, nil
}

// GetNode reads a node descriptor from the committed address book.
func (c *Client) GetNode(id meta.NodeID) (meta.Node, bool, error) {
	resp, err := c.invoke(common.NewGetNodeRequest(id))
	if err != nil {
		return meta.Node{}, false, err
	}
	if err := resp.ResponseError(); err != nil {
		return meta.Node{}, false, err
	}
	if !resp.Ok {
		return meta.Node{}, false, nil
	}

	state, err := resp.AppliedState()
	if err != nil {
		return meta.Node{}, false, err
	}
	if state == nil || state.ResultNode == nil {
		return meta.Node{}, false, fmt.Errorf("malformed getNode response for node-%d", id)
	}
	return *state.ResultNode, true, nil
}

// Nodes lists the committed address book.
func (c *Client) Nodes() ([]meta.Node, error) {
	resp, err := c.invoke(common.NewNodesRequest())
	if err != nil {
		return nil, err
	}
	if err := resp.ResponseError(); err != nil {
		return nil, err
	}

	nodes := make([]meta.Node, 0, len(resp.Nodes))
	for _, info := range resp.Nodes {
		nodes = append(nodes, info.ToNode())
	}
	return nodes, nil
}

// Metrics reads the engine metrics snapshot of the answering node.
func (c *Client) Metrics() (consensus.Metrics, error) {
	resp, err := c.invoke(common.NewMetricsRequest())
	if err != nil {
		return consensus.Metrics{}, err
	}
	if err := resp.ResponseError(); err != nil {
		return consensus.Metrics{}, err
	}

	var m consensus.Metrics
	if err := json.Unmarshal(resp.Result, &m); err != nil {
		return consensus.Metrics{}, fmt.Errorf("decoding metrics: %w", err)
	}
	return m, nil
}
