package client

import (
	"fmt"

	"github.com/ValentinKolb/dMeta/rpc/common"
	"github.com/ValentinKolb/dMeta/rpc/serializer"
	"github.com/ValentinKolb/dMeta/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// invokeRPCRequest is a helper function used for all RPC clients to send requests
// It takes a node ID, a request message, a transport layer and a serializer as parameters
// It returns the response message and an error if any occurs
//
// Application-level errors (including leader-routing hints) stay inside the
// returned message; callers reconstruct them with ResponseError or
// AppliedState so typed errors survive the wire.
func invokeRPCRequest(nodeID uint64, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	// Send the request
	respBytes, err := transport.Send(nodeID, reqBytes)
	if err != nil {
		return nil, err
	}

	// Deserialize the response
	resp := &common.Message{}
	err = serializer.Deserialize(respBytes, resp)
	if err != nil {
		return nil, fmt.Errorf("rpc client - error: %s", err)
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType && resp.MsgType != common.MsgTError {
		return nil, fmt.Errorf("rpc client - unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}

	// Return the response
	return resp, nil
}
