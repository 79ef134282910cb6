package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dMeta/lib/cluster"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/rpc/common"
	"github.com/ValentinKolb/dMeta/rpc/serializer"
	"github.com/ValentinKolb/dMeta/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// LeaderForwarder delivers leader-bound requests to other nodes over the
// RPC transport. It keeps one connected transport per target endpoint and
// reuses it across forwards, so repeated routing to the same leader does
// not pay the dial cost every time.
type LeaderForwarder struct {
	serializer   serializer.IRPCSerializer
	newTransport func() transport.IRPCClientTransport
	config       common.ClientConfig

	// endpoint -> connected transport
	transports *xsync.MapOf[string, transport.IRPCClientTransport]
}

var _ cluster.Forwarder = (*LeaderForwarder)(nil)

// NewLeaderForwarder creates a forwarder that dials targets with transports
// from the given factory. The config's endpoints are ignored; each forward
// dials the target's API address.
func NewLeaderForwarder(
	config common.ClientConfig,
	newTransport func() transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) *LeaderForwarder {
	return &LeaderForwarder{
		serializer:   serializer,
		newTransport: newTransport,
		config:       config,
		transports:   xsync.NewMapOf[string, transport.IRPCClientTransport](),
	}
}

// Forward sends the request to the target node and decodes its answer.
func (f *LeaderForwarder) Forward(ctx context.Context, target meta.Node, req *cluster.ForwardRequest) (*meta.AppliedState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if target.APIAddr == "" {
		return nil, fmt.Errorf("node %s has no API address to forward to", target)
	}

	tr, err := f.transportFor(target.APIAddr)
	if err != nil {
		return nil, meta.Retryable(err)
	}

	msg, err := common.NewForwardMessage(req)
	if err != nil {
		return nil, err
	}

	resp, err := invokeRPCRequest(uint64(target.ID), msg, tr, f.serializer)
	if err != nil {
		// Transport-level failure: drop the cached transport so the next
		// forward redials, and let the caller retry.
		f.drop(target.APIAddr, tr)
		return nil, meta.Retryable(err)
	}
	return resp.AppliedState()
}

// Close closes all cached transports.
func (f *LeaderForwarder) Close() error {
	f.transports.Range(func(endpoint string, tr transport.IRPCClientTransport) bool {
		if err := tr.Close(); err != nil {
			Logger.Warningf("closing forward transport to %s: %v", endpoint, err)
		}
		f.transports.Delete(endpoint)
		return true
	})
	return nil
}

// transportFor returns the cached transport for an endpoint, dialing a new
// one on first use. A lost race closes the extra transport.
func (f *LeaderForwarder) transportFor(endpoint string) (transport.IRPCClientTransport, error) {
	if tr, ok := f.transports.Load(endpoint); ok {
		return tr, nil
	}

	tr := f.newTransport()
	cfg := f.config
	cfg.Endpoints = []string{endpoint}
	if err := tr.Connect(cfg); err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	if existing, loaded := f.transports.LoadOrStore(endpoint, tr); loaded {
		_ = tr.Close()
		return existing, nil
	}
	return tr, nil
}

// drop removes a failed transport from the cache.
func (f *LeaderForwarder) drop(endpoint string, tr transport.IRPCClientTransport) {
	if cached, ok := f.transports.Load(endpoint); ok && cached == tr {
		f.transports.Delete(endpoint)
		_ = tr.Close()
	}
}
