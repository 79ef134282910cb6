// Package client implements RPC clients for the distributed metadata store.
// It provides a typed client for application access and the leader forwarder
// nodes use to route leader-bound requests between each other.
//
// The package focuses on:
//   - Transparent RPC access to the cluster's write and read operations
//   - Integration with the transport and serialization layers
//   - Error handling and conversion between RPC and domain errors
//
// Key Components:
//
//   - NewClient: Factory function that creates a typed client speaking to any
//     cluster node. Leader-bound operations (writes, joins, leaves) are
//     forwarded server-side, so the client never needs to know the leader.
//
//   - NewLeaderForwarder: Factory function for the cluster.Forwarder used by
//     nodes themselves. It caches one connected transport per target endpoint
//     so repeated forwards to the same leader reuse the connection.
//
// Usage Example:
//
//	// Configure the client
//	config := common.ClientConfig{
//	  Endpoints:              []string{"localhost:5000"},
//	  TimeoutSecond:          5,
//	  RetryCount:             3,
//	  ConnectionsPerEndpoint: 1,
//	}
//
//	// Create the client
//	c, _ := client.NewClient(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//
//	// Conditional write: create the key only if it does not exist yet
//	res, _ := c.UpsertKV("svc/config", meta.MatchExact(0), meta.Update([]byte("v1")), nil)
//
//	// Read it back
//	v, ok, _ := c.GetKV("svc/config")
//
// Performance Considerations:
//
//   - For applications that frequently send large payloads, increasing ConnectionsPerEndpoint
//     can improve throughput by allowing parallel requests.
//
//   - For small messages, a single connection per endpoint is often more efficient due to
//     reduced connection overhead.
//
//   - The choice of serializer significantly affects performance. The binary serializer
//     provides the best performance and smallest payload size.
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
