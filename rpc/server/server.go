package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dMeta/lib/cluster"
	"github.com/ValentinKolb/dMeta/lib/consensus"
	"github.com/ValentinKolb/dMeta/lib/consensus/dragon"
	"github.com/ValentinKolb/dMeta/lib/consensus/inproc"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/lib/store"
	"github.com/ValentinKolb/dMeta/rpc/client"
	"github.com/ValentinKolb/dMeta/rpc/common"
	"github.com/ValentinKolb/dMeta/rpc/serializer"
	"github.com/ValentinKolb/dMeta/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates a new RPC server hosting one cluster node.
// It takes a config, the serving transport, a factory for the client
// transports used to forward leader-bound requests between nodes, and a
// serializer.
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPDefaultServerTransport(),
//		tcp.NewTCPClientTransport,
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	serverTransport transport.IRPCServerTransport,
	clientTransport func() transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) rpcServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return rpcServer{
		config:          config,
		transport:       serverTransport,
		clientTransport: clientTransport,
		serializer:      serializer,
	}
}

type rpcServer struct {
	config          common.ServerConfig
	transport       transport.IRPCServerTransport
	clientTransport func() transport.IRPCClientTransport
	serializer      serializer.IRPCSerializer
	node            *cluster.Node
}

// Node exposes the hosted cluster node, mainly for tests and embedding.
func (s *rpcServer) Node() *cluster.Node {
	return s.node
}

// registerTransportHandler wires the message dispatch into the transport.
func (s *rpcServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(nodeID uint64, req []byte) []byte {
		var msg common.Message
		var respMsg *common.Message

		// Decode the request
		if err := s.serializer.Deserialize(req, &msg); err != nil {
			respMsg = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
		} else {
			respMsg = s.handle(&msg)
		}

		// Return result
		val, err := s.serializer.Serialize(*respMsg)
		if err != nil {
			val, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err)))
		}
		return val
	})
}

// handle dispatches one decoded message against the hosted node.
func (s *rpcServer) handle(msg *common.Message) *common.Message {
	switch msg.MsgType {

	// Leader-bound operations: executed locally on the leader, otherwise
	// forwarded along the committed address book.
	case common.MsgTWrite, common.MsgTJoin, common.MsgTLeave:
		req, err := msg.ForwardRequest()
		if err != nil {
			return common.NewErrorResponse(err.Error())
		}
		ctx, cancel := s.opCtx()
		defer cancel()
		res, err := s.node.HandleForwardable(ctx, req)
		return common.NewResultResponse(msg.MsgType, res, err)

	// Local reads answered from this replica.
	case common.MsgTGetKV:
		v, ok := s.node.GetKV(msg.Key)
		return common.NewGetKVResponse(v, ok)

	case common.MsgTGetNode:
		n, ok := s.node.GetNode(meta.NodeID(msg.NodeID))
		return common.NewGetNodeResponse(n, ok)

	case common.MsgTNodes:
		return common.NewNodesResponse(s.node.Nodes())

	case common.MsgTMetrics:
		data, err := json.Marshal(s.node.Metrics())
		return common.NewMetricsResponse(data, err)

	default:
		return common.NewErrorResponse(fmt.Sprintf("unsupported message type: %s", msg.MsgType))
	}
}

// opCtx bounds one leader-bound operation with the configured timeout.
func (s *rpcServer) opCtx() (context.Context, context.CancelFunc) {
	if s.config.TimeoutSecond > 0 {
		return context.WithTimeout(context.Background(), time.Duration(s.config.TimeoutSecond)*time.Second)
	}
	return context.WithCancel(context.Background())
}

func (s *rpcServer) init() error {

	// Init logger
	common.InitLoggers(s.config)

	self := meta.Node{
		ID:       meta.NodeID(s.config.NodeID),
		Name:     s.config.NodeName,
		Endpoint: s.config.RaftAddr,
		APIAddr:  s.config.Endpoint,
	}

	// The forwarder dials other nodes' API addresses for leader routing.
	forwarder := client.NewLeaderForwarder(
		common.ClientConfig{
			TimeoutSecond:          int(s.config.TimeoutSecond),
			RetryCount:             3,
			ConnectionsPerEndpoint: 1,
		},
		s.clientTransport,
		s.serializer,
	)

	// CREATE ENGINE

	engine, existed, err := s.openEngine()
	if err != nil {
		return err
	}

	// OPEN THE NODE

	s.node = cluster.New(self, engine, forwarder)

	ctx, cancel := s.opCtx()
	defer cancel()

	// A restarting standalone engine has no peers to elect a leader from;
	// it resumes leadership of its own hub before serving.
	if existed && s.config.Engine != common.EngineDragon {
		if err := engine.Bootstrap(ctx); err != nil {
			return fmt.Errorf("resuming leadership: %w", err)
		}
	}

	if s.config.Boot {
		err = s.node.Boot(ctx)
	} else {
		var joinVia *meta.Node
		if s.config.JoinVia != "" {
			joinVia = &meta.Node{APIAddr: s.config.JoinVia}
		}
		err = s.node.OpenOrBoot(ctx, existed, joinVia)
	}
	if err != nil {
		return fmt.Errorf("opening node: %w", err)
	}

	Logger.Infof("dMeta setup completed successfully")

	// Configure the transport layer
	s.registerTransportHandler()

	return nil
}

// openEngine builds the configured consensus engine and reports whether
// durable state from a previous run existed.
func (s *rpcServer) openEngine() (consensus.Engine, bool, error) {
	policy := consensus.SnapshotPolicy{
		SnapshotLogsSinceLast: s.config.SnapshotLogsSinceLast,
		MaxAppliedLogToKeep:   s.config.MaxAppliedLogToKeep,
	}

	switch s.config.Engine {
	case common.EngineDragon:
		existed := dragon.Exists(s.config.DataDir)
		engine, err := dragon.Open(dragon.Config{
			ID:             meta.NodeID(s.config.NodeID),
			ShardID:        common.MetaShardID,
			RaftAddr:       s.config.RaftAddr,
			Timeout:        time.Duration(s.config.TimeoutSecond) * time.Second,
			InitialMembers: s.config.InitialMembers,
			Join:           s.config.JoinVia != "" && !existed,
			Restart:        existed,
			NodeHost:       s.config.ToNodeHostConfig(),
			Raft:           s.config.ToDragonboatConfig(),
		})
		if err != nil {
			return nil, false, fmt.Errorf("opening dragon engine: %w", err)
		}
		Logger.Infof("created dragon engine for node %d", s.config.NodeID)
		return engine, existed, nil

	case common.EngineInproc, "":
		// A standalone single-node deployment: the hub carries exactly
		// this engine.
		if s.config.JoinVia != "" {
			return nil, false, fmt.Errorf("inproc engine cannot join a remote cluster")
		}
		existed := store.Exists(s.config.DataDir)
		engine, err := inproc.Open(inproc.NewHub(), inproc.Config{
			ID:     meta.NodeID(s.config.NodeID),
			Target: s.config.RaftAddr,
			Dir:    s.config.DataDir,
			Policy: policy,
		})
		if err != nil {
			return nil, false, fmt.Errorf("opening inproc engine: %w", err)
		}
		Logger.Infof("created inproc engine for node %d", s.config.NodeID)
		return engine, existed, nil

	default:
		return nil, false, fmt.Errorf("unknown engine type: %s", s.config.Engine)
	}
}

// Serve starts the RPC server
// This function will also initialize the node and start the transport layer
func (s *rpcServer) Serve() error {
	err := s.init()
	if err != nil {
		return err
	}
	return s.transport.Listen(s.config)
}

// Stop takes the hosted node out of service.
func (s *rpcServer) Stop() error {
	if s.node == nil {
		return nil
	}
	return s.node.Stop()
}
