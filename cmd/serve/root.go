package serve

import (
	"fmt"
	"strconv"
	"strings"

	cmdUtil "github.com/ValentinKolb/dMeta/cmd/util"
	"github.com/ValentinKolb/dMeta/rpc/common"
	"github.com/ValentinKolb/dMeta/rpc/server"
	"github.com/ValentinKolb/dMeta/rpc/transport"
	"github.com/ValentinKolb/dMeta/rpc/transport/tcp"
	"github.com/ValentinKolb/dMeta/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dMeta node",
		Long:    `Start a dMeta node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DMETA_<flag> (e.g. DMETA_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "node-name"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Unique name of this node (e.g. 'node-1'). The node ID is derived from it unless node-id is set explicitly"))

	key = "node-id"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("Numeric node ID. Usually left unset, in which case it is derived from node-name"))

	key = "engine"
	ServeCmd.PersistentFlags().String(key, "inproc", cmdUtil.WrapString("Consensus engine to run: 'inproc' for a standalone single-process node, 'dragon' for the replicated RAFT engine"))

	key = "raft-addr"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(dragon engine) The address this node's RAFT transport binds to (e.g. 'localhost:63001')"))

	key = "initial-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(dragon engine) Comma-separated list of the founding members in the format 'node-1=localhost:63001,node-2=localhost:63002,...'. Only used when bootstrapping a new cluster"))

	key = "boot"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Force bootstrapping a new cluster even if other members are configured"))

	key = "join-via"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("RPC endpoint of an existing cluster member to join through. The node enters as a learner and is promoted once caught up"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Uint64(key, 100, cmdUtil.WrapString("(dragon engine) The average Round Trip Time (RTT) in milliseconds between two nodes. Election and heartbeat timing is derived from this value"))

	key = "snapshot-logs-since-last"
	ServeCmd.PersistentFlags().Uint64(key, 1000, cmdUtil.WrapString("How many applied log entries may accumulate before the state machine is snapshotted. Set to 0 to disable automatic snapshotting (not recommended)"))

	key = "max-applied-log-to-keep"
	ServeCmd.PersistentFlags().Uint64(key, 500, cmdUtil.WrapString("How many applied log entries to keep behind a snapshot for slow followers. Recommended value is about 1/2 of snapshot-logs-since-last"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory used for the durable log, snapshots and hard state"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds for proposals and forwarded requests"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:5000", cmdUtil.WrapString("The address on which the RPC API will listen (e.g. localhost:5000, /tmp/dmeta.sock, ...)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.NodeName = viper.GetString("node-name")
	serveCmdConfig.RaftAddr = viper.GetString("raft-addr")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Boot = viper.GetBool("boot")
	serveCmdConfig.JoinVia = viper.GetString("join-via")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotLogsSinceLast = viper.GetUint64("snapshot-logs-since-last")
	serveCmdConfig.MaxAppliedLogToKeep = viper.GetUint64("max-applied-log-to-keep")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// parse engine type
	switch engine := viper.GetString("engine"); engine {
	case "inproc", "":
		serveCmdConfig.Engine = common.EngineInproc
	case "dragon":
		serveCmdConfig.Engine = common.EngineDragon
	default:
		return fmt.Errorf("invalid engine %s (expected one of: inproc, dragon)", engine)
	}

	// resolve the node identity
	if id := viper.GetUint64("node-id"); id != 0 {
		serveCmdConfig.NodeID = id
	} else if serveCmdConfig.NodeName != "" {
		serveCmdConfig.NodeID = cmdUtil.HashString(serveCmdConfig.NodeName, 0)
	} else {
		return fmt.Errorf("either node-name or node-id is required")
	}

	// the dragon engine needs a raft transport address
	if serveCmdConfig.Engine == common.EngineDragon && serveCmdConfig.RaftAddr == "" {
		return fmt.Errorf("raft-addr is required for the dragon engine")
	}

	// parse initial members
	if members := viper.GetString("initial-members"); members != "" {
		serveCmdConfig.InitialMembers = make(map[uint64]string)
		for _, member := range strings.Split(members, ",") {
			parts := strings.Split(member, "=")
			if len(parts) != 2 {
				return fmt.Errorf("invalid initial member format: %s (expected name=address)", member)
			}
			name := strings.TrimSpace(parts[0])
			var id uint64
			if parsed, err := strconv.ParseUint(name, 10, 64); err == nil {
				id = parsed
			} else {
				id = cmdUtil.HashString(name, 0)
			}
			serveCmdConfig.InitialMembers[id] = strings.TrimSpace(parts[1])
		}

		// the node itself must be part of the founding membership
		if _, ok := serveCmdConfig.InitialMembers[serveCmdConfig.NodeID]; !ok && serveCmdConfig.JoinVia == "" {
			return fmt.Errorf("no address found for node %d in initial members", serveCmdConfig.NodeID)
		}
	}

	return nil
}

// run starts the dMeta node
func run(_ *cobra.Command, _ []string) error {

	// parse the serializer
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	// Parse the transport. The server needs both a listening transport and
	// a factory for the client transports used to forward leader-bound
	// requests to other nodes.
	var t transport.IRPCServerTransport
	var clientTransport func() transport.IRPCClientTransport
	switch viper.GetString("transport") {
	case "tcp":
		t = tcp.NewTCPDefaultServerTransport()
		clientTransport = tcp.NewTCPClientTransport
	case "unix":
		t = unix.NewUnixDefaultServerTransport()
		clientTransport = unix.NewUnixClientTransport
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		clientTransport,
		s,
	)

	return serv.Serve()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dmeta")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
