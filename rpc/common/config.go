package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat (for the dragon engine)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// metaShardID is the fixed shard housing the metadata namespace. dMeta runs
// a single replicated state machine per cluster.
const MetaShardID uint64 = 128

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.NodeID,
		ShardID:            MetaShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotLogsSinceLast,
		CompactionOverhead: c.MaxAppliedLogToKeep,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.RaftAddr,
	}
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// EngineType selects the consensus engine implementation.
type EngineType string

const (
	EngineInproc EngineType = "inproc" // single-process engine
	EngineDragon EngineType = "dragon" // dragonboat RAFT engine
)

// ServerConfig holds all configuration parameters for one dMeta node.
type ServerConfig struct {
	// Node identity
	NodeID   uint64
	NodeName string
	RaftAddr string // raft transport endpoint (dragon engine)
	Endpoint string // rpc listen endpoint

	// Lifecycle: Boot forces creation of a new cluster, JoinVia names the
	// rpc endpoint of an existing member to join through. With neither
	// set, the node opens existing state or boots if there is none.
	Boot    bool
	JoinVia string

	// Engine selection
	Engine EngineType

	// Consensus parameters
	RTTMillisecond        uint64
	SnapshotLogsSinceLast uint64
	MaxAppliedLogToKeep   uint64
	DataDir               string
	InitialMembers        map[uint64]string

	// RPC parameters
	TimeoutSecond int64

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Node ID", strconv.FormatUint(c.NodeID, 10))
	addField("Node Name", c.NodeName)
	addField("RPC Endpoint", c.Endpoint)

	addSection("Lifecycle")
	addField("Boot", fmt.Sprintf("%t", c.Boot))
	addField("Join Via", c.JoinVia)

	addSection("Consensus")
	addField("Engine", string(c.Engine))
	addField("Snapshot Threshold", strconv.FormatUint(c.SnapshotLogsSinceLast, 10))
	addField("Log Tail To Keep", strconv.FormatUint(c.MaxAppliedLogToKeep, 10))

	if c.Engine == EngineDragon {
		addSection("RAFT Parameters")
		addField("RAFT Address", c.RaftAddr)
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))

		if len(c.InitialMembers) > 0 {
			addSection("Initial Members")
			var keys []uint64
			for k := range c.InitialMembers {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
			for _, k := range keys {
				addField(fmt.Sprintf("Node %d", k), c.InitialMembers[k])
			}
		}
	}

	addSection("Storage")
	addField("Data Directory", c.DataDir)

	addSection("RPC Server")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.ConnectionsPerEndpoint)))))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
