package metacmd

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dMeta/cmd/util"
	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.Client

	// MetaCommands represents the metadata command group
	MetaCommands = &cobra.Command{
		Use:               "meta",
		Short:             "Perform metadata store operations",
		PersistentPreRunE: setupMetaClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the meta command
	util.SetupRPCClientFlags(MetaCommands)

	// Add subcommands
	MetaCommands.AddCommand(setCmd)
	MetaCommands.AddCommand(getCmd)
	MetaCommands.AddCommand(delCmd)
	MetaCommands.AddCommand(incrCmd)
	MetaCommands.AddCommand(nodesCmd)
	MetaCommands.AddCommand(nodeCmd)
	MetaCommands.AddCommand(joinCmd)
	MetaCommands.AddCommand(leaveCmd)
	MetaCommands.AddCommand(metricsCmd)
	MetaCommands.AddCommand(perfTestCmd)
}

// setupMetaClient initializes the RPC client
func setupMetaClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Get client configuration components
	config := util.GetClientConfig()

	// Get serializer and transport
	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	t, err := util.GetTransport()
	if err != nil {
		return err
	}

	// Create the client
	rpcClient, err = client.NewClient(
		*config,
		t,
		s,
	)

	return err
}

// parseNodeRef resolves a node argument: a numeric ID is taken as-is,
// anything else is treated as a node name and hashed the same way the
// serve command derives IDs from names.
func parseNodeRef(arg string) (meta.NodeID, error) {
	if arg == "" {
		return 0, fmt.Errorf("node reference must not be empty")
	}
	if id, err := strconv.ParseUint(arg, 10, 64); err == nil {
		return meta.NodeID(id), nil
	}
	return meta.NodeID(util.HashString(arg, 0)), nil
}
