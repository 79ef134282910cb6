package metacmd

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/spf13/cobra"
)

func init() {
	// conditional write flags
	setCmd.Flags().Int64("if-seq", -1, "Only apply if the key's current seq equals this value (0 means the key must not exist)")
	setCmd.Flags().Int64("if-seq-ge", -1, "Only apply if the key's current seq is greater or equal to this value")
	setCmd.Flags().Uint64("expire-at", 0, "Unix timestamp (seconds) after which the value is considered expired")

	delCmd.Flags().Int64("if-seq", -1, "Only delete if the key's current seq equals this value")
	delCmd.Flags().Int64("if-seq-ge", -1, "Only delete if the key's current seq is greater or equal to this value")
}

// matchFromFlags builds the seq precondition from the if-seq/if-seq-ge flags
func matchFromFlags(cmd *cobra.Command) (meta.MatchSeq, error) {
	exact, _ := cmd.Flags().GetInt64("if-seq")
	ge, _ := cmd.Flags().GetInt64("if-seq-ge")

	if exact >= 0 && ge >= 0 {
		return meta.MatchSeq{}, fmt.Errorf("if-seq and if-seq-ge are mutually exclusive")
	}
	if exact >= 0 {
		return meta.MatchExact(uint64(exact)), nil
	}
	if ge >= 0 {
		return meta.MatchGE(uint64(ge)), nil
	}
	return meta.MatchAny(), nil
}

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key, optionally guarded by a seq precondition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]

			match, err := matchFromFlags(cmd)
			if err != nil {
				return err
			}

			var kvMeta *meta.KVMeta
			if expireAt, _ := cmd.Flags().GetUint64("expire-at"); expireAt > 0 {
				kvMeta = &meta.KVMeta{ExpireAt: expireAt}
			}

			res, err := rpcClient.UpsertKV(key, match, meta.Update([]byte(value)), kvMeta)
			if err != nil {
				return err
			}
			if res == nil || !res.Changed() {
				fmt.Println("not applied: seq precondition failed")
				return nil
			}
			fmt.Printf("set successfully (seq=%d)\n", res.Result.Seq)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if resp, ok, err := rpcClient.GetKV(key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			}
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair, optionally guarded by a seq precondition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

			match, err := matchFromFlags(cmd)
			if err != nil {
				return err
			}

			res, err := rpcClient.UpsertKV(key, match, meta.Delete(), nil)
			if err != nil {
				return err
			}
			if res == nil || !res.Changed() {
				fmt.Println("not applied: seq precondition failed or key not found")
				return nil
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	incrCmd = &cobra.Command{
		Use:   "incr [key]",
		Short: "Atomically increments a counter and prints its new value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			seq, err := rpcClient.IncrSeq(key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, seq=%d\n", key, seq)
			return nil
		},
	}
	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "Lists all cluster members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nodes, err := rpcClient.Nodes()
			if err != nil {
				return err
			}
			for _, n := range nodes {
				fmt.Println(n)
			}
			return nil
		},
	}
	nodeCmd = &cobra.Command{
		Use:   "node [id|name]",
		Short: "Shows one cluster member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeRef(args[0])
			if err != nil {
				return err
			}
			n, ok, err := rpcClient.GetNode(id)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("node %d not found\n", id)
				return nil
			}
			fmt.Println(n)
			return nil
		},
	}
	joinCmd = &cobra.Command{
		Use:   "join [name] [raft-addr] [api-addr]",
		Short: "Admits a new node to the cluster",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeRef(args[0])
			if err != nil {
				return err
			}
			node := meta.Node{
				ID:       id,
				Name:     args[0],
				Endpoint: args[1],
				APIAddr:  args[2],
			}
			if err := rpcClient.Join(node); err != nil {
				return err
			}
			fmt.Printf("joined %s\n", node)
			return nil
		},
	}
	leaveCmd = &cobra.Command{
		Use:   "leave [id|name]",
		Short: "Removes a member from the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeRef(args[0])
			if err != nil {
				return err
			}
			if err := rpcClient.Leave(id); err != nil {
				return err
			}
			fmt.Printf("node %d left the cluster\n", id)
			return nil
		},
	}
	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Prints the consensus metrics of the answering node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := rpcClient.Metrics()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
)
