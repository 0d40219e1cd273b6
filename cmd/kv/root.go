package kv

import (
	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.RPCClient
	rpcStore  kv.IKeyValue

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform key-value store operations",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	util.SetupRPCClientFlags(KeyValueCommands)

	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(getDelCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(casDelCmd)
	KeyValueCommands.AddCommand(incrCmd)
	KeyValueCommands.AddCommand(decrCmd)
	KeyValueCommands.AddCommand(exprCmd)
	KeyValueCommands.AddCommand(perfTestCmd)

	setCmd.Flags().Bool("numeric", false, util.WrapString("Store the value as a number (e.g. -7, 42u, 3.5)"))
	setCmd.Flags().Duration("ttl", 0, util.WrapString("Expire the value after this duration"))
	setCmd.Flags().Bool("keep-ttl", false, util.WrapString("Keep the expiration of an existing value"))
	setCmd.Flags().Bool("if-vacant", false, util.WrapString("Only set the value if the key has none"))
	setCmd.Flags().Bool("if-present", false, util.WrapString("Only set the value if the key has one"))
	setCmd.Flags().Bool("previous", false, util.WrapString("Print the value that was replaced"))
	for _, c := range []*cobra.Command{incrCmd, decrCmd} {
		c.Flags().Bool("saturating", false, util.WrapString("Clamp at the bounds of the number type instead of wrapping"))
	}
}

// setupKVClient initializes the RPC key-value client
func setupKVClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	rpcClient, err = util.NewClient()
	rpcStore = rpcClient
	return err
}

func closeKVClient(_ *cobra.Command, _ []string) error {
	if rpcClient == nil {
		return nil
	}
	return rpcClient.Close()
}
