package doc

import (
	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.RPCClient

	// DocumentCommands represents the document command group
	DocumentCommands = &cobra.Command{
		Use:                "doc",
		Short:              "Perform document, transaction and view operations",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}
)

func init() {
	util.SetupRPCClientFlags(DocumentCommands)

	DocumentCommands.AddCommand(insertCmd)
	DocumentCommands.AddCommand(getCmd)
	DocumentCommands.AddCommand(listCmd)
	DocumentCommands.AddCommand(updateCmd)
	DocumentCommands.AddCommand(overwriteCmd)
	DocumentCommands.AddCommand(deleteCmd)
	DocumentCommands.AddCommand(infoCmd)
	DocumentCommands.AddCommand(lastTxCmd)
	DocumentCommands.AddCommand(listTxCmd)
	DocumentCommands.AddCommand(queryCmd)
	DocumentCommands.AddCommand(reduceCmd)
	DocumentCommands.AddCommand(watchCmd)

	insertCmd.Flags().StringSlice("attach", nil, util.WrapString("Attachment as NAME=FILE, may be repeated"))
	for _, c := range []*cobra.Command{listCmd, listTxCmd} {
		c.Flags().Uint64("start", 0, util.WrapString("First id to list"))
		c.Flags().Int("limit", 100, util.WrapString("Maximum number of entries"))
	}
	for _, c := range []*cobra.Command{queryCmd, reduceCmd} {
		c.Flags().String("key", "", util.WrapString("Select entries with exactly this key"))
		c.Flags().String("prefix", "", util.WrapString("Select entries whose key starts with this prefix"))
		c.Flags().String("from", "", util.WrapString("Select entries with keys >= from"))
		c.Flags().String("to", "", util.WrapString("Select entries with keys < to"))
		c.Flags().Bool("eventual", false, util.WrapString("Do not wait for the view to catch up with recent transactions"))
		c.Flags().Bool("descending", false, util.WrapString("Return entries in descending key order"))
		c.Flags().Int("limit", 0, util.WrapString("Maximum number of entries (0 = unlimited)"))
	}
	reduceCmd.Flags().Bool("grouped", false, util.WrapString("Reduce per key instead of to a single value"))
}

// setupClient connects to the configured database. The watch command talks
// to the http endpoint directly and needs no client.
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if cmd == watchCmd {
		return nil
	}

	var err error
	rpcClient, err = util.NewClient()
	return err
}

func closeClient(_ *cobra.Command, _ []string) error {
	if rpcClient == nil {
		return nil
	}
	return rpcClient.Close()
}
