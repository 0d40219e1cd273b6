package backup

import (
	"fmt"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/backup"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.RPCClient

	// BackupCommands represents the backup command group
	BackupCommands = &cobra.Command{
		Use:                "backup",
		Short:              "Save a database to a directory or load it back",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}

	saveCmd = &cobra.Command{
		Use:   "save [dir]",
		Short: "Writes all documents and the transaction log to dir/<database>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := backup.Save(cmd.Context(), rpcClient, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("saved %s\n", stats)
			return nil
		},
	}

	loadCmd = &cobra.Command{
		Use:   "load [dir]",
		Short: "Restores the documents saved in dir/<database>",
		Long:  "Restores the documents saved in dir/<database>. Document ids and contents are kept, revisions and transaction ids are assigned by the target database.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := backup.Load(cmd.Context(), rpcClient, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("loaded %s\n", stats)
			return nil
		},
	}
)

func init() {
	util.SetupRPCClientFlags(BackupCommands)

	BackupCommands.AddCommand(saveCmd)
	BackupCommands.AddCommand(loadCmd)
}

func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
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
