package cmd

import (
	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [connection_id]",
		Short: "Cancel the active launch of a connection",
		Long: `Cancel the launch currently registered for a connection. Its execution is
reaped and the launch reports a cancelled outcome.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			connectionID := args[0]

			client := newClient(cmd)
			if client == nil {
				return
			}

			if err := client.Cancel(connectionID); err != nil {
				printAPIError(cmd, "Cancel", err)
				return
			}
			cmd.Printf("Launch for connection %s cancelled\n", connectionID)
		},
	}
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap [connection_id]",
		Short: "Delete every live execution of a connection",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			connectionID := args[0]

			client := newClient(cmd)
			if client == nil {
				return
			}

			if err := client.Reap(connectionID); err != nil {
				printAPIError(cmd, "Reap", err)
				return
			}
			cmd.Printf("No live executions left for connection %s\n", connectionID)
		},
	}
}
