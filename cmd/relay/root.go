package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "wirechat relay: real-time chat delivery server",
		Long:          "relay accepts WebSocket clients, sequences their messages per room or conversation, delivers them to every live device and keeps a mailbox for offline users.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("config", "", "path to config file (default ./config.yaml or $WIRECHAT_CONFIG_DIR/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newTokenCmd(),
		newChatCmd(),
	)

	return rootCmd
}
