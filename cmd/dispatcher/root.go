package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatcher",
		Short: "Bus-driven email notification dispatcher",
		Long: `Subscribes to the configured bus topic and sends one email per recipient
for every {"emails": [...], "text_audio": "..."} request it receives.

Running without a subcommand is the same as "dispatcher run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDispatcher,
	}

	root.AddCommand(newRunCmd(), newPublishCmd())
	return root
}
