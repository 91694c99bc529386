package main

import (
	"github.com/spf13/cobra"

	"github.com/agentnet-dev/agentnet/internal/agentd"
)

// agentCmd hosts the hidden subcommands that run inside spawned agent
// processes. Operators never invoke these directly.
var agentCmd = &cobra.Command{
	Use:    "agent",
	Hidden: true,
	Short:  "Internal agent-process entrypoints",
}

var agentRunCmd = &cobra.Command{
	Use:    "run",
	Hidden: true,
	Short:  "Become an agent process (descriptor from AGENTNET_DESCRIPTOR)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentd.RunFromEnv(cmd.Context())
	},
}

func init() {
	agentCmd.AddCommand(agentRunCmd)
	rootCmd.AddCommand(agentCmd)
}
