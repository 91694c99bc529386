package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentnet-dev/agentnet/internal/supervisor"
	"github.com/agentnet-dev/agentnet/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start <config.yaml>...",
	Short: "Start the agents declared in one or more descriptor files",
	Long: `Loads descriptor files, spawns each agent as its own process, and
returns once every agent is running or has failed. Started agents keep
running after this command exits; use status, chat and stop to work with
them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup := supervisor.New(supervisor.NewConfig(runtimeDir))
		for _, path := range args {
			file, err := config.Load(path)
			if err != nil {
				return operatorErr(err)
			}
			for _, desc := range file.Agents {
				if err := sup.Add(desc); err != nil {
					return operatorErr(err)
				}
			}
		}

		err := sup.StartAll()
		for _, row := range sup.Status() {
			fmt.Printf("%-16s %-10s pid=%d port=%d\n", row.Name, row.Status, row.PID, row.PeerPort)
		}
		if err != nil {
			return agentErr(err)
		}
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <config.yaml> [name...]",
	Short: "Stop and start agents from a descriptor file",
	Long: `Re-reads the descriptor file, stops the named agents (all of them
with no names given), and starts them again from their descriptors. The
routing table is empty after a restart; reconnect peers as needed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := config.Load(args[0])
		if err != nil {
			return operatorErr(err)
		}

		wanted := args[1:]
		sup := supervisor.New(supervisor.NewConfig(runtimeDir))
		for _, desc := range file.Agents {
			if len(wanted) > 0 && !contains(wanted, desc.Name) {
				continue
			}
			if err := sup.Add(desc); err != nil {
				return operatorErr(err)
			}
		}

		// Stop any live incarnations first, by discovery record.
		var stopErrs error
		for _, desc := range file.Agents {
			if len(wanted) > 0 && !contains(wanted, desc.Name) {
				continue
			}
			if rec, err := findAgent(desc.Name); err == nil {
				stopErrs = errors.Join(stopErrs, stopByRecord(rec))
			}
		}
		if stopErrs != nil {
			fmt.Println("warning:", stopErrs)
		}

		if err := sup.StartAll(); err != nil {
			return agentErr(err)
		}
		for _, row := range sup.Status() {
			fmt.Printf("%-16s %-10s pid=%d port=%d\n", row.Name, row.Status, row.PID, row.PeerPort)
		}
		return nil
	},
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(startCmd, restartCmd)
}
