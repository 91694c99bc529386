package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentnet-dev/agentnet/internal/control"
)

var metricsFormat string

var healthCmd = &cobra.Command{
	Use:   "health <name>",
	Short: "Probe one agent's health endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), control.DefaultCommandTimeout)
		defer cancel()
		reply, err := client.Health(ctx)
		if err != nil {
			return transportErr(err)
		}
		return printJSON(reply)
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics <name>",
	Short: "Fetch one agent's metrics snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if metricsFormat != "json" && metricsFormat != "prometheus" {
			return operatorErr(fmt.Errorf("unknown format %q (json|prometheus)", metricsFormat))
		}
		client, err := controlClient(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), control.DefaultCommandTimeout)
		defer cancel()
		reply, err := client.Metrics(ctx, metricsFormat)
		if err != nil {
			return transportErr(err)
		}
		if metricsFormat == "prometheus" {
			text, _ := reply["metrics"].(string)
			fmt.Print(text)
			return nil
		}
		return printJSON(reply["metrics"])
	},
}

var connectionsCmd = &cobra.Command{
	Use:   "connections <name>",
	Short: "List one agent's routing table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), control.DefaultCommandTimeout)
		defer cancel()
		peers, err := client.ListConnections(ctx)
		if err != nil {
			return transportErr(err)
		}
		return printJSON(peers)
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	metricsCmd.Flags().StringVarP(&metricsFormat, "format", "f", "json", "output format (json|prometheus)")
	rootCmd.AddCommand(healthCmd, metricsCmd, connectionsCmd)
}
