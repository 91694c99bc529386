package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentnet-dev/agentnet/internal/control"
	"github.com/agentnet-dev/agentnet/internal/peer"
)

var connectBidirectional bool

var connectCmd = &cobra.Command{
	Use:   "connect <from> <to>",
	Short: "Let <from> reach <to> over the peer transport",
	Long: `Adds <to> to <from>'s routing table so <from>'s model sees a
communicate_with_<to> tool. The link is directed; pass -b for both ways.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to := args[0], args[1]
		if err := connectPair(from, to); err != nil {
			return err
		}
		if connectBidirectional {
			if err := connectPair(to, from); err != nil {
				return err
			}
		}
		arrow := "->"
		if connectBidirectional {
			arrow = "<->"
		}
		fmt.Printf("connected %s %s %s\n", from, arrow, to)
		return nil
	},
}

func connectPair(from, to string) error {
	fromRec, err := findAgent(from)
	if err != nil {
		return err
	}
	toRec, err := findAgent(to)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), control.DefaultCommandTimeout)
	defer cancel()
	if err := control.NewClient(fromRec.SocketPath).Connect(ctx, to, peer.Endpoint(toRec.Port)); err != nil {
		return transportErr(fmt.Errorf("connect %s -> %s: %w", from, to, err))
	}
	return nil
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <from> <to>",
	Short: "Remove <to> from <from>'s routing table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to := args[0], args[1]
		client, err := controlClient(from)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), control.DefaultCommandTimeout)
		defer cancel()
		if err := client.Disconnect(ctx, to); err != nil {
			return transportErr(err)
		}
		fmt.Printf("disconnected %s -> %s\n", from, to)
		return nil
	},
}

func init() {
	connectCmd.Flags().BoolVarP(&connectBidirectional, "bidirectional", "b", false, "connect both directions")
	rootCmd.AddCommand(connectCmd, disconnectCmd)
}
