package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentnet-dev/agentnet/internal/control"
	"github.com/agentnet-dev/agentnet/internal/supervisor"
)

// Stop escalation timeouts, matching the supervisor defaults.
const (
	stopGracefulTimeout  = 5 * time.Second
	stopTerminateTimeout = 2 * time.Second
)

var stopCmd = &cobra.Command{
	Use:   "stop [name...]",
	Short: "Gracefully stop agents (all of them with no names given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := discover()
		if err != nil {
			return err
		}

		targets := records
		if len(args) > 0 {
			targets = nil
			for _, name := range args {
				rec, err := findAgent(name)
				if err != nil {
					return err
				}
				targets = append(targets, rec)
			}
		}

		var errs error
		for _, rec := range targets {
			if err := stopByRecord(rec); err != nil {
				errs = errors.Join(errs, fmt.Errorf("%s: %w", rec.Name, err))
				continue
			}
			fmt.Printf("%-16s stopped\n", rec.Name)
		}
		if errs != nil {
			return agentErr(errs)
		}
		return nil
	},
}

// stopByRecord runs the shutdown escalation against a discovered agent:
// control shutdown, then SIGTERM, then SIGKILL, then socket cleanup.
// The agent's discovery-file entry is removed so later invocations see
// a clean "unknown agent" instead of a stale record with a dead pid.
func stopByRecord(rec supervisor.DiscoveryRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopGracefulTimeout)
	_ = control.NewClient(rec.SocketPath).Shutdown(ctx)
	cancel()

	if rec.PID > 0 && !waitGone(rec.PID, stopGracefulTimeout) {
		_ = syscall.Kill(-rec.PID, syscall.SIGTERM)
		if !waitGone(rec.PID, stopTerminateTimeout) {
			_ = syscall.Kill(-rec.PID, syscall.SIGKILL)
			waitGone(rec.PID, stopTerminateTimeout)
		}
	}
	_ = os.Remove(rec.SocketPath)
	return supervisor.RemoveFromDiscovery(registryPath(), rec.Name)
}

// waitGone polls until the pid no longer exists or the timeout elapses.
func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return syscall.Kill(pid, 0) != nil
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
