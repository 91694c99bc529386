package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentnet-dev/agentnet/internal/control"
	"github.com/agentnet-dev/agentnet/internal/supervisor"
)

var runtimeDir string

var rootCmd = &cobra.Command{
	Use:           "agentnet",
	Short:         "Multi-agent orchestration runtime",
	Long:          "agentnet spawns model-backed agent processes, wires them into a peer graph, and exposes lifecycle, health and metrics operations.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&runtimeDir, "runtime-dir", control.DefaultRuntimeDir(),
		"directory holding sockets, logs and the registry file")
}

// registryPath returns the discovery-file path for the active runtime dir.
func registryPath() string {
	return filepath.Join(runtimeDir, "registry.json")
}

// discover loads the persisted registry written by earlier invocations.
func discover() ([]supervisor.DiscoveryRecord, error) {
	records, err := supervisor.LoadDiscovery(registryPath())
	if err != nil {
		return nil, operatorErr(err)
	}
	return records, nil
}

// findAgent resolves one discovery record by name.
func findAgent(name string) (supervisor.DiscoveryRecord, error) {
	records, err := discover()
	if err != nil {
		return supervisor.DiscoveryRecord{}, err
	}
	for _, rec := range records {
		if rec.Name == name {
			return rec, nil
		}
	}
	return supervisor.DiscoveryRecord{}, operatorErr(fmt.Errorf("unknown agent %q", name))
}

// controlClient returns a control client for a known agent.
func controlClient(name string) (*control.Client, error) {
	rec, err := findAgent(name)
	if err != nil {
		return nil, err
	}
	return control.NewClient(rec.SocketPath), nil
}
