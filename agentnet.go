// Package agentnet is a multi-agent orchestration runtime. It spawns
// independent agent processes, each running a language-model reasoning
// loop behind a message-passing interface, maintains a dynamic directed
// graph of peer connections, and exposes lifecycle, health and metrics
// operations to an operator.
//
// Library mode:
//
//	sup, err := agentnet.Load("agents.yaml")
//	if err != nil { … }
//	if err := sup.StartAll(); err != nil { … }
//	defer sup.StopAll()
//	_ = sup.Connect("alice", "bob", true)
//	reply, _ := sup.Chat(ctx, "alice", "Ask bob what the capital of France is", "")
//
// The `agentnet` CLI wraps the same supervisor for terminal use.
package agentnet

import (
	"context"
	"fmt"

	"github.com/agentnet-dev/agentnet/internal/supervisor"
	"github.com/agentnet-dev/agentnet/pkg/config"
)

// Supervisor re-exports the process supervisor for library consumers.
type Supervisor = supervisor.Supervisor

// Config re-exports the supervisor configuration.
type Config = supervisor.Config

// NewConfig returns the default supervisor configuration rooted at
// runtimeDir; an empty runtimeDir selects the per-user default.
func NewConfig(runtimeDir string) Config {
	return supervisor.NewConfig(runtimeDir)
}

// New creates a supervisor with the given configuration.
func New(cfg Config, opts ...supervisor.Option) *Supervisor {
	return supervisor.New(cfg, opts...)
}

// Load reads a descriptor file and returns a supervisor with every
// descriptor registered but nothing started.
func Load(configPath string) (*Supervisor, error) {
	file, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(supervisor.NewConfig(""))
	for _, desc := range file.Agents {
		if err := sup.Add(desc); err != nil {
			return nil, fmt.Errorf("register agent %q: %w", desc.Name, err)
		}
	}
	return sup, nil
}

// Run loads a descriptor file, starts every agent, runs the health loop
// until ctx is canceled, then stops everything.
func Run(ctx context.Context, configPath string) error {
	sup, err := Load(configPath)
	if err != nil {
		return err
	}
	if err := sup.StartAll(); err != nil {
		_ = sup.StopAll()
		return err
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sup.MonitorHealth(monitorCtx)

	<-ctx.Done()
	return sup.StopAll()
}
