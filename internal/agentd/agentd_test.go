package agentd

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentnet-dev/agentnet/internal/control"
	"github.com/agentnet-dev/agentnet/internal/peer"
	"github.com/agentnet-dev/agentnet/internal/provider"
	"github.com/agentnet-dev/agentnet/pkg/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startAgent(t *testing.T, desc config.Descriptor, dir string) (*control.Client, chan error) {
	t.Helper()
	mock := provider.NewMockProvider(desc.Model)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, Options{Descriptor: desc, RuntimeDir: dir, Provider: mock})
	}()

	client := control.NewClient(control.SocketPath(dir, desc.Name))
	require.Eventually(t, func() bool {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer probeCancel()
		reply, err := client.Health(probeCtx)
		return err == nil && reply["status"] == "ready"
	}, 5*time.Second, 20*time.Millisecond)

	return client, errCh
}

func TestAgentBootsAndAnswersHealth(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	desc := config.Descriptor{Name: "alice", Port: port, Provider: "mock", Model: "m", Role: "assistant"}

	client, _ := startAgent(t, desc, dir)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", reply["status"])
	assert.Equal(t, float64(port), reply["peer_port"])
}

func TestAgentServesPeerTransport(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	desc := config.Descriptor{Name: "alice", Port: port, Provider: "mock", Model: "m", Role: "assistant"}

	startAgent(t, desc, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := peer.NewClient(0, 0).Status(ctx, "alice", peer.Endpoint(port))
	require.NoError(t, err)
	assert.Equal(t, "alice", status.Name)
}

func TestShutdownCommandExitsAndRemovesSocket(t *testing.T) {
	dir := t.TempDir()
	desc := config.Descriptor{Name: "alice", Port: freePort(t), Provider: "mock", Model: "m", Role: "assistant"}

	client, errCh := startAgent(t, desc, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(ShutdownDeadline + 2*time.Second):
		t.Fatal("agent did not exit after shutdown command")
	}

	// Health probes must fail once the socket is gone.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer probeCancel()
	_, err := client.Health(probeCtx)
	assert.Error(t, err)
}

func TestRunRejectsBusyPeerPort(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	desc := config.Descriptor{Name: "alice", Port: port, Provider: "mock", Model: "m", Role: "assistant"}
	err = Run(context.Background(), Options{Descriptor: desc, RuntimeDir: dir, Provider: provider.NewMockProvider("m")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind peer port")
}

func TestRunFromEnvRequiresDescriptor(t *testing.T) {
	t.Setenv("AGENTNET_DESCRIPTOR", "")
	assert.Error(t, RunFromEnv(context.Background()))
}
