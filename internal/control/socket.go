// Package control implements the operator-facing plane: a per-agent Unix
// stream socket speaking newline-delimited JSON. The supervisor and CLI
// use the client half; the agent process serves the command set (health,
// connect, disconnect, list_connections, metrics, subscribe_events, chat,
// shutdown).
package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// DefaultRuntimeDir returns the per-user directory holding sockets, logs
// and the registry file.
func DefaultRuntimeDir() string {
	if dir := os.Getenv("AGENTNET_RUNTIME_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "agentnet")
	}
	return filepath.Join(os.TempDir(), "agentnet")
}

// SocketPath returns the deterministic control-socket path for an agent.
func SocketPath(runtimeDir, name string) string {
	return filepath.Join(runtimeDir, fmt.Sprintf("agent-%s.sock", name))
}

// LogPath returns the agent's log-file path under the runtime dir.
func LogPath(runtimeDir, name string) string {
	return filepath.Join(runtimeDir, "logs", fmt.Sprintf("agent-%s.log", name))
}

// CleanStaleSocket checks a socket file left at path. If nothing is
// listening the stale file is unlinked; if a probe connect succeeds,
// another agent owns the name and an error is returned so the caller does
// not clobber it.
func CleanStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat socket %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var dialer net.Dialer
	conn, dialErr := dialer.DialContext(ctx, "unix", path)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("agent already running on %s", path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}
