package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentnet-dev/agentnet/internal/control"
	"github.com/agentnet-dev/agentnet/pkg/config"
)

// Environment variables handed to spawned agent processes.
const (
	EnvDescriptor = "AGENTNET_DESCRIPTOR"
	EnvRuntimeDir = "AGENTNET_RUNTIME_DIR"
)

// CmdFactory builds the command that becomes an agent process. The
// default re-executes the current binary's hidden `agent run` subcommand;
// tests substitute controllable processes.
type CmdFactory func(desc config.Descriptor, runtimeDir string) (*exec.Cmd, error)

// defaultCmdFactory spawns `<self> agent run` with the descriptor passed
// through the environment, mirroring how the registry file keeps
// descriptors out of argv.
func defaultCmdFactory(desc config.Descriptor, runtimeDir string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	blob, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}

	cmd := exec.Command(self, "agent", "run")
	cmd.Env = append(os.Environ(),
		EnvDescriptor+"="+string(blob),
		EnvRuntimeDir+"="+runtimeDir,
	)
	return cmd, nil
}

// spawn starts the agent process with its own process group and its
// output redirected to the agent's log file, then arranges reaping.
func (s *Supervisor) spawn(rec *Record) error {
	cmd, err := s.cmdFactory(rec.Descriptor, s.cfg.RuntimeDir)
	if err != nil {
		return err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logPath := control.LogPath(s.cfg.RuntimeDir, rec.Descriptor.Name)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open agent log %s: %w", logPath, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("spawn agent %s: %w", rec.Descriptor.Name, err)
	}
	// The child inherited the fd; the parent's copy is no longer needed.
	_ = logFile.Close()

	exited := make(chan struct{})
	s.mu.Lock()
	rec.process = cmd.Process
	rec.PID = cmd.Process.Pid
	rec.StartedAt = time.Now()
	rec.exited = exited
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = cmd.Wait()
		close(exited)
	}()
	return nil
}

// terminate runs the shutdown escalation for one agent process:
// control-socket shutdown, then SIGTERM, then SIGKILL, each bounded by
// its timeout. The process group is signalled so agent descendants die
// with it.
func (s *Supervisor) terminate(rec *Record) {
	s.mu.Lock()
	proc := rec.process
	pid := rec.PID
	exited := rec.exited
	s.mu.Unlock()
	if proc == nil || exited == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulTimeout)
	_ = control.NewClient(rec.SocketPath).Shutdown(ctx)
	cancel()

	if waitExit(exited, s.cfg.GracefulTimeout) {
		return
	}

	s.log.Warn("agent ignored shutdown, sending SIGTERM", "agent", rec.Descriptor.Name, "pid", pid)
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	if waitExit(exited, s.cfg.TerminateTimeout) {
		return
	}

	s.log.Warn("agent ignored SIGTERM, sending SIGKILL", "agent", rec.Descriptor.Name, "pid", pid)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	waitExit(exited, s.cfg.TerminateTimeout)
}

func waitExit(exited <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-exited:
		return true
	case <-time.After(timeout):
		return false
	}
}
