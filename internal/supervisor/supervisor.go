// Package supervisor owns the agent lifecycle: spawning agent processes,
// the readiness handshake over the control socket, the periodic health
// loop with bounded auto-restart, peer-graph wiring, and the graceful
// shutdown escalation. It is the only component that creates processes;
// everything else talks over the control or peer plane.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/agentnet-dev/agentnet/internal/control"
	"github.com/agentnet-dev/agentnet/internal/peer"
	"github.com/agentnet-dev/agentnet/pkg/config"
)

// Config holds supervisor tunables. NewConfig supplies the defaults the
// rest of the documentation quotes.
type Config struct {
	RuntimeDir string

	ReadyTimeout     time.Duration // readiness handshake deadline
	ReadyInitialPoll time.Duration // first readiness poll interval
	ReadyMaxPoll     time.Duration // readiness poll interval cap

	CheckInterval    time.Duration // health loop period
	CheckTimeout     time.Duration // single probe budget
	FailureThreshold int           // consecutive failures before recovery

	GracefulTimeout  time.Duration // wait after control shutdown
	TerminateTimeout time.Duration // wait after SIGTERM

	MaxRestarts   int           // automatic restarts per window
	RestartWindow time.Duration // rolling restart window
}

// NewConfig returns the default configuration rooted at runtimeDir.
func NewConfig(runtimeDir string) Config {
	return Config{
		RuntimeDir:       runtimeDir,
		ReadyTimeout:     30 * time.Second,
		ReadyInitialPoll: 100 * time.Millisecond,
		ReadyMaxPoll:     2 * time.Second,
		CheckInterval:    5 * time.Second,
		CheckTimeout:     time.Second,
		FailureThreshold: 3,
		GracefulTimeout:  5 * time.Second,
		TerminateTimeout: 2 * time.Second,
		MaxRestarts:      5,
		RestartWindow:    time.Hour,
	}
}

// StartupError reports why an agent failed to reach running.
type StartupError struct {
	Agent string
	Err   error
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("agent %s failed to start: %v", e.Agent, e.Err)
}

// Unwrap returns the underlying error.
func (e *StartupError) Unwrap() error { return e.Err }

// Connect phases reported by ConnectError.
const (
	ConnectPhaseResolve     = "resolve"
	ConnectPhaseDispatch    = "dispatch"
	ConnectPhaseAcknowledge = "acknowledge"
)

// ConnectError reports which phase of a connect operation failed.
type ConnectError struct {
	From  string
	To    string
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s -> %s failed during %s: %v", e.From, e.To, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error { return e.Err }

// StatusRow is one line of the operator status listing.
type StatusRow struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	PID      int           `json:"pid,omitempty"`
	Uptime   time.Duration `json:"uptime,omitempty"`
	PeerPort int           `json:"peer_port"`
	Restarts int           `json:"restarts"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Supervisor manages a set of agent processes.
type Supervisor struct {
	cfg        Config
	registry   *Registry
	log        *slog.Logger
	cmdFactory CmdFactory

	mu sync.Mutex // serializes lifecycle transitions per supervisor
	wg sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithCmdFactory overrides how agent processes are spawned. Used by tests.
func WithCmdFactory(f CmdFactory) Option {
	return func(s *Supervisor) { s.cmdFactory = f }
}

// WithLogger sets the supervisor's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// New creates a Supervisor.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = control.DefaultRuntimeDir()
	}
	s := &Supervisor{
		cfg:        cfg,
		registry:   NewRegistry(filepath.Join(cfg.RuntimeDir, "registry.json")),
		log:        slog.Default(),
		cmdFactory: defaultCmdFactory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RuntimeDir returns the supervisor's runtime directory.
func (s *Supervisor) RuntimeDir() string { return s.cfg.RuntimeDir }

// Add registers a descriptor. The agent is not started.
func (s *Supervisor) Add(desc config.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	return s.registry.Add(&Record{
		Descriptor: desc,
		Status:     StatusStopped,
		SocketPath: control.SocketPath(s.cfg.RuntimeDir, desc.Name),
		Endpoint:   peer.Endpoint(desc.Port),
	})
}

// Start spawns one agent and blocks until it is running or failed. On
// failure the child is reaped, the socket file removed, and a
// StartupError returned.
func (s *Supervisor) Start(name string) error {
	rec, err := s.registry.Get(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch rec.Status {
	case StatusRunning, StatusStarting:
		s.mu.Unlock()
		return nil
	case StatusStopping:
		s.mu.Unlock()
		return fmt.Errorf("agent %q is stopping", name)
	}
	rec.Status = StatusStarting
	rec.LastError = ""
	rec.HealthFailures = 0
	s.mu.Unlock()

	if err := s.spawn(rec); err != nil {
		s.fail(rec, err)
		return &StartupError{Agent: name, Err: err}
	}
	s.log.Info("agent spawned", "agent", name, "pid", rec.PID)

	if err := s.awaitReady(rec); err != nil {
		s.terminate(rec)
		_ = os.Remove(rec.SocketPath)
		s.fail(rec, err)
		return &StartupError{Agent: name, Err: err}
	}

	s.mu.Lock()
	rec.Status = StatusRunning
	s.mu.Unlock()
	_ = s.registry.Save()
	s.log.Info("agent running", "agent", name, "pid", rec.PID, "port", rec.Descriptor.Port)
	return nil
}

// awaitReady polls the control socket with exponential backoff until the
// agent reports ready or the deadline passes.
func (s *Supervisor) awaitReady(rec *Record) error {
	client := control.NewClient(rec.SocketPath)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReadyInitialPoll
	bo.Multiplier = 1.5
	bo.MaxInterval = s.cfg.ReadyMaxPoll

	probe := func() (struct{}, error) {
		if rec.Exited() {
			return struct{}{}, backoff.Permanent(errors.New("agent process exited during startup"))
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CheckTimeout)
		defer cancel()
		reply, err := client.Health(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if status, _ := reply["status"].(string); status != "ready" {
			return struct{}{}, fmt.Errorf("agent not ready (status %q)", status)
		}
		return struct{}{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadyTimeout)
	defer cancel()
	_, err := backoff.Retry(ctx, probe, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(s.cfg.ReadyTimeout))
	if err != nil {
		return fmt.Errorf("readiness handshake: %w", err)
	}
	return nil
}

// StartAll starts every registered agent in parallel. It returns after
// every agent has reached running or failed; individual failures are
// joined into the returned error and do not abort peer starts.
func (s *Supervisor) StartAll() error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, name := range s.registry.Names() {
		g.Go(func() error {
			if err := s.Start(name); err != nil {
				mu.Lock()
				errs = errors.Join(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Stop gracefully stops one agent using the shutdown escalation.
func (s *Supervisor) Stop(name string) error {
	rec, err := s.registry.Get(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if rec.Status == StatusStopped || rec.Status == StatusFailed {
		s.mu.Unlock()
		return nil
	}
	rec.Status = StatusStopping
	s.mu.Unlock()

	s.terminate(rec)
	_ = os.Remove(rec.SocketPath)

	s.mu.Lock()
	rec.Status = StatusStopped
	rec.PID = 0
	rec.process = nil
	s.mu.Unlock()
	_ = s.registry.Save()
	s.log.Info("agent stopped", "agent", name)
	return nil
}

// StopAll stops every agent in parallel, each respecting the escalation
// timeouts.
func (s *Supervisor) StopAll() error {
	var g errgroup.Group
	for _, name := range s.registry.Names() {
		g.Go(func() error { return s.Stop(name) })
	}
	return g.Wait()
}

// Restart stops and starts one agent. A manual restart resets the
// automatic-restart budget.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	rec, err := s.registry.Get(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rec.Restarts = nil
	if rec.Status == StatusFailed {
		rec.Status = StatusStopped
	}
	s.mu.Unlock()
	return s.Start(name)
}

// Connect wires from → to: it resolves to's peer endpoint from the
// registry and issues a connect command to from's control socket. With
// bidirectional set the symmetric connect is issued as well.
func (s *Supervisor) Connect(from, to string, bidirectional bool) error {
	if err := s.connectOne(from, to); err != nil {
		return err
	}
	if bidirectional {
		return s.connectOne(to, from)
	}
	return nil
}

func (s *Supervisor) connectOne(from, to string) error {
	fromRec, err := s.registry.Get(from)
	if err != nil {
		return &ConnectError{From: from, To: to, Phase: ConnectPhaseResolve, Err: err}
	}
	toRec, err := s.registry.Get(to)
	if err != nil {
		return &ConnectError{From: from, To: to, Phase: ConnectPhaseResolve, Err: err}
	}
	if fromRec.Status != StatusRunning {
		return &ConnectError{From: from, To: to, Phase: ConnectPhaseResolve, Err: fmt.Errorf("agent %q is %s", from, fromRec.Status)}
	}
	if toRec.Status != StatusRunning {
		return &ConnectError{From: from, To: to, Phase: ConnectPhaseResolve, Err: fmt.Errorf("agent %q is %s", to, toRec.Status)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), control.DefaultCommandTimeout)
	defer cancel()
	err = control.NewClient(fromRec.SocketPath).Connect(ctx, to, toRec.Endpoint)
	if err != nil {
		phase := ConnectPhaseDispatch
		if errors.Is(err, context.DeadlineExceeded) || isAgentError(err) {
			phase = ConnectPhaseAcknowledge
		}
		return &ConnectError{From: from, To: to, Phase: phase, Err: err}
	}
	s.log.Info("peers connected", "from", from, "to", to)
	return nil
}

// isAgentError distinguishes a reply-level rejection from a transport
// failure: the client wraps {"error": …} replies with this prefix.
func isAgentError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "agent error:")
}

// Disconnect removes to from from's routing table.
func (s *Supervisor) Disconnect(from, to string) error {
	fromRec, err := s.registry.Get(from)
	if err != nil {
		return err
	}
	if fromRec.Status != StatusRunning {
		return fmt.Errorf("agent %q is %s", from, fromRec.Status)
	}
	ctx, cancel := context.WithTimeout(context.Background(), control.DefaultCommandTimeout)
	defer cancel()
	return control.NewClient(fromRec.SocketPath).Disconnect(ctx, to)
}

// Status returns one row per registered agent.
func (s *Supervisor) Status() []StatusRow {
	rows := make([]StatusRow, 0)
	for _, name := range s.registry.Names() {
		rec, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		s.mu.Lock()
		row := StatusRow{
			Name:     name,
			Status:   rec.Status,
			PID:      rec.PID,
			PeerPort: rec.Descriptor.Port,
			Restarts: len(rec.Restarts),
			LastErr:  rec.LastError,
		}
		if rec.Status == StatusRunning || rec.Status == StatusUnhealthy {
			row.Uptime = time.Since(rec.StartedAt)
		}
		s.mu.Unlock()
		rows = append(rows, row)
	}
	return rows
}

// Health issues a health probe to one agent and returns the raw reply.
func (s *Supervisor) Health(name string) (map[string]any, error) {
	rec, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), control.DefaultCommandTimeout)
	defer cancel()
	return control.NewClient(rec.SocketPath).Health(ctx)
}

// Metrics fetches one agent's metrics in the requested format.
func (s *Supervisor) Metrics(name, format string) (map[string]any, error) {
	rec, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), control.DefaultCommandTimeout)
	defer cancel()
	return control.NewClient(rec.SocketPath).Metrics(ctx, format)
}

// Chat injects a message into one agent and returns the final reply.
func (s *Supervisor) Chat(ctx context.Context, name, message, correlationID string) (string, error) {
	rec, err := s.registry.Get(name)
	if err != nil {
		return "", err
	}
	return control.NewClient(rec.SocketPath).Chat(ctx, message, correlationID)
}

// MonitorHealth runs the health loop until ctx is canceled. Probe
// failures drive recovery and logging; they are never returned.
func (s *Supervisor) MonitorHealth(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll()
		}
	}
}

func (s *Supervisor) checkAll() {
	for _, name := range s.registry.Names() {
		rec, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		s.mu.Lock()
		status := rec.Status
		s.mu.Unlock()
		if status != StatusRunning && status != StatusUnhealthy {
			continue
		}
		s.checkOne(rec)
	}
}

func (s *Supervisor) checkOne(rec *Record) {
	name := rec.Descriptor.Name

	healthy := false
	if !rec.Exited() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CheckTimeout)
		reply, err := control.NewClient(rec.SocketPath).Health(ctx)
		cancel()
		if err == nil {
			status, _ := reply["status"].(string)
			healthy = status == "ready"
		}
	}

	s.mu.Lock()
	if healthy {
		rec.HealthFailures = 0
		if rec.Status == StatusUnhealthy {
			rec.Status = StatusRunning
			s.log.Info("agent recovered", "agent", name)
		}
		s.mu.Unlock()
		return
	}

	rec.HealthFailures++
	failures := rec.HealthFailures
	s.mu.Unlock()

	s.log.Warn("health probe failed", "agent", name, "consecutive", failures)
	if failures < s.cfg.FailureThreshold && !rec.Exited() {
		return
	}

	s.mu.Lock()
	rec.Status = StatusUnhealthy
	s.mu.Unlock()
	s.recover(rec)
}

// recover restarts an unhealthy agent from its descriptor, respecting
// the rolling restart window. When the budget is exhausted the agent is
// marked failed and left for the operator.
func (s *Supervisor) recover(rec *Record) {
	name := rec.Descriptor.Name
	now := time.Now()

	s.mu.Lock()
	kept := rec.Restarts[:0]
	for _, ts := range rec.Restarts {
		if now.Sub(ts) < s.cfg.RestartWindow {
			kept = append(kept, ts)
		}
	}
	rec.Restarts = kept
	if len(rec.Restarts) >= s.cfg.MaxRestarts {
		rec.Status = StatusFailed
		rec.LastError = fmt.Sprintf("restart budget exhausted (%d in %s)", len(rec.Restarts), s.cfg.RestartWindow)
		s.mu.Unlock()
		_ = s.registry.Save()
		s.log.Error("agent failed permanently", "agent", name, "restarts", s.cfg.MaxRestarts)
		return
	}
	rec.Restarts = append(rec.Restarts, now)
	s.mu.Unlock()

	s.log.Info("restarting unhealthy agent", "agent", name, "attempt", len(rec.Restarts))
	s.terminate(rec)
	_ = os.Remove(rec.SocketPath)

	s.mu.Lock()
	rec.Status = StatusStopped
	rec.HealthFailures = 0
	s.mu.Unlock()

	if err := s.Start(name); err != nil {
		s.log.Error("restart failed", "agent", name, "error", err)
	}
}

// Remove forgets a stopped or failed agent, in memory and in the
// discovery file.
func (s *Supervisor) Remove(name string) error {
	return s.registry.Remove(name)
}

// Wait blocks until all reaper goroutines have finished. Intended for
// tests and clean library shutdown.
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) fail(rec *Record, err error) {
	s.mu.Lock()
	rec.Status = StatusFailed
	rec.LastError = err.Error()
	s.mu.Unlock()
	_ = s.registry.Save()
	s.log.Error("agent failed", "agent", rec.Descriptor.Name, "error", err)
}
