package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/agentnet-dev/agentnet/internal/event"
	"github.com/agentnet-dev/agentnet/internal/metrics"
)

// Agent is the runtime surface the control server drives. The command
// handler shares no other mutable state with the reasoning loop.
type Agent interface {
	Name() string
	PeerPort() int
	UptimeSeconds() float64
	Peers() map[string]string
	Connect(peerName, endpoint string) error
	Disconnect(peerName string)
	ChatWithUser(ctx context.Context, message, correlationID string) (string, error)
}

// Request is one control command.
type Request struct {
	Cmd           string `json:"cmd"`
	Peer          string `json:"peer,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Format        string `json:"format,omitempty"`
	SinceSeq      int64  `json:"since_seq,omitempty"`
}

// Server serves the control protocol on a Unix socket.
type Server struct {
	agent   Agent
	bus     *event.Bus
	metrics *metrics.Collector
	log     *slog.Logger
	path    string

	// Ready gates the health reply between "starting" and "ready"; the
	// peer listener must be up before it flips.
	Ready func() bool

	// OnShutdown is invoked after acknowledging a shutdown command.
	OnShutdown func()

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a control server for an agent.
func NewServer(path string, agent Agent, bus *event.Bus, collector *metrics.Collector, log *slog.Logger) *Server {
	return &Server{
		agent:   agent,
		bus:     bus,
		metrics: collector,
		log:     log,
		path:    path,
		Ready:   func() bool { return true },
	}
}

// Start probes for a stale socket, binds the listener with owner-only
// permissions, and begins accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if err := CleanStaleSocket(s.path); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind control socket %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	return nil
}

// Close stops the listener and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	_ = os.Remove(s.path)
	return err
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("control accept failed", "error", err)
			}
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn serializes requests on one connection; each accepted
// connection runs independently.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(map[string]string{"error": "malformed_request"})
			return
		}

		if req.Cmd == "subscribe_events" {
			// The connection becomes a one-way event stream.
			s.streamEvents(conn, enc, req.SinceSeq)
			return
		}

		if done := s.handleRequest(conn, enc, req); done {
			return
		}
	}
}

// handleRequest processes one command. It reports whether the connection
// should close (shutdown acknowledged).
func (s *Server) handleRequest(conn net.Conn, enc *json.Encoder, req Request) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("control handler panic", "cmd", req.Cmd, "panic", r)
			_ = enc.Encode(map[string]string{"error": fmt.Sprintf("internal error: %v", r)})
		}
	}()

	switch req.Cmd {
	case "health":
		status := "starting"
		if s.Ready() {
			status = "ready"
		}
		peers := make([]string, 0)
		for name := range s.agent.Peers() {
			peers = append(peers, name)
		}
		_ = enc.Encode(map[string]any{
			"status":    status,
			"peer_port": s.agent.PeerPort(),
			"peers":     peers,
			"uptime_s":  s.agent.UptimeSeconds(),
		})

	case "connect":
		if err := s.agent.Connect(req.Peer, req.Endpoint); err != nil {
			_ = enc.Encode(map[string]string{"error": err.Error()})
			return false
		}
		_ = enc.Encode(map[string]string{"status": "connected"})

	case "disconnect":
		s.agent.Disconnect(req.Peer)
		_ = enc.Encode(map[string]string{"status": "disconnected"})

	case "list_connections":
		_ = enc.Encode(map[string]any{"peers": s.agent.Peers()})

	case "metrics":
		s.handleMetrics(enc, req.Format)

	case "chat":
		correlationID := req.CorrelationID
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		response, err := s.agent.ChatWithUser(context.Background(), req.Message, correlationID)
		if err != nil {
			_ = enc.Encode(map[string]string{"error": err.Error(), "correlation_id": correlationID})
			return false
		}
		_ = enc.Encode(map[string]string{
			"status":         "ok",
			"response":       response,
			"correlation_id": correlationID,
		})

	case "shutdown":
		s.bus.Publish(event.KindShutdownRequested, "", "", nil)
		_ = enc.Encode(map[string]string{"status": "shutting_down"})
		if s.OnShutdown != nil {
			go s.OnShutdown()
		}
		return true

	default:
		_ = enc.Encode(map[string]string{"error": "unknown_command"})
	}
	return false
}

func (s *Server) handleMetrics(enc *json.Encoder, format string) {
	switch format {
	case "prometheus":
		text, err := s.metrics.Prometheus()
		if err != nil {
			_ = enc.Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = enc.Encode(map[string]string{"metrics": text, "format": "prometheus"})
	case "", "json":
		snap, err := s.metrics.JSON()
		if err != nil {
			_ = enc.Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = enc.Encode(map[string]any{"metrics": snap, "format": "json"})
	default:
		_ = enc.Encode(map[string]string{"error": "unknown_format"})
	}
}

// streamEvents replays the retained backlog from sinceSeq and then pushes
// live events until the client disconnects or falls too far behind.
func (s *Server) streamEvents(conn net.Conn, enc *json.Encoder, sinceSeq int64) {
	ch, cancel := s.bus.Subscribe(sinceSeq)
	defer cancel()

	// Detect client disconnect: the client never writes after subscribing,
	// so a successful read means EOF or an error either way.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Dropped by the bus for falling behind.
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}
