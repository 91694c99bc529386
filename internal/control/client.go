package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/agentnet-dev/agentnet/internal/event"
)

// DefaultCommandTimeout bounds a single request/reply exchange. Chat is
// excluded; it runs a full reasoning loop and uses the caller's context.
const DefaultCommandTimeout = 5 * time.Second

// Client talks the control protocol to one agent.
type Client struct {
	path string
}

// NewClient creates a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Path returns the socket path this client targets.
func (c *Client) Path() string { return c.path }

// Do sends one request and decodes one reply. A {"error": …} reply is
// returned as an error.
func (c *Client) Do(ctx context.Context, req Request) (map[string]any, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", c.path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Cmd, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read %s reply: %w", req.Cmd, err)
		}
		return nil, fmt.Errorf("read %s reply: connection closed", req.Cmd)
	}

	var reply map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", req.Cmd, err)
	}
	if errMsg, ok := reply["error"].(string); ok {
		return reply, fmt.Errorf("agent error: %s", errMsg)
	}
	return reply, nil
}

// Health issues a health probe.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	return c.Do(ctx, Request{Cmd: "health"})
}

// Connect adds a peer to the agent's routing table.
func (c *Client) Connect(ctx context.Context, peerName, endpoint string) error {
	_, err := c.Do(ctx, Request{Cmd: "connect", Peer: peerName, Endpoint: endpoint})
	return err
}

// Disconnect removes a peer from the agent's routing table.
func (c *Client) Disconnect(ctx context.Context, peerName string) error {
	_, err := c.Do(ctx, Request{Cmd: "disconnect", Peer: peerName})
	return err
}

// ListConnections returns the agent's routing-table snapshot.
func (c *Client) ListConnections(ctx context.Context) (map[string]string, error) {
	reply, err := c.Do(ctx, Request{Cmd: "list_connections"})
	if err != nil {
		return nil, err
	}
	peers := make(map[string]string)
	if raw, ok := reply["peers"].(map[string]any); ok {
		for name, endpoint := range raw {
			if s, ok := endpoint.(string); ok {
				peers[name] = s
			}
		}
	}
	return peers, nil
}

// Metrics fetches a metrics snapshot in the requested format.
func (c *Client) Metrics(ctx context.Context, format string) (map[string]any, error) {
	return c.Do(ctx, Request{Cmd: "metrics", Format: format})
}

// Chat injects a user message and returns the agent's final reply once
// the reasoning loop quiesces.
func (c *Client) Chat(ctx context.Context, message, correlationID string) (string, error) {
	reply, err := c.Do(ctx, Request{Cmd: "chat", Message: message, CorrelationID: correlationID})
	if err != nil {
		return "", err
	}
	response, _ := reply["response"].(string)
	return response, nil
}

// Shutdown asks the agent to exit gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Cmd: "shutdown"})
	return err
}

// SubscribeEvents streams events to handler until the context is done,
// the handler returns false, or the stream ends.
func (c *Client) SubscribeEvents(ctx context.Context, sinceSeq int64, handler func(event.Event) bool) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return fmt.Errorf("dial control socket %s: %w", c.path, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := json.NewEncoder(conn).Encode(Request{Cmd: "subscribe_events", SinceSeq: sinceSeq}); err != nil {
		return fmt.Errorf("send subscribe_events: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev event.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if !handler(ev) {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
