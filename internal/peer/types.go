// Package peer implements the work-plane fabric agents use to call each
// other: a JSON-RPC-shaped HTTP server mounted at /mcp and a pooled
// outbound client. Within one correlation id requests are strictly
// serialized; different conversations proceed concurrently.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
)

// RPC method names exposed by every agent.
const (
	MethodReceiveMessage = "receive_message"
	MethodChatWithUser   = "chat_with_user"
	MethodStatus         = "status"
	MethodCallTool       = "call_tool"
)

// RPCPath is the HTTP path the inbound server is mounted at.
const RPCPath = "/mcp"

// Request is the JSON-RPC-shaped request envelope.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id"`
}

// Response is the reply envelope. Exactly one of Result or Error is set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	ID     string          `json:"id"`
}

// RPCError is a structured remote failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPC error codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeRateLimited    = -32000
)

// ReceiveMessageParams is the payload for receive_message.
type ReceiveMessageParams struct {
	From          string `json:"from"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ChatParams is the payload for chat_with_user.
type ChatParams struct {
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// CallToolParams is the payload for call_tool, used for external tool
// endpoints declared in an agent descriptor.
type CallToolParams struct {
	Name          string         `json:"name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// TextResult is the reply payload carrying a single string.
type TextResult struct {
	Text string `json:"text"`
}

// StatusResult is the reply payload for status.
type StatusResult struct {
	Name          string   `json:"name"`
	Role          string   `json:"role,omitempty"`
	Peers         []string `json:"peers"`
	UptimeSeconds float64  `json:"uptime_s"`
}

// Handler is the agent-runtime surface the inbound server dispatches to.
type Handler interface {
	// ReceiveMessage handles a message from peer `from` and returns the
	// agent's textual reply.
	ReceiveMessage(ctx context.Context, from, message, correlationID string) (string, error)

	// ChatWithUser handles a message from an external human interface.
	ChatWithUser(ctx context.Context, message, correlationID string) (string, error)

	// Status returns the agent's self-description.
	Status(ctx context.Context) StatusResult
}

// Call phases reported by CallError.
const (
	PhaseDial    = "dial"
	PhaseRequest = "request"
	PhaseDecode  = "decode"
	PhaseRemote  = "remote"
)

// CallError is a structured outbound-call failure identifying which phase
// of the call broke.
type CallError struct {
	Peer     string
	Endpoint string
	Phase    string
	Err      error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("peer call to %s (%s) failed during %s: %v", e.Peer, e.Endpoint, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *CallError) Unwrap() error { return e.Err }
