// Package runtime implements the per-process agent core: the reasoning
// loop that turns incoming messages into model calls and tool dispatches,
// the peer routing table, and the conversation log. One Runtime serves
// both transports — the peer fabric (receive_message, chat_with_user,
// status) and the control socket (connect, disconnect, chat).
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentnet-dev/agentnet/internal/event"
	"github.com/agentnet-dev/agentnet/internal/metrics"
	"github.com/agentnet-dev/agentnet/internal/peer"
	"github.com/agentnet-dev/agentnet/internal/provider"
)

// Loop limits.
const (
	// DefaultMaxIterations caps model/tool round trips per incoming turn.
	DefaultMaxIterations = 8

	// DefaultModelRetries bounds retry attempts for one model call.
	DefaultModelRetries = 3

	// DefaultModelTimeout bounds one model call.
	DefaultModelTimeout = 120 * time.Second
)

// ExternalTool is a tool endpoint declared in the agent's descriptor.
type ExternalTool struct {
	Name        string
	Description string
	Endpoint    string
}

// Options configures a Runtime.
type Options struct {
	Name     string
	Role     string
	PeerPort int

	Provider provider.Provider
	Bus      *event.Bus
	Metrics  *metrics.Collector
	Log      *slog.Logger
	Client   *peer.Client

	// ExternalTools are additional capabilities dispatched over the peer
	// transport to their declared endpoints.
	ExternalTools []ExternalTool

	// PeerTools exposes the tool set to peer-originated turns as well.
	// Off by default so two agents answering each other cannot recurse
	// indefinitely.
	PeerTools bool

	MaxIterations int
	ModelRetries  int
	ModelTimeout  time.Duration
}

// Runtime is one agent's reasoning core.
type Runtime struct {
	opts  Options
	table *RoutingTable
	start time.Time

	convMu sync.Mutex
	convs  map[string]*Conversation
}

// New creates a Runtime. Zero option values select the defaults.
func New(opts Options) *Runtime {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.ModelRetries <= 0 {
		opts.ModelRetries = DefaultModelRetries
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = DefaultModelTimeout
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = peer.NewClient(0, 0)
	}
	return &Runtime{
		opts:  opts,
		table: NewRoutingTable(opts.Name),
		start: time.Now(),
		convs: make(map[string]*Conversation),
	}
}

// Name returns the agent name.
func (r *Runtime) Name() string { return r.opts.Name }

// PeerPort returns the peer-transport port.
func (r *Runtime) PeerPort() int { return r.opts.PeerPort }

// UptimeSeconds returns seconds since the runtime was created.
func (r *Runtime) UptimeSeconds() float64 { return time.Since(r.start).Seconds() }

// Peers returns a snapshot of the routing table.
func (r *Runtime) Peers() map[string]string { return r.table.Snapshot() }

// Connect adds a peer to the routing table and emits a connected event.
// Duplicate connects are idempotent; a changed endpoint overwrites and the
// event carries the previous endpoint.
func (r *Runtime) Connect(peerName, endpoint string) error {
	prev, replaced, err := r.table.Connect(peerName, endpoint)
	if err != nil {
		return err
	}
	r.opts.Metrics.SetPeers(r.table.Len())

	payload := map[string]any{"endpoint": endpoint}
	if replaced {
		payload["previous_endpoint"] = prev
	}
	r.opts.Bus.Publish(event.KindConnected, "", peerName, payload)
	r.opts.Log.Info("peer connected", "peer", peerName, "endpoint", endpoint)
	return nil
}

// Disconnect removes a peer. Removing an absent peer is a no-op.
func (r *Runtime) Disconnect(peerName string) {
	if r.table.Disconnect(peerName) {
		r.opts.Metrics.SetPeers(r.table.Len())
		r.opts.Bus.Publish(event.KindDisconnected, "", peerName, nil)
		r.opts.Log.Info("peer disconnected", "peer", peerName)
	}
}

// ReceiveMessage handles a message from another agent. Unless PeerTools
// is set, the reply is generated without tools so mutually connected
// agents cannot call each other forever.
func (r *Runtime) ReceiveMessage(ctx context.Context, from, message, correlationID string) (string, error) {
	r.opts.Metrics.RecordMessageReceived(from)
	r.opts.Bus.Publish(event.KindPeerMessageReceived, correlationID, from, map[string]any{"message": message})
	return r.converse(ctx, correlationID, Turn{Role: "peer", Peer: from, Content: message}, r.opts.PeerTools)
}

// ChatWithUser handles a message from a human interface with the full
// tool set available.
func (r *Runtime) ChatWithUser(ctx context.Context, message, correlationID string) (string, error) {
	return r.converse(ctx, correlationID, Turn{Role: "user", Content: message}, true)
}

// Status returns the agent's self-description for capability discovery.
func (r *Runtime) Status(ctx context.Context) peer.StatusResult {
	return peer.StatusResult{
		Name:          r.opts.Name,
		Role:          r.opts.Role,
		Peers:         r.table.Names(),
		UptimeSeconds: r.UptimeSeconds(),
	}
}

// conversation returns the conversation for a correlation id, creating it
// on first use. Each external caller identity gets isolated history.
func (r *Runtime) conversation(correlationID string) *Conversation {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	conv, ok := r.convs[correlationID]
	if !ok {
		conv = newConversation(correlationID)
		r.convs[correlationID] = conv
	}
	return conv
}

// converse appends the incoming turn and runs the reasoning loop until
// the model produces a turn with no tool invocations or the iteration cap
// is hit.
func (r *Runtime) converse(ctx context.Context, correlationID string, incoming Turn, withTools bool) (string, error) {
	conv := r.conversation(correlationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	r.opts.Metrics.ConversationStarted()
	defer r.opts.Metrics.ConversationFinished()

	conv.append(incoming)
	conv.setState(StateRunning)
	defer conv.setState(StateIdle)

	r.opts.Bus.Publish(event.KindTurnStarted, correlationID, incoming.Peer, map[string]any{"role": incoming.Role})

	lastContent := ""
	for iteration := range r.opts.MaxIterations {
		snapshot := r.table.Snapshot()
		var tools []provider.ToolDef
		if withTools {
			tools = r.buildTools(snapshot)
		}

		preamble := renderPreamble(r.opts.Name, r.opts.Role, snapshot, tools, r.opts.Provider.SupportsNativeTools())
		req := provider.Request{
			Messages: append([]provider.Message{{Role: "system", Content: preamble}}, conv.messages()...),
		}
		if r.opts.Provider.SupportsNativeTools() {
			req.Tools = tools
		}

		r.opts.Bus.Publish(event.KindModelRequest, correlationID, "", map[string]any{
			"iteration": iteration,
			"provider":  r.opts.Provider.Name(),
		})

		resp, err := r.completeWithRetry(ctx, req)
		if err != nil {
			r.opts.Bus.Publish(event.KindError, correlationID, "", map[string]any{
				"kind":  "model_failure",
				"error": err.Error(),
			})
			r.opts.Log.Error("model call failed", "correlation_id", correlationID, "error", err)
			return "", fmt.Errorf("model call failed: %w", err)
		}

		r.opts.Bus.Publish(event.KindModelResponse, correlationID, "", map[string]any{
			"iteration":  iteration,
			"tool_calls": len(resp.ToolCalls),
		})
		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			conv.append(Turn{Role: "self", Content: resp.Content})
			r.opts.Bus.Publish(event.KindTurnFinished, correlationID, incoming.Peer, map[string]any{"iterations": iteration + 1})
			return resp.Content, nil
		}

		conv.append(Turn{Role: "self", Content: resp.Content, ToolCalls: resp.ToolCalls})
		conv.setState(StateWaitingOnTool)
		for _, call := range resp.ToolCalls {
			r.opts.Bus.Publish(event.KindToolCallStarted, correlationID, "", map[string]any{"tool": call.Name})
			result := r.dispatchTool(ctx, snapshot, call, correlationID)
			conv.append(Turn{Role: "tool", Content: result, ToolCallID: call.ID, ToolName: call.Name})
			r.opts.Bus.Publish(event.KindToolCallFinished, correlationID, "", map[string]any{"tool": call.Name})
		}
		conv.setState(StateRunning)
	}

	r.opts.Bus.Publish(event.KindTurnCapped, correlationID, incoming.Peer, map[string]any{"max_iterations": r.opts.MaxIterations})
	r.opts.Log.Warn("turn hit iteration cap", "correlation_id", correlationID)
	conv.append(Turn{Role: "self", Content: lastContent})
	return lastContent, nil
}

// completeWithRetry calls the model with bounded exponential backoff.
// Only errors the provider marks retryable are retried.
func (r *Runtime) completeWithRetry(ctx context.Context, req provider.Request) (*provider.Response, error) {
	operation := func() (*provider.Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.ModelTimeout)
		defer cancel()

		start := time.Now()
		resp, err := r.opts.Provider.Complete(callCtx, req)
		r.opts.Metrics.RecordModelCall(time.Since(start), err)
		if err != nil {
			var provErr *provider.Error
			if errors.As(err, &provErr) && !provErr.Retryable {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(r.opts.ModelRetries)),
	)
}

// dispatchTool resolves one tool invocation against the routing-table
// snapshot the iteration was built from. Failures come back as tool
// results so the model can react; they never abort the loop.
func (r *Runtime) dispatchTool(ctx context.Context, snapshot map[string]string, call provider.ToolCall, correlationID string) string {
	if peerName, ok := strings.CutPrefix(call.Name, peerToolPrefix); ok {
		endpoint, connected := snapshot[peerName]
		if !connected {
			return toolError("unknown_peer", fmt.Sprintf("not connected to agent %q", peerName))
		}
		message, _ := call.Arguments["message"].(string)
		if message == "" {
			return toolError("invalid_arguments", "message parameter is required")
		}

		r.opts.Metrics.RecordMessageSent(peerName)
		r.opts.Bus.Publish(event.KindPeerMessageSent, correlationID, peerName, map[string]any{"message": message})

		start := time.Now()
		reply, err := r.opts.Client.ReceiveMessage(ctx, peerName, endpoint, r.opts.Name, message, correlationID)
		r.opts.Metrics.RecordPeerCall(time.Since(start))
		if err != nil {
			r.opts.Bus.Publish(event.KindError, correlationID, peerName, map[string]any{
				"kind":  "peer_call_failure",
				"error": err.Error(),
			})
			return toolError("peer_call_failed", err.Error())
		}
		return reply
	}

	for _, tool := range r.opts.ExternalTools {
		if tool.Name != call.Name {
			continue
		}
		start := time.Now()
		result, err := r.opts.Client.CallTool(ctx, tool.Name, tool.Endpoint, call.Arguments, correlationID)
		r.opts.Metrics.RecordPeerCall(time.Since(start))
		if err != nil {
			return toolError("tool_call_failed", err.Error())
		}
		return result
	}

	return toolError("unknown_tool", fmt.Sprintf("no such tool %q", call.Name))
}

func (r *Runtime) buildTools(snapshot map[string]string) []provider.ToolDef {
	tools := peerTools(snapshot)
	for _, t := range r.opts.ExternalTools {
		tools = append(tools, provider.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		})
	}
	return tools
}

func toolError(code, message string) string {
	out, err := json.Marshal(map[string]string{"error": code, "details": message})
	if err != nil {
		return `{"error":"` + code + `"}`
	}
	return string(out)
}
