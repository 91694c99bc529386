package runtime

import (
	"sync"
	"time"

	"github.com/agentnet-dev/agentnet/internal/provider"
)

// ConversationState tracks where a conversation's reasoning loop is, for
// observability only.
type ConversationState string

// Conversation states.
const (
	StateIdle          ConversationState = "idle"
	StateRunning       ConversationState = "running"
	StateWaitingOnTool ConversationState = "waiting_on_tool"
)

// Turn is one entry in a conversation log.
type Turn struct {
	Role       string // "user", "peer", "self", "tool"
	Content    string
	Peer       string
	ToolCalls  []provider.ToolCall
	ToolCallID string
	ToolName   string
	Timestamp  time.Time
}

// Conversation is the ephemeral per-correlation-id dialogue an agent
// holds with one external caller. Conversations never share history.
// The embedded mutex serializes the reasoning loop within the
// conversation; concurrent conversations proceed independently.
type Conversation struct {
	ID string

	mu    sync.Mutex
	turns []Turn
	state ConversationState
}

func newConversation(id string) *Conversation {
	return &Conversation{ID: id, state: StateIdle}
}

func (c *Conversation) append(t Turn) {
	t.Timestamp = time.Now().UTC()
	c.turns = append(c.turns, t)
}

func (c *Conversation) setState(s ConversationState) { c.state = s }

// State returns the current loop state.
func (c *Conversation) State() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// messages renders the log as provider messages. Peer turns become user
// turns attributed to the sender; self turns are the agent's own replies.
func (c *Conversation) messages() []provider.Message {
	out := make([]provider.Message, 0, len(c.turns))
	for _, t := range c.turns {
		switch t.Role {
		case "peer":
			out = append(out, provider.Message{
				Role:    "user",
				Content: "Message from " + t.Peer + ": " + t.Content,
			})
		case "self":
			out = append(out, provider.Message{
				Role:      "assistant",
				Content:   t.Content,
				ToolCalls: t.ToolCalls,
			})
		case "tool":
			out = append(out, provider.Message{
				Role:       "tool",
				Content:    t.Content,
				ToolCallID: t.ToolCallID,
				ToolName:   t.ToolName,
			})
		default:
			out = append(out, provider.Message{Role: "user", Content: t.Content})
		}
	}
	return out
}
