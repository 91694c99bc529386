package runtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentnet-dev/agentnet/internal/provider"
)

// peerToolPrefix prefixes the per-peer capability names the model sees.
const peerToolPrefix = "communicate_with_"

// messageSchema is the parameter schema for every communicate_with_<peer>
// capability.
var messageSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string", "description": "The message to send"}
  },
  "required": ["message"]
}`)

// peerTools renders one outbound capability per routing-table entry. The
// set is derived from the snapshot, so it tracks every table mutation
// without any static registration.
func peerTools(snapshot map[string]string) []provider.ToolDef {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]provider.ToolDef, 0, len(names))
	for _, name := range names {
		tools = append(tools, provider.ToolDef{
			Name:        peerToolPrefix + name,
			Description: fmt.Sprintf("Send a message to the agent %q and receive its reply", name),
			Parameters:  messageSchema,
		})
	}
	return tools
}

// renderPreamble builds the system message for one reasoning-loop
// iteration: the agent's role, the current peer catalogue, and (for models
// without native function calling) the tagged tool-use instruction block.
func renderPreamble(name, role string, snapshot map[string]string, tools []provider.ToolDef, nativeTools bool) string {
	catalogue := "none"
	if len(snapshot) > 0 {
		names := make([]string, 0, len(snapshot))
		for peer := range snapshot {
			names = append(names, peer)
		}
		sort.Strings(names)
		catalogue = strings.Join(names, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %q, part of a multi-agent system.\n\n", name)
	fmt.Fprintf(&b, "Your role: %s\n\n", role)
	fmt.Fprintf(&b, "Connected peer agents: %s\n", catalogue)
	if len(tools) > 0 {
		b.WriteString("\nTo talk to a peer, call its communicate_with_<name> tool with a message. After you receive the reply, answer the original caller in your own words; do not keep calling tools once you have what you need.\n")
	}
	if !nativeTools && len(tools) > 0 {
		b.WriteString("\n")
		b.WriteString(provider.ToolUseInstruction(tools))
	}
	return b.String()
}
