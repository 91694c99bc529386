package provider

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// toolUseRe matches tagged tool invocations emitted by models without
// native function calling.
var toolUseRe = regexp.MustCompile(`(?s)<tool_use>(.*?)</tool_use>`)

type taggedToolCall struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// ToolUseInstruction renders the system-preamble block that teaches a model
// without native function calling how to invoke tools.
func ToolUseInstruction(tools []ToolDef) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You have access to the following tools:\n\n")
	for _, tool := range tools {
		params, err := json.MarshalIndent(json.RawMessage(tool.Parameters), "", "  ")
		if err != nil {
			params = []byte("{}")
		}
		fmt.Fprintf(&b, "%s: %s\nParameters:\n%s\n\n", tool.Name, tool.Description, params)
	}
	b.WriteString(`To use a tool, respond with a special XML tag:
<tool_use>
{"tool": "tool_name", "parameters": {"param1": "value1"}}
</tool_use>

You can use multiple tools by including multiple <tool_use> tags.
After using a tool, wait for the result before continuing your response.

Important: Always use tools when they would help answer the user's request.`)
	return b.String()
}

// ExtractToolCalls parses tagged tool invocations out of model text.
// It returns the text with the tags stripped and the structured calls in
// document order. Malformed blocks are counted but otherwise skipped so a
// half-formed invocation never crashes the loop.
func ExtractToolCalls(content string) (clean string, calls []ToolCall, malformed int) {
	matches := toolUseRe.FindAllStringSubmatch(content, -1)
	for _, m := range matches {
		var tagged taggedToolCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &tagged); err != nil || tagged.Tool == "" {
			malformed++
			continue
		}
		if tagged.Parameters == nil {
			tagged.Parameters = make(map[string]any)
		}
		calls = append(calls, ToolCall{Name: tagged.Tool, Arguments: tagged.Parameters})
	}

	clean = strings.TrimSpace(toolUseRe.ReplaceAllString(content, ""))
	return clean, calls, malformed
}
