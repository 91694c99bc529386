package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

const anthropicDefaultMaxTokens = 4096

func init() {
	RegisterFactory("anthropic", func(model string) (Provider, error) {
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		client := anthropic.NewClient(option.WithAPIKey(apiKey))
		return NewAnthropicProvider(&client, model), nil
	})
}

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicProvider creates an adapter for one model.
func NewAnthropicProvider(client *anthropic.Client, model string) *AnthropicProvider {
	return &AnthropicProvider{client: client, model: model}
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// SupportsNativeTools is always true; every Messages-API model supports
// native tool use.
func (p *AnthropicProvider) SupportsNativeTools() bool { return true }

// Complete runs one Messages call.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if system := collectSystemText(req.Messages); len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classifyError(err)
	}

	out := &Response{
		FinishReason: string(resp.StopReason),
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			args := make(map[string]any)
			if tu.Input != nil {
				if raw, err := json.Marshal(tu.Input); err == nil {
					_ = json.Unmarshal(raw, &args)
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}
	return out, nil
}

func collectSystemText(messages []Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range messages {
		if m.Role == "system" && m.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			// Carried via params.System.
		case "assistant":
			var content []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input, err := json.Marshal(tc.Arguments)
				if err != nil {
					input = []byte("{}")
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(input), tc.Name))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	return out
}

func buildAnthropicTools(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		var params map[string]any
		if err := json.Unmarshal(tool.Parameters, &params); err == nil {
			if props, ok := params["properties"]; ok {
				schema.Properties = props
			}
			if req, ok := params["required"].([]any); ok {
				for _, r := range req {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		tp := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tp.OfTool != nil {
			tp.OfTool.Description = anthropic.String(tool.Description)
		}
		out[i] = tp
	}
	return out
}

func (p *AnthropicProvider) classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := ErrorCodeUnknown
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized:
			code = ErrorCodeAuthentication
		case apiErr.StatusCode == http.StatusTooManyRequests:
			code = ErrorCodeRateLimit
		case apiErr.StatusCode >= 500:
			code = ErrorCodeServerError
		case apiErr.StatusCode == http.StatusBadRequest:
			code = ErrorCodeInvalidRequest
		}
		return NewError("anthropic", code, apiErr.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError("anthropic", ErrorCodeTimeout, "request timed out", err)
	}
	return NewError("anthropic", ErrorCodeUnknown, err.Error(), err)
}
