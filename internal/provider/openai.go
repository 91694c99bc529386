package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

func init() {
	RegisterFactory("openai", func(model string) (Provider, error) {
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return NewOpenAIProvider(openai.NewClient(apiKey), model), nil
	})
}

// OpenAIChatClient is the slice of the OpenAI client the adapter uses.
// Tests substitute a fake.
type OpenAIChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider adapts the OpenAI chat-completions API.
type OpenAIProvider struct {
	client OpenAIChatClient
	model  string
	native bool
}

// NewOpenAIProvider creates an adapter for one model.
func NewOpenAIProvider(client OpenAIChatClient, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: client,
		model:  model,
		native: openaiNativeTools(model),
	}
}

// openaiNativeTools reports whether the model supports native function
// calling. Legacy completions-era models get the tagged fallback.
func openaiNativeTools(model string) bool {
	switch {
	case strings.HasPrefix(model, "gpt-3.5-turbo"),
		strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"):
		return true
	default:
		return false
	}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// SupportsNativeTools reports native function-calling support.
func (p *OpenAIProvider) SupportsNativeTools() bool { return p.native }

// Complete runs one chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    p.buildMessages(req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if p.native {
		for _, tool := range req.Tools {
			apiReq.Tools = append(apiReq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			})
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, p.classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError("openai", ErrorCodeServerError, "no choices in response", nil)
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	if p.native {
		for _, tc := range choice.Message.ToolCalls {
			args := make(map[string]any)
			if tc.Function.Arguments != "" {
				// A malformed argument blob becomes an empty map; the
				// dispatch layer reports the missing parameters back to
				// the model as a tool error.
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
			})
		}
		return out, nil
	}

	clean, calls, _ := ExtractToolCalls(choice.Message.Content)
	out.Content = clean
	out.ToolCalls = calls
	return out, nil
}

func (p *OpenAIProvider) buildMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		switch m.Role {
		case "assistant":
			if p.native {
				for _, tc := range m.ToolCalls {
					args, err := json.Marshal(tc.Arguments)
					if err != nil {
						args = []byte("{}")
					}
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(args),
						},
					})
				}
			}
		case "tool":
			if p.native {
				msg.ToolCallID = m.ToolCallID
				msg.Name = m.ToolName
			} else {
				// Models without native tools have no tool role; feed the
				// result back as a user turn.
				msg.Role = openai.ChatMessageRoleUser
				msg.Content = fmt.Sprintf("Tool result from %s: %s", m.ToolName, m.Content)
			}
		}
		out = append(out, msg)
	}
	return out
}

func (p *OpenAIProvider) classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ErrorCodeUnknown
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized:
			code = ErrorCodeAuthentication
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			code = ErrorCodeRateLimit
		case apiErr.HTTPStatusCode >= 500:
			code = ErrorCodeServerError
		case apiErr.HTTPStatusCode == http.StatusBadRequest:
			code = ErrorCodeInvalidRequest
		}
		return NewError("openai", code, apiErr.Message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError("openai", ErrorCodeTimeout, "request timed out", err)
	}
	return NewError("openai", ErrorCodeUnknown, err.Error(), err)
}
