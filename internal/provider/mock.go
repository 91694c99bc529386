package provider

import (
	"context"
	"sync"
)

func init() {
	RegisterFactory("mock", func(model string) (Provider, error) {
		return NewMockProvider(model), nil
	})
}

// MockProvider is a scripted provider for tests and offline runs. Each
// Complete call pops the next scripted response; when the script is
// exhausted it echoes the last user message.
type MockProvider struct {
	mu        sync.Mutex
	model     string
	native    bool
	responses []*Response
	errs      []error
	requests  []Request
}

// NewMockProvider creates a mock with native tool support enabled.
func NewMockProvider(model string) *MockProvider {
	return &MockProvider{model: model, native: true}
}

// SetNativeTools toggles whether the mock claims native function calling.
func (p *MockProvider) SetNativeTools(native bool) { p.native = native }

// Enqueue appends a scripted response.
func (p *MockProvider) Enqueue(resp *Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
}

// EnqueueError appends a scripted failure.
func (p *MockProvider) EnqueueError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

// Requests returns every request seen so far.
func (p *MockProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Name returns "mock".
func (p *MockProvider) Name() string { return "mock" }

// SupportsNativeTools reports the configured flag.
func (p *MockProvider) SupportsNativeTools() bool { return p.native }

// Complete pops the next scripted error or response.
func (p *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError("mock", ErrorCodeTimeout, "context done", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	if len(p.responses) > 0 {
		resp := p.responses[0]
		p.responses = p.responses[1:]
		if !p.native {
			clean, calls, _ := ExtractToolCalls(resp.Content)
			return &Response{
				Content:      clean,
				ToolCalls:    append(calls, resp.ToolCalls...),
				FinishReason: resp.FinishReason,
				Usage:        resp.Usage,
			}, nil
		}
		return resp, nil
	}

	last := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return &Response{Content: "echo: " + last, FinishReason: "stop"}, nil
}
