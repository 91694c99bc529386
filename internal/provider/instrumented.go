package provider

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentnet-dev/agentnet/internal/provider"

// InstrumentedProvider wraps a Provider with OpenTelemetry spans around
// every model call: provider, model, message/tool counts, latency, token
// usage, and errors.
type InstrumentedProvider struct {
	provider Provider
	tracer   trace.Tracer
}

// NewInstrumentedProvider wraps a provider with tracing.
func NewInstrumentedProvider(p Provider) *InstrumentedProvider {
	return &InstrumentedProvider{
		provider: p,
		tracer:   otel.Tracer(tracerName),
	}
}

// Name returns the wrapped provider's name.
func (p *InstrumentedProvider) Name() string { return p.provider.Name() }

// SupportsNativeTools delegates to the wrapped provider.
func (p *InstrumentedProvider) SupportsNativeTools() bool { return p.provider.SupportsNativeTools() }

// Complete runs the wrapped call inside a span.
func (p *InstrumentedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, span := p.tracer.Start(ctx, "llm."+p.provider.Name()+".completion",
		trace.WithAttributes(
			attribute.String("llm.provider", p.provider.Name()),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.messages_count", len(req.Messages)),
			attribute.Int("llm.tools_count", len(req.Tools)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := p.provider.Complete(ctx, req)
	span.SetAttributes(
		attribute.Int64("llm.duration_ms", time.Since(start).Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", resp.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}
