package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ahrav/go-guardrail/infrastructure/llm"

// tracedLLM opens a client span around every provider call.
type tracedLLM struct {
	next     CoreLLM
	tracer   trace.Tracer
	provider string
}

// TracingMiddleware records an "llm.request" span per call. A nil tracer
// uses the global tracer provider, which is a no-op until tracing is
// configured.
func TracingMiddleware(tracer trace.Tracer, provider string) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return func(next CoreLLM) CoreLLM {
		return &tracedLLM{
			next:     next,
			tracer:   tracer,
			provider: provider,
		}
	}
}

// DoRequest runs the call inside a span carrying the provider, model and
// token counts. Failures are recorded on the span.
func (t *tracedLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	ctx, span := t.tracer.Start(ctx, "llm.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", t.provider),
			attribute.String("llm.model", t.next.GetModel()),
			attribute.Int("llm.prompt.length", len(prompt)),
		),
	)
	defer span.End()

	response, tokensIn, tokensOut, err := t.next.DoRequest(ctx, prompt, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return response, tokensIn, tokensOut, err
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", tokensIn),
		attribute.Int("llm.tokens.output", tokensOut),
	)
	return response, tokensIn, tokensOut, nil
}

// GetModel returns the model from the wrapped implementation.
func (t *tracedLLM) GetModel() string { return t.next.GetModel() }
