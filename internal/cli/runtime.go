package cli

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ahrav/go-guardrail/infrastructure/llm"
	"github.com/ahrav/go-guardrail/infrastructure/middleware"
	"github.com/ahrav/go-guardrail/infrastructure/requestlog"
	"github.com/ahrav/go-guardrail/internal/application"
	"github.com/ahrav/go-guardrail/internal/ports"
)

// runtime is the wired evaluation stack shared by serve and scan.
type runtime struct {
	cfg        *application.AppConfig
	logger     *zap.Logger
	loader     *application.RuleSetLoader
	catalog    *application.UseCaseCatalog
	llm        ports.LLMClient
	orch       *application.Orchestrator
	aggregator *application.Aggregator
	tracing    *middleware.Tracing
	fileSink   *requestlog.FileSink
}

// newRuntime wires rules, templates, the stage sink, tracing and the LLM
// client into an orchestrator and aggregator. metrics may be nil.
func newRuntime(ctx context.Context, cfg *application.AppConfig, logger *zap.Logger, metrics ports.MetricsCollector) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	conds, err := application.NewConditionEngine()
	if err != nil {
		return nil, err
	}
	rt.loader, err = application.NewRuleSetLoader(conds, logger)
	if err != nil {
		return nil, err
	}
	rt.catalog = application.NewUseCaseCatalog(cfg.RulesDir, cfg.UseCases, rt.loader)

	store, err := application.NewTemplateStore(cfg.Templates)
	if err != nil {
		return nil, err
	}

	var sink ports.StageSink
	if cfg.LogDir != "" {
		rt.fileSink, err = requestlog.NewFileSink(cfg.LogDir, logger)
		if err != nil {
			logger.Warn("request log dir unavailable, logging stages to the process log",
				zap.String("log_dir", cfg.LogDir),
				zap.Error(err))
			sink = requestlog.NewLogSink(logger)
		} else {
			sink = rt.fileSink
		}
	} else {
		sink = requestlog.NewLogSink(logger)
	}

	rt.tracing, err = middleware.InitTracing(ctx, middleware.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	client, err := llm.New(llmSettings(cfg), llm.Observability{
		Metrics: metrics,
		Tracer:  tracerOf(rt.tracing),
		Logger:  logger,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	rt.llm = client

	deps := application.Dependencies{
		Rules:      rt.catalog,
		Renderer:   application.NewPromptRenderer(store),
		Conditions: conds,
		LLM:        client,
		Sink:       sink,
		Metrics:    metrics,
		Logger:     logger,
	}
	opts := application.EvaluationOptionsFrom(cfg)

	if rt.aggregator, err = application.NewAggregator(deps, opts); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if rt.orch, err = application.NewOrchestrator(deps, opts, rt.aggregator); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

// Close flushes pending stage logs and spans.
func (rt *runtime) Close(ctx context.Context) {
	if rt.fileSink != nil {
		rt.fileSink.Close()
	}
	if rt.tracing != nil {
		if err := rt.tracing.Shutdown(ctx); err != nil {
			rt.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func tracerOf(t *middleware.Tracing) trace.Tracer {
	if t == nil {
		return nil
	}
	return t.Tracer
}

// llmSettings maps the config onto the client factory. For azure the
// dedicated endpoint, key and deployment win over the generic fields.
func llmSettings(cfg *application.AppConfig) llm.Settings {
	c := cfg.LLM
	s := llm.Settings{
		Provider:          c.Provider,
		APIKey:            c.APIKey,
		Model:             c.Model,
		BaseURL:           c.BaseURL,
		Timeout:           cfg.LLMTimeout(),
		MaxRetries:        c.MaxRetries,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		BreakerFailures:   c.CircuitBreakerFailures,
	}
	if c.Provider == "azure" {
		s.APIKey = firstNonEmpty(c.Azure.APIKey, c.APIKey)
		s.BaseURL = firstNonEmpty(c.Azure.Endpoint, c.BaseURL)
		s.Model = firstNonEmpty(c.Azure.Deployment, c.Model)
		s.APIVersion = c.Azure.APIVersion
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
