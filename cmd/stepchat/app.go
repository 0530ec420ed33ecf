package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/internal/config"
	"github.com/inspirepan/stepchat/internal/observability"
	"github.com/inspirepan/stepchat/internal/web"
	"github.com/inspirepan/stepchat/providers/anthropic"
	"github.com/inspirepan/stepchat/providers/base"
	"github.com/inspirepan/stepchat/providers/chatcompletion"
	"github.com/inspirepan/stepchat/providers/openrouter"
	"github.com/inspirepan/stepchat/providers/responses"
	"github.com/inspirepan/stepchat/tools/weather"
)

// app holds everything a command needs to run turns.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	backend  web.Backend
	hosted   *responses.Session // nil unless the provider is responses
	renderer *web.Renderer
	orch     *stepchat.Orchestrator
	metrics  *observability.Metrics
	registry *prometheus.Registry
	shutdown observability.ShutdownFunc
}

// loadConfig reads .env into the environment, then the optional YAML file.
func loadConfig(path string) (*config.Config, error) {
	if err := base.LoadEnv(config.DefaultEnvFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", config.DefaultEnvFile, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Log.Format,
	})
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	switch cfg.Provider {
	case config.ProviderAnthropic:
		a.backend = newAnthropicSession(cfg, logger)
	case config.ProviderChatCompletion:
		a.backend = newChatCompletionSession(cfg, logger)
	case config.ProviderOpenRouter:
		a.backend = newOpenRouterSession(cfg, logger)
	default:
		a.hosted = newResponsesSession(cfg, logger)
		a.backend = a.hosted
	}

	renderer, err := web.NewRenderer()
	if err != nil {
		return nil, err
	}
	a.renderer = renderer

	tools := stepchat.NewRegistry()
	if cfg.ToolEnabled(config.ToolFunction) {
		if err := tools.Register(weather.New()); err != nil {
			return nil, err
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)

	tracer, shutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "stepchat",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.shutdown = shutdown

	opts := []stepchat.Option{
		stepchat.WithLogger(logger),
		stepchat.WithObserver(a.metrics),
		stepchat.WithToolDetail(cfg.Tools.ShowDetail),
		stepchat.WithToolTimeout(cfg.Tools.Timeout),
		stepchat.WithTracer(tracer),
	}
	if a.hosted != nil {
		opts = append(opts, stepchat.WithFileLocator(a.hosted))
	}
	a.orch = stepchat.New(a.backend, tools, renderer, opts...)

	logger.Info("provider ready",
		"provider", cfg.Provider,
		"model", cfg.Model(),
		"tools", cfg.Tools.Enabled,
		"function_tools", len(tools.Specs()),
	)
	return a, nil
}

func newResponsesSession(cfg *config.Config, logger *slog.Logger) *responses.Session {
	opts := []responses.Option{
		responses.WithAPIKey(cfg.OpenAI.APIKey),
		responses.WithBaseURL(cfg.OpenAI.BaseURL),
		responses.WithModel(cfg.OpenAI.Model),
		responses.WithRequestTimeout(cfg.OpenAI.Timeout),
		responses.WithDebug(cfg.OpenAI.Debug),
		responses.WithLogger(logger),
		responses.WithFunctionTools(cfg.ToolEnabled(config.ToolFunction)),
	}
	if cfg.ToolEnabled(config.ToolFileSearch) {
		opts = append(opts, responses.WithFileSearch(cfg.OpenAI.VectorStoreID))
	}
	if cfg.ToolEnabled(config.ToolCodeInterpreter) {
		opts = append(opts, responses.WithCodeInterpreter())
	}
	return responses.New(opts...)
}

func newAnthropicSession(cfg *config.Config, logger *slog.Logger) *anthropic.Session {
	return anthropic.New(
		anthropic.WithAPIKey(cfg.Anthropic.APIKey),
		anthropic.WithBaseURL(cfg.Anthropic.BaseURL),
		anthropic.WithModel(cfg.Anthropic.Model),
		anthropic.WithLogger(logger),
	)
}

func newChatCompletionSession(cfg *config.Config, logger *slog.Logger) *chatcompletion.Session {
	return chatcompletion.New(
		chatcompletion.WithAPIKey(cfg.OpenAI.APIKey),
		chatcompletion.WithBaseURL(cfg.OpenAI.BaseURL),
		chatcompletion.WithModel(cfg.OpenAI.Model),
		chatcompletion.WithRequestTimeout(cfg.OpenAI.Timeout),
		chatcompletion.WithDebug(cfg.OpenAI.Debug),
		chatcompletion.WithLogger(logger),
	)
}

func newOpenRouterSession(cfg *config.Config, logger *slog.Logger) *chatcompletion.Session {
	opts := []openrouter.Option{
		openrouter.WithAPIKey(cfg.OpenRouter.APIKey),
		openrouter.WithModel(cfg.OpenRouter.Model),
		openrouter.WithRequestTimeout(cfg.OpenAI.Timeout),
		openrouter.WithDebug(cfg.OpenAI.Debug),
		openrouter.WithLogger(logger),
	}
	if cfg.OpenRouter.ReasoningEffort != "" {
		opts = append(opts, openrouter.WithReasoningEffort(openrouter.ReasoningEffort(cfg.OpenRouter.ReasoningEffort)))
	}
	if len(cfg.OpenRouter.ProviderOrder) > 0 {
		opts = append(opts, openrouter.WithProviderOrder(cfg.OpenRouter.ProviderOrder...))
	}
	return openrouter.New(opts...)
}

// close flushes traces.
func (a *app) close(ctx context.Context) {
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("trace shutdown failed", "error", err)
	}
}
