package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martinemde/agentrt/agent"
	"github.com/martinemde/agentrt/checkpoint"
	"github.com/martinemde/agentrt/config"
	"github.com/martinemde/agentrt/guardrail"
	"github.com/martinemde/agentrt/llm"
	"github.com/martinemde/agentrt/policy"
	"github.com/martinemde/agentrt/telemetry"
)

// app is a configured Runtime plus the resources it holds.
type app struct {
	cfg     *config.File
	rt      *agent.Runtime
	logger  *slog.Logger
	closers []func(context.Context) error
}

func loadApp(ctx context.Context, root *rootOptions) (*app, error) {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newApp(ctx, cfg, slog.Default())
}

// newApp wires the backend, store, telemetry, policy, guardrail and demo
// tools described by cfg. Callers must Close the app.
func newApp(ctx context.Context, cfg *config.File, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	client, err := buildBackend(cfg.Model, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return client.Close() })

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithTools(demoTools()...),
	}

	store, err := openStore(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	opts = append(opts, agent.WithStore(store))
	if closer, ok := store.(interface{ Close() error }); ok {
		a.onClose(func(context.Context) error { return closer.Close() })
	}

	tp, shutdown, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}
	a.onClose(shutdown)
	opts = append(opts, agent.WithTracer(tp))

	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, agent.WithMetrics(telemetry.NewMetrics(reg)))
		a.serveMetrics(addr, reg)
	}

	if cfg.Policy.Enabled {
		engine, err := buildPolicy(ctx, cfg.Policy, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithApprovalPolicy(engine))
	}

	if cfg.Guardrail.Enabled {
		opts = append(opts, agent.WithHooks(guardrail.SafetyHook(client, cfg.Guardrail.Config, logger)))
	}

	rt, err := agent.NewRuntime(cfg.Runtime, client, opts...)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	a.rt = rt
	return a, nil
}

// durable reports whether threads outlive the process.
func (a *app) durable() bool {
	return a.cfg.Checkpoint.Driver != config.DriverMemory
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.onClose(srv.Shutdown)
}

func buildBackend(cfg config.ModelConfig, logger *slog.Logger) (*llm.Client, error) {
	clientOpts := []llm.ClientOption{llm.WithDefaultProvider(cfg.DefaultProvider)}
	for name, p := range cfg.Providers {
		backend, err := buildProvider(p)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		clientOpts = append(clientOpts, llm.WithProvider(name, backend))
	}
	if cfg.LogCalls {
		clientOpts = append(clientOpts,
			llm.WithMiddleware(llm.LoggingMiddleware(logger)),
			llm.WithStreamMiddleware(llm.StreamLoggingMiddleware(logger)),
		)
	}
	return llm.NewClient(clientOpts...), nil
}

func buildProvider(p config.ProviderConfig) (llm.Backend, error) {
	var opts []llm.AdapterOption
	if p.APIKey != "" {
		opts = append(opts, llm.WithAPIKey(p.APIKey))
	}
	if p.Model != "" {
		opts = append(opts, llm.WithModel(p.Model))
	}
	if p.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(p.BaseURL))
	}
	if p.MaxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(p.MaxTokens))
	}
	if p.Temperature != nil {
		opts = append(opts, llm.WithTemperature(*p.Temperature))
	}

	switch p.Type {
	case config.ProviderOpenAI:
		return llm.NewOpenAIAdapter(opts...)
	case config.ProviderGollm:
		return llm.NewGollmAdapter(p.Provider, opts...)
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}

func openStore(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return checkpoint.OpenSQLite(ctx, cfg.Path)
	case config.DriverPostgres:
		return checkpoint.OpenPostgres(ctx, cfg.DSN, cfg.Postgres)
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

func buildPolicy(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (*policy.Engine, error) {
	opts := []policy.Option{policy.WithQuery(cfg.Query), policy.WithLogger(logger)}
	if cfg.Path == "" {
		return policy.NewEngine(ctx, policy.DefaultPolicy, opts...)
	}
	return policy.LoadFile(ctx, cfg.Path, opts...)
}
