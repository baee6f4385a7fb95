package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nb-research/internal/cost"
	"github.com/sells-group/nb-research/internal/llm"
	"github.com/sells-group/nb-research/internal/pipeline"
	"github.com/sells-group/nb-research/internal/queue"
	"github.com/sells-group/nb-research/internal/resilience"
	"github.com/sells-group/nb-research/internal/store"
	"github.com/sells-group/nb-research/internal/telemetry"
	"github.com/sells-group/nb-research/internal/versioning"
	anthropicpkg "github.com/sells-group/nb-research/pkg/anthropic"
)

// appEnv holds the store and every service built over it.
type appEnv struct {
	Store     store.Store
	Versions  *versioning.Engine
	Estimator *cost.Estimator
	Pipeline  *pipeline.Orchestrator
	Queue     *queue.Queue
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "nb-research.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store. Callers close it.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initLLM builds the configured capability.
func initLLM() llm.Capability {
	if cfg.LLM.Mode == "mock" {
		zap.L().Info("llm: using deterministic mock")
		return llm.NewMock(cfg.LLM.TemperatureCap)
	}

	var opts []option.RequestOption
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key, opts...)

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.LLM.Retry.MaxAttempts
	retry.InitialBackoff = cfg.LLM.Retry.InitialBackoff()
	retry.MaxBackoff = cfg.LLM.Retry.MaxBackoff()
	retry.OnRetry = resilience.RetryLogger("anthropic", zap.String("model", cfg.Anthropic.Model))

	return llm.NewAnthropic(client, llm.AnthropicConfig{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		TemperatureCap:    cfg.LLM.TemperatureCap,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Retry:             retry,
	})
}

// initEnv validates config and wires the store, versioning engine, cost
// estimator, orchestrator, and queue. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	capability := initLLM()
	calc := cost.NewCalculator(cfg.Pricing.Rates())
	rec := telemetry.New(st, nil)

	versions := versioning.New(st, versioning.Config{
		FreshnessWindow: cfg.Versioning.FreshnessWindow(),
		MaxFieldBytes:   cfg.Versioning.MaxFieldBytes,
	})
	est := cost.NewEstimator(calc, versions, cost.EstimatorConfig{
		Provider:         cfg.LLM.Mode,
		Model:            capability.Model(),
		WarningThreshold: cfg.Cost.WarningThreshold,
		HardLimit:        cfg.Cost.HardLimit,
		FreshnessWindow:  cfg.Versioning.FreshnessWindow(),
		TokensPerStep:    cfg.Cost.TokensPerNB,
	})
	orch := pipeline.New(st, capability, calc, rec, pipeline.Config{
		RetryBudget:     cfg.LLM.RetryBudget,
		Temperature:     cfg.LLM.Temperature,
		StrictCitations: cfg.LLM.StrictCitations,
	})
	q := queue.New(st, est, orch, versions, rec, queue.Config{
		MaxRetries:    cfg.Queue.MaxRetries,
		HardLimit:     cfg.Cost.HardLimit,
		RetentionDays: cfg.Queue.RetentionDays,
	})

	return &appEnv{
		Store:     st,
		Versions:  versions,
		Estimator: est,
		Pipeline:  orch,
		Queue:     q,
	}, nil
}
