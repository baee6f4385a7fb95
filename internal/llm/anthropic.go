package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/nb-research/internal/resilience"
	"github.com/sells-group/nb-research/pkg/anthropic"
)

// AnthropicConfig configures AnthropicCapability.
type AnthropicConfig struct {
	Model             string
	MaxTokens         int
	TemperatureCap    float64
	RequestsPerSecond float64
	Retry             resilience.RetryConfig
	Breaker           resilience.BreakerConfig
}

// AnthropicCapability calls Claude through pkg/anthropic with rate
// limiting, transient retries and a circuit breaker.
type AnthropicCapability struct {
	client  anthropic.Client
	cfg     AnthropicConfig
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// NewAnthropic creates an AnthropicCapability.
func NewAnthropic(client anthropic.Client, cfg AnthropicConfig) *AnthropicCapability {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &AnthropicCapability{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		now:     time.Now,
	}
}

// Model returns the configured model id.
func (a *AnthropicCapability) Model() string { return a.cfg.Model }

// Call sends req and meters the response.
func (a *AnthropicCapability) Call(ctx context.Context, req Request) (*Response, error) {
	temp := ClampTemperature(req.Temperature, a.cfg.TemperatureCap)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.cfg.MaxTokens
	}

	msg := anthropic.MessageRequest{
		Model:       a.cfg.Model,
		MaxTokens:   int64(maxTokens),
		System:      anthropic.CachedSystem(req.System, SchemaInstructions(req.Schema)),
		Messages:    []anthropic.Message{{Role: "user", Content: req.User}},
		Temperature: &temp,
	}

	retry := a.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("llm: anthropic call", zap.String("nb_code", req.Step))
	}

	start := a.now()
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return a.client.CreateMessage(ctx, msg)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "llm: anthropic call %s", req.Step)
	}

	content := resp.Text()
	out := &Response{
		Content:      content,
		DurationMs:   a.now().Sub(start).Milliseconds(),
		InputTokens:  int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Model:        resp.Model,
		Temperature:  temp,
	}
	out.TokensUsed = out.InputTokens + out.OutputTokens
	if out.Model == "" {
		out.Model = a.cfg.Model
	}
	if req.ExpectJSON || req.Schema != nil {
		out.Citations = ParseCitations(content)
	}

	zap.L().Debug("llm: anthropic call complete",
		zap.String("nb_code", req.Step),
		zap.String("model", out.Model),
		zap.Int("tokens", out.TokensUsed),
		zap.Int64("duration_ms", out.DurationMs),
		zap.String("stop_reason", resp.StopReason),
	)
	return out, nil
}
