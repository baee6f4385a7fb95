// Package cost prices LLM token usage and estimates run costs with reuse.
package cost

// Rates holds LLM pricing.
type Rates struct {
	// Anthropic maps a model id to its per-million-token pricing.
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	// DefaultPer1K prices tokens of models without an entry, in USD per
	// thousand tokens.
	DefaultPer1K float64 `yaml:"default_rate_per_1k" mapstructure:"default_rate_per_1k"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for LLM usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of a Claude call. ok is false for models
// without a rate.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int) (cost float64, ok bool) {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0, false
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost, true
}

// PerToken prices tokens at the default flat rate.
func (c *Calculator) PerToken(tokens int) float64 {
	return float64(tokens) * c.rates.DefaultPer1K / 1000
}

// Cost prices a call at the model's rate, falling back to the flat rate.
func (c *Calculator) Cost(model string, input, output int) float64 {
	if cost, ok := c.Claude(model, input, output, 0, 0); ok {
		return cost
	}
	return c.PerToken(input + output)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		DefaultPer1K: 0.01,
	}
}

// CalculateVariance returns (actual - estimated) / estimated as a signed
// percentage, or 0 when nothing was estimated.
func CalculateVariance(estimated, actual float64) float64 {
	if estimated == 0 {
		return 0
	}
	return (actual - estimated) / estimated * 100
}
