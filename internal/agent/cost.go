package agent

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/llmclient"
)

// CostAccumulator totals token usage and price for one session.
type CostAccumulator struct {
	prices           map[string]config.ModelPrices
	promptTokens     int
	completionTokens int
	promptUSD        float64
	completionUSD    float64
}

func NewCostAccumulator(prices map[string]config.ModelPrices) *CostAccumulator {
	return &CostAccumulator{prices: prices}
}

// Add records one call. Models missing from the price table count tokens only.
func (c *CostAccumulator) Add(u llmclient.Usage) {
	c.promptTokens += u.PromptTokens
	c.completionTokens += u.CompletionTokens
	if p, ok := c.prices[u.Model]; ok {
		c.promptUSD += float64(u.PromptTokens) * p.Prompt / 1e6
		c.completionUSD += float64(u.CompletionTokens) * p.Completion / 1e6
	}
}

// Totals returns the client-facing summary.
func (c *CostAccumulator) Totals() events.Cost {
	return events.Cost{
		PromptTokens:     c.promptTokens,
		CompletionTokens: c.completionTokens,
		TotalUSD:         c.promptUSD + c.completionUSD,
	}
}

// Fields renders the summary for the session end log line.
func (c *CostAccumulator) Fields() []zap.Field {
	total := c.promptTokens + c.completionTokens
	perK := 0.0
	if total > 0 {
		perK = (c.promptUSD + c.completionUSD) / float64(total) * 1000
	}
	return []zap.Field{
		zap.Int("prompt_tokens", c.promptTokens),
		zap.Int("completion_tokens", c.completionTokens),
		zap.Int("total_tokens", total),
		zap.Float64("prompt_usd", c.promptUSD),
		zap.Float64("completion_usd", c.completionUSD),
		zap.Float64("total_usd", c.promptUSD+c.completionUSD),
		zap.Float64("usd_per_1k_tokens", perK),
	}
}
