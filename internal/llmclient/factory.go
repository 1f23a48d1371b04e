// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/observability"
)

// NewDecider creates a Decider based on the configuration, paced when a request rate is set.
func NewDecider(ctx context.Context, cfg config.LLMModelConfig, metrics *observability.Metrics, logger *zap.Logger) (Decider, error) {
	var d Decider
	switch cfg.Provider {
	case config.ProviderGemini:
		g, err := NewGeminiDecider(ctx, cfg, metrics, logger)
		if err != nil {
			return nil, err
		}
		d = g
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
	return NewRateLimited(d, cfg.RequestsPerMinute), nil
}
