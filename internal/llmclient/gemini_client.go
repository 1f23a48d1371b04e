// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/observability"
)

// generator is the slice of genai.Models the decider needs.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiDecider asks Gemini to choose the next action through function calling.
type GeminiDecider struct {
	models     generator
	cfg        config.LLMModelConfig
	metrics    *observability.Metrics
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	newBackOff func() backoff.BackOff
}

// NewGeminiDecider initializes the genai client. metrics may be nil.
func NewGeminiDecider(ctx context.Context, cfg config.LLMModelConfig, metrics *observability.Metrics, logger *zap.Logger) (*GeminiDecider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGeminiDecider(client.Models, cfg, metrics, logger), nil
}

func newGeminiDecider(models generator, cfg config.LLMModelConfig, metrics *observability.Metrics, logger *zap.Logger) *GeminiDecider {
	return &GeminiDecider{
		models:  models,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("llm_client.gemini"),
		sleep:   sleepCtx,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Decide sends the transcript and the offered tools. Quota errors are retried after a fixed
// cooldown up to the configured number of attempts; transient server errors back off exponentially.
func (g *GeminiDecider) Decide(ctx context.Context, req Request) (*Decision, error) {
	model := req.Model
	if model == "" {
		model = g.cfg.Model
	}
	contents := toContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("decision request has no content")
	}
	genCfg := g.buildConfig(req)

	for attempt := 1; ; attempt++ {
		d, err := g.generate(ctx, model, contents, genCfg)
		if err == nil {
			return d, nil
		}
		if !isQuotaError(err) {
			return nil, err
		}
		if attempt >= g.cfg.QuotaMaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrQuotaExhausted, attempt, err)
		}
		g.logger.Warn("Decision service quota exceeded, cooling down",
			zap.Int("attempt", attempt),
			zap.Duration("cooldown", g.cfg.QuotaCooldown),
			zap.Error(err))
		if err := g.sleep(ctx, g.cfg.QuotaCooldown); err != nil {
			return nil, err
		}
	}
}

func (g *GeminiDecider) generate(ctx context.Context, model string, contents []*genai.Content, genCfg *genai.GenerateContentConfig) (*Decision, error) {
	var decision *Decision

	operation := func() error {
		callCtx := ctx
		if g.cfg.APITimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.APITimeout)
			defer cancel()
		}

		startTime := time.Now()
		resp, err := g.models.GenerateContent(callCtx, model, contents, genCfg)
		duration := time.Since(startTime)
		if g.metrics != nil {
			g.metrics.DecisionLatency.Observe(duration.Seconds())
		}
		if err != nil {
			return g.handleAPIError(err)
		}
		if resp == nil || len(resp.Candidates) == 0 {
			if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", resp.PromptFeedback.BlockReason))
			}
			return fmt.Errorf("gemini API returned no candidates")
		}

		decision = fromResponse(resp, model)
		g.logger.Info("LLM generation complete (Gemini)",
			zap.String("model", model),
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", decision.Usage.PromptTokens),
			zap.Int("completion_tokens", decision.Usage.CompletionTokens),
			zap.Int("tool_calls", len(decision.Calls)),
		)
		if g.metrics != nil {
			g.metrics.Tokens.WithLabelValues(model, "prompt").Add(float64(decision.Usage.PromptTokens))
			g.metrics.Tokens.WithLabelValues(model, "completion").Add(float64(decision.Usage.CompletionTokens))
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(g.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return decision, nil
}

func (g *GeminiDecider) buildConfig(req Request) *genai.GenerateContentConfig {
	temp := g.cfg.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temp),
	}
	if g.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}
	if req.System != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: toDeclarations(req.Tools)}}
		genCfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny},
		}
	}
	return genCfg
}

// handleAPIError sorts failures into retryable server errors and everything else.
// Quota errors are permanent here and handled by the cooldown loop in Decide.
func (g *GeminiDecider) handleAPIError(err error) error {
	if apiErr, ok := apiErrorOf(err); ok {
		g.logger.Error("Gemini API returned error status",
			zap.Int("status", apiErr.Code), zap.String("reason", apiErr.Status), zap.String("message", apiErr.Message))
		switch apiErr.Code {
		case http.StatusServiceUnavailable, http.StatusInternalServerError:
			return err
		}
		return backoff.Permanent(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	if isQuotaError(err) {
		return backoff.Permanent(err)
	}
	g.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
	return err
}

func apiErrorOf(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}

// isQuotaError matches HTTP 429 and RESOURCE_EXHAUSTED, also when only the message carries them.
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := apiErrorOf(err); ok {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED" {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "Resource has been exhausted")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
