// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/llmclient"
	"github.com/xkilldash9x/vmpilot/internal/observability"
	"github.com/xkilldash9x/vmpilot/internal/store"
)

// InitializeStore opens the configured repository.
func InitializeStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Repository, error) {
	if cfg.Type == "file" {
		logger.Info("Using file store.", zap.String("data_dir", cfg.DataDir))
	} else {
		logger.Info("Using PostgreSQL store.")
	}
	repo, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return repo, nil
}

// InitializeDecider creates the decision service client.
func InitializeDecider(ctx context.Context, cfg config.LLMModelConfig, metrics *observability.Metrics, logger *zap.Logger) (llmclient.Decider, error) {
	d, err := llmclient.NewDecider(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error("Failed to initialize decision service client.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return d, nil
}

// InitializeRedisPublisher connects the optional queue publisher. It returns nils when disabled.
func InitializeRedisPublisher(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*events.RedisPublisher, *redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	client, err := events.NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}
	logger.Info("Publishing session events to redis.", zap.String("addr", cfg.Addr), zap.String("prefix", cfg.ChannelPrefix))
	return events.NewRedisPublisher(client, cfg.ChannelPrefix, logger), client, nil
}
