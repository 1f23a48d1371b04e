package events

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
)

// redisPublisher is the part of *redis.Client the publisher uses.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes every event to the channel <prefix>:<session_id>.
type RedisPublisher struct {
	client  redisPublisher
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisClient connects and pings the configured server.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	if pong != "PONG" {
		client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// NewRedisPublisher wraps a connected client.
func NewRedisPublisher(client redisPublisher, prefix string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix, timeout: 2 * time.Second, logger: logger.Named("redis_publisher")}
}

// Channel returns the channel events of a session are published on.
func (p *RedisPublisher) Channel(sessionID string) string {
	return p.prefix + ":" + sessionID
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.Channel(ev.SessionID), payload).Err(); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("session_id", ev.SessionID), zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
