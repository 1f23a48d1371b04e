// File: internal/service/components.go
package service

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/agent"
	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/dispatch"
	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/jobs"
	"github.com/xkilldash9x/vmpilot/internal/llmclient"
	"github.com/xkilldash9x/vmpilot/internal/observability"
	"github.com/xkilldash9x/vmpilot/internal/perception"
	"github.com/xkilldash9x/vmpilot/internal/remote"
	"github.com/xkilldash9x/vmpilot/internal/store"
)

// Components holds the process-wide services sessions are built from.
// It centralizes the lifecycle of everything that needs an orderly shutdown.
type Components struct {
	Config  *config.Config
	Metrics *observability.Metrics

	Remote  *remote.Client
	Parser  *perception.HTTPParser
	Browser *perception.BrowserCapturer // nil unless the fallback viewer is enabled
	Tracker *jobs.Tracker

	Store   store.Repository
	Decider llmclient.Decider

	Hub         *events.Hub // nil unless requested
	RedisClient *redis.Client
	Sink        events.Sink

	Orchestrator *agent.Orchestrator
}

var _ agent.Components = (*Components)(nil)

// NewPerceiver builds the per-session screen adapter, which owns that session's degraded flag.
func (c *Components) NewPerceiver(logger *zap.Logger) agent.Perceiver {
	var secondary perception.Capturer
	if c.Browser != nil {
		secondary = c.Browser
	}
	return perception.NewAdapter(c.Remote, secondary, c.Parser, c.Config.Perception, c.Metrics, logger)
}

// NewActor builds the per-session dispatcher. Shell jobs are tracked process-wide.
func (c *Components) NewActor(observer dispatch.Observer, logger *zap.Logger) agent.Actor {
	return dispatch.New(c.Remote, c.Tracker, c.Config.Dispatch, observer, c.Metrics, logger)
}

// Shutdown releases resources in reverse order of creation. It is safe on partially built components.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.Browser != nil {
		c.Browser.Close()
		logger.Debug("Fallback browser closed.")
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			logger.Warn("Error closing redis client.", zap.Error(err))
		}
		logger.Debug("Redis client closed.")
	}
	if c.Store != nil {
		c.Store.Close()
		logger.Debug("Store closed.")
	}

	logger.Info("All components shut down successfully.")
}
