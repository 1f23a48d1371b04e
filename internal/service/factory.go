// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/agent"
	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/jobs"
	"github.com/xkilldash9x/vmpilot/internal/observability"
	"github.com/xkilldash9x/vmpilot/internal/perception"
	"github.com/xkilldash9x/vmpilot/internal/remote"
)

// Options selects the optional parts of the component graph.
type Options struct {
	// Hub adds a websocket hub to the event sinks. The caller must Run it.
	Hub bool
	// CheckOrigin is passed to the hub; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// ComponentFactory creates the component graph. The abstraction keeps the commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection and initialization of the service.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*Components, error) {
	components := &Components{Config: cfg, Metrics: observability.NewMetrics()}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Execution service
	client, err := remote.NewClient(cfg.Remote, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create execution service client: %w", err)
		return nil, initializationErr
	}
	components.Remote = client
	components.Tracker = jobs.NewTracker(client, cfg.Jobs, cfg.Dispatch.ActionDelay, logger)
	logger.Debug("Execution service client initialized.", zap.String("url", cfg.Remote.ExecutorURL))

	// 2. Perception
	components.Parser = perception.NewHTTPParser(cfg.Perception.ParserURL, cfg.Remote.Timeout, logger)
	if cfg.Perception.Fallback.Enabled {
		components.Browser = perception.NewBrowserCapturer(cfg.Perception.Fallback, logger)
		logger.Debug("Fallback viewer capture enabled.", zap.String("viewer_url", cfg.Perception.Fallback.ViewerURL))
	}

	// 3. Store
	repo, err := InitializeStore(ctx, cfg.Store, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = repo

	// 4. Decision service
	decider, err := InitializeDecider(ctx, cfg.LLM, components.Metrics, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Decider = decider

	// 5. Event sinks
	var sinks events.Fanout
	if opts.Hub {
		components.Hub = events.NewHub(logger, opts.CheckOrigin)
		sinks = append(sinks, components.Hub)
	}
	publisher, redisClient, err := InitializeRedisPublisher(ctx, cfg.Events.Redis, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	if publisher != nil {
		components.RedisClient = redisClient
		sinks = append(sinks, publisher)
	}
	components.Sink = sinks

	// 6. Orchestrator
	prompt, err := agent.LoadPrompt(cfg.Agent.PromptPath)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Orchestrator = agent.NewOrchestrator(cfg, prompt, agent.Deps{
		Decider:    decider,
		Store:      repo,
		Components: components,
		Sink:       components.Sink,
		Metrics:    components.Metrics,
	}, logger)

	logger.Info("All components initialized successfully.")
	return components, nil
}
