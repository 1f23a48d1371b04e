package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/dispatch"
	"github.com/xkilldash9x/vmpilot/internal/perception"
	"github.com/xkilldash9x/vmpilot/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Store.Type = "file"
	cfg.Store.DataDir = t.TempDir()
	cfg.LLM.APIKey = "test-key"
	cfg.Perception.Fallback.Enabled = false
	cfg.Events.Redis.Enabled = false
	return cfg
}

func TestFactoryCreate(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig(t)

	c, err := NewComponentFactory().Create(context.Background(), cfg, Options{Hub: true}, logger)
	require.NoError(t, err)
	defer c.Shutdown()

	assert.NotNil(t, c.Remote)
	assert.NotNil(t, c.Tracker)
	assert.NotNil(t, c.Parser)
	assert.Nil(t, c.Browser)
	assert.NotNil(t, c.Hub)
	assert.Nil(t, c.RedisClient)
	assert.NotNil(t, c.Orchestrator)
	assert.IsType(t, &store.FileStore{}, c.Store)

	assert.IsType(t, &perception.Adapter{}, c.NewPerceiver(logger))
	actor := c.NewActor(nil, logger)
	assert.IsType(t, &dispatch.Dispatcher{}, actor)
	actor.Close()
}

func TestFactoryCreate_WithoutHub(t *testing.T) {
	c, err := NewComponentFactory().Create(context.Background(), testConfig(t), Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Shutdown()
	assert.Nil(t, c.Hub)
}

func TestFactoryCreate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"bad executor url", func(c *config.Config) { c.Remote.ExecutorURL = "::not a url" }, "execution service"},
		{"missing api key", func(c *config.Config) { c.LLM.APIKey = "" }, "failed to initialize LLM client"},
		{"unknown store", func(c *config.Config) { c.Store.Type = "mongo" }, "unknown store type"},
		{"missing prompt", func(c *config.Config) { c.Agent.PromptPath = "/nonexistent/prompt.md" }, "failed to read prompt"},
		{"redis unreachable", func(c *config.Config) {
			c.Events.Redis.Enabled = true
			c.Events.Redis.Addr = "127.0.0.1:1"
		}, "failed to connect event publisher"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(cfg)
			c, err := NewComponentFactory().Create(context.Background(), cfg, Options{}, zaptest.NewLogger(t))
			require.Error(t, err)
			assert.Nil(t, c)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
