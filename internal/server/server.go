// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/agent"
	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/observability"
	"github.com/xkilldash9x/vmpilot/internal/store"
)

// Runner drives one session to completion. *agent.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) agent.Result
}

// Sessions stops and lists running sessions. *agent.Registry implements it.
type Sessions interface {
	Stop(id string) error
	Active() []string
	Busy(conversationID string) bool
}

var (
	_ Runner   = (*agent.Orchestrator)(nil)
	_ Sessions = (*agent.Registry)(nil)
)

// Deps are the collaborators behind the HTTP surface. Hub and Metrics may be nil.
type Deps struct {
	Runner   Runner
	Sessions Sessions
	Store    store.Repository
	Hub      *events.Hub
	Metrics  *observability.Metrics
}

// Server is the client-facing HTTP API.
type Server struct {
	echo     *echo.Echo
	cfg      config.ServerConfig
	deps     Deps
	defaults store.Preferences
	logger   *zap.Logger

	// base outlives individual requests so a session keeps running when its stream disconnects.
	base     context.Context
	sessions sync.WaitGroup
}

// New builds the routes. Sessions started through the API run on base.
func New(base context.Context, cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg.Server,
		deps:     deps,
		defaults: store.DefaultPreferences(cfg),
		logger:   logger.Named("http"),
		base:     base,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("Request served",
				zap.String("method", v.Method), zap.String("path", v.URIPath),
				zap.Int("status", v.Status), zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.healthz)
	e.GET("/send_message", s.sendMessage)
	e.POST("/stop_request", s.stopRequest)
	e.GET("/history", s.history)
	e.GET("/settings", s.getSettings)
	e.POST("/settings", s.saveSettings)
	e.POST("/reset_data", s.resetData)
	if s.deps.Hub != nil {
		e.GET("/ws", echo.WrapHandler(http.HandlerFunc(s.deps.Hub.HandleWS)))
	}
	if s.cfg.MetricsEnabled && s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
	return s.echo.Start(s.cfg.Addr)
}

// Shutdown stops accepting requests, then waits for running sessions until ctx ends.
// Callers cancel base first so sessions reach a terminal state.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("sessions still running at shutdown: %w", ctx.Err()))
	}
	return err
}

// handleError renders every failure as {"error": msg}.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Int("status", code), zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug("Request rejected", zap.Int("status", code), zap.String("path", req.URL.Path), zap.String("error", msg))
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
