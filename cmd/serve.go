// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/observability"
	"github.com/xkilldash9x/vmpilot/internal/server"
	"github.com/xkilldash9x/vmpilot/internal/service"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the event websocket and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), a.cfg, a.factory, observability.GetLogger())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// runServe runs until ctx is cancelled or the listener fails, then shuts down in order:
// stop accepting requests, end running sessions, stop the hub, release components.
func runServe(ctx context.Context, cfg *config.Config, factory service.ComponentFactory, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	components, err := factory.Create(ctx, cfg, service.Options{Hub: true, CheckOrigin: originChecker(cfg.Server.AllowOrigins)}, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	srv := server.New(ctx, cfg, server.Deps{
		Runner:   components.Orchestrator,
		Sessions: components.Orchestrator.Registry(),
		Store:    components.Store,
		Hub:      components.Hub,
		Metrics:  components.Metrics,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		components.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		// Sessions run on ctx; cancelling it lets them reach a terminal state.
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// originChecker restricts websocket upgrades to the configured origins. A "*" entry allows all.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
