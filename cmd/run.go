// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/agent"
	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/observability"
	"github.com/xkilldash9x/vmpilot/internal/service"
)

func newRunCmd(a *app) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run one session to completion and log its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.Join(args, " ")
			res, err := runOnce(cmd.Context(), a.cfg, a.factory, agent.Request{Goal: goal, ConversationID: conversation}, observability.GetLogger())
			if err != nil {
				return err
			}
			if res.Text != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			}
			return res.Err
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation to continue (default \"default\")")
	return cmd
}

func runOnce(ctx context.Context, cfg *config.Config, factory service.ComponentFactory, req agent.Request, logger *zap.Logger) (agent.Result, error) {
	components, err := factory.Create(ctx, cfg, service.Options{}, logger)
	if err != nil {
		return agent.Result{}, err
	}
	defer components.Shutdown()

	progress := logger.Named("progress")
	req.Sink = events.SinkFunc(func(_ context.Context, ev events.Event) { logEvent(progress, ev) })
	return components.Orchestrator.Run(ctx, req), nil
}

// logEvent renders a progress event as one log line.
func logEvent(logger *zap.Logger, ev events.Event) {
	switch ev.Kind {
	case events.KindActionStarted:
		logger.Info("Action started", zap.String("action_type", ev.Action.ActionType), zap.String("description", ev.Action.Text))
	case events.KindActionFinished:
		status, _ := ev.Action.Result["status"].(string)
		logger.Info("Action finished", zap.String("action_type", ev.Action.ActionType), zap.String("status", status))
	case events.KindActionUpdated:
		logger.Debug("Action updated", zap.String("action_id", ev.Action.ID), zap.Bool("has_recording", ev.Action.Recording != ""))
	case events.KindMessage:
		logger.Info("Message", zap.String("sender", string(ev.Snapshot.Sender)), zap.String("text", ev.Snapshot.Text))
	case events.KindSessionState:
		if ev.Terminal() {
			fields := []zap.Field{zap.String("session_id", ev.SessionID), zap.String("status", ev.Snapshot.Status)}
			if ev.Snapshot.Cost != nil {
				fields = append(fields, zap.Float64("total_usd", ev.Snapshot.Cost.TotalUSD))
			}
			logger.Info("Session ended", fields...)
		}
	}
}
