// internal/server/handlers.go
package server

import (
	"errors"
	"net/http"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/agent"
	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/store"
)

// streamBuffer lets a session run a few events ahead of a slow reader.
const streamBuffer = 16

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "active_sessions": len(s.deps.Sessions.Active())})
}

// sendMessage starts a session and streams its events as server-sent events until the
// session reaches a terminal state. A disconnecting client does not stop the session.
func (s *Server) sendMessage(c echo.Context) error {
	message := strings.TrimSpace(c.QueryParam("message"))
	if message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	conversation := c.QueryParam("conversation_id")
	if conversation == "" {
		conversation = store.DefaultConversation
	}
	if s.deps.Sessions.Busy(conversation) {
		return echo.NewHTTPError(http.StatusConflict, agent.ErrConversationBusy.Error())
	}

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	stream := events.NewStream(streamBuffer)
	defer stream.Detach()

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		defer stream.Close()
		res := s.deps.Runner.Run(s.base, agent.Request{Goal: message, ConversationID: conversation, Sink: stream})
		if errors.Is(res.Err, agent.ErrConversationBusy) {
			s.logger.Warn("Session lost the race for its conversation", zap.String("conversation_id", conversation))
		}
		s.logger.Debug("Session returned", zap.String("session_id", res.SessionID), zap.String("status", string(res.Status)))
	}()

	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Stream client went away; session continues")
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			if err := writeEvent(resp, ev); err != nil {
				s.logger.Debug("Failed to write event", zap.Error(err))
				return nil
			}
			flusher.Flush()
			if ev.Terminal() {
				return nil
			}
		}
	}
}

func writeEvent(resp *echo.Response, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := resp.Write([]byte("event: " + string(ev.Kind) + "\n")); err != nil {
		return err
	}
	_, err = resp.Write([]byte("data: " + string(data) + "\n\n"))
	return err
}

type stopRequest struct {
	MessageID string `json:"messageId"`
}

func (s *Server) stopRequest(c echo.Context) error {
	var req stopRequest
	if err := c.Bind(&req); err != nil || req.MessageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "messageId is required")
	}
	if err := s.deps.Sessions.Stop(req.MessageID); err != nil {
		if errors.Is(err, agent.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	s.logger.Info("Stop requested", zap.String("session_id", req.MessageID))
	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) history(c echo.Context) error {
	msgs, err := s.deps.Store.ClientMessages(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) getSettings(c echo.Context) error {
	prefs, err := store.LoadPreferences(c.Request().Context(), s.deps.Store, s.defaults)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, prefs)
}

// saveSettings applies a partial update over the current preferences. Running sessions keep theirs.
func (s *Server) saveSettings(c echo.Context) error {
	ctx := c.Request().Context()
	prefs, err := store.LoadPreferences(ctx, s.deps.Store, s.defaults)
	if err != nil {
		return err
	}
	if err := c.Bind(&prefs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid settings payload")
	}
	if err := prefs.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.deps.Store.SavePreferences(ctx, prefs); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, prefs)
}

func (s *Server) resetData(c echo.Context) error {
	if active := s.deps.Sessions.Active(); len(active) > 0 {
		return echo.NewHTTPError(http.StatusConflict, "sessions are still running")
	}
	if err := s.deps.Store.Reset(c.Request().Context()); err != nil {
		return err
	}
	s.logger.Info("Client data reset")
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
