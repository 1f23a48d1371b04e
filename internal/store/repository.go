package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/history"
)

// DefaultConversation is the transcript used when a request does not name one.
const DefaultConversation = "default"

// ErrNotFound is returned when nothing has been saved under the requested key.
var ErrNotFound = errors.New("not found")

// Repository persists the client message log, decision transcripts and preferences.
type Repository interface {
	// SaveClientMessage inserts or replaces a client message snapshot by its id.
	SaveClientMessage(ctx context.Context, snap events.Snapshot) error
	ClientMessages(ctx context.Context) ([]events.Snapshot, error)
	AppendTranscript(ctx context.Context, conversationID string, msgs ...history.Message) error
	Transcript(ctx context.Context, conversationID string) ([]history.Message, error)
	Preferences(ctx context.Context) (Preferences, error)
	SavePreferences(ctx context.Context, prefs Preferences) error
	// Reset clears the client log and every transcript. Preferences are kept.
	Reset(ctx context.Context) error
	Close()
}

// Preferences are the user-editable settings applied to new sessions.
type Preferences struct {
	Model                  string  `json:"model"`
	Temperature            float32 `json:"temperature"`
	SendScreenshot         bool    `json:"send_screenshot"`
	SendParsedScreenshot   bool    `json:"send_parsed_screenshot"`
	MaxImagesInHistory     int     `json:"max_images_in_history"`
	MaxScreenInfoInHistory int     `json:"max_screen_info_in_history"`
}

// DefaultPreferences derives the preferences from the static configuration.
func DefaultPreferences(cfg *config.Config) Preferences {
	return Preferences{
		Model:                  cfg.LLM.Model,
		Temperature:            cfg.LLM.Temperature,
		SendScreenshot:         cfg.History.SendScreenshot,
		SendParsedScreenshot:   cfg.History.SendParsedScreenshot,
		MaxImagesInHistory:     cfg.History.MaxImages,
		MaxScreenInfoInHistory: cfg.History.MaxScreenInfo,
	}
}

// Validate rejects values a session cannot run with.
func (p Preferences) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("model is required")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if p.MaxImagesInHistory < 0 || p.MaxScreenInfoInHistory < 0 {
		return fmt.Errorf("history limits must not be negative")
	}
	return nil
}

// History returns the retention settings these preferences imply.
func (p Preferences) History() config.HistoryConfig {
	return config.HistoryConfig{
		MaxScreenInfo:        p.MaxScreenInfoInHistory,
		MaxImages:            p.MaxImagesInHistory,
		SendScreenshot:       p.SendScreenshot,
		SendParsedScreenshot: p.SendParsedScreenshot,
	}
}

// LoadPreferences returns the saved preferences, or fallback when none were saved.
func LoadPreferences(ctx context.Context, repo Repository, fallback Preferences) (Preferences, error) {
	prefs, err := repo.Preferences(ctx)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	return prefs, err
}

// Open builds the configured repository.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Repository, error) {
	switch cfg.Type {
	case "file":
		return NewFileStore(cfg.DataDir, logger)
	case "postgres":
		return OpenPostgres(ctx, cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
