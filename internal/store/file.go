package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/history"
)

const (
	clientLogFile   = "client_history.json"
	preferencesFile = "settings.json"
	transcriptsDir  = "transcripts"
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// FileStore keeps everything as JSON documents under one directory.
type FileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileStore expands dir (a leading ~ is allowed) and creates it when missing.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand data directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(expanded, transcriptsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{dir: expanded, logger: logger.Named("file_store")}, nil
}

// Dir is the resolved data directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) SaveClientMessage(_ context.Context, snap events.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var log []events.Snapshot
	if err := s.read(clientLogFile, &log); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	replaced := false
	for i := range log {
		if log[i].ID == snap.ID {
			log[i] = snap
			replaced = true
			break
		}
	}
	if !replaced {
		log = append(log, snap)
	}
	return s.write(clientLogFile, log)
}

func (s *FileStore) ClientMessages(context.Context) ([]events.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var log []events.Snapshot
	if err := s.read(clientLogFile, &log); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []events.Snapshot{}, nil
		}
		return nil, err
	}
	return log, nil
}

func (s *FileStore) AppendTranscript(_ context.Context, conversationID string, msgs ...history.Message) error {
	name, err := transcriptFile(conversationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var transcript []history.Message
	if err := s.read(name, &transcript); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.write(name, append(transcript, msgs...))
}

func (s *FileStore) Transcript(_ context.Context, conversationID string) ([]history.Message, error) {
	name, err := transcriptFile(conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var transcript []history.Message
	if err := s.read(name, &transcript); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return transcript, nil
}

func (s *FileStore) Preferences(context.Context) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prefs Preferences
	if err := s.read(preferencesFile, &prefs); err != nil {
		return Preferences{}, err
	}
	return prefs, nil
}

func (s *FileStore) SavePreferences(_ context.Context, prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(preferencesFile, prefs)
}

func (s *FileStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, clientLogFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete client history: %w", err)
	}
	dir := filepath.Join(s.dir, transcriptsDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete transcripts: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to recreate transcripts directory: %w", err)
	}
	s.logger.Info("All data has been reset")
	return nil
}

func (s *FileStore) Close() {}

func (s *FileStore) read(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

// write replaces the file atomically through a temporary sibling.
func (s *FileStore) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func transcriptFile(conversationID string) (string, error) {
	if !conversationIDPattern.MatchString(conversationID) {
		return "", fmt.Errorf("invalid conversation id %q", conversationID)
	}
	return filepath.Join(transcriptsDir, conversationID+".json"), nil
}
