package history

import (
	"sync"

	"github.com/xkilldash9x/vmpilot/internal/config"
)

// Manager is the append-only transcript of one session.
// Entries are never reordered or edited; retention is applied to copies by Compacted.
type Manager struct {
	mu            sync.RWMutex
	msgs          []Message
	maxScreenInfo int
	maxImages     int
}

// NewManager creates a transcript seeded with initial, which is copied.
func NewManager(cfg config.HistoryConfig, initial []Message) *Manager {
	msgs := make([]Message, len(initial))
	copy(msgs, initial)
	return &Manager{msgs: msgs, maxScreenInfo: cfg.MaxScreenInfo, maxImages: cfg.MaxImages}
}

// Append adds messages to the end of the transcript.
func (m *Manager) Append(msgs ...Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msgs...)
}

// Messages returns a copy of the full transcript.
func (m *Manager) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.msgs))
	copy(out, m.msgs)
	return out
}

// Compacted returns the transcript with the retention policy applied.
func (m *Manager) Compacted() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Compact(m.msgs, m.maxScreenInfo, m.maxImages)
}

// Len returns the number of stored entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.msgs)
}

// Last returns the newest entry.
func (m *Manager) Last() (Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.msgs) == 0 {
		return Message{}, false
	}
	return m.msgs[len(m.msgs)-1], true
}
