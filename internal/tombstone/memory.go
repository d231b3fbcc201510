package tombstone

import (
	"errors"
	"sync"
)

// Memory keeps tombstones in maps. For tests and ephemeral sessions where
// nothing should outlive the process.
type Memory struct {
	mu       sync.RWMutex
	me       map[string]struct{}
	everyone map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		me:       make(map[string]struct{}),
		everyone: make(map[string]struct{}),
	}
}

func (m *Memory) MarkDeletedForMe(messageID string) error {
	return m.mark(m.me, messageID)
}

func (m *Memory) MarkDeletedForEveryone(messageID string) error {
	return m.mark(m.everyone, messageID)
}

func (m *Memory) mark(set map[string]struct{}, messageID string) error {
	if messageID == "" {
		return errors.New("empty message id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set[messageID] = struct{}{}
	return nil
}

func (m *Memory) IsDeletedForMe(messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.me[messageID]
	return ok, nil
}

func (m *Memory) IsDeletedForEveryone(messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.everyone[messageID]
	return ok, nil
}

func (m *Memory) Close() error { return nil }
