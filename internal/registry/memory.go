package registry

import (
	"context"
	"sync"

	"tutorchat/pkg/types"
)

// Memory keeps session rows in a map. It backs tests and single-node
// development runs where losing rows on restart is acceptable.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]types.Session
}

var _ Registry = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]types.Session)}
}

func (m *Memory) TryOpen(ctx context.Context, session types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.TutorialID]; exists {
		return ErrAlreadyActive
	}
	m.sessions[session.TutorialID] = session
	return nil
}

func (m *Memory) Close(ctx context.Context, tutorialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[tutorialID]; !exists {
		return ErrNotActive
	}
	delete(m.sessions, tutorialID)
	return nil
}

func (m *Memory) Get(ctx context.Context, tutorialID string) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[tutorialID]
	if !exists {
		return types.Session{}, ErrNotActive
	}
	return session, nil
}

func (m *Memory) List(ctx context.Context) ([]types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]types.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	return sessions, nil
}
