package directory

import (
	"context"
	"sync"

	"tutorchat/pkg/types"
)

// Memory is an in-memory Directory for development and tests. Seed it with
// AddUser, AddTutorial and Assign before serving lookups.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]types.User
	tutorials   map[string]types.Tutorial
	assignments map[assignment]struct{}
}

type assignment struct {
	userID     string
	tutorialID string
}

var _ Directory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]types.User),
		tutorials:   make(map[string]types.Tutorial),
		assignments: make(map[assignment]struct{}),
	}
}

func (m *Memory) AddUser(u types.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) AddTutorial(t types.Tutorial) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tutorials[t.ID] = t
}

func (m *Memory) Assign(userID, tutorialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[assignment{userID, tutorialID}] = struct{}{}
}

func (m *Memory) RoleOf(ctx context.Context, userID string) (types.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return user.Role, nil
}

func (m *Memory) IsAssigned(ctx context.Context, userID, tutorialID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.assignments[assignment{userID, tutorialID}]
	return ok, nil
}

func (m *Memory) TutorialExists(ctx context.Context, tutorialID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.tutorials[tutorialID]
	return ok, nil
}

func (m *Memory) Students(ctx context.Context, tutorialID string) ([]types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var students []types.User
	for a := range m.assignments {
		if a.tutorialID != tutorialID {
			continue
		}
		if user, ok := m.users[a.userID]; ok && user.Role == types.RoleStudent {
			students = append(students, user)
		}
	}
	return students, nil
}
