package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agreementflow/workflow"
)

// MemoryRepository keeps users in process memory. It backs the server's
// memory mode and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	byEmail map[string]User
	byID    map[string]User
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byEmail: make(map[string]User),
		byID:    make(map[string]User),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) CreateUser(_ context.Context, params CreateUserParams) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(params.Email)
	if _, exists := m.byEmail[key]; exists {
		return User{}, ErrDuplicateEmail
	}
	role := params.Role
	if role == "" {
		role = workflow.RoleCounterparty
	}
	now := m.now()
	user := User{
		ID:           uuid.NewString(),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.byEmail[key] = user
	m.byID[user.ID] = user
	return user, nil
}

func (m *MemoryRepository) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, userID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
