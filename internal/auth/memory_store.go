package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore 是 Store 的内存实现，开发与测试用。
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User
	byID   map[int64]*Subject
	nextID int64
}

// NewMemoryStore 用预置账户初始化用户目录。
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		users:  make(map[string]*User),
		byID:   make(map[int64]*Subject),
		nextID: 1,
	}
	for _, seed := range seeds {
		username := strings.TrimSpace(seed.Username)
		if username == "" {
			continue
		}
		if _, exists := store.users[username]; exists {
			continue
		}
		hashed, err := HashPassword(seed.Password)
		if err != nil {
			return nil, err
		}
		subject := &Subject{
			ID:          store.nextID,
			Username:    username,
			Permissions: dedupeStrings(seed.Permissions),
			Disabled:    seed.Disabled,
		}
		subject.normalise()
		store.users[username] = &User{
			ID:           subject.ID,
			Username:     username,
			PasswordHash: hashed,
			Disabled:     seed.Disabled,
		}
		store.byID[subject.ID] = subject
		store.nextID++
	}
	return store, nil
}

// FindUserByUsername 查找账户记录。
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[strings.TrimSpace(username)]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, errors.New("user not found")
}

// LoadSubject 返回带权限的主体信息。
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject, ok := s.byID[userID]; ok {
		return subject.Clone(), nil
	}
	return nil, errors.New("subject not found")
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}

var _ Store = (*MemoryStore)(nil)
