package succession

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 在内存中保存 AgentState，读写返回副本。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[common.Address]*AgentState
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[common.Address]*AgentState)}
}

// Create 插入新记录。
func (s *MemoryStore) Create(_ context.Context, state *AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[state.Owner]; exists {
		return ErrAlreadyRegistered
	}
	s.agents[state.Owner] = cloneState(state)
	return nil
}

// Get 返回指定所有者的记录。
func (s *MemoryStore) Get(_ context.Context, owner common.Address) (*AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.agents[owner]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneState(state), nil
}

// Update 覆盖写回记录。
func (s *MemoryStore) Update(_ context.Context, state *AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[state.Owner]; !ok {
		return ErrAgentNotFound
	}
	s.agents[state.Owner] = cloneState(state)
	return nil
}

// GetBySuccessor 返回把指定地址列为继任者的全部记录。
func (s *MemoryStore) GetBySuccessor(_ context.Context, successor common.Address) ([]*AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*AgentState
	for _, state := range s.agents {
		if state.Successor != nil && *state.Successor == successor {
			matched = append(matched, cloneState(state))
		}
	}
	return matched, nil
}

// Move 原子地把记录从旧所有者迁移到新所有者键下。
func (s *MemoryStore) Move(_ context.Context, oldOwner common.Address, next *AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[oldOwner]; !ok {
		return ErrAgentNotFound
	}
	delete(s.agents, oldOwner)
	s.agents[next.Owner] = cloneState(next)
	return nil
}

// List 返回全部记录。
func (s *MemoryStore) List(_ context.Context) ([]*AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := make([]*AgentState, 0, len(s.agents))
	for _, state := range s.agents {
		states = append(states, cloneState(state))
	}
	return states, nil
}

// Close 实现 Store 接口，无资源可释放。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
