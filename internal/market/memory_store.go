package market

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 以内存方式保存任务与出价账本，主要用于测试与本地开发。
type MemoryStore struct {
	mu     sync.RWMutex
	nextID uint64
	tasks  map[uint64]*Task
	bids   map[uint64]map[common.Address]*Bid
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		tasks:  make(map[uint64]*Task),
		bids:   make(map[uint64]map[common.Address]*Bid),
	}
}

// CreateTask 实现 Store 接口。
func (m *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	task.ID = m.nextID
	m.nextID++
	if task.CreatedAt == 0 {
		task.CreatedAt = time.Now().Unix()
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask 返回任务的副本。
func (m *MemoryStore) GetTask(_ context.Context, id uint64) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// UpdateTask 覆盖写回任务记录。
func (m *MemoryStore) UpdateTask(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// DeleteTask 删除任务记录，仅用于创建补偿。
func (m *MemoryStore) DeleteTask(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	delete(m.bids, id)
	return nil
}

// ListTasks 按创建顺序返回全部任务。
func (m *MemoryStore) ListTasks(_ context.Context) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		results = append(results, cloneTask(task))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// PutBid 写入或更新出价记录。
func (m *MemoryStore) PutBid(_ context.Context, bid *Bid) error {
	if bid == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "bid 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[bid.TaskID]; !ok {
		return ErrTaskNotFound
	}
	byBidder, ok := m.bids[bid.TaskID]
	if !ok {
		byBidder = make(map[common.Address]*Bid)
		m.bids[bid.TaskID] = byBidder
	}
	byBidder[bid.Bidder] = cloneBid(bid)
	return nil
}

// ListBids 按金额升序返回任务的全部出价记录。
func (m *MemoryStore) ListBids(_ context.Context, taskID uint64) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byBidder := m.bids[taskID]
	results := make([]*Bid, 0, len(byBidder))
	for _, bid := range byBidder {
		results = append(results, cloneBid(bid))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Amount.Cmp(results[j].Amount) == 0 {
			return results[i].PlacedAt < results[j].PlacedAt
		}
		return results[i].Amount.Cmp(results[j].Amount) < 0
	})
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
