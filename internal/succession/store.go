package succession

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象了 AgentState 记录的持久化接口。记录按所有者地址作键，
// 单个调用保证原子性。
type Store interface {
	// Create 插入新记录，地址已注册时返回 ErrAlreadyRegistered。
	Create(ctx context.Context, state *AgentState) error
	Get(ctx context.Context, owner common.Address) (*AgentState, error)
	Update(ctx context.Context, state *AgentState) error
	// GetBySuccessor 返回把指定地址列为继任者的全部记录。
	GetBySuccessor(ctx context.Context, successor common.Address) ([]*AgentState, error)
	// Move 原子地删除旧所有者的记录并以 next.Owner 为键写入新记录，
	// 不留下两条记录同时可解析或都不可解析的窗口。新键已存在时覆盖。
	Move(ctx context.Context, oldOwner common.Address, next *AgentState) error
	// List 返回全部记录，顺序不保证。
	List(ctx context.Context) ([]*AgentState, error)
	Close() error
}
