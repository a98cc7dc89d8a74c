package market

import "context"

// Store 抽象了任务与出价两张账本表的持久化接口。实现必须保证单个调用
// 的原子性；跨调用的串行化由上层服务的按键锁负责。
type Store interface {
	// CreateTask 插入任务并分配自增 ID，写回到 task.ID。
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id uint64) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	// DeleteTask 仅用于创建失败后的补偿回退，终态任务永不删除。
	DeleteTask(ctx context.Context, id uint64) error
	// ListTasks 按创建顺序返回全部任务。
	ListTasks(ctx context.Context) ([]*Task, error)

	// PutBid 写入或更新 (taskID, bidder) 键下的出价记录。
	PutBid(ctx context.Context, bid *Bid) error
	// ListBids 按出价金额升序返回任务的全部出价记录。
	ListBids(ctx context.Context, taskID uint64) ([]*Bid, error)

	Close() error
}
