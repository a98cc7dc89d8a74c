// Package marketplace 是对外的统一门面，组合任务市场、继任协议与外部
// 能力注册表。承接类操作在进入状态机之前先做能力校验。
package marketplace

import (
	"context"
	stdErrors "errors"
	"math/big"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/market"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/internal/succession"

	"github.com/ethereum/go-ethereum/common"
)

// CodeCapabilityMismatch 表示代理的能力位未覆盖任务要求。
const CodeCapabilityMismatch xerrors.Code = "CAPABILITY_MISMATCH"

// ErrCapabilityMismatch 表示代理不具备任务要求的全部能力。
var ErrCapabilityMismatch = xerrors.New(CodeCapabilityMismatch, "agent lacks required capabilities")

func init() {
	xerrors.Register(CodeCapabilityMismatch, xerrors.Attributes{
		Message:   "agent lacks required capabilities",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Facade 聚合市场核心的对外能力。
type Facade struct {
	market     *market.Service
	succession *succession.Service
	registry   registry.Provider
}

// New 构造市场门面。registry 为 nil 时跳过能力校验。
func New(marketSvc *market.Service, successionSvc *succession.Service, provider registry.Provider) *Facade {
	return &Facade{market: marketSvc, succession: successionSvc, registry: provider}
}

// Market 返回底层任务市场服务。
func (f *Facade) Market() *market.Service { return f.market }

// Succession 返回底层继任协议服务。
func (f *Facade) Succession() *succession.Service { return f.succession }

// CreateTask 创建任务。
func (f *Facade) CreateTask(ctx context.Context, creator common.Address, capability uint64, title, description string, price *big.Int, deadline int64) (*market.Task, error) {
	return f.market.CreateTask(ctx, creator, capability, title, description, price, deadline)
}

// AcceptTask 由代理承接一口价任务，承接前校验能力覆盖。
func (f *Facade) AcceptTask(ctx context.Context, taskID uint64, agent common.Address) (*market.Task, error) {
	if err := f.checkCapability(ctx, taskID, agent); err != nil {
		return nil, err
	}
	return f.market.AcceptTask(ctx, taskID, agent)
}

// AssignAgent 由创建者指派代理，指派前校验代理的能力覆盖。
func (f *Facade) AssignAgent(ctx context.Context, taskID uint64, caller, agent common.Address) (*market.Task, error) {
	if err := f.checkCapability(ctx, taskID, agent); err != nil {
		return nil, err
	}
	return f.market.AssignAgent(ctx, taskID, caller, agent)
}

// PlaceBid 在竞拍任务上出价，出价前校验出价人的能力覆盖。
func (f *Facade) PlaceBid(ctx context.Context, taskID uint64, bidder common.Address, amount *big.Int) (*market.Task, error) {
	if err := f.checkCapability(ctx, taskID, bidder); err != nil {
		return nil, err
	}
	return f.market.PlaceBid(ctx, taskID, bidder, amount)
}

// CompleteTask 由受派代理提交结果并结算。
func (f *Facade) CompleteTask(ctx context.Context, taskID uint64, agent common.Address, resultHash string) (*market.Task, error) {
	return f.market.CompleteTask(ctx, taskID, agent, resultHash)
}

// CancelTask 由创建者取消任务。
func (f *Facade) CancelTask(ctx context.Context, taskID uint64, caller common.Address) (*market.Task, error) {
	return f.market.CancelTask(ctx, taskID, caller)
}

// GetTask 返回指定任务。
func (f *Facade) GetTask(ctx context.Context, taskID uint64) (*market.Task, error) {
	return f.market.GetTask(ctx, taskID)
}

// GetOpenTasks 返回全部开放任务。
func (f *Facade) GetOpenTasks(ctx context.Context) ([]*market.Task, error) {
	return f.market.GetOpenTasks(ctx)
}

// GetTasksByCapability 返回能力要求完全匹配且未取消的任务。
func (f *Facade) GetTasksByCapability(ctx context.Context, capability uint64) ([]*market.Task, error) {
	return f.market.GetTasksByCapability(ctx, capability)
}

// ListBids 返回任务的出价记录。
func (f *Facade) ListBids(ctx context.Context, taskID uint64) ([]*market.Bid, error) {
	return f.market.ListBids(ctx, taskID)
}

// Stats 返回市场任务统计。
func (f *Facade) Stats(ctx context.Context) (market.Stats, error) {
	return f.market.Stats(ctx)
}

// FeeRate 返回当前手续费率。
func (f *Facade) FeeRate() uint64 { return f.market.FeeRate() }

// UpdateFeeRate 更新手续费率。权限校验由 API 层完成。
func (f *Facade) UpdateFeeRate(bps uint64) error { return f.market.UpdateFeeRate(bps) }

// RegisterAgent 注册代理身份。
func (f *Facade) RegisterAgent(ctx context.Context, owner common.Address, successor *common.Address) (*succession.AgentState, error) {
	return f.succession.RegisterAgent(ctx, owner, successor)
}

// Heartbeat 刷新代理心跳。
func (f *Facade) Heartbeat(ctx context.Context, owner common.Address) (*succession.AgentState, error) {
	return f.succession.Heartbeat(ctx, owner)
}

// MarkOffline 把代理标记为离线。
func (f *Facade) MarkOffline(ctx context.Context, target common.Address) error {
	return f.succession.MarkOffline(ctx, target)
}

// CheckOfflineStatus 判断代理是否离线。
func (f *Facade) CheckOfflineStatus(ctx context.Context, target common.Address) (bool, error) {
	return f.succession.CheckOfflineStatus(ctx, target)
}

// InitiateHandover 发起身份交接。
func (f *Facade) InitiateHandover(ctx context.Context, owner common.Address, successorIdentity string) (*succession.AgentState, error) {
	return f.succession.InitiateHandover(ctx, owner, successorIdentity)
}

// AcceptHandover 接受身份交接。
func (f *Facade) AcceptHandover(ctx context.Context, successor common.Address) (*succession.AgentState, error) {
	return f.succession.AcceptHandover(ctx, successor)
}

// UpdateSuccessor 更新指定的继任者。
func (f *Facade) UpdateSuccessor(ctx context.Context, owner, newSuccessor common.Address) (*succession.AgentState, error) {
	return f.succession.UpdateSuccessor(ctx, owner, newSuccessor)
}

// GetAgent 返回指定所有者的身份记录。
func (f *Facade) GetAgent(ctx context.Context, owner common.Address) (*succession.AgentState, error) {
	return f.succession.GetAgent(ctx, owner)
}

// SearchAgents 从注册表查询能力覆盖 mask 的代理地址。
func (f *Facade) SearchAgents(ctx context.Context, mask uint64) ([]common.Address, error) {
	if f.registry == nil {
		return nil, nil
	}
	return f.registry.SearchByCapability(ctx, mask)
}

// Close 释放底层资源。
func (f *Facade) Close() error {
	var errs []error
	if f.market != nil {
		if err := f.market.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.succession != nil {
		if err := f.succession.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// checkCapability 校验代理是否覆盖任务要求的全部能力位。任务无能力
// 要求或未配置注册表时直接放行。
func (f *Facade) checkCapability(ctx context.Context, taskID uint64, agent common.Address) error {
	if f.registry == nil {
		return nil
	}
	task, err := f.market.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.CapabilityRequired == 0 {
		return nil
	}
	profile, err := f.registry.GetAgent(ctx, agent)
	if err != nil {
		if stdErrors.Is(err, registry.ErrAgentUnknown) {
			return ErrCapabilityMismatch
		}
		return err
	}
	if !registry.HasCapability(profile.Capabilities, task.CapabilityRequired) {
		return ErrCapabilityMismatch
	}
	return nil
}
