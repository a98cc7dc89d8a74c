package succession

import (
	"context"
	"log/slog"
	"time"

	"AgentMarket-Chain/internal/identity"
	"AgentMarket-Chain/internal/keylock"
	"AgentMarket-Chain/internal/notify"
	"AgentMarket-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultGracePeriod 是交接宽限期，也是心跳新鲜度的基准窗口。
const DefaultGracePeriod = 24 * time.Hour

// Service 实现身份继任协议。同一所有者上的状态变更经按键锁串行化，
// 到期判定全部基于墙钟比较，惰性求值，没有后台巡检。
type Service struct {
	store    Store
	resolver identity.Resolver
	producer notify.Producer

	grace   time.Duration
	locks   *keylock.Locker[common.Address]
	nowFunc func() int64
}

// Option 配置 Service 的可选行为。
type Option func(*Service)

// WithGracePeriod 覆盖交接宽限期。
func WithGracePeriod(grace time.Duration) Option {
	return func(s *Service) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

// WithProducer 指定事件生产者。
func WithProducer(producer notify.Producer) Option {
	return func(s *Service) { s.producer = producer }
}

// WithNow 覆盖时钟，测试用。
func WithNow(now func() int64) Option {
	return func(s *Service) { s.nowFunc = now }
}

// NewService 构造继任协议服务。
func NewService(store Store, resolver identity.Resolver, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		grace:    DefaultGracePeriod,
		locks:    keylock.New[common.Address](),
		nowFunc:  func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// GracePeriod 返回当前宽限期。
func (s *Service) GracePeriod() time.Duration {
	return s.grace
}

// RegisterAgent 注册代理身份，可在注册时直接指定继任者。
func (s *Service) RegisterAgent(ctx context.Context, owner common.Address, successor *common.Address) (*AgentState, error) {
	if successor != nil && *successor == owner {
		return nil, ErrSelfHandover
	}
	state := &AgentState{
		Owner:         owner,
		Successor:     successor,
		LastHeartbeat: s.nowFunc(),
	}
	if err := s.store.Create(ctx, state); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.NewEvent(notify.EventAgentRegistered, 0, owner, derefAddr(successor), nil))
	logger.Audit().Info("代理已注册",
		slog.String("owner", owner.Hex()),
		slog.String("successor", successorHex(successor)),
	)
	return state, nil
}

// Heartbeat 刷新所有者的心跳并清除离线标记。
func (s *Service) Heartbeat(ctx context.Context, owner common.Address) (*AgentState, error) {
	unlock := s.locks.Lock(owner)
	defer unlock()

	state, err := s.store.Get(ctx, owner)
	if err != nil {
		return nil, ErrNotOwner
	}
	state.LastHeartbeat = s.nowFunc()
	state.Offline = false
	if err := s.store.Update(ctx, state); err != nil {
		return nil, err
	}
	s.emit(ctx, notify.NewEvent(notify.EventHeartbeat, 0, owner, common.Address{}, nil))
	return state, nil
}

// MarkOffline 把已注册的目标置为离线。这是人工覆盖，与心跳时间无关。
func (s *Service) MarkOffline(ctx context.Context, target common.Address) error {
	unlock := s.locks.Lock(target)
	defer unlock()

	state, err := s.store.Get(ctx, target)
	if err != nil {
		return err
	}
	state.Offline = true
	if err := s.store.Update(ctx, state); err != nil {
		return err
	}
	logger.Audit().Info("代理已标记离线", slog.String("owner", target.Hex()))
	return nil
}

// CheckOfflineStatus 判断目标是否离线：被人工标记，或心跳静默超过
// 陈旧阈值（宽限期的两倍）。
func (s *Service) CheckOfflineStatus(ctx context.Context, target common.Address) (bool, error) {
	state, err := s.store.Get(ctx, target)
	if err != nil {
		return false, err
	}
	if state.Offline {
		return true, nil
	}
	stale := int64((2 * s.grace).Seconds())
	return s.nowFunc()-state.LastHeartbeat > stale, nil
}

// InitiateHandover 建立待接受的交接。successorIdentity 可以是注册名
// 或十六进制地址，必须解析到一个已注册的所有者。本操作不转移所有权。
func (s *Service) InitiateHandover(ctx context.Context, owner common.Address, successorIdentity string) (*AgentState, error) {
	unlock := s.locks.Lock(owner)
	defer unlock()

	state, err := s.store.Get(ctx, owner)
	if err != nil {
		return nil, ErrNotOwner
	}

	successor, err := s.resolveSuccessor(ctx, successorIdentity)
	if err != nil {
		return nil, err
	}
	if successor == owner {
		return nil, ErrSelfHandover
	}
	if _, err := s.store.Get(ctx, successor); err != nil {
		return nil, ErrUnknownSuccessor
	}

	now := s.nowFunc()
	state.Successor = &successor
	state.HandoverDeadline = now + int64(s.grace.Seconds())
	if err := s.store.Update(ctx, state); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.NewEvent(notify.EventHandoverInitiated, 0, owner, successor, nil))
	logger.Audit().Info("交接已发起",
		slog.String("owner", owner.Hex()),
		slog.String("successor", successor.Hex()),
		slog.Int64("deadline", state.HandoverDeadline),
	)
	return state, nil
}

// AcceptHandover 由指定继任者接受交接。接受窗口以原所有者最后一次
// 心跳加宽限期为界；成功后旧记录被原子移除，身份在继任者名下重建，
// 心跳重置、离线与继任者槽位清空。
func (s *Service) AcceptHandover(ctx context.Context, successor common.Address) (*AgentState, error) {
	pending, err := s.findPendingHandover(ctx, successor)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(pending.Owner)
	defer unlock()

	// 拿到锁后重读，交接可能已被并发接受或撤销。
	state, err := s.store.Get(ctx, pending.Owner)
	if err != nil {
		return nil, ErrNotDesignatedSuccessor
	}
	if state.Successor == nil || *state.Successor != successor || state.HandoverDeadline == 0 {
		return nil, ErrNotDesignatedSuccessor
	}

	now := s.nowFunc()
	if now > state.LastHeartbeat+int64(s.grace.Seconds()) {
		return nil, ErrHandoverExpired
	}

	next := &AgentState{
		Owner:         successor,
		LastHeartbeat: now,
	}
	if err := s.store.Move(ctx, state.Owner, next); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.NewEvent(notify.EventHandoverAccepted, 0, successor, state.Owner, nil))
	logger.Audit().Info("交接已完成",
		slog.String("predecessor", state.Owner.Hex()),
		slog.String("owner", successor.Hex()),
	)
	return next, nil
}

// UpdateSuccessor 覆盖指定的继任者，不影响已有的交接期限。
func (s *Service) UpdateSuccessor(ctx context.Context, owner, newSuccessor common.Address) (*AgentState, error) {
	unlock := s.locks.Lock(owner)
	defer unlock()

	state, err := s.store.Get(ctx, owner)
	if err != nil {
		return nil, ErrNotOwner
	}
	if newSuccessor == owner {
		return nil, ErrSelfHandover
	}
	state.Successor = &newSuccessor
	if err := s.store.Update(ctx, state); err != nil {
		return nil, err
	}
	logger.Audit().Info("继任者已更新",
		slog.String("owner", owner.Hex()),
		slog.String("successor", newSuccessor.Hex()),
	)
	return state, nil
}

// GetAgent 返回指定所有者的记录。
func (s *Service) GetAgent(ctx context.Context, owner common.Address) (*AgentState, error) {
	return s.store.Get(ctx, owner)
}

// ListAgents 返回全部注册记录。
func (s *Service) ListAgents(ctx context.Context) ([]*AgentState, error) {
	return s.store.List(ctx)
}

// Close 释放底层资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Service) resolveSuccessor(ctx context.Context, raw string) (common.Address, error) {
	if common.IsHexAddress(raw) {
		return common.HexToAddress(raw), nil
	}
	if s.resolver == nil {
		return common.Address{}, ErrUnknownSuccessor
	}
	addr, found, err := s.resolver.Resolve(ctx, raw)
	if err != nil {
		return common.Address{}, err
	}
	if !found {
		return common.Address{}, ErrUnknownSuccessor
	}
	return addr, nil
}

// findPendingHandover 找到把调用方列为继任者且存在待接受交接的记录。
func (s *Service) findPendingHandover(ctx context.Context, successor common.Address) (*AgentState, error) {
	states, err := s.store.GetBySuccessor(ctx, successor)
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		if state.HandoverDeadline != 0 {
			return state, nil
		}
	}
	return nil, ErrNotDesignatedSuccessor
}

func (s *Service) emit(ctx context.Context, evt notify.Event) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, evt); err != nil {
		logger.L().Warn("事件发布失败",
			slog.String("event", string(evt.Type)), slog.Any("error", err))
	}
}

func derefAddr(addr *common.Address) common.Address {
	if addr == nil {
		return common.Address{}
	}
	return *addr
}

func successorHex(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Hex()
}
