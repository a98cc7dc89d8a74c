package market

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/escrow"
	"AgentMarket-Chain/internal/keylock"
	"AgentMarket-Chain/internal/notify"
	"AgentMarket-Chain/internal/observability/alerting"
	"AgentMarket-Chain/internal/observability/metrics"
	"AgentMarket-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultFeeRateBps 是默认的市场手续费率（基点）。
	DefaultFeeRateBps uint64 = 500
	// MaxFeeRateBps 是手续费率的协议上限。
	MaxFeeRateBps uint64 = 1000
)

// Service 维护任务状态机。同一任务上的状态变更经按键锁串行化，资金
// 移动全部委托给托管账本，并在转账确认成功之后才落盘状态变更。
type Service struct {
	store        Store
	ledger       *escrow.Ledger
	producer     notify.Producer
	alerts       alerting.Dispatcher
	feeRecipient common.Address

	feeMu      sync.RWMutex
	feeRateBps uint64

	locks   *keylock.Locker[uint64]
	nowFunc func() int64
}

// Option 配置 Service 的可选行为。
type Option func(*Service)

// WithAlerts 指定告警分发器，退款失败等异常会经由它上报。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(s *Service) { s.alerts = dispatcher }
}

// WithFeeRecipient 指定手续费的收款账户。未设置时手续费留存在市场
// 账户中，只做账目登记。
func WithFeeRecipient(recipient common.Address) Option {
	return func(s *Service) { s.feeRecipient = recipient }
}

// WithFeeRate 覆盖初始手续费率。超过上限的值按上限截断。
func WithFeeRate(bps uint64) Option {
	return func(s *Service) {
		if bps > MaxFeeRateBps {
			bps = MaxFeeRateBps
		}
		s.feeRateBps = bps
	}
}

// WithNow 覆盖时钟，测试用。
func WithNow(now func() int64) Option {
	return func(s *Service) { s.nowFunc = now }
}

// NewService 构造任务市场服务。
func NewService(store Store, ledger *escrow.Ledger, producer notify.Producer, opts ...Option) *Service {
	s := &Service{
		store:      store,
		ledger:     ledger,
		producer:   producer,
		feeRateBps: DefaultFeeRateBps,
		locks:      keylock.New[uint64](),
		nowFunc:    func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateTask 创建任务。price 大于零为一口价任务，创建时立即把等额资
// 金转入托管；托管失败时回滚刚插入的记录，任务不产生。price 为空或
// 零表示竞拍任务，资金随出价托管。
func (s *Service) CreateTask(ctx context.Context, creator common.Address, capability uint64, title, description string, price *big.Int, deadline int64) (*Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务标题不能为空")
	}
	if price != nil && price.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务价格不能为负数")
	}
	now := s.nowFunc()
	if deadline <= now {
		return nil, ErrInvalidDeadline
	}

	task := &Task{
		Creator:            creator,
		CapabilityRequired: capability,
		Title:              title,
		Description:        description,
		Price:              new(big.Int),
		CurrentBid:         new(big.Int),
		Status:             StatusOpen,
		CreatedAt:          now,
		Deadline:           deadline,
	}
	if price != nil {
		task.Price.Set(price)
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if !task.IsAuction() {
		if err := s.ledger.Deposit(ctx, task.ID, creator, task.Price); err != nil {
			// 托管失败则任务不产生，回滚刚插入的记录。
			if delErr := s.store.DeleteTask(ctx, task.ID); delErr != nil {
				logger.L().Error("任务创建补偿回滚失败",
					slog.Uint64("task_id", task.ID), slog.Any("error", delErr))
			}
			return nil, err
		}
	}

	s.emit(ctx, notify.NewEvent(notify.EventTaskCreated, task.ID, creator, common.Address{}, task.Price))
	logger.Audit().Info("任务已创建",
		slog.Uint64("task_id", task.ID),
		slog.String("creator", creator.Hex()),
		slog.String("price", task.Price.String()),
		slog.Int64("deadline", task.Deadline),
	)
	return task, nil
}

// AcceptTask 由代理主动承接一口价任务。
func (s *Service) AcceptTask(ctx context.Context, taskID uint64, agent common.Address) (*Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	// 竞拍任务只能通过出价竞得，对主动承接而言不可用。
	if task.IsAuction() {
		return nil, ErrTaskUnavailable
	}
	if task.Status != StatusOpen || task.Assignee != nil {
		return nil, ErrTaskUnavailable
	}
	if agent == task.Creator {
		return nil, ErrSelfAssignment
	}
	return s.assign(ctx, task, agent)
}

// AssignAgent 由创建者把一口价任务指派给指定代理。
func (s *Service) AssignAgent(ctx context.Context, taskID uint64, caller, agent common.Address) (*Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if caller != task.Creator {
		return nil, ErrNotCreator
	}
	if task.IsAuction() {
		return nil, ErrAuctionNotAssignable
	}
	if task.Status != StatusOpen || task.Assignee != nil {
		return nil, ErrTaskUnavailable
	}
	if agent == task.Creator {
		return nil, ErrSelfAssignment
	}
	return s.assign(ctx, task, agent)
}

func (s *Service) assign(ctx context.Context, task *Task, agent common.Address) (*Task, error) {
	task.Assignee = &agent
	task.Status = StatusAssigned
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.emit(ctx, notify.NewEvent(notify.EventTaskAssigned, task.ID, agent, task.Creator, nil))
	logger.Audit().Info("任务已指派",
		slog.Uint64("task_id", task.ID), slog.String("agent", agent.Hex()))
	return task, nil
}

// PlaceBid 在竞拍任务上出价。新出价必须严格高于当前最高价；新资金先
// 入托管，再退还被超越的前最高出价人，两步失败都不会留下悬空资金。
func (s *Service) PlaceBid(ctx context.Context, taskID uint64, bidder common.Address, amount *big.Int) (*Task, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "出价必须为正整数")
	}

	unlock := s.locks.Lock(taskID)
	defer unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsAuction() {
		return nil, xerrors.New(CodeTaskUnavailable, "一口价任务不接受出价")
	}
	if task.Status != StatusOpen {
		return nil, ErrTaskUnavailable
	}
	if bidder == task.Creator {
		return nil, ErrSelfAssignment
	}
	now := s.nowFunc()
	if now >= task.Deadline {
		return nil, ErrTaskExpired
	}
	current := new(big.Int)
	if task.CurrentBid != nil {
		current.Set(task.CurrentBid)
	}
	if amount.Cmp(current) <= 0 {
		return nil, ErrBidTooLow
	}

	// 定位尚未退款的前最高出价记录。
	var previous *Bid
	if current.Sign() > 0 {
		bids, err := s.store.ListBids(ctx, taskID)
		if err != nil {
			return nil, err
		}
		for _, bid := range bids {
			if !bid.Refunded && bid.Amount != nil && bid.Amount.Cmp(current) == 0 {
				previous = bid
				break
			}
		}
	}

	if err := s.ledger.Deposit(ctx, taskID, bidder, amount); err != nil {
		return nil, err
	}

	if previous != nil {
		// 先落账再动钱：标记写入失败时前最高价的资金还未移动，退回新
		// 存入的资金即可，不会留下"已退款却仍在场"的记录被二次退款。
		previous.Refunded = true
		if err := s.store.PutBid(ctx, previous); err != nil {
			s.refundDeposit(ctx, taskID, bidder, amount)
			return nil, err
		}
		if err := s.ledger.Refund(ctx, taskID, previous.Bidder, previous.Amount); err != nil {
			// 退款没有发生，撤销标记让该出价留在场内，取消时照常退款。
			previous.Refunded = false
			if markErr := s.store.PutBid(ctx, previous); markErr != nil {
				logger.L().Error("出价标记回滚失败，资金滞留托管",
					slog.Uint64("task_id", taskID),
					slog.String("bidder", previous.Bidder.Hex()),
					slog.Any("error", markErr))
				s.alert(ctx, alerting.Event{
					Code:       xerrors.CodeStorageFailure,
					Message:    "出价标记回滚失败，资金滞留托管",
					Severity:   xerrors.SeverityCritical,
					TaskID:     taskID,
					Agent:      previous.Bidder.Hex(),
					Amount:     previous.Amount.String(),
					OccurredAt: time.Now(),
				})
			}
			s.refundDeposit(ctx, taskID, bidder, amount)
			return nil, xerrors.Wrap(xerrors.CodeTransferFailure, err, "退还前最高出价失败")
		}
		s.emit(ctx, notify.NewEvent(notify.EventBidOutbid, taskID, bidder, previous.Bidder, previous.Amount))
	}

	bid := &Bid{
		TaskID:   taskID,
		Bidder:   bidder,
		Amount:   new(big.Int).Set(amount),
		PlacedAt: now,
	}
	if err := s.store.PutBid(ctx, bid); err != nil {
		s.refundDeposit(ctx, taskID, bidder, amount)
		return nil, err
	}
	task.CurrentBid = new(big.Int).Set(amount)
	if err := s.store.UpdateTask(ctx, task); err != nil {
		// 任务写入失败则整笔出价作废：先把新记录标记为已退款，再退资金。
		bid.Refunded = true
		if markErr := s.store.PutBid(ctx, bid); markErr != nil {
			logger.L().Error("出价记录回滚失败",
				slog.Uint64("task_id", taskID),
				slog.String("bidder", bidder.Hex()),
				slog.Any("error", markErr))
		}
		s.refundDeposit(ctx, taskID, bidder, amount)
		return nil, err
	}

	s.emit(ctx, notify.NewEvent(notify.EventBidPlaced, taskID, bidder, common.Address{}, amount))
	logger.Audit().Info("出价已接受",
		slog.Uint64("task_id", taskID),
		slog.String("bidder", bidder.Hex()),
		slog.String("amount", amount.String()),
	)
	return task, nil
}

// CompleteTask 由受派代理提交结果并结算。结算额按费率拆分，净额转给
// 代理；支付转账失败时状态保持 Assigned，不发生任何变化。
func (s *Service) CompleteTask(ctx context.Context, taskID uint64, agent common.Address, resultHash string) (*Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusAssigned {
		return nil, ErrTaskUnavailable
	}
	if task.Assignee == nil || *task.Assignee != agent {
		return nil, ErrNotAssignedAgent
	}
	now := s.nowFunc()
	if now > task.Deadline {
		return nil, ErrTaskExpired
	}

	settlement := task.Price
	if task.IsAuction() {
		settlement = task.CurrentBid
	}
	net, fee := escrow.SplitFee(settlement, s.FeeRate())

	if err := s.ledger.Payout(ctx, taskID, agent, net); err != nil {
		return nil, err
	}
	s.settleFee(ctx, taskID, fee)
	metrics.ObserveSettlement()

	task.Status = StatusCompleted
	task.CompletedAt = now
	task.ResultHash = resultHash
	if err := s.store.UpdateTask(ctx, task); err != nil {
		logger.L().Error("结算已完成但任务状态写入失败",
			slog.Uint64("task_id", taskID), slog.Any("error", err))
		return nil, err
	}

	s.emit(ctx, notify.NewEvent(notify.EventTaskCompleted, taskID, agent, task.Creator, net))
	logger.Audit().Info("任务已完成",
		slog.Uint64("task_id", taskID),
		slog.String("agent", agent.Hex()),
		slog.String("net", net.String()),
		slog.String("fee", fee.String()),
	)
	return task, nil
}

// settleFee 处理手续费。配置了收款账户时转出；转账失败或未配置时
// 留存在市场账户，只登记账目。
func (s *Service) settleFee(ctx context.Context, taskID uint64, fee *big.Int) {
	if fee == nil || fee.Sign() == 0 {
		return
	}
	if s.feeRecipient != (common.Address{}) {
		err := s.ledger.Payout(ctx, taskID, s.feeRecipient, fee)
		if err == nil {
			return
		}
		logger.L().Warn("手续费转出失败，留存市场账户",
			slog.Uint64("task_id", taskID), slog.Any("error", err))
	}
	if err := s.ledger.RetainFee(taskID, fee); err != nil {
		logger.L().Error("手续费登记失败", slog.Uint64("task_id", taskID), slog.Any("error", err))
	}
}

// CancelTask 由创建者取消任务。一口价任务必须先成功退还创建者的托管
// 资金；竞拍任务逐笔退还未退款出价，单笔失败不阻塞其余退款，任务仍
// 进入 Cancelled，失败的退款经告警上报后带外重试。
func (s *Service) CancelTask(ctx context.Context, taskID uint64, caller common.Address) (*Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if caller != task.Creator {
		return nil, ErrNotCreator
	}
	if task.Status != StatusOpen && task.Status != StatusAssigned {
		return nil, ErrAlreadyFinalized
	}

	var refundErr error
	if !task.IsAuction() {
		if err := s.ledger.Refund(ctx, taskID, task.Creator, task.Price); err != nil {
			metrics.ObserveRefund(false)
			return nil, err
		}
		metrics.ObserveRefund(true)
	} else {
		refundErr = s.refundOutstandingBids(ctx, task)
	}

	task.Status = StatusCancelled
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.NewEvent(notify.EventTaskCancelled, taskID, caller, common.Address{}, nil))
	logger.Audit().Info("任务已取消", slog.Uint64("task_id", taskID))

	if refundErr != nil {
		return task, refundErr
	}
	return task, nil
}

// refundOutstandingBids 把任务上所有未退款出价逐笔退回出价人。每笔
// 退款相互独立，失败只记录并告警。
func (s *Service) refundOutstandingBids(ctx context.Context, task *Task) error {
	bids, err := s.store.ListBids(ctx, task.ID)
	if err != nil {
		return err
	}

	failed := 0
	for _, bid := range bids {
		if bid.Refunded {
			continue
		}
		if err := s.ledger.Refund(ctx, task.ID, bid.Bidder, bid.Amount); err != nil {
			metrics.ObserveRefund(false)
			failed++
			logger.L().Error("出价退款失败",
				slog.Uint64("task_id", task.ID),
				slog.String("bidder", bid.Bidder.Hex()),
				slog.String("amount", bid.Amount.String()),
				slog.Any("error", err))
			s.alert(ctx, alerting.Event{
				Code:       CodeRefundIncomplete,
				Message:    "取消任务时出价退款失败",
				Severity:   xerrors.SeverityCritical,
				TaskID:     task.ID,
				Agent:      bid.Bidder.Hex(),
				Amount:     bid.Amount.String(),
				OccurredAt: time.Now(),
			})
			s.emit(ctx, notify.NewEvent(notify.EventRefundFailed, task.ID, task.Creator, bid.Bidder, bid.Amount))
			continue
		}
		metrics.ObserveRefund(true)
		bid.Refunded = true
		if err := s.store.PutBid(ctx, bid); err != nil {
			logger.L().Error("出价退款标记失败",
				slog.Uint64("task_id", task.ID),
				slog.String("bidder", bid.Bidder.Hex()),
				slog.Any("error", err))
		}
	}
	if failed > 0 {
		return xerrors.New(CodeRefundIncomplete, "",
			xerrors.WithMetadata("failed_refunds", strconv.Itoa(failed)))
	}
	return nil
}

// GetTask 返回指定任务。
func (s *Service) GetTask(ctx context.Context, taskID uint64) (*Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// GetOpenTasks 按创建顺序返回全部 Open 状态任务。
func (s *Service) GetOpenTasks(ctx context.Context) ([]*Task, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	var open []*Task
	for _, task := range tasks {
		if task.Status == StatusOpen {
			open = append(open, task)
		}
	}
	return open, nil
}

// GetTasksByCapability 按创建顺序返回能力要求完全匹配且未取消的任务。
func (s *Service) GetTasksByCapability(ctx context.Context, capability uint64) ([]*Task, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*Task
	for _, task := range tasks {
		if task.CapabilityRequired == capability && task.Status != StatusCancelled {
			matched = append(matched, task)
		}
	}
	return matched, nil
}

// ListBids 返回任务的出价记录，金额升序。
func (s *Service) ListBids(ctx context.Context, taskID uint64) ([]*Bid, error) {
	return s.store.ListBids(ctx, taskID)
}

// Stats 汇总各状态的任务数量。
type Stats struct {
	Total     int `json:"total"`
	Open      int `json:"open"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Auctions  int `json:"auctions"`
}

// Stats 返回市场当前的任务统计。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, task := range tasks {
		stats.Total++
		switch task.Status {
		case StatusOpen:
			stats.Open++
		case StatusAssigned:
			stats.Assigned++
		case StatusCompleted:
			stats.Completed++
		case StatusCancelled:
			stats.Cancelled++
		}
		if task.IsAuction() {
			stats.Auctions++
		}
	}
	return stats, nil
}

// FeeRate 返回当前手续费率（基点）。
func (s *Service) FeeRate() uint64 {
	s.feeMu.RLock()
	defer s.feeMu.RUnlock()
	return s.feeRateBps
}

// UpdateFeeRate 更新手续费率，超过上限的值被拒绝。调用方负责权限
// 校验。
func (s *Service) UpdateFeeRate(bps uint64) error {
	if bps > MaxFeeRateBps {
		return ErrFeeTooHigh
	}
	s.feeMu.Lock()
	s.feeRateBps = bps
	s.feeMu.Unlock()
	logger.Audit().Info("手续费率已更新", slog.Uint64("fee_rate_bps", bps))
	return nil
}

// Close 释放底层资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// refundDeposit 把刚存入托管的资金退回出价人，用于出价落账失败后的补偿。
func (s *Service) refundDeposit(ctx context.Context, taskID uint64, bidder common.Address, amount *big.Int) {
	if err := s.ledger.Refund(ctx, taskID, bidder, amount); err != nil {
		logger.L().Error("出价回退失败，资金滞留托管",
			slog.Uint64("task_id", taskID),
			slog.String("bidder", bidder.Hex()),
			slog.Any("error", err))
		s.alert(ctx, alerting.Event{
			Code:       xerrors.CodeTransferFailure,
			Message:    "出价回退失败，资金滞留托管",
			Severity:   xerrors.SeverityCritical,
			TaskID:     taskID,
			Agent:      bidder.Hex(),
			Amount:     amount.String(),
			OccurredAt: time.Now(),
		})
	}
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

func (s *Service) alert(ctx context.Context, event alerting.Event) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("告警发送失败", slog.Any("error", err))
	}
}
