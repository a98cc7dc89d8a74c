package market

import (
	"math/big"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusOpen      Status = "open"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Task 描述市场中的一个任务。Price 大于零表示一口价任务，等于零表示
// 竞拍任务。Assignee 仅在 Assigned/Completed 状态下非空。
type Task struct {
	ID                 uint64          `json:"id"`
	Creator            common.Address  `json:"creator"`
	CapabilityRequired uint64          `json:"capability_required"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Price              *big.Int        `json:"price"`
	CurrentBid         *big.Int        `json:"current_bid"`
	Assignee           *common.Address `json:"assignee,omitempty"`
	Status             Status          `json:"status"`
	ResultHash         string          `json:"result_hash,omitempty"`
	CreatedAt          int64           `json:"created_at"`
	Deadline           int64           `json:"deadline"`
	CompletedAt        int64           `json:"completed_at,omitempty"`
}

// IsAuction 判断任务是否采用竞拍方式获取。
func (t *Task) IsAuction() bool {
	return t.Price == nil || t.Price.Sign() == 0
}

// Bid 记录某个出价人在一个任务上的最新出价。出价被超过并完成退款后
// Refunded 置位，记录本身保留用于审计。
type Bid struct {
	TaskID   uint64         `json:"task_id"`
	Bidder   common.Address `json:"bidder"`
	Amount   *big.Int       `json:"amount"`
	Refunded bool           `json:"refunded"`
	PlacedAt int64          `json:"placed_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskUnavailable 表示任务的当前状态不允许所请求的操作。
	ErrTaskUnavailable = xerrors.New(CodeTaskUnavailable, "task unavailable", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidDeadline 表示任务截止时间未严格晚于当前时间。
	ErrInvalidDeadline = xerrors.New(CodeInvalidDeadline, "deadline must be in the future")
	// ErrSelfAssignment 表示创建者试图承接自己发布的任务。
	ErrSelfAssignment = xerrors.New(CodeSelfAssignment, "creator cannot take own task")
	// ErrNotCreator 表示调用方不是任务的创建者。
	ErrNotCreator = xerrors.New(CodeNotCreator, "caller is not the task creator")
	// ErrAuctionNotAssignable 表示竞拍任务不能被直接指派或承接。
	ErrAuctionNotAssignable = xerrors.New(CodeAuctionNotAssignable, "auction tasks cannot be assigned directly")
	// ErrBidTooLow 表示出价未超过当前最高价。
	ErrBidTooLow = xerrors.New(CodeBidTooLow, "bid must exceed current bid")
	// ErrNotAssignedAgent 表示调用方不是任务的受派代理。
	ErrNotAssignedAgent = xerrors.New(CodeNotAssignedAgent, "caller is not the assigned agent")
	// ErrTaskExpired 表示任务已过截止时间。
	ErrTaskExpired = xerrors.New(CodeTaskExpired, "task deadline has passed", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAlreadyFinalized 表示任务已处于终态，无法取消。
	ErrAlreadyFinalized = xerrors.New(CodeAlreadyFinalized, "task already finalized")
	// ErrFeeTooHigh 表示手续费率超过协议上限。
	ErrFeeTooHigh = xerrors.New(CodeFeeTooHigh, "fee rate above ceiling")
)

const (
	CodeTaskNotFound         xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskUnavailable      xerrors.Code = "TASK_UNAVAILABLE"
	CodeInvalidDeadline      xerrors.Code = "INVALID_DEADLINE"
	CodeSelfAssignment       xerrors.Code = "SELF_ASSIGNMENT"
	CodeNotCreator           xerrors.Code = "NOT_CREATOR"
	CodeAuctionNotAssignable xerrors.Code = "AUCTION_NOT_ASSIGNABLE"
	CodeBidTooLow            xerrors.Code = "BID_TOO_LOW"
	CodeNotAssignedAgent     xerrors.Code = "NOT_ASSIGNED_AGENT"
	CodeTaskExpired          xerrors.Code = "TASK_EXPIRED"
	CodeAlreadyFinalized     xerrors.Code = "ALREADY_FINALIZED"
	CodeFeeTooHigh           xerrors.Code = "FEE_TOO_HIGH"
	CodeRefundIncomplete     xerrors.Code = "REFUND_INCOMPLETE"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskUnavailable, xerrors.Attributes{
		Message:   "task unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidDeadline, xerrors.Attributes{
		Message:   "deadline must be in the future",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSelfAssignment, xerrors.Attributes{
		Message:   "creator cannot take own task",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotCreator, xerrors.Attributes{
		Message:   "caller is not the task creator",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAuctionNotAssignable, xerrors.Attributes{
		Message:   "auction tasks cannot be assigned directly",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBidTooLow, xerrors.Attributes{
		Message:   "bid must exceed current bid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotAssignedAgent, xerrors.Attributes{
		Message:   "caller is not the assigned agent",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExpired, xerrors.Attributes{
		Message:   "task deadline has passed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadyFinalized, xerrors.Attributes{
		Message:   "task already finalized",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFeeTooHigh, xerrors.Attributes{
		Message:   "fee rate above ceiling",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRefundIncomplete, xerrors.Attributes{
		Message:   "some bid refunds failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusOpen, StatusAssigned, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Price != nil {
		clone.Price = new(big.Int).Set(task.Price)
	}
	if task.CurrentBid != nil {
		clone.CurrentBid = new(big.Int).Set(task.CurrentBid)
	}
	if task.Assignee != nil {
		assignee := *task.Assignee
		clone.Assignee = &assignee
	}
	return &clone
}

func cloneBid(bid *Bid) *Bid {
	clone := *bid
	if bid.Amount != nil {
		clone.Amount = new(big.Int).Set(bid.Amount)
	}
	return &clone
}
