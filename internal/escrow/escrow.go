package escrow

import (
	"context"
	"math/big"
	"sync"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrOverRelease 表示某个任务的释放金额即将超过其托管总额。
	// 这是编程错误，状态机的状态守卫应当在到达这里之前拦截。
	ErrOverRelease = xerrors.New(xerrors.CodeInvariantViolation, "释放金额超过任务托管总额")
	// ErrTransferFailed 表示外部结算能力拒绝了本次转账。
	ErrTransferFailed = xerrors.New(xerrors.CodeTransferFailure, "")
)

// Ledger 为每个任务维护托管资金的存入与释放总额，并通过外部结算能力
// 完成实际的资金移动。资金一旦存入便归该任务独占，只能经由 Payout 或
// Refund 流出。
type Ledger struct {
	mu            sync.Mutex
	transferor    web3.Transferor
	marketAccount common.Address
	deposited     map[uint64]*big.Int
	released      map[uint64]*big.Int
}

// NewLedger 构造托管账本。marketAccount 是协议持有托管资金的账户。
func NewLedger(transferor web3.Transferor, marketAccount common.Address) *Ledger {
	return &Ledger{
		transferor:    transferor,
		marketAccount: marketAccount,
		deposited:     make(map[uint64]*big.Int),
		released:      make(map[uint64]*big.Int),
	}
}

// Deposit 将 owner 的资金转入市场账户并记入任务的托管余额。
// 转账失败时账本不变，调用方不得提交对应的状态变更。
func (l *Ledger) Deposit(ctx context.Context, taskID uint64, owner common.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := l.transferor.Transfer(ctx, owner, l.marketAccount, amount); err != nil {
		return xerrors.Wrap(xerrors.CodeTransferFailure, err, "托管存入转账失败")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	addTo(l.deposited, taskID, amount)
	return nil
}

// Payout 在任务完成时将资金从市场账户转给收款方。
func (l *Ledger) Payout(ctx context.Context, taskID uint64, recipient common.Address, amount *big.Int) error {
	return l.release(ctx, taskID, recipient, amount, "托管支付转账失败")
}

// Refund 将资金退还给原出资方。
func (l *Ledger) Refund(ctx context.Context, taskID uint64, recipient common.Address, amount *big.Int) error {
	return l.release(ctx, taskID, recipient, amount, "托管退款转账失败")
}

// RetainFee 将手续费记为已释放给市场自身。资金本就停留在市场账户中,
// 因此只做账目登记，不再发起转账。
func (l *Ledger) RetainFee(taskID uint64, fee *big.Int) error {
	if err := validateAmount(fee); err != nil {
		return err
	}
	if fee.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.canRelease(taskID, fee) {
		return ErrOverRelease
	}
	addTo(l.released, taskID, fee)
	return nil
}

// Remaining 返回任务尚未释放的托管余额。
func (l *Ledger) Remaining(taskID uint64) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(taskID)
}

// Deposited 返回任务累计存入的托管总额。
func (l *Ledger) Deposited(taskID uint64) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if total, ok := l.deposited[taskID]; ok {
		return new(big.Int).Set(total)
	}
	return new(big.Int)
}

// SplitFee 按基点费率拆分结算金额。fee = amount*feeRateBps/10000，向下
// 取整，net 为扣除手续费后的净额。
func SplitFee(amount *big.Int, feeRateBps uint64) (net, fee *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int), new(big.Int)
	}
	fee = new(big.Int).Mul(amount, new(big.Int).SetUint64(feeRateBps))
	fee.Div(fee, big.NewInt(10000))
	net = new(big.Int).Sub(amount, fee)
	return net, fee
}

func (l *Ledger) release(ctx context.Context, taskID uint64, recipient common.Address, amount *big.Int, failMsg string) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}

	// 先在锁内校验不变量，确认后才发起外部转账；转账失败不记账。
	l.mu.Lock()
	if !l.canRelease(taskID, amount) {
		l.mu.Unlock()
		return ErrOverRelease
	}
	l.mu.Unlock()

	if err := l.transferor.Transfer(ctx, l.marketAccount, recipient, amount); err != nil {
		return xerrors.Wrap(xerrors.CodeTransferFailure, err, failMsg)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	addTo(l.released, taskID, amount)
	return nil
}

func (l *Ledger) canRelease(taskID uint64, amount *big.Int) bool {
	return l.remainingLocked(taskID).Cmp(amount) >= 0
}

func (l *Ledger) remainingLocked(taskID uint64) *big.Int {
	remaining := new(big.Int)
	if total, ok := l.deposited[taskID]; ok {
		remaining.Set(total)
	}
	if out, ok := l.released[taskID]; ok {
		remaining.Sub(remaining, out)
	}
	return remaining
}

func addTo(m map[uint64]*big.Int, taskID uint64, amount *big.Int) {
	if total, ok := m[taskID]; ok {
		total.Add(total, amount)
		return
	}
	m[taskID] = new(big.Int).Set(amount)
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "金额必须为非负整数")
	}
	return nil
}
