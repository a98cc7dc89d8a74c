package market

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"AgentMarket-Chain/internal/escrow"
	"AgentMarket-Chain/internal/notify"
	"AgentMarket-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

var (
	marketAccount = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	feeAccount    = common.HexToAddress("0x00000000000000000000000000000000000000FE")
	creator       = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	agent         = common.HexToAddress("0x00000000000000000000000000000000000000A2")
	bidderX       = common.HexToAddress("0x00000000000000000000000000000000000000B1")
	bidderY       = common.HexToAddress("0x00000000000000000000000000000000000000B2")
)

const testNow int64 = 1_700_000_000

type fixture struct {
	svc    *Service
	bank   *web3.MemoryBank
	stream *notify.MemoryStream
	now    *int64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, store Store, opts ...Option) *fixture {
	t.Helper()
	bank := web3.NewMemoryBank("test")
	for _, addr := range []common.Address{creator, agent, bidderX, bidderY} {
		bank.Mint(addr, big.NewInt(10_000))
	}
	stream := notify.NewMemoryStream(256)
	now := testNow

	all := append([]Option{
		WithFeeRecipient(feeAccount),
		WithNow(func() int64 { return now }),
	}, opts...)
	svc := NewService(store, escrow.NewLedger(bank, marketAccount), stream, all...)
	return &fixture{svc: svc, bank: bank, stream: stream, now: &now}
}

// flakyStore 包装内存存储，在指定写入上注入失败，用于验证补偿路径。
type flakyStore struct {
	Store
	failPutBid     func(bid *Bid) error
	failUpdateTask func(task *Task) error
}

func (s *flakyStore) PutBid(ctx context.Context, bid *Bid) error {
	if s.failPutBid != nil {
		if err := s.failPutBid(bid); err != nil {
			return err
		}
	}
	return s.Store.PutBid(ctx, bid)
}

func (s *flakyStore) UpdateTask(ctx context.Context, task *Task) error {
	if s.failUpdateTask != nil {
		if err := s.failUpdateTask(task); err != nil {
			return err
		}
	}
	return s.Store.UpdateTask(ctx, task)
}

func (f *fixture) createFixed(t *testing.T, price int64) *Task {
	t.Helper()
	task, err := f.svc.CreateTask(context.Background(), creator, 1, "translate document", "", big.NewInt(price), testNow+3600)
	if err != nil {
		t.Fatalf("create fixed-price task: %v", err)
	}
	return task
}

func (f *fixture) createAuction(t *testing.T) *Task {
	t.Helper()
	task, err := f.svc.CreateTask(context.Background(), creator, 2, "label dataset", "", nil, testNow+3600)
	if err != nil {
		t.Fatalf("create auction task: %v", err)
	}
	return task
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateTask(ctx, creator, 0, "  ", "", big.NewInt(10), testNow+60); err == nil {
		t.Fatal("expected blank title to be rejected")
	}
	if _, err := f.svc.CreateTask(ctx, creator, 0, "t", "", big.NewInt(-1), testNow+60); err == nil {
		t.Fatal("expected negative price to be rejected")
	}
	if _, err := f.svc.CreateTask(ctx, creator, 0, "t", "", big.NewInt(10), testNow); !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline, got %v", err)
	}
	if _, err := f.svc.CreateTask(ctx, creator, 0, "t", "", big.NewInt(10), testNow-5); !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline for past deadline, got %v", err)
	}
}

func TestCreateFixedPriceEscrowsFunds(t *testing.T) {
	f := newFixture(t)
	task := f.createFixed(t, 1000)

	if task.ID == 0 {
		t.Fatal("expected auto-assigned task id")
	}
	if task.IsAuction() {
		t.Fatal("price > 0 must not be an auction")
	}
	if got := f.bank.BalanceOf(creator); got.Cmp(big.NewInt(9000)) != 0 {
		t.Fatalf("creator balance: got %s want 9000", got)
	}
	if got := f.bank.BalanceOf(marketAccount); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("market balance: got %s want 1000", got)
	}
}

func TestCreateTaskRollsBackWhenDepositFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	poor := common.HexToAddress("0x00000000000000000000000000000000000000C9")
	_, err := f.svc.CreateTask(ctx, poor, 0, "t", "", big.NewInt(500), testNow+60)
	if err == nil {
		t.Fatal("expected create to fail when escrow deposit fails")
	}
	tasks, err := f.svc.GetOpenTasks(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks after rollback, got %d", len(tasks))
	}
}

func TestAcceptTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createFixed(t, 1000)

	if _, err := f.svc.AcceptTask(ctx, task.ID, creator); !errors.Is(err, ErrSelfAssignment) {
		t.Fatalf("expected ErrSelfAssignment, got %v", err)
	}

	got, err := f.svc.AcceptTask(ctx, task.ID, agent)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != StatusAssigned || got.Assignee == nil || *got.Assignee != agent {
		t.Fatalf("unexpected task after accept: %+v", got)
	}

	if _, err := f.svc.AcceptTask(ctx, task.ID, bidderX); !errors.Is(err, ErrTaskUnavailable) {
		t.Fatalf("expected ErrTaskUnavailable on second accept, got %v", err)
	}
}

func TestAcceptTaskRejectsAuctions(t *testing.T) {
	f := newFixture(t)
	task := f.createAuction(t)

	if _, err := f.svc.AcceptTask(context.Background(), task.ID, agent); !errors.Is(err, ErrTaskUnavailable) {
		t.Fatalf("expected ErrTaskUnavailable, got %v", err)
	}
	if _, err := f.svc.AssignAgent(context.Background(), task.ID, creator, agent); !errors.Is(err, ErrAuctionNotAssignable) {
		t.Fatalf("expected ErrAuctionNotAssignable on assign, got %v", err)
	}
}

func TestAssignAgentRequiresCreator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createFixed(t, 100)

	if _, err := f.svc.AssignAgent(ctx, task.ID, agent, agent); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("expected ErrNotCreator, got %v", err)
	}
	if _, err := f.svc.AssignAgent(ctx, task.ID, creator, creator); !errors.Is(err, ErrSelfAssignment) {
		t.Fatalf("expected ErrSelfAssignment, got %v", err)
	}
	got, err := f.svc.AssignAgent(ctx, task.ID, creator, agent)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != StatusAssigned {
		t.Fatalf("status: got %s want %s", got.Status, StatusAssigned)
	}
}

func TestCompleteTaskSettlesWithFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createFixed(t, 1000)
	if _, err := f.svc.AcceptTask(ctx, task.ID, agent); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := f.svc.CompleteTask(ctx, task.ID, bidderX, "0xabc"); !errors.Is(err, ErrNotAssignedAgent) {
		t.Fatalf("expected ErrNotAssignedAgent, got %v", err)
	}

	got, err := f.svc.CompleteTask(ctx, task.ID, agent, "0xabc")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != StatusCompleted || got.ResultHash != "0xabc" || got.CompletedAt != testNow {
		t.Fatalf("unexpected task after complete: %+v", got)
	}

	// 默认费率 500 基点：1000 拆为净额 950 与手续费 50。
	if bal := f.bank.BalanceOf(agent); bal.Cmp(big.NewInt(10_950)) != 0 {
		t.Fatalf("agent balance: got %s want 10950", bal)
	}
	if bal := f.bank.BalanceOf(feeAccount); bal.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("fee recipient balance: got %s want 50", bal)
	}
	if bal := f.bank.BalanceOf(marketAccount); bal.Sign() != 0 {
		t.Fatalf("market balance: got %s want 0", bal)
	}

	if _, err := f.svc.CompleteTask(ctx, task.ID, agent, "0xabc"); !errors.Is(err, ErrTaskUnavailable) {
		t.Fatalf("expected ErrTaskUnavailable on double complete, got %v", err)
	}
}

func TestCompleteTaskRetainsFeeWithoutRecipient(t *testing.T) {
	f := newFixture(t, WithFeeRecipient(common.Address{}))
	ctx := context.Background()
	task := f.createFixed(t, 1000)
	if _, err := f.svc.AcceptTask(ctx, task.ID, agent); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.CompleteTask(ctx, task.ID, agent, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// 手续费留存在市场账户。
	if bal := f.bank.BalanceOf(marketAccount); bal.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("market balance: got %s want 50", bal)
	}
}

func TestCompleteTaskAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createFixed(t, 100)
	if _, err := f.svc.AcceptTask(ctx, task.ID, agent); err != nil {
		t.Fatalf("accept: %v", err)
	}

	*f.now = task.Deadline + 1
	if _, err := f.svc.CompleteTask(ctx, task.ID, agent, ""); !errors.Is(err, ErrTaskExpired) {
		t.Fatalf("expected ErrTaskExpired, got %v", err)
	}

	// 截止当刻仍可结算。
	*f.now = task.Deadline
	if _, err := f.svc.CompleteTask(ctx, task.ID, agent, ""); err != nil {
		t.Fatalf("complete at deadline: %v", err)
	}
}

func TestPlaceBidFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createAuction(t)

	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderX, nil); err == nil {
		t.Fatal("expected nil amount to be rejected")
	}
	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderX, big.NewInt(0)); err == nil {
		t.Fatal("expected zero amount to be rejected")
	}
	if _, err := f.svc.PlaceBid(ctx, task.ID, creator, big.NewInt(10)); !errors.Is(err, ErrSelfAssignment) {
		t.Fatalf("expected ErrSelfAssignment, got %v", err)
	}

	got, err := f.svc.PlaceBid(ctx, task.ID, bidderX, big.NewInt(10))
	if err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if got.CurrentBid.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("current bid: got %s want 10", got.CurrentBid)
	}
	if bal := f.bank.BalanceOf(bidderX); bal.Cmp(big.NewInt(9990)) != 0 {
		t.Fatalf("bidder X balance: got %s want 9990", bal)
	}

	// 更高出价把前最高价退回。
	got, err = f.svc.PlaceBid(ctx, task.ID, bidderY, big.NewInt(15))
	if err != nil {
		t.Fatalf("second bid: %v", err)
	}
	if got.CurrentBid.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("current bid: got %s want 15", got.CurrentBid)
	}
	if bal := f.bank.BalanceOf(bidderX); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder X refund: got %s want 10000", bal)
	}

	// 不高于当前价的出价被拒绝。
	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderX, big.NewInt(12)); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("expected ErrBidTooLow, got %v", err)
	}
	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderX, big.NewInt(15)); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("expected ErrBidTooLow for equal bid, got %v", err)
	}

	bids, err := f.svc.ListBids(ctx, task.ID)
	if err != nil {
		t.Fatalf("list bids: %v", err)
	}
	if len(bids) != 2 {
		t.Fatalf("expected 2 bid records, got %d", len(bids))
	}
	if !bids[0].Refunded || bids[0].Bidder != bidderX {
		t.Fatalf("expected refunded record for bidder X, got %+v", bids[0])
	}
	if bids[1].Refunded || bids[1].Bidder != bidderY {
		t.Fatalf("expected live record for bidder Y, got %+v", bids[1])
	}
}

func TestPlaceBidOnFixedPriceTask(t *testing.T) {
	f := newFixture(t)
	task := f.createFixed(t, 100)
	_, err := f.svc.PlaceBid(context.Background(), task.ID, bidderX, big.NewInt(10))
	if !errors.Is(err, ErrTaskUnavailable) {
		t.Fatalf("expected ErrTaskUnavailable, got %v", err)
	}
}

func TestPlaceBidAfterDeadline(t *testing.T) {
	f := newFixture(t)
	task := f.createAuction(t)

	*f.now = task.Deadline
	_, err := f.svc.PlaceBid(context.Background(), task.ID, bidderX, big.NewInt(10))
	if !errors.Is(err, ErrTaskExpired) {
		t.Fatalf("expected ErrTaskExpired at deadline, got %v", err)
	}
}

func TestPlaceBidStoreFailureOnOutbidMark(t *testing.T) {
	storeErr := errors.New("write rejected")
	store := &flakyStore{Store: NewMemoryStore()}
	f := newFixtureWithStore(t, store)
	ctx := context.Background()
	task := f.createAuction(t)

	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderX, big.NewInt(10)); err != nil {
		t.Fatalf("first bid: %v", err)
	}

	// 退款标记写不进去时，前最高价的资金不得移动，新资金原路退回。
	store.failPutBid = func(bid *Bid) error {
		if bid.Refunded && bid.Bidder == bidderX {
			return storeErr
		}
		return nil
	}
	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderY, big.NewInt(20)); !errors.Is(err, storeErr) {
		t.Fatalf("expected injected store error, got %v", err)
	}
	if bal := f.bank.BalanceOf(bidderY); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder Y balance after compensation: got %s want 10000", bal)
	}

	store.failPutBid = nil
	if _, err := f.svc.CancelTask(ctx, task.ID, creator); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// X 只能被退款一次，市场账户清零。
	if bal := f.bank.BalanceOf(bidderX); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder X balance after cancel: got %s want 10000", bal)
	}
	if bal := f.bank.BalanceOf(marketAccount); bal.Sign() != 0 {
		t.Fatalf("market account not empty: %s", bal)
	}
}

func TestPlaceBidStoreFailureOnBidRecord(t *testing.T) {
	storeErr := errors.New("write rejected")
	store := &flakyStore{Store: NewMemoryStore()}
	f := newFixtureWithStore(t, store)
	ctx := context.Background()
	task := f.createAuction(t)

	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderX, big.NewInt(10)); err != nil {
		t.Fatalf("first bid: %v", err)
	}

	// 新出价记录写入失败：前最高价已退，新资金必须补偿退回。
	store.failPutBid = func(bid *Bid) error {
		if !bid.Refunded && bid.Bidder == bidderY {
			return storeErr
		}
		return nil
	}
	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderY, big.NewInt(20)); !errors.Is(err, storeErr) {
		t.Fatalf("expected injected store error, got %v", err)
	}
	if bal := f.bank.BalanceOf(bidderX); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder X balance: got %s want 10000", bal)
	}
	if bal := f.bank.BalanceOf(bidderY); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder Y balance: got %s want 10000", bal)
	}

	store.failPutBid = nil
	if _, err := f.svc.CancelTask(ctx, task.ID, creator); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if bal := f.bank.BalanceOf(bidderX); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder X refunded twice: %s", bal)
	}
	if bal := f.bank.BalanceOf(marketAccount); bal.Sign() != 0 {
		t.Fatalf("market account not empty: %s", bal)
	}
}

func TestPlaceBidStoreFailureOnTaskUpdate(t *testing.T) {
	storeErr := errors.New("write rejected")
	store := &flakyStore{Store: NewMemoryStore()}
	f := newFixtureWithStore(t, store)
	ctx := context.Background()
	task := f.createAuction(t)

	store.failUpdateTask = func(updated *Task) error {
		if updated.CurrentBid != nil && updated.CurrentBid.Sign() > 0 {
			return storeErr
		}
		return nil
	}
	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderX, big.NewInt(10)); !errors.Is(err, storeErr) {
		t.Fatalf("expected injected store error, got %v", err)
	}
	if bal := f.bank.BalanceOf(bidderX); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder X balance after compensation: got %s want 10000", bal)
	}

	store.failUpdateTask = nil
	if _, err := f.svc.CancelTask(ctx, task.ID, creator); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if bal := f.bank.BalanceOf(bidderX); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder X refunded twice: %s", bal)
	}
	if bal := f.bank.BalanceOf(marketAccount); bal.Sign() != 0 {
		t.Fatalf("market account not empty: %s", bal)
	}
}

func TestCancelFixedPriceRefundsCreator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createFixed(t, 1000)

	if _, err := f.svc.CancelTask(ctx, task.ID, agent); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("expected ErrNotCreator, got %v", err)
	}

	got, err := f.svc.CancelTask(ctx, task.ID, creator)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status: got %s want %s", got.Status, StatusCancelled)
	}
	if bal := f.bank.BalanceOf(creator); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("creator balance: got %s want 10000", bal)
	}

	if _, err := f.svc.CancelTask(ctx, task.ID, creator); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestCancelAuctionRefundsTopBidder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createAuction(t)

	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderX, big.NewInt(10)); err != nil {
		t.Fatalf("bid X: %v", err)
	}
	if _, err := f.svc.PlaceBid(ctx, task.ID, bidderY, big.NewInt(15)); err != nil {
		t.Fatalf("bid Y: %v", err)
	}

	got, err := f.svc.CancelTask(ctx, task.ID, creator)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status: got %s want %s", got.Status, StatusCancelled)
	}
	if bal := f.bank.BalanceOf(bidderX); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder X balance: got %s want 10000", bal)
	}
	if bal := f.bank.BalanceOf(bidderY); bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bidder Y balance: got %s want 10000", bal)
	}
	if bal := f.bank.BalanceOf(marketAccount); bal.Sign() != 0 {
		t.Fatalf("market balance: got %s want 0", bal)
	}
}

func TestCompletedTaskCannotBeCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createFixed(t, 100)
	if _, err := f.svc.AcceptTask(ctx, task.ID, agent); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.CompleteTask(ctx, task.ID, agent, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.svc.CancelTask(ctx, task.ID, creator); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestQueriesAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fixed := f.createFixed(t, 100) // capability 1
	f.createAuction(t)             // capability 2
	other, err := f.svc.CreateTask(ctx, creator, 1, "review code", "", big.NewInt(200), testNow+3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.svc.AcceptTask(ctx, fixed.ID, agent); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.CancelTask(ctx, other.ID, creator); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	open, err := f.svc.GetOpenTasks(ctx)
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open task, got %d", len(open))
	}

	// 能力过滤是精确匹配，且排除已取消任务。
	byCap, err := f.svc.GetTasksByCapability(ctx, 1)
	if err != nil {
		t.Fatalf("by capability: %v", err)
	}
	if len(byCap) != 1 || byCap[0].ID != fixed.ID {
		t.Fatalf("unexpected capability match: %+v", byCap)
	}
	if byCap, err = f.svc.GetTasksByCapability(ctx, 3); err != nil || len(byCap) != 0 {
		t.Fatalf("superset mask must not match: %v %+v", err, byCap)
	}

	stats, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Total: 3, Open: 1, Assigned: 1, Cancelled: 1, Auctions: 1}
	if stats != want {
		t.Fatalf("stats: got %+v want %+v", stats, want)
	}
}

func TestFeeRateManagement(t *testing.T) {
	f := newFixture(t)
	if got := f.svc.FeeRate(); got != DefaultFeeRateBps {
		t.Fatalf("default fee: got %d want %d", got, DefaultFeeRateBps)
	}
	if err := f.svc.UpdateFeeRate(1000); err != nil {
		t.Fatalf("update fee: %v", err)
	}
	if err := f.svc.UpdateFeeRate(1001); !errors.Is(err, ErrFeeTooHigh) {
		t.Fatalf("expected ErrFeeTooHigh, got %v", err)
	}
	if got := f.svc.FeeRate(); got != 1000 {
		t.Fatalf("fee after rejected update: got %d want 1000", got)
	}

	capped := NewService(NewMemoryStore(), escrow.NewLedger(web3.NewMemoryBank("t"), marketAccount), nil, WithFeeRate(5000))
	if got := capped.FeeRate(); got != MaxFeeRateBps {
		t.Fatalf("capped fee: got %d want %d", got, MaxFeeRateBps)
	}
}

func TestEventsEmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createFixed(t, 100)
	if _, err := f.svc.AcceptTask(ctx, task.ID, agent); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.CompleteTask(ctx, task.ID, agent, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var types []notify.EventType
	for i := 0; i < 3; i++ {
		select {
		case evt := <-f.stream.Events():
			types = append(types, evt.Type)
		default:
			t.Fatalf("expected 3 events, got %d", len(types))
		}
	}
	want := []notify.EventType{notify.EventTaskCreated, notify.EventTaskAssigned, notify.EventTaskCompleted}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, types[i], want[i])
		}
	}
}
