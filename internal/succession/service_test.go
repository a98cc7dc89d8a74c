package succession

import (
	"context"
	"errors"
	"testing"
	"time"

	"AgentMarket-Chain/internal/identity"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ownerA = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	ownerB = common.HexToAddress("0x00000000000000000000000000000000000000A2")
	ownerC = common.HexToAddress("0x00000000000000000000000000000000000000A3")
)

const baseTime int64 = 1_700_000_000

func newTestService(t *testing.T, opts ...Option) (*Service, *int64) {
	t.Helper()
	now := baseTime
	resolver := identity.NewStaticResolver(map[string]common.Address{
		"backup-agent": ownerB,
	})
	all := append([]Option{WithNow(func() int64 { return now })}, opts...)
	svc := NewService(NewMemoryStore(), resolver, all...)
	return svc, &now
}

func register(t *testing.T, svc *Service, owner common.Address) *AgentState {
	t.Helper()
	state, err := svc.RegisterAgent(context.Background(), owner, nil)
	if err != nil {
		t.Fatalf("register %s: %v", owner.Hex(), err)
	}
	return state
}

func TestRegisterAgent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	state, err := svc.RegisterAgent(ctx, ownerA, &ownerB)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if state.LastHeartbeat != baseTime || state.Offline {
		t.Fatalf("unexpected initial state: %+v", state)
	}
	if state.Successor == nil || *state.Successor != ownerB {
		t.Fatalf("successor not recorded: %+v", state)
	}

	if _, err := svc.RegisterAgent(ctx, ownerA, nil); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if _, err := svc.RegisterAgent(ctx, ownerC, &ownerC); !errors.Is(err, ErrSelfHandover) {
		t.Fatalf("expected ErrSelfHandover, got %v", err)
	}
}

func TestHeartbeatRefreshesAndClearsOffline(t *testing.T) {
	svc, now := newTestService(t)
	ctx := context.Background()
	register(t, svc, ownerA)

	if err := svc.MarkOffline(ctx, ownerA); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	offline, err := svc.CheckOfflineStatus(ctx, ownerA)
	if err != nil || !offline {
		t.Fatalf("expected offline after manual mark: %v %v", offline, err)
	}

	*now = baseTime + 60
	state, err := svc.Heartbeat(ctx, ownerA)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if state.Offline || state.LastHeartbeat != baseTime+60 {
		t.Fatalf("heartbeat did not refresh: %+v", state)
	}

	if _, err := svc.Heartbeat(ctx, ownerC); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestCheckOfflineStatusStaleness(t *testing.T) {
	svc, now := newTestService(t, WithGracePeriod(time.Hour))
	ctx := context.Background()
	register(t, svc, ownerA)

	// 静默两小时整不算陈旧，超过才算。
	*now = baseTime + 2*3600
	offline, err := svc.CheckOfflineStatus(ctx, ownerA)
	if err != nil || offline {
		t.Fatalf("expected online at exact threshold: %v %v", offline, err)
	}
	*now = baseTime + 2*3600 + 1
	offline, err = svc.CheckOfflineStatus(ctx, ownerA)
	if err != nil || !offline {
		t.Fatalf("expected offline past threshold: %v %v", offline, err)
	}

	if _, err := svc.CheckOfflineStatus(ctx, ownerC); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestInitiateHandoverValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, ownerA)
	register(t, svc, ownerB)

	if _, err := svc.InitiateHandover(ctx, ownerC, ownerB.Hex()); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := svc.InitiateHandover(ctx, ownerA, ownerA.Hex()); !errors.Is(err, ErrSelfHandover) {
		t.Fatalf("expected ErrSelfHandover, got %v", err)
	}
	// 未注册的地址不能作为继任者。
	if _, err := svc.InitiateHandover(ctx, ownerA, ownerC.Hex()); !errors.Is(err, ErrUnknownSuccessor) {
		t.Fatalf("expected ErrUnknownSuccessor, got %v", err)
	}
	// 解析不到的名称同样拒绝。
	if _, err := svc.InitiateHandover(ctx, ownerA, "no-such-name"); !errors.Is(err, ErrUnknownSuccessor) {
		t.Fatalf("expected ErrUnknownSuccessor for unknown name, got %v", err)
	}

	state, err := svc.InitiateHandover(ctx, ownerA, "backup-agent")
	if err != nil {
		t.Fatalf("initiate via name: %v", err)
	}
	if state.Successor == nil || *state.Successor != ownerB {
		t.Fatalf("successor not resolved: %+v", state)
	}
	if state.HandoverDeadline != baseTime+int64(DefaultGracePeriod.Seconds()) {
		t.Fatalf("deadline: got %d want %d", state.HandoverDeadline, baseTime+86400)
	}
}

func TestAcceptHandoverTransfersOwnership(t *testing.T) {
	svc, now := newTestService(t)
	ctx := context.Background()
	register(t, svc, ownerA)
	register(t, svc, ownerB)

	if _, err := svc.InitiateHandover(ctx, ownerA, ownerB.Hex()); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	*now = baseTime + 3600
	next, err := svc.AcceptHandover(ctx, ownerB)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if next.Owner != ownerB || next.LastHeartbeat != baseTime+3600 {
		t.Fatalf("unexpected successor state: %+v", next)
	}
	if next.Successor != nil || next.Offline || next.HandoverDeadline != 0 {
		t.Fatalf("successor state not reset: %+v", next)
	}

	// 旧身份已被移除。
	if _, err := svc.GetAgent(ctx, ownerA); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected old owner removed, got %v", err)
	}

	// 交接已消耗，不能重复接受。
	if _, err := svc.AcceptHandover(ctx, ownerB); !errors.Is(err, ErrNotDesignatedSuccessor) {
		t.Fatalf("expected ErrNotDesignatedSuccessor, got %v", err)
	}
}

func TestAcceptHandoverWindow(t *testing.T) {
	svc, now := newTestService(t)
	ctx := context.Background()
	register(t, svc, ownerA)
	register(t, svc, ownerB)

	if _, err := svc.InitiateHandover(ctx, ownerA, ownerB.Hex()); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// 窗口以原所有者最后心跳加宽限期为界。
	*now = baseTime + int64(DefaultGracePeriod.Seconds()) + 1
	if _, err := svc.AcceptHandover(ctx, ownerB); !errors.Is(err, ErrHandoverExpired) {
		t.Fatalf("expected ErrHandoverExpired, got %v", err)
	}

	// 原所有者心跳会把窗口往后推。
	if _, err := svc.Heartbeat(ctx, ownerA); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := svc.AcceptHandover(ctx, ownerB); err != nil {
		t.Fatalf("accept after heartbeat: %v", err)
	}
}

func TestAcceptHandoverRequiresDesignation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, ownerA)
	register(t, svc, ownerB)
	register(t, svc, ownerC)

	if _, err := svc.AcceptHandover(ctx, ownerC); !errors.Is(err, ErrNotDesignatedSuccessor) {
		t.Fatalf("expected ErrNotDesignatedSuccessor, got %v", err)
	}

	// 仅被列为继任者但交接未发起时同样拒绝。
	if _, err := svc.UpdateSuccessor(ctx, ownerA, ownerC); err != nil {
		t.Fatalf("update successor: %v", err)
	}
	if _, err := svc.AcceptHandover(ctx, ownerC); !errors.Is(err, ErrNotDesignatedSuccessor) {
		t.Fatalf("expected ErrNotDesignatedSuccessor without pending handover, got %v", err)
	}
}

func TestUpdateSuccessor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, ownerA)

	if _, err := svc.UpdateSuccessor(ctx, ownerC, ownerB); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := svc.UpdateSuccessor(ctx, ownerA, ownerA); !errors.Is(err, ErrSelfHandover) {
		t.Fatalf("expected ErrSelfHandover, got %v", err)
	}
	state, err := svc.UpdateSuccessor(ctx, ownerA, ownerB)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if state.Successor == nil || *state.Successor != ownerB {
		t.Fatalf("successor not updated: %+v", state)
	}
	if state.HandoverDeadline != 0 {
		t.Fatalf("update successor must not open a handover window: %+v", state)
	}
}
