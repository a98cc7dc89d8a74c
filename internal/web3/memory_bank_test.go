package web3

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	bankA = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bankB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestTransferMovesFullAmount(t *testing.T) {
	bank := NewMemoryBank("test")
	bank.Mint(bankA, big.NewInt(100))

	if err := bank.Transfer(context.Background(), bankA, bankB, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := bank.BalanceOf(bankA); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("sender balance: got %s want 60", got)
	}
	if got := bank.BalanceOf(bankB); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("receiver balance: got %s want 40", got)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	bank := NewMemoryBank("test")
	bank.Mint(bankA, big.NewInt(10))

	if err := bank.Transfer(context.Background(), bankA, bankB, big.NewInt(11)); err == nil {
		t.Fatal("expected insufficient balance error")
	}
	if got := bank.BalanceOf(bankA); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("sender balance changed: %s", got)
	}
	if got := bank.BalanceOf(bankB); got.Sign() != 0 {
		t.Fatalf("receiver balance changed: %s", got)
	}
}

func TestTransferZeroAndInvalidAmounts(t *testing.T) {
	bank := NewMemoryBank("test")
	bank.Mint(bankA, big.NewInt(5))

	if err := bank.Transfer(context.Background(), bankA, bankB, big.NewInt(0)); err != nil {
		t.Fatalf("zero transfer should be a no-op: %v", err)
	}
	if err := bank.Transfer(context.Background(), bankA, bankB, big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative amount")
	}
	if err := bank.Transfer(context.Background(), bankA, bankB, nil); err == nil {
		t.Fatal("expected error for nil amount")
	}
}

func TestTransferHonoursContextCancellation(t *testing.T) {
	bank := NewMemoryBank("test")
	bank.Mint(bankA, big.NewInt(5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bank.Transfer(ctx, bankA, bankB, big.NewInt(1)); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSnapshotHeightAdvances(t *testing.T) {
	bank := NewMemoryBank("local")
	bank.Mint(bankA, big.NewInt(10))

	before, err := bank.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if before.Notes != "local" {
		t.Fatalf("notes: got %q", before.Notes)
	}

	if err := bank.Transfer(context.Background(), bankA, bankB, big.NewInt(1)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	after, err := bank.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if after.BlockNumber == before.BlockNumber {
		t.Fatal("expected height to advance after a transfer")
	}
}

func TestConcurrentTransfersStayConsistent(t *testing.T) {
	bank := NewMemoryBank("test")
	bank.Mint(bankA, big.NewInt(1000))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bank.Transfer(context.Background(), bankA, bankB, big.NewInt(1))
		}()
	}
	wg.Wait()

	total := new(big.Int).Add(bank.BalanceOf(bankA), bank.BalanceOf(bankB))
	if total.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("total supply changed: %s", total)
	}
	if got := bank.BalanceOf(bankB); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("receiver balance: got %s want 100", got)
	}
}
