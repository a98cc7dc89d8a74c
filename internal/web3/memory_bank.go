package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryBank keeps account balances in process and settles transfers
// synchronously. It plays the role the simulated backend plays for contract
// code: a deterministic settlement rail for tests and local development.
type MemoryBank struct {
	mu       sync.Mutex
	name     string
	balances map[common.Address]*big.Int
	height   uint64
}

// NewMemoryBank creates an empty in-process settlement rail.
func NewMemoryBank(name string) *MemoryBank {
	return &MemoryBank{name: name, balances: make(map[common.Address]*big.Int)}
}

// Mint credits an account outside of any transfer, used to seed balances.
func (b *MemoryBank) Mint(addr common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(addr, amount)
}

// BalanceOf reports the current balance of an account.
func (b *MemoryBank) BalanceOf(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Transfer implements the Transferor capability. The transfer is atomic:
// either the full amount moves or the balances stay untouched.
func (b *MemoryBank) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errors.New("转账金额不合法")
	}
	if amount.Sign() == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal, ok := b.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("账户 %s 余额不足", from.Hex())
	}
	bal.Sub(bal, amount)
	b.credit(to, amount)
	b.height++
	return nil
}

// FetchChainSnapshot reports the synthetic height of the bank, mirroring what
// an EVM client exposes for health checks.
func (b *MemoryBank) FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return ChainSnapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return ChainSnapshot{
		ChainID:     "0x0",
		BlockNumber: fmt.Sprintf("0x%x", b.height),
		Notes:       b.name,
	}, nil
}

// Close is a no-op for the in-process bank.
func (b *MemoryBank) Close() {}

func (b *MemoryBank) credit(addr common.Address, amount *big.Int) {
	if bal, ok := b.balances[addr]; ok {
		bal.Add(bal, amount)
		return
	}
	b.balances[addr] = new(big.Int).Set(amount)
}

var _ Client = (*MemoryBank)(nil)
