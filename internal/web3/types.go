package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Transferor is the single value-transfer capability the marketplace relies
// on. A transfer either moves the full amount or fails with an error; the
// settlement network never reports a partial transfer.
type Transferor interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Client defines the common interface that any settlement rail implementation
// must provide so higher layers can interact with different networks
// uniformly.
type Client interface {
	Transferor
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
