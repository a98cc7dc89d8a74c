package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentMarket-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// transferGasLimit is the intrinsic gas of a plain value transfer.
const transferGasLimit = 21000

// Config describes how to construct an EVM compatible settlement client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	// Keys maps hex addresses to hex-encoded private keys the client may
	// sign outgoing transfers with. Only addresses listed here can appear
	// as the "from" side of a transfer.
	Keys  map[string]string
	Notes string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name    string
	notes   string
	rpc     *gethrpc.Client
	eth     *ethclient.Client
	chainID *big.Int
	keys    map[common.Address]*ecdsa.PrivateKey
	mu      sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use
// client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	keys := make(map[common.Address]*ecdsa.PrivateKey, len(cfg.Keys))
	for addr, rawKey := range cfg.Keys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(rawKey), "0x"))
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析账户 %s 的私钥失败: %w", addr, err)
		}
		keys[common.HexToAddress(addr)] = key
	}

	return &Client{
		name:    cfg.Name,
		notes:   cfg.Notes,
		rpc:     rpcClient,
		eth:     eth,
		chainID: chainID,
		keys:    keys,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Transfer builds, signs and broadcasts a plain value transfer, then waits
// for the transaction to be mined. The caller only learns success once the
// receipt confirms execution, so a nil error means the full amount moved.
func (c *Client) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if c == nil || c.eth == nil {
		return errors.New("未初始化的以太坊客户端")
	}
	if amount == nil || amount.Sign() < 0 {
		return errors.New("转账金额不合法")
	}
	if amount.Sign() == 0 {
		return nil
	}

	key, ok := c.keys[from]
	if !ok {
		return fmt.Errorf("账户 %s 未注册签名私钥", from.Hex())
	}

	// Nonce allocation must be serialized per client, otherwise two
	// concurrent transfers from the same account reuse the same nonce.
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(amount),
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("发送交易失败: %w", err)
	}

	receipt, err := waitMined(ctx, c.eth, signed.Hash())
	if err != nil {
		return fmt.Errorf("等待交易确认失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return fmt.Errorf("交易 %s 执行失败", signed.Hash().Hex())
	}
	return nil
}

func waitMined(ctx context.Context, eth *ethclient.Client, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		receipt, err := eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
