// Package registry 对接外部能力注册表。市场核心只读取注册表，从不
// 写回；能力以位掩码表示，每一位代表一类技能。
package registry

import (
	"context"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Profile 描述注册表中一个代理的公开画像。
type Profile struct {
	Address      common.Address `json:"address"`
	Capabilities uint64         `json:"capabilities"`
	Score        uint32         `json:"score"`
}

// ErrAgentUnknown 表示注册表中没有该地址的记录。
var ErrAgentUnknown = xerrors.New(xerrors.CodeNotFound, "agent not present in registry")

// Provider 定义能力注册表的只读查询接口。
type Provider interface {
	// GetAgent 返回指定地址的画像，未注册时返回 ErrAgentUnknown。
	GetAgent(ctx context.Context, addr common.Address) (Profile, error)
	// SearchByCapability 返回能力覆盖 mask 全部位的代理地址。
	SearchByCapability(ctx context.Context, mask uint64) ([]common.Address, error)
}

// HasCapability 判断 caps 是否覆盖 required 的全部能力位。
func HasCapability(caps, required uint64) bool {
	return caps&required == required
}
