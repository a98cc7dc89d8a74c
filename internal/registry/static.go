package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// StaticProvider 通过加载 JSON 文件提供静态的能力注册表。
type StaticProvider struct {
	profiles   map[common.Address]Profile
	maxResults int
}

// NewStaticProvider 用内存画像表构造注册表实例。
func NewStaticProvider(profiles []Profile, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 50
	}
	table := make(map[common.Address]Profile, len(profiles))
	for _, profile := range profiles {
		table[profile.Address] = profile
	}
	return &StaticProvider{profiles: table, maxResults: maxResults}
}

type staticEntry struct {
	Address      string `json:"address"`
	Capabilities uint64 `json:"capabilities"`
	Score        uint32 `json:"score"`
}

// LoadStaticProvider 从 JSON 文件加载注册表条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("注册表文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析注册表路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取注册表文件失败: %w", err)
	}
	defer file.Close()

	var entries []staticEntry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析注册表文件失败: %w", err)
	}

	profiles := make([]Profile, 0, len(entries))
	for _, entry := range entries {
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("注册表条目地址非法: %s", entry.Address)
		}
		profiles = append(profiles, Profile{
			Address:      common.HexToAddress(entry.Address),
			Capabilities: entry.Capabilities,
			Score:        entry.Score,
		})
	}
	return NewStaticProvider(profiles, maxResults), nil
}

// GetAgent 返回指定地址的画像。
func (p *StaticProvider) GetAgent(_ context.Context, addr common.Address) (Profile, error) {
	if p == nil {
		return Profile{}, ErrAgentUnknown
	}
	profile, ok := p.profiles[addr]
	if !ok {
		return Profile{}, ErrAgentUnknown
	}
	return profile, nil
}

// SearchByCapability 返回能力覆盖 mask 全部位的代理地址。
func (p *StaticProvider) SearchByCapability(_ context.Context, mask uint64) ([]common.Address, error) {
	if p == nil {
		return nil, nil
	}
	var matched []common.Address
	for addr, profile := range p.profiles {
		if HasCapability(profile.Capabilities, mask) {
			matched = append(matched, addr)
			if len(matched) >= p.maxResults {
				break
			}
		}
	}
	return matched, nil
}

var _ Provider = (*StaticProvider)(nil)
