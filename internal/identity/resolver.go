// Package identity 提供注册名到链上地址的解析能力。名字与地址是两套
// 独立的标识符，仅通过解析器单向关联；协议本身只认地址。
package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Resolver 把注册名解析为地址。名字未注册时返回 found=false 而不是
// 错误，调用方据此区分"未知名字"与解析设施故障。
type Resolver interface {
	Resolve(ctx context.Context, name string) (addr common.Address, found bool, err error)
}

// StaticResolver 基于静态名字表提供解析，表内容来自 YAML 文件。
type StaticResolver struct {
	names map[string]common.Address
}

// NewStaticResolver 用内存名字表构造解析器，测试常用。
func NewStaticResolver(names map[string]common.Address) *StaticResolver {
	table := make(map[string]common.Address, len(names))
	for name, addr := range names {
		table[normalizeName(name)] = addr
	}
	return &StaticResolver{names: table}
}

// LoadStaticResolver 从 YAML 文件加载名字表。文件格式为
// `name: 0x十六进制地址` 的映射。
func LoadStaticResolver(path string) (*StaticResolver, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("名字表文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析名字表路径失败: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取名字表文件失败: %w", err)
	}

	var entries map[string]string
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("解析名字表文件失败: %w", err)
	}

	table := make(map[string]common.Address, len(entries))
	for name, hexAddr := range entries {
		if !common.IsHexAddress(hexAddr) {
			return nil, fmt.Errorf("名字 %q 对应的地址非法: %s", name, hexAddr)
		}
		table[normalizeName(name)] = common.HexToAddress(hexAddr)
	}
	return &StaticResolver{names: table}, nil
}

// Resolve 查表解析名字。
func (r *StaticResolver) Resolve(_ context.Context, name string) (common.Address, bool, error) {
	if r == nil {
		return common.Address{}, false, nil
	}
	addr, ok := r.names[normalizeName(name)]
	return addr, ok, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var _ Resolver = (*StaticResolver)(nil)
