package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultHTTPTimeout 是 HTTP 注册表客户端的默认超时。
const DefaultHTTPTimeout = 10 * time.Second

// HTTPProvider 通过 REST 接口查询远端注册表服务。
type HTTPProvider struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewHTTPProvider 创建 HTTP 注册表客户端。httpClient 为 nil 时使用
// 带默认超时的客户端。
func NewHTTPProvider(rawURL string, httpClient *http.Client) (*HTTPProvider, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("注册表地址非法: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPProvider{baseURL: parsed, httpClient: httpClient}, nil
}

// GetAgent 查询指定地址的画像。
func (p *HTTPProvider) GetAgent(ctx context.Context, addr common.Address) (Profile, error) {
	endpoint := "/api/v1/agents/" + addr.Hex()
	var entry staticEntry
	if err := p.get(ctx, endpoint, nil, &entry); err != nil {
		return Profile{}, err
	}
	if !common.IsHexAddress(entry.Address) {
		return Profile{}, fmt.Errorf("注册表返回的地址非法: %s", entry.Address)
	}
	return Profile{
		Address:      common.HexToAddress(entry.Address),
		Capabilities: entry.Capabilities,
		Score:        entry.Score,
	}, nil
}

// SearchByCapability 查询能力覆盖 mask 的代理地址列表。
func (p *HTTPProvider) SearchByCapability(ctx context.Context, mask uint64) ([]common.Address, error) {
	query := url.Values{"capability": {strconv.FormatUint(mask, 10)}}
	var entries []staticEntry
	if err := p.get(ctx, "/api/v1/agents", query, &entries); err != nil {
		return nil, err
	}
	addrs := make([]common.Address, 0, len(entries))
	for _, entry := range entries {
		if common.IsHexAddress(entry.Address) {
			addrs = append(addrs, common.HexToAddress(entry.Address))
		}
	}
	return addrs, nil
}

func (p *HTTPProvider) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	rel := &url.URL{Path: path.Join(p.baseURL.Path, endpoint)}
	u := p.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("构造注册表请求失败: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("注册表请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAgentUnknown
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("注册表返回 %d: %s", resp.StatusCode, string(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析注册表响应失败: %w", err)
	}
	return nil
}

var _ Provider = (*HTTPProvider)(nil)
