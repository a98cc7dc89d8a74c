package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// 身份认证子系统的通用错误。
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSubjectRevoked     = errors.New("subject is disabled")
)

// 市场管理操作要求的权限。
const (
	PermMarketAdmin = "market:admin"
	PermAgentOps    = "agent:ops"
)

// Store 抽象用户目录。实现必须支持并发访问。
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// User 表示一个带凭证的持久化账户。
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject 是访问令牌携带并经上下文传递给处理器的主体信息。
type Subject struct {
	ID          int64
	Username    string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission 判断主体是否具有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 确保主体具备所有要求的权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone 返回主体的副本。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest 是令牌签发端点接受的请求体。
type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenPair 是签发的访问令牌。
type TokenPair struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   int64    `json:"expires_in"`
	TokenType   string   `json:"token_type"`
	Subject     *Subject `json:"-"`
}

// Config 配置身份认证服务。
type Config struct {
	Enabled   bool
	Secret    string
	Issuer    string
	AccessTTL int64
	Seeds     []Seed
}

// Seed 定义启动时预置的账户与权限。
type Seed struct {
	Username    string
	Password    string
	Permissions []string
	Disabled    bool
}
