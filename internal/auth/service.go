package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	jwtHeaderJSON     = `{"alg":"HS256","typ":"JWT"}`
	passwordSaltBytes = 16
)

var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

// Service 负责令牌签发与请求认证。仅支持本地 HS256 JWT。
type Service struct {
	enabled bool
	store   Store
	jwt     *jwtManager
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config, store Store) (*Service, error) {
	svc := &Service{enabled: cfg.Enabled, store: store}
	if !cfg.Enabled {
		return svc, nil
	}
	if store == nil {
		return nil, errors.New("认证服务需要用户目录")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("必须配置 JWT secret")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 3600
	}
	svc.jwt = &jwtManager{
		secret:    []byte(cfg.Secret),
		issuer:    cfg.Issuer,
		accessTTL: time.Duration(cfg.AccessTTL) * time.Second,
	}
	return svc, nil
}

// Enabled 返回认证是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Authenticate 校验用户名密码并签发访问令牌。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrSubjectRevoked
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return nil, ErrInvalidCredentials
	}
	subject, err := s.store.LoadSubject(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("加载主体失败: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	return pair, nil
}

// AuthenticateRequest 校验 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}

	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

// jwtManager 负责 JWT 令牌的签名与验证。
type jwtManager struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
}

type jwtClaims struct {
	Username    string   `json:"username,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Subject     string   `json:"sub"`
	Issuer      string   `json:"iss,omitempty"`
	IssuedAt    int64    `json:"iat,omitempty"`
	ExpiresAt   int64    `json:"exp,omitempty"`
}

// Generate 为主体签发访问令牌。
func (m *jwtManager) Generate(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("subject required")
	}
	subject.normalise()
	now := time.Now().Unix()

	claims := jwtClaims{
		Username:    subject.Username,
		Permissions: append([]string(nil), subject.Permissions...),
		Subject:     strconv.FormatInt(subject.ID, 10),
		Issuer:      m.issuer,
		IssuedAt:    now,
		ExpiresAt:   now + int64(m.accessTTL.Seconds()),
	}
	token, err := m.sign(claims)
	if err != nil {
		return nil, fmt.Errorf("签发访问令牌失败: %w", err)
	}
	return &TokenPair{
		AccessToken: token,
		ExpiresIn:   int64(m.accessTTL.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

func (m *jwtManager) sign(claims jwtClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := m.signature(encodedJWTHeader, payload)
	return strings.Join([]string{encodedJWTHeader, payload, base64.RawURLEncoding.EncodeToString(signature)}, "."), nil
}

func (m *jwtManager) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Verify 验证令牌有效性并返回声明。
func (m *jwtManager) Verify(token string) (*jwtClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	expected := m.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}

	now := time.Now().Unix()
	if claims.ExpiresAt != 0 && now > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && claims.Issuer != "" && !strings.EqualFold(m.issuer, claims.Issuer) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// HashPassword 对密码加盐哈希。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("密码不能为空")
	}
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("生成盐失败: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedDigest := base64.RawStdEncoding.EncodeToString(digest[:])
	return encodedSalt + ":" + encodedDigest, nil
}

func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	parts := strings.SplitN(hashed, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	return subtle.ConstantTimeCompare(expected, digest[:]) == 1
}
