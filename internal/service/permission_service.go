package service

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"gallery-gateway/internal/config"
	"gallery-gateway/internal/model"
	"gallery-gateway/pkg/token"

	"golang.org/x/crypto/bcrypt"
)

// Credentials 是从请求中提取出的原始凭证，三者按 Bearer、Cookie、API key 的顺序尝试。
type Credentials struct {
	Bearer string
	Cookie string
	APIKey string
}

// PermissionService 是网关对外部权限系统的最小依赖：解析调用方身份、判断是否拥有某个范围。
type PermissionService interface {
	Authenticate(creds Credentials) (*model.Principal, error)
	CheckScope(p *model.Principal, scope string) error
	IsInternal(key string) bool
}

type permissionService struct {
	jwtManager  *token.JWTManager
	apiKeys     []config.APIKeyConfig
	internalKey string

	// bcrypt 比较很慢，校验通过的 key 以 sha256 为索引缓存下来
	mu       sync.RWMutex
	verified map[string]*model.Principal
}

// NewPermissionService 创建一个新的 PermissionService 实例。
func NewPermissionService(jwtManager *token.JWTManager, auth config.AuthConfig) PermissionService {
	return &permissionService{
		jwtManager:  jwtManager,
		apiKeys:     auth.APIKeys,
		internalKey: auth.InternalKey,
		verified:    make(map[string]*model.Principal),
	}
}

// Authenticate 解析调用方身份。没有任何凭证时返回 nil, nil（匿名）；凭证无效时返回 ErrUnauthenticated。
func (s *permissionService) Authenticate(creds Credentials) (*model.Principal, error) {
	if raw := firstNonEmpty(creds.Bearer, creds.Cookie); raw != "" {
		claims, err := s.jwtManager.VerifyToken(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid or expired token", ErrUnauthenticated)
		}
		return &model.Principal{
			UserID:   claims.UserID,
			Username: claims.Username,
			Scopes:   claims.Scopes,
			Source:   "jwt",
		}, nil
	}
	if creds.APIKey != "" {
		if p := s.verifyAPIKey(creds.APIKey); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("%w: unknown api key", ErrUnauthenticated)
	}
	return nil, nil
}

func (s *permissionService) verifyAPIKey(key string) *model.Principal {
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	s.mu.RLock()
	p, ok := s.verified[digest]
	s.mu.RUnlock()
	if ok {
		return p
	}

	for _, k := range s.apiKeys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(key)) == nil {
			p = &model.Principal{Username: k.Name, Scopes: k.Scopes, Source: "api_key"}
			s.mu.Lock()
			s.verified[digest] = p
			s.mu.Unlock()
			return p
		}
	}
	return nil
}

// CheckScope 匿名调用返回 ErrUnauthenticated，范围不足返回 ErrInsufficientScope。
func (s *permissionService) CheckScope(p *model.Principal, scope string) error {
	if p == nil {
		return fmt.Errorf("%w: scope %q required", ErrUnauthenticated, scope)
	}
	if !p.HasScope(scope) {
		return fmt.Errorf("%w: %s lacks scope %q", ErrInsufficientScope, p.Name(), scope)
	}
	return nil
}

// IsInternal 判断请求是否携带了内部调用密钥。未配置密钥时永远为 false。
func (s *permissionService) IsInternal(key string) bool {
	if s.internalKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.internalKey)) == 1
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
