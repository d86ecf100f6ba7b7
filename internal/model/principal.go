package model

// 权限范围。ScopeAdmin 隐含其余全部范围。
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// Principal 是认证中间件解析出的调用方身份。
type Principal struct {
	UserID   uint     `json:"userId"`
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	// Source 为 "jwt" 或 "api_key"
	Source string `json:"source"`
}

// HasScope 判断调用方是否拥有指定范围。
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Name 返回用于日志与审计的调用方名称。
func (p *Principal) Name() string {
	if p == nil || p.Username == "" {
		return "anonymous"
	}
	return p.Username
}
