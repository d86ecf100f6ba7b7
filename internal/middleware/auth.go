// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"strings"

	"gallery-gateway/internal/model"
	"gallery-gateway/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	principalKey = "principal"
	authErrorKey = "authError"

	// SessionCookie 是画廊应用写入的会话 cookie 名，内容与 Bearer token 相同。
	SessionCookie = "session"
	// APIKeyHeader 是静态 API key 的请求头。
	APIKeyHeader = "x-api-key"
)

// Authenticate 从请求中解析调用方身份并存入 Gin 上下文。
// 它不会中止请求：匿名或凭证无效的请求仍可能通过公开资产校验，是否放行由后续的 RequireScope 或 handler 决定。
func Authenticate(perm service.PermissionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := service.Credentials{APIKey: c.GetHeader(APIKeyHeader)}

		// Token 通常以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, bearerPrefix) {
			creds.Bearer = strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
		}
		if cookie, err := c.Cookie(SessionCookie); err == nil {
			creds.Cookie = cookie
		}

		principal, err := perm.Authenticate(creds)
		if err != nil {
			c.Set(authErrorKey, err)
		} else if principal != nil {
			c.Set(principalKey, principal)
		}
		c.Next()
	}
}

// PrincipalFrom 返回 Authenticate 解析出的调用方，匿名时为 nil。
func PrincipalFrom(c *gin.Context) *model.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*model.Principal)
	return p
}

// AuthErrorFrom 返回凭证校验失败的原因。
func AuthErrorFrom(c *gin.Context) error {
	v, ok := c.Get(authErrorKey)
	if !ok {
		return nil
	}
	err, _ := v.(error)
	return err
}

// Authorize 判断当前请求是否拥有指定范围。携带了无效凭证时优先返回该错误。
func Authorize(c *gin.Context, perm service.PermissionService, scope string) error {
	if err := AuthErrorFrom(c); err != nil {
		return err
	}
	return perm.CheckScope(PrincipalFrom(c), scope)
}

// RequireScope 要求调用方拥有指定范围，否则中止请求。
// 此中间件必须在 Authenticate 之后使用。
func RequireScope(perm service.PermissionService, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := Authorize(c, perm, scope); err != nil {
			c.AbortWithStatusJSON(service.HTTPStatus(err), ErrorBody(err, "scope "+scope+" required"))
			return
		}
		c.Next()
	}
}

// AbortWithError 以统一的 JSON 错误信封中止请求。
func AbortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(service.HTTPStatus(err), ErrorBody(err, ""))
}

// ErrorBody 构造错误信封 {"error","message","reason"}，reason 为空时省略。
func ErrorBody(err error, reason string) gin.H {
	body := gin.H{"error": service.ErrorCode(err), "message": err.Error()}
	if reason != "" {
		body["reason"] = reason
	}
	return body
}
