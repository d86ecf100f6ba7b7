// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"time"

	"gallery-gateway/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader 是请求 ID 的头部名称，客户端未携带时由网关生成。
const RequestIDHeader = "X-Request-ID"

// RequestLogger 是一个 Gin 中间件，每个请求记录一行结构化日志。
// 请求体和响应体都不缓冲，媒体流直接透传。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 记录请求开始时间
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set(RequestIDHeader, requestID)

		// 处理请求
		c.Next()

		log.Infow("HTTP Request Log",
			"requestId", requestID,
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"bytes", c.Writer.Size(),
			"cache", c.Writer.Header().Get("x-cache"),
			"actor", PrincipalFrom(c).Name(),
		)
	}
}
