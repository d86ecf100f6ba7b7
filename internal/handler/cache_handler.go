package handler

import (
	"net/http"

	"gallery-gateway/internal/cache"
	"gallery-gateway/internal/middleware"
	"gallery-gateway/internal/service"
	"gallery-gateway/pkg/events"
	"gallery-gateway/pkg/log"

	"github.com/gin-gonic/gin"
)

// CacheHandler 提供缓存统计与清空的管理接口。
type CacheHandler struct {
	cache *cache.TTLCache
	audit service.AuditService
}

// NewCacheHandler 创建一个新的 CacheHandler 实例。
func NewCacheHandler(c *cache.TTLCache, audit service.AuditService) *CacheHandler {
	return &CacheHandler{cache: c, audit: audit}
}

// Stats 返回命中、未命中、淘汰等统计。
func (h *CacheHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    h.cache.Stats(),
	})
}

// Flush 清空缓存。
func (h *CacheHandler) Flush(c *gin.Context) {
	removed := h.cache.Len()
	h.cache.Flush()

	actor := middleware.PrincipalFrom(c).Name()
	log.Infow("[CacheHandler.Flush] 缓存已清空", "actor", actor, "removed", removed)
	h.audit.Record(c.Request.Context(), events.AuditEvent{
		Actor:        actor,
		Action:       events.ActionDelete,
		ResourceType: "cache",
		Details:      map[string]interface{}{"removed": removed},
	})

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "cache flushed",
		"data":    gin.H{"removed": removed},
	})
}
