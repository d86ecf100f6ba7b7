package handler

import (
	"gallery-gateway/internal/cache"
	"gallery-gateway/internal/middleware"
	"gallery-gateway/internal/model"
	"gallery-gateway/internal/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Dependencies 汇总路由需要的服务，由 main 在启动时构造一次后注入。
type Dependencies struct {
	DB             *gorm.DB
	Cache          *cache.TTLCache
	Permission     service.PermissionService
	PublicAssets   service.PublicAssetService
	Chunks         service.ChunkService
	Proxy          service.ProxyService
	Audit          service.AuditService
	InternalHeader string
}

// NewRouter 注册全部路由。
func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/healthz", NewHealthHandler(deps.DB).Health)

	api := r.Group("/api")
	api.Use(middleware.Authenticate(deps.Permission))
	{
		proxy := NewProxyHandler(deps.Permission, deps.PublicAssets, deps.Chunks, deps.Proxy, deps.InternalHeader)
		api.Any("/proxy/*path", proxy.Handle)

		// 网关管理路由组，需要 admin 范围
		gateway := api.Group("/gateway")
		gateway.Use(middleware.RequireScope(deps.Permission, model.ScopeAdmin))
		{
			cacheHandler := NewCacheHandler(deps.Cache, deps.Audit)
			gateway.GET("/cache", cacheHandler.Stats)
			gateway.DELETE("/cache", cacheHandler.Flush)
		}
	}
	return r
}
