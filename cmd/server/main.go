// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gallery-gateway/internal/cache"
	"gallery-gateway/internal/config"
	"gallery-gateway/internal/handler"
	"gallery-gateway/internal/model"
	"gallery-gateway/internal/repository"
	"gallery-gateway/internal/service"
	"gallery-gateway/internal/upload"
	"gallery-gateway/pkg/database"
	"gallery-gateway/pkg/kafka"
	"gallery-gateway/pkg/log"
	"gallery-gateway/pkg/token"
	"gallery-gateway/pkg/upstream"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化数据库和 Redis
	db, err := database.OpenDB(cfg.Database)
	if err != nil {
		log.Fatal("数据库初始化失败", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(&model.AuditLog{}, &model.Album{}); err != nil {
			log.Fatal("数据库迁移失败", err)
		}
	}
	rdb, err := database.OpenRedis(rootCtx, cfg.Redis)
	if err != nil {
		log.Fatal("Redis 初始化失败", err)
	}

	// 4. 初始化 Repository
	albumRepo := repository.NewAlbumRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	var progressRepo repository.ChunkProgressRepository
	if rdb != nil {
		progressRepo = repository.NewRedisChunkProgressRepository(rdb)
	} else {
		log.Info("未配置 Redis，分片进度记录在进程内存中")
		progressRepo = repository.NewMemoryChunkProgressRepository()
	}

	// 5. 初始化审计事件队列
	var publisher service.EventPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Brokers != "" {
		producer = kafka.NewProducer(cfg.Kafka)
		publisher = producer
		// 启动后台 Kafka 消费者
		go kafka.StartConsumer(rootCtx, cfg.Kafka, service.NewAuditProcessor(auditRepo))
	} else {
		log.Info("未配置 Kafka，审计事件直接写库")
	}

	// 6. 初始化 Service (依赖注入)
	responseCache, err := cache.NewFromConfig(cfg.Cache)
	if err != nil {
		log.Fatal("缓存规则配置无效", err)
	}
	upstreamClient := upstream.NewClient(cfg.Upstream)

	sessions, err := upload.NewSessionStore(cfg.Upload.TempDir)
	if err != nil {
		log.Fatal("分片上传目录初始化失败", err)
	}
	if removed, err := sessions.PurgeStale(cfg.Upload.StaleAfter); err != nil {
		log.Warnf("清理过期上传会话失败: %v", err)
	} else if removed > 0 {
		log.Infof("已清理 %d 个过期上传会话文件", removed)
	}

	// 网关只校验 token，有效期由签发方决定
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, 24*time.Hour)
	permissionService := service.NewPermissionService(jwtManager, cfg.Auth)
	auditService := service.NewAuditService(publisher, auditRepo)
	publicAssetService := service.NewPublicAssetService(upstreamClient, responseCache, albumRepo)
	chunkService := service.NewChunkService(sessions, progressRepo, upstreamClient, responseCache, auditService, cfg.Upload.MaxChunkBytes)
	proxyService := service.NewProxyService(upstreamClient, responseCache, auditService, cfg.Upstream.CacheIDHeader)

	// 7. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.Dependencies{
		DB:             db,
		Cache:          responseCache,
		Permission:     permissionService,
		PublicAssets:   publicAssetService,
		Chunks:         chunkService,
		Proxy:          proxyService,
		Audit:          auditService,
		InternalHeader: cfg.Auth.InternalHeader,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s，上游 %s", srv.Addr, cfg.Upstream.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止 Kafka 消费者，再关闭生产者与 Redis
	cancelRoot()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("服务已优雅关闭")
}
