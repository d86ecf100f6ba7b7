package database

import (
	"context"
	"fmt"
	"gallery-gateway/internal/config"
	"gallery-gateway/pkg/log"

	"github.com/go-redis/redis/v8"
)

// OpenRedis 初始化 Redis 客户端连接。Addr 为空时返回 nil, nil。
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Redis client connected successfully")
	return rdb, nil
}
