package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// chunkMarkTTL 是分片进度在 Redis 中的保留时间，与临时文件的过期清理保持同一量级。
const chunkMarkTTL = 24 * time.Hour

// ChunkProgressRepository 记录每个上传会话已经写入的分片序号，用于 chunk-status 查询断点续传。
type ChunkProgressRepository interface {
	MarkChunkUploaded(ctx context.Context, fileID string, chunkIndex int) error
	GetUploadedChunks(ctx context.Context, fileID string) ([]int, error)
	DeleteUploadMark(ctx context.Context, fileID string) error
}

// redisChunkProgressRepository 用 Redis bitmap 存储分片进度，多实例部署时共享。
type redisChunkProgressRepository struct {
	redisClient *redis.Client
}

// NewRedisChunkProgressRepository 创建基于 Redis 的实现。
func NewRedisChunkProgressRepository(redisClient *redis.Client) ChunkProgressRepository {
	return &redisChunkProgressRepository{redisClient: redisClient}
}

// getRedisUploadKey generates the redis key for upload status.
func (r *redisChunkProgressRepository) getRedisUploadKey(fileID string) string {
	return "upload:chunks:" + fileID
}

// MarkChunkUploaded marks a chunk as uploaded in Redis and refreshes the key expiry.
func (r *redisChunkProgressRepository) MarkChunkUploaded(ctx context.Context, fileID string, chunkIndex int) error {
	key := r.getRedisUploadKey(fileID)
	pipe := r.redisClient.TxPipeline()
	if chunkIndex == 0 {
		// 第 0 片会截断部分文件，旧的进度也要一起清掉
		pipe.Del(ctx, key)
	}
	pipe.SetBit(ctx, key, int64(chunkIndex), 1)
	pipe.Expire(ctx, key, chunkMarkTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetUploadedChunks retrieves the list of uploaded chunk indexes from Redis bitmap.
func (r *redisChunkProgressRepository) GetUploadedChunks(ctx context.Context, fileID string) ([]int, error) {
	bitmap, err := r.redisClient.Get(ctx, r.getRedisUploadKey(fileID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []int{}, nil // Key doesn't exist, no chunks uploaded
		}
		return nil, err
	}

	uploaded := make([]int, 0)
	for byteIndex, b := range bitmap {
		for bitIndex := 0; bitIndex < 8; bitIndex++ {
			if (b>>(7-bitIndex))&1 == 1 {
				uploaded = append(uploaded, byteIndex*8+bitIndex)
			}
		}
	}
	return uploaded, nil
}

// DeleteUploadMark deletes the upload status key from Redis.
func (r *redisChunkProgressRepository) DeleteUploadMark(ctx context.Context, fileID string) error {
	return r.redisClient.Del(ctx, r.getRedisUploadKey(fileID)).Err()
}

// memoryChunkProgressRepository 是未配置 Redis 时的进程内实现。
type memoryChunkProgressRepository struct {
	mu     sync.Mutex
	chunks map[string]map[int]struct{}
}

// NewMemoryChunkProgressRepository 创建进程内实现。
func NewMemoryChunkProgressRepository() ChunkProgressRepository {
	return &memoryChunkProgressRepository{chunks: make(map[string]map[int]struct{})}
}

func (r *memoryChunkProgressRepository) MarkChunkUploaded(_ context.Context, fileID string, chunkIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.chunks[fileID]
	if !ok || chunkIndex == 0 {
		set = make(map[int]struct{})
		r.chunks[fileID] = set
	}
	set[chunkIndex] = struct{}{}
	return nil
}

func (r *memoryChunkProgressRepository) GetUploadedChunks(_ context.Context, fileID string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.chunks[fileID]))
	for i := range r.chunks[fileID] {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func (r *memoryChunkProgressRepository) DeleteUploadMark(_ context.Context, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, fileID)
	return nil
}
