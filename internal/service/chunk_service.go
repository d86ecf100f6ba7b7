package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gallery-gateway/internal/cache"
	"gallery-gateway/internal/model"
	"gallery-gateway/internal/repository"
	"gallery-gateway/internal/upload"
	"gallery-gateway/pkg/events"
	"gallery-gateway/pkg/log"
)

const (
	// ChecksumHeader 是随最终上传发给上游的整文件 SHA-256。
	ChecksumHeader = "x-upload-checksum"

	chunkReceived   = "chunk_received"
	defaultDeviceID = "gallery-gateway"
	// 上游上传响应只是一个小 JSON，超过这个大小的部分不读
	maxUploadResponse = 1 << 20
)

// UpstreamDoer 是转发请求需要的上游能力，由 *upstream.Client 实现。
type UpstreamDoer interface {
	NewRequest(ctx context.Context, method, path, rawQuery string, body io.Reader) (*http.Request, error)
	Do(req *http.Request) (*http.Response, error)
	Timeout() time.Duration
	UploadTimeout() time.Duration
}

// ChunkRequest 是一次分片请求携带的全部信息。
type ChunkRequest struct {
	FileID       string
	ChunkIndex   int
	TotalChunks  int
	ChunkSHA256  string
	OriginalName string
	Metadata     model.UploadMetadata
	Body         io.Reader
	Actor        string
}

// UpstreamResponse 是已经读完的上游响应，Header 只含允许回传给客户端的字段。
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ChunkResult 二选一：中间分片返回 Ack，最后一片返回上游的响应。
type ChunkResult struct {
	Ack   *model.ChunkAck
	Final *UpstreamResponse
}

// ChunkService 把多次分片请求拼成一个文件，最后一片到达时整体转发给上游。
type ChunkService interface {
	HandleChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error)
	Status(ctx context.Context, fileID string) (*model.ChunkStatus, error)
}

type chunkService struct {
	store         *upload.SessionStore
	progress      repository.ChunkProgressRepository
	upstream      UpstreamDoer
	cache         *cache.TTLCache
	audit         AuditService
	maxChunkBytes int64
}

// NewChunkService 创建一个新的 ChunkService 实例。
func NewChunkService(store *upload.SessionStore, progress repository.ChunkProgressRepository, upstream UpstreamDoer, c *cache.TTLCache, audit AuditService, maxChunkBytes int64) ChunkService {
	return &chunkService{
		store:         store,
		progress:      progress,
		upstream:      upstream,
		cache:         c,
		audit:         audit,
		maxChunkBytes: maxChunkBytes,
	}
}

// HandleChunk 处理一个分片。锁只覆盖读取、校验、追加，以及最后一片的哈希与重命名，
// 转发上游期间不持有锁。
func (s *chunkService) HandleChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	if err := validateChunkRequest(req); err != nil {
		return nil, err
	}
	log.Infof("[HandleChunk] 收到分片，fileId: %s, 分片序号: %d/%d", req.FileID, req.ChunkIndex, req.TotalChunks)

	lock, err := s.store.TryLock(req.FileID)
	if err != nil {
		if errors.Is(err, upload.ErrSessionLocked) {
			return nil, fmt.Errorf("%w: fileId %s", ErrChunkConflict, req.FileID)
		}
		return nil, err
	}
	// 任何返回路径都先释放锁
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Errorf("[HandleChunk] 释放会话锁失败，fileId: %s, error: %v", req.FileID, err)
		}
	}()

	data, err := s.readChunk(req.Body)
	if err != nil {
		return nil, err
	}
	if req.ChunkSHA256 != "" {
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), strings.TrimSpace(req.ChunkSHA256)) {
			log.Warnw("[HandleChunk] 分片校验失败，丢弃该分片", "fileId", req.FileID, "chunkIndex", req.ChunkIndex)
			return nil, fmt.Errorf("%w: chunk %d of %s", ErrChunkIntegrity, req.ChunkIndex, req.FileID)
		}
	}

	size, err := s.store.Append(req.FileID, req.ChunkIndex == 0, data)
	switch {
	case errors.Is(err, upload.ErrForwarding):
		// 上一次拼装的文件还在转发，重发的最后一片不能再开一个会话
		return nil, fmt.Errorf("%w: fileId %s is being forwarded", ErrChunkConflict, req.FileID)
	case errors.Is(err, upload.ErrNoPartial):
		return nil, fmt.Errorf("%w: no upload session for fileId %s, start from chunk 0", ErrValidation, req.FileID)
	case err != nil:
		s.abort(ctx, req.FileID)
		return nil, fmt.Errorf("append chunk: %w", err)
	}
	s.recordProgress(ctx, req.FileID, req.ChunkIndex)

	if req.ChunkIndex < req.TotalChunks-1 {
		return &ChunkResult{Ack: &model.ChunkAck{Status: chunkReceived, Index: req.ChunkIndex}}, nil
	}

	checksum, total, err := s.store.Checksum(req.FileID)
	if err != nil {
		s.abort(ctx, req.FileID)
		return nil, fmt.Errorf("hash assembled file: %w", err)
	}
	completed, err := s.store.Complete(req.FileID)
	if err != nil {
		s.abort(ctx, req.FileID)
		return nil, err
	}
	if err := lock.Unlock(); err != nil {
		log.Errorf("[HandleChunk] 释放会话锁失败，fileId: %s, error: %v", req.FileID, err)
	}
	log.Infof("[HandleChunk] 文件拼装完成，fileId: %s, 大小: %d(%d), sha256: %s", req.FileID, total, size, checksum)

	return s.forward(ctx, req, completed, checksum, total)
}

func validateChunkRequest(req ChunkRequest) error {
	if err := upload.ValidateFileID(req.FileID); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.TotalChunks < 1 {
		return fmt.Errorf("%w: x-chunk-total must be at least 1", ErrValidation)
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return fmt.Errorf("%w: x-chunk-index %d out of range [0,%d)", ErrValidation, req.ChunkIndex, req.TotalChunks)
	}
	if req.Body == nil {
		return fmt.Errorf("%w: empty chunk body", ErrValidation)
	}
	return nil
}

func (s *chunkService) readChunk(body io.Reader) ([]byte, error) {
	if s.maxChunkBytes <= 0 {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, s.maxChunkBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read chunk body: %w", err)
	}
	if int64(len(data)) > s.maxChunkBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrChunkTooLarge, s.maxChunkBytes)
	}
	return data, nil
}

// recordProgress 记录分片序号。顺序不做强制，只在发现乱序时告警。
func (s *chunkService) recordProgress(ctx context.Context, fileID string, index int) {
	if index > 0 {
		seen, err := s.progress.GetUploadedChunks(ctx, fileID)
		if err == nil && !containsInt(seen, index-1) {
			log.Warnw("[HandleChunk] 分片乱序到达", "fileId", fileID, "chunkIndex", index, "received", seen)
		}
	}
	if err := s.progress.MarkChunkUploaded(ctx, fileID, index); err != nil {
		log.Warnw("[HandleChunk] 记录分片进度失败", "fileId", fileID, "chunkIndex", index, "error", err)
	}
}

// abort 清除部分文件与进度，让同一 fileId 的重试从头开始。
func (s *chunkService) abort(ctx context.Context, fileID string) {
	if err := s.store.DiscardPartial(fileID); err != nil {
		log.Errorf("[HandleChunk] 删除部分文件失败，fileId: %s, error: %v", fileID, err)
	}
	if err := s.progress.DeleteUploadMark(ctx, fileID); err != nil {
		log.Warnw("[HandleChunk] 删除分片进度失败", "fileId", fileID, "error", err)
	}
}

// forward 以 multipart 流式上传完成文件，无论成败都清理会话的全部临时文件。
func (s *chunkService) forward(ctx context.Context, req ChunkRequest, completed, checksum string, size int64) (*ChunkResult, error) {
	defer func() {
		if err := s.store.Cleanup(req.FileID); err != nil {
			log.Errorf("[HandleChunk] 清理会话文件失败，fileId: %s, error: %v", req.FileID, err)
		}
		if err := s.progress.DeleteUploadMark(context.WithoutCancel(ctx), req.FileID); err != nil {
			log.Warnw("[HandleChunk] 删除分片进度失败", "fileId", req.FileID, "error", err)
		}
	}()

	if t := s.upstream.UploadTimeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	name := req.OriginalName
	if name == "" {
		name = req.FileID
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeAssetForm(mw, completed, name, size, req.Metadata))
	}()
	defer func() {
		_ = pr.Close()
		<-done
	}()

	upReq, err := s.upstream.NewRequest(ctx, http.MethodPost, "assets", "", pr)
	if err != nil {
		return nil, err
	}
	upReq.Header.Set("Content-Type", mw.FormDataContentType())
	upReq.Header.Set("Accept", "application/json")
	upReq.Header.Set(ChecksumHeader, checksum)

	resp, err := s.upstream.Do(upReq)
	if err != nil {
		return nil, fmt.Errorf("forward assembled file to upstream: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUploadResponse))
	if err != nil {
		return nil, fmt.Errorf("read upstream upload response: %w", err)
	}

	header := http.Header{}
	for _, h := range []string{"Content-Type", "Etag", "Cache-Control"} {
		if v := resp.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.afterUpload(ctx, req, body, checksum, size)
	} else {
		log.Warnw("[HandleChunk] 上游拒绝了上传", "fileId", req.FileID, "status", resp.StatusCode)
	}
	return &ChunkResult{Final: &UpstreamResponse{StatusCode: resp.StatusCode, Header: header, Body: body}}, nil
}

func (s *chunkService) afterUpload(ctx context.Context, req ChunkRequest, body []byte, checksum string, size int64) {
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		log.Debugw("[HandleChunk] 无法解析上游上传响应", "fileId", req.FileID, "error", err)
	}
	if created.ID != "" {
		s.cache.InvalidateAsset(created.ID)
	} else {
		s.cache.Invalidate(timelinePattern)
	}
	details := map[string]interface{}{
		"fileId":   req.FileID,
		"fileName": req.OriginalName,
		"size":     size,
		"checksum": checksum,
		"chunks":   req.TotalChunks,
	}
	if created.Status != "" {
		details["uploadStatus"] = created.Status
	}
	s.audit.Record(ctx, events.AuditEvent{
		Actor:        req.Actor,
		Action:       events.ActionCreate,
		ResourceType: "asset",
		ResourceID:   created.ID,
		Details:      details,
	})
}

// writeAssetForm 写出上游资产上传接口需要的表单，文件内容直接从磁盘复制。
func writeAssetForm(mw *multipart.Writer, path, name string, size int64, meta model.UploadMetadata) error {
	now := time.Now().UTC().Format(time.RFC3339)
	fields := [][2]string{
		{"deviceAssetId", orDefault(meta.DeviceAssetID, name+"-"+strconv.FormatInt(size, 10))},
		{"deviceId", orDefault(meta.DeviceID, defaultDeviceID)},
		{"fileCreatedAt", orDefault(meta.FileCreatedAt, now)},
		{"fileModifiedAt", orDefault(meta.FileModifiedAt, now)},
	}
	if meta.IsFavorite != "" {
		fields = append(fields, [2]string{"isFavorite", meta.IsFavorite})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="assetData"; filename="%s"`, escapeQuotes(name)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

// Status 返回 fileId 对应会话已接收的字节数与分片序号。
func (s *chunkService) Status(ctx context.Context, fileID string) (*model.ChunkStatus, error) {
	if err := upload.ValidateFileID(fileID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	exists, size, err := s.store.Status(fileID)
	if err != nil {
		return nil, err
	}
	status := &model.ChunkStatus{Exists: exists, ReceivedBytes: size, UploadedChunks: []int{}}
	if !exists {
		return status, nil
	}
	chunks, err := s.progress.GetUploadedChunks(ctx, fileID)
	if err != nil {
		log.Warnw("[ChunkStatus] 读取分片进度失败", "fileId", fileID, "error", err)
		return status, nil
	}
	status.UploadedChunks = chunks
	return status, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
