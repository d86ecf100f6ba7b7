// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gallery-gateway/internal/middleware"
	"gallery-gateway/internal/model"
	"gallery-gateway/internal/service"
	"gallery-gateway/pkg/log"

	"github.com/gin-gonic/gin"
)

// 分片上传协议的请求头
const (
	HeaderFileID       = "x-file-id"
	HeaderChunkIndex   = "x-chunk-index"
	HeaderChunkTotal   = "x-chunk-total"
	HeaderChunkSHA256  = "x-chunk-sha256"
	HeaderOriginalName = "x-original-name"

	HeaderDeviceID       = "x-asset-device-id"
	HeaderDeviceAssetID  = "x-asset-device-asset-id"
	HeaderFileCreatedAt  = "x-asset-created-at"
	HeaderFileModifiedAt = "x-asset-modified-at"
	HeaderIsFavorite     = "x-asset-is-favorite"

	// HeaderCache 标记 GET 响应是否来自缓存
	HeaderCache = "x-cache"

	chunkStatusQuery = "chunk-status"
	// JSON 写请求体需要完整读入以便解析 ID，超过此大小直接拒绝
	maxJSONBody = 8 << 20
)

// ProxyHandler 是所有 /api/proxy/* 请求的入口：鉴权、分片上传、分片状态查询、通用转发。
type ProxyHandler struct {
	perm           service.PermissionService
	public         service.PublicAssetService
	chunks         service.ChunkService
	proxy          service.ProxyService
	internalHeader string
}

// NewProxyHandler 创建一个新的 ProxyHandler 实例。
func NewProxyHandler(perm service.PermissionService, public service.PublicAssetService, chunks service.ChunkService, proxy service.ProxyService, internalHeader string) *ProxyHandler {
	return &ProxyHandler{
		perm:           perm,
		public:         public,
		chunks:         chunks,
		proxy:          proxy,
		internalHeader: internalHeader,
	}
}

// Handle 处理一个代理请求。
func (h *ProxyHandler) Handle(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	method := c.Request.Method
	chunked := isChunkUpload(c)

	var bodyBytes []byte
	if isMutation(method) && !chunked && isJSON(c.GetHeader("Content-Type")) {
		b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxJSONBody+1))
		if err != nil {
			middleware.AbortWithError(c, fmt.Errorf("%w: read request body: %v", service.ErrValidation, err))
			return
		}
		if len(b) > maxJSONBody {
			middleware.AbortWithError(c, fmt.Errorf("%w: request body exceeds %d bytes", service.ErrValidation, maxJSONBody))
			return
		}
		bodyBytes = b
	}

	if !h.authorize(c, method, path, bodyBytes) {
		return
	}

	switch {
	case chunked:
		h.handleChunk(c)
	case method == http.MethodGet && c.Query(chunkStatusQuery) != "":
		h.chunkStatus(c)
	default:
		h.forward(c, escapedProxyPath(c, path), bodyBytes)
	}
}

// escapedProxyPath 返回路由通配部分的原始转义形式，让 %2F、%3F 之类的字符原样到达上游。
// 鉴权与路径匹配仍使用解码后的 path。
func escapedProxyPath(c *gin.Context, decoded string) string {
	prefix := strings.TrimSuffix(c.FullPath(), "*path")
	escaped := c.Request.URL.EscapedPath()
	if prefix == "" || !strings.HasPrefix(escaped, prefix) {
		return (&url.URL{Path: decoded}).EscapedPath()
	}
	return strings.TrimPrefix(escaped, prefix)
}

// authorize 读请求要求 read 范围，失败时对媒体路径尝试公开资产校验；
// 写请求要求 write 范围，只有批量下载可以在全部资产公开时放行，否则原样返回鉴权错误。
func (h *ProxyHandler) authorize(c *gin.Context, method, path string, body []byte) bool {
	ctx := c.Request.Context()
	referer := c.GetHeader("Referer")

	if method == http.MethodGet || method == http.MethodHead {
		if h.perm.IsInternal(c.GetHeader(h.internalHeader)) {
			return true
		}
		err := middleware.Authorize(c, h.perm, model.ScopeRead)
		if err == nil {
			return true
		}
		reason := "scope read required"
		if assetID, ok := service.MediaAssetID(path); ok {
			if h.public.IsPublic(ctx, assetID, referer) {
				return true
			}
			reason = "asset is not shared through an unlisted album"
		}
		denied := fmt.Errorf("%w: %v", service.ErrInsufficientScope, err)
		c.AbortWithStatusJSON(http.StatusForbidden, middleware.ErrorBody(denied, reason))
		return false
	}

	err := middleware.Authorize(c, h.perm, model.ScopeWrite)
	if err == nil {
		return true
	}
	if service.IsBulkDownload(method, path) && h.public.AreAllPublic(ctx, service.BulkDownloadAssetIDs(body), referer) {
		return true
	}
	middleware.AbortWithError(c, err)
	return false
}

func (h *ProxyHandler) handleChunk(c *gin.Context) {
	index, err := strconv.Atoi(c.GetHeader(HeaderChunkIndex))
	if err != nil {
		middleware.AbortWithError(c, fmt.Errorf("%w: invalid %s", service.ErrValidation, HeaderChunkIndex))
		return
	}
	total, err := strconv.Atoi(c.GetHeader(HeaderChunkTotal))
	if err != nil {
		middleware.AbortWithError(c, fmt.Errorf("%w: invalid %s", service.ErrValidation, HeaderChunkTotal))
		return
	}
	name := c.GetHeader(HeaderOriginalName)
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}

	res, err := h.chunks.HandleChunk(c.Request.Context(), service.ChunkRequest{
		FileID:       c.GetHeader(HeaderFileID),
		ChunkIndex:   index,
		TotalChunks:  total,
		ChunkSHA256:  c.GetHeader(HeaderChunkSHA256),
		OriginalName: name,
		Metadata: model.UploadMetadata{
			DeviceID:       c.GetHeader(HeaderDeviceID),
			DeviceAssetID:  c.GetHeader(HeaderDeviceAssetID),
			FileCreatedAt:  c.GetHeader(HeaderFileCreatedAt),
			FileModifiedAt: c.GetHeader(HeaderFileModifiedAt),
			IsFavorite:     c.GetHeader(HeaderIsFavorite),
		},
		Body:  c.Request.Body,
		Actor: middleware.PrincipalFrom(c).Name(),
	})
	if err != nil {
		if service.HTTPStatus(err) >= http.StatusInternalServerError {
			log.Errorw("[ProxyHandler.handleChunk] 分片处理失败", "fileId", c.GetHeader(HeaderFileID), "chunkIndex", index, "error", err)
		}
		middleware.AbortWithError(c, err)
		return
	}
	if res.Ack != nil {
		c.JSON(http.StatusOK, res.Ack)
		return
	}
	for k, v := range res.Final.Header {
		c.Writer.Header()[k] = v
	}
	c.Data(res.Final.StatusCode, res.Final.Header.Get("Content-Type"), res.Final.Body)
}

func (h *ProxyHandler) chunkStatus(c *gin.Context) {
	fileID := c.GetHeader(HeaderFileID)
	if fileID == "" {
		middleware.AbortWithError(c, fmt.Errorf("%w: %s header is required", service.ErrValidation, HeaderFileID))
		return
	}
	status, err := h.chunks.Status(c.Request.Context(), fileID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *ProxyHandler) forward(c *gin.Context, path string, bodyBytes []byte) {
	resp, err := h.proxy.Forward(c.Request.Context(), service.ForwardRequest{
		Method:        c.Request.Method,
		Path:          path,
		RawQuery:      c.Request.URL.RawQuery,
		Header:        c.Request.Header,
		Body:          c.Request.Body,
		BodyBytes:     bodyBytes,
		ContentLength: c.Request.ContentLength,
		Actor:         middleware.PrincipalFrom(c).Name(),
	})
	if err != nil {
		log.Errorw("[ProxyHandler.forward] 上游调用失败", "method", c.Request.Method, "path", path, "error", err)
		middleware.AbortWithError(c, err)
		return
	}

	if resp.CacheStatus != "" {
		c.Header(HeaderCache, resp.CacheStatus)
	}
	for k, v := range resp.Header {
		c.Writer.Header()[k] = v
	}

	if resp.Stream == nil {
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
		return
	}

	defer resp.Stream.Close()
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	if c.Request.Method == http.MethodHead || resp.StatusCode == http.StatusNotModified {
		return
	}
	if _, err := io.Copy(c.Writer, resp.Stream); err != nil && !errors.Is(err, c.Request.Context().Err()) {
		log.Debugw("[ProxyHandler.forward] 媒体流中断", "path", path, "error", err)
	}
}

func isChunkUpload(c *gin.Context) bool {
	return c.Request.Method == http.MethodPost &&
		c.GetHeader(HeaderChunkIndex) != "" &&
		c.GetHeader(HeaderFileID) != ""
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
