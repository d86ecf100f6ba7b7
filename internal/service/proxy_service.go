package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"gallery-gateway/internal/cache"
	"gallery-gateway/pkg/events"
	"gallery-gateway/pkg/log"
	"gallery-gateway/pkg/upstream"
)

// 缓存诊断头取值
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

var (
	mediaPathPattern = regexp.MustCompile(`^assets/([^/]+)/(thumbnail|original|preview|video/playback)$`)
	timelinePattern  = regexp.MustCompile(`/api/timeline/`)

	// 转发给上游的请求头。Content-Type 只在有请求体时转发。
	forwardRequestHeaders = []string{"Accept", "Range", "If-None-Match", "If-Modified-Since", "If-Range"}

	// 这些 POST 只是读操作，不产生审计与缓存失效
	readOnlyPostPrefixes = []string{"download/", "search/"}
)

// MediaAssetID 判断路径是否为单个资产的媒体接口并返回资产 ID。
func MediaAssetID(path string) (string, bool) {
	m := mediaPathPattern.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// IsBulkDownload 判断是否为批量下载接口，它是写方法里唯一允许公开访问兜底的接口。
func IsBulkDownload(method, path string) bool {
	return method == http.MethodPost && (path == "download/archive" || path == "download/info")
}

// BulkDownloadAssetIDs 解析批量下载请求体中的 assetIds。
func BulkDownloadAssetIDs(body []byte) []string {
	var req struct {
		AssetIDs []string `json:"assetIds"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		log.Debugw("[BulkDownloadAssetIDs] 无法解析请求体", "error", err)
		return nil
	}
	return req.AssetIDs
}

// ForwardRequest 描述一个要原样转发给上游的调用。
type ForwardRequest struct {
	Method string
	// Path 是已转义的上游路径（不含 /api/ 前缀），原样拼进 URL
	Path     string
	RawQuery string
	Header   http.Header
	// JSON 写请求的请求体会被完整读出放在 BodyBytes 里，供缓存 key 与审计使用；其余情况流式转发 Body。
	Body          io.Reader
	BodyBytes     []byte
	ContentLength int64
	Actor         string
}

// ForwardResponse 是上游响应。二进制响应通过 Stream 透传，调用方负责关闭；其余响应已读入 Body。
type ForwardResponse struct {
	StatusCode  int
	Header      http.Header
	Kind        upstream.ContentKind
	Body        []byte
	Stream      io.ReadCloser
	CacheStatus string
}

// ProxyService 负责通用转发：读写缓存、调用上游、写操作成功后失效缓存并记录审计。
type ProxyService interface {
	Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error)
}

type proxyService struct {
	upstream      UpstreamClient
	cache         *cache.TTLCache
	audit         AuditService
	cacheIDHeader string
}

// UpstreamClient 同时具备构造 URL 与发送请求的能力，由 *upstream.Client 实现。
type UpstreamClient interface {
	UpstreamDoer
	URL(path, rawQuery string) string
}

// NewProxyService 创建一个新的 ProxyService 实例。
func NewProxyService(client UpstreamClient, c *cache.TTLCache, audit AuditService, cacheIDHeader string) ProxyService {
	return &proxyService{
		upstream:      client,
		cache:         c,
		audit:         audit,
		cacheIDHeader: cacheIDHeader,
	}
}

// Forward 转发请求。上游网络错误包装为 ErrUpstreamUnreachable，不做重试。
func (s *proxyService) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	cacheable := s.cache.Cacheable(req.Method, req.Path)
	url := s.upstream.URL(req.Path, req.RawQuery)
	cacheStatus := ""
	if req.Method == http.MethodGet {
		cacheStatus = CacheMiss
	}
	if cacheable {
		if payload, ok := s.cache.Get(req.Method, req.Path, url, nil); ok {
			header := http.Header{}
			header.Set("Content-Type", "application/json; charset=utf-8")
			return &ForwardResponse{
				StatusCode:  http.StatusOK,
				Header:      header,
				Kind:        upstream.KindJSON,
				Body:        payload,
				CacheStatus: CacheHit,
			}, nil
		}
	}

	upReq, err := s.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := s.upstream.Do(upReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}

	kind := upstream.Classify(resp.Header.Get("Content-Type"))
	out := &ForwardResponse{
		StatusCode:  resp.StatusCode,
		Kind:        kind,
		CacheStatus: cacheStatus,
	}

	if kind == upstream.KindBinary || resp.StatusCode == http.StatusNotModified || req.Method == http.MethodHead {
		out.Header = s.binaryHeaders(resp.Header)
		out.Stream = resp.Body
		return out, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstreamUnreachable, err)
	}
	out.Header = s.textHeaders(resp.Header)
	out.Body = body

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	switch {
	case !ok && kind != upstream.KindJSON:
		// 非 JSON 的错误页统一改写为 JSON 信封
		out.Body = errorEnvelope(resp.StatusCode, body)
		out.Header.Set("Content-Type", "application/json; charset=utf-8")
		out.Kind = upstream.KindJSON
	case ok && cacheable && kind == upstream.KindJSON:
		if json.Valid(body) {
			s.cache.Set(req.Method, req.Path, url, body, nil, resp.Header.Get("Etag"))
		}
	case ok && isMutation(req.Method):
		s.afterMutation(ctx, req, resp.StatusCode, body)
	}
	return out, nil
}

func (s *proxyService) buildRequest(ctx context.Context, req ForwardRequest) (*http.Request, error) {
	var body io.Reader
	hasBody := req.Method != http.MethodGet && req.Method != http.MethodHead
	if hasBody {
		if req.BodyBytes != nil {
			body = bytes.NewReader(req.BodyBytes)
		} else {
			body = req.Body
		}
	}
	upReq, err := s.upstream.NewRequest(ctx, req.Method, req.Path, req.RawQuery, body)
	if err != nil {
		return nil, err
	}
	if hasBody {
		switch {
		case req.BodyBytes != nil:
			upReq.ContentLength = int64(len(req.BodyBytes))
		case req.ContentLength > 0:
			upReq.ContentLength = req.ContentLength
		}
		if ct := req.Header.Get("Content-Type"); ct != "" {
			upReq.Header.Set("Content-Type", ct)
		}
	}
	for _, h := range forwardRequestHeaders {
		if v := req.Header.Get(h); v != "" {
			upReq.Header.Set(h, v)
		}
	}
	return upReq, nil
}

// binaryHeaders 只回传白名单内的头。Content-Length 不回传，网关可能改变分帧方式。
func (s *proxyService) binaryHeaders(src http.Header) http.Header {
	return copyHeaders(src, "Content-Type", "Etag", "Cache-Control", "Expires", s.cacheIDHeader,
		"Content-Range", "Accept-Ranges", "Last-Modified", "Content-Disposition")
}

func (s *proxyService) textHeaders(src http.Header) http.Header {
	return copyHeaders(src, "Content-Type", "Etag", "Cache-Control", "Expires", s.cacheIDHeader)
}

func copyHeaders(src http.Header, names ...string) http.Header {
	dst := http.Header{}
	for _, n := range names {
		if n == "" {
			continue
		}
		if v := src.Get(n); v != "" {
			dst.Set(n, v)
		}
	}
	return dst
}

func errorEnvelope(status int, body []byte) []byte {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 || strings.HasPrefix(msg, "<") || msg == "" {
		msg = http.StatusText(status)
	}
	b, _ := json.Marshal(map[string]interface{}{
		"error":      "upstream_error",
		"message":    msg,
		"statusCode": status,
	})
	return b
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// afterMutation 按路径与请求体里的 ID 失效缓存，并记录审计。解析失败只记 debug 日志。
func (s *proxyService) afterMutation(ctx context.Context, req ForwardRequest, status int, respBody []byte) {
	for _, p := range readOnlyPostPrefixes {
		if req.Method == http.MethodPost && strings.HasPrefix(req.Path, p) {
			return
		}
	}

	segs := strings.Split(strings.Trim(req.Path, "/"), "/")
	collection := segs[0]
	resourceID := ""
	if len(segs) > 1 {
		resourceID = segs[1]
	}
	bodyIDs := idsFromBody(req.BodyBytes)

	switch collection {
	case "assets":
		if resourceID != "" {
			s.cache.InvalidateAsset(resourceID)
		}
		for _, id := range bodyIDs {
			s.cache.InvalidateAsset(id)
		}
		if resourceID == "" && len(bodyIDs) == 0 {
			s.cache.Invalidate(timelinePattern)
		}
	case "albums":
		if resourceID != "" {
			s.cache.InvalidateAlbum(resourceID)
		} else {
			s.cache.InvalidateCollection("albums")
		}
		// 相册成员变化会改变资产详情里的所属相册
		for _, id := range bodyIDs {
			s.cache.InvalidateAsset(id)
		}
	case "people":
		if resourceID != "" {
			s.cache.InvalidatePerson(resourceID)
		} else {
			s.cache.InvalidateCollection("people")
		}
	default:
		s.cache.InvalidateCollection(collection)
	}

	action := actionFor(req.Method)
	if resourceID == "" && action == events.ActionCreate {
		resourceID = idFromResponse(respBody)
	}
	details := map[string]interface{}{
		"path":   req.Path,
		"status": status,
	}
	if len(bodyIDs) > 0 {
		details["ids"] = bodyIDs
		details["count"] = len(bodyIDs)
	}
	s.audit.Record(ctx, events.AuditEvent{
		Actor:        req.Actor,
		Action:       action,
		ResourceType: resourceType(collection),
		ResourceID:   resourceID,
		Details:      details,
	})
}

func actionFor(method string) string {
	switch method {
	case http.MethodPost:
		return events.ActionCreate
	case http.MethodDelete:
		return events.ActionDelete
	default:
		return events.ActionUpdate
	}
}

func resourceType(collection string) string {
	switch collection {
	case "assets":
		return "asset"
	case "albums":
		return "album"
	case "people":
		return "person"
	default:
		return collection
	}
}

// idsFromBody 读取批量操作请求体里的 ids（批量删除、相册增删资产）。
func idsFromBody(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Debugw("[afterMutation] 请求体不是可解析的 JSON 对象", "error", err)
		return nil
	}
	return payload.IDs
}

func idFromResponse(body []byte) string {
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		log.Debugw("[afterMutation] 无法从响应中解析资源 ID", "error", err)
		return ""
	}
	return created.ID
}
