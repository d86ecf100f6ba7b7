package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"gallery-gateway/internal/cache"
	"gallery-gateway/internal/repository"
	"gallery-gateway/pkg/log"

	"golang.org/x/sync/singleflight"
)

// refererAlbumPattern 匹配画廊相册页面的路径，例如 /albums/<id> 或 /album/<id>。
var refererAlbumPattern = regexp.MustCompile(`/albums?/([A-Za-z0-9-]+)`)

// UpstreamReader 是解析公开性时需要的上游只读能力，由 *upstream.Client 实现。
type UpstreamReader interface {
	URL(path, rawQuery string) string
	GetJSON(ctx context.Context, path string) ([]byte, error)
}

// PublicAssetService 判断资产能否被匿名访问：当且仅当它属于至少一个 visibility = unlisted 的相册。
// 任何上游或数据库错误都按“不公开”处理。
type PublicAssetService interface {
	IsPublic(ctx context.Context, assetID, referer string) bool
	AreAllPublic(ctx context.Context, assetIDs []string, referer string) bool
}

type publicAssetService struct {
	upstream  UpstreamReader
	cache     *cache.TTLCache
	albumRepo repository.AlbumRepository
	group     singleflight.Group
}

// NewPublicAssetService 创建一个新的 PublicAssetService 实例。
func NewPublicAssetService(upstream UpstreamReader, c *cache.TTLCache, albumRepo repository.AlbumRepository) PublicAssetService {
	return &publicAssetService{upstream: upstream, cache: c, albumRepo: albumRepo}
}

// IsPublic 判断单个资产是否公开。
func (s *publicAssetService) IsPublic(ctx context.Context, assetID, referer string) bool {
	ok, err := s.resolve(ctx, assetID, referer)
	if err != nil {
		log.Warnw("[PublicAssetService.IsPublic] 公开性解析失败，按非公开处理", "assetId", assetID, "error", err)
		return false
	}
	return ok
}

// AreAllPublic 要求每一个资产都公开，遇到第一个非公开的立即返回 false。空列表不算公开。
func (s *publicAssetService) AreAllPublic(ctx context.Context, assetIDs []string, referer string) bool {
	if len(assetIDs) == 0 {
		return false
	}
	for _, id := range assetIDs {
		if !s.IsPublic(ctx, id, referer) {
			return false
		}
	}
	return true
}

func (s *publicAssetService) resolve(ctx context.Context, assetID, referer string) (bool, error) {
	if assetID == "" {
		return false, nil
	}
	detail, err := s.fetchJSON(ctx, "assets/"+url.PathEscape(assetID))
	if err != nil {
		return false, fmt.Errorf("fetch asset detail: %w", err)
	}
	albumIDs, err := albumIDsFromAsset(detail)
	if err != nil {
		return false, err
	}

	// 上游有时不在资产详情里返回所属相册，此时用 Referer 指向的相册反查成员关系
	if len(albumIDs) == 0 {
		if albumID := albumIDFromReferer(referer); albumID != "" {
			albumJSON, err := s.fetchJSON(ctx, "albums/"+albumID)
			if err != nil {
				return false, fmt.Errorf("fetch referer album: %w", err)
			}
			member, err := albumContainsAsset(albumJSON, assetID)
			if err != nil {
				return false, err
			}
			if member {
				albumIDs = []string{albumID}
			}
		}
	}
	if len(albumIDs) == 0 {
		return false, nil
	}

	unlisted, err := s.albumRepo.FindUnlistedAlbumIDs(ctx, albumIDs)
	if err != nil {
		return false, fmt.Errorf("query album visibility: %w", err)
	}
	return len(unlisted) > 0, nil
}

// fetchJSON 先查缓存，未命中时合并同一 URL 的并发请求后再访问上游。
func (s *publicAssetService) fetchJSON(ctx context.Context, path string) ([]byte, error) {
	u := s.upstream.URL(path, "")
	if payload, ok := s.cache.Get(http.MethodGet, path, u, nil); ok {
		return payload, nil
	}
	v, err, _ := s.group.Do(u, func() (interface{}, error) {
		body, err := s.upstream.GetJSON(ctx, path)
		if err != nil {
			return nil, err
		}
		if !json.Valid(body) {
			return nil, fmt.Errorf("upstream returned invalid JSON for %s", path)
		}
		s.cache.Set(http.MethodGet, path, u, body, nil, "")
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

type assetAlbums struct {
	Albums []struct {
		ID string `json:"id"`
	} `json:"albums"`
	AlbumIDs []string `json:"albumIds"`
}

func albumIDsFromAsset(detail []byte) ([]string, error) {
	var a assetAlbums
	if err := json.Unmarshal(detail, &a); err != nil {
		return nil, fmt.Errorf("decode asset detail: %w", err)
	}
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, al := range a.Albums {
		add(al.ID)
	}
	for _, id := range a.AlbumIDs {
		add(id)
	}
	return ids, nil
}

func albumContainsAsset(albumJSON []byte, assetID string) (bool, error) {
	var album struct {
		Assets []struct {
			ID string `json:"id"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(albumJSON, &album); err != nil {
		return false, fmt.Errorf("decode album detail: %w", err)
	}
	for _, a := range album.Assets {
		if a.ID == assetID {
			return true, nil
		}
	}
	return false, nil
}

func albumIDFromReferer(referer string) string {
	if referer == "" {
		return ""
	}
	path := referer
	if u, err := url.Parse(referer); err == nil && u.Path != "" {
		path = u.Path
	}
	m := refererAlbumPattern.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return m[1]
}
