// Package cache 实现网关的上游响应缓存：按路径规则决定 TTL，写操作成功后按资源 ID 失效。
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"sync"
	"time"

	"gallery-gateway/internal/config"
)

// Rule 把匹配路径的请求映射到一个 TTL。
type Rule struct {
	Pattern *regexp.Regexp
	TTL     time.Duration
}

// Options 控制缓存行为。TargetEntries 必须小于 MaxEntries，
// 否则每次插入都会触发一次淘汰。
type Options struct {
	DefaultTTL    time.Duration
	MaxEntries    int
	TargetEntries int
	Rules         []Rule
	NonCacheable  []*regexp.Regexp
	// Now 用于测试注入时钟，默认 time.Now
	Now func() time.Time
}

// Stats holds cache performance metrics.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
}

type entry struct {
	payload  json.RawMessage
	storedAt time.Time
	ttl      time.Duration
	etag     string
}

// TTLCache 是进程内的响应缓存，可被多个请求并发读写。
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	stats   Stats
}

// New 使用给定选项创建缓存。
func New(opts Options) *TTLCache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.TargetEntries <= 0 || opts.TargetEntries >= opts.MaxEntries {
		opts.TargetEntries = opts.MaxEntries * 4 / 5
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Minute
	}
	return &TTLCache{
		entries: make(map[string]*entry),
		opts:    opts,
	}
}

// NewFromConfig 编译配置里的路径规则；规则或黑名单为空时使用内置默认值。
func NewFromConfig(cfg config.CacheConfig) (*TTLCache, error) {
	opts := Options{
		DefaultTTL:    cfg.DefaultTTL,
		MaxEntries:    cfg.MaxEntries,
		TargetEntries: cfg.TargetEntries,
		Rules:         DefaultRules(),
		NonCacheable:  DefaultNonCacheable(),
	}
	if len(cfg.Rules) > 0 {
		opts.Rules = opts.Rules[:0]
		for _, r := range cfg.Rules {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid cache rule %q: %w", r.Pattern, err)
			}
			opts.Rules = append(opts.Rules, Rule{Pattern: re, TTL: r.TTL})
		}
	}
	if len(cfg.NonCacheable) > 0 {
		opts.NonCacheable = opts.NonCacheable[:0]
		for _, p := range cfg.NonCacheable {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("invalid non-cacheable pattern %q: %w", p, err)
			}
			opts.NonCacheable = append(opts.NonCacheable, re)
		}
	}
	return New(opts), nil
}

// DefaultRules 按从具体到宽泛的顺序排列，第一个命中的规则生效。
func DefaultRules() []Rule {
	return []Rule{
		{regexp.MustCompile(`^people/[^/]+/thumbnail$`), 6 * time.Hour},
		{regexp.MustCompile(`^people/[^/]+$`), 5 * time.Minute},
		{regexp.MustCompile(`^albums/[^/]+$`), 5 * time.Minute},
		{regexp.MustCompile(`^albums$`), 30 * time.Second},
		{regexp.MustCompile(`^people$`), time.Minute},
		{regexp.MustCompile(`^timeline/`), 30 * time.Second},
		{regexp.MustCompile(`^server/`), 2 * time.Minute},
	}
}

// DefaultNonCacheable 列出永不缓存的路径：上传接口、单资产缩略图、智能搜索。
func DefaultNonCacheable() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`^assets$`),
		regexp.MustCompile(`^assets/[^/]+/thumbnail`),
		regexp.MustCompile(`^search/smart`),
	}
}

// Key 组合缓存 key。方法名是前缀，所以 GET 与同一资源上的写请求永远不会共用 key。
func Key(method, url string, body []byte) string {
	if len(body) == 0 {
		return method + " " + url
	}
	sum := sha256.Sum256(body)
	return method + " " + url + " #" + hex.EncodeToString(sum[:])
}

// Cacheable 判断请求是否可以读写缓存。
func (c *TTLCache) Cacheable(method, path string) bool {
	if method != http.MethodGet {
		return false
	}
	for _, re := range c.opts.NonCacheable {
		if re.MatchString(path) {
			return false
		}
	}
	return true
}

// TTLFor 返回路径对应的 TTL。
func (c *TTLCache) TTLFor(path string) time.Duration {
	for _, r := range c.opts.Rules {
		if r.Pattern.MatchString(path) {
			return r.TTL
		}
	}
	return c.opts.DefaultTTL
}

// Get 返回缓存的 JSON 副本。过期条目会被顺带删除。
func (c *TTLCache) Get(method, path, url string, body []byte) (json.RawMessage, bool) {
	if !c.Cacheable(method, path) {
		return nil, false
	}
	key := Key(method, url, body)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.opts.Now().Sub(e.storedAt) > e.ttl {
		delete(c.entries, key)
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return clone(e.payload), true
}

// Set 写入一个条目。条目数超过上限时执行一次淘汰。
func (c *TTLCache) Set(method, path, url string, payload json.RawMessage, body []byte, etag string) {
	if !c.Cacheable(method, path) {
		return
	}
	key := Key(method, url, body)
	e := &entry{
		payload:  clone(payload),
		storedAt: c.opts.Now(),
		ttl:      c.TTLFor(path),
		etag:     etag,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = e
	if len(c.entries) > c.opts.MaxEntries {
		c.evictLocked()
	}
}

// evictLocked 先清过期条目，仍然超过目标大小时按写入时间从旧到新删除。
func (c *TTLCache) evictLocked() {
	now := c.opts.Now()
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > e.ttl {
			delete(c.entries, k)
			c.stats.Evictions++
		}
	}
	if len(c.entries) <= c.opts.TargetEntries {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].storedAt.Before(c.entries[keys[j]].storedAt)
	})
	for _, k := range keys {
		if len(c.entries) <= c.opts.TargetEntries {
			break
		}
		delete(c.entries, k)
		c.stats.Evictions++
	}
}

// Invalidate 删除 key 匹配任一正则的条目，返回删除数量。
func (c *TTLCache) Invalidate(patterns ...*regexp.Regexp) int {
	if len(patterns) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		for _, re := range patterns {
			if re.MatchString(k) {
				delete(c.entries, k)
				removed++
				break
			}
		}
	}
	c.stats.Invalidations += int64(removed)
	return removed
}

// InvalidateAsset 失效资产详情及时间线。
func (c *TTLCache) InvalidateAsset(id string) int {
	return c.Invalidate(
		regexp.MustCompile(`/api/assets/` + regexp.QuoteMeta(id) + `(/|\?|\s|$)`),
		regexp.MustCompile(`/api/timeline/`),
	)
}

// InvalidateAlbum 失效相册详情及相册列表。
func (c *TTLCache) InvalidateAlbum(id string) int {
	return c.Invalidate(
		regexp.MustCompile(`/api/albums/`+regexp.QuoteMeta(id)+`(/|\?|\s|$)`),
		collectionPattern("albums"),
	)
}

// InvalidatePerson 失效人物详情及人物列表。
func (c *TTLCache) InvalidatePerson(id string) int {
	return c.Invalidate(
		regexp.MustCompile(`/api/people/`+regexp.QuoteMeta(id)+`(/|\?|\s|$)`),
		collectionPattern("people"),
	)
}

// InvalidateCollection 失效某个资源集合的列表条目，用于不带 ID 的写操作（例如新建相册）。
func (c *TTLCache) InvalidateCollection(name string) int {
	return c.Invalidate(collectionPattern(name))
}

func collectionPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`/api/` + regexp.QuoteMeta(name) + `(\?|\s|$)`)
}

// Flush 清空全部条目。
func (c *TTLCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Len 返回当前条目数。
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache statistics.
func (c *TTLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

func clone(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
