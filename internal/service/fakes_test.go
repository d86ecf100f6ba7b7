package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gallery-gateway/internal/cache"
	"gallery-gateway/internal/config"
	"gallery-gateway/internal/model"
	"gallery-gateway/pkg/events"
	"gallery-gateway/pkg/upstream"
)

type fakeAlbumRepo struct {
	mu       sync.Mutex
	unlisted map[string]bool
	err      error
	calls    int
}

func (f *fakeAlbumRepo) FindUnlistedAlbumIDs(_ context.Context, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := []string{}
	for _, id := range ids {
		if f.unlisted[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	records []model.AuditLog
	err     error
}

func (f *fakeAuditRepo) Create(_ context.Context, rec *model.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeAuditRepo) FindByResource(_ context.Context, resourceType, resourceID string) ([]model.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AuditLog
	for _, r := range f.records {
		if r.ResourceType == resourceType && r.ResourceID == resourceID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.AuditEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, e events.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

// recordingAudit 直接记录事件，不经过脱敏与落库。
type recordingAudit struct {
	mu     sync.Mutex
	events []events.AuditEvent
}

func (r *recordingAudit) Record(_ context.Context, e events.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) all() []events.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.AuditEvent(nil), r.events...)
}

var errBoom = errors.New("boom")

func newTestCache() *cache.TTLCache {
	return cache.New(cache.Options{
		DefaultTTL:    time.Minute,
		MaxEntries:    100,
		TargetEntries: 80,
		Rules:         cache.DefaultRules(),
		NonCacheable:  cache.DefaultNonCacheable(),
	})
}

func newTestClient(t *testing.T, baseURL string) *upstream.Client {
	t.Helper()
	return upstream.NewClient(config.UpstreamConfig{
		BaseURL:       baseURL,
		APIKey:        "server-key",
		APIKeyHeader:  "x-api-key",
		Timeout:       2 * time.Second,
		UploadTimeout: 5 * time.Second,
		CacheIDHeader: "x-upstream-cid",
	})
}
