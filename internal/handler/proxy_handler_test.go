package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gallery-gateway/internal/cache"
	"gallery-gateway/internal/config"
	"gallery-gateway/internal/model"
	"gallery-gateway/internal/repository"
	"gallery-gateway/internal/service"
	"gallery-gateway/internal/upload"
	"gallery-gateway/pkg/token"
	"gallery-gateway/pkg/upstream"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const internalKey = "internal-secret"

type gatewayFixture struct {
	router *gin.Engine
	cache  *cache.TTLCache
	db     *gorm.DB
	jwt    *token.JWTManager

	mu       sync.Mutex
	calls    map[string]int
	uploaded []byte
	// 上游收到的原始路径与查询串
	rawPaths []string
}

func (fx *gatewayFixture) count(key string) int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.calls[key]
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	fx := &gatewayFixture{calls: make(map[string]int)}

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.mu.Lock()
		fx.calls[r.Method+" "+r.URL.Path]++
		fx.rawPaths = append(fx.rawPaths, r.URL.EscapedPath()+"?"+r.URL.RawQuery)
		fx.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/albums":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"alb-unlisted"}]`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/assets/pub1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"pub1","albums":[{"id":"alb-unlisted"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/assets/priv1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"priv1","albums":[{"id":"alb-private"}]}`))
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/thumbnail"):
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Content-Length", "4")
			_, _ = w.Write([]byte("JPEG"))
		case r.Method == http.MethodPost && r.URL.Path == "/api/download/archive":
			w.Header().Set("Content-Type", "application/zip")
			_, _ = w.Write([]byte("PK.."))
		case r.Method == http.MethodPost && r.URL.Path == "/api/assets":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f, _, err := r.FormFile("assetData")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(f)
			fx.mu.Lock()
			fx.uploaded = data
			fx.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"new1","status":"created"}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not found"}`))
		}
	}))
	t.Cleanup(up.Close)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "gateway.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Album{}, &model.AuditLog{}))
	require.NoError(t, db.Create(&[]model.Album{
		{ID: "alb-unlisted", Title: "Shared", Visibility: model.VisibilityUnlisted},
		{ID: "alb-private", Title: "Mine", Visibility: model.VisibilityPrivate},
	}).Error)

	fx.db = db
	fx.router, fx.cache, fx.jwt = buildRouter(t, db, up.URL)
	return fx
}

func buildRouter(t *testing.T, db *gorm.DB, upstreamURL string) (*gin.Engine, *cache.TTLCache, *token.JWTManager) {
	t.Helper()
	client := upstream.NewClient(config.UpstreamConfig{
		BaseURL:       upstreamURL,
		APIKey:        "server-key",
		APIKeyHeader:  "x-api-key",
		Timeout:       2 * time.Second,
		UploadTimeout: 5 * time.Second,
		CacheIDHeader: "x-upstream-cid",
	})
	c := cache.New(cache.Options{
		DefaultTTL:    time.Minute,
		MaxEntries:    100,
		TargetEntries: 80,
		Rules:         cache.DefaultRules(),
		NonCacheable:  cache.DefaultNonCacheable(),
	})
	store, err := upload.NewSessionStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	jwtManager := token.NewJWTManager("test-secret", time.Hour)
	perm := service.NewPermissionService(jwtManager, config.AuthConfig{InternalKey: internalKey})
	audit := service.NewAuditService(nil, repository.NewAuditRepository(db))

	r := NewRouter(Dependencies{
		DB:             db,
		Cache:          c,
		Permission:     perm,
		PublicAssets:   service.NewPublicAssetService(client, c, repository.NewAlbumRepository(db)),
		Chunks:         service.NewChunkService(store, repository.NewMemoryChunkProgressRepository(), client, c, audit, 1<<20),
		Proxy:          service.NewProxyService(client, c, audit, "x-upstream-cid"),
		Audit:          audit,
		InternalHeader: "x-internal-key",
	})
	return r, c, jwtManager
}

func (fx *gatewayFixture) bearer(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := fx.jwt.GenerateToken(1, "alice", scopes)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (fx *gatewayFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestProxy_AuthenticatedGetIsCached(t *testing.T) {
	fx := newGatewayFixture(t)

	for i, want := range []string{service.CacheMiss, service.CacheHit} {
		req := httptest.NewRequest(http.MethodGet, "/api/proxy/albums", nil)
		req.Header.Set("Authorization", fx.bearer(t, model.ScopeRead))
		w := fx.do(req)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, want, w.Header().Get(HeaderCache))
		assert.JSONEq(t, `[{"id":"alb-unlisted"}]`, w.Body.String())
	}
	assert.Equal(t, 1, fx.count("GET /api/albums"))
}

func TestProxy_ForwardsEscapedPath(t *testing.T) {
	fx := newGatewayFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/albums/a%3Fb%2Fc%23d?withAssets=true", nil)
	req.Header.Set("Authorization", fx.bearer(t, model.ScopeRead))
	w := fx.do(req)
	require.Equal(t, http.StatusNotFound, w.Code)

	fx.mu.Lock()
	defer fx.mu.Unlock()
	require.Equal(t, []string{"/api/albums/a%3Fb%2Fc%23d?withAssets=true"}, fx.rawPaths)
}

func TestProxy_SessionCookieAuthenticates(t *testing.T) {
	fx := newGatewayFixture(t)
	tok, err := fx.jwt.GenerateToken(1, "alice", []string{model.ScopeRead})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/albums", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: tok})
	w := fx.do(req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestProxy_InternalKeyBypassesAuth(t *testing.T) {
	fx := newGatewayFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/proxy/albums", nil)
	req.Header.Set("x-internal-key", internalKey)
	w := fx.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/proxy/albums", nil)
	req.Header.Set("x-internal-key", "wrong")
	w = fx.do(req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxy_AnonymousNonMediaGetIsForbidden(t *testing.T) {
	fx := newGatewayFixture(t)
	w := fx.do(httptest.NewRequest(http.MethodGet, "/api/proxy/albums", nil))

	require.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, "forbidden", body["error"])
	assert.NotEmpty(t, body["reason"])
	assert.Zero(t, fx.count("GET /api/albums"))
}

func TestProxy_AnonymousMediaInUnlistedAlbumIsServed(t *testing.T) {
	fx := newGatewayFixture(t)
	w := fx.do(httptest.NewRequest(http.MethodGet, "/api/proxy/assets/pub1/thumbnail", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "JPEG", w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Header().Get("Content-Length"))
	assert.Empty(t, w.Header().Get(HeaderCache), "media responses are never cached")
}

func TestProxy_AnonymousMediaInPrivateAlbumIsForbidden(t *testing.T) {
	fx := newGatewayFixture(t)
	w := fx.do(httptest.NewRequest(http.MethodGet, "/api/proxy/assets/priv1/thumbnail", nil))

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "asset is not shared through an unlisted album", decode(t, w)["reason"])
	assert.Zero(t, fx.count("GET /api/assets/priv1/thumbnail"))
}

func TestProxy_MutationRequiresWriteScope(t *testing.T) {
	fx := newGatewayFixture(t)

	w := fx.do(httptest.NewRequest(http.MethodDelete, "/api/proxy/albums/alb-private", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", decode(t, w)["error"])

	req := httptest.NewRequest(http.MethodDelete, "/api/proxy/albums/alb-private", nil)
	req.Header.Set("Authorization", fx.bearer(t, model.ScopeRead))
	w = fx.do(req)
	require.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/proxy/albums/alb-private", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = fx.do(req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProxy_BulkDownloadOfPublicAssets(t *testing.T) {
	fx := newGatewayFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/download/archive", strings.NewReader(`{"assetIds":["pub1"]}`))
	req.Header.Set("Content-Type", "application/json")
	w := fx.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PK..", w.Body.String())

	// 只要有一个资产不公开就整体拒绝
	req = httptest.NewRequest(http.MethodPost, "/api/proxy/download/archive", strings.NewReader(`{"assetIds":["pub1","priv1"]}`))
	req.Header.Set("Content-Type", "application/json")
	w = fx.do(req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/proxy/download/archive", strings.NewReader(`{"assetIds":[]}`))
	req.Header.Set("Content-Type", "application/json")
	w = fx.do(req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, 1, fx.count("POST /api/download/archive"))
}

func chunkRequest(t *testing.T, fx *gatewayFixture, fileID string, index, total int, data []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/proxy/assets", bytes.NewReader(data))
	req.Header.Set("Authorization", fx.bearer(t, model.ScopeWrite))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderFileID, fileID)
	req.Header.Set(HeaderChunkIndex, strconv.Itoa(index))
	req.Header.Set(HeaderChunkTotal, strconv.Itoa(total))
	req.Header.Set(HeaderOriginalName, "beach%20day.jpg")
	return req
}

func TestProxy_ChunkedUploadFlow(t *testing.T) {
	fx := newGatewayFixture(t)
	parts := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cc")}

	for i, p := range parts[:2] {
		w := fx.do(chunkRequest(t, fx, "up-1", i, len(parts), p))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, "chunk_received", body["status"])
		assert.Equal(t, float64(i), body["index"])
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/api/proxy/assets?chunk-status=1", nil)
	statusReq.Header.Set("Authorization", fx.bearer(t, model.ScopeRead))
	statusReq.Header.Set(HeaderFileID, "up-1")
	w := fx.do(statusReq)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"exists":true,"receivedBytes":8,"uploadedChunks":[0,1]}`, w.Body.String())

	w = fx.do(chunkRequest(t, fx, "up-1", 2, len(parts), parts[2]))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.JSONEq(t, `{"id":"new1","status":"created"}`, w.Body.String())

	fx.mu.Lock()
	assert.Equal(t, "aaaabbbbcc", string(fx.uploaded))
	fx.mu.Unlock()

	var logs []model.AuditLog
	require.NoError(t, fx.db.Where("resource_id = ?", "new1").Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "create", logs[0].Action)
	assert.Equal(t, "alice", logs[0].Actor)

	w = fx.do(statusReq)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"exists":false,"receivedBytes":0,"uploadedChunks":[]}`, w.Body.String())
}

func TestProxy_ChunkWithoutSessionIsRejected(t *testing.T) {
	fx := newGatewayFixture(t)
	w := fx.do(chunkRequest(t, fx, "orphan", 1, 2, []byte("TAIL")))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode(t, w)["error"])
	assert.Zero(t, fx.count("POST /api/assets"))
}

func TestProxy_ChunkIntegrityFailure(t *testing.T) {
	fx := newGatewayFixture(t)
	req := chunkRequest(t, fx, "up-2", 0, 2, []byte("data"))
	req.Header.Set(HeaderChunkSHA256, strings.Repeat("0", 64))
	w := fx.do(req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "chunk_integrity", decode(t, w)["error"])
}

func TestProxy_ChunkHeadersMustBeNumeric(t *testing.T) {
	fx := newGatewayFixture(t)
	req := chunkRequest(t, fx, "up-3", 0, 2, []byte("data"))
	req.Header.Set(HeaderChunkTotal, "many")
	w := fx.do(req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode(t, w)["error"])
}

func TestProxy_ChunkUploadRequiresWriteScope(t *testing.T) {
	fx := newGatewayFixture(t)
	req := chunkRequest(t, fx, "up-4", 0, 1, []byte("data"))
	req.Header.Set("Authorization", fx.bearer(t, model.ScopeRead))
	w := fx.do(req)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, fx.count("POST /api/assets"))
}

func TestProxy_ChunkStatusRequiresFileID(t *testing.T) {
	fx := newGatewayFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/proxy/assets?chunk-status=1", nil)
	req.Header.Set("Authorization", fx.bearer(t, model.ScopeRead))
	w := fx.do(req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	anon := httptest.NewRequest(http.MethodGet, "/api/proxy/assets?chunk-status=1", nil)
	anon.Header.Set(HeaderFileID, "up-1")
	w = fx.do(anon)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "gateway.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Album{}, &model.AuditLog{}))

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	r, _, jwtManager := buildRouter(t, db, deadURL)
	tok, err := jwtManager.GenerateToken(1, "alice", []string{model.ScopeRead})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/albums", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadGateway, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "upstream_unreachable", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestCacheAdmin(t *testing.T) {
	fx := newGatewayFixture(t)

	warm := httptest.NewRequest(http.MethodGet, "/api/proxy/albums", nil)
	warm.Header.Set("Authorization", fx.bearer(t, model.ScopeRead))
	require.Equal(t, http.StatusOK, fx.do(warm).Code)
	require.Equal(t, 1, fx.cache.Len())

	req := httptest.NewRequest(http.MethodGet, "/api/gateway/cache", nil)
	req.Header.Set("Authorization", fx.bearer(t, model.ScopeRead))
	require.Equal(t, http.StatusForbidden, fx.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/gateway/cache", nil)
	req.Header.Set("Authorization", fx.bearer(t, model.ScopeAdmin))
	w := fx.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["entries"])

	req = httptest.NewRequest(http.MethodDelete, "/api/gateway/cache", nil)
	req.Header.Set("Authorization", fx.bearer(t, model.ScopeAdmin))
	w = fx.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, fx.cache.Len())

	var logs []model.AuditLog
	require.NoError(t, fx.db.Where("resource_type = ?", "cache").Find(&logs).Error)
	assert.Len(t, logs, 1)
}

func TestHealth(t *testing.T) {
	fx := newGatewayFixture(t)
	w := fx.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
