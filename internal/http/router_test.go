package httpapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-updates-feed/internal/blobstore"
	"github.com/tbourn/go-updates-feed/internal/config"
	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/http/handlers"
	"github.com/tbourn/go-updates-feed/internal/http/middleware"
	"github.com/tbourn/go-updates-feed/internal/repo"
	"github.com/tbourn/go-updates-feed/internal/services"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:routerdb_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      10,
		CORS:           config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:       config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		IdempotencyTTL: time.Hour,
		Media:          config.MediaConfig{Route: "/media"},
	}
}

// --- fakes for the collaborators RegisterRoutes does not build ---

type fakeSync struct {
	mu    sync.Mutex
	runs  map[string]*domain.SyncRun
	calls int
}

func newFakeSync() *fakeSync { return &fakeSync{runs: map[string]*domain.SyncRun{}} }

func (f *fakeSync) Backfill(_ context.Context, trigger string) (*domain.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	run := &domain.SyncRun{ID: uuid.NewString(), Trigger: trigger, StartedAt: time.Now().UTC()}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeSync) Run(_ context.Context, id string) (*domain.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, services.ErrSyncRunNotFound
}

func (f *fakeSync) LatestRun(context.Context) (*domain.SyncRun, error) {
	return nil, services.ErrSyncRunNotFound
}

type fakeMedia map[string]string

func (f fakeMedia) Open(_ context.Context, name string) (io.ReadCloser, blobstore.Info, error) {
	body, ok := f[name]
	if !ok {
		return nil, blobstore.Info{}, blobstore.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), blobstore.Info{Key: name, Size: int64(len(body)), ContentType: "image/png"}, nil
}

func serve(r http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// newRouter registers every route on a fresh engine; tweak adjusts testConfig.
func newRouter(t *testing.T, deps Deps, tweak func(*config.Config)) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), deps, cfg)
	return r
}

func TestRegisterRoutes_Surface(t *testing.T) {
	r := newRouter(t, Deps{}, nil)

	cases := []struct {
		method, target string
		want           int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/updates", http.StatusOK},
		{http.MethodGet, "/api/v1/updates/" + uuid.NewString(), http.StatusNotFound},
		{http.MethodGet, "/media/missing.png", http.StatusNotFound},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/v1/updates", http.StatusMethodNotAllowed},
		{http.MethodGet, "/swagger/index.html", http.StatusNotFound},
		// No ADMIN_TOKEN: the admin API does not exist.
		{http.MethodPost, "/api/v1/admin/sync", http.StatusNotFound},
	}
	for _, c := range cases {
		w := serve(r, c.method, c.target, nil)
		if w.Code != c.want {
			t.Fatalf("%s %s = %d; want %d", c.method, c.target, w.Code, c.want)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("%s %s: ACAO = %q; want *", c.method, c.target, got)
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s %s: missing X-Request-ID", c.method, c.target)
		}
	}

	w := serve(r, http.MethodGet, "/nope", nil)
	if !strings.Contains(w.Body.String(), `"code":"`+handlers.ErrCodeNotFound+`"`) {
		t.Fatalf("NoRoute body = %s", w.Body.String())
	}
}

func TestRegisterRoutes_SwaggerWhenEnabled(t *testing.T) {
	r := newRouter(t, Deps{}, func(c *config.Config) { c.SwaggerEnabled = true })
	if w := serve(r, http.MethodGet, "/swagger/doc.json", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/updates") {
		t.Fatalf("swagger doc = %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	r := newRouter(t, Deps{}, func(c *config.Config) {
		c.APIBasePath = "/api/v2"
		c.CORS = config.CORSConfig{AllowedOrigins: []string{"https://feed.example.org"}}
	})

	w := serve(r, http.MethodGet, "/api/v2/updates", map[string]string{"Origin": "https://feed.example.org"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/v2/updates = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://feed.example.org" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}

	// Origins outside the list are refused by gin-contrib/cors.
	if w = serve(r, http.MethodGet, "/api/v2/updates", map[string]string{"Origin": "https://evil.example"}); w.Code != http.StatusForbidden {
		t.Fatalf("foreign origin = %d", w.Code)
	}
}

func TestRegisterRoutes_RateLimitSparesMediaAndProbes(t *testing.T) {
	r := newRouter(t, Deps{Media: fakeMedia{"a.png": "x"}}, func(c *config.Config) {
		c.RateRPS = 0
		c.RateBurst = 1
	})

	if w := serve(r, http.MethodGet, "/api/v1/updates", nil); w.Code != http.StatusOK {
		t.Fatalf("first call = %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/api/v1/updates", nil); w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second call = %d, Retry-After %q", w.Code, w.Header().Get("Retry-After"))
	}
	for _, target := range []string{"/media/a.png", "/health", "/metrics"} {
		if w := serve(r, http.MethodGet, target, nil); w.Code != http.StatusOK {
			t.Fatalf("%s limited: %d", target, w.Code)
		}
	}
}

func Test_limitBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusNoContent)
	})

	for body, want := range map[string]int{"0123456789": http.StatusNoContent, "0123456789AB": http.StatusRequestEntityTooLarge} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(body)))
		if w.Code != want {
			t.Fatalf("%d-byte body = %d; want %d", len(body), w.Code, want)
		}
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	for prefix, route := range map[string]string{"/": "/one", "": "/two", "/api": "/ping"} {
		body := prefix + route
		groupWithPrefix(r, prefix).GET(route, func(c *gin.Context) { c.String(http.StatusOK, body) })
	}
	for target, want := range map[string]string{"/one": "//one", "/two": "/two", "/api/ping": "/api/ping"} {
		w := serve(r, http.MethodGet, target, nil)
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s = %d %q", target, w.Code, w.Body.String())
		}
	}
}

func TestPipeline_HTTPSHeadersAndETag(t *testing.T) {
	r := newRouter(t, Deps{}, func(c *config.Config) {
		c.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour}
	})

	w := serve(r, http.MethodGet, "/api/v1/updates", map[string]string{"X-Forwarded-Proto": "https"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/updates = %d", w.Code)
	}
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=3600; includeSubDomains; preload" {
		t.Fatalf("HSTS = %q", got)
	}
	etag := w.Header().Get("ETag")
	if etag == "" || !strings.Contains(w.Header().Get("Access-Control-Expose-Headers"), "ETag") {
		t.Fatalf("ETag %q not exposed: %v", etag, w.Header())
	}
	if !strings.Contains(w.Body.String(), `"updates":[]`) || !strings.Contains(w.Body.String(), `"hasMore":false`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}

	if w = serve(r, http.MethodGet, "/api/v1/updates", map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("revalidation = %d", w.Code)
	}
}

func Test_updateRepoShim_Proxies(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	shim := updateRepoShim{}

	u := &domain.Update{
		PrimarySourceID: "m1",
		SourceIDs:       []string{"m1"},
		AuthorID:        "a1",
		Title:           "Patch notes",
		Content:         "body",
		RawContent:      "# Patch notes\nbody",
		Timestamp:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := repo.CreateUpdate(ctx, db, u); err != nil {
		t.Fatalf("CreateUpdate: %v", err)
	}

	page, err := shim.ListUpdatesPage(ctx, db, 0, 10)
	if err != nil || len(page) != 1 {
		t.Fatalf("ListUpdatesPage: %v len=%d", err, len(page))
	}
	got, err := shim.GetUpdate(ctx, db, u.ID)
	if err != nil || got.Title != "Patch notes" {
		t.Fatalf("GetUpdate: %v %+v", err, got)
	}
	n, maxTS, err := shim.UpdatesStats(ctx, db)
	if err != nil || n != 1 || maxTS == nil {
		t.Fatalf("UpdatesStats: %v n=%d ts=%v", err, n, maxTS)
	}
}

func Test_idempotencyShim_DuplicateIsNotAnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := idempotencyShim{db: db, ttl: time.Hour}

	if err := s.Create(ctx, "/api/v1/admin/sync", "k1", "run-1", http.StatusOK); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, "/api/v1/admin/sync", "k1", "run-2", http.StatusOK); err != nil {
		t.Fatalf("duplicate Create should be absorbed: %v", err)
	}
	rec, err := s.Get(ctx, "/api/v1/admin/sync", "k1", time.Now().UTC())
	if err != nil || rec.RunID != "run-1" {
		t.Fatalf("Get: %v %+v", err, rec)
	}
}

func TestRegisterRoutes_AdminDisabledWithoutToken(t *testing.T) {
	s := newFakeSync()
	r := newRouter(t, Deps{Sync: s}, nil)

	w := serve(r, http.MethodPost, "/api/v1/admin/sync", map[string]string{middleware.HeaderAdminToken: "guess"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with admin disabled, got %d", w.Code)
	}
	if s.calls != 0 {
		t.Fatalf("backfill must not run")
	}
}

func TestRegisterRoutes_AdminSyncIdempotentEndToEnd(t *testing.T) {
	s := newFakeSync()
	r := newRouter(t, Deps{Sync: s}, func(c *config.Config) { c.AdminToken = "s3cret" })

	if w := serve(r, http.MethodPost, "/api/v1/admin/sync", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	hdr := map[string]string{
		middleware.HeaderAdminToken:     "s3cret",
		middleware.HeaderIdempotencyKey: "nightly-1",
	}
	first := serve(r, http.MethodPost, "/api/v1/admin/sync", hdr)
	second := serve(r, http.MethodPost, "/api/v1/admin/sync", hdr)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("codes: %d %d (%s)", first.Code, second.Code, first.Body.String())
	}
	if s.calls != 1 {
		t.Fatalf("expected one backfill, got %d", s.calls)
	}
	if second.Header().Get(handlers.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("second response should be a replay")
	}
	if first.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("admin responses must not be cached, got %q", first.Header().Get("Cache-Control"))
	}
}

func TestRegisterRoutes_GzipSkipsMedia(t *testing.T) {
	r := newRouter(t, Deps{Media: fakeMedia{"a.png": "png-bytes"}}, nil)

	w := serve(r, http.MethodGet, "/media/a.png", map[string]string{"Accept-Encoding": "gzip"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /media/a.png = %d", w.Code)
	}
	if enc := w.Header().Get("Content-Encoding"); enc != "" {
		t.Fatalf("media must not be gzipped, got %q", enc)
	}
	if w.Body.String() != "png-bytes" {
		t.Fatalf("unexpected media body %q", w.Body.String())
	}
	if got := w.Header().Get("Cross-Origin-Resource-Policy"); got != "cross-origin" {
		t.Fatalf("media CORP = %q", got)
	}

	w = serve(r, http.MethodGet, "/api/v1/updates", map[string]string{"Accept-Encoding": "gzip"})
	if got := w.Header().Get("Cross-Origin-Resource-Policy"); got != "same-site" {
		t.Fatalf("api CORP = %q", got)
	}
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzipped JSON, headers=%v", w.Header())
	}
	zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if !strings.Contains(string(body), `"updates"`) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestRegisterRoutes_IdempotencyCallback_ErrorBranch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := testConfig()
	cfg.AdminToken = "s3cret"
	s := newFakeSync()
	db := newTestDB(t)

	// Wire routes first...
	RegisterRoutes(r, db, Deps{Sync: s}, cfg)

	// ...then force queries to fail by closing the underlying connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	// A failed lookup is logged and treated as a miss.
	w := serve(r, http.MethodPost, "/api/v1/admin/sync", map[string]string{
		middleware.HeaderAdminToken:     "s3cret",
		middleware.HeaderIdempotencyKey: "force-error",
	})
	if w.Code != http.StatusOK || s.calls != 1 {
		t.Fatalf("expected the sync to run, got %d calls=%d", w.Code, s.calls)
	}
}

func Test_idempotencyShim_CreatePurgesExpired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-48 * time.Hour)
	stale := domain.Idempotency{ID: uuid.NewString(), Scope: "/api/v1/admin/sync", Key: "old", RunID: "r0", Status: 200, CreatedAt: past, ExpiresAt: past.Add(time.Hour)}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := idempotencyShim{db: db, ttl: time.Hour}
	if err := s.Create(ctx, "/api/v1/admin/sync", "new", "r1", http.StatusOK); err != nil {
		t.Fatalf("Create: %v", err)
	}
	var n int64
	db.Model(&domain.Idempotency{}).Where("key = ?", "old").Count(&n)
	if n != 0 {
		t.Fatalf("expired key should be purged")
	}
}
