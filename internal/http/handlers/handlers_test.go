package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/http/middleware"
	"github.com/tbourn/go-updates-feed/internal/repo"
	"github.com/tbourn/go-updates-feed/internal/services"
)

// ---------- fakes ----------

type fakeUpdates struct {
	page     *services.Page
	listErr  error
	count    int64
	maxTS    *time.Time
	statsErr error
	byID     map[string]*domain.Update
	getErr   error

	gotLimit, gotOffset int
	listCalls           int
}

func (f *fakeUpdates) List(_ context.Context, limit, offset int) (*services.Page, error) {
	f.listCalls++
	f.gotLimit, f.gotOffset = limit, offset
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.page != nil {
		return f.page, nil
	}
	return &services.Page{Updates: []domain.Update{}, Limit: limit, Offset: offset}, nil
}

func (f *fakeUpdates) Get(_ context.Context, id string) (*domain.Update, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, services.ErrUpdateNotFound
}

func (f *fakeUpdates) Stats(context.Context) (int64, *time.Time, error) {
	return f.count, f.maxTS, f.statsErr
}

type fakeSyncs struct {
	mu          sync.Mutex
	runs        map[string]*domain.SyncRun
	backfillErr error
	failRun     bool // record the run but report a fetch error
	calls       int
}

func newFakeSyncs() *fakeSyncs { return &fakeSyncs{runs: map[string]*domain.SyncRun{}} }

func (f *fakeSyncs) Backfill(_ context.Context, trigger string) (*domain.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.backfillErr != nil && !f.failRun {
		return nil, f.backfillErr
	}
	run := &domain.SyncRun{ID: uuid.NewString(), Trigger: trigger, StartedAt: time.Now().UTC()}
	f.runs[run.ID] = run
	if f.failRun {
		run.Error = f.backfillErr.Error()
		return run, f.backfillErr
	}
	return run, nil
}

func (f *fakeSyncs) Run(_ context.Context, id string) (*domain.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, services.ErrSyncRunNotFound
}

func (f *fakeSyncs) LatestRun(context.Context) (*domain.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.SyncRun
	for _, r := range f.runs {
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, services.ErrSyncRunNotFound
	}
	return latest, nil
}

type fakeMedia struct {
	blobs map[string][]byte
	types map[string]string
	err   error
}

func (f *fakeMedia) Open(_ context.Context, name string) (io.ReadCloser, blobstore.Info, error) {
	if f.err != nil {
		return nil, blobstore.Info{}, f.err
	}
	b, ok := f.blobs[name]
	if !ok {
		return nil, blobstore.Info{}, blobstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), blobstore.Info{Key: name, Size: int64(len(b)), ContentType: f.types[name]}, nil
}

type fakeIdem struct {
	mu   sync.Mutex
	recs map[string]*domain.Idempotency
}

func newFakeIdem() *fakeIdem { return &fakeIdem{recs: map[string]*domain.Idempotency{}} }

func (f *fakeIdem) Get(_ context.Context, scope, key string, _ time.Time) (*domain.Idempotency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.recs[scope+"|"+key]; ok {
		return rec, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeIdem) Create(_ context.Context, scope, key, runID string, status int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[scope+"|"+key] = &domain.Idempotency{Scope: scope, Key: key, RunID: runID, Status: status}
	return nil
}

// ---------- router ----------

func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.GET("/updates", h.ListUpdates)
	r.GET("/updates/:id", h.GetUpdate)
	r.GET("/media/:filename", h.GetMedia)
	r.POST("/admin/sync", h.TriggerSync)
	r.GET("/admin/sync", h.LatestSyncRun)
	r.GET("/admin/sync/:id", h.GetSyncRun)
	return r
}

func do(r http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("error body not json: %v (%s)", err, w.Body.String())
	}
	return er
}

// ---------- updates ----------

func TestListUpdates_ClampsQueryAndShapesBody(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeUpdates{page: &services.Page{
		Updates: []domain.Update{{ID: "u1", Title: "Patch 1.2", Timestamp: ts}},
		Limit:   100,
		Offset:  0,
		HasMore: true,
	}}
	r := newTestRouter(New(f, nil, nil, nil))

	w := do(r, http.MethodGet, "/updates?limit=500&offset=-3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if f.gotLimit != 100 || f.gotOffset != 0 {
		t.Fatalf("service got limit=%d offset=%d", f.gotLimit, f.gotOffset)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	for _, k := range []string{"updates", "limit", "offset", "hasMore"} {
		if _, ok := body[k]; !ok {
			t.Fatalf("missing %q in %s", k, w.Body.String())
		}
	}
	if body["hasMore"] != true || int(body["limit"].(float64)) != 100 {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "raw_content") {
		t.Fatalf("raw content must not be exposed: %s", w.Body.String())
	}
}

func TestListUpdates_DefaultsAndGarbage(t *testing.T) {
	f := &fakeUpdates{}
	r := newTestRouter(New(f, nil, nil, nil))

	w := do(r, http.MethodGet, "/updates?limit=abc&offset=xyz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if f.gotLimit != services.DefaultPageLimit || f.gotOffset != 0 {
		t.Fatalf("service got limit=%d offset=%d", f.gotLimit, f.gotOffset)
	}
	if !strings.Contains(w.Body.String(), `"updates":[]`) {
		t.Fatalf("empty feed must be an empty array: %s", w.Body.String())
	}
}

func TestListUpdates_ETagNotModified(t *testing.T) {
	ts := time.UnixMilli(1740830400000).UTC()
	f := &fakeUpdates{count: 12, maxTS: &ts}
	r := newTestRouter(New(f, nil, nil, nil))

	w := do(r, http.MethodGet, "/updates", nil)
	etag := w.Header().Get("ETag")
	want := `W/"updates:12:1740830400000:20:0"`
	if etag != want {
		t.Fatalf("etag=%q want %q", etag, want)
	}

	w = do(r, http.MethodGet, "/updates", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}
	if f.listCalls != 1 {
		t.Fatalf("304 must not list, calls=%d", f.listCalls)
	}

	// A different page has a different tag.
	w = do(r, http.MethodGet, "/updates?offset=20", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for another page, got %d", w.Code)
	}
}

func TestListUpdates_StatsErrorStillServes(t *testing.T) {
	f := &fakeUpdates{statsErr: errors.New("locked")}
	r := newTestRouter(New(f, nil, nil, nil))
	w := do(r, http.MethodGet, "/updates", nil)
	if w.Code != http.StatusOK || w.Header().Get("ETag") != "" {
		t.Fatalf("status=%d etag=%q", w.Code, w.Header().Get("ETag"))
	}
}

func TestListUpdates_Failure(t *testing.T) {
	f := &fakeUpdates{listErr: errors.New("disk I/O error")}
	r := newTestRouter(New(f, nil, nil, nil))
	w := do(r, http.MethodGet, "/updates", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	er := decodeError(t, w)
	if er.Code != ErrCodeListFailed || er.Error != "disk I/O error" || er.RequestID == "" {
		t.Fatalf("unexpected envelope: %+v", er)
	}
}

func TestGetUpdate(t *testing.T) {
	f := &fakeUpdates{byID: map[string]*domain.Update{"u1": {ID: "u1", Title: "Hello"}}}
	r := newTestRouter(New(f, nil, nil, nil))

	if w := do(r, http.MethodGet, "/updates/u1", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"title":"Hello"`) {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/updates/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	f.getErr = errors.New("boom")
	if w := do(r, http.MethodGet, "/updates/u1", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

// ---------- media ----------

func TestGetMedia(t *testing.T) {
	m := &fakeMedia{
		blobs: map[string][]byte{"abc.png": []byte("\x89PNG....")},
		types: map[string]string{"abc.png": "image/png"},
	}
	r := newTestRouter(New(&fakeUpdates{}, nil, m, nil))

	w := do(r, http.MethodGet, "/media/abc.png", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type=%q", ct)
	}
	if w.Header().Get("Content-Length") != "8" || w.Body.String() != "\x89PNG...." {
		t.Fatalf("unexpected body/length: %q %q", w.Header().Get("Content-Length"), w.Body.String())
	}
	if !strings.Contains(w.Header().Get("Cache-Control"), "immutable") {
		t.Fatalf("cache-control=%q", w.Header().Get("Cache-Control"))
	}

	etag := w.Header().Get("ETag")
	if w := do(r, http.MethodGet, "/media/abc.png", map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/media/missing.png", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	m.err = errors.New("pebble: closed")
	if w := do(r, http.MethodGet, "/media/abc.png", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestGetMedia_NoStore(t *testing.T) {
	r := newTestRouter(New(&fakeUpdates{}, nil, nil, nil))
	if w := do(r, http.MethodGet, "/media/abc.png", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// ---------- admin ----------

func TestTriggerSync_RunsBackfill(t *testing.T) {
	s := newFakeSyncs()
	r := newTestRouter(New(&fakeUpdates{}, s, nil, newFakeIdem()))

	w := do(r, http.MethodPost, "/admin/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var run domain.SyncRun
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("json: %v", err)
	}
	if run.Trigger != services.TriggerAdmin || s.calls != 1 {
		t.Fatalf("run=%+v calls=%d", run, s.calls)
	}
}

func TestTriggerSync_IdempotentReplay(t *testing.T) {
	s := newFakeSyncs()
	r := newTestRouter(New(&fakeUpdates{}, s, nil, newFakeIdem()))
	hdr := map[string]string{middleware.HeaderIdempotencyKey: "sync-1"}

	first := do(r, http.MethodPost, "/admin/sync", hdr)
	second := do(r, http.MethodPost, "/admin/sync", hdr)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("codes %d %d", first.Code, second.Code)
	}
	if s.calls != 1 {
		t.Fatalf("backfill ran %d times", s.calls)
	}
	if second.Header().Get(HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("replay header missing")
	}
	var a, b domain.SyncRun
	_ = json.Unmarshal(first.Body.Bytes(), &a)
	_ = json.Unmarshal(second.Body.Bytes(), &b)
	if a.ID == "" || a.ID != b.ID {
		t.Fatalf("replay returned another run: %q vs %q", a.ID, b.ID)
	}

	// Another key starts another run.
	do(r, http.MethodPost, "/admin/sync", map[string]string{middleware.HeaderIdempotencyKey: "sync-2"})
	if s.calls != 2 {
		t.Fatalf("expected a second run, calls=%d", s.calls)
	}
}

func TestTriggerSync_Errors(t *testing.T) {
	cases := []struct {
		name    string
		syncs   SyncService
		status  int
		code    string
		hasRuns bool
	}{
		{"not configured", nil, http.StatusServiceUnavailable, ErrCodeSyncUnavailable, false},
		{"no source", &fakeSyncs{runs: map[string]*domain.SyncRun{}, backfillErr: services.ErrNoSource}, http.StatusServiceUnavailable, ErrCodeSyncUnavailable, false},
		{"fetch failed", &fakeSyncs{runs: map[string]*domain.SyncRun{}, backfillErr: errors.New("discord: 503"), failRun: true}, http.StatusBadGateway, ErrCodeSyncFailed, true},
		{"store failed", &fakeSyncs{runs: map[string]*domain.SyncRun{}, backfillErr: errors.New("database is locked")}, http.StatusInternalServerError, ErrCodeSyncFailed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idem := newFakeIdem()
			r := newTestRouter(New(&fakeUpdates{}, tc.syncs, nil, idem))
			w := do(r, http.MethodPost, "/admin/sync", map[string]string{middleware.HeaderIdempotencyKey: "k"})
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d (%s)", w.Code, tc.status, w.Body.String())
			}
			if er := decodeError(t, w); er.Code != tc.code {
				t.Fatalf("code=%q want %q", er.Code, tc.code)
			}
			if len(idem.recs) != 0 {
				t.Fatalf("failed syncs must not be remembered")
			}
		})
	}
}

func TestSyncRunEndpoints(t *testing.T) {
	s := newFakeSyncs()
	r := newTestRouter(New(&fakeUpdates{}, s, nil, nil))

	if w := do(r, http.MethodGet, "/admin/sync", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", w.Code)
	}
	run, _ := s.Backfill(context.Background(), services.TriggerCLI)

	w := do(r, http.MethodGet, "/admin/sync", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), run.ID) {
		t.Fatalf("latest: status=%d body=%s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/admin/sync/"+run.ID, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"trigger":"cli"`) {
		t.Fatalf("by id: status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/admin/sync/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// ---------- against a real store ----------

type testUpdateRepo struct{}

func (testUpdateRepo) ListUpdatesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Update, error) {
	return repo.ListUpdatesPage(ctx, db, offset, limit)
}

func (testUpdateRepo) GetUpdate(ctx context.Context, db *gorm.DB, id string) (*domain.Update, error) {
	return repo.GetUpdate(ctx, db, id)
}

func (testUpdateRepo) UpdatesStats(ctx context.Context, db *gorm.DB) (int64, *time.Time, error) {
	return repo.UpdatesStats(ctx, db)
}

func newFeedDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:feed_handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestListUpdates_PagesRealStore(t *testing.T) {
	db := newFeedDB(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		u := &domain.Update{
			PrimarySourceID: fmt.Sprintf("m%d", i),
			SourceIDs:       []string{fmt.Sprintf("m%d", i)},
			AuthorID:        "a1",
			Title:           fmt.Sprintf("Update %d", i),
			Content:         "body",
			RawContent:      "body",
			Timestamp:       base.Add(time.Duration(i) * time.Hour),
		}
		if err := repo.CreateUpdate(ctx, db, u); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	svc := services.NewUpdateService(db, testUpdateRepo{}, nil, "")
	r := newTestRouter(New(svc, nil, nil, nil))

	var resp ListUpdatesResponse
	w := do(r, http.MethodGet, "/updates?limit=2&offset=0", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Updates) != 2 || !resp.HasMore || resp.Updates[0].Title != "Update 4" {
		t.Fatalf("first page: %+v", resp)
	}

	w = do(r, http.MethodGet, "/updates?limit=2&offset=4", nil)
	resp = ListUpdatesResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Updates) != 1 || resp.HasMore || resp.Updates[0].Title != "Update 0" {
		t.Fatalf("last page: %+v", resp)
	}
}
