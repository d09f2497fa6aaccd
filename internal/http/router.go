// Package httpapi mounts the feed's HTTP surface on a Gin engine: the read
// API, the admin sync endpoints, cached media, health, metrics and docs,
// behind one ordered middleware stack.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-updates-feed/internal/config"
	"github.com/tbourn/go-updates-feed/internal/docs"
	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/http/handlers"
	"github.com/tbourn/go-updates-feed/internal/http/middleware"
	"github.com/tbourn/go-updates-feed/internal/repo"
	"github.com/tbourn/go-updates-feed/internal/services"
)

// updateRepoShim adapts the repository free functions to the
// services.UpdateRepo interface expected by the UpdateService.
type updateRepoShim struct{}

// ListUpdatesPage proxies repo.ListUpdatesPage.
func (updateRepoShim) ListUpdatesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Update, error) {
	return repo.ListUpdatesPage(ctx, db, offset, limit)
}

// GetUpdate proxies repo.GetUpdate.
func (updateRepoShim) GetUpdate(ctx context.Context, db *gorm.DB, id string) (*domain.Update, error) {
	return repo.GetUpdate(ctx, db, id)
}

// UpdatesStats proxies repo.UpdatesStats (ETag support).
func (updateRepoShim) UpdatesStats(ctx context.Context, db *gorm.DB) (int64, *time.Time, error) {
	return repo.UpdatesStats(ctx, db)
}

// idempotencyShim adapts the idempotency repository to
// handlers.IdempotencyStore, applying the configured TTL.
type idempotencyShim struct {
	db  *gorm.DB
	ttl time.Duration
}

// Get proxies repo.GetIdempotency.
func (s idempotencyShim) Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error) {
	return repo.GetIdempotency(ctx, s.db, scope, key, now)
}

// Create proxies repo.CreateIdempotency. A concurrent first request that
// already stored the key is not an error. Admin syncs are rare, so each new
// record also sweeps the expired ones.
func (s idempotencyShim) Create(ctx context.Context, scope, key, runID string, status int) error {
	_, err := repo.CreateIdempotency(ctx, s.db, scope, key, runID, status, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	if n, err := repo.PurgeExpiredIdempotency(ctx, s.db, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Msg("idempotency purge failed")
	} else if n > 0 {
		log.Debug().Int64("purged", n).Msg("expired idempotency keys removed")
	}
	return nil
}

// Deps are the collaborators RegisterRoutes cannot build from the database
// alone. Any of them may be nil: without Channels links are left as they
// are, without Sync the admin sync endpoints answer 503/404, and without
// Media the media route answers 404.
type Deps struct {
	Channels services.ChannelResolver
	Sync     handlers.SyncService
	Media    handlers.MediaStore
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS, security headers and compression, health and metrics
// endpoints, the media route, and then mounts the versioned public API under
// /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII and token scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per principal/IP, bypass on replay)
//  9. CORS and Security headers
//  10. Gzip (JSON only; media and /metrics are excluded)
func RegisterRoutes(r *gin.Engine, db *gorm.DB, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction (X-Admin-Token is masked by default)
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (64 KiB; the API takes no uploads)
	r.Use(limitBody(64 << 10))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	idem := idempotencyShim{db: db, ttl: cfg.IdempotencyTTL}
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, scope, key string, now time.Time) (bool, error) {
			_, err := idem.Get(ctx, scope, key, now)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		},
	))

	// 8) Token-bucket rate limiter per principal/IP; media and probes are exempt
	rl := middleware.NewRateLimiter(middleware.RateLimitOptions{
		RPS:   cfg.RateRPS,
		Burst: cfg.RateBurst,
		Key:   middleware.KeyByPrincipalOrIP(),
		Skip:  middleware.SkipPathPrefixes(cfg.Media.Route+"/", "/health", "/metrics"),
	})
	r.Use(rl.Handler())

	// 9) CORS and security headers
	r.Use(corsHandlers(cfg.CORS.AllowedOrigins)...)
	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:     cfg.Security.EnableHSTS,
		HSTSMaxAge:     cfg.Security.HSTSMaxAge,
		EnablePolicy:   true,
		ResourcePolicy: "same-site",
	}))

	// 10) Compression for JSON responses
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{cfg.Media.Route + "/", "/metrics"}),
	))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db
	updateSvc := services.NewUpdateService(db, updateRepoShim{}, deps.Channels, cfg.Discord.GuildID)
	h := handlers.New(updateSvc, deps.Sync, deps.Media, idem)

	// Cached attachments live outside the versioned API so stored local URLs
	// stay valid across API versions.
	mediaGroup := groupWithPrefix(r, cfg.Media.Route)
	mediaGroup.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		ResourcePolicy: "cross-origin",
		ExposeHeaders:  []string{"ETag"},
	}))
	mediaGroup.GET("/:filename", h.GetMedia)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		api.GET("/updates", h.ListUpdates)
		api.GET("/updates/:id", h.GetUpdate)
	}

	// Admin API (404 everywhere when ADMIN_TOKEN is empty)
	admin := api.Group("/admin",
		middleware.AdminAuth(cfg.AdminToken),
		middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true, ExposeHeaders: []string{}}),
	)
	{
		admin.POST("/sync", h.TriggerSync)
		admin.GET("/sync", h.LatestSyncRun)
		admin.GET("/sync/:id", h.GetSyncRun)
	}
}

// corsHandlers allows every origin when origins is empty, otherwise only the
// listed ones. Credentials are never allowed; auth is a header token.
func corsHandlers(origins []string) []gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "If-None-Match",
			middleware.HeaderAdminToken, middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length", "ETag", handlers.HeaderIdempotencyReplayed},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
		// gin-contrib/cors skips requests without Origin; feed embeds and
		// probes still get the wildcard.
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Header("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cc),
		}
	}
	cc.AllowOrigins = origins
	return []gin.HandlerFunc{cors.New(cc)}
}

// limitBody caps request bodies; reads past maxBytes fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
