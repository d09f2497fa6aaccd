// Admin HTTP handlers.
//
// This file exposes operator endpoints, mounted behind AdminAuth:
//   - POST /admin/sync       (run a backfill now)
//   - GET  /admin/sync       (latest run)
//   - GET  /admin/sync/{id}  (one run)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous request
// with the same key already started a run, the recorded run is returned with
// `Idempotency-Replayed: true` instead of starting another backfill.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/http/middleware"
	"github.com/tbourn/go-updates-feed/internal/services"
)

// HeaderIdempotencyReplayed marks a response served from a recorded run.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

// TriggerSync godoc
// @ID          triggerSync
// @Summary     Run a backfill now
// @Description Fetches recent channel messages and reconciles them with the store. Supports idempotency via the Idempotency-Key header (same key → same run).
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token    header  string  true  "Admin token"
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
//
// @Success     200  {object} domain.SyncRun
// @Header      200  {string} Idempotency-Replayed "true when the response replays an earlier run"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     502  {object} handlers.ErrorResponse "Message source failed"
// @Failure     503  {object} handlers.ErrorResponse "No message source configured"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/sync [post]
func (h *Handlers) TriggerSync(c *gin.Context) {
	ctx := c.Request.Context()
	if h.syncs == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeSyncUnavailable, "sync is not configured")
		return
	}

	// Idempotency (replay path).
	key, hasKey := middleware.GetIdempotencyKey(c)
	scope := middleware.GetIdempotencyScope(c)
	if hasKey && h.idem != nil {
		if prev, status := h.replay(c, scope, key); prev != nil {
			c.Header(HeaderIdempotencyReplayed, "true")
			ok(c, status, prev)
			return
		}
	}

	run, err := h.syncs.Backfill(ctx, services.TriggerAdmin)
	switch {
	case errors.Is(err, services.ErrNoSource):
		fail(c, http.StatusServiceUnavailable, ErrCodeSyncUnavailable, err.Error())
		return
	case err != nil && run != nil:
		// The run was recorded; the message source failed.
		failErr(c, http.StatusBadGateway, ErrCodeSyncFailed, "sync run "+run.ID+" failed", err)
		return
	case err != nil:
		failErr(c, http.StatusInternalServerError, ErrCodeSyncFailed, "could not start sync", err)
		return
	}

	// Idempotency (store path) – best effort.
	if hasKey && h.idem != nil {
		if err := h.idem.Create(ctx, scope, key, run.ID, http.StatusOK); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Str("run_id", run.ID).Msg("could not record idempotency key")
		}
	}
	ok(c, http.StatusOK, run)
}

// replay returns the run recorded for (scope, key) and the status the first
// request answered with, or nil.
func (h *Handlers) replay(c *gin.Context, scope, key string) (*domain.SyncRun, int) {
	ctx := c.Request.Context()
	rec, err := h.idem.Get(ctx, scope, key, time.Now().UTC())
	if err != nil || rec == nil {
		return nil, 0
	}
	run, err := h.syncs.Run(ctx, rec.RunID)
	if err != nil {
		return nil, 0
	}
	status := rec.Status
	if status == 0 {
		status = http.StatusOK
	}
	return run, status
}

// LatestSyncRun godoc
// @ID          latestSyncRun
// @Summary     Latest sync run
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Admin token"
//
// @Success     200  {object} domain.SyncRun
// @Failure     404  {object} handlers.ErrorResponse "No run recorded yet"
// @Router      /admin/sync [get]
func (h *Handlers) LatestSyncRun(c *gin.Context) {
	if h.syncs == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no sync run recorded")
		return
	}
	run, err := h.syncs.LatestRun(c.Request.Context())
	h.writeRun(c, run, err)
}

// GetSyncRun godoc
// @ID          getSyncRun
// @Summary     Get one sync run
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Admin token"
// @Param       id             path    string  true  "Sync run ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.SyncRun
// @Failure     404  {object} handlers.ErrorResponse "Sync run not found"
// @Router      /admin/sync/{id} [get]
func (h *Handlers) GetSyncRun(c *gin.Context) {
	if h.syncs == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "sync run not found")
		return
	}
	run, err := h.syncs.Run(c.Request.Context(), c.Param("id"))
	h.writeRun(c, run, err)
}

func (h *Handlers) writeRun(c *gin.Context, run *domain.SyncRun, err error) {
	switch {
	case errors.Is(err, services.ErrSyncRunNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "sync run not found")
	case err != nil:
		failErr(c, http.StatusInternalServerError, ErrCodeInternal, "could not load sync run", err)
	default:
		ok(c, http.StatusOK, run)
	}
}
