// Update feed HTTP handlers.
//
// This file exposes the read API:
//   - GET /updates       (paginated, newest first, weak ETag support)
//   - GET /updates/{id}  (single update)
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/services"
	"github.com/tbourn/go-updates-feed/internal/utils"
)

// ListUpdatesResponse is one page of the feed.
type ListUpdatesResponse struct {
	Updates []domain.Update `json:"updates"`
	Limit   int             `json:"limit" example:"20"`
	Offset  int             `json:"offset" example:"0"`
	HasMore bool            `json:"hasMore" example:"true"`
}

// ListUpdates godoc
// @ID          listUpdates
// @Summary     List updates (paginated)
// @Description Returns updates ordered by timestamp, newest first. Channel links are rewritten into markdown links. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Updates
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"updates:12:1740830400000:20:0\")
// @Param       limit          query   int     false "Page size"                   minimum(1) maximum(100) default(20)
// @Param       offset         query   int     false "Rows to skip"                minimum(0) default(0)
//
// @Success     200  {object} handlers.ListUpdatesResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     429  {object} handlers.ErrorResponse "Rate limited"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /updates [get]
func (h *Handlers) ListUpdates(c *gin.Context) {
	ctx := c.Request.Context()
	limit, offset := services.ClampPage(
		utils.AtoiDefault(c.Query("limit"), services.DefaultPageLimit),
		utils.AtoiDefault(c.Query("offset"), 0),
	)

	// ETag pre-check (best effort).
	if count, maxTS, err := h.updates.Stats(ctx); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixMilli()
		}
		if notModified(c, fmt.Sprintf(`W/"updates:%d:%d:%d:%d"`, count, ts, limit, offset)) {
			return
		}
	}

	page, err := h.updates.List(ctx, limit, offset)
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list updates", err)
		return
	}
	ok(c, http.StatusOK, ListUpdatesResponse{
		Updates: page.Updates,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore,
	})
}

// GetUpdate godoc
// @ID          getUpdate
// @Summary     Get one update
// @Tags        Updates
// @Produce     json
//
// @Param       id   path    string  true  "Update ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Update
// @Failure     404  {object} handlers.ErrorResponse "Update not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /updates/{id} [get]
func (h *Handlers) GetUpdate(c *gin.Context) {
	u, err := h.updates.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, services.ErrUpdateNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "update not found")
	case err != nil:
		failErr(c, http.StatusInternalServerError, ErrCodeInternal, "could not load update", err)
	default:
		ok(c, http.StatusOK, u)
	}
}
