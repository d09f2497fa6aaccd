package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-updates-feed/internal/blobstore"
)

// mediaCacheControl applies to cached attachments. File names are content
// hashes, so a name never changes meaning.
const mediaCacheControl = "public, max-age=31536000, immutable"

// GetMedia godoc
// @ID          getMedia
// @Summary     Serve a cached attachment
// @Description Streams an attachment stored by the attachment cache. File names are content-addressed.
// @Tags        Media
// @Produce     octet-stream
//
// @Param       filename  path  string  true  "Local file name"  example(3f2a...e1.png)
//
// @Success     200  {file}   binary
// @Success     304  {string} string "Not Modified"
// @Failure     404  {object} handlers.ErrorResponse "Not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /media/{filename} [get]
func (h *Handlers) GetMedia(c *gin.Context) {
	if h.media == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "media not found")
		return
	}
	name := c.Param("filename")
	etag := strconv.Quote(name)
	if notModified(c, etag) {
		c.Header("Cache-Control", mediaCacheControl)
		return
	}

	rc, info, err := h.media.Open(c.Request.Context(), name)
	if errors.Is(err, blobstore.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "media not found")
		return
	}
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeMediaFailed, "could not open media", err)
		return
	}
	defer rc.Close()

	ct := info.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	size := info.Size
	if size <= 0 {
		size = -1
	}
	c.DataFromReader(http.StatusOK, size, ct, rc, map[string]string{"Cache-Control": mediaCacheControl})
}
