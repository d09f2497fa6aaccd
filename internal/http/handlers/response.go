package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-updates-feed/internal/http/middleware"
)

// ErrorResponse is the envelope of every non-2xx JSON response.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Code is one of the ErrCode constants.
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"resource not found"`
	// Error carries the cause on 5xx only.
	Error string `json:"error,omitempty" example:"database is locked"`
}

func fail(c *gin.Context, status int, code, msg string) {
	failErr(c, status, code, msg, nil)
}

// failErr aborts with the error envelope. 5xx responses are logged with the
// request-scoped logger and expose err's text.
func failErr(c *gin.Context, status int, code, msg string, err error) {
	resp := ErrorResponse{RequestID: middleware.RequestIDFrom(c), Code: code, Message: msg}
	switch {
	case status >= http.StatusInternalServerError:
		if err != nil {
			resp.Error = err.Error()
		}
		middleware.LoggerFrom(c).Error().Err(err).
			Int("status", status).
			Str("code", code).
			Msg(msg)
	case err != nil:
		middleware.LoggerFrom(c).Debug().Err(err).Int("status", status).Msg(msg)
	}
	c.AbortWithStatusJSON(status, resp)
}

// Fail writes the error envelope from outside the package (router fallbacks).
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// notModified sets etag and, when If-None-Match matches it, answers 304.
// Comparison is weak, so W/"x" matches "x".
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	inm := c.GetHeader("If-None-Match")
	if inm == "" || !etagMatch(inm, etag) {
		return false
	}
	c.Status(http.StatusNotModified)
	return true
}

func etagMatch(header, etag string) bool {
	want := strings.TrimPrefix(etag, "W/")
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || strings.TrimPrefix(tag, "W/") == want {
			return true
		}
	}
	return false
}
