// Package middleware contains the Gin middleware shared by the feed API.
//
// This file holds request correlation and panic recovery:
//
//   - RequestID tags every request with an X-Request-ID, reusing a
//     well-formed inbound value.
//   - Recovery turns panics into the JSON error envelope.
//   - LoggerFrom returns the request-scoped logger that RedactingLogger
//     attaches, carrying request_id and, when tracing is on, trace_id.
//
// Order in the router: otelgin, RequestID, RedactingLogger, Recovery.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	ctxKeyLogger    = "logger"

	// maxRequestIDLen bounds inbound ids; longer ones are replaced.
	maxRequestIDLen   = 128
	maxQueryLogLength = 2048
)

// RequestID propagates X-Request-ID or mints a UUID when the header is
// missing, too long, or contains anything but printable ASCII.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDFrom returns the correlation id set by RequestID, or "".
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Recovery converts a panic into a 500 with the standard error envelope
// unless the handler already started writing.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("path", c.Request.URL.Path).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when
// RedactingLogger did not run. Never nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(ctxKeyLogger); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Str("request_id", RequestIDFrom(c)).Logger()
	return &l
}

// scopedLogger builds the per-request logger and stores it on c.
func scopedLogger(c *gin.Context) *zerolog.Logger {
	lc := log.With().Str("request_id", RequestIDFrom(c))
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
		lc = lc.Str("trace_id", sc.TraceID().String())
	}
	l := lc.Logger()
	c.Set(ctxKeyLogger, &l)
	return &l
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate cuts s to max bytes and appends an ellipsis. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
