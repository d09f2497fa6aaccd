package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries a client-chosen key that makes retries of an
// unsafe request (POST /admin/sync) safe.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemScope  = "idem.scope"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"

	defaultIdemMaxLen = 200
)

var defaultIdemPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the key accepted by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, _ := c.Get(ctxKeyIdemKey)
	s, _ := v.(string)
	return s, s != ""
}

// GetIdempotencyScope returns the namespace of the accepted key, or "".
func GetIdempotencyScope(c *gin.Context) string {
	v, _ := c.Get(ctxKeyIdemScope)
	s, _ := v.(string)
	return s
}

// IsReplay reports whether a completed request with the same scope and key
// was found.
func IsReplay(c *gin.Context) bool {
	v, _ := c.Get(ctxKeyIdemReplay)
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length (default 200).
	MaxLen int
	// Pattern restricts key characters (default ^[A-Za-z0-9._~\-:]+$).
	Pattern *regexp.Regexp
	// Scope namespaces keys; the matched route (c.FullPath()) when nil.
	Scope func(*gin.Context) string
}

// IdempotencyLookup reports whether a still-valid record exists for
// (scope, key) at now. TTL is the lookup's concern.
type IdempotencyLookup func(ctx context.Context, scope, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator checks Idempotency-Key on POST, PUT, PATCH and
// DELETE. A malformed key is rejected with 400. A valid key is stored with
// its scope; when lookup finds a prior record the request is flagged as a
// replay and exempted from rate limiting. Safe methods pass through
// untouched, as do requests without the header. Lookup errors are logged and
// treated as a miss; the handler still owns serving the replayed result.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultIdemMaxLen
	}
	if opts.Pattern == nil {
		opts.Pattern = defaultIdemPattern
	}
	if opts.Scope == nil {
		opts.Scope = func(c *gin.Context) string { return c.FullPath() }
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !unsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > opts.MaxLen || !opts.Pattern.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_request",
				"message":    "invalid Idempotency-Key",
			})
			return
		}

		scope := opts.Scope(c)
		c.Set(ctxKeyIdemKey, key)
		c.Set(ctxKeyIdemScope, scope)

		if lookup != nil {
			exists, err := lookup(c.Request.Context(), scope, key, time.Now().UTC())
			switch {
			case err != nil:
				LoggerFrom(c).Warn().Err(err).Str("scope", scope).Msg("idempotency lookup failed")
			case exists:
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
