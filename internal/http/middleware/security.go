package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	hdrExpose       = "Access-Control-Expose-Headers"
	defaultHSTSTime = 180 * 24 * time.Hour
)

// SecurityOptions selects the optional headers SecurityHeaders adds on top
// of the baseline (nosniff, frame DENY, no-referrer).
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests only.
	EnableHSTS bool
	HSTSMaxAge time.Duration // 180 days when <= 0

	// NoStore marks responses uncacheable. Used on the admin group.
	NoStore bool

	// EnablePolicy adds Permissions-Policy and X-Permitted-Cross-Domain-Policies.
	EnablePolicy bool

	// ResourcePolicy sets Cross-Origin-Resource-Policy. Cached media is
	// embedded by feed pages on other origins, so it wants "cross-origin".
	ResourcePolicy string

	// ExposeHeaders are added to Access-Control-Expose-Headers when the
	// response carries them. Nil means DefaultExposeHeaders, empty means none.
	ExposeHeaders []string
}

// DefaultExposeHeaders lets browser feed readers see the correlation id and
// revalidate pages with If-None-Match.
var DefaultExposeHeaders = []string{requestIDHeader, "ETag"}

// SecurityHeaders sets hardening headers on every response. The service
// never renders HTML, so there is no CSP.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	hsts := ""
	if opt.EnableHSTS {
		age := opt.HSTSMaxAge
		if age <= 0 {
			age = defaultHSTSTime
		}
		hsts = "max-age=" + strconv.FormatInt(int64(age/time.Second), 10) + "; includeSubDomains; preload"
	}
	expose := opt.ExposeHeaders
	if expose == nil {
		expose = DefaultExposeHeaders
	}

	fixed := http.Header{}
	fixed.Set("X-Content-Type-Options", "nosniff")
	fixed.Set("X-Frame-Options", "DENY")
	fixed.Set("Referrer-Policy", "no-referrer")
	if opt.EnablePolicy {
		fixed.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
		fixed.Set("X-Permitted-Cross-Domain-Policies", "none")
	}
	if opt.NoStore {
		fixed.Set("Cache-Control", "no-store")
		fixed.Set("Pragma", "no-cache")
		fixed.Set("Expires", "0")
	}
	if opt.ResourcePolicy != "" {
		fixed.Set("Cross-Origin-Resource-Policy", opt.ResourcePolicy)
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		for k, v := range fixed {
			h.Set(k, v[0])
		}
		if hsts != "" && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		if len(expose) > 0 {
			exposePresent(h, expose)
			// ETag is only known once the handler runs.
			c.Writer = &exposeWriter{ResponseWriter: c.Writer, expose: expose}
		}
		c.Next()
	}
}

// isHTTPS trusts X-Forwarded-Proto from the fronting proxy.
func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func exposePresent(h http.Header, names []string) {
	list := h.Get(hdrExpose)
	for _, name := range names {
		if h.Get(name) == "" || hasToken(list, name) {
			continue
		}
		if list == "" {
			list = name
		} else {
			list += ", " + name
		}
	}
	if list != "" {
		h.Set(hdrExpose, list)
	}
}

func hasToken(list, name string) bool {
	for _, part := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return true
		}
	}
	return false
}

// exposeWriter runs exposePresent once, just before the status line goes out.
type exposeWriter struct {
	gin.ResponseWriter
	expose []string
	done   bool
}

func (w *exposeWriter) flush() {
	if !w.done {
		w.done = true
		exposePresent(w.ResponseWriter.Header(), w.expose)
	}
}

func (w *exposeWriter) WriteHeader(code int) { w.flush(); w.ResponseWriter.WriteHeader(code) }
func (w *exposeWriter) WriteHeaderNow()      { w.flush(); w.ResponseWriter.WriteHeaderNow() }

func (w *exposeWriter) Write(b []byte) (int, error) {
	w.flush()
	return w.ResponseWriter.Write(b)
}

func (w *exposeWriter) WriteString(s string) (int, error) {
	w.flush()
	return w.ResponseWriter.WriteString(s)
}
