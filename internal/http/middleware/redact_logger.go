package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const redacted = "[REDACTED]"

var (
	// Discord bot tokens: base64 user id, timestamp and HMAC separated by dots.
	botTokenRE = regexp.MustCompile(`[MNO][A-Za-z\d_-]{23,27}\.[A-Za-z\d_-]{6}\.[A-Za-z\d_-]{27,}`)
	emailRE    = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)

	// Headers never logged in clear.
	defaultMaskHeaders = []string{"authorization", "cookie", "set-cookie", strings.ToLower(HeaderAdminToken)}
	// Query parameters whose values are dropped.
	secretParams = []string{"token", "access_token", "key", "secret", "password"}
)

// RedactOptions adds header names to mask on top of Authorization, Cookie,
// Set-Cookie and X-Admin-Token.
type RedactOptions struct {
	MaskHeaders []string
}

// RedactingLogger writes one structured access log line per request and
// attaches the request-scoped logger used by LoggerFrom.
//
// Bodies are never logged. Sensitive headers are masked. Query values
// under secret-looking keys are replaced; elsewhere Discord bot tokens and
// email addresses are scrubbed from query and header values. Update and
// sync run ids stay readable.
//
// Level: info for 2xx/3xx, warn for 4xx, error for 5xx or gin errors.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	mask := make(map[string]struct{}, len(defaultMaskHeaders)+len(opts.MaskHeaders))
	for _, h := range append(append([]string{}, defaultMaskHeaders...), opts.MaskHeaders...) {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()
		lg := scopedLogger(c)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		query := truncate(redactQuery(c.Request.URL.RawQuery), maxQueryLogLength)

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := mask[strings.ToLower(k)]; ok {
				headers[k] = redacted
				continue
			}
			headers[k] = scrub(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()
		ev := lg.Info()
		switch {
		case len(c.Errors) > 0 || status >= 500:
			ev = lg.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", c.Errors.String())
			}
		case status >= 400:
			ev = lg.Warn()
		}
		ev.Str("principal", Principal(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int64("bytes_in", c.Request.ContentLength).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

// scrub removes bot tokens and email addresses from s.
func scrub(s string) string {
	if s == "" {
		return s
	}
	s = botTokenRE.ReplaceAllString(s, "[REDACTED:token]")
	return emailRE.ReplaceAllString(s, "[REDACTED:email]")
}

// redactQuery masks values of secret-looking parameters and scrubs the rest.
// Unparseable queries are scrubbed as a whole.
func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return scrub(raw)
	}
	for k, vv := range vals {
		secret := false
		for _, p := range secretParams {
			if strings.EqualFold(k, p) {
				secret = true
				break
			}
		}
		for i := range vv {
			if secret {
				vv[i] = redacted
			} else {
				vv[i] = scrub(vv[i])
			}
		}
	}
	return vals.Encode()
}
