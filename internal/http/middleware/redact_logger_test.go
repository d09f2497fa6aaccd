package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const sampleBotToken = "MTA5ODc2NTQzMjEwOTg3NjU0Mw.GhIjKl.abcdefghijklmnopqrstuvwxyz0123"

func withCapturedLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("log line is not JSON: %v: %q", err, buf.String())
	}
	return m
}

func TestRedactingLogger_MasksSecretsKeepsIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.GET("/updates/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	id := "123e4567-e89b-12d3-a456-426614174000"
	req := httptest.NewRequest(http.MethodGet, "/updates/"+id+"?token=hunter2&ref=ops@example.com&limit=5", nil)
	req.Header.Set("Authorization", "Bot "+sampleBotToken)
	req.Header.Set("Cookie", "sid=topsecret")
	req.Header.Set(HeaderAdminToken, "s3cret")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Debug", "forwarded "+sampleBotToken+" for a@b.com")
	req.Header.Set(requestIDHeader, "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	logs := buf.String()
	for _, leak := range []string{"hunter2", "s3cret", "shhh", "topsecret", sampleBotToken, "ops@example.com"} {
		if strings.Contains(logs, leak) {
			t.Fatalf("log leaks %q: %s", leak, logs)
		}
	}

	e := lastEntry(t, buf)
	if e["level"] != "info" || e["path"] != "/updates/:id" || e["request_id"] != "rid-1" {
		t.Fatalf("unexpected entry: %v", e)
	}
	q, _ := e["query"].(string)
	if !strings.Contains(q, "limit=5") || !strings.Contains(q, "token=%5BREDACTED%5D") {
		t.Fatalf("query = %q", q)
	}
	h, _ := e["headers"].(map[string]any)
	if h[HeaderAdminToken] != redacted || h["Authorization"] != redacted || h["X-Api-Key"] != redacted {
		t.Fatalf("headers not masked: %v", h)
	}
	if h["X-Debug"] != "forwarded [REDACTED:token] for [REDACTED:email]" {
		t.Fatalf("X-Debug = %v", h["X-Debug"])
	}
}

func TestRedactingLogger_Levels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{}))
	r.GET("/warn", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/error", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/ginerr", func(c *gin.Context) {
		_ = c.Error(http.ErrHandlerTimeout)
		c.Status(http.StatusOK)
	})

	for path, want := range map[string]string{"/warn": "warn", "/error": "error", "/ginerr": "error"} {
		buf.Reset()
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		if got := lastEntry(t, buf)["level"]; got != want {
			t.Fatalf("%s level = %v; want %s", path, got, want)
		}
	}
}

func TestRedactingLogger_AttachesScopedLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{}))
	r.GET("/x", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside")
		c.Status(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(requestIDHeader, "rid-scoped")
	r.ServeHTTP(httptest.NewRecorder(), req)

	first := strings.Split(strings.TrimSpace(buf.String()), "\n")[0]
	if !strings.Contains(first, `"message":"inside"`) || !strings.Contains(first, `"request_id":"rid-scoped"`) {
		t.Fatalf("handler log missing scope: %s", first)
	}
}

func Test_redactQuery(t *testing.T) {
	cases := map[string]string{
		"":                      "",
		"limit=20&offset=40":    "limit=20&offset=40",
		"KEY=abc":               "KEY=%5BREDACTED%5D",
		"%zz=" + sampleBotToken: "%zz=[REDACTED:token]",
	}
	for in, want := range cases {
		if got := redactQuery(in); got != want {
			t.Fatalf("redactQuery(%q) = %q; want %q", in, got, want)
		}
	}
}
