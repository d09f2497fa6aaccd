// Package config loads the service configuration from environment variables,
// applies defaults and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/tbourn/go-updates-feed/internal/sysutil"
)

// ServerConfig holds the http.Server settings.
type ServerConfig struct {
	Port              string        // PORT
	ReadTimeout       time.Duration // READ_TIMEOUT
	ReadHeaderTimeout time.Duration // READ_HEADER_TIMEOUT
	WriteTimeout      time.Duration // WRITE_TIMEOUT
	IdleTimeout       time.Duration // IDLE_TIMEOUT
	MaxHeaderBytes    int           // MAX_HEADER_BYTES
	GinMode           string        // GIN_MODE: debug|release|test
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string // LOG_LEVEL
	Pretty bool   // LOG_PRETTY, console writer instead of JSON
}

// CORSConfig lists the origins allowed to call the API. Empty allows all.
type CORSConfig struct {
	AllowedOrigins []string // CORS_ALLOWED_ORIGINS
}

// SecurityConfig controls HSTS.
type SecurityConfig struct {
	EnableHSTS bool          // ENABLE_HSTS
	HSTSMaxAge time.Duration // HSTS_MAX_AGE
}

// OTELConfig configures trace export.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_TRACES_ENDPOINT or OTEL_EXPORTER_OTLP_ENDPOINT, host:port
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0,1]
}

// DiscordConfig identifies the bot and the announcement channel it follows.
type DiscordConfig struct {
	Token     string // DISCORD_TOKEN
	ChannelID string // DISCORD_CHANNEL_ID
	GuildID   string // DISCORD_GUILD_ID, used for link rewriting
}

// SyncConfig tunes grouping and resynchronisation.
type SyncConfig struct {
	Window            time.Duration // GROUPING_WINDOW
	BackfillLimit     int           // BACKFILL_LIMIT
	ResyncSchedule    string        // RESYNC_SCHEDULE, cron spec; empty disables
	IngestConcurrency int           // INGEST_CONCURRENCY
}

// MediaConfig configures the attachment cache and its blob storage.
type MediaConfig struct {
	Hosts            []string      // MEDIA_HOSTS
	MaxSize          int64         // MAX_ATTACHMENT_SIZE, e.g. "50MB"
	BlobBackend      string        // BLOB_BACKEND: fs|pebble
	BlobPath         string        // BLOB_PATH
	PublicBaseURL    string        // PUBLIC_BASE_URL
	Route            string        // MEDIA_ROUTE
	DownloadTimeout  time.Duration // DOWNLOAD_TIMEOUT
	CacheConcurrency int           // CACHE_CONCURRENCY
}

// Config is the full service configuration.
type Config struct {
	Server ServerConfig
	Log    LogConfig

	SwaggerEnabled bool   // SWAGGER_ENABLED
	APIBasePath    string // API_BASE_PATH
	DBPath         string // DB_PATH
	AdminToken     string // ADMIN_TOKEN; empty disables the admin API

	Discord DiscordConfig
	Sync    SyncConfig
	Media   MediaConfig

	RateRPS   float64 // RATE_RPS, tokens per second per client
	RateBurst int     // RATE_BURST

	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration // IDEMPOTENCY_TTL

	OTEL OTELConfig
}

// MustLoad is Load for tests and tools; it panics on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the environment. Malformed values and failed checks are all
// reported together in one joined error.
func Load() (Config, error) {
	var e env
	cfg := Config{
		Server: ServerConfig{
			Port:              e.str("PORT", "8080"),
			ReadTimeout:       e.dur("READ_TIMEOUT", 15*time.Second),
			ReadHeaderTimeout: e.dur("READ_HEADER_TIMEOUT", 10*time.Second),
			WriteTimeout:      e.dur("WRITE_TIMEOUT", 20*time.Second),
			IdleTimeout:       e.dur("IDLE_TIMEOUT", 60*time.Second),
			MaxHeaderBytes:    e.int("MAX_HEADER_BYTES", 1<<20),
			GinMode:           strings.ToLower(e.str("GIN_MODE", "release")),
		},
		Log: LogConfig{
			Level:  strings.ToLower(e.str("LOG_LEVEL", "info")),
			Pretty: e.bool("LOG_PRETTY", false),
		},
		SwaggerEnabled: e.bool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(e.str("API_BASE_PATH", "/api/v1")),
		DBPath:         e.str("DB_PATH", "updates.db"),
		AdminToken:     e.str("ADMIN_TOKEN", ""),

		Discord: DiscordConfig{
			Token:     e.str("DISCORD_TOKEN", ""),
			ChannelID: e.str("DISCORD_CHANNEL_ID", ""),
			GuildID:   e.str("DISCORD_GUILD_ID", ""),
		},
		Sync: SyncConfig{
			Window:            e.dur("GROUPING_WINDOW", 5*time.Minute),
			BackfillLimit:     e.int("BACKFILL_LIMIT", 100),
			ResyncSchedule:    strings.TrimSpace(e.str("RESYNC_SCHEDULE", "@every 15m")),
			IngestConcurrency: e.int("INGEST_CONCURRENCY", 8),
		},
		Media: MediaConfig{
			Hosts:            splitCSV(e.str("MEDIA_HOSTS", "cdn.discordapp.com,media.discordapp.net")),
			MaxSize:          e.bytes("MAX_ATTACHMENT_SIZE", 50*humanize.MiByte),
			BlobBackend:      strings.ToLower(e.str("BLOB_BACKEND", "fs")),
			BlobPath:         e.str("BLOB_PATH", "data/media"),
			PublicBaseURL:    strings.TrimRight(e.str("PUBLIC_BASE_URL", ""), "/"),
			Route:            normalizeBasePath(e.str("MEDIA_ROUTE", "/media")),
			DownloadTimeout:  e.dur("DOWNLOAD_TIMEOUT", 30*time.Second),
			CacheConcurrency: e.int("CACHE_CONCURRENCY", 4),
		},

		RateRPS:   e.float("RATE_RPS", 5.0),
		RateBurst: e.int("RATE_BURST", 10),

		CORS: CORSConfig{AllowedOrigins: splitCSV(e.str("CORS_ALLOWED_ORIGINS", ""))},
		Security: SecurityConfig{
			EnableHSTS: e.bool("ENABLE_HSTS", false),
			HSTSMaxAge: e.dur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: e.dur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     e.bool("OTEL_ENABLED", false),
			Endpoint:    otlpEndpoint(),
			Insecure:    e.bool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: e.str("OTEL_SERVICE_NAME", "go-updates-feed"),
			SampleRatio: e.float("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if cfg.Log.Level == "warning" {
		cfg.Log.Level = "warn"
	}
	switch cfg.Server.GinMode {
	case "debug", "release", "test":
	default:
		cfg.Server.GinMode = "release"
	}

	return cfg, errors.Join(append(e.errs, cfg.validate()...)...)
}

// otlpEndpoint prefers the traces-specific endpoint over the shared one.
func otlpEndpoint() string {
	return strings.TrimSpace(sysutil.FirstNonEmpty(
		os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		"localhost:4317",
	))
}

func (c Config) validate() []error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of: trace, debug, info, warn, error, fatal, panic, disabled", c.Log.Level))
	}
	s := c.Server
	check(strings.TrimSpace(s.Port) != "", "PORT must not be empty")
	check(s.ReadTimeout > 0 && s.ReadHeaderTimeout > 0 && s.WriteTimeout > 0 && s.IdleTimeout > 0, "timeouts must be positive durations")
	check(s.MaxHeaderBytes > 0, "MAX_HEADER_BYTES must be > 0")
	check(strings.TrimSpace(c.DBPath) != "", "DB_PATH must not be empty")

	check(c.Sync.Window > 0, "GROUPING_WINDOW must be > 0")
	check(c.Sync.BackfillLimit >= 1, "BACKFILL_LIMIT must be >= 1")
	if c.Sync.ResyncSchedule != "" {
		if _, err := cron.ParseStandard(c.Sync.ResyncSchedule); err != nil {
			errs = append(errs, fmt.Errorf("RESYNC_SCHEDULE: %w", err))
		}
	}
	check(c.Sync.IngestConcurrency >= 1 && c.Media.CacheConcurrency >= 1, "INGEST_CONCURRENCY and CACHE_CONCURRENCY must be >= 1")

	m := c.Media
	check(len(m.Hosts) > 0, "MEDIA_HOSTS must list at least one host")
	check(m.MaxSize > 0, "MAX_ATTACHMENT_SIZE must be > 0")
	check(m.BlobBackend == "fs" || m.BlobBackend == "pebble", "BLOB_BACKEND must be one of: fs, pebble")
	check(strings.TrimSpace(m.BlobPath) != "", "BLOB_PATH must not be empty")
	check(m.Route != "/" && m.Route != c.APIBasePath, "MEDIA_ROUTE must be a sub-path distinct from API_BASE_PATH")
	check(m.DownloadTimeout > 0, "DOWNLOAD_TIMEOUT must be > 0")

	check(c.RateRPS >= 0, "RATE_RPS must be >= 0")
	check(c.RateBurst >= 1, "RATE_BURST must be >= 1")
	check(c.Security.HSTSMaxAge >= 0, "HSTS_MAX_AGE must be >= 0")
	check(c.IdempotencyTTL > 0, "IDEMPOTENCY_TTL must be > 0")
	check(c.OTEL.SampleRatio >= 0 && c.OTEL.SampleRatio <= 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	return errs
}

// ValidateDiscord checks the settings the live source needs. Commands that only
// serve stored data skip it.
func (c Config) ValidateDiscord() error {
	if strings.TrimSpace(c.Discord.Token) == "" {
		return errors.New("DISCORD_TOKEN must not be empty")
	}
	if strings.TrimSpace(c.Discord.ChannelID) == "" {
		return errors.New("DISCORD_CHANNEL_ID must not be empty")
	}
	return nil
}

// env reads typed variables. Unset or blank keys take the default; values
// that do not parse are collected in errs.
type env struct {
	errs []error
}

func (e *env) lookup(k string) (string, bool) {
	v, ok := os.LookupEnv(k)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) fail(k, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", k, v, err))
}

func (e *env) str(k, def string) string {
	if v, ok := e.lookup(k); ok {
		return v
	}
	return def
}

func (e *env) int(k string, def int) int {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return n
}

func (e *env) float(k string, def float64) float64 {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return f
}

func (e *env) bool(k string, def bool) bool {
	v, ok := e.lookup(k)
	switch {
	case !ok:
		return def
	case sysutil.IsTruthy(v):
		return true
	case sysutil.IsFalsy(v):
		return false
	}
	e.fail(k, v, errors.New("not a boolean"))
	return def
}

func (e *env) dur(k string, def time.Duration) time.Duration {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return d
}

// bytes accepts humanized sizes such as "50MB" or "1.5 GiB".
func (e *env) bytes(k string, def uint64) int64 {
	v, ok := e.lookup(k)
	if !ok {
		return int64(def)
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		e.fail(k, v, err)
		return int64(def)
	}
	return int64(n)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath returns p with a leading slash and no trailing one;
// blank becomes "/".
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	return "/" + p
}
