// Package attachcache keeps message attachments alive after the remote CDN
// link expires. A remote URL is reduced to a content identity (the URL with
// query and fragment removed, hashed), the bytes are downloaded once into a
// blobstore.Store under a key derived from that identity, and a stable local
// URL is handed back.
//
// Rows in cached_attachments are written only after the blob is stored. A row
// whose blob has disappeared is treated as a miss and re-downloaded.
package attachcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/tbourn/go-updates-feed/internal/blobstore"
	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/grouping"
	"github.com/tbourn/go-updates-feed/internal/repo"
)

const (
	// DefaultMaxBytes is the hard size ceiling for one attachment.
	DefaultMaxBytes int64 = 50 << 20

	// DefaultMediaRoute is the path prefix local URLs are served under.
	DefaultMediaRoute = "/media"

	identityLen = 16
	keyPrefix   = "attachments/"
)

// DefaultHosts are the trusted remote media hosts.
var DefaultHosts = []string{"cdn.discordapp.com", "media.discordapp.net"}

// allowedTypes maps each accepted content type to the extension used in its
// storage key.
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
}

var typesByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
}

var localNameRE = regexp.MustCompile(`^[0-9a-f]{16}\.[a-z0-9]{2,5}$`)

// Options configures a Cache. Zero values fall back to package defaults.
type Options struct {
	// AllowedHosts lists trusted media hosts; subdomains are accepted too.
	AllowedHosts []string
	// MaxBytes caps a single download.
	MaxBytes int64
	// PublicBaseURL is prepended to MediaRoute when building local URLs.
	PublicBaseURL string
	// MediaRoute is the path the media handler is mounted on.
	MediaRoute string
	// Concurrency bounds CacheAll.
	Concurrency int
	// Timeout bounds each fetch, including one that outlives its caller.
	Timeout time.Duration
	// Client overrides the HTTP client used for downloads.
	Client *http.Client
}

// Result is the outcome of caching one URL.
type Result struct {
	LocalURL         string
	Filename         string
	ContentType      string
	WasAlreadyCached bool
}

// Cache is a content-addressed attachment cache backed by a blob store and
// the cached_attachments table. It is safe for concurrent use.
type Cache struct {
	DB    *gorm.DB
	Store blobstore.Store

	client      *http.Client
	hosts       []string
	maxBytes    int64
	baseURL     string
	route       string
	concurrency int
	timeout     time.Duration

	flight singleflight.Group
}

// New builds a Cache over db and store.
func New(db *gorm.DB, store blobstore.Store, opts Options) *Cache {
	c := &Cache{
		DB:          db,
		Store:       store,
		client:      opts.Client,
		maxBytes:    opts.MaxBytes,
		baseURL:     strings.TrimRight(opts.PublicBaseURL, "/"),
		route:       "/" + strings.Trim(opts.MediaRoute, "/"),
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout}
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxBytes
	}
	if c.route == "/" {
		c.route = DefaultMediaRoute
	}
	if c.concurrency <= 0 {
		c.concurrency = 4
	}
	hosts := opts.AllowedHosts
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			c.hosts = append(c.hosts, h)
		}
	}
	return c
}

// Identity derives the content identity of rawURL: the URL without query or
// fragment, SHA-256 hashed, first 16 hex characters.
func Identity(rawURL string) (string, error) {
	u, err := parseRemote(rawURL)
	if err != nil {
		return "", err
	}
	return identityOf(u), nil
}

func parseRemote(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, ErrInvalidURL
	}
	return u, nil
}

func identityOf(u *url.URL) string {
	stripped := *u
	stripped.RawQuery = ""
	stripped.ForceQuery = false
	stripped.Fragment = ""
	stripped.RawFragment = ""
	sum := sha256.Sum256([]byte(stripped.String()))
	return hex.EncodeToString(sum[:])[:identityLen]
}

// LocalURL returns the public URL for a stored file name.
func (c *Cache) LocalURL(filename string) string {
	return c.baseURL + c.route + "/" + filename
}

// Cache stores the attachment behind rawURL, or reuses the stored copy, and
// returns its local URL. hintedType, when set, takes precedence over the
// filename extension.
func (c *Cache) Cache(ctx context.Context, rawURL, hintedType string) (Result, error) {
	ctx, span := otel.Tracer("attachcache").Start(ctx, "Cache",
		trace.WithAttributes(attribute.String("attachment.url", rawURL)),
	)
	defer span.End()

	res, err := c.cache(ctx, rawURL, hintedType)
	switch {
	case err == nil && res.WasAlreadyCached:
		cacheReqs.WithLabelValues(resultHit).Inc()
	case err == nil:
		cacheReqs.WithLabelValues(resultStored).Inc()
	case isRejection(err):
		cacheReqs.WithLabelValues(resultRejected).Inc()
	default:
		cacheReqs.WithLabelValues(resultFailed).Inc()
	}
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (c *Cache) cache(ctx context.Context, rawURL, hintedType string) (Result, error) {
	u, err := parseRemote(rawURL)
	if err != nil {
		return Result{}, err
	}
	if !c.trusted(u.Hostname()) {
		return Result{}, ErrUnsupportedSource
	}
	ct, ext, err := resolveType(hintedType, u.Path)
	if err != nil {
		return Result{}, err
	}
	id := identityOf(u)

	// The first caller's download serves every concurrent caller for the
	// same identity; it must not die with that caller's request.
	v, err, _ := c.flight.Do(id+ext, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(fctx, u, id, ct, ext)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Cache) fetch(ctx context.Context, u *url.URL, id, ct, ext string) (Result, error) {
	if rec, err := repo.GetCachedAttachment(ctx, c.DB, id); err == nil {
		if _, herr := c.Store.Head(ctx, rec.StorageKey); herr == nil {
			return Result{
				LocalURL:         c.LocalURL(rec.Filename),
				Filename:         rec.Filename,
				ContentType:      rec.ContentType,
				WasAlreadyCached: true,
			}, nil
		} else if errors.Is(herr, blobstore.ErrNotFound) {
			log.Warn().Str("identity", id).Str("key", rec.StorageKey).Msg("cached attachment row without blob, re-downloading")
		} else {
			return Result{}, herr
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Result{}, err
	}

	data, err := c.download(ctx, u)
	if err != nil {
		return Result{}, err
	}

	filename := id + ext
	key := keyPrefix + filename
	if err := c.Store.Put(ctx, key, data, ct); err != nil {
		return Result{}, fmt.Errorf("store blob: %w", err)
	}
	rec := &domain.CachedAttachment{
		URLIdentity: id,
		StorageKey:  key,
		Filename:    filename,
		ContentType: ct,
		SizeBytes:   int64(len(data)),
		OriginalURL: u.String(),
		CachedAt:    time.Now().UTC(),
	}
	if err := repo.UpsertCachedAttachment(ctx, c.DB, rec); err != nil {
		return Result{}, fmt.Errorf("record cached attachment: %w", err)
	}
	cacheBytes.Add(float64(len(data)))
	log.Debug().
		Str("identity", id).
		Str("content_type", ct).
		Str("size", humanize.Bytes(uint64(len(data)))).
		Msg("attachment cached")

	return Result{LocalURL: c.LocalURL(filename), Filename: filename, ContentType: ct}, nil
}

// download reads the whole body, enforcing maxBytes on both the declared
// Content-Length and the bytes actually received.
func (c *Cache) download(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}
	if resp.ContentLength > c.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge,
			humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(c.maxBytes)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("%w: more than %s", ErrTooLarge, humanize.Bytes(uint64(c.maxBytes)))
	}
	return data, nil
}

// CacheAll caches items concurrently. The result has one entry per item, in
// order; an item that cannot be cached keeps its original URL with
// Cached=false.
func (c *Cache) CacheAll(ctx context.Context, items []grouping.Attachment) []domain.Attachment {
	out := make([]domain.Attachment, len(items))
	if len(items) == 0 {
		return out
	}
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, a := range items {
		g.Go(func() error {
			res, err := c.Cache(ctx, a.URL, a.ContentType)
			if err != nil {
				log.Warn().Err(err).Str("url", a.URL).Str("filename", a.Filename).Msg("attachment not cached, keeping original url")
				out[i] = Fallback(a)
				return nil
			}
			name := a.Filename
			if name == "" {
				name = res.Filename
			}
			out[i] = domain.Attachment{
				LocalURL:    res.LocalURL,
				OriginalURL: a.URL,
				Filename:    name,
				ContentType: res.ContentType,
				Cached:      true,
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Fallback describes an attachment that points at its original remote URL.
func Fallback(a grouping.Attachment) domain.Attachment {
	ct := baseType(a.ContentType)
	if ct == "" {
		ct = typesByExt[strings.ToLower(path.Ext(a.Filename))]
	}
	return domain.Attachment{
		LocalURL:    a.URL,
		OriginalURL: a.URL,
		Filename:    a.Filename,
		ContentType: ct,
		Cached:      false,
	}
}

// Open returns the stored blob for a local file name as produced by Cache.
func (c *Cache) Open(ctx context.Context, filename string) (io.ReadCloser, blobstore.Info, error) {
	if !localNameRE.MatchString(filename) {
		return nil, blobstore.Info{}, blobstore.ErrNotFound
	}
	return c.Store.Get(ctx, keyPrefix+filename)
}

func (c *Cache) trusted(host string) bool {
	host = strings.ToLower(host)
	for _, h := range c.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// resolveType picks the content type from the hint, else from the URL path's
// extension, and rejects anything off the allow-list.
func resolveType(hint, urlPath string) (ct, ext string, err error) {
	ct = baseType(hint)
	if ct == "" {
		ct = typesByExt[strings.ToLower(path.Ext(urlPath))]
	}
	ext, ok := allowedTypes[ct]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedType, ct)
	}
	return ct, ext, nil
}

func baseType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	return strings.ToLower(v)
}

func isRejection(err error) bool {
	return errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrUnsupportedSource) ||
		errors.Is(err, ErrUnsupportedType) ||
		errors.Is(err, ErrTooLarge)
}
