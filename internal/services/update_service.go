// Package services – UpdateService
//
// This file implements the read side of the feed: paginated listing and
// single-update lookup. Every returned update has its channel links rewritten
// into "[#channel-name](url)" markdown. Channel names are resolved through a
// cache that lives for one call, so a page that mentions the same channel ten
// times costs one lookup.
//
// Reads never write to the store.
package services

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/repo"
	"github.com/tbourn/go-updates-feed/internal/utils"
)

const (
	// DefaultPageLimit is used when the caller passes no limit.
	DefaultPageLimit = 20
	// MaxPageLimit caps the page size.
	MaxPageLimit = 100
)

// UpdateRepo defines the repository contract required by UpdateService.
type UpdateRepo interface {
	// ListUpdatesPage returns a page of updates, newest first.
	ListUpdatesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Update, error)

	// GetUpdate fetches one update by id.
	GetUpdate(ctx context.Context, db *gorm.DB, id string) (*domain.Update, error)

	// UpdatesStats returns the row count and latest updated_at (for ETags).
	UpdatesStats(ctx context.Context, db *gorm.DB) (int64, *time.Time, error)
}

// ChannelResolver looks up a channel's display name.
type ChannelResolver interface {
	ChannelName(ctx context.Context, channelID string) (string, error)
}

// Page is one page of the feed.
type Page struct {
	Updates []domain.Update
	Limit   int
	Offset  int
	HasMore bool
}

// UpdateService serves the public feed.
type UpdateService struct {
	// DB is the GORM handle used for reads.
	DB *gorm.DB
	// Repo is the update repository used by this service.
	Repo UpdateRepo
	// Channels resolves channel names for link rewriting. Optional.
	Channels ChannelResolver
	// GuildID restricts rewriting to links into this community. Empty
	// rewrites links of any community.
	GuildID string
}

// NewUpdateService constructs an UpdateService.
func NewUpdateService(db *gorm.DB, r UpdateRepo, channels ChannelResolver, guildID string) *UpdateService {
	return &UpdateService{DB: db, Repo: r, Channels: channels, GuildID: guildID}
}

// ClampPage normalizes limit and offset: limit defaults to DefaultPageLimit
// and is capped at MaxPageLimit, offset is never negative.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return utils.Clamp(limit, 1, MaxPageLimit), utils.Clamp(offset, 0, -1)
}

// List returns one page of updates ordered by timestamp, newest first.
func (s *UpdateService) List(ctx context.Context, limit, offset int) (*Page, error) {
	limit, offset = ClampPage(limit, offset)

	tr := otel.Tracer("services/UpdateService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.Int("limit", limit),
			attribute.Int("offset", offset),
		),
	)
	defer span.End()

	// One extra row tells us whether another page exists.
	items, err := s.Repo.ListUpdatesPage(ctx, s.DB, offset, limit+1)
	if err != nil {
		return nil, err
	}
	page := &Page{Limit: limit, Offset: offset}
	if len(items) > limit {
		page.HasMore = true
		items = items[:limit]
	}
	if items == nil {
		items = []domain.Update{}
	}

	rw := s.rewriter()
	for i := range items {
		rewriteUpdate(ctx, rw, &items[i])
	}
	page.Updates = items
	return page, nil
}

// Get returns one update by id with its links rewritten.
func (s *UpdateService) Get(ctx context.Context, id string) (*domain.Update, error) {
	tr := otel.Tracer("services/UpdateService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("update.id", id)))
	defer span.End()

	u, err := s.Repo.GetUpdate(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUpdateNotFound
	}
	if err != nil {
		return nil, err
	}
	rewriteUpdate(ctx, s.rewriter(), u)
	return u, nil
}

// Stats returns the total count and latest modification time of the feed.
func (s *UpdateService) Stats(ctx context.Context) (int64, *time.Time, error) {
	return s.Repo.UpdatesStats(ctx, s.DB)
}

func (s *UpdateService) rewriter() *LinkRewriter {
	return NewLinkRewriter(s.Channels, s.GuildID)
}

// rewriteUpdate rewrites channel links in every text field a reader sees.
func rewriteUpdate(ctx context.Context, rw *LinkRewriter, u *domain.Update) {
	u.Title = rw.Rewrite(ctx, u.Title)
	u.Content = rw.Rewrite(ctx, u.Content)
	if len(u.Embeds) == 0 {
		return
	}
	u.Embeds = slices.Clone(u.Embeds)
	for i := range u.Embeds {
		u.Embeds[i].Description = rw.Rewrite(ctx, u.Embeds[i].Description)
	}
}
