// Package services – SyncService
//
// This file implements the synchronizer that reconciles the live event feed
// and the cold-start backfill against the updates table. Each logical update
// moves through four states:
//
//	absent ──openUpdate──▶ open ──(window elapses)──▶ closed
//	                        │ extendUpdate                │
//	                        ▼                             ▼
//	                      open        deleteUpdate ──▶ deleted
//
// "Open" is never stored; StateOf derives it from the row's timestamp. Each
// transition is one method taking the transaction it runs in. The public
// Handle* methods and Backfill pick the transition.
//
// Two mechanisms keep one row per logical update when events race:
//   - a per-author mutex around "find open update, then insert or extend",
//     executed inside a DB transaction;
//   - the unique index on primary_source_id; a duplicate insert is absorbed.
package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/grouping"
	"github.com/tbourn/go-updates-feed/internal/ingest"
	"github.com/tbourn/go-updates-feed/internal/repo"
)

// DefaultBackfillLimit is how many recent messages a backfill reads.
const DefaultBackfillLimit = 100

// Sync run triggers.
const (
	TriggerStartup  = "startup"
	TriggerSchedule = "schedule"
	TriggerAdmin    = "admin"
	TriggerCLI      = "cli"
)

// State is the lifecycle state of a logical update.
type State int

const (
	StateAbsent State = iota
	StateOpen
	StateClosed
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateDeleted:
		return "deleted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateOf derives the state of u at now: open while now is less than window
// after the update's first message, closed afterwards, absent for nil.
func StateOf(u *domain.Update, now time.Time, window time.Duration) State {
	if u == nil {
		return StateAbsent
	}
	if u.Timestamp.After(now.Add(-window)) {
		return StateOpen
	}
	return StateClosed
}

// AttachmentCacher turns remote attachments into durable ones. Items that
// cannot be cached come back with their original URL.
type AttachmentCacher interface {
	CacheAll(ctx context.Context, items []grouping.Attachment) []domain.Attachment
}

// SyncService applies source events to the update store.
type SyncService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Source fetches messages from the upstream channel.
	Source ingest.MessageSource
	// Attachments caches media before rows are written. Optional.
	Attachments AttachmentCacher

	// Window is the grouping window (grouping.DefaultWindow when zero).
	Window time.Duration
	// BackfillLimit caps how many recent messages a backfill reads.
	BackfillLimit int
	// Now is the clock; time.Now when nil.
	Now func() time.Time

	authors    keyedMutex
	backfillMu sync.Mutex
}

// NewSyncService constructs a SyncService with default window and limit.
func NewSyncService(db *gorm.DB, src ingest.MessageSource, cacher AttachmentCacher) *SyncService {
	return &SyncService{
		DB:            db,
		Source:        src,
		Attachments:   cacher,
		Window:        grouping.DefaultWindow,
		BackfillLimit: DefaultBackfillLimit,
	}
}

// Handlers returns the event table consumed by ingest.Dispatcher.
func (s *SyncService) Handlers() map[ingest.EventType]ingest.Handler {
	reaction := func(ctx context.Context, ev ingest.Event) error {
		return s.HandleReaction(ctx, ev.MessageID)
	}
	return map[ingest.EventType]ingest.Handler{
		ingest.MessageCreate: func(ctx context.Context, ev ingest.Event) error {
			if ev.Message == nil {
				m, err := s.fetch(ctx, ev.MessageID)
				if err != nil || m == nil {
					return err
				}
				return s.HandleCreate(ctx, *m)
			}
			return s.HandleCreate(ctx, *ev.Message)
		},
		ingest.MessageUpdate: func(ctx context.Context, ev ingest.Event) error {
			return s.HandleEdit(ctx, ev.MessageID)
		},
		ingest.MessageDelete: func(ctx context.Context, ev ingest.Event) error {
			return s.HandleDelete(ctx, ev.MessageID)
		},
		ingest.ReactionAdd:    reaction,
		ingest.ReactionRemove: reaction,
	}
}

// ---- public handlers ----

// HandleCreate applies a new message: it extends the author's open update or
// opens a new one. Messages already represented and empty messages are
// ignored.
func (s *SyncService) HandleCreate(ctx context.Context, m grouping.Message) error {
	ctx, span := s.span(ctx, "HandleCreate", m.ID)
	defer span.End()

	if m.IsEmpty() {
		return nil
	}
	unlock := s.authors.Lock(m.Author.ID)
	defer unlock()

	// Cheap check before any download.
	if known, err := s.represented(ctx, s.DB, m.ID); err != nil || known {
		return err
	}
	atts := s.cacheAll(ctx, m.Attachments)

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if known, err := s.represented(ctx, tx, m.ID); err != nil || known {
			return err
		}
		open, err := repo.FindOpenUpdate(ctx, tx, m.Author.ID, s.now().Add(-s.window()))
		switch {
		case err == nil:
			return s.extendUpdate(ctx, tx, open, m, atts)
		case errors.Is(err, repo.ErrNotFound):
			_, err := s.openUpdate(ctx, tx, grouping.Open(m), atts)
			if errors.Is(err, repo.ErrDuplicate) {
				return nil
			}
			return err
		default:
			return err
		}
	})
}

// HandleEdit re-fetches the edited message and rewrites the update it
// anchors. Edits of folded (non-primary) messages are ignored.
func (s *SyncService) HandleEdit(ctx context.Context, id string) error {
	ctx, span := s.span(ctx, "HandleEdit", id)
	defer span.End()

	m, err := s.fetch(ctx, id)
	if err != nil || m == nil {
		return err
	}
	unlock := s.authors.Lock(m.Author.ID)
	defer unlock()

	if _, err := repo.GetUpdateByPrimarySource(ctx, s.DB, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			log.Debug().Str("message_id", id).Msg("edit for a message that anchors no update, ignored")
			return nil
		}
		return err
	}
	atts := s.cacheAll(ctx, m.Attachments)

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := repo.GetUpdateByPrimarySource(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.reviseUpdate(ctx, tx, u, *m, atts)
	})
}

// HandleDelete removes the update anchored on id, or drops id from the
// update it was folded into.
func (s *SyncService) HandleDelete(ctx context.Context, id string) error {
	ctx, span := s.span(ctx, "HandleDelete", id)
	defer span.End()

	u, err := repo.FindUpdateBySourceID(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	unlock := s.authors.Lock(u.AuthorID)
	defer unlock()

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := repo.FindUpdateBySourceID(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = s.deleteUpdate(ctx, tx, u, id)
		return err
	})
}

// HandleReaction re-fetches the message's reaction set and overwrites the
// reactions of the update it anchors. Reactions on folded messages are
// ignored until the next backfill recomputes the group totals.
func (s *SyncService) HandleReaction(ctx context.Context, id string) error {
	ctx, span := s.span(ctx, "HandleReaction", id)
	defer span.End()

	m, err := s.fetch(ctx, id)
	if err != nil || m == nil {
		return err
	}
	unlock := s.authors.Lock(m.Author.ID)
	defer unlock()

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := repo.GetUpdateByPrimarySource(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.refreshReactions(ctx, tx, u, *m)
	})
}

// Backfill reads the most recent messages, folds them into groups and
// reconciles every group with the store. Existing updates only get their
// reactions and source ids refreshed, so running it twice changes nothing.
// The returned run is persisted even when the fetch fails.
func (s *SyncService) Backfill(ctx context.Context, trigger string) (*domain.SyncRun, error) {
	ctx, span := s.span(ctx, "Backfill", "")
	defer span.End()
	span.SetAttributes(attribute.String("sync.trigger", trigger))

	if s.Source == nil {
		return nil, ErrNoSource
	}
	s.backfillMu.Lock()
	defer s.backfillMu.Unlock()

	run, err := repo.CreateSyncRun(ctx, s.DB, trigger)
	if err != nil {
		return nil, err
	}
	finish := func() {
		if err := repo.FinishSyncRun(context.WithoutCancel(ctx), s.DB, run); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("failed to record sync run")
		}
	}

	msgs, err := s.Source.RecentMessages(ctx, s.limit())
	if err != nil {
		run.Error = err.Error()
		finish()
		return run, fmt.Errorf("fetch recent messages: %w", err)
	}
	groups := grouping.Fold(msgs, s.window())
	run.Fetched, run.Groups = len(msgs), len(groups)

	var errs []string
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err.Error())
			break
		}
		created, changed, err := s.syncGroup(ctx, g)
		switch {
		case err != nil:
			run.Failed++
			errs = append(errs, fmt.Sprintf("group %s: %v", g.ID, err))
			log.Error().Err(err).Str("group_id", g.ID).Str("author_id", g.Author.ID).Msg("backfill group failed")
		case created:
			run.Created++
		case changed:
			run.Refreshed++
		}
	}
	run.Error = strings.Join(errs, "; ")
	finish()

	log.Info().
		Str("run_id", run.ID).
		Str("trigger", trigger).
		Int("fetched", run.Fetched).
		Int("groups", run.Groups).
		Int("created", run.Created).
		Int("refreshed", run.Refreshed).
		Int("failed", run.Failed).
		Msg("backfill finished")
	return run, nil
}

// Run returns a recorded sync run.
func (s *SyncService) Run(ctx context.Context, id string) (*domain.SyncRun, error) {
	run, err := repo.GetSyncRun(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSyncRunNotFound
	}
	return run, err
}

// LatestRun returns the most recently started sync run.
func (s *SyncService) LatestRun(ctx context.Context) (*domain.SyncRun, error) {
	run, err := repo.LatestSyncRun(ctx, s.DB)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSyncRunNotFound
	}
	return run, err
}

// syncGroup refreshes the update that already holds any of g's messages, or
// inserts g as a new update.
func (s *SyncService) syncGroup(ctx context.Context, g grouping.Group) (created, changed bool, err error) {
	unlock := s.authors.Lock(g.Author.ID)
	defer unlock()

	existing, err := s.findGroup(ctx, s.DB, g)
	if err != nil {
		return false, false, err
	}
	var atts []domain.Attachment
	if existing == nil {
		atts = s.cacheAll(ctx, g.Attachments)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.findGroup(ctx, tx, g)
		if err != nil {
			return err
		}
		if u != nil {
			changed, err = s.refreshUpdate(ctx, tx, u, g)
			return err
		}
		if atts == nil {
			// The update was deleted after the first lookup.
			return nil
		}
		_, err = s.openUpdate(ctx, tx, g, atts)
		if errors.Is(err, repo.ErrDuplicate) {
			return nil
		}
		created = err == nil
		return err
	})
	return created, changed, err
}

// ---- transitions ----

// openUpdate inserts g as a new update: absent → open (or closed, for
// backfilled history). The caller handles repo.ErrDuplicate.
func (s *SyncService) openUpdate(ctx context.Context, tx *gorm.DB, g grouping.Group, atts []domain.Attachment) (*domain.Update, error) {
	title, body := g.Headline()
	u := &domain.Update{
		PrimarySourceID: g.ID,
		SourceIDs:       slices.Clone(g.SourceIDs),
		ChannelID:       g.ChannelID,
		AuthorID:        g.Author.ID,
		AuthorName:      g.Author.DisplayName,
		AuthorAvatar:    g.Author.AvatarURL,
		Title:           title,
		Content:         body,
		RawContent:      g.Content,
		Attachments:     atts,
		Embeds:          slices.Clone(g.Embeds),
		Reactions:       grouping.MergeReactions(nil, g.Reactions),
		Timestamp:       g.Timestamp,
	}
	if err := repo.CreateUpdate(ctx, tx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// extendUpdate folds m into the open update u: open → open.
func (s *SyncService) extendUpdate(ctx context.Context, tx *gorm.DB, u *domain.Update, m grouping.Message, atts []domain.Attachment) error {
	u.RawContent = grouping.JoinContent(u.RawContent, m.Content)
	u.Attachments = append(u.Attachments, atts...)
	u.Embeds = append(u.Embeds, m.Embeds...)
	u.Reactions = grouping.MergeReactions(u.Reactions, m.Reactions)
	u.SourceIDs = append(u.SourceIDs, m.ID)
	u.Title, u.Content = grouping.SplitTitle(u.RawContent, u.Embeds)
	return repo.SaveUpdate(ctx, tx, u)
}

// refreshUpdate re-syncs an existing update from a backfilled group. Only
// reactions and source ids change; the row is written only when they differ.
// Reactions are summed over the group messages the row ends up holding.
func (s *SyncService) refreshUpdate(ctx context.Context, tx *gorm.DB, u *domain.Update, g grouping.Group) (bool, error) {
	// A message already held by another update stays there.
	var adopt []string
	for _, id := range g.SourceIDs {
		if u.HasSource(id) {
			continue
		}
		known, err := s.represented(ctx, tx, id)
		if err != nil {
			return false, err
		}
		if !known {
			adopt = append(adopt, id)
		}
	}
	ids := appendMissing(u.SourceIDs, adopt)
	// Only messages this row holds count towards its reactions.
	reactions := g.ReactionsOf(ids)
	if slices.Equal(ids, u.SourceIDs) && reactionsEqual(u.Reactions, reactions) {
		return false, nil
	}
	u.SourceIDs = ids
	u.Reactions = reactions
	return true, repo.SaveUpdate(ctx, tx, u)
}

// reviseUpdate overwrites the derived fields of u from its edited primary
// message. Reactions, source ids and timestamp are left alone.
func (s *SyncService) reviseUpdate(ctx context.Context, tx *gorm.DB, u *domain.Update, m grouping.Message, atts []domain.Attachment) error {
	u.RawContent = strings.TrimSpace(m.Content)
	u.Embeds = slices.Clone(m.Embeds)
	u.Attachments = atts
	u.Title, u.Content = grouping.SplitTitle(u.RawContent, u.Embeds)
	return repo.SaveUpdate(ctx, tx, u)
}

// refreshReactions replaces the reactions of u with the current reaction set
// of message m.
func (s *SyncService) refreshReactions(ctx context.Context, tx *gorm.DB, u *domain.Update, m grouping.Message) error {
	u.Reactions = grouping.MergeReactions(nil, m.Reactions)
	return repo.SaveUpdate(ctx, tx, u)
}

// deleteUpdate applies the deletion of source message id. Deleting the
// primary source removes the whole update: → deleted. Deleting a folded
// message only drops its id; content stays as merged.
func (s *SyncService) deleteUpdate(ctx context.Context, tx *gorm.DB, u *domain.Update, id string) (State, error) {
	if u.PrimarySourceID == id {
		if err := repo.DeleteUpdate(ctx, tx, u.ID); err != nil {
			return StateOf(u, s.now(), s.window()), err
		}
		return StateDeleted, nil
	}
	u.SourceIDs = slices.DeleteFunc(u.SourceIDs, func(sid string) bool { return sid == id })
	return StateOf(u, s.now(), s.window()), repo.SaveUpdate(ctx, tx, u)
}

// ---- helpers ----

func (s *SyncService) span(ctx context.Context, name, messageID string) (context.Context, trace.Span) {
	tr := otel.Tracer("services/SyncService")
	return tr.Start(ctx, name, trace.WithAttributes(attribute.String("message.id", messageID)))
}

// fetch loads a message from the source; a message gone upstream yields (nil, nil).
func (s *SyncService) fetch(ctx context.Context, id string) (*grouping.Message, error) {
	if s.Source == nil {
		return nil, ErrNoSource
	}
	m, err := s.Source.Message(ctx, id)
	if errors.Is(err, ingest.ErrMessageNotFound) {
		log.Debug().Str("message_id", id).Msg("message gone upstream, nothing to do")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}
	return &m, nil
}

// represented reports whether id is already part of a stored update.
func (s *SyncService) represented(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	_, err := repo.FindUpdateBySourceID(ctx, db, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// findGroup returns the stored update holding any of g's messages, or nil.
func (s *SyncService) findGroup(ctx context.Context, db *gorm.DB, g grouping.Group) (*domain.Update, error) {
	for _, id := range g.SourceIDs {
		u, err := repo.FindUpdateBySourceID(ctx, db, id)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *SyncService) cacheAll(ctx context.Context, items []grouping.Attachment) []domain.Attachment {
	if len(items) == 0 {
		return []domain.Attachment{}
	}
	if s.Attachments != nil {
		return s.Attachments.CacheAll(ctx, items)
	}
	out := make([]domain.Attachment, 0, len(items))
	for _, a := range items {
		out = append(out, domain.Attachment{
			LocalURL:    a.URL,
			OriginalURL: a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
		})
	}
	return out
}

func (s *SyncService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *SyncService) window() time.Duration {
	if s.Window <= 0 {
		return grouping.DefaultWindow
	}
	return s.Window
}

func (s *SyncService) limit() int {
	if s.BackfillLimit <= 0 {
		return DefaultBackfillLimit
	}
	return s.BackfillLimit
}

// appendMissing returns dst followed by the ids of src not already in dst.
func appendMissing(dst, src []string) []string {
	out := slices.Clone(dst)
	for _, id := range src {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func reactionsEqual(a, b []domain.Reaction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key() != b[i].Key() || a[i].Count != b[i].Count {
			return false
		}
	}
	return true
}
