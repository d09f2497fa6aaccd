// Package domain defines the persistence models for the updates feed: the
// grouped updates mirrored from the community channel, the attachment cache
// that keeps their media alive, and the audit rows written by each sync run.
// These types are mapped with GORM and shared across the repository, service
// and HTTP layers.
package domain

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Update is one user-facing feed entry. It may represent several source
// messages folded together by the grouping engine.
//
// Fields:
//   - ID: UUID primary key owned by the store.
//   - PrimarySourceID: id of the first source message; unique, it is the anchor
//     that keeps repeated syncs from producing duplicate rows.
//   - SourceIDs: every source message id folded into the update, in order.
//   - Title / Content: derived from RawContent by the heading rule.
//   - RawContent: the combined source text; never sent to clients.
//   - Timestamp: creation time of the first source message. Set once.
//   - CreatedAt / UpdatedAt: ingestion bookkeeping managed by GORM.
type Update struct {
	ID              string       `json:"id"               gorm:"type:char(36);primaryKey"`
	PrimarySourceID string       `json:"message_id"       gorm:"type:varchar(32);not null;uniqueIndex:ux_updates_primary_source"`
	SourceIDs       []string     `json:"message_ids"      gorm:"type:text;not null;serializer:json"`
	ChannelID       string       `json:"channel_id"       gorm:"type:varchar(32);not null;default:''"`
	AuthorID        string       `json:"author_id"        gorm:"type:varchar(32);not null;index:idx_updates_author_ts,priority:1"`
	AuthorName      string       `json:"author_name"      gorm:"type:varchar(255);not null;default:''"`
	AuthorAvatar    string       `json:"author_avatar"    gorm:"type:text;not null;default:''"`
	Title           string       `json:"title"            gorm:"type:varchar(512);not null"`
	Content         string       `json:"content"          gorm:"type:text;not null"`
	RawContent      string       `json:"-"                gorm:"type:text;not null"`
	Attachments     []Attachment `json:"attachments"      gorm:"type:text;serializer:json"`
	Embeds          []Embed      `json:"embeds"           gorm:"type:text;serializer:json"`
	Reactions       []Reaction   `json:"reactions"        gorm:"type:text;serializer:json"`
	Timestamp       time.Time    `json:"timestamp"        gorm:"not null;index:idx_updates_author_ts,priority:2;index:idx_updates_ts"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Update.
func (Update) TableName() string { return "updates" }

// HasSource reports whether id is one of the update's source messages.
func (u *Update) HasSource(id string) bool {
	for _, s := range u.SourceIDs {
		if s == id {
			return true
		}
	}
	return false
}

// Attachment is a media item attached to an update. LocalURL points at the
// attachment cache when Cached is true; otherwise it repeats OriginalURL.
type Attachment struct {
	LocalURL    string `json:"localUrl"`
	OriginalURL string `json:"originalUrl"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Cached      bool   `json:"cached"`
}

// Embed is a summary of a rich embed carried by a source message.
type Embed struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	URL          string `json:"url,omitempty"`
	Color        int    `json:"color,omitempty"`
	ImageURL     string `json:"image,omitempty"`
	ThumbnailURL string `json:"thumbnail,omitempty"`
}

// Reaction is one emoji tally on an update. Custom emoji are identified by
// EmojiID, unicode emoji by EmojiName.
type Reaction struct {
	EmojiID   string `json:"emojiId,omitempty"`
	EmojiName string `json:"emojiName"`
	Animated  bool   `json:"animated,omitempty"`
	Count     int    `json:"count"`
}

// Key returns the emoji identity used to merge reactions: the custom emoji id
// when present, otherwise the NFC-normalized unicode name.
func (r Reaction) Key() string {
	if r.EmojiID != "" {
		return "id:" + r.EmojiID
	}
	return "name:" + norm.NFC.String(strings.TrimSpace(r.EmojiName))
}

// CachedAttachment maps the content identity of a remote URL to a blob in
// durable storage. At most one row (and one blob) exists per URLIdentity.
type CachedAttachment struct {
	URLIdentity string    `json:"url_identity" gorm:"type:varchar(64);primaryKey"`
	StorageKey  string    `json:"storage_key"  gorm:"type:varchar(255);not null"`
	Filename    string    `json:"filename"     gorm:"type:varchar(255);not null"`
	ContentType string    `json:"content_type" gorm:"type:varchar(64);not null"`
	SizeBytes   int64     `json:"size_bytes"   gorm:"not null"`
	OriginalURL string    `json:"original_url" gorm:"type:text;not null;default:''"`
	CachedAt    time.Time `json:"cached_at"    gorm:"not null"`
}

// TableName returns the database table name for CachedAttachment.
func (CachedAttachment) TableName() string { return "cached_attachments" }

// SyncRun records the outcome of one backfill pass.
type SyncRun struct {
	ID         string     `json:"id"          gorm:"type:char(36);primaryKey"`
	Trigger    string     `json:"trigger"     gorm:"column:trigger_kind;type:varchar(32);not null;check:trigger_kind IN ('startup','schedule','admin','cli')"`
	Fetched    int        `json:"fetched"     gorm:"not null;default:0"`
	Groups     int        `json:"groups"      gorm:"column:group_count;not null;default:0"`
	Created    int        `json:"created"     gorm:"not null;default:0"`
	Refreshed  int        `json:"refreshed"   gorm:"not null;default:0"`
	Failed     int        `json:"failed"      gorm:"not null;default:0"`
	Error      string     `json:"error,omitempty" gorm:"type:text;not null;default:''"`
	StartedAt  time.Time  `json:"started_at"  gorm:"not null;index"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName returns the database table name for SyncRun.
func (SyncRun) TableName() string { return "sync_runs" }

// Idempotency ties an admin request's Idempotency-Key to the SyncRun it
// started, so a retry with the same key gets that run back. Keys are unique
// per scope (the route) and live until ExpiresAt.
type Idempotency struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	Scope     string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_idem_scope_key,priority:1"`
	Key       string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_idem_scope_key,priority:2"`
	RunID     string    `gorm:"type:char(36);not null;index"`
	Status    int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (Idempotency) TableName() string { return "idempotency_keys" }
