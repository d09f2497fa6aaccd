// Package handlers exposes the HTTP endpoints of the updates feed.
//
// Handlers are transport-thin: they parse input, call application services
// through the narrow interfaces below, and translate results into HTTP
// responses (including conditional 304 responses and idempotent replays).
package handlers

import (
	"context"
	"io"
	"time"

	"github.com/tbourn/go-updates-feed/internal/blobstore"
	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/services"
)

//
// Service contracts (context-aware)
//

// UpdateService serves the public feed.
type UpdateService interface {
	// List returns one page of updates, newest first.
	List(ctx context.Context, limit, offset int) (*services.Page, error)
	// Get returns one update by id or services.ErrUpdateNotFound.
	Get(ctx context.Context, id string) (*domain.Update, error)
	// Stats returns the row count and latest modification time (for ETags).
	Stats(ctx context.Context) (int64, *time.Time, error)
}

// SyncService runs and reports backfill passes.
type SyncService interface {
	Backfill(ctx context.Context, trigger string) (*domain.SyncRun, error)
	Run(ctx context.Context, id string) (*domain.SyncRun, error)
	LatestRun(ctx context.Context) (*domain.SyncRun, error)
}

// MediaStore opens cached attachments by their local file name.
type MediaStore interface {
	Open(ctx context.Context, filename string) (io.ReadCloser, blobstore.Info, error)
}

// IdempotencyStore remembers which sync run an Idempotency-Key started.
type IdempotencyStore interface {
	// Get returns a live record for (scope, key) or an error when none exists.
	Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error)
	// Create stores the outcome of a first request.
	Create(ctx context.Context, scope, key, runID string, status int) error
}

// Handlers groups the HTTP endpoints. Any dependency may be nil; the
// endpoints that need it then answer 404 or 503.
type Handlers struct {
	updates UpdateService
	syncs   SyncService
	media   MediaStore
	idem    IdempotencyStore
}

// New constructs a Handlers instance bound to the given services.
func New(updates UpdateService, syncs SyncService, media MediaStore, idem IdempotencyStore) *Handlers {
	return &Handlers{updates: updates, syncs: syncs, media: media, idem: idem}
}
