package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-updates-feed/internal/domain"
)

func TestUpsertCachedAttachment_InsertThenReplace(t *testing.T) {
	db := newTestDB(t, &domain.CachedAttachment{})
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &domain.CachedAttachment{
		URLIdentity: "0123456789abcdef",
		StorageKey:  "attachments/0123456789abcdef.png",
		Filename:    "0123456789abcdef.png",
		ContentType: "image/png",
		SizeBytes:   10,
		OriginalURL: "https://cdn.discordapp.com/a.png?ex=1",
		CachedAt:    now,
	}
	if err := UpsertCachedAttachment(ctx, db, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	again := *rec
	again.SizeBytes = 20
	again.OriginalURL = "https://cdn.discordapp.com/a.png?ex=2"
	if err := UpsertCachedAttachment(ctx, db, &again); err != nil {
		t.Fatalf("replace: %v", err)
	}

	n, err := CountCachedAttachments(ctx, db)
	if err != nil || n != 1 {
		t.Fatalf("expected exactly one row, got %d (err=%v)", n, err)
	}
	got, err := GetCachedAttachment(ctx, db, rec.URLIdentity)
	if err != nil {
		t.Fatalf("GetCachedAttachment: %v", err)
	}
	if got.SizeBytes != 20 || got.OriginalURL != again.OriginalURL {
		t.Fatalf("row was not replaced: %+v", got)
	}
}

func TestGetCachedAttachment_Missing(t *testing.T) {
	db := newTestDB(t, &domain.CachedAttachment{})
	if _, err := GetCachedAttachment(context.Background(), db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
