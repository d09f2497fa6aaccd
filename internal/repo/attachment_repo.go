package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-updates-feed/internal/domain"
)

// GetCachedAttachment returns the cache row for identity or ErrNotFound.
func GetCachedAttachment(ctx context.Context, db *gorm.DB, identity string) (*domain.CachedAttachment, error) {
	var rec domain.CachedAttachment
	if err := db.WithContext(ctx).Where("url_identity = ?", identity).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertCachedAttachment inserts rec or replaces the existing row with the
// same url_identity.
func UpsertCachedAttachment(ctx context.Context, db *gorm.DB, rec *domain.CachedAttachment) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "url_identity"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

// CountCachedAttachments returns the number of cache rows.
func CountCachedAttachments(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.CachedAttachment{}).Count(&n).Error
	return n, err
}
