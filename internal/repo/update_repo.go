// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Update model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions (the synchronizer passes a tx).
// They only compose queries; merge and lifecycle rules live in
// services.SyncService.
//
// Error semantics:
//   - When an update is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - A second row for the same primary source id yields ErrDuplicate.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-updates-feed/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate reports a unique violation: a second update for the same
// primary source id, or a reused (scope, key) idempotency pair.
var ErrDuplicate = errors.New("duplicate")

// CreateUpdate inserts u, assigning an ID when empty. A unique violation on
// primary_source_id is reported as ErrDuplicate.
func CreateUpdate(ctx context.Context, db *gorm.DB, u *domain.Update) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetUpdate fetches one update by its store id.
func GetUpdate(ctx context.Context, db *gorm.DB, id string) (*domain.Update, error) {
	var u domain.Update
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdateByPrimarySource fetches the update anchored on sourceID.
func GetUpdateByPrimarySource(ctx context.Context, db *gorm.DB, sourceID string) (*domain.Update, error) {
	var u domain.Update
	err := db.WithContext(ctx).
		Where("primary_source_id = ?", sourceID).
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUpdateBySourceID returns the update whose primary source or folded
// source ids contain sourceID.
func FindUpdateBySourceID(ctx context.Context, db *gorm.DB, sourceID string) (*domain.Update, error) {
	if strings.TrimSpace(sourceID) == "" {
		return nil, ErrNotFound
	}
	var u domain.Update
	err := db.WithContext(ctx).
		Where(`primary_source_id = ? OR source_ids LIKE ? ESCAPE '\'`, sourceID, `%"`+escapeLike(sourceID)+`"%`).
		Order("timestamp desc").
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindOpenUpdate returns the most recent update by authorID whose timestamp
// is strictly after since. Callers pass now minus the grouping window.
func FindOpenUpdate(ctx context.Context, db *gorm.DB, authorID string, since time.Time) (*domain.Update, error) {
	var u domain.Update
	err := db.WithContext(ctx).
		Where("author_id = ? AND timestamp > ?", authorID, since).
		Order("timestamp desc, id desc").
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveUpdate writes every column of u. Timestamp and PrimarySourceID are
// whatever the caller loaded; callers must not change them.
func SaveUpdate(ctx context.Context, db *gorm.DB, u *domain.Update) error {
	u.UpdatedAt = time.Now().UTC()
	res := db.WithContext(ctx).Model(u).Select("*").Omit("id", "created_at").Updates(u)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUpdate removes the update with the given id.
func DeleteUpdate(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Update{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUpdates returns the number of stored updates.
func CountUpdates(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Update{}).Count(&total).Error
	return total, err
}

// ListUpdatesPage returns a page of updates, newest first. Ties on timestamp
// are broken by id so paging is stable.
func ListUpdatesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Update, error) {
	var out []domain.Update
	err := db.WithContext(ctx).
		Order("timestamp desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
