package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-updates-feed/internal/domain"
)

// UpdatesStats returns the number of stored updates and the newest
// updated_at among them. Any insert, edit, reaction change or delete moves
// one of the two, so together they key the list ETag. latest is nil for an
// empty feed.
func UpdatesStats(ctx context.Context, db *gorm.DB) (count int64, latest *time.Time, err error) {
	if err = db.WithContext(ctx).Model(&domain.Update{}).Count(&count).Error; err != nil || count == 0 {
		return 0, nil, err
	}
	// ORDER BY instead of MAX(): the driver returns MAX(datetime) as TEXT.
	var newest domain.Update
	if err = db.WithContext(ctx).Select("updated_at").Order("updated_at DESC").Take(&newest).Error; err != nil {
		return 0, nil, err
	}
	ts := newest.UpdatedAt.UTC()
	return count, &ts, nil
}
