package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-updates-feed/internal/domain"
)

// CreateSyncRun records the start of a backfill pass.
func CreateSyncRun(ctx context.Context, db *gorm.DB, trigger string) (*domain.SyncRun, error) {
	run := &domain.SyncRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// FinishSyncRun stamps FinishedAt and persists the run's counters.
func FinishSyncRun(ctx context.Context, db *gorm.DB, run *domain.SyncRun) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	return db.WithContext(ctx).Save(run).Error
}

// GetSyncRun fetches one run by id.
func GetSyncRun(ctx context.Context, db *gorm.DB, id string) (*domain.SyncRun, error) {
	var run domain.SyncRun
	if err := db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// LatestSyncRun returns the most recently started run.
func LatestSyncRun(ctx context.Context, db *gorm.DB) (*domain.SyncRun, error) {
	var run domain.SyncRun
	if err := db.WithContext(ctx).Order("started_at desc").First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}
