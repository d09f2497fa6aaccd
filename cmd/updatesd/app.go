package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-updates-feed/internal/attachcache"
	"github.com/tbourn/go-updates-feed/internal/blobstore"
	"github.com/tbourn/go-updates-feed/internal/config"
	"github.com/tbourn/go-updates-feed/internal/discord"
	"github.com/tbourn/go-updates-feed/internal/repo"
	"github.com/tbourn/go-updates-feed/internal/services"
)

// app bundles the long-lived components shared by the subcommands.
type app struct {
	db    *gorm.DB
	blobs blobstore.Store
	cache *attachcache.Cache

	session discord.Session
	client  *discord.Client
	sync    *services.SyncService
}

// openBlobStore picks the blob backend named by BLOB_BACKEND. fsys backs
// the fs backend; production passes the OS filesystem.
func openBlobStore(mc config.MediaConfig, fsys afero.Fs) (blobstore.Store, error) {
	switch mc.BlobBackend {
	case "pebble":
		return blobstore.NewPebbleStore(mc.BlobPath)
	case "fs", "":
		if fsys == nil {
			fsys = afero.NewOsFs()
		}
		return blobstore.NewFSStore(fsys, mc.BlobPath)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", mc.BlobBackend)
	}
}

// newAttachmentCache maps the media settings onto attachcache options.
func newAttachmentCache(db *gorm.DB, store blobstore.Store, mc config.MediaConfig) *attachcache.Cache {
	return attachcache.New(db, store, attachcache.Options{
		AllowedHosts:  mc.Hosts,
		MaxBytes:      mc.MaxSize,
		PublicBaseURL: mc.PublicBaseURL,
		MediaRoute:    mc.Route,
		Concurrency:   mc.CacheConcurrency,
		Timeout:       mc.DownloadTimeout,
	})
}

// openApp opens the store, the blob backend and the attachment cache. With
// withSource it also builds the Discord session and the synchronizer; the
// gateway is not opened here.
func openApp(c config.Config, withSource bool) (*app, error) {
	if withSource {
		if err := c.ValidateDiscord(); err != nil {
			return nil, err
		}
	}
	db, err := repo.OpenSQLite(c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", c.DBPath, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	blobs, err := openBlobStore(c.Media, nil)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	a := &app{db: db, blobs: blobs, cache: newAttachmentCache(db, blobs, c.Media)}

	ctx := context.Background()
	updates, err := repo.CountUpdates(ctx, db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("count updates: %w", err)
	}
	cached, err := repo.CountCachedAttachments(ctx, db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("count cached attachments: %w", err)
	}
	log.Info().
		Str("db", c.DBPath).
		Int64("updates", updates).
		Int64("cached_attachments", cached).
		Str("blob_backend", c.Media.BlobBackend).
		Str("blob_path", c.Media.BlobPath).
		Str("max_attachment", humanize.IBytes(uint64(c.Media.MaxSize))).
		Msg("storage ready")

	if !withSource {
		return a, nil
	}
	s, err := discord.NewSession(c.Discord.Token)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.session = s
	a.client = discord.NewClient(s, c.Discord.ChannelID)
	a.sync = services.NewSyncService(db, a.client, a.cache)
	a.sync.Window = c.Sync.Window
	a.sync.BackfillLimit = c.Sync.BackfillLimit
	return a, nil
}

// discordClient builds a REST-only client for the configured channel.
func discordClient() (*discord.Client, error) {
	s, err := discord.NewSession(cfg.Discord.Token)
	if err != nil {
		return nil, err
	}
	return discord.NewClient(s, cfg.Discord.ChannelID), nil
}

// Close releases the blob store and the database.
func (a *app) Close() {
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			log.Warn().Err(err).Msg("close blob store")
		}
	}
	closeDB(a.db)
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// runBackfill runs one sync pass and logs its counters.
func runBackfill(ctx context.Context, s *services.SyncService, trigger string) error {
	run, err := s.Backfill(ctx, trigger)
	if run != nil {
		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
		}
		ev.Str("run_id", run.ID).
			Str("trigger", trigger).
			Int("fetched", run.Fetched).
			Int("groups", run.Groups).
			Int("created", run.Created).
			Int("refreshed", run.Refreshed).
			Int("failed", run.Failed).
			Msg("backfill finished")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// background runs jobs that use the app's store. Stop cancels them and
// waits, so it must run before app.Close.
type background struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
}

func newBackground(ctx context.Context) *background {
	b := &background{}
	b.ctx, b.cancel = context.WithCancel(ctx)
	return b
}

// Go starts fn; its error is logged under name.
func (b *background) Go(name string, fn func(ctx context.Context) error) {
	b.g.Go(func() error {
		if err := fn(b.ctx); err != nil {
			log.Error().Err(err).Str("job", name).Msg("background job failed")
		}
		return nil
	})
}

// Stop cancels every job and blocks until all have returned.
func (b *background) Stop() {
	b.cancel()
	_ = b.g.Wait()
}
