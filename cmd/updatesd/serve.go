package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-updates-feed/internal/discord"
	httpapi "github.com/tbourn/go-updates-feed/internal/http"
	"github.com/tbourn/go-updates-feed/internal/ingest"
	"github.com/tbourn/go-updates-feed/internal/observability"
	"github.com/tbourn/go-updates-feed/internal/scheduler"
	"github.com/tbourn/go-updates-feed/internal/services"
)

const shutdownTimeout = 15 * time.Second

var readOnly bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for channel events, resync on schedule and serve the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&readOnly, "read-only", false, "serve stored updates without connecting to Discord")
}

func serve(ctx context.Context) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version,
		observability.AttrChannelID.String(cfg.Discord.ChannelID))
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	a, err := openApp(cfg, !readOnly)
	if err != nil {
		return err
	}
	defer a.Close()
	bg := newBackground(ctx)
	defer bg.Stop()

	deps := httpapi.Deps{Media: a.cache}
	if a.sync != nil {
		deps.Sync = a.sync
		deps.Channels = a.client

		disp := ingest.NewDispatcher(ctx, cfg.Sync.IngestConcurrency, a.sync.Handlers())
		defer disp.Close()
		lis := &discord.Listener{ChannelID: cfg.Discord.ChannelID, Dispatcher: disp}
		detach := lis.Attach(a.session)
		defer detach()

		if err := a.session.Open(); err != nil {
			return err
		}
		defer func() {
			if err := a.session.Close(); err != nil {
				log.Warn().Err(err).Msg("close discord session")
			}
		}()
		log.Info().Str("channel_id", cfg.Discord.ChannelID).Msg("discord gateway connected")

		sch, err := scheduler.New(cfg.Sync.ResyncSchedule, a.sync)
		if err != nil {
			return err
		}
		sch.Start(ctx)
		defer sch.Stop(shutdownTimeout)

		// Cold start: reconcile history missed while offline. Live events
		// already flow, so the API does not wait for it.
		bg.Go("startup backfill", func(ctx context.Context) error {
			return runBackfill(ctx, a.sync, services.TriggerStartup)
		})
	} else {
		log.Warn().Msg("read-only mode: live ingestion and admin sync are disabled")
	}

	gin.SetMode(cfg.Server.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, a.db, deps, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Server.Port),
		Handler:           r,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}
	return listenAndShutdown(ctx, srv)
}

// listenAndShutdown serves until ctx is done, then drains in-flight
// requests for up to shutdownTimeout.
func listenAndShutdown(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return <-errc
}
