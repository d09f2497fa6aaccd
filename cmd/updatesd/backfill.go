package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-updates-feed/internal/grouping"
	"github.com/tbourn/go-updates-feed/internal/ingest"
	"github.com/tbourn/go-updates-feed/internal/services"
)

var backfillLimit int

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Sync recent channel history into the store once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()
		if backfillLimit > 0 {
			a.sync.BackfillLimit = backfillLimit
		}
		return runBackfill(cmd.Context(), a.sync, services.TriggerCLI)
	},
}

var (
	regroupLimit  int
	regroupWindow time.Duration
)

var regroupCmd = &cobra.Command{
	Use:   "regroup",
	Short: "Fetch recent history, fold it into updates and print them as JSON",
	Long: "regroup reads the channel without touching the store and prints the\n" +
		"groups the grouping engine derives, one JSON document per line.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateDiscord(); err != nil {
			return err
		}
		s, err := discordClient()
		if err != nil {
			return err
		}
		window := regroupWindow
		if window <= 0 {
			window = cfg.Sync.Window
		}
		limit := regroupLimit
		if limit <= 0 {
			limit = cfg.Sync.BackfillLimit
		}
		return regroup(cmd.Context(), s, limit, window, os.Stdout)
	},
}

func init() {
	backfillCmd.Flags().IntVar(&backfillLimit, "limit", 0, "messages to read (default BACKFILL_LIMIT)")
	regroupCmd.Flags().IntVar(&regroupLimit, "limit", 0, "messages to read (default BACKFILL_LIMIT)")
	regroupCmd.Flags().DurationVar(&regroupWindow, "window", 0, "grouping window (default GROUPING_WINDOW)")
}

// regroupOutput is one printed group.
type regroupOutput struct {
	grouping.Group
	Title string `json:"title"`
	Body  string `json:"body"`
}

// regroup folds the newest limit messages of src and writes each group to w.
func regroup(ctx context.Context, src ingest.MessageSource, limit int, window time.Duration, w io.Writer) error {
	msgs, err := src.RecentMessages(ctx, limit)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	enc := json.NewEncoder(w)
	for _, g := range grouping.Fold(msgs, window) {
		title, body := g.Headline()
		if err := enc.Encode(regroupOutput{Group: g, Title: title, Body: body}); err != nil {
			return err
		}
	}
	return nil
}
