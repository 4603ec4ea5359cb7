package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/pauljones0/tg-site-mirror/internal/config"
	"github.com/pauljones0/tg-site-mirror/internal/ledger"
	"github.com/pauljones0/tg-site-mirror/internal/media"
	"github.com/pauljones0/tg-site-mirror/internal/models"
	"github.com/pauljones0/tg-site-mirror/internal/normalize"
	"github.com/pauljones0/tg-site-mirror/internal/processor"
	"github.com/pauljones0/tg-site-mirror/internal/render"
	"github.com/pauljones0/tg-site-mirror/internal/social"
	"github.com/pauljones0/tg-site-mirror/internal/syndication"
	"github.com/pauljones0/tg-site-mirror/internal/telegram"
)

const runTimeout = 4 * time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
		defer cancel()

		report, err := runOnce(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d published, %d duplicate, %d archived\n",
			report.RunID,
			report.Count(models.OutcomePublished),
			report.Count(models.OutcomeSkippedDuplicate),
			report.Archived)
		if err := report.Err(); err != nil {
			slog.Warn("Run finished with skipped posts", "error", err)
		}
		return nil
	},
}

// runOnce wires the pipeline from configuration and executes it. The ledger
// is opened for the duration of the run only, so the bolt file lock also keeps
// two runs from overlapping.
func runOnce(ctx context.Context, c *config.Config) (*models.RunReport, error) {
	if c.Telegram.Token == "" {
		return nil, errors.New("telegram.token (TELEGRAM_TOKEN) is required to run")
	}
	loc, err := c.Site.Location()
	if err != nil {
		return nil, err
	}
	rules, err := normalize.NewRuleTable(c.Rules)
	if err != nil {
		return nil, err
	}

	l, err := ledger.Open(ctx, c.Ledger)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer func() {
		if err := l.Close(); err != nil {
			slog.Warn("Failed to close ledger", "error", err)
		}
	}()

	tg := telegram.New(c.Telegram)
	fetcher := media.NewFetcher(c.Site.PublicDir, tg, c.Pipeline.MaxVideoBytes)

	deps := processor.Deps{
		Source: tg,
		Renderer: render.New(fetcher, render.Options{
			Channel:  c.Telegram.Channel,
			SiteURL:  c.Site.BaseURL,
			SiteName: c.Site.Name,
			Location: loc,
		}),
		Media:      fetcher,
		Ledger:     l,
		Normalizer: normalize.New(rules),
		Syndicator: syndication.New(syndication.Options{
			PublicDir: c.Site.PublicDir,
			BaseURL:   c.Site.BaseURL,
			SiteName:  c.Site.Name,
			Channel:   c.Telegram.Channel,
			Items:     c.Pipeline.RSSItems,
			Location:  loc,
		}),
	}
	if c.VK.Enabled() {
		deps.Sink = social.New(c.VK)
	} else {
		slog.Info("VK credentials not set, social forwarding disabled")
	}

	return processor.New(deps, processor.SettingsFromConfig(c)).Run(ctx)
}
