package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/scrape"
)

var discoverDryRun bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan configured listing pages and enqueue Scrape jobs",
	Long:  "Fetches every scrape.sources listing page, extracts announcement rows with the configured selectors, and enqueues one Scrape job per row. Redelivered rows are absorbed by duplicate detection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "discover")
		if err != nil {
			return err
		}
		defer env.Close()

		fetcher := scrape.NewFetcher(cfg.Scrape, nil)
		total := 0
		for _, src := range cfg.Scrape.Sources {
			listings, err := fetcher.Discover(ctx, src)
			if err != nil {
				zap.L().Error("discover: listing failed", zap.String("url", src.ListingURL), zap.Error(err))
				continue
			}

			envs := make([]model.Envelope, 0, len(listings))
			for _, l := range listings {
				e, err := model.NewEnvelope(model.JobScrape, l.OwnerKey, l.Payload, cfg.Retry.MaxAttempts)
				if err != nil {
					return err
				}
				envs = append(envs, e)
			}
			zap.L().Info("discover: listing scanned",
				zap.String("exchange", src.Exchange),
				zap.String("url", src.ListingURL),
				zap.Int("rows", len(envs)),
			)
			if discoverDryRun || len(envs) == 0 {
				continue
			}
			if err := env.Queue.PushBatch(ctx, model.JobScrape.Queue(), envs); err != nil {
				return err
			}
			total += len(envs)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d scrape jobs\n", total)
		return nil
	},
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverDryRun, "dry-run", false, "scan listings without enqueueing")
	rootCmd.AddCommand(discoverCmd)
}
