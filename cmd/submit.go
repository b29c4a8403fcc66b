package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/exchange-feed/internal/model"
)

var submitOpts struct {
	ownerKey  string
	sourceID  string
	exchange  string
	company   string
	title     string
	published string
}

var submitCmd = &cobra.Command{
	Use:   "submit <document-url>",
	Short: "Enqueue a Scrape job for one announcement document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if submitOpts.ownerKey == "" {
			return eris.New("--owner-key is required")
		}
		var published time.Time
		if submitOpts.published != "" {
			t, err := time.Parse(time.RFC3339, submitOpts.published)
			if err != nil {
				return eris.Wrap(err, "--published must be RFC 3339")
			}
			published = t
		}

		env, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := model.NewEnvelope(model.JobScrape, submitOpts.ownerKey, model.ScrapePayload{
			SourceURL:   args[0],
			SourceID:    submitOpts.sourceID,
			Exchange:    submitOpts.exchange,
			CompanyName: submitOpts.company,
			Title:       submitOpts.title,
			PublishedAt: published,
		}, cfg.Retry.MaxAttempts)
		if err != nil {
			return err
		}
		if err := env.Queue.Push(cmd.Context(), model.JobScrape.Queue(), job); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), job.JobID)
		return nil
	},
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitOpts.ownerKey, "owner-key", "", "issuer identifier (e.g. ISIN)")
	f.StringVar(&submitOpts.sourceID, "source-id", "", "exchange announcement id (default: the URL)")
	f.StringVar(&submitOpts.exchange, "exchange", "", "exchange code")
	f.StringVar(&submitOpts.company, "company", "", "company name")
	f.StringVar(&submitOpts.title, "title", "", "announcement title (default: document title)")
	f.StringVar(&submitOpts.published, "published", "", "publication time, RFC 3339")
	rootCmd.AddCommand(submitCmd)
}
