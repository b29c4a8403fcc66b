package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/classify"
	"github.com/sells-group/exchange-feed/internal/dedup"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/notify"
	"github.com/sells-group/exchange-feed/internal/pipeline"
	"github.com/sells-group/exchange-feed/internal/scrape"
	"github.com/sells-group/exchange-feed/pkg/telegram"
)

var workerStages []string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run stage worker pools until interrupted",
	Long:  "Runs supervised worker pools for the selected stages (all by default). Pool sizes come from the workers config section.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		mgr, err := buildManager(ctx, env, workerStages)
		if err != nil {
			return err
		}
		return mgr.Run(ctx)
	},
}

// buildManager wires the selected stages to their dependencies and
// registers them with a Manager sized from config.
func buildManager(ctx context.Context, env *appEnv, stages []string) (*pipeline.Manager, error) {
	selected, err := selectStages(stages)
	if err != nil {
		return nil, err
	}

	mcfg := pipeline.ManagerConfigFrom(cfg)
	mcfg.Worker.OnDeadLetter = func(ctx context.Context, e model.Envelope) {
		if err := env.Store.AppendAudit(ctx, model.AuditEntry{
			Actor:   "pipeline",
			Action:  model.AuditDead,
			Subject: e.JobID,
			Details: map[string]any{
				"queue":     e.JobType.DeadQueue(),
				"owner_key": e.OwnerKey,
				"attempt":   e.Attempt,
				"error":     e.LastError,
			},
			At: time.Now().UTC(),
		}); err != nil {
			zap.L().Warn("audit dead letter", zap.String("job_id", e.JobID), zap.Error(err))
		}
	}
	mgr := pipeline.NewManager(env.Queue, mcfg)

	for _, jt := range selected {
		var st pipeline.Stage
		switch jt {
		case model.JobScrape:
			st = pipeline.NewScrapeStage(scrape.NewFetcher(cfg.Scrape, env.Store))
		case model.JobClassify:
			c, err := classify.New(ctx, cfg.Classifier)
			if err != nil {
				return nil, err
			}
			st = pipeline.NewClassifyStage(c)
		case model.JobDedup:
			st = pipeline.NewDedupStage(dedup.New(env.Store))
		case model.JobPersist:
			st = pipeline.NewPersistStage(env.Store, notify.NewDispatcher(env.Store))
		case model.JobNotify:
			var tg telegram.Client
			if cfg.Notify.TelegramToken != "" {
				tg = telegram.NewClient(cfg.Notify.TelegramToken, telegram.WithBaseURL(cfg.Notify.TelegramBaseURL))
			}
			limiters := notify.NewLimiters(cfg.Notify.PerDestRate, cfg.Notify.PerDestBurst)
			st = pipeline.NewNotifyStage(notify.NewDeliverer(env.Store, tg, limiters))
		}
		mgr.Register(st, cfg.Workers.Count(string(jt)))
	}
	return mgr, nil
}

func selectStages(names []string) ([]model.JobType, error) {
	if len(names) == 0 {
		return model.JobTypes, nil
	}
	var out []model.JobType
	for _, n := range names {
		jt, err := model.ParseJobType(strings.TrimSpace(n))
		if err != nil {
			return nil, eris.Wrapf(err, "--stages %q", n)
		}
		out = append(out, jt)
	}
	return out, nil
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerStages, "stages", nil, "stages to run (scrape,classify,dedup,persist,notify); default all")
	rootCmd.AddCommand(workerCmd)
}
