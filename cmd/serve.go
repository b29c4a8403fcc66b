package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/exchange-feed/internal/api"
	"github.com/sells-group/exchange-feed/internal/monitoring"
	"github.com/sells-group/exchange-feed/internal/notify"
	"github.com/sells-group/exchange-feed/internal/pipeline"
	"github.com/sells-group/exchange-feed/internal/review"
	"github.com/sells-group/exchange-feed/internal/scheduler"
	"github.com/sells-group/exchange-feed/pkg/mailer"
)

var (
	servePort        int
	serveWithWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review API, scheduled sweeps, and the alert checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		coord := review.New(env.Store, time.Duration(cfg.Review.ClaimTTLMins)*time.Minute)
		collector := monitoring.NewCollector(env.Queue, env.Store)

		var mgr *pipeline.Manager
		if serveWithWorkers {
			if err := cfg.Validate("worker"); err != nil {
				return err
			}
			if mgr, err = buildManager(ctx, env, nil); err != nil {
				return err
			}
		}

		sched, err := buildScheduler(env, coord)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()

		deps := api.Deps{
			Store:       env.Store,
			Queue:       env.Queue,
			Reviews:     coord,
			Collector:   collector,
			MaxAttempts: cfg.Retry.MaxAttempts,
		}
		if mgr != nil {
			deps.Stats = mgr.Stats
		}
		srv := api.New(cfg.Server, cfg.Review, deps)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(gctx) })
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		if mgr != nil {
			g.Go(func() error { return mgr.Run(gctx) })
		}
		return g.Wait()
	},
}

// buildScheduler registers the review claim sweep, the digest sweep when
// SMTP is configured, and document cache cleanup.
func buildScheduler(env *appEnv, coord *review.Coordinator) (*scheduler.Scheduler, error) {
	sched := scheduler.New(5 * time.Minute)
	if err := sched.AddJob(cfg.Review.SweepCron, scheduler.ReviewSweep(coord)); err != nil {
		return nil, err
	}
	if err := sched.AddJob("@hourly", scheduler.CacheCleanup(env.Store)); err != nil {
		return nil, err
	}

	if cfg.Notify.SMTP.Host == "" {
		zap.L().Warn("notify.smtp.host not set, digest sweep disabled")
		return sched, nil
	}
	sender, err := newMailer()
	if err != nil {
		return nil, err
	}
	if err := sched.AddJob(cfg.Notify.DigestCron, scheduler.DigestSweep(notify.NewDigestSweeper(env.Store, sender))); err != nil {
		return nil, err
	}
	return sched, nil
}

func newMailer() (*mailer.SMTPSender, error) {
	return mailer.NewSMTP(mailer.Config{
		Host:     cfg.Notify.SMTP.Host,
		Port:     cfg.Notify.SMTP.Port,
		Username: cfg.Notify.SMTP.Username,
		Password: cfg.Notify.SMTP.Password,
		From:     cfg.Notify.SMTP.From,
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithWorkers, "with-workers", false, "also run every stage worker pool in this process")
	rootCmd.AddCommand(serveCmd)
}
