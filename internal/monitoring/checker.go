package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/config"
)

const defaultCheckInterval = time.Minute

// Checker evaluates queue and review health on a fixed interval.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker creates a Checker. A non-positive check interval falls back
// to one minute.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Run checks once immediately and then every interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("alert checker started",
		zap.Duration("interval", c.interval),
		zap.Int64("dead_letter_threshold", c.cfg.DeadLetterThreshold),
		zap.Int("review_backlog_threshold", c.cfg.ReviewBacklogThreshold),
	)
	defer c.log.Info("alert checker stopped")

	if ctx.Err() != nil {
		return
	}
	c.Check(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot and sends the alerts it triggers. It
// returns how many were delivered.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		c.log.Error("collect metrics", zap.Error(err))
		return 0
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return 0
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("alerts evaluated",
		zap.Int("triggered", len(alerts)),
		zap.Int("sent", sent),
		zap.Int64("dead_letter_total", snap.DeadLetterTotal),
		zap.Int("review_unclaimed", snap.ReviewUnclaimed),
	)
	return sent
}
