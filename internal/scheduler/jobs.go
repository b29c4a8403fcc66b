package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/notify"
)

// Func adapts a function to Job.
type Func struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.JobName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// StaleClaimSweeper releases expired review claims.
type StaleClaimSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// ReviewSweep releases review claims older than the claim TTL.
func ReviewSweep(c StaleClaimSweeper) Job {
	return Func{JobName: "review_sweep", Fn: func(ctx context.Context) error {
		_, err := c.SweepStale(ctx)
		return err
	}}
}

// DigestSender sends pending digests.
type DigestSender interface {
	Sweep(ctx context.Context) (notify.DigestReport, error)
}

// DigestSweep sends every pending daily digest.
func DigestSweep(d DigestSender) Job {
	return Func{JobName: "digest_sweep", Fn: func(ctx context.Context) error {
		r, err := d.Sweep(ctx)
		if err != nil {
			return err
		}
		if r.Failed > 0 {
			zap.L().Warn("digest sweep had failures",
				zap.Int("sent", r.Sent),
				zap.Int("failed", r.Failed),
			)
		}
		return nil
	}}
}

// DocumentCache expires cached documents.
type DocumentCache interface {
	DeleteExpiredDocuments(ctx context.Context, at time.Time) (int, error)
}

// CacheCleanup deletes cached documents past their expiry.
func CacheCleanup(c DocumentCache) Job {
	return Func{JobName: "cache_cleanup", Fn: func(ctx context.Context) error {
		n, err := c.DeleteExpiredDocuments(ctx, time.Now().UTC())
		if err == nil && n > 0 {
			zap.L().Info("expired cached documents", zap.Int("count", n))
		}
		return err
	}}
}
