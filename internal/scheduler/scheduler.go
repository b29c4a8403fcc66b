// Package scheduler runs the periodic sweeps: stale review claims, email
// digests, and document cache expiry.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs Jobs on standard five-field cron schedules. A run that
// is still in progress when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     *zap.Logger
	timeout time.Duration

	mu  sync.Mutex
	ctx context.Context
}

// New creates a Scheduler. Each run is bounded by timeout when positive.
func New(timeout time.Duration) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     zap.L().With(zap.String("component", "scheduler")),
		timeout: timeout,
		ctx:     context.Background(),
	}
}

// AddJob registers job under schedule, e.g. "*/5 * * * *" or "@every 30s".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if schedule == "" {
		return eris.Errorf("scheduler: empty schedule for %s", job.Name())
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.run(job) }); err != nil {
		return eris.Wrapf(err, "scheduler: register %s", job.Name())
	}
	s.log.Info("job registered", zap.String("job", job.Name()), zap.String("schedule", schedule))
	return nil
}

// Start begins firing jobs. Runs derive their context from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunNow executes job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	return s.exec(ctx, job)
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err := s.exec(ctx, job); err != nil {
		s.log.Error("job failed", zap.String("job", job.Name()), zap.Error(err))
	}
}

func (s *Scheduler) exec(ctx context.Context, job Job) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	err := job.Run(ctx)
	s.log.Debug("job finished",
		zap.String("job", job.Name()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	return eris.Wrapf(err, "scheduler: %s", job.Name())
}
