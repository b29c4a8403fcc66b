package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/exchange-feed/internal/config"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/queue"
	"github.com/sells-group/exchange-feed/internal/resilience"
)

// ManagerConfig sizes and tunes the worker pools.
type ManagerConfig struct {
	Worker       WorkerConfig
	RestartDelay time.Duration
}

// ManagerConfigFrom builds a ManagerConfig from the loaded configuration.
func ManagerConfigFrom(cfg *config.Config) ManagerConfig {
	return ManagerConfig{
		Worker: WorkerConfig{
			PopTimeout:   time.Duration(cfg.Workers.PopTimeoutSecs) * time.Second,
			StageTimeout: time.Duration(cfg.Workers.StageTimeoutSecs) * time.Second,
			Retry: resilience.FromRetryConfig(cfg.Retry.MaxAttempts,
				cfg.Retry.BaseBackoffMs, cfg.Retry.MaxBackoffMs,
				cfg.Retry.Multiplier, cfg.Retry.JitterFraction),
		},
		RestartDelay: time.Duration(cfg.Workers.RestartDelayMs) * time.Millisecond,
	}
}

type pool struct {
	stage   Stage
	workers int
	stats   *StageStats
}

// Manager runs a supervised pool of workers per stage. A worker whose
// loop fails or panics is restarted after RestartDelay; its in-flight job
// is re-delivered when the lease expires.
type Manager struct {
	queue queue.Queue
	cfg   ManagerConfig

	mu    sync.Mutex
	pools []*pool
}

// NewManager creates an empty Manager.
func NewManager(q queue.Queue, cfg ManagerConfig) *Manager {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	return &Manager{queue: q, cfg: cfg}
}

// Register adds a pool of n workers for stage. Stages with n <= 0 are
// skipped so a process can run a subset of the pipeline.
func (m *Manager) Register(stage Stage, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools = append(m.pools, &pool{stage: stage, workers: n, stats: &StageStats{}})
}

// Run starts every registered worker and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	pools := append([]*pool(nil), m.pools...)
	m.mu.Unlock()
	if len(pools) == 0 {
		return eris.New("pipeline: no stages registered")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		for i := 0; i < p.workers; i++ {
			w := NewWorker(fmt.Sprintf("%s-%d", p.stage.Type(), i), p.stage, m.queue, m.cfg.Worker, p.stats)
			g.Go(func() error {
				m.supervise(ctx, w, p.stats)
				return nil
			})
		}
		zap.L().Info("pipeline: stage started",
			zap.String("stage", string(p.stage.Type())), zap.Int("workers", p.workers))
	}
	return g.Wait()
}

func (m *Manager) supervise(ctx context.Context, w *Worker, stats *StageStats) {
	for {
		err := m.runOnce(ctx, w, stats)
		if ctx.Err() != nil {
			return
		}
		stats.Restarts.Add(1)
		w.log.Error("pipeline: worker stopped, restarting",
			zap.Error(err), zap.Duration("delay", m.cfg.RestartDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RestartDelay):
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, w *Worker, stats *StageStats) (err error) {
	stats.Alive.Add(1)
	defer stats.Alive.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			stats.Panics.Add(1)
			err = eris.Errorf("pipeline: worker %s panic: %v", w.id, r)
		}
	}()
	if err := w.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return eris.Errorf("pipeline: worker %s exited", w.id)
	}
	return nil
}

// Stats returns a snapshot per registered stage in pipeline order.
func (m *Manager) Stats() []StageSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StageSnapshot, 0, len(m.pools))
	for _, jt := range model.JobTypes {
		for _, p := range m.pools {
			if p.stage.Type() == jt {
				out = append(out, p.stats.snapshot(jt, p.workers))
			}
		}
	}
	return out
}
