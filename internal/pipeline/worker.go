package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/guard"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/queue"
	"github.com/sells-group/exchange-feed/internal/resilience"
)

// WorkerConfig tunes a worker's poll loop.
type WorkerConfig struct {
	PopTimeout   time.Duration
	StageTimeout time.Duration
	Retry        resilience.RetryConfig
	// OnDeadLetter is called after a job is moved to its dead-letter queue.
	OnDeadLetter func(ctx context.Context, env model.Envelope)
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PopTimeout <= 0 {
		c.PopTimeout = 5 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	return c
}

// resolveTimeout bounds the queue call that resolves a lease.
const resolveTimeout = 10 * time.Second

// Worker is a single-threaded poll loop over one stage's queue.
type Worker struct {
	id    string
	stage Stage
	queue queue.Queue
	cfg   WorkerConfig
	stats *StageStats
	log   *zap.Logger
}

// NewWorker creates a worker. stats may be shared between workers of the
// same stage; nil allocates private counters.
func NewWorker(id string, stage Stage, q queue.Queue, cfg WorkerConfig, stats *StageStats) *Worker {
	if stats == nil {
		stats = &StageStats{}
	}
	return &Worker{
		id:    id,
		stage: stage,
		queue: q,
		cfg:   cfg.withDefaults(),
		stats: stats,
		log:   zap.L().With(zap.String("worker", id), zap.String("stage", string(stage.Type()))),
	}
}

// Run polls until ctx is done. It returns an error only when the queue
// itself fails; stage failures are resolved per job.
func (w *Worker) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if _, err := w.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// Tick pops at most one job and drives it to an outcome.
func (w *Worker) Tick(ctx context.Context) (Outcome, error) {
	d, err := w.queue.Pop(ctx, w.stage.Type().Queue(), w.cfg.PopTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeIdle, nil
		}
		return OutcomeIdle, eris.Wrapf(err, "pipeline: pop %s", w.stage.Type())
	}
	if d == nil {
		return OutcomeIdle, nil
	}
	return w.handle(ctx, d)
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery) (Outcome, error) {
	env := d.Envelope
	w.stats.Received.Add(1)
	log := w.log.With(
		zap.String("job_id", env.JobID),
		zap.String("job_type", string(env.JobType)),
		zap.String("owner_key", env.OwnerKey),
		zap.Int("attempt", env.Attempt),
		zap.Int("max_attempts", env.MaxAttempts),
	)
	if d.Deliveries > 1 {
		log.Info("worker: redelivered job", zap.Int("deliveries", d.Deliveries))
	}

	res, err := w.execute(ctx, env)
	if err == nil {
		err = w.pushNext(ctx, res.Next)
	}
	if err != nil && ctx.Err() != nil {
		log.Info("worker: shutdown interrupted job, leaving lease to expire", zap.String("outcome", string(OutcomeAbandoned)))
		return OutcomeAbandoned, nil
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()

	var outcome Outcome
	if err == nil {
		outcome, err = w.advance(rctx, d, len(res.Next), log)
	} else {
		outcome, err = w.fail(rctx, d, err, log)
	}
	if err != nil {
		if eris.Is(err, queue.ErrLeaseLost) {
			log.Warn("worker: lease lost before resolution", zap.String("outcome", string(outcome)))
			return outcome, nil
		}
		return outcome, err
	}
	w.stats.record(outcome)
	return outcome, nil
}

// execute runs the stage with a deadline, recovering panics into failures,
// and applies the guard to any record it produced.
func (w *Worker) execute(ctx context.Context, env model.Envelope) (res Result, err error) {
	if err := env.Validate(); err != nil {
		return Result{}, resilience.Terminal(err)
	}
	if env.JobType != w.stage.Type() {
		return Result{}, resilience.Terminal(eris.Errorf("pipeline: %s job %s on %s queue", env.JobType, env.JobID, w.stage.Type()))
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.stats.Panics.Add(1)
			err = eris.Errorf("pipeline: %s stage panic: %v", w.stage.Type(), r)
		}
	}()

	res, err = w.stage.Process(ctx, env)
	if err != nil {
		return res, err
	}
	if res.Record != nil {
		if err := guard.Check(string(w.stage.Type()), *res.Record); err != nil {
			return res, err
		}
	}
	return res, nil
}

// pushNext enqueues downstream envelopes, one batch per queue.
func (w *Worker) pushNext(ctx context.Context, next []model.Envelope) error {
	if len(next) == 0 {
		return nil
	}
	byQueue := make(map[string][]model.Envelope)
	var order []string
	for _, env := range next {
		name := env.JobType.Queue()
		if _, ok := byQueue[name]; !ok {
			order = append(order, name)
		}
		byQueue[name] = append(byQueue[name], env)
	}
	for _, name := range order {
		envs := byQueue[name]
		var err error
		if len(envs) == 1 {
			err = w.queue.Push(ctx, name, envs[0])
		} else {
			err = w.queue.PushBatch(ctx, name, envs)
		}
		if err != nil {
			return resilience.NewTransientError(eris.Wrapf(err, "pipeline: push %d job(s) to %s", len(envs), name), 0)
		}
	}
	return nil
}

func (w *Worker) advance(ctx context.Context, d *queue.Delivery, pushed int, log *zap.Logger) (Outcome, error) {
	if err := w.queue.Ack(ctx, d); err != nil {
		return OutcomeAdvanced, eris.Wrapf(err, "pipeline: ack %s", d.Envelope.JobID)
	}
	log.Info("worker: job advanced", zap.String("outcome", string(OutcomeAdvanced)), zap.Int("next_jobs", pushed))
	return OutcomeAdvanced, nil
}

// fail consumes one attempt. Terminal errors spend the whole budget.
func (w *Worker) fail(ctx context.Context, d *queue.Delivery, cause error, log *zap.Logger) (Outcome, error) {
	env := d.Envelope
	next := env.Failed(cause)
	if resilience.IsTerminal(cause) {
		next.Attempt = next.MaxAttempts
	}
	log = log.With(zap.Error(cause), zap.String("failure_kind", string(resilience.KindOf(cause))))

	if next.Exhausted() {
		if err := w.queue.DeadLetter(ctx, d, next); err != nil {
			return OutcomeDeadLettered, eris.Wrapf(err, "pipeline: dead-letter %s", env.JobID)
		}
		log.Error("worker: job dead-lettered",
			zap.String("outcome", string(OutcomeDeadLettered)),
			zap.String("dead_queue", env.JobType.DeadQueue()),
			zap.Int("next_attempt", next.Attempt),
		)
		if w.cfg.OnDeadLetter != nil {
			w.cfg.OnDeadLetter(ctx, next)
		}
		return OutcomeDeadLettered, nil
	}

	// Pre-increment attempt: the first retry waits InitialBackoff.
	delay := resilience.Backoff(env.Attempt, w.cfg.Retry)
	if err := w.queue.Requeue(ctx, d, next, delay); err != nil {
		return OutcomeRetried, eris.Wrapf(err, "pipeline: requeue %s", env.JobID)
	}
	log.Warn("worker: job scheduled for retry",
		zap.String("outcome", string(OutcomeRetried)),
		zap.Int("next_attempt", next.Attempt),
		zap.Duration("backoff", delay),
	)
	return OutcomeRetried, nil
}
