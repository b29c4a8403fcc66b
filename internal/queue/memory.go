package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/exchange-feed/internal/model"
)

// MemoryQueue is an in-process Queue for tests and single-process runs.
type MemoryQueue struct {
	opts options

	mu     sync.Mutex
	nextID int64
	queues map[string][]*memItem
}

type memItem struct {
	id          int64
	env         model.Envelope
	availableAt time.Time
	leasedUntil time.Time
	token       string
	deliveries  int
}

// NewMemory creates an empty in-process queue.
func NewMemory(opts ...Option) *MemoryQueue {
	o := defaultOptions()
	o.pollInterval = 10 * time.Millisecond
	for _, fn := range opts {
		fn(&o)
	}
	return &MemoryQueue{opts: o, queues: make(map[string][]*memItem)}
}

func (q *MemoryQueue) Push(_ context.Context, name string, env model.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appendLocked(name, env, q.opts.now())
	return nil
}

func (q *MemoryQueue) PushBatch(_ context.Context, name string, envs []model.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.now()
	for _, env := range envs {
		q.appendLocked(name, env, now)
	}
	return nil
}

func (q *MemoryQueue) appendLocked(name string, env model.Envelope, availableAt time.Time) {
	q.nextID++
	q.queues[name] = append(q.queues[name], &memItem{id: q.nextID, env: env, availableAt: availableAt})
}

func (q *MemoryQueue) Pop(ctx context.Context, name string, timeout time.Duration) (*Delivery, error) {
	return poll(ctx, timeout, q.opts.pollInterval, func() (*Delivery, error) {
		return q.tryPop(name), nil
	})
}

func (q *MemoryQueue) tryPop(name string) *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.now()
	var best *memItem
	for _, it := range q.queues[name] {
		if it.availableAt.After(now) || it.leasedUntil.After(now) {
			continue
		}
		if best == nil || it.availableAt.Before(best.availableAt) ||
			(it.availableAt.Equal(best.availableAt) && it.id < best.id) {
			best = it
		}
	}
	if best == nil {
		return nil
	}
	best.token = uuid.NewString()
	best.leasedUntil = now.Add(q.opts.leaseTTL)
	best.deliveries++
	return &Delivery{Envelope: best.env, Queue: name, Deliveries: best.deliveries, id: best.id, token: best.token}
}

// findLocked returns the index of the leased item backing d.
func (q *MemoryQueue) findLocked(d *Delivery) (int, error) {
	for i, it := range q.queues[d.Queue] {
		if it.id == d.id {
			if it.token != d.token {
				return -1, ErrLeaseLost
			}
			return i, nil
		}
	}
	return -1, ErrLeaseLost
}

func (q *MemoryQueue) removeLocked(name string, i int) *memItem {
	items := q.queues[name]
	it := items[i]
	q.queues[name] = append(items[:i:i], items[i+1:]...)
	return it
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.findLocked(d)
	if err != nil {
		return err
	}
	q.removeLocked(d.Queue, i)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, d *Delivery, env model.Envelope, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.findLocked(d)
	if err != nil {
		return err
	}
	it := q.queues[d.Queue][i]
	it.env = env
	it.availableAt = q.opts.now().Add(delay)
	it.leasedUntil = time.Time{}
	it.token = ""
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, d *Delivery, env model.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.findLocked(d)
	if err != nil {
		return err
	}
	q.removeLocked(d.Queue, i)
	q.appendLocked(DeadName(d.Queue), env, q.opts.now())
	return nil
}

func (q *MemoryQueue) Len(_ context.Context, name string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[name])), nil
}

func (q *MemoryQueue) ListDead(_ context.Context, name string, limit int) ([]model.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[DeadName(name)]
	out := make([]model.Envelope, 0, len(items))
	for _, it := range items {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, it.env)
	}
	return out, nil
}

func (q *MemoryQueue) Redrive(_ context.Context, name, jobID string) (model.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dead := DeadName(name)
	for i, it := range q.queues[dead] {
		if it.env.JobID != jobID {
			continue
		}
		q.removeLocked(dead, i)
		env := it.env.Redriven()
		q.appendLocked(LiveName(name), env, q.opts.now())
		return env, nil
	}
	return model.Envelope{}, ErrNotFound
}

func (q *MemoryQueue) Close() error { return nil }
