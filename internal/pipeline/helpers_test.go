package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/queue"
	"github.com/sells-group/exchange-feed/internal/resilience"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stageFunc adapts a function to the Stage interface.
type stageFunc struct {
	jt model.JobType
	fn func(ctx context.Context, env model.Envelope) (Result, error)
}

func (s stageFunc) Type() model.JobType { return s.jt }

func (s stageFunc) Process(ctx context.Context, env model.Envelope) (Result, error) {
	return s.fn(ctx, env)
}

func newTestQueue(clk *fakeClock) *queue.MemoryQueue {
	return queue.NewMemory(queue.WithClock(clk.Now), queue.WithLeaseTTL(time.Minute), queue.WithPollInterval(time.Millisecond))
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PopTimeout:   5 * time.Millisecond,
		StageTimeout: time.Second,
		Retry: resilience.RetryConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
		},
	}
}

func mustEnvelope(t *testing.T, jt model.JobType, owner string, payload any, maxAttempts int) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(jt, owner, payload, maxAttempts)
	require.NoError(t, err)
	return env
}

func queueLen(t *testing.T, q queue.Queue, name string) int64 {
	t.Helper()
	n, err := q.Len(context.Background(), name)
	require.NoError(t, err)
	return n
}
