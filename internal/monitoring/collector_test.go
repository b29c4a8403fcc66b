package monitoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/queue"
)

// fakeDepths reports fixed queue sizes.
type fakeDepths struct {
	depths map[string]int64
	err    error
}

func (f fakeDepths) Len(_ context.Context, name string) (int64, error) {
	return f.depths[name], f.err
}

// fakeReviews reports fixed review counts.
type fakeReviews struct {
	counts map[model.ReviewStatus]int
	err    error
}

func (f fakeReviews) CountReviewTasks(_ context.Context, status model.ReviewStatus) (int, error) {
	return f.counts[status], f.err
}

func TestCollector_Collect(t *testing.T) {
	c := NewCollector(fakeDepths{depths: map[string]int64{
		"scrape":        4,
		"classify":      2,
		"classify.dead": 3,
		"notify.dead":   1,
	}}, fakeReviews{counts: map[model.ReviewStatus]int{
		model.ReviewUnclaimed: 7,
		model.ReviewClaimed:   2,
	}})

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Queues, len(model.JobTypes))
	assert.Equal(t, QueueDepth{Queue: "scrape", Depth: 4}, snap.Queues[0])
	assert.Equal(t, QueueDepth{Queue: "classify", Depth: 2, Dead: 3}, snap.Queues[1])
	assert.Equal(t, int64(4), snap.DeadLetterTotal)
	assert.Equal(t, 7, snap.ReviewUnclaimed)
	assert.Equal(t, 2, snap.ReviewClaimed)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_WithMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	env, err := model.NewEnvelope(model.JobScrape, "GB0002634946", model.ScrapePayload{SourceURL: "https://x/1"}, 3)
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, model.JobScrape.Queue(), env))

	snap, err := NewCollector(q, nil).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Queues[0].Depth)
	assert.Zero(t, snap.ReviewUnclaimed)
}

func TestCollector_Errors(t *testing.T) {
	_, err := NewCollector(fakeDepths{err: errors.New("db down")}, nil).Collect(context.Background())
	assert.Error(t, err)

	_, err = NewCollector(fakeDepths{}, fakeReviews{err: errors.New("db down")}).Collect(context.Background())
	assert.Error(t, err)
}
