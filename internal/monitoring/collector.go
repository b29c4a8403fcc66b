package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/queue"
)

// QueueDepth is the size of one stage queue and its dead-letter sibling.
type QueueDepth struct {
	Queue string `json:"queue"`
	Depth int64  `json:"depth"`
	Dead  int64  `json:"dead"`
}

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	Queues          []QueueDepth `json:"queues"`
	DeadLetterTotal int64        `json:"dead_letter_total"`

	// Review backlog.
	ReviewUnclaimed int `json:"review_unclaimed"`
	ReviewClaimed   int `json:"review_claimed"`

	CollectedAt time.Time `json:"collected_at"`
}

// DepthReader reports queue sizes. queue.Queue satisfies it.
type DepthReader interface {
	Len(ctx context.Context, name string) (int64, error)
}

// ReviewCounter counts review tasks by status.
type ReviewCounter interface {
	CountReviewTasks(ctx context.Context, status model.ReviewStatus) (int, error)
}

// Collector gathers metrics from the queue and the store.
type Collector struct {
	queue   DepthReader
	reviews ReviewCounter
}

// NewCollector creates a new metrics collector. reviews may be nil when
// only queue depths are wanted.
func NewCollector(q DepthReader, reviews ReviewCounter) *Collector {
	return &Collector{queue: q, reviews: reviews}
}

// Collect snapshots every stage queue and the review backlog.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	for _, jt := range model.JobTypes {
		depth, err := c.queue.Len(ctx, jt.Queue())
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: depth of %s", jt.Queue())
		}
		dead, err := c.queue.Len(ctx, queue.DeadName(jt.Queue()))
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: depth of %s", queue.DeadName(jt.Queue()))
		}
		snap.Queues = append(snap.Queues, QueueDepth{Queue: jt.Queue(), Depth: depth, Dead: dead})
		snap.DeadLetterTotal += dead
	}

	if c.reviews != nil {
		var err error
		if snap.ReviewUnclaimed, err = c.reviews.CountReviewTasks(ctx, model.ReviewUnclaimed); err != nil {
			return nil, eris.Wrap(err, "monitoring: count unclaimed reviews")
		}
		if snap.ReviewClaimed, err = c.reviews.CountReviewTasks(ctx, model.ReviewClaimed); err != nil {
			return nil, eris.Wrap(err, "monitoring: count claimed reviews")
		}
	}
	return snap, nil
}
