// Package queue implements durable, at-least-once FIFO job queues with a
// dead-letter sibling per queue.
//
// A popped envelope is leased, not removed. The consumer resolves the lease
// with exactly one of Ack, Requeue, or DeadLetter. A lease that is never
// resolved expires and the envelope becomes visible again, which is how a
// crashed worker's job is re-delivered.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/exchange-feed/internal/model"
)

// ErrLeaseLost is returned when a delivery is resolved after its lease
// expired and another consumer took it over.
var ErrLeaseLost = eris.New("queue: lease lost")

// ErrNotFound is returned by Redrive for an unknown dead-lettered job.
var ErrNotFound = eris.New("queue: job not found")

// Delivery is one leased envelope.
type Delivery struct {
	Envelope model.Envelope
	Queue    string
	// Deliveries counts how many times this row has been leased,
	// including this one. Values above 1 indicate a redelivery.
	Deliveries int

	id    int64
	token string
}

// Queue is the job transport shared by every stage.
type Queue interface {
	// Push appends env to the named queue. It never blocks on consumers.
	Push(ctx context.Context, name string, env model.Envelope) error
	// PushBatch appends several envelopes in one round trip.
	PushBatch(ctx context.Context, name string, envs []model.Envelope) error
	// Pop waits up to timeout for the oldest visible envelope. It returns
	// nil and no error when the wait times out.
	Pop(ctx context.Context, name string, timeout time.Duration) (*Delivery, error)
	// Ack removes a delivered envelope.
	Ack(ctx context.Context, d *Delivery) error
	// Requeue replaces the delivered envelope with env and hides it for delay.
	Requeue(ctx context.Context, d *Delivery, env model.Envelope, delay time.Duration) error
	// DeadLetter moves the delivery to the queue's dead-letter sibling.
	DeadLetter(ctx context.Context, d *Delivery, env model.Envelope) error
	// Len returns the number of envelopes held by the queue, leased or not.
	Len(ctx context.Context, name string) (int64, error)
	// ListDead returns up to limit dead-lettered envelopes, oldest first.
	ListDead(ctx context.Context, name string, limit int) ([]model.Envelope, error)
	// Redrive moves one dead-lettered job back onto its live queue with a
	// fresh identity and attempt budget.
	Redrive(ctx context.Context, name, jobID string) (model.Envelope, error)
	Close() error
}

// Option configures a queue driver.
type Option func(*options)

type options struct {
	pollInterval time.Duration
	leaseTTL     time.Duration
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		pollInterval: 250 * time.Millisecond,
		leaseTTL:     5 * time.Minute,
		now:          time.Now,
	}
}

// WithPollInterval sets how often Pop re-checks an empty queue.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLeaseTTL sets how long a popped envelope stays invisible to other
// consumers before it is re-delivered.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseTTL = d
		}
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// poll calls try until it yields a delivery, the timeout elapses, or ctx
// is done. A timeout is not an error.
func poll(ctx context.Context, timeout, interval time.Duration, try func() (*Delivery, error)) (*Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		d, err := try()
		if err != nil || d != nil {
			return d, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// DeadName returns the dead-letter sibling of name; dead queues are their
// own sibling.
func DeadName(name string) string {
	if strings.HasSuffix(name, deadSuffix) {
		return name
	}
	return model.DeadQueueName(name)
}

// LiveName strips the dead-letter suffix from name.
func LiveName(name string) string {
	return strings.TrimSuffix(name, deadSuffix)
}

const deadSuffix = ".dead"
