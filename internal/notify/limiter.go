package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiters hands out one token bucket per destination account. Buckets
// live in process memory, so the ceiling holds per process: N notify
// processes may send N times the configured rate to one chat. Run notify
// workers in a single process when the ceiling must be global.
type Limiters struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiters allows perSecond messages per destination with the given burst.
func NewLimiters(perSecond float64, burst int) *Limiters {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Limiters{limit: limit, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

// Wait blocks until destination may receive another message.
func (l *Limiters) Wait(ctx context.Context, destination string) error {
	return l.get(destination).Wait(ctx)
}

func (l *Limiters) get(destination string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[destination]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[destination] = b
	}
	return b
}
