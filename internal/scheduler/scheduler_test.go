package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/notify"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestAddJob_RejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(0)

	assert.Error(t, s.AddJob("", &countingJob{}))
	assert.Error(t, s.AddJob("every tuesday", &countingJob{}))
	assert.NoError(t, s.AddJob("*/5 * * * *", &countingJob{}))
	assert.NoError(t, s.AddJob("@every 1m", &countingJob{}))
}

func TestStart_FiresJobs(t *testing.T) {
	t.Parallel()
	s := New(time.Second)
	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return job.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestRunNow_WrapsError(t *testing.T) {
	t.Parallel()
	s := New(0)
	boom := errors.New("boom")

	err := s.RunNow(context.Background(), &countingJob{err: boom})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "counting")

	assert.NoError(t, s.RunNow(context.Background(), &countingJob{}))
}

func TestRunNow_AppliesTimeout(t *testing.T) {
	t.Parallel()
	s := New(10 * time.Millisecond)

	err := s.RunNow(context.Background(), Func{JobName: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) SweepStale(context.Context) (int, error) {
	f.calls++
	return 2, nil
}

type fakeDigest struct {
	report notify.DigestReport
	err    error
}

func (f fakeDigest) Sweep(context.Context) (notify.DigestReport, error) { return f.report, f.err }

type fakeCache struct{ at time.Time }

func (f *fakeCache) DeleteExpiredDocuments(_ context.Context, at time.Time) (int, error) {
	f.at = at
	return 1, nil
}

func TestJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sw := &fakeSweeper{}
	job := ReviewSweep(sw)
	assert.Equal(t, "review_sweep", job.Name())
	require.NoError(t, job.Run(ctx))
	assert.Equal(t, 1, sw.calls)

	assert.NoError(t, DigestSweep(fakeDigest{report: notify.DigestReport{Sent: 1, Failed: 1}}).Run(ctx))
	assert.Error(t, DigestSweep(fakeDigest{err: errors.New("db down")}).Run(ctx))

	c := &fakeCache{}
	require.NoError(t, CacheCleanup(c).Run(ctx))
	assert.WithinDuration(t, time.Now(), c.at, time.Minute)
}
