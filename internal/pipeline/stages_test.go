package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/dedup"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/queue"
	"github.com/sells-group/exchange-feed/internal/scrape"
	"github.com/sells-group/exchange-feed/internal/store"
)

type fakeFetcher struct {
	docs map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*scrape.Document, error) {
	text, ok := f.docs[url]
	if !ok {
		return nil, eris.Errorf("no document at %s", url)
	}
	return &scrape.Document{
		URL:         url,
		Title:       "fetched title",
		Text:        text,
		Fingerprint: model.Fingerprint([]byte(text)),
		SizeBytes:   int64(len(text)),
	}, nil
}

// watcherPlanner emits one notify job per persisted record.
type watcherPlanner struct{}

func (watcherPlanner) Plan(_ context.Context, parent model.Envelope, rec model.ClassifiedRecord) ([]model.Envelope, error) {
	env, err := parent.Next(model.JobNotify, model.NotifyPayload{
		RecordID: rec.ID, SubscriberID: "sub-1", Channel: model.ChannelInstant, Destination: "42",
	})
	if err != nil {
		return nil, err
	}
	return []model.Envelope{env}, nil
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []model.NotifyPayload
}

func (d *recordingDeliverer) Deliver(_ context.Context, p model.NotifyPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, p)
	return nil
}

type harness struct {
	clk       *fakeClock
	q         *queue.MemoryQueue
	st        *store.SQLiteStore
	deliverer *recordingDeliverer
	workers   map[model.JobType]*Worker
}

func newHarness(t *testing.T, docs map[string]string, cl *stubClassifier) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	clk := newFakeClock()
	q := newTestQueue(clk)
	d := &recordingDeliverer{}
	cfg := testWorkerConfig()

	h := &harness{clk: clk, q: q, st: st, deliverer: d, workers: make(map[model.JobType]*Worker)}
	for _, s := range []Stage{
		NewScrapeStage(&fakeFetcher{docs: docs}),
		NewClassifyStage(cl),
		NewDedupStage(dedup.New(st)),
		NewPersistStage(st, watcherPlanner{}),
		NewNotifyStage(d),
	} {
		h.workers[s.Type()] = NewWorker(string(s.Type())+"-0", s, q, cfg, nil)
	}
	return h
}

// drain ticks every stage in order until all live queues are empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for round := 0; round < 20; round++ {
		busy := false
		for _, jt := range model.JobTypes {
			out, err := h.workers[jt].Tick(context.Background())
			require.NoError(t, err)
			if out != OutcomeIdle {
				busy = true
			}
		}
		if !busy {
			return
		}
	}
	t.Fatal("pipeline did not drain")
}

func submit(t *testing.T, q queue.Queue, url string) {
	t.Helper()
	env := mustEnvelope(t, model.JobScrape, "ISIN-X", model.ScrapePayload{
		SourceURL: url, Exchange: "XLON", CompanyName: "Acme plc", Title: "Final results",
	}, 3)
	require.NoError(t, q.Push(context.Background(), "scrape", env))
}

func goodClassifier() *stubClassifier {
	return &stubClassifier{result: model.Classification{
		Category: model.ValidCategory(model.CategoryResults), Confidence: 0.93, Summary: "FY revenue up 4%",
	}}
}

func TestPipeline_DuplicateUploadsFlagged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{
		"https://xlon.example/a": "Acme final results: revenue up 4%",
		"https://xmil.example/b": "Acme final results: revenue up 4%",
	}, goodClassifier())

	submit(t, h.q, "https://xlon.example/a")
	submit(t, h.q, "https://xmil.example/b")
	h.drain(t)

	fp, err := h.st.GetFingerprint(ctx, "ISIN-X", model.Fingerprint([]byte("Acme final results: revenue up 4%")))
	require.NoError(t, err)
	assert.Equal(t, 1, fp.DuplicateCount)

	all, err := h.st.ListRecords(ctx, store.RecordFilter{OwnerKey: "ISIN-X", IncludeDuplicates: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	dups := 0
	for _, r := range all {
		if r.IsDuplicate {
			dups++
			assert.Equal(t, fp.OriginJobID, r.DuplicateOf)
		}
	}
	assert.Equal(t, 1, dups)

	visible, err := h.st.ListRecords(ctx, store.RecordFilter{OwnerKey: "ISIN-X"})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.False(t, visible[0].IsDuplicate)

	n, err := h.st.CountReviewTasks(ctx, model.ReviewUnclaimed)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "duplicates get no review task")
	assert.Len(t, h.deliverer.sent, 1, "duplicates do not notify")
	assert.Equal(t, visible[0].ID, h.deliverer.sent[0].RecordID)
}

func TestPipeline_SentinelNeverPersisted(t *testing.T) {
	ctx := context.Background()
	cl := &stubClassifier{result: model.Classification{Category: model.ErrorCategory("confidence 0.10 below 0.50")}}
	h := newHarness(t, map[string]string{"https://xlon.example/a": "garbled"}, cl)

	submit(t, h.q, "https://xlon.example/a")
	for i := 0; i < 3; i++ {
		h.drain(t)
		h.clk.Advance(time.Minute)
	}
	assert.Equal(t, 3, cl.calls)
	assert.Equal(t, int64(1), queueLen(t, h.q, "classify.dead"))

	all, err := h.st.ListRecords(ctx, store.RecordFilter{IncludeDuplicates: true})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, int64(0), queueLen(t, h.q, "persist"))
}

func TestPipeline_PersistReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, goodClassifier())

	rec := model.NewClassifiedRecord(
		model.Announcement{SourceID: "doc-9", OwnerKey: "ISIN-X", Title: "Dividend", SourceURL: "https://x/9"},
		model.Classification{Category: model.ValidCategory(model.CategoryDividend), Confidence: 0.9},
		model.Fingerprint([]byte("div")), 3,
	)
	env := mustEnvelope(t, model.JobPersist, "ISIN-X", model.RecordPayload{Record: rec}, 3)

	// At-least-once delivery hands the same envelope over twice.
	require.NoError(t, h.q.Push(ctx, "persist", env))
	require.NoError(t, h.q.Push(ctx, "persist", env))
	h.drain(t)

	all, err := h.st.ListRecords(ctx, store.RecordFilter{IncludeDuplicates: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	n, err := h.st.CountReviewTasks(ctx, model.ReviewUnclaimed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPipeline_DedupReplayDoesNotRecount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, goodClassifier())

	rec := model.NewClassifiedRecord(
		model.Announcement{SourceID: "doc-9", OwnerKey: "ISIN-X", Title: "Dividend"},
		model.Classification{Category: model.ValidCategory(model.CategoryDividend), Confidence: 0.9},
		model.Fingerprint([]byte("div")), 3,
	)
	env := mustEnvelope(t, model.JobDedup, "ISIN-X", model.RecordPayload{Record: rec}, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.q.Push(ctx, "dedup", env))
	}
	h.drain(t)

	fp, err := h.st.GetFingerprint(ctx, "ISIN-X", rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 0, fp.DuplicateCount)

	all, err := h.st.ListRecords(ctx, store.RecordFilter{IncludeDuplicates: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsDuplicate)
}

func TestScrapeStage_BuildsClassifyJob(t *testing.T) {
	stage := NewScrapeStage(&fakeFetcher{docs: map[string]string{"https://x/1": "body text"}})
	env := mustEnvelope(t, model.JobScrape, "ISIN-X", model.ScrapePayload{SourceURL: "https://x/1", Exchange: "XLON"}, 3)

	res, err := stage.Process(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, res.Next, 1)
	assert.Equal(t, model.JobClassify, res.Next[0].JobType)
	assert.Equal(t, "ISIN-X", res.Next[0].OwnerKey)

	var p model.ClassifyPayload
	require.NoError(t, res.Next[0].Decode(&p))
	assert.Equal(t, "https://x/1", p.Announcement.SourceID, "source id defaults to the url")
	assert.Equal(t, "fetched title", p.Announcement.Title)
	assert.Equal(t, "body text", p.Announcement.Text)
	assert.Equal(t, model.Fingerprint([]byte("body text")), p.Fingerprint)
}

func TestPersistStage_GuardBlocksReentry(t *testing.T) {
	st := &countingStore{}
	stage := NewPersistStage(st, nil)

	rec := model.ClassifiedRecord{
		ID:           "r1",
		Announcement: model.Announcement{SourceID: "1", OwnerKey: "ISIN-X", Title: "t"},
		Category:     model.ErrorCategory("resubmitted without classification"),
		Fingerprint:  "ff",
	}
	env := mustEnvelope(t, model.JobPersist, "ISIN-X", model.RecordPayload{Record: rec}, 3)

	_, err := stage.Process(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, 0, st.upserts)
}

type countingStore struct {
	upserts int
}

func (c *countingStore) UpsertRecord(context.Context, model.ClassifiedRecord) error {
	c.upserts++
	return nil
}

func (c *countingStore) CreateReviewTask(context.Context, model.ClassifiedRecord, time.Time) (*model.ReviewTask, error) {
	return &model.ReviewTask{}, nil
}
