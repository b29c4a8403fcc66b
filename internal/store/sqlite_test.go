package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/guard"
	"github.com/sells-group/exchange-feed/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testRecord(owner, source string) model.ClassifiedRecord {
	a := model.Announcement{
		SourceID:    source,
		SourceURL:   "https://exchange.example/" + source,
		Exchange:    "XLON",
		OwnerKey:    owner,
		CompanyName: "Acme plc",
		Title:       "Final results " + source,
		PublishedAt: t0,
	}
	return model.NewClassifiedRecord(a, model.Classification{
		Category:   model.ValidCategory(model.CategoryResults),
		Confidence: 0.92,
		Summary:    "Revenue up 4%",
		Model:      "test",
	}, "fp-"+source, 128)
}

// --- Fingerprints ---

func TestSQLite_RegisterFingerprint_OriginalThenDuplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.RegisterFingerprint(ctx, model.Sighting{OwnerKey: "ISIN-X", Fingerprint: "H", SizeBytes: 10, JobID: "j1", SourceID: "s1"}, t0)
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)
	assert.Equal(t, "j1", first.OriginJobID)

	second, err := st.RegisterFingerprint(ctx, model.Sighting{OwnerKey: "ISIN-X", Fingerprint: "H", SizeBytes: 10, JobID: "j2", SourceID: "s2"}, t0)
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, "j1", second.OriginJobID)
	assert.Equal(t, 1, second.DuplicateCount)

	// Same content under another owner is not a duplicate.
	other, err := st.RegisterFingerprint(ctx, model.Sighting{OwnerKey: "ISIN-Y", Fingerprint: "H", JobID: "j3", SourceID: "s3"}, t0)
	require.NoError(t, err)
	assert.False(t, other.IsDuplicate)

	fp, err := st.GetFingerprint(ctx, "ISIN-X", "H")
	require.NoError(t, err)
	assert.Equal(t, 1, fp.DuplicateCount)
	assert.Equal(t, "s1", fp.OriginSourceID)
	assert.Equal(t, t0, fp.FirstSeenAt)
}

func TestSQLite_RegisterFingerprint_RedeliveryIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	orig := model.Sighting{OwnerKey: "ISIN-X", Fingerprint: "H", JobID: "j1", SourceID: "s1"}
	dup := model.Sighting{OwnerKey: "ISIN-X", Fingerprint: "H", JobID: "j2", SourceID: "s2"}

	_, err := st.RegisterFingerprint(ctx, orig, t0)
	require.NoError(t, err)
	_, err = st.RegisterFingerprint(ctx, dup, t0)
	require.NoError(t, err)

	replayOrig, err := st.RegisterFingerprint(ctx, orig, t0)
	require.NoError(t, err)
	assert.False(t, replayOrig.IsDuplicate, "origin source replay stays the original")

	replayDup, err := st.RegisterFingerprint(ctx, dup, t0)
	require.NoError(t, err)
	assert.True(t, replayDup.IsDuplicate)
	assert.Equal(t, 1, replayDup.DuplicateCount, "replayed duplicate must not increment")

	fp, err := st.GetFingerprint(ctx, "ISIN-X", "H")
	require.NoError(t, err)
	assert.Equal(t, 1, fp.DuplicateCount)
}

func TestSQLite_RegisterFingerprint_Concurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const n = 12
	results := make([]model.DedupResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = st.RegisterFingerprint(ctx, model.Sighting{
				OwnerKey: "ISIN-X", Fingerprint: "H", JobID: fmt.Sprintf("j%d", i), SourceID: fmt.Sprintf("s%d", i),
			}, t0)
		}(i)
	}
	wg.Wait()

	originals := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].IsDuplicate {
			originals++
		}
	}
	assert.Equal(t, 1, originals)

	fp, err := st.GetFingerprint(ctx, "ISIN-X", "H")
	require.NoError(t, err)
	assert.Equal(t, n-1, fp.DuplicateCount)
}

func TestSQLite_GetFingerprint_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetFingerprint(context.Background(), "ISIN-X", "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- Records ---

func TestSQLite_UpsertRecord_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := testRecord("ISIN-X", "doc-1")
	require.NoError(t, st.UpsertRecord(ctx, rec))
	require.NoError(t, st.UpsertRecord(ctx, rec))

	all, err := st.ListRecords(ctx, RecordFilter{OwnerKey: "ISIN-X", IncludeDuplicates: true})
	require.NoError(t, err)
	require.Len(t, all, 1)

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Final results doc-1", got.Announcement.Title)
	assert.Equal(t, model.CategoryResults, got.Category.Kind)
	assert.Equal(t, t0, got.Announcement.PublishedAt)
	assert.InDelta(t, 0.92, got.Confidence, 0.0001)
}

func TestSQLite_UpsertRecord_RejectsErrorCategory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := testRecord("ISIN-X", "doc-1")
	rec.Category = model.ErrorCategory("unparseable")
	err := st.UpsertRecord(ctx, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, guard.ErrRejected))

	_, err = st.GetRecord(ctx, rec.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListRecords_ExcludesDuplicatesByDefault(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	orig := testRecord("ISIN-X", "doc-1")
	dup := testRecord("ISIN-X", "doc-2")
	dup.IsDuplicate = true
	dup.DuplicateOf = "j1"
	require.NoError(t, st.UpsertRecord(ctx, orig))
	require.NoError(t, st.UpsertRecord(ctx, dup))

	visible, err := st.ListRecords(ctx, RecordFilter{OwnerKey: "ISIN-X"})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, orig.ID, visible[0].ID)

	all, err := st.ListRecords(ctx, RecordFilter{OwnerKey: "ISIN-X", IncludeDuplicates: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Review tasks ---

func seedTask(t *testing.T, st *SQLiteStore, source string, at time.Time) *model.ReviewTask {
	t.Helper()
	rec := testRecord("ISIN-X", source)
	require.NoError(t, st.UpsertRecord(context.Background(), rec))
	task, err := st.CreateReviewTask(context.Background(), rec, at)
	require.NoError(t, err)
	return task
}

func TestSQLite_CreateReviewTask_IdempotentPerRecord(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := testRecord("ISIN-X", "doc-1")
	require.NoError(t, st.UpsertRecord(ctx, rec))
	a, err := st.CreateReviewTask(ctx, rec, t0)
	require.NoError(t, err)
	b, err := st.CreateReviewTask(ctx, rec, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, model.ReviewUnclaimed, a.Status)
	assert.Equal(t, rec.Fields(), a.Working)

	n, err := st.CountReviewTasks(ctx, model.ReviewUnclaimed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_ClaimNextTask_OldestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	newer := seedTask(t, st, "doc-2", t0.Add(time.Minute))
	older := seedTask(t, st, "doc-1", t0)

	got, err := st.ClaimNextTask(ctx, "alice", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, older.ID, got.ID)
	assert.Equal(t, model.ReviewClaimed, got.Status)
	assert.Equal(t, "alice", got.ClaimedBy)
	require.NotNil(t, got.ClaimedAt)

	got, err = st.ClaimNextTask(ctx, "bob", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)

	none, err := st.ClaimNextTask(ctx, "carol", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_ClaimTask_ConcurrentSingleWinner(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	task := seedTask(t, st, "doc-1", t0)

	const n = 8
	wins := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.ClaimTask(ctx, task.ID, fmt.Sprintf("reviewer-%d", i), t0)
			assert.NoError(t, err)
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestSQLite_UpdateTaskWorking_VersionGuard(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	task := seedTask(t, st, "doc-1", t0)

	ok, err := st.ClaimTask(ctx, task.ID, "alice", t0)
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err := st.GetReviewTask(ctx, task.ID)
	require.NoError(t, err)

	working := claimed.Working
	working.Title = "Corrected"
	history := []model.FieldEdit{{Field: model.FieldTitle, OldValue: claimed.Working.Title, NewValue: "Corrected", Editor: "alice", At: t0}}

	ok, err = st.UpdateTaskWorking(ctx, task.ID, "bob", claimed.Version, working, history, t0)
	require.NoError(t, err)
	assert.False(t, ok, "non-owner cannot edit")

	ok, err = st.UpdateTaskWorking(ctx, task.ID, "alice", claimed.Version, working, history, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.UpdateTaskWorking(ctx, task.ID, "alice", claimed.Version, working, history, t0)
	require.NoError(t, err)
	assert.False(t, ok, "stale version rejected")

	got, err := st.GetReviewTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Corrected", got.Working.Title)
	require.Len(t, got.EditHistory, 1)
	assert.Equal(t, "alice", got.EditHistory[0].Editor)

	// The canonical record is untouched until verification.
	rec, err := st.GetRecord(ctx, got.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "Final results doc-1", rec.Announcement.Title)
}

func TestSQLite_CompleteTask_AppliesRecordAndAudits(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	task := seedTask(t, st, "doc-1", t0)

	_, err := st.ClaimTask(ctx, task.ID, "alice", t0)
	require.NoError(t, err)
	claimed, err := st.GetReviewTask(ctx, task.ID)
	require.NoError(t, err)

	rec, err := st.GetRecord(ctx, claimed.RecordID)
	require.NoError(t, err)
	fields := rec.Fields()
	fields.Category = model.CategoryDividend
	applied := rec.Apply(fields)

	ok, err := st.CompleteTask(ctx, TaskDecision{
		TaskID: task.ID, Reviewer: "alice", Version: claimed.Version,
		Status: model.ReviewVerified, Notes: "checked", Record: &applied,
		Audit: model.AuditEntry{Actor: "alice", Action: model.AuditVerify, Subject: task.ID, At: t0},
		At:    t0,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.Equal(t, model.CategoryDividend, got.Category.Kind)

	done, err := st.GetReviewTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewVerified, done.Status)
	assert.Equal(t, "checked", done.Notes)

	audit, err := st.ListAudit(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.AuditVerify, audit[0].Action)

	// Terminal tasks cannot be completed again.
	ok, err = st.CompleteTask(ctx, TaskDecision{TaskID: task.ID, Reviewer: "alice", Version: done.Version, Status: model.ReviewRejected, At: t0})
	require.NoError(t, err)
	assert.False(t, ok)

	// A verified record is not overwritten by a replayed upsert.
	require.NoError(t, st.UpsertRecord(ctx, testRecord("ISIN-X", "doc-1")))
	got, err = st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryDividend, got.Category.Kind)
}

func TestSQLite_CompleteTask_GuardBlocksErrorCategory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	task := seedTask(t, st, "doc-1", t0)
	_, err := st.ClaimTask(ctx, task.ID, "alice", t0)
	require.NoError(t, err)

	bad := testRecord("ISIN-X", "doc-1")
	bad.Category = model.ErrorCategory("reviewer")
	_, err = st.CompleteTask(ctx, TaskDecision{TaskID: task.ID, Reviewer: "alice", Version: 1, Status: model.ReviewVerified, Record: &bad, At: t0})
	assert.True(t, errors.Is(err, guard.ErrRejected))

	still, err := st.GetReviewTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewClaimed, still.Status)
}

func TestSQLite_ReleaseAndReassign(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	task := seedTask(t, st, "doc-1", t0)

	_, err := st.ClaimTask(ctx, task.ID, "alice", t0)
	require.NoError(t, err)

	ok, err := st.ReleaseTask(ctx, task.ID, "bob", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.ReassignTask(ctx, task.ID, "bob", model.AuditEntry{Actor: "admin", Action: model.AuditReassign, Subject: task.ID, At: t0})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetReviewTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.ClaimedBy)

	ok, err = st.ReleaseTask(ctx, task.ID, "bob", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = st.GetReviewTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewUnclaimed, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)

	audit, err := st.ListAudit(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "admin", audit[0].Actor)
}

func TestSQLite_ReleaseStaleTasks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	stale := seedTask(t, st, "doc-1", t0)
	fresh := seedTask(t, st, "doc-2", t0)

	_, err := st.ClaimTask(ctx, stale.ID, "alice", t0)
	require.NoError(t, err)
	_, err = st.ClaimTask(ctx, fresh.ID, "bob", t0.Add(50*time.Minute))
	require.NoError(t, err)

	n, err := st.ReleaseStaleTasks(ctx, t0.Add(30*time.Minute), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetReviewTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewUnclaimed, got.Status)

	got, err = st.GetReviewTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewClaimed, got.Status)

	tasks, err := st.ListReviewTasks(ctx, ReviewFilter{Status: model.ReviewClaimed})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "bob", tasks[0].ClaimedBy)
}

// --- Subscribers and notifications ---

func TestSQLite_Subscribers(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSubscriber(ctx, model.Subscriber{
		ID: "u1", Name: "Ann", TelegramChatID: "100", Instant: true, Watchlist: []string{"ISIN-X", "ISIN-Y"},
	}))
	require.NoError(t, st.UpsertSubscriber(ctx, model.Subscriber{
		ID: "u2", Name: "Ben", Email: "ben@example.com", Digest: true, Watchlist: []string{"ISIN-Y"},
	}))

	watchers, err := st.ListWatchers(ctx, "ISIN-X")
	require.NoError(t, err)
	require.Len(t, watchers, 1)
	assert.Equal(t, "u1", watchers[0].ID)
	assert.True(t, watchers[0].Instant)

	watchers, err = st.ListWatchers(ctx, "ISIN-Y")
	require.NoError(t, err)
	assert.Len(t, watchers, 2)

	// Replacing the watchlist drops old keys.
	require.NoError(t, st.UpsertSubscriber(ctx, model.Subscriber{ID: "u1", Name: "Ann", Watchlist: []string{"ISIN-Z"}}))
	watchers, err = st.ListWatchers(ctx, "ISIN-X")
	require.NoError(t, err)
	assert.Empty(t, watchers)

	sub, err := st.GetSubscriber(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ISIN-Z"}, sub.Watchlist)

	all, err := st.ListSubscribers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = st.GetSubscriber(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Deliveries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := DeliveryKey{RecordID: "r1", SubscriberID: "u1", Channel: model.ChannelInstant}

	done, err := st.Delivered(ctx, key)
	require.NoError(t, err)
	assert.False(t, done)

	first, err := st.MarkDelivered(ctx, key, t0)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := st.MarkDelivered(ctx, key, t0)
	require.NoError(t, err)
	assert.False(t, again)

	done, err = st.Delivered(ctx, key)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSQLite_DigestIntents(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	in := model.DigestIntent{SubscriberID: "u1", Email: "a@b.c", DigestDate: "2026-03-02", RecordID: "r1", OwnerKey: "ISIN-X", Title: "t"}
	added, err := st.AddDigestIntent(ctx, in)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = st.AddDigestIntent(ctx, in)
	require.NoError(t, err)
	assert.False(t, added)

	later := in
	later.RecordID = "r2"
	later.DigestDate = "2026-03-03"
	_, err = st.AddDigestIntent(ctx, later)
	require.NoError(t, err)

	pending, err := st.PendingDigestIntents(ctx, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].RecordID)

	require.NoError(t, st.MarkDigestConsumed(ctx, []string{pending[0].ID}, t0))
	pending, err = st.PendingDigestIntents(ctx, "2026-03-03")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].RecordID)
}

func TestSQLite_DocumentCache(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SetCachedDocument(ctx, CachedDocument{
		URL: "https://x/1", ContentType: "text/html", Body: []byte("<p>hi</p>"), FetchedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, st.SetCachedDocument(ctx, CachedDocument{
		URL: "https://x/old", Body: []byte("old"), FetchedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	doc, err := st.GetCachedDocument(ctx, "https://x/1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "<p>hi</p>", string(doc.Body))

	expired, err := st.GetCachedDocument(ctx, "https://x/old")
	require.NoError(t, err)
	assert.Nil(t, expired)

	n, err := st.DeleteExpiredDocuments(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
