package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/guard"
	"github.com/sells-group/exchange-feed/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var sighting = model.Sighting{OwnerKey: "ISIN-X", Fingerprint: "H", SizeBytes: 10, JobID: "j2", SourceID: "s2"}

func TestPostgresStore_RegisterFingerprint_Original(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO fingerprints`).
		WithArgs("ISIN-X", "H", int64(10), t0, "j2", "s2").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO fingerprint_sightings`).
		WithArgs("ISIN-X", "H", "s2", "j2", t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.RegisterFingerprint(context.Background(), sighting, t0)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, "j2", res.OriginJobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterFingerprint_NewDuplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO fingerprints`).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FROM fingerprints WHERE owner_key = \$1 AND fingerprint = \$2 FOR UPDATE`).
		WithArgs("ISIN-X", "H").
		WillReturnRows(pgxmock.NewRows([]string{"origin_job_id", "origin_source_id", "duplicate_count"}).
			AddRow("j1", "s1", 0))
	mock.ExpectExec(`INSERT INTO fingerprint_sightings`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`UPDATE fingerprints SET duplicate_count = duplicate_count \+ 1`).
		WithArgs("ISIN-X", "H").
		WillReturnRows(pgxmock.NewRows([]string{"duplicate_count"}).AddRow(1))
	mock.ExpectCommit()

	res, err := s.RegisterFingerprint(context.Background(), sighting, t0)
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "j1", res.OriginJobID)
	assert.Equal(t, 1, res.DuplicateCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterFingerprint_ReplayedDuplicateDoesNotIncrement(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO fingerprints`).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows([]string{"origin_job_id", "origin_source_id", "duplicate_count"}).
			AddRow("j1", "s1", 1))
	mock.ExpectExec(`INSERT INTO fingerprint_sightings`).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	res, err := s.RegisterFingerprint(context.Background(), sighting, t0)
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, 1, res.DuplicateCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterFingerprint_ReplayedOrigin(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO fingerprints`).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows([]string{"origin_job_id", "origin_source_id", "duplicate_count"}).
			AddRow("j2", "s2", 3))
	mock.ExpectCommit()

	res, err := s.RegisterFingerprint(context.Background(), sighting, t0)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, 3, res.DuplicateCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterFingerprint_InsertError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO fingerprints`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.RegisterFingerprint(context.Background(), sighting, t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert fingerprint")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO records`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertRecord(context.Background(), testRecord("ISIN-X", "doc-1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRecord_GuardRejectsBeforeSQL(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rec := testRecord("ISIN-X", "doc-1")
	rec.Category = model.ErrorCategory("timeout")
	err := s.UpsertRecord(context.Background(), rec)
	assert.True(t, errors.Is(err, guard.ErrRejected))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM records WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRecord(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimTask_AlreadyClaimed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE review_tasks`).
		WithArgs("task-1", "alice", t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.ClaimTask(context.Background(), "task-1", "alice", t0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNextTask_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("alice", t0).
		WillReturnError(pgx.ErrNoRows)

	task, err := s.ClaimNextTask(context.Background(), "alice", t0)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteTask_StaleVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE review_tasks SET status = \$4`).
		WithArgs("task-1", "alice", 2, "verified", "", t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	ok, err := s.CompleteTask(context.Background(), TaskDecision{
		TaskID: "task-1", Reviewer: "alice", Version: 2, Status: model.ReviewVerified, At: t0,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteTask_AppliesRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := testRecord("ISIN-X", "doc-1")

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE review_tasks SET status = \$4`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE records SET title`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_log`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ok, err := s.CompleteTask(context.Background(), TaskDecision{
		TaskID: "task-1", Reviewer: "alice", Version: 3, Status: model.ReviewVerified, Record: &rec,
		Audit: model.AuditEntry{Actor: "alice", Action: model.AuditVerify, Subject: "task-1", At: t0},
		At:    t0,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteTask_MissingRecordRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := testRecord("ISIN-X", "doc-1")

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE review_tasks SET status = \$4`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE records SET title`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	ok, err := s.CompleteTask(context.Background(), TaskDecision{
		TaskID: "task-1", Reviewer: "alice", Version: 3, Status: model.ReviewVerified, Record: &rec, At: t0,
	})
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReassignTask_WritesAudit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE review_tasks`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_log`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ok, err := s.ReassignTask(context.Background(), "task-1", "bob",
		model.AuditEntry{Actor: "admin", Action: model.AuditReassign, Subject: "task-1", At: t0})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountReviewTasks(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM review_tasks WHERE status = \$1`).
		WithArgs("unclaimed").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountReviewTasks(context.Background(), model.ReviewUnclaimed)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Deliveries(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := DeliveryKey{RecordID: "r1", SubscriberID: "u1", Channel: model.ChannelInstant}

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("r1", "u1", "instant").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO deliveries`).WillReturnResult(pgxmock.NewResult("INSERT", 0))

	done, err := s.Delivered(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, done)

	first, err := s.MarkDelivered(context.Background(), key, t0)
	require.NoError(t, err)
	assert.False(t, first, "conflict means another worker already delivered")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkDigestConsumed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	require.NoError(t, s.MarkDigestConsumed(context.Background(), nil, t0))

	mock.ExpectExec(`UPDATE digest_intents SET consumed_at = \$2 WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"a", "b"}, t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	require.NoError(t, s.MarkDigestConsumed(context.Background(), []string{"a", "b"}, t0))
	assert.NoError(t, mock.ExpectationsWereMet())
}
