package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/model"
)

func newMockPostgresQueue(t *testing.T) (*PostgresQueue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgres(mock, WithPollInterval(time.Millisecond)), mock
}

func TestPostgresQueue_Push(t *testing.T) {
	q, mock := newMockPostgresQueue(t)
	env := newEnv(t, "a")

	mock.ExpectExec(`INSERT INTO queue_jobs \(queue, job_id, envelope\)`).
		WithArgs("scrape", env.JobID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, q.Push(context.Background(), "scrape", env))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_PushBatchUsesCopy(t *testing.T) {
	q, mock := newMockPostgresQueue(t)

	mock.ExpectCopyFrom(pgx.Identifier{"queue_jobs"},
		[]string{"queue", "job_id", "envelope", "available_at", "enqueued_at"}).
		WillReturnResult(2)

	err := q.PushBatch(context.Background(), "notify", []model.Envelope{newEnv(t, "a"), newEnv(t, "b")})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_PopLeasesRow(t *testing.T) {
	q, mock := newMockPostgresQueue(t)
	env := newEnv(t, "a")
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("scrape", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "envelope", "deliveries"}).AddRow(int64(7), raw, 1))

	d, err := q.Pop(context.Background(), "scrape", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, env.JobID, d.Envelope.JobID)
	assert.Equal(t, int64(7), d.id)
	assert.NotEmpty(t, d.token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_PopEmptyTimesOut(t *testing.T) {
	q, mock := newMockPostgresQueue(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("scrape", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	d, err := q.Pop(context.Background(), "scrape", 0)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_AckLeaseLost(t *testing.T) {
	q, mock := newMockPostgresQueue(t)
	d := &Delivery{Queue: "scrape", id: 7, token: "tok"}

	mock.ExpectExec(`DELETE FROM queue_jobs WHERE id = \$1 AND lease_token = \$2`).
		WithArgs(int64(7), "tok").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := q.Ack(context.Background(), d)
	assert.True(t, errors.Is(err, ErrLeaseLost))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_DeadLetterMovesRow(t *testing.T) {
	q, mock := newMockPostgresQueue(t)
	d := &Delivery{Queue: "classify", id: 9, token: "tok"}

	mock.ExpectExec(`UPDATE queue_jobs`).
		WithArgs(int64(9), "tok", "classify.dead", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.DeadLetter(context.Background(), d, newEnv(t, "a")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_RequeueSetsDelay(t *testing.T) {
	q, mock := newMockPostgresQueue(t)
	d := &Delivery{Queue: "classify", id: 9, token: "tok"}

	mock.ExpectExec(`UPDATE queue_jobs`).
		WithArgs(int64(9), "tok", pgxmock.AnyArg(), 4.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Requeue(context.Background(), d, newEnv(t, "a"), 4*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_Len(t *testing.T) {
	q, mock := newMockPostgresQueue(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM queue_jobs WHERE queue = \$1`).
		WithArgs("persist.dead").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := q.Len(context.Background(), "persist.dead")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_ListDead(t *testing.T) {
	q, mock := newMockPostgresQueue(t)
	env := newEnv(t, "a")
	env.LastError = "boom"
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT envelope FROM queue_jobs WHERE queue = \$1 ORDER BY id LIMIT 5`).
		WithArgs("classify.dead").
		WillReturnRows(pgxmock.NewRows([]string{"envelope"}).AddRow(raw))

	out, err := q.ListDead(context.Background(), "classify", 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "boom", out[0].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_Redrive(t *testing.T) {
	q, mock := newMockPostgresQueue(t)
	env := newEnv(t, "a")
	env.Attempt = 3
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM queue_jobs WHERE queue = \$1 AND job_id = \$2 RETURNING envelope`).
		WithArgs("scrape.dead", env.JobID).
		WillReturnRows(pgxmock.NewRows([]string{"envelope"}).AddRow(raw))
	mock.ExpectExec(`INSERT INTO queue_jobs`).
		WithArgs("scrape", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	out, err := q.Redrive(context.Background(), "scrape", env.JobID)
	require.NoError(t, err)
	assert.Zero(t, out.Attempt)
	assert.NotEqual(t, env.JobID, out.JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_RedriveNotFound(t *testing.T) {
	q, mock := newMockPostgresQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM queue_jobs`).
		WithArgs("scrape.dead", "nope").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := q.Redrive(context.Background(), "scrape", "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
