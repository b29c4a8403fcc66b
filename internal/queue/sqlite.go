package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/exchange-feed/internal/model"
)

// SQLiteQueue stores jobs in an embedded SQLite database. Times are unix
// milliseconds so visibility checks compare integers.
type SQLiteQueue struct {
	db   *sql.DB
	opts options
}

// NewSQLite opens (or creates) a queue database at dsn in WAL mode.
func NewSQLite(dsn string, opts ...Option) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "queue: sqlite open")
	}
	// A single connection serializes writers inside this process.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "queue: sqlite exec %s", pragma)
		}
	}
	return &SQLiteQueue{db: db, opts: buildOptions(opts)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	queue        TEXT NOT NULL,
	job_id       TEXT NOT NULL,
	envelope     TEXT NOT NULL,
	available_at INTEGER NOT NULL,
	leased_until INTEGER,
	lease_token  TEXT,
	enqueued_at  INTEGER NOT NULL,
	deliveries   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_ready ON queue_jobs (queue, available_at, id);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_job_id ON queue_jobs (queue, job_id);
`

// Migrate creates the queue table.
func (q *SQLiteQueue) Migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "queue: sqlite migrate")
}

func (q *SQLiteQueue) millis() int64 { return q.opts.now().UnixMilli() }

func (q *SQLiteQueue) Push(ctx context.Context, name string, env model.Envelope) error {
	return q.PushBatch(ctx, name, []model.Envelope{env})
}

func (q *SQLiteQueue) PushBatch(ctx context.Context, name string, envs []model.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	now := q.millis()
	b := sq.Insert("queue_jobs").Columns("queue", "job_id", "envelope", "available_at", "enqueued_at")
	for _, env := range envs {
		raw, err := json.Marshal(env)
		if err != nil {
			return eris.Wrap(err, "queue: marshal envelope")
		}
		b = b.Values(name, env.JobID, string(raw), now, now)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return eris.Wrap(err, "queue: build push query")
	}
	_, err = q.db.ExecContext(ctx, query, args...)
	return eris.Wrapf(err, "queue: push %s", name)
}

const sqlitePopSQL = `
UPDATE queue_jobs
SET leased_until = ?, lease_token = ?, deliveries = deliveries + 1
WHERE id = (
	SELECT id FROM queue_jobs
	WHERE queue = ? AND available_at <= ? AND (leased_until IS NULL OR leased_until < ?)
	ORDER BY available_at, id
	LIMIT 1
)
RETURNING id, envelope, deliveries`

func (q *SQLiteQueue) Pop(ctx context.Context, name string, timeout time.Duration) (*Delivery, error) {
	return poll(ctx, timeout, q.opts.pollInterval, func() (*Delivery, error) {
		return q.tryPop(ctx, name)
	})
}

func (q *SQLiteQueue) tryPop(ctx context.Context, name string) (*Delivery, error) {
	now := q.millis()
	token := uuid.NewString()
	var (
		id         int64
		raw        string
		deliveries int
	)
	err := q.db.QueryRowContext(ctx, sqlitePopSQL,
		now+q.opts.leaseTTL.Milliseconds(), token, name, now, now,
	).Scan(&id, &raw, &deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "queue: pop %s", name)
	}
	d := &Delivery{Queue: name, Deliveries: deliveries, id: id, token: token}
	if err := json.Unmarshal([]byte(raw), &d.Envelope); err != nil {
		// Leave the row leased; the worker dead-letters undecodable rows.
		d.Envelope = model.Envelope{Payload: json.RawMessage(raw)}
	}
	return d, nil
}

func leaseResult(res sql.Result, err error, op, queue string) error {
	if err != nil {
		return eris.Wrapf(err, "queue: %s %s", op, queue)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "queue: %s %s rows affected", op, queue)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, d *Delivery) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ? AND lease_token = ?`, d.id, d.token)
	return leaseResult(res, err, "ack", d.Queue)
}

func (q *SQLiteQueue) Requeue(ctx context.Context, d *Delivery, env model.Envelope, delay time.Duration) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return eris.Wrap(err, "queue: marshal envelope")
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET envelope = ?, available_at = ?, leased_until = NULL, lease_token = NULL
		WHERE id = ? AND lease_token = ?`,
		string(raw), q.millis()+delay.Milliseconds(), d.id, d.token,
	)
	return leaseResult(res, err, "requeue", d.Queue)
}

func (q *SQLiteQueue) DeadLetter(ctx context.Context, d *Delivery, env model.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return eris.Wrap(err, "queue: marshal envelope")
	}
	now := q.millis()
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET queue = ?, envelope = ?, available_at = ?, enqueued_at = ?, leased_until = NULL, lease_token = NULL
		WHERE id = ? AND lease_token = ?`,
		DeadName(d.Queue), string(raw), now, now, d.id, d.token,
	)
	return leaseResult(res, err, "dead-letter", d.Queue)
}

func (q *SQLiteQueue) Len(ctx context.Context, name string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM queue_jobs WHERE queue = ?`, name).Scan(&n)
	return n, eris.Wrapf(err, "queue: len %s", name)
}

func (q *SQLiteQueue) ListDead(ctx context.Context, name string, limit int) ([]model.Envelope, error) {
	b := sq.Select("envelope").From("queue_jobs").
		Where(sq.Eq{"queue": DeadName(name)}).
		OrderBy("id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "queue: build list dead query")
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: list dead %s", name)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "queue: scan dead envelope")
		}
		var env model.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, eris.Wrap(err, "queue: decode dead envelope")
		}
		out = append(out, env)
	}
	return out, eris.Wrap(rows.Err(), "queue: iterate dead envelopes")
}

func (q *SQLiteQueue) Redrive(ctx context.Context, name, jobID string) (model.Envelope, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Envelope{}, eris.Wrap(err, "queue: begin redrive")
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM queue_jobs WHERE queue = ? AND job_id = ? RETURNING envelope`,
		DeadName(name), jobID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Envelope{}, ErrNotFound
	}
	if err != nil {
		return model.Envelope{}, eris.Wrapf(err, "queue: take dead job %s", jobID)
	}

	var env model.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return model.Envelope{}, eris.Wrap(err, "queue: decode dead envelope")
	}
	out := env.Redriven()
	fresh, err := json.Marshal(out)
	if err != nil {
		return model.Envelope{}, eris.Wrap(err, "queue: marshal envelope")
	}
	now := q.millis()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_jobs (queue, job_id, envelope, available_at, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		LiveName(name), out.JobID, string(fresh), now, now,
	); err != nil {
		return model.Envelope{}, eris.Wrapf(err, "queue: redrive %s", jobID)
	}
	if err := tx.Commit(); err != nil {
		return model.Envelope{}, eris.Wrap(err, "queue: commit redrive")
	}
	return out, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }
