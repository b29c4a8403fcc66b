package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/exchange-feed/internal/db"
	"github.com/sells-group/exchange-feed/internal/model"
)

// PostgresQueue stores jobs in the queue_jobs table. Concurrent consumers
// lease rows with FOR UPDATE SKIP LOCKED so no two workers hold the same
// row at once.
type PostgresQueue struct {
	pool db.Pool
	opts options
}

// NewPostgres creates a queue on top of an existing pool.
func NewPostgres(pool db.Pool, opts ...Option) *PostgresQueue {
	return &PostgresQueue{pool: pool, opts: buildOptions(opts)}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id           BIGSERIAL PRIMARY KEY,
	queue        TEXT NOT NULL,
	job_id       TEXT NOT NULL,
	envelope     JSONB NOT NULL,
	available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	leased_until TIMESTAMPTZ,
	lease_token  TEXT,
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	deliveries   INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_ready ON queue_jobs (queue, available_at, id);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_job_id ON queue_jobs (queue, job_id);
`

// Migrate creates the queue table.
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "queue: postgres migrate")
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func (q *PostgresQueue) Push(ctx context.Context, name string, env model.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return eris.Wrap(err, "queue: marshal envelope")
	}
	_, err = q.pool.Exec(ctx,
		`INSERT INTO queue_jobs (queue, job_id, envelope) VALUES ($1, $2, $3)`,
		name, env.JobID, raw,
	)
	return eris.Wrapf(err, "queue: push %s", name)
}

func (q *PostgresQueue) PushBatch(ctx context.Context, name string, envs []model.Envelope) error {
	now := q.opts.now().UTC()
	rows := make([][]any, 0, len(envs))
	for _, env := range envs {
		raw, err := json.Marshal(env)
		if err != nil {
			return eris.Wrap(err, "queue: marshal envelope")
		}
		rows = append(rows, []any{name, env.JobID, raw, now, now})
	}
	_, err := db.CopyFrom(ctx, q.pool, "queue_jobs",
		[]string{"queue", "job_id", "envelope", "available_at", "enqueued_at"}, rows)
	return eris.Wrapf(err, "queue: push batch %s", name)
}

const popSQL = `
UPDATE queue_jobs
SET leased_until = now() + make_interval(secs => $2), lease_token = $3, deliveries = deliveries + 1
WHERE id = (
	SELECT id FROM queue_jobs
	WHERE queue = $1 AND available_at <= now() AND (leased_until IS NULL OR leased_until < now())
	ORDER BY available_at, id
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, envelope, deliveries`

func (q *PostgresQueue) Pop(ctx context.Context, name string, timeout time.Duration) (*Delivery, error) {
	return poll(ctx, timeout, q.opts.pollInterval, func() (*Delivery, error) {
		return q.tryPop(ctx, name)
	})
}

func (q *PostgresQueue) tryPop(ctx context.Context, name string) (*Delivery, error) {
	token := uuid.NewString()
	var (
		id         int64
		raw        []byte
		deliveries int
	)
	err := q.pool.QueryRow(ctx, popSQL, name, q.opts.leaseTTL.Seconds(), token).Scan(&id, &raw, &deliveries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "queue: pop %s", name)
	}
	d := &Delivery{Queue: name, Deliveries: deliveries, id: id, token: token}
	if err := json.Unmarshal(raw, &d.Envelope); err != nil {
		// Leave the row leased; the worker dead-letters undecodable rows.
		d.Envelope = model.Envelope{Payload: raw}
		return d, nil
	}
	return d, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, d *Delivery) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM queue_jobs WHERE id = $1 AND lease_token = $2`, d.id, d.token)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s", d.Queue)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Requeue(ctx context.Context, d *Delivery, env model.Envelope, delay time.Duration) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return eris.Wrap(err, "queue: marshal envelope")
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs
		SET envelope = $3, available_at = now() + make_interval(secs => $4), leased_until = NULL, lease_token = NULL
		WHERE id = $1 AND lease_token = $2`,
		d.id, d.token, raw, delay.Seconds(),
	)
	if err != nil {
		return eris.Wrapf(err, "queue: requeue %s", d.Queue)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, d *Delivery, env model.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return eris.Wrap(err, "queue: marshal envelope")
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs
		SET queue = $3, envelope = $4, available_at = now(), enqueued_at = now(), leased_until = NULL, lease_token = NULL
		WHERE id = $1 AND lease_token = $2`,
		d.id, d.token, DeadName(d.Queue), raw,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: dead-letter %s", d.Queue)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Len(ctx context.Context, name string) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM queue_jobs WHERE queue = $1`, name).Scan(&n)
	return n, eris.Wrapf(err, "queue: len %s", name)
}

func (q *PostgresQueue) ListDead(ctx context.Context, name string, limit int) ([]model.Envelope, error) {
	b := psql.Select("envelope").From("queue_jobs").
		Where(sq.Eq{"queue": DeadName(name)}).
		OrderBy("id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "queue: build list dead query")
	}

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: list dead %s", name)
	}
	defer rows.Close()

	var out []model.Envelope
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "queue: scan dead envelope")
		}
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, eris.Wrap(err, "queue: decode dead envelope")
		}
		out = append(out, env)
	}
	return out, eris.Wrap(rows.Err(), "queue: iterate dead envelopes")
}

func (q *PostgresQueue) Redrive(ctx context.Context, name, jobID string) (model.Envelope, error) {
	var out model.Envelope
	err := db.InTx(ctx, q.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`DELETE FROM queue_jobs WHERE queue = $1 AND job_id = $2 RETURNING envelope`,
			DeadName(name), jobID,
		).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return eris.Wrapf(err, "queue: take dead job %s", jobID)
		}
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return eris.Wrap(err, "queue: decode dead envelope")
		}
		out = env.Redriven()
		fresh, err := json.Marshal(out)
		if err != nil {
			return eris.Wrap(err, "queue: marshal envelope")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO queue_jobs (queue, job_id, envelope) VALUES ($1, $2, $3)`,
			LiveName(name), out.JobID, fresh,
		)
		return eris.Wrapf(err, "queue: redrive %s", jobID)
	})
	if err != nil {
		return model.Envelope{}, err
	}
	return out, nil
}

func (q *PostgresQueue) Close() error { return nil }
