package store

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
	"github.com/sells-group/exchange-feed/internal/guard"
	"github.com/sells-group/exchange-feed/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore on top of an open pool. The caller
// owns the pool; Close releases it.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const postgresMigration = `
CREATE TABLE IF NOT EXISTS fingerprints (
	owner_key        TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	size_bytes       BIGINT NOT NULL DEFAULT 0,
	first_seen_at    TIMESTAMPTZ NOT NULL,
	origin_job_id    TEXT NOT NULL,
	origin_source_id TEXT NOT NULL,
	duplicate_count  INT NOT NULL DEFAULT 0,
	PRIMARY KEY (owner_key, fingerprint)
);

CREATE TABLE IF NOT EXISTS fingerprint_sightings (
	owner_key   TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	seen_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_key, fingerprint, source_id)
);

CREATE TABLE IF NOT EXISTS records (
	id            TEXT PRIMARY KEY,
	owner_key     TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	exchange      TEXT NOT NULL DEFAULT '',
	company_name  TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL,
	published_at  TIMESTAMPTZ,
	category      TEXT NOT NULL CHECK (category <> 'error'),
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	summary       TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	fingerprint   TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL DEFAULT 0,
	origin_job_id TEXT NOT NULL DEFAULT '',
	is_duplicate  BOOLEAN NOT NULL DEFAULT false,
	duplicate_of  TEXT NOT NULL DEFAULT '',
	verified      BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (owner_key, source_id)
);

CREATE TABLE IF NOT EXISTS review_tasks (
	id           TEXT PRIMARY KEY,
	record_id    TEXT NOT NULL UNIQUE REFERENCES records(id),
	owner_key    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'unclaimed',
	claimed_by   TEXT,
	claimed_at   TIMESTAMPTZ,
	working      JSONB NOT NULL,
	version      INT NOT NULL DEFAULT 0,
	notes        TEXT NOT NULL DEFAULT '',
	edit_history JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS subscribers (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	telegram_chat_id TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	instant          BOOLEAN NOT NULL DEFAULT false,
	digest           BOOLEAN NOT NULL DEFAULT false,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS subscriber_watchlist (
	subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
	owner_key     TEXT NOT NULL,
	PRIMARY KEY (subscriber_id, owner_key)
);

CREATE TABLE IF NOT EXISTS deliveries (
	record_id     TEXT NOT NULL,
	subscriber_id TEXT NOT NULL,
	channel       TEXT NOT NULL,
	delivered_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (record_id, subscriber_id, channel)
);

CREATE TABLE IF NOT EXISTS digest_intents (
	id            TEXT PRIMARY KEY,
	subscriber_id TEXT NOT NULL,
	email         TEXT NOT NULL,
	digest_date   TEXT NOT NULL,
	record_id     TEXT NOT NULL,
	owner_key     TEXT NOT NULL,
	company_name  TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	source_url    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	consumed_at   TIMESTAMPTZ,
	UNIQUE (subscriber_id, record_id)
);

CREATE TABLE IF NOT EXISTS document_cache (
	url          TEXT PRIMARY KEY,
	content_type TEXT NOT NULL DEFAULT '',
	body         BYTEA NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id      TEXT PRIMARY KEY,
	actor   TEXT NOT NULL,
	action  TEXT NOT NULL,
	subject TEXT NOT NULL,
	details JSONB NOT NULL DEFAULT '{}',
	at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_key, created_at);
CREATE INDEX IF NOT EXISTS idx_review_tasks_status ON review_tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_watchlist_owner ON subscriber_watchlist(owner_key);
CREATE INDEX IF NOT EXISTS idx_digest_pending ON digest_intents(digest_date) WHERE consumed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_document_cache_expires ON document_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject, at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Fingerprints ---

func (s *PostgresStore) RegisterFingerprint(ctx context.Context, sg model.Sighting, at time.Time) (model.DedupResult, error) {
	var out model.DedupResult
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO fingerprints (owner_key, fingerprint, size_bytes, first_seen_at, origin_job_id, origin_source_id)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (owner_key, fingerprint) DO NOTHING`,
			sg.OwnerKey, sg.Fingerprint, sg.SizeBytes, at, sg.JobID, sg.SourceID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert fingerprint")
		}
		if tag.RowsAffected() == 1 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO fingerprint_sightings (owner_key, fingerprint, source_id, job_id, seen_at) VALUES ($1, $2, $3, $4, $5)`,
				sg.OwnerKey, sg.Fingerprint, sg.SourceID, sg.JobID, at,
			); err != nil {
				return eris.Wrap(err, "postgres: insert origin sighting")
			}
			out = model.DedupResult{OriginJobID: sg.JobID}
			return nil
		}

		var originSource string
		if err := tx.QueryRow(ctx,
			`SELECT origin_job_id, origin_source_id, duplicate_count FROM fingerprints
			 WHERE owner_key = $1 AND fingerprint = $2 FOR UPDATE`,
			sg.OwnerKey, sg.Fingerprint,
		).Scan(&out.OriginJobID, &originSource, &out.DuplicateCount); err != nil {
			return eris.Wrap(err, "postgres: read fingerprint")
		}
		if originSource == sg.SourceID {
			// Redelivery of the original sighting.
			return nil
		}

		out.IsDuplicate = true
		tag, err = tx.Exec(ctx,
			`INSERT INTO fingerprint_sightings (owner_key, fingerprint, source_id, job_id, seen_at)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			sg.OwnerKey, sg.Fingerprint, sg.SourceID, sg.JobID, at,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert sighting")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return eris.Wrap(tx.QueryRow(ctx,
			`UPDATE fingerprints SET duplicate_count = duplicate_count + 1
			 WHERE owner_key = $1 AND fingerprint = $2 RETURNING duplicate_count`,
			sg.OwnerKey, sg.Fingerprint,
		).Scan(&out.DuplicateCount), "postgres: increment duplicate count")
	})
	if err != nil {
		return model.DedupResult{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetFingerprint(ctx context.Context, ownerKey, fingerprint string) (*model.FingerprintRecord, error) {
	var fp model.FingerprintRecord
	err := s.pool.QueryRow(ctx,
		`SELECT owner_key, fingerprint, size_bytes, first_seen_at, origin_job_id, origin_source_id, duplicate_count
		 FROM fingerprints WHERE owner_key = $1 AND fingerprint = $2`,
		ownerKey, fingerprint,
	).Scan(&fp.OwnerKey, &fp.Fingerprint, &fp.SizeBytes, &fp.FirstSeenAt, &fp.OriginJobID, &fp.OriginSourceID, &fp.DuplicateCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get fingerprint")
	}
	return &fp, nil
}

// --- Classified records ---

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec model.ClassifiedRecord) error {
	if err := guard.Check("postgres: upsert record", rec); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	a := rec.Announcement
	var published *time.Time
	if !a.PublishedAt.IsZero() {
		published = &a.PublishedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, false, $18, $19)
		 ON CONFLICT (owner_key, source_id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			exchange = EXCLUDED.exchange,
			company_name = EXCLUDED.company_name,
			title = EXCLUDED.title,
			published_at = EXCLUDED.published_at,
			category = EXCLUDED.category,
			confidence = EXCLUDED.confidence,
			summary = EXCLUDED.summary,
			model = EXCLUDED.model,
			fingerprint = EXCLUDED.fingerprint,
			size_bytes = EXCLUDED.size_bytes,
			origin_job_id = EXCLUDED.origin_job_id,
			is_duplicate = EXCLUDED.is_duplicate,
			duplicate_of = EXCLUDED.duplicate_of,
			updated_at = EXCLUDED.updated_at
		 WHERE records.verified = false`,
		rec.ID, a.OwnerKey, a.SourceID, a.SourceURL, a.Exchange, a.CompanyName, a.Title, published,
		string(rec.Category.Kind), rec.Confidence, rec.Summary, rec.Model, rec.Fingerprint, rec.SizeBytes,
		rec.OriginJobID, rec.IsDuplicate, rec.DuplicateOf, rec.CreatedAt, rec.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert record %s", rec.ID)
}

func scanPostgresRecord(row pgx.Row) (*model.ClassifiedRecord, error) {
	var (
		rec       model.ClassifiedRecord
		published *time.Time
		category  string
	)
	a := &rec.Announcement
	if err := row.Scan(&rec.ID, &a.OwnerKey, &a.SourceID, &a.SourceURL, &a.Exchange, &a.CompanyName, &a.Title,
		&published, &category, &rec.Confidence, &rec.Summary, &rec.Model, &rec.Fingerprint, &rec.SizeBytes,
		&rec.OriginJobID, &rec.IsDuplicate, &rec.DuplicateOf, &rec.Verified, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if published != nil {
		a.PublishedAt = *published
	}
	rec.Category = model.ValidCategory(model.CategoryKind(category))
	return &rec, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.ClassifiedRecord, error) {
	rec, err := scanPostgresRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get record")
	}
	return rec, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.ClassifiedRecord, error) {
	b := psql.Select(recordColumns).From("records").OrderBy("created_at DESC", "id")
	b = applyRecordFilter(b, filter, func(t time.Time) any { return t })

	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list records query")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.ClassifiedRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate records")
}

// --- Review tasks ---

func scanPostgresTask(row pgx.Row) (*model.ReviewTask, error) {
	var (
		t                model.ReviewTask
		status           string
		claimedBy        *string
		working, history []byte
	)
	if err := row.Scan(&t.ID, &t.RecordID, &t.OwnerKey, &status, &claimedBy, &t.ClaimedAt, &working,
		&t.Version, &t.Notes, &history, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = model.ReviewStatus(status)
	if claimedBy != nil {
		t.ClaimedBy = *claimedBy
	}
	if err := json.Unmarshal(working, &t.Working); err != nil {
		return nil, eris.Wrap(err, "decode working copy")
	}
	if err := json.Unmarshal(history, &t.EditHistory); err != nil {
		return nil, eris.Wrap(err, "decode edit history")
	}
	return &t, nil
}

func (s *PostgresStore) CreateReviewTask(ctx context.Context, rec model.ClassifiedRecord, at time.Time) (*model.ReviewTask, error) {
	working, err := model.MarshalFields(rec.Fields())
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO review_tasks (id, record_id, owner_key, status, working, created_at, updated_at)
		 VALUES ($1, $2, $3, 'unclaimed', $4, $5, $5) ON CONFLICT (record_id) DO NOTHING`,
		uuid.NewString(), rec.ID, rec.OwnerKey(), working, at,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: create review task for %s", rec.ID)
	}
	t, err := scanPostgresTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE record_id = $1`, rec.ID))
	return t, eris.Wrap(err, "postgres: read review task")
}

func (s *PostgresStore) GetReviewTask(ctx context.Context, taskID string) (*model.ReviewTask, error) {
	t, err := scanPostgresTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get review task")
	}
	return t, nil
}

func (s *PostgresStore) ListReviewTasks(ctx context.Context, filter ReviewFilter) ([]model.ReviewTask, error) {
	b := applyReviewFilter(psql.Select(taskColumns).From("review_tasks").OrderBy("created_at", "id"), filter)
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list review tasks query")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review tasks")
	}
	defer rows.Close()

	var out []model.ReviewTask
	for rows.Next() {
		t, err := scanPostgresTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan review task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate review tasks")
}

func (s *PostgresStore) CountReviewTasks(ctx context.Context, status model.ReviewStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM review_tasks WHERE status = $1`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "postgres: count review tasks")
}

func (s *PostgresStore) ClaimNextTask(ctx context.Context, reviewer string, at time.Time) (*model.ReviewTask, error) {
	t, err := scanPostgresTask(s.pool.QueryRow(ctx,
		`UPDATE review_tasks
		 SET status = 'claimed', claimed_by = $1, claimed_at = $2, version = version + 1, updated_at = $2
		 WHERE id = (
			SELECT id FROM review_tasks WHERE status = 'unclaimed'
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 ) AND status = 'unclaimed'
		 RETURNING `+taskColumns,
		reviewer, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, eris.Wrap(err, "postgres: claim next task")
}

func (s *PostgresStore) ClaimTask(ctx context.Context, taskID, reviewer string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_tasks
		 SET status = 'claimed', claimed_by = $2, claimed_at = $3, version = version + 1, updated_at = $3
		 WHERE id = $1 AND status = 'unclaimed'`,
		taskID, reviewer, at,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: claim task")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateTaskWorking(ctx context.Context, taskID, reviewer string, version int, working model.RecordFields, history []model.FieldEdit, at time.Time) (bool, error) {
	w, err := model.MarshalFields(working)
	if err != nil {
		return false, err
	}
	h, err := json.Marshal(history)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal edit history")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_tasks SET working = $4, edit_history = $5, version = version + 1, updated_at = $6
		 WHERE id = $1 AND status = 'claimed' AND claimed_by = $2 AND version = $3`,
		taskID, reviewer, version, w, h, at,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: update task working copy")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseTask(ctx context.Context, taskID, reviewer string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_tasks
		 SET status = 'unclaimed', claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = $3
		 WHERE id = $1 AND status = 'claimed' AND claimed_by = $2`,
		taskID, reviewer, at,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: release task")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReassignTask(ctx context.Context, taskID, target string, audit model.AuditEntry) (bool, error) {
	var ok bool
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE review_tasks
			 SET status = 'claimed', claimed_by = $2, claimed_at = $3, version = version + 1, updated_at = $3
			 WHERE id = $1 AND status IN ('unclaimed', 'claimed')`,
			taskID, target, audit.At,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: reassign task")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		ok = true
		return insertPostgresAudit(ctx, tx, audit)
	})
	return ok, err
}

func (s *PostgresStore) CompleteTask(ctx context.Context, d TaskDecision) (bool, error) {
	if d.Record != nil {
		if err := guard.Check("postgres: complete task", *d.Record); err != nil {
			return false, err
		}
	}
	var ok bool
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE review_tasks SET status = $4, notes = $5, version = version + 1, updated_at = $6
			 WHERE id = $1 AND status = 'claimed' AND claimed_by = $2 AND version = $3`,
			d.TaskID, d.Reviewer, d.Version, string(d.Status), d.Notes, d.At,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: complete task")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if r := d.Record; r != nil {
			tag, err := tx.Exec(ctx,
				`UPDATE records SET title = $2, summary = $3, category = $4, company_name = $5, verified = true, updated_at = $6
				 WHERE id = $1`,
				r.ID, r.Announcement.Title, r.Summary, string(r.Category.Kind), r.Announcement.CompanyName, d.At,
			)
			if err != nil {
				return eris.Wrap(err, "postgres: apply verified record")
			}
			if tag.RowsAffected() == 0 {
				return eris.Wrapf(ErrNotFound, "postgres: record %s", r.ID)
			}
		}
		ok = true
		return insertPostgresAudit(ctx, tx, d.Audit)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *PostgresStore) ReleaseStaleTasks(ctx context.Context, claimedBefore, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_tasks
		 SET status = 'unclaimed', claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = $2
		 WHERE status = 'claimed' AND claimed_at < $1`,
		claimedBefore, at,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: release stale tasks")
	}
	return int(tag.RowsAffected()), nil
}

// --- Subscribers ---

func (s *PostgresStore) UpsertSubscriber(ctx context.Context, sub model.Subscriber) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO subscribers (id, name, telegram_chat_id, email, instant, digest, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, now())
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, telegram_chat_id = EXCLUDED.telegram_chat_id,
				email = EXCLUDED.email, instant = EXCLUDED.instant, digest = EXCLUDED.digest, updated_at = now()`,
			sub.ID, sub.Name, sub.TelegramChatID, sub.Email, sub.Instant, sub.Digest,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert subscriber %s", sub.ID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM subscriber_watchlist WHERE subscriber_id = $1`, sub.ID); err != nil {
			return eris.Wrap(err, "postgres: clear watchlist")
		}
		if len(sub.Watchlist) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO subscriber_watchlist (subscriber_id, owner_key)
			 SELECT $1, unnest($2::text[]) ON CONFLICT DO NOTHING`,
			sub.ID, sub.Watchlist,
		)
		return eris.Wrap(err, "postgres: insert watchlist")
	})
}

const subscriberSelect = `SELECT s.id, s.name, s.telegram_chat_id, s.email, s.instant, s.digest,
	COALESCE(array_agg(w.owner_key ORDER BY w.owner_key) FILTER (WHERE w.owner_key IS NOT NULL), '{}')
	FROM subscribers s LEFT JOIN subscriber_watchlist w ON w.subscriber_id = s.id`

func (s *PostgresStore) querySubscribers(ctx context.Context, query string, args ...any) ([]model.Subscriber, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subscribers")
	}
	defer rows.Close()

	var out []model.Subscriber
	for rows.Next() {
		var sub model.Subscriber
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.TelegramChatID, &sub.Email, &sub.Instant, &sub.Digest, &sub.Watchlist); err != nil {
			return nil, eris.Wrap(err, "postgres: scan subscriber")
		}
		out = append(out, sub)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate subscribers")
}

func (s *PostgresStore) GetSubscriber(ctx context.Context, id string) (*model.Subscriber, error) {
	subs, err := s.querySubscribers(ctx, subscriberSelect+` WHERE s.id = $1 GROUP BY s.id`, id)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return &subs[0], nil
}

func (s *PostgresStore) ListSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	return s.querySubscribers(ctx, subscriberSelect+` GROUP BY s.id ORDER BY s.id`)
}

func (s *PostgresStore) ListWatchers(ctx context.Context, ownerKey string) ([]model.Subscriber, error) {
	return s.querySubscribers(ctx, subscriberSelect+`
		WHERE s.id IN (SELECT subscriber_id FROM subscriber_watchlist WHERE owner_key = $1)
		GROUP BY s.id ORDER BY s.id`, ownerKey)
}

// --- Notification bookkeeping ---

func (s *PostgresStore) Delivered(ctx context.Context, key DeliveryKey) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deliveries WHERE record_id = $1 AND subscriber_id = $2 AND channel = $3)`,
		key.RecordID, key.SubscriberID, string(key.Channel),
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: check delivery")
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, key DeliveryKey, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (record_id, subscriber_id, channel, delivered_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		key.RecordID, key.SubscriberID, string(key.Channel), at,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: mark delivered")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) AddDigestIntent(ctx context.Context, in model.DigestIntent) (bool, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO digest_intents (id, subscriber_id, email, digest_date, record_id, owner_key, company_name,
			title, summary, category, source_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (subscriber_id, record_id) DO NOTHING`,
		in.ID, in.SubscriberID, in.Email, in.DigestDate, in.RecordID, in.OwnerKey, in.CompanyName,
		in.Title, in.Summary, in.Category, in.SourceURL, in.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: add digest intent")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) PendingDigestIntents(ctx context.Context, upToDate string) ([]model.DigestIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, subscriber_id, email, digest_date, record_id, owner_key, company_name, title, summary,
			category, source_url, created_at
		 FROM digest_intents WHERE consumed_at IS NULL AND digest_date <= $1
		 ORDER BY subscriber_id, digest_date, created_at`,
		upToDate,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending digest intents")
	}
	defer rows.Close()

	var out []model.DigestIntent
	for rows.Next() {
		var in model.DigestIntent
		if err := rows.Scan(&in.ID, &in.SubscriberID, &in.Email, &in.DigestDate, &in.RecordID, &in.OwnerKey,
			&in.CompanyName, &in.Title, &in.Summary, &in.Category, &in.SourceURL, &in.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan digest intent")
		}
		out = append(out, in)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate digest intents")
}

func (s *PostgresStore) MarkDigestConsumed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE digest_intents SET consumed_at = $2 WHERE id = ANY($1) AND consumed_at IS NULL`,
		ids, at,
	)
	return eris.Wrap(err, "postgres: mark digest consumed")
}

// --- Document cache ---

func (s *PostgresStore) GetCachedDocument(ctx context.Context, url string) (*CachedDocument, error) {
	var doc CachedDocument
	err := s.pool.QueryRow(ctx,
		`SELECT url, content_type, body, fetched_at, expires_at FROM document_cache WHERE url = $1 AND expires_at > now()`,
		url,
	).Scan(&doc.URL, &doc.ContentType, &doc.Body, &doc.FetchedAt, &doc.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cached document")
	}
	return &doc, nil
}

func (s *PostgresStore) SetCachedDocument(ctx context.Context, doc CachedDocument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_cache (url, content_type, body, fetched_at, expires_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (url) DO UPDATE SET content_type = EXCLUDED.content_type, body = EXCLUDED.body,
			fetched_at = EXCLUDED.fetched_at, expires_at = EXCLUDED.expires_at`,
		doc.URL, doc.ContentType, doc.Body, doc.FetchedAt, doc.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: set cached document")
}

func (s *PostgresStore) DeleteExpiredDocuments(ctx context.Context, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM document_cache WHERE expires_at <= $1`, at)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired documents")
	}
	return int(tag.RowsAffected()), nil
}

// --- Audit ---

func insertPostgresAudit(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit details")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO audit_log (id, actor, action, subject, details, at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Actor, e.Action, e.Subject, details, e.At,
	)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return insertPostgresAudit(ctx, tx, entry)
	})
}

func (s *PostgresStore) ListAudit(ctx context.Context, subject string, limit int) ([]model.AuditEntry, error) {
	b := psql.Select("id", "actor", "action", "subject", "details", "at").From("audit_log").OrderBy("at DESC", "id")
	if subject != "" {
		b = b.Where(sq.Eq{"subject": subject})
	}
	query, args, err := paginate(b, limit, 0).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build audit query")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e       model.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Subject, &details, &e.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, eris.Wrap(err, "postgres: decode audit details")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audit")
}
