package store

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

	"github.com/sells-group/exchange-feed/internal/guard"
	"github.com/sells-group/exchange-feed/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes every transaction in this process, which
	// makes the conditional updates below linearizable.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS fingerprints (
	owner_key        TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	first_seen_at    INTEGER NOT NULL,
	origin_job_id    TEXT NOT NULL,
	origin_source_id TEXT NOT NULL,
	duplicate_count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (owner_key, fingerprint)
);

CREATE TABLE IF NOT EXISTS fingerprint_sightings (
	owner_key   TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	seen_at     INTEGER NOT NULL,
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
	published_at  INTEGER,
	category      TEXT NOT NULL CHECK (category <> 'error'),
	confidence    REAL NOT NULL DEFAULT 0,
	summary       TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	fingerprint   TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	origin_job_id TEXT NOT NULL DEFAULT '',
	is_duplicate  INTEGER NOT NULL DEFAULT 0,
	duplicate_of  TEXT NOT NULL DEFAULT '',
	verified      INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	UNIQUE (owner_key, source_id)
);

CREATE TABLE IF NOT EXISTS review_tasks (
	id           TEXT PRIMARY KEY,
	record_id    TEXT NOT NULL UNIQUE REFERENCES records(id),
	owner_key    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'unclaimed',
	claimed_by   TEXT,
	claimed_at   INTEGER,
	working      TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0,
	notes        TEXT NOT NULL DEFAULT '',
	edit_history TEXT NOT NULL DEFAULT '[]',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscribers (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	telegram_chat_id TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	instant          INTEGER NOT NULL DEFAULT 0,
	digest           INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL
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
	delivered_at  INTEGER NOT NULL,
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
	created_at    INTEGER NOT NULL,
	consumed_at   INTEGER,
	UNIQUE (subscriber_id, record_id)
);

CREATE TABLE IF NOT EXISTS document_cache (
	url          TEXT PRIMARY KEY,
	content_type TEXT NOT NULL DEFAULT '',
	body         BLOB NOT NULL,
	fetched_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id      TEXT PRIMARY KEY,
	actor   TEXT NOT NULL,
	action  TEXT NOT NULL,
	subject TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}',
	at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_key, created_at);
CREATE INDEX IF NOT EXISTS idx_review_tasks_status ON review_tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_watchlist_owner ON subscriber_watchlist(owner_key);
CREATE INDEX IF NOT EXISTS idx_digest_pending ON digest_intents(digest_date) WHERE consumed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_document_cache_expires ON document_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject, at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

// --- Fingerprints ---

func (s *SQLiteStore) RegisterFingerprint(ctx context.Context, sg model.Sighting, at time.Time) (model.DedupResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DedupResult{}, eris.Wrap(err, "sqlite: begin register fingerprint")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO fingerprints (owner_key, fingerprint, size_bytes, first_seen_at, origin_job_id, origin_source_id)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (owner_key, fingerprint) DO NOTHING`,
		sg.OwnerKey, sg.Fingerprint, sg.SizeBytes, ms(at), sg.JobID, sg.SourceID,
	)
	if err != nil {
		return model.DedupResult{}, eris.Wrap(err, "sqlite: insert fingerprint")
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.DedupResult{}, eris.Wrap(err, "sqlite: rows affected")
	} else if n == 1 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fingerprint_sightings (owner_key, fingerprint, source_id, job_id, seen_at) VALUES (?, ?, ?, ?, ?)`,
			sg.OwnerKey, sg.Fingerprint, sg.SourceID, sg.JobID, ms(at),
		); err != nil {
			return model.DedupResult{}, eris.Wrap(err, "sqlite: insert origin sighting")
		}
		if err := tx.Commit(); err != nil {
			return model.DedupResult{}, eris.Wrap(err, "sqlite: commit fingerprint")
		}
		return model.DedupResult{OriginJobID: sg.JobID}, nil
	}

	var (
		originJob, originSource string
		count                   int
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT origin_job_id, origin_source_id, duplicate_count FROM fingerprints WHERE owner_key = ? AND fingerprint = ?`,
		sg.OwnerKey, sg.Fingerprint,
	).Scan(&originJob, &originSource, &count); err != nil {
		return model.DedupResult{}, eris.Wrap(err, "sqlite: read fingerprint")
	}
	if originSource == sg.SourceID {
		// Redelivery of the original sighting.
		return model.DedupResult{OriginJobID: originJob, DuplicateCount: count}, nil
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO fingerprint_sightings (owner_key, fingerprint, source_id, job_id, seen_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		sg.OwnerKey, sg.Fingerprint, sg.SourceID, sg.JobID, ms(at),
	)
	if err != nil {
		return model.DedupResult{}, eris.Wrap(err, "sqlite: insert sighting")
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.DedupResult{}, eris.Wrap(err, "sqlite: rows affected")
	} else if n == 1 {
		if err := tx.QueryRowContext(ctx,
			`UPDATE fingerprints SET duplicate_count = duplicate_count + 1
			 WHERE owner_key = ? AND fingerprint = ? RETURNING duplicate_count`,
			sg.OwnerKey, sg.Fingerprint,
		).Scan(&count); err != nil {
			return model.DedupResult{}, eris.Wrap(err, "sqlite: increment duplicate count")
		}
	}
	if err := tx.Commit(); err != nil {
		return model.DedupResult{}, eris.Wrap(err, "sqlite: commit fingerprint")
	}
	return model.DedupResult{IsDuplicate: true, OriginJobID: originJob, DuplicateCount: count}, nil
}

func (s *SQLiteStore) GetFingerprint(ctx context.Context, ownerKey, fingerprint string) (*model.FingerprintRecord, error) {
	var (
		fp        model.FingerprintRecord
		firstSeen int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_key, fingerprint, size_bytes, first_seen_at, origin_job_id, origin_source_id, duplicate_count
		 FROM fingerprints WHERE owner_key = ? AND fingerprint = ?`,
		ownerKey, fingerprint,
	).Scan(&fp.OwnerKey, &fp.Fingerprint, &fp.SizeBytes, &firstSeen, &fp.OriginJobID, &fp.OriginSourceID, &fp.DuplicateCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get fingerprint")
	}
	fp.FirstSeenAt = fromMs(firstSeen)
	return &fp, nil
}

// --- Classified records ---

const recordColumns = `id, owner_key, source_id, source_url, exchange, company_name, title, published_at,
	category, confidence, summary, model, fingerprint, size_bytes, origin_job_id, is_duplicate,
	duplicate_of, verified, created_at, updated_at`

func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec model.ClassifiedRecord) error {
	if err := guard.Check("sqlite: upsert record", rec); err != nil {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (owner_key, source_id) DO UPDATE SET
			source_url = excluded.source_url,
			exchange = excluded.exchange,
			company_name = excluded.company_name,
			title = excluded.title,
			published_at = excluded.published_at,
			category = excluded.category,
			confidence = excluded.confidence,
			summary = excluded.summary,
			model = excluded.model,
			fingerprint = excluded.fingerprint,
			size_bytes = excluded.size_bytes,
			origin_job_id = excluded.origin_job_id,
			is_duplicate = excluded.is_duplicate,
			duplicate_of = excluded.duplicate_of,
			updated_at = excluded.updated_at
		 WHERE records.verified = 0`,
		rec.ID, a.OwnerKey, a.SourceID, a.SourceURL, a.Exchange, a.CompanyName, a.Title, nullMs(published),
		string(rec.Category.Kind), rec.Confidence, rec.Summary, rec.Model, rec.Fingerprint, rec.SizeBytes,
		rec.OriginJobID, rec.IsDuplicate, rec.DuplicateOf, ms(rec.CreatedAt), ms(rec.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert record %s", rec.ID)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.ClassifiedRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get record")
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.ClassifiedRecord, error) {
	b := sq.Select(recordColumns).From("records").OrderBy("created_at DESC", "id")
	b = applyRecordFilter(b, filter, func(t time.Time) any { return ms(t) })

	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list records query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ClassifiedRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scannable) (*model.ClassifiedRecord, error) {
	var (
		rec              model.ClassifiedRecord
		published        sql.NullInt64
		category         string
		created, updated int64
	)
	a := &rec.Announcement
	if err := row.Scan(&rec.ID, &a.OwnerKey, &a.SourceID, &a.SourceURL, &a.Exchange, &a.CompanyName, &a.Title,
		&published, &category, &rec.Confidence, &rec.Summary, &rec.Model, &rec.Fingerprint, &rec.SizeBytes,
		&rec.OriginJobID, &rec.IsDuplicate, &rec.DuplicateOf, &rec.Verified, &created, &updated); err != nil {
		return nil, err
	}
	if p := fromNullMs(published); p != nil {
		a.PublishedAt = *p
	}
	rec.Category = model.ValidCategory(model.CategoryKind(category))
	rec.CreatedAt = fromMs(created)
	rec.UpdatedAt = fromMs(updated)
	return &rec, nil
}

// --- Review tasks ---

const taskColumns = `id, record_id, owner_key, status, claimed_by, claimed_at, working, version, notes,
	edit_history, created_at, updated_at`

func scanSQLiteTask(row scannable) (*model.ReviewTask, error) {
	var (
		t                model.ReviewTask
		status           string
		claimedBy        sql.NullString
		claimedAt        sql.NullInt64
		working, history string
		created, updated int64
	)
	if err := row.Scan(&t.ID, &t.RecordID, &t.OwnerKey, &status, &claimedBy, &claimedAt, &working,
		&t.Version, &t.Notes, &history, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = model.ReviewStatus(status)
	t.ClaimedBy = claimedBy.String
	t.ClaimedAt = fromNullMs(claimedAt)
	if err := json.Unmarshal([]byte(working), &t.Working); err != nil {
		return nil, eris.Wrap(err, "decode working copy")
	}
	if err := json.Unmarshal([]byte(history), &t.EditHistory); err != nil {
		return nil, eris.Wrap(err, "decode edit history")
	}
	t.CreatedAt = fromMs(created)
	t.UpdatedAt = fromMs(updated)
	return &t, nil
}

func (s *SQLiteStore) CreateReviewTask(ctx context.Context, rec model.ClassifiedRecord, at time.Time) (*model.ReviewTask, error) {
	working, err := model.MarshalFields(rec.Fields())
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO review_tasks (id, record_id, owner_key, status, working, created_at, updated_at)
		 VALUES (?, ?, ?, 'unclaimed', ?, ?, ?) ON CONFLICT (record_id) DO NOTHING`,
		uuid.NewString(), rec.ID, rec.OwnerKey(), string(working), ms(at), ms(at),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: create review task for %s", rec.ID)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE record_id = ?`, rec.ID)
	t, err := scanSQLiteTask(row)
	return t, eris.Wrap(err, "sqlite: read review task")
}

func (s *SQLiteStore) GetReviewTask(ctx context.Context, taskID string) (*model.ReviewTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE id = ?`, taskID)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get review task")
	}
	return t, nil
}

func (s *SQLiteStore) ListReviewTasks(ctx context.Context, filter ReviewFilter) ([]model.ReviewTask, error) {
	b := applyReviewFilter(sq.Select(taskColumns).From("review_tasks").OrderBy("created_at", "id"), filter)
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list review tasks query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review tasks")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReviewTask
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate review tasks")
}

func (s *SQLiteStore) CountReviewTasks(ctx context.Context, status model.ReviewStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM review_tasks WHERE status = ?`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count review tasks")
}

func (s *SQLiteStore) ClaimNextTask(ctx context.Context, reviewer string, at time.Time) (*model.ReviewTask, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE review_tasks
		 SET status = 'claimed', claimed_by = ?, claimed_at = ?, version = version + 1, updated_at = ?
		 WHERE id = (
			SELECT id FROM review_tasks WHERE status = 'unclaimed' ORDER BY created_at, id LIMIT 1
		 ) AND status = 'unclaimed'
		 RETURNING `+taskColumns,
		reviewer, ms(at), ms(at),
	)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, eris.Wrap(err, "sqlite: claim next task")
}

func affected(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: %s", op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: %s rows affected", op)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ClaimTask(ctx context.Context, taskID, reviewer string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_tasks
		 SET status = 'claimed', claimed_by = ?, claimed_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = 'unclaimed'`,
		reviewer, ms(at), ms(at), taskID,
	)
	return affected(res, err, "claim task")
}

func (s *SQLiteStore) UpdateTaskWorking(ctx context.Context, taskID, reviewer string, version int, working model.RecordFields, history []model.FieldEdit, at time.Time) (bool, error) {
	w, err := model.MarshalFields(working)
	if err != nil {
		return false, err
	}
	h, err := json.Marshal(history)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal edit history")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_tasks SET working = ?, edit_history = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = 'claimed' AND claimed_by = ? AND version = ?`,
		string(w), string(h), ms(at), taskID, reviewer, version,
	)
	return affected(res, err, "update task working copy")
}

func (s *SQLiteStore) ReleaseTask(ctx context.Context, taskID, reviewer string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_tasks
		 SET status = 'unclaimed', claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = 'claimed' AND claimed_by = ?`,
		ms(at), taskID, reviewer,
	)
	return affected(res, err, "release task")
}

func (s *SQLiteStore) ReassignTask(ctx context.Context, taskID, target string, audit model.AuditEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin reassign")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE review_tasks
		 SET status = 'claimed', claimed_by = ?, claimed_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status IN ('unclaimed', 'claimed')`,
		target, ms(audit.At), ms(audit.At), taskID,
	)
	ok, err := affected(res, err, "reassign task")
	if err != nil || !ok {
		return false, err
	}
	if err := insertSQLiteAudit(ctx, tx, audit); err != nil {
		return false, err
	}
	return true, eris.Wrap(tx.Commit(), "sqlite: commit reassign")
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, d TaskDecision) (bool, error) {
	if d.Record != nil {
		if err := guard.Check("sqlite: complete task", *d.Record); err != nil {
			return false, err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin complete task")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE review_tasks SET status = ?, notes = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = 'claimed' AND claimed_by = ? AND version = ?`,
		string(d.Status), d.Notes, ms(d.At), d.TaskID, d.Reviewer, d.Version,
	)
	ok, err := affected(res, err, "complete task")
	if err != nil || !ok {
		return false, err
	}

	if r := d.Record; r != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET title = ?, summary = ?, category = ?, company_name = ?, verified = 1, updated_at = ?
			 WHERE id = ?`,
			r.Announcement.Title, r.Summary, string(r.Category.Kind), r.Announcement.CompanyName, ms(d.At), r.ID,
		)
		ok, err := affected(res, err, "apply verified record")
		if err != nil {
			return false, err
		}
		if !ok {
			return false, eris.Wrapf(ErrNotFound, "sqlite: record %s", r.ID)
		}
	}

	if err := insertSQLiteAudit(ctx, tx, d.Audit); err != nil {
		return false, err
	}
	return true, eris.Wrap(tx.Commit(), "sqlite: commit complete task")
}

func (s *SQLiteStore) ReleaseStaleTasks(ctx context.Context, claimedBefore, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_tasks
		 SET status = 'unclaimed', claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = ?
		 WHERE status = 'claimed' AND claimed_at < ?`,
		ms(at), ms(claimedBefore),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: release stale tasks")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: release stale tasks rows affected")
}

// --- Subscribers ---

const subscriberColumns = `id, name, telegram_chat_id, email, instant, digest`

func (s *SQLiteStore) UpsertSubscriber(ctx context.Context, sub model.Subscriber) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert subscriber")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscribers (id, name, telegram_chat_id, email, instant, digest, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, telegram_chat_id = excluded.telegram_chat_id,
			email = excluded.email, instant = excluded.instant, digest = excluded.digest, updated_at = excluded.updated_at`,
		sub.ID, sub.Name, sub.TelegramChatID, sub.Email, sub.Instant, sub.Digest, ms(time.Now()),
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert subscriber %s", sub.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriber_watchlist WHERE subscriber_id = ?`, sub.ID); err != nil {
		return eris.Wrap(err, "sqlite: clear watchlist")
	}
	for _, key := range sub.Watchlist {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriber_watchlist (subscriber_id, owner_key) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			sub.ID, key,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert watchlist entry")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit subscriber")
}

func scanSubscriber(row scannable) (*model.Subscriber, error) {
	var sub model.Subscriber
	if err := row.Scan(&sub.ID, &sub.Name, &sub.TelegramChatID, &sub.Email, &sub.Instant, &sub.Digest); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SQLiteStore) GetSubscriber(ctx context.Context, id string) (*model.Subscriber, error) {
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get subscriber")
	}
	watch, err := s.watchlists(ctx, id)
	if err != nil {
		return nil, err
	}
	sub.Watchlist = watch[id]
	return sub, nil
}

func (s *SQLiteStore) ListSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	subs, err := s.querySubscribers(ctx, `SELECT `+subscriberColumns+` FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	watch, err := s.watchlists(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i].Watchlist = watch[subs[i].ID]
	}
	return subs, nil
}

func (s *SQLiteStore) ListWatchers(ctx context.Context, ownerKey string) ([]model.Subscriber, error) {
	return s.querySubscribers(ctx,
		`SELECT s.id, s.name, s.telegram_chat_id, s.email, s.instant, s.digest
		 FROM subscribers s JOIN subscriber_watchlist w ON w.subscriber_id = s.id
		 WHERE w.owner_key = ? ORDER BY s.id`, ownerKey)
}

func (s *SQLiteStore) querySubscribers(ctx context.Context, query string, args ...any) ([]model.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list subscribers")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan subscriber")
		}
		out = append(out, *sub)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate subscribers")
}

// watchlists returns owner keys per subscriber, for one subscriber or all.
func (s *SQLiteStore) watchlists(ctx context.Context, subscriberID string) (map[string][]string, error) {
	b := sq.Select("subscriber_id", "owner_key").From("subscriber_watchlist").OrderBy("subscriber_id", "owner_key")
	if subscriberID != "" {
		b = b.Where(sq.Eq{"subscriber_id": subscriberID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build watchlist query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list watchlists")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string][]string)
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan watchlist")
		}
		out[id] = append(out[id], key)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate watchlists")
}

// --- Notification bookkeeping ---

func (s *SQLiteStore) Delivered(ctx context.Context, key DeliveryKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM deliveries WHERE record_id = ? AND subscriber_id = ? AND channel = ?`,
		key.RecordID, key.SubscriberID, string(key.Channel),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, eris.Wrap(err, "sqlite: check delivery")
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, key DeliveryKey, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (record_id, subscriber_id, channel, delivered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		key.RecordID, key.SubscriberID, string(key.Channel), ms(at),
	)
	return affected(res, err, "mark delivered")
}

func (s *SQLiteStore) AddDigestIntent(ctx context.Context, in model.DigestIntent) (bool, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO digest_intents (id, subscriber_id, email, digest_date, record_id, owner_key, company_name,
			title, summary, category, source_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscriber_id, record_id) DO NOTHING`,
		in.ID, in.SubscriberID, in.Email, in.DigestDate, in.RecordID, in.OwnerKey, in.CompanyName,
		in.Title, in.Summary, in.Category, in.SourceURL, ms(in.CreatedAt),
	)
	return affected(res, err, "add digest intent")
}

func (s *SQLiteStore) PendingDigestIntents(ctx context.Context, upToDate string) ([]model.DigestIntent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscriber_id, email, digest_date, record_id, owner_key, company_name, title, summary,
			category, source_url, created_at
		 FROM digest_intents WHERE consumed_at IS NULL AND digest_date <= ?
		 ORDER BY subscriber_id, digest_date, created_at`,
		upToDate,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending digest intents")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DigestIntent
	for rows.Next() {
		var (
			in      model.DigestIntent
			created int64
		)
		if err := rows.Scan(&in.ID, &in.SubscriberID, &in.Email, &in.DigestDate, &in.RecordID, &in.OwnerKey,
			&in.CompanyName, &in.Title, &in.Summary, &in.Category, &in.SourceURL, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan digest intent")
		}
		in.CreatedAt = fromMs(created)
		out = append(out, in)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate digest intents")
}

func (s *SQLiteStore) MarkDigestConsumed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Update("digest_intents").
		Set("consumed_at", ms(at)).
		Where(sq.Eq{"id": ids}).
		Where("consumed_at IS NULL").
		ToSql()
	if err != nil {
		return eris.Wrap(err, "sqlite: build consume query")
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return eris.Wrap(err, "sqlite: mark digest consumed")
}

// --- Document cache ---

func (s *SQLiteStore) GetCachedDocument(ctx context.Context, url string) (*CachedDocument, error) {
	var (
		doc              CachedDocument
		fetched, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, content_type, body, fetched_at, expires_at FROM document_cache WHERE url = ? AND expires_at > ?`,
		url, ms(time.Now()),
	).Scan(&doc.URL, &doc.ContentType, &doc.Body, &fetched, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached document")
	}
	doc.FetchedAt = fromMs(fetched)
	doc.ExpiresAt = fromMs(expires)
	return &doc, nil
}

func (s *SQLiteStore) SetCachedDocument(ctx context.Context, doc CachedDocument) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_cache (url, content_type, body, fetched_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET content_type = excluded.content_type, body = excluded.body,
			fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		doc.URL, doc.ContentType, doc.Body, ms(doc.FetchedAt), ms(doc.ExpiresAt),
	)
	return eris.Wrap(err, "sqlite: set cached document")
}

func (s *SQLiteStore) DeleteExpiredDocuments(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM document_cache WHERE expires_at <= ?`, ms(at))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired documents")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Audit ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteAudit(ctx context.Context, ex execer, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit details")
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor, action, subject, details, at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.Action, e.Subject, string(details), ms(e.At),
	)
	return eris.Wrap(err, "sqlite: append audit")
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	return insertSQLiteAudit(ctx, s.db, entry)
}

func (s *SQLiteStore) ListAudit(ctx context.Context, subject string, limit int) ([]model.AuditEntry, error) {
	b := sq.Select("id", "actor", "action", "subject", "details", "at").From("audit_log").OrderBy("at DESC", "id")
	if subject != "" {
		b = b.Where(sq.Eq{"subject": subject})
	}
	query, args, err := paginate(b, limit, 0).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build audit query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e       model.AuditEntry
			details string
			at      int64
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Subject, &details, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode audit details")
		}
		e.At = fromMs(at)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit")
}
