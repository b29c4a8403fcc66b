// Package store persists fingerprints, classified records, review tasks,
// subscribers, notification bookkeeping, and the audit log.
//
// Every operation that must agree across concurrent workers is a single
// atomic statement or a short transaction at this layer; callers never
// lock in-process.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/exchange-feed/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// RecordFilter specifies criteria for listing classified records.
// Duplicates are excluded unless IncludeDuplicates is set.
type RecordFilter struct {
	OwnerKey          string             `json:"owner_key,omitempty"`
	Category          model.CategoryKind `json:"category,omitempty"`
	IncludeDuplicates bool               `json:"include_duplicates,omitempty"`
	VerifiedOnly      bool               `json:"verified_only,omitempty"`
	Since             time.Time          `json:"since,omitempty"`
	Limit             int                `json:"limit,omitempty"`
	Offset            int                `json:"offset,omitempty"`
}

// ReviewFilter specifies criteria for listing review tasks.
type ReviewFilter struct {
	Status    model.ReviewStatus `json:"status,omitempty"`
	ClaimedBy string             `json:"claimed_by,omitempty"`
	OwnerKey  string             `json:"owner_key,omitempty"`
	Limit     int                `json:"limit,omitempty"`
	Offset    int                `json:"offset,omitempty"`
}

// TaskDecision is the terminal write for a review task. When Record is
// set, it replaces the canonical record in the same transaction.
type TaskDecision struct {
	TaskID   string
	Reviewer string
	Version  int
	Status   model.ReviewStatus
	Notes    string
	Record   *model.ClassifiedRecord
	Audit    model.AuditEntry
	At       time.Time
}

// DeliveryKey identifies one notification delivery.
type DeliveryKey struct {
	RecordID     string
	SubscriberID string
	Channel      model.Channel
}

// CachedDocument is a fetched announcement document.
type CachedDocument struct {
	URL         string
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	ExpiresAt   time.Time
}

// Store defines the persistence interface for the announcement pipeline.
type Store interface {
	// Fingerprints
	RegisterFingerprint(ctx context.Context, s model.Sighting, at time.Time) (model.DedupResult, error)
	GetFingerprint(ctx context.Context, ownerKey, fingerprint string) (*model.FingerprintRecord, error)

	// Classified records
	UpsertRecord(ctx context.Context, rec model.ClassifiedRecord) error
	GetRecord(ctx context.Context, id string) (*model.ClassifiedRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.ClassifiedRecord, error)

	// Review tasks
	CreateReviewTask(ctx context.Context, rec model.ClassifiedRecord, at time.Time) (*model.ReviewTask, error)
	GetReviewTask(ctx context.Context, taskID string) (*model.ReviewTask, error)
	ListReviewTasks(ctx context.Context, filter ReviewFilter) ([]model.ReviewTask, error)
	CountReviewTasks(ctx context.Context, status model.ReviewStatus) (int, error)
	ClaimNextTask(ctx context.Context, reviewer string, at time.Time) (*model.ReviewTask, error)
	ClaimTask(ctx context.Context, taskID, reviewer string, at time.Time) (bool, error)
	UpdateTaskWorking(ctx context.Context, taskID, reviewer string, version int, working model.RecordFields, history []model.FieldEdit, at time.Time) (bool, error)
	ReleaseTask(ctx context.Context, taskID, reviewer string, at time.Time) (bool, error)
	ReassignTask(ctx context.Context, taskID, target string, audit model.AuditEntry) (bool, error)
	CompleteTask(ctx context.Context, d TaskDecision) (bool, error)
	ReleaseStaleTasks(ctx context.Context, claimedBefore, at time.Time) (int, error)

	// Subscribers
	UpsertSubscriber(ctx context.Context, sub model.Subscriber) error
	GetSubscriber(ctx context.Context, id string) (*model.Subscriber, error)
	ListSubscribers(ctx context.Context) ([]model.Subscriber, error)
	ListWatchers(ctx context.Context, ownerKey string) ([]model.Subscriber, error)

	// Notification bookkeeping
	Delivered(ctx context.Context, key DeliveryKey) (bool, error)
	MarkDelivered(ctx context.Context, key DeliveryKey, at time.Time) (bool, error)
	AddDigestIntent(ctx context.Context, intent model.DigestIntent) (bool, error)
	PendingDigestIntents(ctx context.Context, upToDate string) ([]model.DigestIntent, error)
	MarkDigestConsumed(ctx context.Context, ids []string, at time.Time) error

	// Document cache
	GetCachedDocument(ctx context.Context, url string) (*CachedDocument, error)
	SetCachedDocument(ctx context.Context, doc CachedDocument) error
	DeleteExpiredDocuments(ctx context.Context, at time.Time) (int, error)

	// Audit
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, subject string, limit int) ([]model.AuditEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
