package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// JobType identifies the pipeline stage a job belongs to. The job type
// doubles as the name of the queue that carries it.
type JobType string

const (
	JobScrape   JobType = "scrape"
	JobClassify JobType = "classify"
	JobDedup    JobType = "dedup"
	JobPersist  JobType = "persist"
	JobNotify   JobType = "notify"
)

// JobTypes lists every stage in pipeline order.
var JobTypes = []JobType{JobScrape, JobClassify, JobDedup, JobPersist, JobNotify}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	_, ok := payloadVersions[t]
	return ok
}

// Queue returns the name of the queue carrying jobs of this type.
func (t JobType) Queue() string { return string(t) }

// DeadQueue returns the name of the dead-letter sibling queue.
func (t JobType) DeadQueue() string { return DeadQueueName(string(t)) }

// DeadQueueName returns the dead-letter sibling of the named queue.
func DeadQueueName(queue string) string { return queue + ".dead" }

// ParseJobType converts a string into a JobType.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", eris.Errorf("model: unknown job type %q", s)
	}
	return t, nil
}

// payloadVersions is the current payload schema version per job type.
// Bump a version when its payload struct changes incompatibly.
var payloadVersions = map[JobType]int{
	JobScrape:   1,
	JobClassify: 1,
	JobDedup:    1,
	JobPersist:  1,
	JobNotify:   1,
}

// PayloadVersion returns the payload schema version stages accept for t.
func PayloadVersion(t JobType) int { return payloadVersions[t] }

// ErrUnknownPayloadVersion is returned when an envelope carries a payload
// version the consuming stage does not understand.
var ErrUnknownPayloadVersion = eris.New("model: unknown payload version")

// DefaultMaxAttempts is used when an envelope is created without a budget.
const DefaultMaxAttempts = 3

// Envelope is the wire wrapper around every job payload.
type Envelope struct {
	JobID       string          `json:"job_id"`
	JobType     JobType         `json:"job_type"`
	Version     int             `json:"version"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	OwnerKey    string          `json:"owner_key"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// NewEnvelope builds a fresh envelope for payload with attempt 0.
func NewEnvelope(jobType JobType, ownerKey string, payload any, maxAttempts int) (Envelope, error) {
	if !jobType.Valid() {
		return Envelope{}, eris.Errorf("model: unknown job type %q", jobType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, eris.Wrapf(err, "model: marshal %s payload", jobType)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Envelope{
		JobID:       uuid.New().String(),
		JobType:     jobType,
		Version:     PayloadVersion(jobType),
		MaxAttempts: maxAttempts,
		OwnerKey:    ownerKey,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Next builds the envelope for the following stage. The new job inherits
// the owner key and attempt budget but starts its own attempt count.
func (e Envelope) Next(jobType JobType, payload any) (Envelope, error) {
	return NewEnvelope(jobType, e.OwnerKey, payload, e.MaxAttempts)
}

// Decode unmarshals the payload into v after checking the schema version.
func (e Envelope) Decode(v any) error {
	if want := PayloadVersion(e.JobType); e.Version != want {
		return eris.Wrapf(ErrUnknownPayloadVersion, "%s job %s: got v%d, want v%d", e.JobType, e.JobID, e.Version, want)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return eris.Wrapf(err, "model: decode %s payload for job %s", e.JobType, e.JobID)
	}
	return nil
}

// Failed returns a copy with the attempt counter advanced and the error
// recorded. The counter never exceeds MaxAttempts.
func (e Envelope) Failed(err error) Envelope {
	if e.Attempt < e.MaxAttempts {
		e.Attempt++
	}
	if err != nil {
		e.LastError = err.Error()
	}
	return e
}

// Exhausted reports whether the retry budget is spent.
func (e Envelope) Exhausted() bool { return e.Attempt >= e.MaxAttempts }

// Redriven returns a copy with a fresh identity and attempt budget, used
// when an operator manually replays a dead-lettered job.
func (e Envelope) Redriven() Envelope {
	e.JobID = uuid.New().String()
	e.Attempt = 0
	e.LastError = ""
	e.CreatedAt = time.Now().UTC()
	return e
}

// Validate checks the structural invariants of an envelope received off a queue.
func (e Envelope) Validate() error {
	switch {
	case e.JobID == "":
		return eris.New("model: envelope missing job_id")
	case !e.JobType.Valid():
		return eris.Errorf("model: envelope %s has unknown job type %q", e.JobID, e.JobType)
	case e.MaxAttempts <= 0:
		return eris.Errorf("model: envelope %s has max_attempts %d", e.JobID, e.MaxAttempts)
	case e.Attempt < 0 || e.Attempt > e.MaxAttempts:
		return eris.Errorf("model: envelope %s attempt %d outside [0,%d]", e.JobID, e.Attempt, e.MaxAttempts)
	}
	return nil
}

// ScrapePayload asks the Scrape stage to fetch one announcement document.
type ScrapePayload struct {
	SourceURL   string    `json:"source_url"`
	SourceID    string    `json:"source_id"`
	Exchange    string    `json:"exchange"`
	CompanyName string    `json:"company_name"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
}

// ClassifyPayload carries a fetched document to the Classify stage.
type ClassifyPayload struct {
	Announcement Announcement `json:"announcement"`
	Fingerprint  string       `json:"fingerprint"`
	SizeBytes    int64        `json:"size_bytes"`
}

// RecordPayload carries a classified record through Dedup and Persist.
type RecordPayload struct {
	Record ClassifiedRecord `json:"record"`
}

// NotifyPayload is a single delivery for one subscriber on one channel.
type NotifyPayload struct {
	RecordID     string    `json:"record_id"`
	SubscriberID string    `json:"subscriber_id"`
	Channel      Channel   `json:"channel"`
	Destination  string    `json:"destination"`
	OwnerKey     string    `json:"owner_key"`
	CompanyName  string    `json:"company_name"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	Category     string    `json:"category"`
	SourceURL    string    `json:"source_url"`
	PublishedAt  time.Time `json:"published_at"`
}
