package model

import "time"

// ReviewStatus is the lifecycle state of a review task.
type ReviewStatus string

const (
	ReviewUnclaimed ReviewStatus = "unclaimed"
	ReviewClaimed   ReviewStatus = "claimed"
	ReviewVerified  ReviewStatus = "verified"
	ReviewRejected  ReviewStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewVerified || s == ReviewRejected
}

// FieldEdit is one entry in a task's edit history.
type FieldEdit struct {
	Field    string    `json:"field"`
	OldValue string    `json:"old_value"`
	NewValue string    `json:"new_value"`
	Editor   string    `json:"editor"`
	At       time.Time `json:"at"`
}

// ReviewTask assigns a persisted record to at most one human reviewer.
type ReviewTask struct {
	ID          string       `json:"task_id"`
	RecordID    string       `json:"record_ref"`
	OwnerKey    string       `json:"owner_key"`
	Status      ReviewStatus `json:"status"`
	ClaimedBy   string       `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time   `json:"claimed_at,omitempty"`
	Working     RecordFields `json:"working"`
	Version     int          `json:"version"`
	Notes       string       `json:"notes,omitempty"`
	EditHistory []FieldEdit  `json:"edit_history"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// AuditEntry records an administrative or decision event.
type AuditEntry struct {
	ID      string         `json:"id"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Subject string         `json:"subject"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// Audit actions.
const (
	AuditReassign = "review.reassign"
	AuditVerify   = "review.verify"
	AuditReject   = "review.reject"
	AuditRedrive  = "queue.redrive"
	AuditDead     = "queue.dead_letter"
)
