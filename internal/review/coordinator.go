// Package review coordinates human review of persisted records.
//
// A task is claimed by at most one reviewer at a time. Every transition
// is a single conditional update in the store; the coordinator only
// reads back state to explain why a transition was refused.
package review

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/guard"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/store"
)

// Sentinel errors. Match with errors.Is.
var (
	ErrNotOwner        = eris.New("review: task is not claimed by this reviewer")
	ErrNotFound        = eris.New("review: task not found")
	ErrTerminal        = eris.New("review: task already decided")
	ErrUnknownField    = model.ErrUnknownField
	ErrInvalidValue    = eris.New("review: invalid field value")
	ErrInvalidDecision = eris.New("review: decision must be verified or rejected")
	ErrConflict        = eris.New("review: task changed concurrently")
)

// editRetries bounds re-reads when a reviewer's own concurrent edits race.
const editRetries = 3

// Store is the subset of store.Store the coordinator needs.
type Store interface {
	GetRecord(ctx context.Context, id string) (*model.ClassifiedRecord, error)
	GetReviewTask(ctx context.Context, taskID string) (*model.ReviewTask, error)
	ListReviewTasks(ctx context.Context, filter store.ReviewFilter) ([]model.ReviewTask, error)
	ClaimNextTask(ctx context.Context, reviewer string, at time.Time) (*model.ReviewTask, error)
	ClaimTask(ctx context.Context, taskID, reviewer string, at time.Time) (bool, error)
	UpdateTaskWorking(ctx context.Context, taskID, reviewer string, version int, working model.RecordFields, history []model.FieldEdit, at time.Time) (bool, error)
	ReleaseTask(ctx context.Context, taskID, reviewer string, at time.Time) (bool, error)
	ReassignTask(ctx context.Context, taskID, target string, audit model.AuditEntry) (bool, error)
	CompleteTask(ctx context.Context, d store.TaskDecision) (bool, error)
	ReleaseStaleTasks(ctx context.Context, claimedBefore, at time.Time) (int, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns review task status transitions.
type Coordinator struct {
	store    Store
	claimTTL time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// New creates a Coordinator. Claims older than claimTTL are released by
// SweepStale; a non-positive TTL disables the sweep.
func New(st Store, claimTTL time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		claimTTL: claimTTL,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "review")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ClaimTTL returns the configured stale-claim threshold.
func (c *Coordinator) ClaimTTL() time.Duration { return c.claimTTL }

// ClaimNext claims the oldest unclaimed task. It returns nil, nil when
// the backlog is empty.
func (c *Coordinator) ClaimNext(ctx context.Context, reviewer string) (*model.ReviewTask, error) {
	if reviewer == "" {
		return nil, eris.New("review: reviewer id is required")
	}
	t, err := c.store.ClaimNextTask(ctx, reviewer, c.now())
	if err != nil {
		return nil, eris.Wrap(err, "review: claim next")
	}
	if t != nil {
		c.log.Info("task claimed", zap.String("task_id", t.ID), zap.String("reviewer", reviewer))
	}
	return t, nil
}

// Claim claims a specific task. Claiming a task the reviewer already
// holds succeeds without change.
func (c *Coordinator) Claim(ctx context.Context, taskID, reviewer string) (*model.ReviewTask, error) {
	if reviewer == "" {
		return nil, eris.New("review: reviewer id is required")
	}
	ok, err := c.store.ClaimTask(ctx, taskID, reviewer, c.now())
	if err != nil {
		return nil, eris.Wrapf(err, "review: claim %s", taskID)
	}
	t, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := owned(t, reviewer); err != nil {
			return nil, err
		}
		return t, nil
	}
	c.log.Info("task claimed", zap.String("task_id", taskID), zap.String("reviewer", reviewer))
	return t, nil
}

// EditField changes one field of the task's working copy and appends to
// its edit history. The canonical record is untouched until Verify.
func (c *Coordinator) EditField(ctx context.Context, taskID, reviewer, field, value string) (*model.ReviewTask, error) {
	for i := 0; i < editRetries; i++ {
		t, err := c.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := owned(t, reviewer); err != nil {
			return nil, err
		}

		old, err := t.Working.Get(field)
		if err != nil {
			return nil, err
		}
		working, err := t.Working.Set(field, value)
		if err != nil {
			return nil, eris.Wrapf(ErrInvalidValue, "%s: %v", field, err)
		}

		at := c.now()
		history := append(append([]model.FieldEdit(nil), t.EditHistory...), model.FieldEdit{
			Field:    field,
			OldValue: old,
			NewValue: value,
			Editor:   reviewer,
			At:       at,
		})
		ok, err := c.store.UpdateTaskWorking(ctx, taskID, reviewer, t.Version, working, history, at)
		if err != nil {
			return nil, eris.Wrapf(err, "review: edit %s", taskID)
		}
		if ok {
			t.Working = working
			t.EditHistory = history
			t.Version++
			t.UpdatedAt = at
			return t, nil
		}
	}
	return nil, eris.Wrapf(ErrConflict, "task %s", taskID)
}

// Verify records the reviewer's decision. A verified task writes its
// working copy onto the canonical record in the same transaction; a
// rejected task leaves the record alone.
func (c *Coordinator) Verify(ctx context.Context, taskID, reviewer string, decision model.ReviewStatus, notes string) (*model.ReviewTask, error) {
	if !decision.Terminal() {
		return nil, eris.Wrapf(ErrInvalidDecision, "got %q", decision)
	}
	t, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := owned(t, reviewer); err != nil {
		return nil, err
	}

	at := c.now()
	d := store.TaskDecision{
		TaskID:   taskID,
		Reviewer: reviewer,
		Version:  t.Version,
		Status:   decision,
		Notes:    notes,
		At:       at,
		Audit: model.AuditEntry{
			Actor:   reviewer,
			Action:  model.AuditReject,
			Subject: taskID,
			Details: map[string]any{"record_id": t.RecordID, "edits": len(t.EditHistory), "notes": notes},
			At:      at,
		},
	}
	if decision == model.ReviewVerified {
		rec, err := c.store.GetRecord(ctx, t.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrNotFound, "record %s for task %s", t.RecordID, taskID)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "review: load record %s", t.RecordID)
		}
		applied := rec.Apply(t.Working)
		if err := guard.Check("review: verify", applied); err != nil {
			return nil, err
		}
		d.Record = &applied
		d.Audit.Action = model.AuditVerify
	}

	ok, err := c.store.CompleteTask(ctx, d)
	if err != nil {
		return nil, eris.Wrapf(err, "review: complete %s", taskID)
	}
	if !ok {
		return nil, c.refused(ctx, taskID, reviewer)
	}

	t.Status = decision
	t.Notes = notes
	t.Version++
	t.UpdatedAt = at
	c.log.Info("task decided",
		zap.String("task_id", taskID),
		zap.String("record_id", t.RecordID),
		zap.String("reviewer", reviewer),
		zap.String("decision", string(decision)),
	)
	return t, nil
}

// Release returns a claimed task to the backlog. The working copy and
// edit history are kept for the next claimant.
func (c *Coordinator) Release(ctx context.Context, taskID, reviewer string) error {
	ok, err := c.store.ReleaseTask(ctx, taskID, reviewer, c.now())
	if err != nil {
		return eris.Wrapf(err, "review: release %s", taskID)
	}
	if !ok {
		return c.refused(ctx, taskID, reviewer)
	}
	c.log.Info("task released", zap.String("task_id", taskID), zap.String("reviewer", reviewer))
	return nil
}

// Reassign force-transfers a task to target, bypassing the ownership
// check. The override is written to the audit log.
func (c *Coordinator) Reassign(ctx context.Context, taskID, admin, target string) (*model.ReviewTask, error) {
	if admin == "" || target == "" {
		return nil, eris.New("review: admin and target reviewer are required")
	}
	t, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, eris.Wrapf(ErrTerminal, "task %s is %s", taskID, t.Status)
	}

	at := c.now()
	ok, err := c.store.ReassignTask(ctx, taskID, target, model.AuditEntry{
		Actor:   admin,
		Action:  model.AuditReassign,
		Subject: taskID,
		Details: map[string]any{"from": t.ClaimedBy, "to": target},
		At:      at,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "review: reassign %s", taskID)
	}
	if !ok {
		// Only a decision landing in between can refuse a reassign.
		return nil, eris.Wrapf(ErrTerminal, "task %s", taskID)
	}

	c.log.Warn("task reassigned",
		zap.String("task_id", taskID),
		zap.String("admin", admin),
		zap.String("from", t.ClaimedBy),
		zap.String("to", target),
	)
	return c.Get(ctx, taskID)
}

// SweepStale releases claims older than the claim TTL and returns how
// many were released.
func (c *Coordinator) SweepStale(ctx context.Context) (int, error) {
	if c.claimTTL <= 0 {
		return 0, nil
	}
	now := c.now()
	n, err := c.store.ReleaseStaleTasks(ctx, now.Add(-c.claimTTL), now)
	if err != nil {
		return 0, eris.Wrap(err, "review: sweep stale claims")
	}
	if n > 0 {
		c.log.Info("released stale claims", zap.Int("count", n), zap.Duration("ttl", c.claimTTL))
	}
	return n, nil
}

// Get returns one task.
func (c *Coordinator) Get(ctx context.Context, taskID string) (*model.ReviewTask, error) {
	t, err := c.store.GetReviewTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "review: get %s", taskID)
	}
	return t, nil
}

// List returns tasks matching filter, oldest first.
func (c *Coordinator) List(ctx context.Context, filter store.ReviewFilter) ([]model.ReviewTask, error) {
	out, err := c.store.ListReviewTasks(ctx, filter)
	return out, eris.Wrap(err, "review: list tasks")
}

// refused explains why a conditional update matched no row.
func (c *Coordinator) refused(ctx context.Context, taskID, reviewer string) error {
	t, err := c.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := owned(t, reviewer); err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "task %s", taskID)
}

func owned(t *model.ReviewTask, reviewer string) error {
	if t.Status.Terminal() {
		return eris.Wrapf(ErrTerminal, "task %s is %s", t.ID, t.Status)
	}
	if t.Status != model.ReviewClaimed || t.ClaimedBy != reviewer {
		return eris.Wrapf(ErrNotOwner, "task %s", t.ID)
	}
	return nil
}
