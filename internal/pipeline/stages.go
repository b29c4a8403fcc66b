package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/exchange-feed/internal/classify"
	"github.com/sells-group/exchange-feed/internal/dedup"
	"github.com/sells-group/exchange-feed/internal/guard"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/scrape"
)

// Fetcher downloads announcement documents.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*scrape.Document, error)
}

// ScrapeStage fetches the document and emits a Classify job.
type ScrapeStage struct {
	fetcher Fetcher
}

// NewScrapeStage creates the Scrape stage.
func NewScrapeStage(f Fetcher) *ScrapeStage { return &ScrapeStage{fetcher: f} }

func (s *ScrapeStage) Type() model.JobType { return model.JobScrape }

func (s *ScrapeStage) Process(ctx context.Context, env model.Envelope) (Result, error) {
	var p model.ScrapePayload
	if err := decode(env, &p); err != nil {
		return Result{}, err
	}

	doc, err := s.fetcher.Fetch(ctx, p.SourceURL)
	if err != nil {
		return Result{}, err
	}

	a := model.Announcement{
		SourceID:    p.SourceID,
		SourceURL:   p.SourceURL,
		Exchange:    p.Exchange,
		OwnerKey:    env.OwnerKey,
		CompanyName: p.CompanyName,
		Title:       p.Title,
		PublishedAt: p.PublishedAt,
		Text:        doc.Text,
	}
	if a.SourceID == "" {
		a.SourceID = p.SourceURL
	}
	if a.Title == "" {
		a.Title = doc.Title
	}

	next, err := env.Next(model.JobClassify, model.ClassifyPayload{
		Announcement: a,
		Fingerprint:  doc.Fingerprint,
		SizeBytes:    doc.SizeBytes,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Next: []model.Envelope{next}}, nil
}

// ClassifyStage asks the classification provider for a category and emits
// a Dedup job. The worker's guard check blocks sentinel results.
type ClassifyStage struct {
	classifier classify.Classifier
}

// NewClassifyStage creates the Classify stage.
func NewClassifyStage(c classify.Classifier) *ClassifyStage {
	return &ClassifyStage{classifier: c}
}

func (s *ClassifyStage) Type() model.JobType { return model.JobClassify }

func (s *ClassifyStage) Process(ctx context.Context, env model.Envelope) (Result, error) {
	var p model.ClassifyPayload
	if err := decode(env, &p); err != nil {
		return Result{}, err
	}

	c, err := s.classifier.Classify(ctx, p.Announcement)
	if err != nil {
		return Result{}, err
	}

	rec := model.NewClassifiedRecord(p.Announcement, c, p.Fingerprint, p.SizeBytes)
	next, err := env.Next(model.JobDedup, model.RecordPayload{Record: rec})
	if err != nil {
		return Result{}, err
	}
	return Result{Next: []model.Envelope{next}, Record: &rec}, nil
}

// DedupStage registers the record's fingerprint, flags duplicates, and
// emits a Persist job.
type DedupStage struct {
	detector *dedup.Detector
}

// NewDedupStage creates the Dedup stage.
func NewDedupStage(d *dedup.Detector) *DedupStage { return &DedupStage{detector: d} }

func (s *DedupStage) Type() model.JobType { return model.JobDedup }

func (s *DedupStage) Process(ctx context.Context, env model.Envelope) (Result, error) {
	var p model.RecordPayload
	if err := decode(env, &p); err != nil {
		return Result{}, err
	}
	rec := p.Record
	// Fingerprints are durable state too.
	if err := guard.Check("dedup", rec); err != nil {
		return Result{}, err
	}

	res, err := s.detector.CheckAndRegister(ctx, model.Sighting{
		OwnerKey:    rec.OwnerKey(),
		Fingerprint: rec.Fingerprint,
		SizeBytes:   rec.SizeBytes,
		JobID:       env.JobID,
		SourceID:    rec.Announcement.SourceID,
	})
	if err != nil {
		return Result{}, err
	}
	rec = dedup.Mark(rec, res)

	next, err := env.Next(model.JobPersist, model.RecordPayload{Record: rec})
	if err != nil {
		return Result{}, err
	}
	return Result{Next: []model.Envelope{next}, Record: &rec}, nil
}

// RecordStore is the storage used by the Persist stage.
type RecordStore interface {
	UpsertRecord(ctx context.Context, rec model.ClassifiedRecord) error
	CreateReviewTask(ctx context.Context, rec model.ClassifiedRecord, at time.Time) (*model.ReviewTask, error)
}

// Planner turns a persisted record into notification jobs.
type Planner interface {
	Plan(ctx context.Context, parent model.Envelope, rec model.ClassifiedRecord) ([]model.Envelope, error)
}

// PersistStage writes the record, opens its review task, and fans out
// notifications for original sightings.
type PersistStage struct {
	store   RecordStore
	planner Planner
	now     func() time.Time
}

// NewPersistStage creates the Persist stage. planner may be nil.
func NewPersistStage(st RecordStore, planner Planner) *PersistStage {
	return &PersistStage{store: st, planner: planner, now: time.Now}
}

func (s *PersistStage) Type() model.JobType { return model.JobPersist }

func (s *PersistStage) Process(ctx context.Context, env model.Envelope) (Result, error) {
	var p model.RecordPayload
	if err := decode(env, &p); err != nil {
		return Result{}, err
	}
	rec := p.Record
	if err := guard.Check("persist", rec); err != nil {
		return Result{}, err
	}

	if err := s.store.UpsertRecord(ctx, rec); err != nil {
		return Result{}, eris.Wrapf(err, "pipeline: persist record %s", rec.ID)
	}
	if rec.IsDuplicate {
		return Result{}, nil
	}

	if _, err := s.store.CreateReviewTask(ctx, rec, s.now().UTC()); err != nil {
		return Result{}, eris.Wrapf(err, "pipeline: review task for %s", rec.ID)
	}
	if s.planner == nil {
		return Result{}, nil
	}
	next, err := s.planner.Plan(ctx, env, rec)
	if err != nil {
		return Result{}, eris.Wrapf(err, "pipeline: plan notifications for %s", rec.ID)
	}
	return Result{Next: next}, nil
}

// Deliverer sends one notification.
type Deliverer interface {
	Deliver(ctx context.Context, p model.NotifyPayload) error
}

// NotifyStage hands each notification job to the deliverer.
type NotifyStage struct {
	deliverer Deliverer
}

// NewNotifyStage creates the Notify stage.
func NewNotifyStage(d Deliverer) *NotifyStage { return &NotifyStage{deliverer: d} }

func (s *NotifyStage) Type() model.JobType { return model.JobNotify }

func (s *NotifyStage) Process(ctx context.Context, env model.Envelope) (Result, error) {
	var p model.NotifyPayload
	if err := decode(env, &p); err != nil {
		return Result{}, err
	}
	return Result{}, s.deliverer.Deliver(ctx, p)
}
