// Package notify fans persisted announcements out to subscribers: one
// instant Telegram message or one digest line per subscriber and channel.
package notify

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/model"
)

// WatcherStore resolves the subscribers watching an owner key.
type WatcherStore interface {
	ListWatchers(ctx context.Context, ownerKey string) ([]model.Subscriber, error)
}

// Dispatcher plans notification jobs for persisted records.
type Dispatcher struct {
	watchers WatcherStore
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(ws WatcherStore) *Dispatcher {
	return &Dispatcher{watchers: ws}
}

// Plan returns one Notify envelope per interested subscriber per channel.
// Duplicates and sentinel records produce nothing.
func (d *Dispatcher) Plan(ctx context.Context, parent model.Envelope, rec model.ClassifiedRecord) ([]model.Envelope, error) {
	if rec.IsDuplicate || rec.Category.IsError() {
		return nil, nil
	}
	subs, err := d.watchers.ListWatchers(ctx, rec.OwnerKey())
	if err != nil {
		return nil, eris.Wrapf(err, "notify: watchers of %s", rec.OwnerKey())
	}

	var out []model.Envelope
	for _, sub := range subs {
		for _, ch := range sub.Channels() {
			env, err := parent.Next(model.JobNotify, PayloadFor(rec, sub, ch))
			if err != nil {
				return nil, err
			}
			out = append(out, env)
		}
	}
	zap.L().Debug("notify: planned deliveries",
		zap.String("record_id", rec.ID),
		zap.String("owner_key", rec.OwnerKey()),
		zap.Int("subscribers", len(subs)),
		zap.Int("jobs", len(out)),
	)
	return out, nil
}

// PayloadFor builds the Notify payload for one subscriber and channel.
func PayloadFor(rec model.ClassifiedRecord, sub model.Subscriber, ch model.Channel) model.NotifyPayload {
	return model.NotifyPayload{
		RecordID:     rec.ID,
		SubscriberID: sub.ID,
		Channel:      ch,
		Destination:  sub.Destination(ch),
		OwnerKey:     rec.OwnerKey(),
		CompanyName:  rec.Announcement.CompanyName,
		Title:        rec.Announcement.Title,
		Summary:      rec.Summary,
		Category:     string(rec.Category.Kind),
		SourceURL:    rec.Announcement.SourceURL,
		PublishedAt:  rec.Announcement.PublishedAt,
	}
}
