package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/resilience"
	"github.com/sells-group/exchange-feed/internal/store"
	"github.com/sells-group/exchange-feed/pkg/telegram"
)

// DeliveryStore is the bookkeeping the deliverer needs.
type DeliveryStore interface {
	Delivered(ctx context.Context, key store.DeliveryKey) (bool, error)
	MarkDelivered(ctx context.Context, key store.DeliveryKey, at time.Time) (bool, error)
	AddDigestIntent(ctx context.Context, intent model.DigestIntent) (bool, error)
}

// Deliverer executes Notify jobs.
type Deliverer struct {
	store    DeliveryStore
	telegram telegram.Client
	limiters *Limiters
	now      func() time.Time
}

// NewDeliverer creates a Deliverer. tg may be nil when only digests are
// configured; instant jobs then fail terminally.
func NewDeliverer(st DeliveryStore, tg telegram.Client, limiters *Limiters) *Deliverer {
	if limiters == nil {
		limiters = NewLimiters(1, 1)
	}
	return &Deliverer{store: st, telegram: tg, limiters: limiters, now: time.Now}
}

// Deliver sends or accumulates one notification.
func (d *Deliverer) Deliver(ctx context.Context, p model.NotifyPayload) error {
	if p.Destination == "" || p.RecordID == "" || p.SubscriberID == "" {
		return resilience.Terminal(eris.Errorf("notify: incomplete payload for record %q subscriber %q", p.RecordID, p.SubscriberID))
	}
	switch p.Channel {
	case model.ChannelInstant:
		return d.sendInstant(ctx, p)
	case model.ChannelDigest:
		return d.accumulate(ctx, p)
	}
	return resilience.Terminal(eris.Errorf("notify: unknown channel %q", p.Channel))
}

func (d *Deliverer) sendInstant(ctx context.Context, p model.NotifyPayload) error {
	if d.telegram == nil {
		return resilience.Terminal(eris.New("notify: telegram is not configured"))
	}
	key := store.DeliveryKey{RecordID: p.RecordID, SubscriberID: p.SubscriberID, Channel: model.ChannelInstant}
	done, err := d.store.Delivered(ctx, key)
	if err != nil {
		return eris.Wrap(err, "notify: check delivery")
	}
	if done {
		zap.L().Debug("notify: already delivered", zap.String("record_id", p.RecordID), zap.String("subscriber_id", p.SubscriberID))
		return nil
	}

	if err := d.limiters.Wait(ctx, p.Destination); err != nil {
		return eris.Wrap(err, "notify: rate limiter")
	}
	if _, err := d.telegram.SendMessage(ctx, p.Destination, InstantText(p)); err != nil {
		return classifySendError(err)
	}

	if _, err := d.store.MarkDelivered(ctx, key, d.now().UTC()); err != nil {
		// The message went out; a retry would resend it.
		zap.L().Error("notify: delivered but not recorded",
			zap.String("record_id", p.RecordID), zap.String("subscriber_id", p.SubscriberID), zap.Error(err))
	}
	return nil
}

func (d *Deliverer) accumulate(ctx context.Context, p model.NotifyPayload) error {
	day := p.PublishedAt
	if day.IsZero() {
		day = d.now()
	}
	added, err := d.store.AddDigestIntent(ctx, model.DigestIntent{
		SubscriberID: p.SubscriberID,
		Email:        p.Destination,
		DigestDate:   model.DigestDate(day),
		RecordID:     p.RecordID,
		OwnerKey:     p.OwnerKey,
		CompanyName:  p.CompanyName,
		Title:        p.Title,
		Summary:      p.Summary,
		Category:     p.Category,
		SourceURL:    p.SourceURL,
		CreatedAt:    d.now().UTC(),
	})
	if err != nil {
		return eris.Wrap(err, "notify: add digest intent")
	}
	if !added {
		zap.L().Debug("notify: digest intent already queued", zap.String("record_id", p.RecordID), zap.String("subscriber_id", p.SubscriberID))
	}
	return nil
}

// classifySendError maps Telegram failures onto the retry taxonomy.
func classifySendError(err error) error {
	if errors.Is(err, telegram.ErrRecipientUnreachable) {
		return resilience.Terminal(err)
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(err, apiErr.StatusCode)
		}
		if apiErr.StatusCode == http.StatusBadRequest {
			return resilience.Terminal(err)
		}
		return err
	}
	return resilience.NewTransientError(err, 0)
}

// InstantText renders the Telegram message for one announcement.
func InstantText(p model.NotifyPayload) string {
	var b strings.Builder
	name := p.CompanyName
	if name == "" {
		name = p.OwnerKey
	}
	fmt.Fprintf(&b, "%s [%s]\n%s\n", name, categoryLabel(p.Category), p.Title)
	if p.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", p.Summary)
	}
	if p.SourceURL != "" {
		fmt.Fprintf(&b, "\n%s", p.SourceURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func categoryLabel(c string) string {
	return strings.ReplaceAll(c, "_", " ")
}
