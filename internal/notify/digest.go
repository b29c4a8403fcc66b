package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/pkg/mailer"
)

// DigestStore reads and consumes accumulated digest intents.
type DigestStore interface {
	PendingDigestIntents(ctx context.Context, upToDate string) ([]model.DigestIntent, error)
	MarkDigestConsumed(ctx context.Context, ids []string, at time.Time) error
}

// DigestReport summarizes one sweep.
type DigestReport struct {
	Subscribers int `json:"subscribers"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Intents     int `json:"intents"`
}

// DigestSweeper composes and sends one email per subscriber from their
// unconsumed digest intents.
type DigestSweeper struct {
	store  DigestStore
	sender mailer.Sender
	now    func() time.Time
}

// NewDigestSweeper creates a DigestSweeper.
func NewDigestSweeper(st DigestStore, sender mailer.Sender) *DigestSweeper {
	return &DigestSweeper{store: st, sender: sender, now: time.Now}
}

// Sweep sends every pending digest dated today or earlier. A failed send
// leaves that subscriber's intents unconsumed for the next sweep.
func (s *DigestSweeper) Sweep(ctx context.Context) (DigestReport, error) {
	now := s.now().UTC()
	intents, err := s.store.PendingDigestIntents(ctx, model.DigestDate(now))
	if err != nil {
		return DigestReport{}, eris.Wrap(err, "notify: pending digest intents")
	}

	groups := groupIntents(intents)
	report := DigestReport{Subscribers: len(groups), Intents: len(intents)}
	for _, g := range groups {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		msg := mailer.Message{
			To:      []string{g.email},
			Subject: DigestSubject(g.intents, now),
			Body:    DigestBody(g.intents),
		}
		if err := s.sender.Send(ctx, msg); err != nil {
			report.Failed++
			zap.L().Warn("notify: digest send failed",
				zap.String("subscriber_id", g.subscriberID), zap.Int("items", len(g.intents)), zap.Error(err))
			continue
		}

		ids := make([]string, len(g.intents))
		for i, in := range g.intents {
			ids[i] = in.ID
		}
		if err := s.store.MarkDigestConsumed(ctx, ids, now); err != nil {
			return report, eris.Wrapf(err, "notify: consume digest for %s", g.subscriberID)
		}
		report.Sent++
	}

	zap.L().Info("notify: digest sweep complete",
		zap.Int("subscribers", report.Subscribers),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

type digestGroup struct {
	subscriberID string
	email        string
	intents      []model.DigestIntent
}

// groupIntents groups by subscriber, keeping the latest email address.
func groupIntents(intents []model.DigestIntent) []digestGroup {
	idx := make(map[string]int)
	var out []digestGroup
	for _, in := range intents {
		i, ok := idx[in.SubscriberID]
		if !ok {
			i = len(out)
			idx[in.SubscriberID] = i
			out = append(out, digestGroup{subscriberID: in.SubscriberID})
		}
		out[i].email = in.Email
		out[i].intents = append(out[i].intents, in)
	}
	return out
}

// DigestSubject renders the email subject line.
func DigestSubject(intents []model.DigestIntent, now time.Time) string {
	noun := "announcements"
	if len(intents) == 1 {
		noun = "announcement"
	}
	return fmt.Sprintf("Exchange feed digest for %s: %d %s", model.DigestDate(now), len(intents), noun)
}

// DigestBody renders the plain-text digest, grouped by date then company.
func DigestBody(intents []model.DigestIntent) string {
	sorted := append([]model.DigestIntent(nil), intents...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DigestDate != sorted[j].DigestDate {
			return sorted[i].DigestDate < sorted[j].DigestDate
		}
		return sorted[i].CompanyName < sorted[j].CompanyName
	})

	var b strings.Builder
	date := ""
	for _, in := range sorted {
		if in.DigestDate != date {
			if date != "" {
				b.WriteString("\n")
			}
			date = in.DigestDate
			fmt.Fprintf(&b, "== %s ==\n", date)
		}
		name := in.CompanyName
		if name == "" {
			name = in.OwnerKey
		}
		fmt.Fprintf(&b, "\n* %s [%s] %s\n", name, categoryLabel(in.Category), in.Title)
		if in.Summary != "" {
			fmt.Fprintf(&b, "  %s\n", in.Summary)
		}
		if in.SourceURL != "" {
			fmt.Fprintf(&b, "  %s\n", in.SourceURL)
		}
	}
	return b.String()
}
