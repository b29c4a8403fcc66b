// Package guard decides whether a classified record may be written to
// durable storage. Every storage boundary consults it.
package guard

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/exchange-feed/internal/model"
)

// ErrRejected is wrapped by every guard rejection.
var ErrRejected = eris.New("guard: record rejected")

// Decision is the outcome of a guard check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluate inspects rec without side effects.
func Evaluate(rec model.ClassifiedRecord) Decision {
	if rec.Category.IsError() {
		reason := "classification failed"
		if rec.Category.Reason != "" {
			reason += ": " + rec.Category.Reason
		}
		return Decision{Reason: reason}
	}
	if _, ok := model.ParseCategoryKind(string(rec.Category.Kind)); !ok {
		return Decision{Reason: "unknown category " + string(rec.Category.Kind)}
	}

	var missing []string
	if rec.Announcement.OwnerKey == "" {
		missing = append(missing, "owner_key")
	}
	if rec.Announcement.SourceID == "" {
		missing = append(missing, "source_id")
	}
	if strings.TrimSpace(rec.Announcement.Title) == "" {
		missing = append(missing, "title")
	}
	if rec.Fingerprint == "" {
		missing = append(missing, "fingerprint")
	}
	if len(missing) > 0 {
		return Decision{Reason: "missing " + strings.Join(missing, ", ")}
	}
	return Decision{Allowed: true}
}

// Allow reports whether rec may be persisted.
func Allow(rec model.ClassifiedRecord) bool { return Evaluate(rec).Allowed }

// Check returns nil when rec may be persisted and an error wrapping
// ErrRejected otherwise. boundary names the caller for the error message.
func Check(boundary string, rec model.ClassifiedRecord) error {
	d := Evaluate(rec)
	if d.Allowed {
		return nil
	}
	return eris.Wrapf(ErrRejected, "%s: record %s (%s)", boundary, rec.ID, d.Reason)
}
