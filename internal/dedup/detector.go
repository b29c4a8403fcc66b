// Package dedup detects repeat sightings of the same document content for
// an owner. The compare-and-register step runs inside the store so that
// concurrent workers agree on which sighting is the original.
package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/resilience"
)

// Registry is the storage operation the detector relies on. It must insert
// the first sighting or detect the conflict atomically.
type Registry interface {
	RegisterFingerprint(ctx context.Context, s model.Sighting, at time.Time) (model.DedupResult, error)
}

// Detector answers "seen before?" for (owner key, fingerprint) pairs.
type Detector struct {
	reg Registry
	now func() time.Time
}

// New creates a Detector backed by reg.
func New(reg Registry) *Detector {
	return &Detector{reg: reg, now: time.Now}
}

// CheckAndRegister records the sighting and reports whether the content
// was already registered for the owner. The first sighting the store
// accepts is the original; every later one is a duplicate that increments
// the duplicate count once per distinct source.
func (d *Detector) CheckAndRegister(ctx context.Context, s model.Sighting) (model.DedupResult, error) {
	s.OwnerKey = strings.TrimSpace(s.OwnerKey)
	switch {
	case s.OwnerKey == "":
		return model.DedupResult{}, resilience.Terminal(eris.New("dedup: owner key is required"))
	case len(s.Fingerprint) != 64:
		return model.DedupResult{}, resilience.Terminal(eris.Errorf("dedup: malformed fingerprint %q", s.Fingerprint))
	case s.SourceID == "":
		return model.DedupResult{}, resilience.Terminal(eris.New("dedup: source id is required"))
	}

	res, err := d.reg.RegisterFingerprint(ctx, s, d.now().UTC())
	if err != nil {
		return model.DedupResult{}, eris.Wrapf(err, "dedup: register %s for %s", s.Fingerprint, s.OwnerKey)
	}
	if res.IsDuplicate {
		zap.L().Debug("dedup: duplicate sighting",
			zap.String("owner_key", s.OwnerKey),
			zap.String("fingerprint", s.Fingerprint),
			zap.String("origin_job_id", res.OriginJobID),
			zap.Int("duplicate_count", res.DuplicateCount),
		)
	}
	return res, nil
}

// Mark copies a registration outcome onto rec. Duplicates keep flowing to
// storage for audit; the flag hides them from default queries.
func Mark(rec model.ClassifiedRecord, res model.DedupResult) model.ClassifiedRecord {
	rec.OriginJobID = res.OriginJobID
	rec.IsDuplicate = res.IsDuplicate
	rec.DuplicateOf = ""
	if res.IsDuplicate {
		rec.DuplicateOf = res.OriginJobID
	}
	return rec
}
