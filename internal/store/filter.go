package store

import (
	"time"

	sq "github.com/Masterminds/squirrel"
)

// applyRecordFilter adds the WHERE/LIMIT clauses for a record listing.
// timeArg converts Since into the driver's timestamp representation.
func applyRecordFilter(b sq.SelectBuilder, f RecordFilter, timeArg func(time.Time) any) sq.SelectBuilder {
	if f.OwnerKey != "" {
		b = b.Where(sq.Eq{"owner_key": f.OwnerKey})
	}
	if f.Category != "" {
		b = b.Where(sq.Eq{"category": string(f.Category)})
	}
	if !f.IncludeDuplicates {
		b = b.Where(sq.Eq{"is_duplicate": false})
	}
	if f.VerifiedOnly {
		b = b.Where(sq.Eq{"verified": true})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": timeArg(f.Since)})
	}
	return paginate(b, f.Limit, f.Offset)
}

// applyReviewFilter adds the WHERE/LIMIT clauses for a review task listing.
func applyReviewFilter(b sq.SelectBuilder, f ReviewFilter) sq.SelectBuilder {
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.ClaimedBy != "" {
		b = b.Where(sq.Eq{"claimed_by": f.ClaimedBy})
	}
	if f.OwnerKey != "" {
		b = b.Where(sq.Eq{"owner_key": f.OwnerKey})
	}
	return paginate(b, f.Limit, f.Offset)
}

func paginate(b sq.SelectBuilder, limit, offset int) sq.SelectBuilder {
	if limit <= 0 {
		limit = 100
	}
	b = b.Limit(uint64(limit))
	if offset > 0 {
		b = b.Offset(uint64(offset))
	}
	return b
}
