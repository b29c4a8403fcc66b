package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/model"
)

func goodRecord() model.ClassifiedRecord {
	return model.ClassifiedRecord{
		ID: "r1",
		Announcement: model.Announcement{
			SourceID: "doc-1",
			OwnerKey: "ISIN-X",
			Title:    "Interim dividend",
		},
		Category:    model.ValidCategory(model.CategoryDividend),
		Fingerprint: "abc",
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*model.ClassifiedRecord)
		allowed bool
		reason  string
	}{
		{"valid", func(*model.ClassifiedRecord) {}, true, ""},
		{"error sentinel", func(r *model.ClassifiedRecord) { r.Category = model.ErrorCategory("timeout") }, false, "classification failed: timeout"},
		{"error sentinel without reason", func(r *model.ClassifiedRecord) { r.Category = model.Category{Kind: model.CategoryError} }, false, "classification failed"},
		{"empty category", func(r *model.ClassifiedRecord) { r.Category = model.Category{} }, false, "unknown category"},
		{"made-up category", func(r *model.ClassifiedRecord) { r.Category = model.ValidCategory("rumour") }, false, "unknown category rumour"},
		{"missing owner", func(r *model.ClassifiedRecord) { r.Announcement.OwnerKey = "" }, false, "missing owner_key"},
		{"blank title", func(r *model.ClassifiedRecord) { r.Announcement.Title = "  " }, false, "missing title"},
		{"missing several", func(r *model.ClassifiedRecord) {
			r.Announcement.SourceID = ""
			r.Fingerprint = ""
		}, false, "missing source_id, fingerprint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := goodRecord()
			tt.mutate(&rec)
			d := Evaluate(rec)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.allowed, Allow(rec))
			if !tt.allowed {
				assert.Contains(t, d.Reason, tt.reason)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	require.NoError(t, Check("persist", goodRecord()))

	rec := goodRecord()
	rec.Category = model.ErrorCategory("unparseable")
	err := Check("persist", rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "persist")
	assert.Contains(t, err.Error(), "unparseable")
}
