package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Announcement is a disclosure published by an exchange on behalf of a
// listed company.
type Announcement struct {
	SourceID    string    `json:"source_id"`
	SourceURL   string    `json:"source_url"`
	Exchange    string    `json:"exchange"`
	OwnerKey    string    `json:"owner_key"` // company identifier, e.g. ISIN
	CompanyName string    `json:"company_name"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
	Text        string    `json:"text,omitempty"`
}

// CategoryKind is the business category assigned by classification.
type CategoryKind string

const (
	CategoryResults      CategoryKind = "results"
	CategoryDividend     CategoryKind = "dividend"
	CategoryBoardChange  CategoryKind = "board_change"
	CategoryMerger       CategoryKind = "merger_acquisition"
	CategoryCapitalRaise CategoryKind = "capital_raise"
	CategoryGuidance     CategoryKind = "guidance"
	CategoryRegulatory   CategoryKind = "regulatory"
	CategoryOther        CategoryKind = "other"

	// CategoryError is the sentinel for "classification produced no usable
	// result". It is never a valid business outcome.
	CategoryError CategoryKind = "error"
)

// CategoryKinds lists the valid business categories.
var CategoryKinds = []CategoryKind{
	CategoryResults, CategoryDividend, CategoryBoardChange, CategoryMerger,
	CategoryCapitalRaise, CategoryGuidance, CategoryRegulatory, CategoryOther,
}

// ParseCategoryKind matches s against the valid categories, case-insensitively.
func ParseCategoryKind(s string) (CategoryKind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range CategoryKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Category is either Valid(kind) or Error(reason).
type Category struct {
	Kind   CategoryKind `json:"kind"`
	Reason string       `json:"reason,omitempty"`
}

// ValidCategory returns a usable category.
func ValidCategory(kind CategoryKind) Category { return Category{Kind: kind} }

// ErrorCategory returns the failure sentinel with a reason.
func ErrorCategory(reason string) Category {
	return Category{Kind: CategoryError, Reason: reason}
}

// IsError reports whether c is the failure sentinel.
func (c Category) IsError() bool { return c.Kind == CategoryError }

func (c Category) String() string {
	if c.IsError() && c.Reason != "" {
		return string(c.Kind) + "(" + c.Reason + ")"
	}
	return string(c.Kind)
}

// Classification is the result returned by a classification provider.
type Classification struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary"`
	Model      string   `json:"model,omitempty"`
}

// ClassifiedRecord is an announcement plus its classification, as it flows
// through Dedup and Persist and as it is stored.
type ClassifiedRecord struct {
	ID           string       `json:"id"`
	Announcement Announcement `json:"announcement"`
	Category     Category     `json:"category"`
	Confidence   float64      `json:"confidence"`
	Summary      string       `json:"summary"`
	Model        string       `json:"model,omitempty"`
	Fingerprint  string       `json:"fingerprint"`
	SizeBytes    int64        `json:"size_bytes"`
	OriginJobID  string       `json:"origin_job_id,omitempty"`
	IsDuplicate  bool         `json:"is_duplicate"`
	DuplicateOf  string       `json:"duplicate_of,omitempty"`
	Verified     bool         `json:"verified"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// recordNamespace scopes name-based record ids.
var recordNamespace = uuid.MustParse("6f1c2b8e-4d0a-4c7e-9a55-0e3f1d8b2a71")

// RecordID derives the stable record id for the natural key
// (ownerKey, sourceID). Replays of the same document map to the same id.
func RecordID(ownerKey, sourceID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(ownerKey+"\x00"+sourceID)).String()
}

// NewClassifiedRecord combines an announcement with its classification.
func NewClassifiedRecord(a Announcement, c Classification, fingerprint string, size int64) ClassifiedRecord {
	a.Text = ""
	return ClassifiedRecord{
		ID:           RecordID(a.OwnerKey, a.SourceID),
		Announcement: a,
		Category:     c.Category,
		Confidence:   c.Confidence,
		Summary:      c.Summary,
		Model:        c.Model,
		Fingerprint:  fingerprint,
		SizeBytes:    size,
	}
}

// OwnerKey is a shorthand for the announcement's owner key.
func (r ClassifiedRecord) OwnerKey() string { return r.Announcement.OwnerKey }

// Editable record fields exposed to reviewers.
const (
	FieldTitle       = "title"
	FieldSummary     = "summary"
	FieldCategory    = "category"
	FieldCompanyName = "company_name"
)

// EditableFields lists the fields a reviewer may change.
var EditableFields = []string{FieldTitle, FieldSummary, FieldCategory, FieldCompanyName}

// ErrUnknownField is returned for edits to a field reviewers cannot change.
var ErrUnknownField = eris.New("model: unknown editable field")

// RecordFields is the reviewer-editable projection of a record. Review
// tasks keep one as their working copy.
type RecordFields struct {
	Title       string       `json:"title"`
	Summary     string       `json:"summary"`
	Category    CategoryKind `json:"category"`
	CompanyName string       `json:"company_name"`
}

// Fields extracts the editable projection of r.
func (r ClassifiedRecord) Fields() RecordFields {
	return RecordFields{
		Title:       r.Announcement.Title,
		Summary:     r.Summary,
		Category:    r.Category.Kind,
		CompanyName: r.Announcement.CompanyName,
	}
}

// Apply writes the editable projection back onto r.
func (r ClassifiedRecord) Apply(f RecordFields) ClassifiedRecord {
	r.Announcement.Title = f.Title
	r.Summary = f.Summary
	r.Announcement.CompanyName = f.CompanyName
	if f.Category != r.Category.Kind {
		if f.Category == CategoryError {
			r.Category = ErrorCategory("set by reviewer")
		} else {
			r.Category = ValidCategory(f.Category)
		}
	}
	return r
}

// Get returns the current value of the named field.
func (f RecordFields) Get(field string) (string, error) {
	switch field {
	case FieldTitle:
		return f.Title, nil
	case FieldSummary:
		return f.Summary, nil
	case FieldCategory:
		return string(f.Category), nil
	case FieldCompanyName:
		return f.CompanyName, nil
	}
	return "", eris.Wrapf(ErrUnknownField, "%q", field)
}

// Set returns a copy with the named field replaced. Category values must
// name a valid category.
func (f RecordFields) Set(field, value string) (RecordFields, error) {
	switch field {
	case FieldTitle:
		f.Title = value
	case FieldSummary:
		f.Summary = value
	case FieldCategory:
		kind, ok := ParseCategoryKind(value)
		if !ok {
			return f, eris.Errorf("model: invalid category %q", value)
		}
		f.Category = kind
	case FieldCompanyName:
		f.CompanyName = value
	default:
		return f, eris.Wrapf(ErrUnknownField, "%q", field)
	}
	return f, nil
}

// MarshalFields encodes a working copy for storage.
func MarshalFields(f RecordFields) ([]byte, error) {
	b, err := json.Marshal(f)
	return b, eris.Wrap(err, "model: marshal record fields")
}
