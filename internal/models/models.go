package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level is a confidentiality tier, 1 (public) through 4 (highly sensitive).
type Level int

const (
	LevelPublic       Level = 1
	LevelInternal     Level = 2
	LevelConfidential Level = 3
	LevelRestricted   Level = 4
)

const (
	MinLevel = LevelPublic
	MaxLevel = LevelRestricted

	// DefaultLevel is assigned when no classification rule matches.
	DefaultLevel = LevelInternal

	// ReviewThreshold is the lowest level that cannot become binding without review.
	ReviewThreshold = LevelConfidential
)

func (l Level) Valid() bool {
	return l >= MinLevel && l <= MaxLevel
}

// String renders the level with its C-prefixed label, e.g. "C3".
func (l Level) String() string {
	return "C" + strconv.Itoa(int(l))
}

func (l Level) Description() string {
	switch l {
	case LevelPublic:
		return "public data"
	case LevelInternal:
		return "internal data"
	case LevelConfidential:
		return "confidential data"
	case LevelRestricted:
		return "highly sensitive data"
	default:
		return "unknown"
	}
}

// ParseLevel accepts "C3", "c3" or "3".
func ParseLevel(s string) (Level, error) {
	raw := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "C")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, NewValidationError("level", fmt.Sprintf("invalid level %q", s))
	}
	l := Level(n)
	if !l.Valid() {
		return 0, NewValidationError("level", fmt.Sprintf("level %d out of range [%d,%d]", n, MinLevel, MaxLevel))
	}
	return l, nil
}

// LevelPtr returns a pointer to a copy of l.
func LevelPtr(l Level) *Level {
	return &l
}

// CloneLevel copies a nullable level so the result does not alias p.
func CloneLevel(p *Level) *Level {
	return clonePtr(p)
}

type Status string

const (
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusActive        Status = "ACTIVE"
)

type Method string

const (
	MethodAuto   Method = "AUTO"
	MethodManual Method = "MANUAL"
	MethodReview Method = "REVIEW"
)

// DataAsset is one inventoried data element. SensitivityLevel only ever
// changes through an approved review or an automatic commit; FinalLevel may
// hold a proposal that is still awaiting review.
type DataAsset struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	Name                 string     `json:"name" db:"name"`
	AssetType            string     `json:"asset_type" db:"asset_type"`
	SensitivityLevel     *Level     `json:"sensitivity_level,omitempty" db:"sensitivity_level"`
	ManualLevel          *Level     `json:"manual_level,omitempty" db:"manual_level"`
	FinalLevel           *Level     `json:"final_level,omitempty" db:"final_level"`
	Status               Status     `json:"status" db:"status"`
	ClassificationMethod Method     `json:"classification_method,omitempty" db:"classification_method"`
	ClassificationBasis  string     `json:"classification_basis,omitempty" db:"classification_basis"`
	NeedsCorrection      bool       `json:"needs_correction" db:"needs_correction"`
	SubmittedBy          string     `json:"submitted_by,omitempty" db:"submitted_by"`
	ReviewerID           string     `json:"reviewer_id,omitempty" db:"reviewer_id"`
	ReviewComment        string     `json:"review_comment,omitempty" db:"review_comment"`
	Version              int64      `json:"version" db:"version"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
	SubmittedAt          *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
	ReviewedAt           *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing level pointers.
func (a *DataAsset) Clone() *DataAsset {
	if a == nil {
		return nil
	}
	c := *a
	c.SensitivityLevel = clonePtr(a.SensitivityLevel)
	c.ManualLevel = clonePtr(a.ManualLevel)
	c.FinalLevel = clonePtr(a.FinalLevel)
	c.SubmittedAt = clonePtr(a.SubmittedAt)
	c.ReviewedAt = clonePtr(a.ReviewedAt)
	return &c
}

// EffectiveLevel is the level currently proposed or in force, falling back
// to the approved level when nothing is staged.
func (a *DataAsset) EffectiveLevel() *Level {
	if a.FinalLevel != nil {
		return a.FinalLevel
	}
	return a.SensitivityLevel
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ClassificationRule is an ordered predicate. Rules are evaluated in
// Position order; the first rule whose filters all match wins.
type ClassificationRule struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Description    string    `json:"description,omitempty" db:"description"`
	Position       int       `json:"position" db:"position"`
	Enabled        bool      `json:"enabled" db:"enabled"`
	AssetType      string    `json:"asset_type,omitempty" db:"asset_type"`
	FieldPattern   string    `json:"field_pattern,omitempty" db:"field_pattern"`
	ContentPattern string    `json:"content_pattern,omitempty" db:"content_pattern"`
	Level          Level     `json:"level" db:"level"`
	CreatedBy      string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// IsCatchAll reports whether the rule has no filters and so matches every asset.
func (r *ClassificationRule) IsCatchAll() bool {
	return r.AssetType == "" && r.FieldPattern == "" && r.ContentPattern == ""
}

// ClassificationHistory is an immutable record of one committed level change.
type ClassificationHistory struct {
	ID         uuid.UUID `json:"id" db:"id"`
	AssetID    uuid.UUID `json:"asset_id" db:"asset_id"`
	OldLevel   *Level    `json:"old_level,omitempty" db:"old_level"`
	NewLevel   Level     `json:"new_level" db:"new_level"`
	Method     Method    `json:"method" db:"method"`
	Reason     string    `json:"reason,omitempty" db:"reason"`
	OperatorID string    `json:"operator_id" db:"operator_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// BatchFailure describes one item of a batch operation that did not commit.
type BatchFailure struct {
	AssetID uuid.UUID `json:"asset_id"`
	Level   *Level    `json:"level,omitempty"`
	Error   string    `json:"error"`
	// Skipped marks an item left alone because of its state rather than an error.
	Skipped bool `json:"skipped,omitempty"`
}

// BatchResult is the tally returned by every batch entry point. A batch
// never rolls back items that already committed.
type BatchResult struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failures  []BatchFailure `json:"failures,omitempty"`
}

func (r *BatchResult) Fail(id uuid.UUID, level *Level, err error) {
	r.Failures = append(r.Failures, BatchFailure{AssetID: id, Level: level, Error: err.Error()})
}

func (r *BatchResult) Skip(id uuid.UUID, err error) {
	r.Failures = append(r.Failures, BatchFailure{AssetID: id, Error: err.Error(), Skipped: true})
}

// Page is a slice of results plus paging metadata.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
}
