// Package proxy decides whether an attendance mark looks like proxy
// attendance and manages the resulting violation records.
//
// Flow:
//  1. The attendance subsystem records a mark and hands the event to the Dispatcher.
//  2. A Verifier snapshots recent sightings for the device and the student,
//     asks the external risk signal for an opinion, and runs every Rule.
//  3. Each rule that fires becomes a FLAGGED Violation.
//  4. The event itself is appended as a Sighting for later correlation.
//  5. Reviewers move violations through REVIEWED, CLEARED and CONFIRMED.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attendguard/attendguard/internal/fingerprint"
	"github.com/attendguard/attendguard/internal/geo"
	"github.com/attendguard/attendguard/internal/pagination"
	"github.com/attendguard/attendguard/internal/validation"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidStatus     = fmt.Errorf("%w: unsupported status for this operation", ErrInvalidInput)
	ErrNotFound          = errors.New("violation not found")
	ErrStoreUnavailable  = errors.New("violation store unavailable")
	ErrScorerUnavailable = errors.New("risk scorer unavailable")
	ErrQueueFull         = errors.New("verification queue full")
)

// Kind names the signal a violation was raised for.
type Kind string

const (
	KindOutsideGeofence  Kind = "OUTSIDE_GEOFENCE"
	KindLowAccuracy      Kind = "LOW_LOCATION_ACCURACY"
	KindSharedDevice     Kind = "MULTI_IDENTITY_SAME_DEVICE"
	KindSharedIdentity   Kind = "MULTI_DEVICE_SAME_IDENTITY"
	KindImpossibleTravel Kind = "IMPOSSIBLE_TRAVEL"
	KindExternalRisk     Kind = "EXTERNAL_RISK_HIGH"
)

// Kinds lists every violation kind in display order.
var Kinds = []Kind{
	KindOutsideGeofence,
	KindLowAccuracy,
	KindSharedDevice,
	KindSharedIdentity,
	KindImpossibleTravel,
	KindExternalRisk,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status is the review state of a violation.
type Status string

const (
	StatusFlagged   Status = "FLAGGED" // initial state of every new record
	StatusReviewed  Status = "REVIEWED"
	StatusCleared   Status = "CLEARED"
	StatusConfirmed Status = "CONFIRMED"
)

// Statuses lists every review status.
var Statuses = []Status{StatusFlagged, StatusReviewed, StatusCleared, StatusConfirmed}

// ParseStatus accepts any letter case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// ParseKind accepts any letter case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown violation kind %q", ErrInvalidInput, s)
	}
	return k, nil
}

// LocationFix is a reported GPS position. AccuracyMeters of zero means the
// client did not report an accuracy.
type LocationFix struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracyMeters,omitempty"`
}

// Point returns the fix as a geo.Point.
func (f LocationFix) Point() geo.Point {
	return geo.Point{Lat: f.Lat, Lng: f.Lng}
}

// Event is one attendance mark to verify. It is never persisted as such.
type Event struct {
	SessionID     string              `json:"sessionId"`
	StudentID     string              `json:"studentId"`
	StudentLabel  string              `json:"studentLabel,omitempty"`
	Location      *LocationFix        `json:"location,omitempty"`
	Request       fingerprint.Context `json:"requestContext"`
	OccurredAt    time.Time           `json:"occurredAt"`
	AttendanceRef string              `json:"attendanceRef,omitempty"`
}

// Validate rejects events the rules cannot reason about.
func (e *Event) Validate() error {
	checks := []func() *validation.ValidationError{
		validation.Required("sessionId", e.SessionID),
		validation.Required("studentId", e.StudentID),
		validation.MaxLength("studentLabel", e.StudentLabel, validation.MaxStringLength),
	}
	if e.Location != nil {
		checks = append(checks,
			validation.Latitude("location.lat", e.Location.Lat),
			validation.Longitude("location.lng", e.Location.Lng),
			validation.NonNegative("location.accuracyMeters", e.Location.AccuracyMeters),
		)
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurredAt is required", ErrInvalidInput)
	}
	return nil
}

// Violation is a persisted, reviewable finding. Only the review fields
// (Status, ReviewNotes, ReviewedBy, ReviewedAt) change after creation.
type Violation struct {
	ID                  string       `json:"id"`
	Kind                Kind         `json:"kind"`
	RiskScore           float64      `json:"riskScore"`
	Details             string       `json:"details"`
	SessionID           string       `json:"sessionId"`
	StudentID           string       `json:"studentId"`
	StudentLabel        string       `json:"studentLabel"`
	AttendanceRef       string       `json:"attendanceRef,omitempty"`
	Fingerprint         string       `json:"fingerprint"`
	NetworkAddress      string       `json:"networkAddress,omitempty"`
	Location            *LocationFix `json:"location,omitempty"`
	ExternalProbability *float64     `json:"externalProbability,omitempty"`
	Evidence            Evidence     `json:"evidence"`
	OccurredAt          time.Time    `json:"occurredAt"`
	Status              Status       `json:"status"`
	ReviewNotes         string       `json:"reviewNotes,omitempty"`
	ReviewedBy          string       `json:"reviewedBy,omitempty"`
	ReviewedAt          *time.Time   `json:"reviewedAt,omitempty"`
}

// UnmarshalJSON restores the concrete Evidence type from the kind.
func (v *Violation) UnmarshalJSON(b []byte) error {
	type alias Violation
	aux := struct {
		*alias
		Evidence json.RawMessage `json:"evidence"`
	}{alias: (*alias)(v)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	ev, err := DecodeEvidence(v.Kind, aux.Evidence)
	if err != nil {
		return err
	}
	v.Evidence = ev
	return nil
}

func (v *Violation) clone() *Violation {
	c := *v
	if v.Location != nil {
		loc := *v.Location
		c.Location = &loc
	}
	if v.ExternalProbability != nil {
		p := *v.ExternalProbability
		c.ExternalProbability = &p
	}
	if v.ReviewedAt != nil {
		at := *v.ReviewedAt
		c.ReviewedAt = &at
	}
	return &c
}

// Sighting is the correlation trail entry left by every verified event.
type Sighting struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	StudentID   string       `json:"studentId"`
	Fingerprint string       `json:"fingerprint"`
	Location    *LocationFix `json:"location,omitempty"`
	OccurredAt  time.Time    `json:"occurredAt"`
}

// CorrelationStore answers the windowed reads the rules run against.
// Reads cover [since, before): a sighting stamped exactly at before is excluded.
type CorrelationStore interface {
	SightingsByFingerprint(ctx context.Context, fp string, since, before time.Time) ([]Sighting, error)
	SightingsByStudent(ctx context.Context, studentID string, since, before time.Time) ([]Sighting, error)
	RecordSighting(ctx context.Context, s *Sighting) error
	PruneSightings(ctx context.Context, before time.Time) (int64, error)
}

// ReviewPatch is a reviewer's change. A nil Notes keeps existing notes.
type ReviewPatch struct {
	Status     Status
	Notes      *string
	ReviewedBy string
	At         time.Time
}

// ListFilter selects violations. Zero values mean "any".
type ListFilter struct {
	Status    Status
	Kind      Kind
	Student   string // case-insensitive substring of label or id
	SessionID string
	From      time.Time // inclusive
	To        time.Time // exclusive
	Limit     int
	Cursor    *pagination.Cursor
}

// Counts aggregates violations by review status and kind.
type Counts struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
	ByKind   map[Kind]int   `json:"byKind"`
}

// Store persists violations and the sighting trail.
type Store interface {
	CorrelationStore

	InsertViolations(ctx context.Context, vs []*Violation) error
	GetViolation(ctx context.Context, id string) (*Violation, error)
	UpdateReview(ctx context.Context, id string, patch ReviewPatch) (*Violation, error)
	// BulkUpdateReview applies patch to every existing id and returns how many
	// records it touched. Unknown ids are skipped.
	BulkUpdateReview(ctx context.Context, ids []string, patch ReviewPatch) (int64, error)
	// ListViolations returns up to f.Limit matches newest first, plus the
	// number of matches ignoring Limit and Cursor.
	ListViolations(ctx context.Context, f ListFilter) ([]*Violation, int, error)
	CountViolations(ctx context.Context) (*Counts, error)
	Ping(ctx context.Context) error
}

func newCounts() *Counts {
	c := &Counts{ByStatus: make(map[Status]int, len(Statuses)), ByKind: make(map[Kind]int, len(Kinds))}
	for _, s := range Statuses {
		c.ByStatus[s] = 0
	}
	for _, k := range Kinds {
		c.ByKind[k] = 0
	}
	return c
}
