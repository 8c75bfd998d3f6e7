package proxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/attendguard/attendguard/internal/identity"
	"github.com/attendguard/attendguard/internal/logging"
	"github.com/attendguard/attendguard/internal/metrics"
	"github.com/attendguard/attendguard/internal/pagination"
)

const (
	// MaxBulkIDs caps one bulk update.
	MaxBulkIDs = 1000
	// RecentLimit is how many recent violations Stats returns.
	RecentLimit = 10
)

// bulkStatuses are the targets allowed for bulk updates; FLAGGED is not one.
var bulkStatuses = map[Status]bool{StatusReviewed: true, StatusCleared: true, StatusConfirmed: true}

// ReviewRequest is a reviewer's decision on one or more violations.
type ReviewRequest struct {
	Status     string  `json:"status" binding:"required"`
	Notes      *string `json:"notes"`
	ReviewedBy string  `json:"-"`
}

// BulkReviewRequest applies one decision to many violations.
type BulkReviewRequest struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status" binding:"required"`
	Notes  *string  `json:"notes"`
}

// Page is one page of a listing.
type Page struct {
	Violations []*Violation `json:"violations"`
	Total      int          `json:"total"`
	NextCursor string       `json:"nextCursor,omitempty"`
	HasMore    bool         `json:"hasMore"`
}

// RecentViolation is a violation enriched with directory data.
type RecentViolation struct {
	*Violation
	StudentName  string `json:"studentName,omitempty"`
	StudentEmail string `json:"studentEmail,omitempty"`
}

// Stats summarizes every violation for the dashboard.
type Stats struct {
	Total    int               `json:"total"`
	ByStatus map[Status]int    `json:"byStatus"`
	ByKind   map[Kind]int      `json:"byKind"`
	Recent   []RecentViolation `json:"recent"`
}

// ReviewNotifier is told about every single-record review decision.
type ReviewNotifier interface {
	NotifyReviewed(v *Violation)
}

// Review implements the human review workflow.
type Review struct {
	store     Store
	directory identity.Directory
	notifier  ReviewNotifier
	now       func() time.Time
}

// NewReview creates the review service. directory may be nil.
func NewReview(store Store, directory identity.Directory) *Review {
	return &Review{store: store, directory: directory, now: time.Now}
}

// WithNotifier publishes review decisions to the live feed.
func (r *Review) WithNotifier(n ReviewNotifier) *Review {
	r.notifier = n
	return r
}

// Get returns one violation.
func (r *Review) Get(ctx context.Context, id string) (*Violation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return r.store.GetViolation(ctx, id)
}

// UpdateSingle sets any of the four statuses on one violation.
func (r *Review) UpdateSingle(ctx context.Context, id string, req ReviewRequest) (*Violation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		return nil, err
	}
	patch, err := r.patch(status, req.Notes, req.ReviewedBy)
	if err != nil {
		return nil, err
	}

	v, err := r.store.UpdateReview(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	metrics.ReviewUpdatesTotal.WithLabelValues(string(status)).Inc()
	logging.L(ctx).Info("violation reviewed", "id", id, "status", status, "reviewed_by", patch.ReviewedBy)
	if r.notifier != nil {
		r.notifier.NotifyReviewed(v)
	}
	return v, nil
}

// BulkUpdate applies REVIEWED, CLEARED or CONFIRMED to every listed id.
// Unknown ids are skipped; the number of updated records is returned.
func (r *Review) BulkUpdate(ctx context.Context, ids []string, status, reviewedBy string, notes *string) (int64, error) {
	if len(ids) > MaxBulkIDs {
		return 0, fmt.Errorf("%w: at most %d ids per bulk update", ErrInvalidInput, MaxBulkIDs)
	}
	unique := dedupe(ids)
	if len(unique) == 0 {
		return 0, fmt.Errorf("%w: ids must not be empty", ErrInvalidInput)
	}
	st, err := ParseStatus(status)
	if err != nil {
		return 0, err
	}
	if !bulkStatuses[st] {
		return 0, fmt.Errorf("%w: %s cannot be applied in bulk", ErrInvalidStatus, st)
	}
	patch, err := r.patch(st, notes, reviewedBy)
	if err != nil {
		return 0, err
	}

	n, err := r.store.BulkUpdateReview(ctx, unique, patch)
	if err != nil {
		return 0, err
	}
	metrics.ReviewUpdatesTotal.WithLabelValues(string(st)).Add(float64(n))
	logging.L(ctx).Info("violations bulk reviewed", "requested", len(ids), "updated", n, "status", st)
	return n, nil
}

func (r *Review) patch(st Status, notes *string, reviewedBy string) (ReviewPatch, error) {
	if notes != nil && len(*notes) > 2000 {
		return ReviewPatch{}, fmt.Errorf("%w: notes exceed 2000 characters", ErrInvalidInput)
	}
	return ReviewPatch{
		Status:     st,
		Notes:      notes,
		ReviewedBy: strings.TrimSpace(reviewedBy),
		At:         r.now().UTC(),
	}, nil
}

// List returns one page of matching violations, newest first.
func (r *Review) List(ctx context.Context, f ListFilter) (*Page, error) {
	limit := pagination.ClampLimit(f.Limit)
	f.Limit = limit + 1

	vs, total, err := r.store.ListViolations(ctx, f)
	if err != nil {
		return nil, err
	}
	vs, next, more := pagination.ComputePage(vs, limit, func(v *Violation) (time.Time, string) {
		return v.OccurredAt, v.ID
	})
	if vs == nil {
		vs = []*Violation{}
	}
	return &Page{Violations: vs, Total: total, NextCursor: next, HasMore: more}, nil
}

// Stats returns counts by status and kind plus the most recent violations.
func (r *Review) Stats(ctx context.Context) (*Stats, error) {
	counts, err := r.store.CountViolations(ctx)
	if err != nil {
		return nil, err
	}
	recent, _, err := r.store.ListViolations(ctx, ListFilter{Limit: RecentLimit})
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Total:    counts.Total,
		ByStatus: counts.ByStatus,
		ByKind:   counts.ByKind,
		Recent:   make([]RecentViolation, 0, len(recent)),
	}
	for _, v := range recent {
		rv := RecentViolation{Violation: v}
		if u := r.lookup(ctx, v.StudentID); u != nil {
			rv.StudentName, rv.StudentEmail = u.Name, u.Email
		}
		st.Recent = append(st.Recent, rv)
	}
	return st, nil
}

func (r *Review) lookup(ctx context.Context, id string) *identity.User {
	if r.directory == nil {
		return nil
	}
	u, err := r.directory.FindUserByID(ctx, id)
	if err != nil {
		return nil
	}
	return u
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
