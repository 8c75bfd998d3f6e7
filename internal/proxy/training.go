package proxy

import (
	"context"
	"slices"
	"time"

	"github.com/attendguard/attendguard/internal/pagination"
)

// LabeledExample is a resolved violation turned into a scorer training row.
// Label is 1 for CONFIRMED (a proxy) and 0 for CLEARED. ClientSignature is
// empty because violations do not keep it.
type LabeledExample struct {
	ViolationID string     `json:"violationId"`
	Kind        Kind       `json:"kind"`
	Label       int        `json:"label"`
	Features    Features   `json:"features"`
	OccurredAt  time.Time  `json:"occurredAt"`
	ReviewedAt  *time.Time `json:"reviewedAt,omitempty"`
}

// LabeledExamples returns up to limit resolved violations that occurred at or
// after since, newest first. Hour and weekday features are taken in loc.
func (r *Review) LabeledExamples(ctx context.Context, since time.Time, limit int, loc *time.Location) ([]LabeledExample, error) {
	limit = pagination.ClampLimit(limit)

	var resolved []*Violation
	for _, st := range []Status{StatusConfirmed, StatusCleared} {
		vs, _, err := r.store.ListViolations(ctx, ListFilter{Status: st, From: since, Limit: limit})
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, vs...)
	}
	slices.SortFunc(resolved, func(a, b *Violation) int {
		return b.OccurredAt.Compare(a.OccurredAt)
	})
	if len(resolved) > limit {
		resolved = resolved[:limit]
	}

	out := make([]LabeledExample, 0, len(resolved))
	for _, v := range resolved {
		e := &Event{
			Location:   v.Location,
			OccurredAt: v.OccurredAt,
		}
		e.Request.NetworkAddress = v.NetworkAddress
		ex := LabeledExample{
			ViolationID: v.ID,
			Kind:        v.Kind,
			Features:    FeaturesFor(e, v.Fingerprint, loc),
			OccurredAt:  v.OccurredAt,
			ReviewedAt:  v.ReviewedAt,
		}
		if v.Status == StatusConfirmed {
			ex.Label = 1
		}
		out = append(out, ex)
	}
	return out, nil
}
