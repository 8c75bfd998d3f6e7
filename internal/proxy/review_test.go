package proxy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendguard/attendguard/internal/identity"
	"github.com/attendguard/attendguard/internal/pagination"
)

func decodeCursor(t *testing.T, s string) *pagination.Cursor {
	t.Helper()
	c, err := pagination.Decode(s)
	require.NoError(t, err)
	return c
}

func seed(t *testing.T, store Store, n int, mutate func(i int, v *Violation)) []*Violation {
	t.Helper()
	vs := make([]*Violation, n)
	for i := range vs {
		v := &Violation{
			ID:           uuid.NewString(),
			Kind:         KindOutsideGeofence,
			RiskScore:    60,
			Details:      "Location 600m outside allowed zone (max 500m)",
			SessionID:    "sess-1",
			StudentID:    fmt.Sprintf("s%d", i),
			StudentLabel: fmt.Sprintf("student%d@college.edu", i),
			Fingerprint:  "fp",
			OccurredAt:   t0.Add(time.Duration(i) * time.Minute),
			Status:       StatusFlagged,
			Evidence:     GeofenceEvidence{DistanceMeters: 600, RadiusMeters: 500},
		}
		if mutate != nil {
			mutate(i, v)
		}
		vs[i] = v
	}
	require.NoError(t, store.InsertViolations(context.Background(), vs))
	return vs
}

func newTestReview(store Store) *Review {
	r := NewReview(store, identity.NewMemoryDirectory(
		identity.User{ID: "s0", Name: "Asha", Email: "asha@college.edu"},
	))
	r.now = func() time.Time { return t0.Add(24 * time.Hour) }
	return r
}

func TestReview_UpdateSingle(t *testing.T) {
	store := NewMemoryStore()
	vs := seed(t, store, 1, nil)
	r := newTestReview(store)
	notes := "spoke to the student"

	got, err := r.UpdateSingle(context.Background(), vs[0].ID, ReviewRequest{Status: "confirmed", Notes: &notes, ReviewedBy: "prof-k"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, notes, got.ReviewNotes)
	assert.Equal(t, "prof-k", got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, got.ReviewedAt.Equal(t0.Add(24*time.Hour)))

	// nil notes keep the previous notes; FLAGGED is allowed on a single record
	got, err = r.UpdateSingle(context.Background(), vs[0].ID, ReviewRequest{Status: "FLAGGED"})
	require.NoError(t, err)
	assert.Equal(t, StatusFlagged, got.Status)
	assert.Equal(t, notes, got.ReviewNotes)

	// immutable fields survive
	assert.Equal(t, vs[0].Details, got.Details)
	assert.Equal(t, vs[0].RiskScore, got.RiskScore)
}

func TestReview_UpdateSingleNotifies(t *testing.T) {
	store := NewMemoryStore()
	vs := seed(t, store, 1, nil)
	n := &recordingNotifier{}
	r := newTestReview(store).WithNotifier(n)

	_, err := r.UpdateSingle(context.Background(), vs[0].ID, ReviewRequest{Status: "CLEARED", ReviewedBy: "prof-k"})
	require.NoError(t, err)
	_, err = r.UpdateSingle(context.Background(), uuid.NewString(), ReviewRequest{Status: "CLEARED"})
	require.Error(t, err)

	require.Len(t, n.got, 1)
	assert.Equal(t, vs[0].ID, n.got[0].ID)
	assert.Equal(t, StatusCleared, n.got[0].Status)
}

func TestReview_UpdateSingleErrors(t *testing.T) {
	store := NewMemoryStore()
	vs := seed(t, store, 1, nil)
	r := newTestReview(store)
	ctx := context.Background()

	_, err := r.UpdateSingle(ctx, uuid.NewString(), ReviewRequest{Status: "REVIEWED"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.UpdateSingle(ctx, vs[0].ID, ReviewRequest{Status: "ESCALATED"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = r.UpdateSingle(ctx, " ", ReviewRequest{Status: "REVIEWED"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	long := string(make([]byte, 2001))
	_, err = r.UpdateSingle(ctx, vs[0].ID, ReviewRequest{Status: "REVIEWED", Notes: &long})
	assert.ErrorIs(t, err, ErrInvalidInput)

	v, err := store.GetViolation(ctx, vs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFlagged, v.Status)
}

func TestReview_BulkUpdate(t *testing.T) {
	store := NewMemoryStore()
	vs := seed(t, store, 3, nil)
	r := newTestReview(store)
	ctx := context.Background()

	ids := []string{vs[0].ID, vs[1].ID, vs[1].ID, uuid.NewString()}
	n, err := r.BulkUpdate(ctx, ids, "cleared", "prof-k", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// idempotent
	n, err = r.BulkUpdate(ctx, ids, "CLEARED", "prof-k", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := store.CountViolations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.ByStatus[StatusCleared])
	assert.Equal(t, 1, counts.ByStatus[StatusFlagged])
}

func TestReview_BulkUpdateRejects(t *testing.T) {
	store := NewMemoryStore()
	vs := seed(t, store, 2, nil)
	r := newTestReview(store)
	ctx := context.Background()

	tests := []struct {
		name   string
		ids    []string
		status string
		want   error
	}{
		{"empty ids", []string{}, "REVIEWED", ErrInvalidInput},
		{"nil ids", nil, "REVIEWED", ErrInvalidInput},
		{"blank ids", []string{" ", "", "\t"}, "REVIEWED", ErrInvalidInput},
		{"blank ids with bad status", []string{" "}, "DELETED", ErrInvalidInput},
		{"flagged", []string{vs[0].ID}, "FLAGGED", ErrInvalidStatus},
		{"unknown status", []string{vs[0].ID}, "DELETED", ErrInvalidStatus},
		{"too many", make([]string, MaxBulkIDs+1), "REVIEWED", ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := r.BulkUpdate(ctx, tt.ids, tt.status, "prof-k", nil)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, n)
		})
	}

	counts, err := store.CountViolations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.ByStatus[StatusFlagged], "no record touched")
}

func TestReview_ListPaginates(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 5, nil)
	r := newTestReview(store)
	ctx := context.Background()

	page, err := r.List(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Violations, 2)
	assert.Equal(t, "s4", page.Violations[0].StudentID)
	assert.Equal(t, "s3", page.Violations[1].StudentID)

	var seen []string
	f := ListFilter{Limit: 2}
	for {
		p, err := r.List(ctx, f)
		require.NoError(t, err)
		for _, v := range p.Violations {
			seen = append(seen, v.StudentID)
		}
		if !p.HasMore {
			assert.Empty(t, p.NextCursor)
			break
		}
		f.Cursor = decodeCursor(t, p.NextCursor)
	}
	assert.Equal(t, []string{"s4", "s3", "s2", "s1", "s0"}, seen)
}

func TestReview_ListFilters(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 4, func(i int, v *Violation) {
		if i%2 == 1 {
			v.Kind = KindLowAccuracy
			v.Status = StatusConfirmed
		}
		if i == 3 {
			v.SessionID = "sess-2"
		}
	})
	r := newTestReview(store)
	ctx := context.Background()

	page, err := r.List(ctx, ListFilter{Kind: KindLowAccuracy})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = r.List(ctx, ListFilter{Status: StatusFlagged})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = r.List(ctx, ListFilter{Student: "STUDENT2@"})
	require.NoError(t, err)
	require.Len(t, page.Violations, 1)
	assert.Equal(t, "s2", page.Violations[0].StudentID)

	page, err = r.List(ctx, ListFilter{SessionID: "sess-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = r.List(ctx, ListFilter{From: t0.Add(time.Minute), To: t0.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = r.List(ctx, ListFilter{Kind: KindExternalRisk})
	require.NoError(t, err)
	assert.NotNil(t, page.Violations)
	assert.Empty(t, page.Violations)
}

func TestReview_Stats(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 12, func(i int, v *Violation) {
		if i < 3 {
			v.Kind = KindSharedDevice
			v.Status = StatusReviewed
		}
	})
	r := newTestReview(store)

	st, err := r.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, st.Total)

	var byStatus, byKind int
	for _, n := range st.ByStatus {
		byStatus += n
	}
	for _, n := range st.ByKind {
		byKind += n
	}
	assert.Equal(t, st.Total, byStatus)
	assert.Equal(t, st.Total, byKind)
	assert.Equal(t, 3, st.ByKind[KindSharedDevice])
	assert.Equal(t, 0, st.ByKind[KindExternalRisk])
	assert.Len(t, st.ByStatus, len(Statuses))
	assert.Len(t, st.ByKind, len(Kinds))

	require.Len(t, st.Recent, RecentLimit)
	assert.Equal(t, "s11", st.Recent[0].StudentID)

	// s0 is the oldest and not among the recent ten
	for _, rv := range st.Recent {
		assert.Empty(t, rv.StudentEmail)
	}
}

func TestReview_StatsEnrichesFromDirectory(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 1, nil)

	st, err := newTestReview(store).Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Recent, 1)
	assert.Equal(t, "Asha", st.Recent[0].StudentName)
	assert.Equal(t, "asha@college.edu", st.Recent[0].StudentEmail)
}
