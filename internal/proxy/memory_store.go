package proxy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	violations map[string]*Violation
	sightings  []Sighting
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{violations: make(map[string]*Violation)}
}

func (m *MemoryStore) InsertViolations(_ context.Context, vs []*Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vs {
		m.violations[v.ID] = v.clone()
	}
	return nil
}

func (m *MemoryStore) GetViolation(_ context.Context, id string) (*Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.violations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v.clone(), nil
}

func (m *MemoryStore) UpdateReview(_ context.Context, id string, patch ReviewPatch) (*Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.violations[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyPatch(v, patch)
	return v.clone(), nil
}

func (m *MemoryStore) BulkUpdateReview(_ context.Context, ids []string, patch ReviewPatch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if v, ok := m.violations[id]; ok {
			applyPatch(v, patch)
			n++
		}
	}
	return n, nil
}

func applyPatch(v *Violation, p ReviewPatch) {
	v.Status = p.Status
	if p.Notes != nil {
		v.ReviewNotes = *p.Notes
	}
	v.ReviewedBy = p.ReviewedBy
	at := p.At
	v.ReviewedAt = &at
}

func (m *MemoryStore) ListViolations(_ context.Context, f ListFilter) ([]*Violation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	student := strings.ToLower(f.Student)
	var matched []*Violation
	for _, v := range m.violations {
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Kind != "" && v.Kind != f.Kind {
			continue
		}
		if f.SessionID != "" && v.SessionID != f.SessionID {
			continue
		}
		if student != "" &&
			!strings.Contains(strings.ToLower(v.StudentLabel), student) &&
			!strings.Contains(strings.ToLower(v.StudentID), student) {
			continue
		}
		if !f.From.IsZero() && v.OccurredAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !v.OccurredAt.Before(f.To) {
			continue
		}
		matched = append(matched, v)
	}
	total := len(matched)

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.OccurredAt.Equal(b.OccurredAt) {
			return a.ID > b.ID
		}
		return a.OccurredAt.After(b.OccurredAt)
	})

	out := make([]*Violation, 0, len(matched))
	for _, v := range matched {
		if f.Cursor != nil && !f.Cursor.Before(v.OccurredAt, v.ID) {
			continue
		}
		out = append(out, v.clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, total, nil
}

func (m *MemoryStore) CountViolations(_ context.Context) (*Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := newCounts()
	for _, v := range m.violations {
		c.Total++
		c.ByStatus[v.Status]++
		c.ByKind[v.Kind]++
	}
	return c, nil
}

func (m *MemoryStore) RecordSighting(_ context.Context, s *Sighting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	if s.Location != nil {
		loc := *s.Location
		c.Location = &loc
	}
	m.sightings = append(m.sightings, c)
	return nil
}

func (m *MemoryStore) SightingsByFingerprint(_ context.Context, fp string, since, before time.Time) ([]Sighting, error) {
	return m.sightingsWhere(since, before, func(s *Sighting) bool { return s.Fingerprint == fp }), nil
}

func (m *MemoryStore) SightingsByStudent(_ context.Context, studentID string, since, before time.Time) ([]Sighting, error) {
	return m.sightingsWhere(since, before, func(s *Sighting) bool { return s.StudentID == studentID }), nil
}

func (m *MemoryStore) sightingsWhere(since, before time.Time, match func(*Sighting) bool) []Sighting {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sighting
	for i := len(m.sightings) - 1; i >= 0; i-- {
		s := &m.sightings[i]
		if s.OccurredAt.Before(since) || !s.OccurredAt.Before(before) || !match(s) {
			continue
		}
		out = append(out, *s)
	}
	return out
}

func (m *MemoryStore) PruneSightings(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.sightings[:0]
	var pruned int64
	for _, s := range m.sightings {
		if s.OccurredAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	m.sightings = kept
	return pruned, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
