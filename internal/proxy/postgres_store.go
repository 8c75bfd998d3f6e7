package proxy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresStore persists violations and sightings in PostgreSQL. The schema
// lives in migrations/.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

type violationRow struct {
	ID                  string          `db:"id"`
	Kind                string          `db:"kind"`
	RiskScore           float64         `db:"risk_score"`
	Details             string          `db:"details"`
	SessionID           string          `db:"session_id"`
	StudentID           string          `db:"student_id"`
	StudentLabel        string          `db:"student_label"`
	AttendanceRef       string          `db:"attendance_ref"`
	Fingerprint         string          `db:"fingerprint"`
	NetworkAddress      string          `db:"network_address"`
	LocationLat         sql.NullFloat64 `db:"location_lat"`
	LocationLng         sql.NullFloat64 `db:"location_lng"`
	LocationAccuracy    sql.NullFloat64 `db:"location_accuracy"`
	ExternalProbability sql.NullFloat64 `db:"external_probability"`
	Evidence            string          `db:"evidence"`
	OccurredAt          time.Time       `db:"occurred_at"`
	Status              string          `db:"status"`
	ReviewNotes         sql.NullString  `db:"review_notes"`
	ReviewedBy          sql.NullString  `db:"reviewed_by"`
	ReviewedAt          sql.NullTime    `db:"reviewed_at"`
}

const violationColumns = `id, kind, risk_score, details, session_id, student_id, student_label,
	attendance_ref, fingerprint, network_address, location_lat, location_lng, location_accuracy,
	external_probability, evidence, occurred_at, status, review_notes, reviewed_by, reviewed_at`

func toRow(v *Violation) (violationRow, error) {
	evidence := "{}"
	if v.Evidence != nil {
		b, err := json.Marshal(v.Evidence)
		if err != nil {
			return violationRow{}, fmt.Errorf("marshal evidence: %w", err)
		}
		evidence = string(b)
	}
	r := violationRow{
		ID:             v.ID,
		Kind:           string(v.Kind),
		RiskScore:      v.RiskScore,
		Details:        v.Details,
		SessionID:      v.SessionID,
		StudentID:      v.StudentID,
		StudentLabel:   v.StudentLabel,
		AttendanceRef:  v.AttendanceRef,
		Fingerprint:    v.Fingerprint,
		NetworkAddress: v.NetworkAddress,
		Evidence:       evidence,
		OccurredAt:     v.OccurredAt.UTC(),
		Status:         string(v.Status),
	}
	if v.Location != nil {
		r.LocationLat = sql.NullFloat64{Float64: v.Location.Lat, Valid: true}
		r.LocationLng = sql.NullFloat64{Float64: v.Location.Lng, Valid: true}
		r.LocationAccuracy = sql.NullFloat64{Float64: v.Location.AccuracyMeters, Valid: v.Location.AccuracyMeters > 0}
	}
	if v.ExternalProbability != nil {
		r.ExternalProbability = sql.NullFloat64{Float64: *v.ExternalProbability, Valid: true}
	}
	return r, nil
}

func (r *violationRow) toViolation() (*Violation, error) {
	v := &Violation{
		ID:             r.ID,
		Kind:           Kind(r.Kind),
		RiskScore:      r.RiskScore,
		Details:        r.Details,
		SessionID:      r.SessionID,
		StudentID:      r.StudentID,
		StudentLabel:   r.StudentLabel,
		AttendanceRef:  r.AttendanceRef,
		Fingerprint:    r.Fingerprint,
		NetworkAddress: r.NetworkAddress,
		OccurredAt:     r.OccurredAt,
		Status:         Status(r.Status),
		ReviewNotes:    r.ReviewNotes.String,
		ReviewedBy:     r.ReviewedBy.String,
	}
	if r.LocationLat.Valid && r.LocationLng.Valid {
		v.Location = &LocationFix{Lat: r.LocationLat.Float64, Lng: r.LocationLng.Float64, AccuracyMeters: r.LocationAccuracy.Float64}
	}
	if r.ExternalProbability.Valid {
		p := r.ExternalProbability.Float64
		v.ExternalProbability = &p
	}
	if r.ReviewedAt.Valid {
		at := r.ReviewedAt.Time
		v.ReviewedAt = &at
	}
	ev, err := DecodeEvidence(v.Kind, []byte(r.Evidence))
	if err != nil {
		return nil, fmt.Errorf("decode evidence for %s: %w", r.ID, err)
	}
	v.Evidence = ev
	return v, nil
}

// InsertViolations writes all records in one transaction.
func (s *PostgresStore) InsertViolations(ctx context.Context, vs []*Violation) error {
	if len(vs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO proxy_violations (` + violationColumns + `) VALUES (
		:id, :kind, :risk_score, :details, :session_id, :student_id, :student_label,
		:attendance_ref, :fingerprint, :network_address, :location_lat, :location_lng, :location_accuracy,
		:external_probability, CAST(:evidence AS JSONB), :occurred_at, :status, :review_notes, :reviewed_by, :reviewed_at)`
	for _, v := range vs {
		row, err := toRow(v)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, q, &row); err != nil {
			return storeErr("insert violation", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit violations", err)
	}
	return nil
}

func (s *PostgresStore) GetViolation(ctx context.Context, id string) (*Violation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var row violationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+violationColumns+` FROM proxy_violations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get violation", err)
	}
	return row.toViolation()
}

func (s *PostgresStore) UpdateReview(ctx context.Context, id string, patch ReviewPatch) (*Violation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var row violationRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE proxy_violations
		SET status = $2, review_notes = COALESCE($3, review_notes), reviewed_by = $4, reviewed_at = $5
		WHERE id = $1
		RETURNING `+violationColumns,
		id, string(patch.Status), nullString(patch.Notes), patch.ReviewedBy, patch.At)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("update review", err)
	}
	return row.toViolation()
}

// BulkUpdateReview skips ids that are not UUIDs, since they cannot exist.
func (s *PostgresStore) BulkUpdateReview(ctx context.Context, ids []string, patch ReviewPatch) (int64, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	q, args, err := sqlx.In(`
		UPDATE proxy_violations
		SET status = ?, review_notes = COALESCE(?, review_notes), reviewed_by = ?, reviewed_at = ?
		WHERE id IN (?)`,
		string(patch.Status), nullString(patch.Notes), patch.ReviewedBy, patch.At, valid)
	if err != nil {
		return 0, fmt.Errorf("build bulk update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, storeErr("bulk update review", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("bulk update rows affected", err)
	}
	return n, nil
}

func (s *PostgresStore) ListViolations(ctx context.Context, f ListFilter) ([]*Violation, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Kind != "" {
		where = append(where, "kind = "+arg(string(f.Kind)))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = "+arg(f.SessionID))
	}
	if f.Student != "" {
		p := arg("%" + escapeLike(f.Student) + "%")
		where = append(where, "(student_label ILIKE "+p+" OR student_id ILIKE "+p+")")
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.From.UTC()))
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at < "+arg(f.To.UTC()))
	}

	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM proxy_violations`+filter, args...); err != nil {
		return nil, 0, storeErr("count violations", err)
	}

	if f.Cursor != nil {
		clause := "(occurred_at, id) < (" + arg(f.Cursor.At.UTC()) + ", " + arg(f.Cursor.ID) + "::uuid)"
		if filter == "" {
			filter = " WHERE " + clause
		} else {
			filter += " AND " + clause
		}
	}
	q := `SELECT ` + violationColumns + ` FROM proxy_violations` + filter + ` ORDER BY occurred_at DESC, id DESC`
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	var rows []violationRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, 0, storeErr("list violations", err)
	}
	out := make([]*Violation, 0, len(rows))
	for i := range rows {
		v, err := rows[i].toViolation()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, nil
}

func (s *PostgresStore) CountViolations(ctx context.Context) (*Counts, error) {
	var groups []struct {
		Status string `db:"status"`
		Kind   string `db:"kind"`
		N      int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &groups, `
		SELECT status, kind, COUNT(*) AS n
		FROM proxy_violations
		GROUP BY status, kind`)
	if err != nil {
		return nil, storeErr("count violations", err)
	}
	c := newCounts()
	for _, g := range groups {
		c.Total += g.N
		c.ByStatus[Status(g.Status)] += g.N
		c.ByKind[Kind(g.Kind)] += g.N
	}
	return c, nil
}

type sightingRow struct {
	ID               string          `db:"id"`
	SessionID        string          `db:"session_id"`
	StudentID        string          `db:"student_id"`
	Fingerprint      string          `db:"fingerprint"`
	LocationLat      sql.NullFloat64 `db:"location_lat"`
	LocationLng      sql.NullFloat64 `db:"location_lng"`
	LocationAccuracy sql.NullFloat64 `db:"location_accuracy"`
	OccurredAt       time.Time       `db:"occurred_at"`
}

func (s *PostgresStore) RecordSighting(ctx context.Context, si *Sighting) error {
	row := sightingRow{
		ID:          si.ID,
		SessionID:   si.SessionID,
		StudentID:   si.StudentID,
		Fingerprint: si.Fingerprint,
		OccurredAt:  si.OccurredAt.UTC(),
	}
	if si.Location != nil {
		row.LocationLat = sql.NullFloat64{Float64: si.Location.Lat, Valid: true}
		row.LocationLng = sql.NullFloat64{Float64: si.Location.Lng, Valid: true}
		row.LocationAccuracy = sql.NullFloat64{Float64: si.Location.AccuracyMeters, Valid: si.Location.AccuracyMeters > 0}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO proxy_sightings (id, session_id, student_id, fingerprint,
			location_lat, location_lng, location_accuracy, occurred_at)
		VALUES (:id, :session_id, :student_id, :fingerprint,
			:location_lat, :location_lng, :location_accuracy, :occurred_at)`, &row)
	if err != nil {
		return storeErr("record sighting", err)
	}
	return nil
}

func (s *PostgresStore) SightingsByFingerprint(ctx context.Context, fp string, since, before time.Time) ([]Sighting, error) {
	return s.sightings(ctx, "fingerprint", fp, since, before)
}

func (s *PostgresStore) SightingsByStudent(ctx context.Context, studentID string, since, before time.Time) ([]Sighting, error) {
	return s.sightings(ctx, "student_id", studentID, since, before)
}

// column is one of two constants above, never caller input.
func (s *PostgresStore) sightings(ctx context.Context, column, value string, since, before time.Time) ([]Sighting, error) {
	var rows []sightingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, student_id, fingerprint, location_lat, location_lng, location_accuracy, occurred_at
		FROM proxy_sightings
		WHERE `+column+` = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at DESC`, value, since.UTC(), before.UTC())
	if err != nil {
		return nil, storeErr("read sightings", err)
	}
	out := make([]Sighting, 0, len(rows))
	for _, r := range rows {
		si := Sighting{
			ID:          r.ID,
			SessionID:   r.SessionID,
			StudentID:   r.StudentID,
			Fingerprint: r.Fingerprint,
			OccurredAt:  r.OccurredAt,
		}
		if r.LocationLat.Valid && r.LocationLng.Valid {
			si.Location = &LocationFix{Lat: r.LocationLat.Float64, Lng: r.LocationLng.Float64, AccuracyMeters: r.LocationAccuracy.Float64}
		}
		out = append(out, si)
	}
	return out, nil
}

func (s *PostgresStore) PruneSightings(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proxy_sightings WHERE occurred_at < $1`, before.UTC())
	if err != nil {
		return 0, storeErr("prune sightings", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
