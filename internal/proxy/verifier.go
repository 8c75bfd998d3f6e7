package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/attendguard/attendguard/internal/fingerprint"
	"github.com/attendguard/attendguard/internal/identity"
	"github.com/attendguard/attendguard/internal/logging"
	"github.com/attendguard/attendguard/internal/metrics"
	"github.com/attendguard/attendguard/internal/retry"
	"github.com/attendguard/attendguard/internal/syncutil"
	"github.com/attendguard/attendguard/internal/traces"
)

// Notifier is told about freshly persisted violations (live dashboards).
type Notifier interface {
	NotifyViolations(vs []*Violation)
}

// Verifier evaluates one attendance event against every rule.
type Verifier struct {
	store      Store
	rules      []Rule
	thresholds Thresholds
	signal     *RiskSignal
	notifier   Notifier
	directory  identity.Directory
	retry      retry.Policy
	loc        *time.Location
	locks      *syncutil.KeyedMutex
}

// NewVerifier creates a verifier running DefaultRules(th) with no external
// scorer.
func NewVerifier(store Store, th Thresholds) *Verifier {
	return &Verifier{
		store:      store,
		rules:      DefaultRules(th),
		thresholds: th,
		signal:     NewRiskSignal(nil, 0, nil),
		retry:      retry.DefaultPolicy,
		loc:        time.Local,
		locks:      syncutil.NewKeyedMutex(),
	}
}

// WithRiskSignal sets the external risk signal.
func (v *Verifier) WithRiskSignal(s *RiskSignal) *Verifier {
	v.signal = s
	return v
}

// WithNotifier sets the live feed notifier.
func (v *Verifier) WithNotifier(n Notifier) *Verifier {
	v.notifier = n
	return v
}

// WithDirectory resolves student labels for events that omit one.
func (v *Verifier) WithDirectory(d identity.Directory) *Verifier {
	v.directory = d
	return v
}

// WithRetryPolicy overrides the store write retry policy.
func (v *Verifier) WithRetryPolicy(p retry.Policy) *Verifier {
	v.retry = p
	return v
}

// WithLocation sets the timezone used for hour-of-day scorer features.
func (v *Verifier) WithLocation(loc *time.Location) *Verifier {
	if loc != nil {
		v.loc = loc
	}
	return v
}

// WithRules replaces the rule set.
func (v *Verifier) WithRules(rules ...Rule) *Verifier {
	v.rules = rules
	return v
}

// Verify runs every rule against one snapshot, persists what fired, and
// appends the event to the sighting trail. The event is not modified.
// Only an invalid event, an exhausted store write or a ctx that ends while
// waiting for a concurrent verification of the same device or student
// returns an error.
func (v *Verifier) Verify(ctx context.Context, e *Event) ([]*Violation, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	// snapshot-to-sighting is serialized per device and per student. This does
	// not order marks: one verified after a later mark cannot see that sighting.
	unlock, err := v.locks.Lock(ctx, "fp:"+fingerprint.Of(e.Request), "student:"+e.StudentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	defer func() { metrics.VerificationDuration.Observe(time.Since(start).Seconds()) }()

	ctx = logging.WithVerification(ctx, e.SessionID, e.StudentID)
	ctx, span := traces.StartSpan(ctx, "proxy.Verify",
		traces.SessionID(e.SessionID), traces.StudentID(e.StudentID))
	defer span.End()

	snap := v.snapshot(ctx, e)
	log := logging.L(ctx).With(slog.String("fingerprint", fingerprint.Redact(snap.Fingerprint)))

	candidates := v.evaluate(ctx, snap)
	violations := v.build(ctx, e, snap.Fingerprint, candidates)

	if len(violations) > 0 {
		err := retry.Do(ctx, v.retry, func(ctx context.Context) error {
			return v.store.InsertViolations(ctx, violations)
		}, func(attempt int, err error) {
			log.Warn("violation write failed, retrying", "attempt", attempt, "error", err)
		})
		if err != nil {
			metrics.VerificationsLostTotal.Inc()
			metrics.VerificationsTotal.WithLabelValues("lost").Inc()
			span.RecordError(err)
			log.Error("verification lost: violations not persisted",
				"error", err,
				"attendance_ref", e.AttendanceRef,
				"occurred_at", e.OccurredAt,
				"location", e.Location,
				"kinds", kindsOf(violations))
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	sighting := &Sighting{
		ID:          uuid.NewString(),
		SessionID:   e.SessionID,
		StudentID:   e.StudentID,
		Fingerprint: snap.Fingerprint,
		Location:    e.Location,
		OccurredAt:  e.OccurredAt,
	}
	if err := retry.Do(ctx, v.retry, func(ctx context.Context) error {
		return v.store.RecordSighting(ctx, sighting)
	}, nil); err != nil {
		log.Error("sighting not recorded; later correlation will miss this event", "error", err)
	}

	span.SetAttributes(traces.ViolationCount(len(violations)))
	if len(violations) == 0 {
		metrics.VerificationsTotal.WithLabelValues("clean").Inc()
		log.Debug("verification clean")
		return violations, nil
	}

	metrics.VerificationsTotal.WithLabelValues("flagged").Inc()
	for _, vi := range violations {
		metrics.ViolationsTotal.WithLabelValues(string(vi.Kind)).Inc()
	}
	log.Info("attendance flagged", "violations", len(violations), "kinds", kindsOf(violations))
	if v.notifier != nil {
		v.notifier.NotifyViolations(violations)
	}
	return violations, nil
}

// snapshot reads both histories and the scorer verdict concurrently. A failed
// read disables only the rules that need it.
func (v *Verifier) snapshot(ctx context.Context, e *Event) *Snapshot {
	fp := fingerprint.Of(e.Request)
	snap := &Snapshot{Event: e, Fingerprint: fp}
	since := e.OccurredAt.Add(-v.thresholds.Window)

	var g errgroup.Group
	g.Go(func() error {
		snap.DeviceHistory, snap.DeviceHistoryErr = v.store.SightingsByFingerprint(ctx, fp, since, e.OccurredAt)
		return nil
	})
	g.Go(func() error {
		snap.IdentityHistory, snap.IdentityHistoryErr = v.store.SightingsByStudent(ctx, e.StudentID, since, e.OccurredAt)
		return nil
	})
	g.Go(func() error {
		snap.Verdict = v.signal.Assess(ctx, FeaturesFor(e, fp, v.loc))
		return nil
	})
	_ = g.Wait()
	return snap
}

func (v *Verifier) evaluate(ctx context.Context, snap *Snapshot) []*Candidate {
	var out []*Candidate
	for _, r := range v.rules {
		c, err := runRule(r, snap)
		if err != nil {
			metrics.RuleErrorsTotal.WithLabelValues(r.Name()).Inc()
			logging.L(ctx).Warn("rule skipped", "rule", r.Name(), "error", err)
			continue
		}
		if c != nil {
			traces.RuleFired(ctx, r.Name(), c.RiskScore)
			out = append(out, c)
		}
	}
	return out
}

func runRule(r Rule, snap *Snapshot) (c *Candidate, err error) {
	defer func() {
		if p := recover(); p != nil {
			c, err = nil, fmt.Errorf("rule %s panicked: %v", r.Name(), p)
		}
	}()
	return r.Evaluate(snap)
}

func (v *Verifier) build(ctx context.Context, e *Event, fp string, cs []*Candidate) []*Violation {
	if len(cs) == 0 {
		return []*Violation{}
	}
	label := v.label(ctx, e)
	out := make([]*Violation, 0, len(cs))
	for _, c := range cs {
		vi := &Violation{
			ID:                  uuid.NewString(),
			Kind:                c.Kind,
			RiskScore:           clampScore(c.RiskScore),
			Details:             c.Details,
			SessionID:           e.SessionID,
			StudentID:           e.StudentID,
			StudentLabel:        label,
			AttendanceRef:       e.AttendanceRef,
			Fingerprint:         fp,
			NetworkAddress:      e.Request.NetworkAddress,
			ExternalProbability: c.Probability,
			Evidence:            c.Evidence,
			OccurredAt:          e.OccurredAt,
			Status:              StatusFlagged,
		}
		if e.Location != nil {
			loc := *e.Location
			vi.Location = &loc
		}
		out = append(out, vi)
	}
	return out
}

func (v *Verifier) label(ctx context.Context, e *Event) string {
	if e.StudentLabel != "" || v.directory == nil {
		return e.StudentLabel
	}
	u, err := v.directory.FindUserByID(ctx, e.StudentID)
	if err != nil {
		logging.L(ctx).Debug("student label unresolved", "error", err)
		return ""
	}
	return u.Label()
}

func kindsOf(vs []*Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v.Kind)
	}
	return out
}
