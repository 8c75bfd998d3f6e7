package proxy

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/attendguard/attendguard/internal/geo"
)

// Thresholds configures the rules.
type Thresholds struct {
	GeofenceCenter         geo.Point
	GeofenceRadiusMeters   float64
	Window                 time.Duration
	LowAccuracyMeters      float64
	MultiIdentityMinOthers int
	MaxTravelKmh           float64
	RiskProbability        float64
}

// DefaultThresholds returns the stock values: a 500 m fence around central
// New Delhi, a 60 minute window, 100 m accuracy, two other identities,
// 200 km/h and a 0.70 probability.
func DefaultThresholds() Thresholds {
	return Thresholds{
		GeofenceCenter:         geo.Point{Lat: 28.6139, Lng: 77.2090},
		GeofenceRadiusMeters:   500,
		Window:                 60 * time.Minute,
		LowAccuracyMeters:      100,
		MultiIdentityMinOthers: 2,
		MaxTravelKmh:           200,
		RiskProbability:        0.70,
	}
}

// ErrHistoryUnavailable marks a rule skipped because its correlation read failed.
var ErrHistoryUnavailable = errors.New("correlation history unavailable")

// Snapshot is everything the rules may look at for one event. All rules
// see the same snapshot, so one rule firing never affects another.
type Snapshot struct {
	Event       *Event
	Fingerprint string

	// DeviceHistory holds earlier sightings with this fingerprint in the window.
	DeviceHistory    []Sighting
	DeviceHistoryErr error
	// IdentityHistory holds earlier sightings of this student in the window.
	IdentityHistory    []Sighting
	IdentityHistoryErr error

	Verdict Verdict
}

// Candidate is a rule's finding before it becomes a Violation.
type Candidate struct {
	Kind        Kind
	RiskScore   float64
	Details     string
	Evidence    Evidence
	Probability *float64
}

// Rule inspects a snapshot. It returns nil when it does not fire and an
// error only when its inputs were unavailable.
type Rule interface {
	Name() string
	Evaluate(snap *Snapshot) (*Candidate, error)
}

// DefaultRules returns the six built-in rules configured from th.
func DefaultRules(th Thresholds) []Rule {
	return []Rule{
		&GeofenceRule{Center: th.GeofenceCenter, RadiusMeters: th.GeofenceRadiusMeters},
		&AccuracyRule{MaxAccuracyMeters: th.LowAccuracyMeters},
		&SharedDeviceRule{MinOthers: th.MultiIdentityMinOthers, Window: th.Window},
		&SharedIdentityRule{Window: th.Window},
		&ImpossibleTravelRule{MaxKmh: th.MaxTravelKmh},
		&ExternalRiskRule{Threshold: th.RiskProbability},
	}
}

// clampScore rounds to two decimals and bounds to [0, 100].
func clampScore(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	x = math.Round(x*100) / 100
	return math.Max(0, math.Min(100, x))
}

func formatMeters(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}

func windowText(d time.Duration) string {
	if d > 0 && d%time.Hour == 0 {
		if d == time.Hour {
			return "last hour"
		}
		return fmt.Sprintf("last %d hours", int(d/time.Hour))
	}
	return fmt.Sprintf("last %d minutes", int(d/time.Minute))
}

// ---------------------------------------------------------------------------
// GeofenceRule: fix lies outside the configured circle
// ---------------------------------------------------------------------------

type GeofenceRule struct {
	Center       geo.Point
	RadiusMeters float64
}

func (r *GeofenceRule) Name() string { return "geofence" }

func (r *GeofenceRule) Evaluate(snap *Snapshot) (*Candidate, error) {
	loc := snap.Event.Location
	if loc == nil {
		return nil, nil
	}
	d := geo.Distance(r.Center, loc.Point())
	if d <= r.RadiusMeters {
		return nil, nil
	}
	return &Candidate{
		Kind:      KindOutsideGeofence,
		RiskScore: clampScore(math.Min(90, 50+(d-r.RadiusMeters)/10)),
		Details:   fmt.Sprintf("Location %dm outside allowed zone (max %sm)", int64(math.Round(d)), formatMeters(r.RadiusMeters)),
		Evidence:  GeofenceEvidence{DistanceMeters: d, RadiusMeters: r.RadiusMeters},
	}, nil
}

// ---------------------------------------------------------------------------
// AccuracyRule: reported GPS accuracy too coarse to trust
// ---------------------------------------------------------------------------

type AccuracyRule struct {
	MaxAccuracyMeters float64
}

func (r *AccuracyRule) Name() string { return "low_accuracy" }

func (r *AccuracyRule) Evaluate(snap *Snapshot) (*Candidate, error) {
	loc := snap.Event.Location
	if loc == nil || loc.AccuracyMeters <= r.MaxAccuracyMeters {
		return nil, nil
	}
	return &Candidate{
		Kind:      KindLowAccuracy,
		RiskScore: clampScore(math.Min(40, loc.AccuracyMeters/5)),
		Details:   fmt.Sprintf("GPS accuracy too low: ±%dm", int64(math.Round(loc.AccuracyMeters))),
		Evidence:  AccuracyEvidence{AccuracyMeters: loc.AccuracyMeters},
	}, nil
}

// ---------------------------------------------------------------------------
// SharedDeviceRule: one device marking for several students
// ---------------------------------------------------------------------------

type SharedDeviceRule struct {
	MinOthers int
	Window    time.Duration
}

func (r *SharedDeviceRule) Name() string { return "shared_device" }

func (r *SharedDeviceRule) Evaluate(snap *Snapshot) (*Candidate, error) {
	if snap.DeviceHistoryErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, snap.DeviceHistoryErr)
	}
	others := make(map[string]struct{})
	for _, s := range snap.DeviceHistory {
		if s.StudentID != snap.Event.StudentID {
			others[s.StudentID] = struct{}{}
		}
	}
	if len(others) == 0 || len(others) < r.MinOthers {
		return nil, nil
	}
	n := len(others) + 1
	return &Candidate{
		Kind:      KindSharedDevice,
		RiskScore: 85,
		Details:   fmt.Sprintf("Same device used for %d different students in %s", n, windowText(r.Window)),
		Evidence:  SharedDeviceEvidence{DistinctIdentities: n},
	}, nil
}

// ---------------------------------------------------------------------------
// SharedIdentityRule: one student marking from several devices
// ---------------------------------------------------------------------------

type SharedIdentityRule struct {
	Window time.Duration
}

func (r *SharedIdentityRule) Name() string { return "shared_identity" }

func (r *SharedIdentityRule) Evaluate(snap *Snapshot) (*Candidate, error) {
	if snap.IdentityHistoryErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, snap.IdentityHistoryErr)
	}
	devices := make(map[string]struct{})
	for _, s := range snap.IdentityHistory {
		if s.Fingerprint != snap.Fingerprint {
			devices[s.Fingerprint] = struct{}{}
		}
	}
	if len(devices) == 0 {
		return nil, nil
	}
	n := len(devices) + 1
	return &Candidate{
		Kind:      KindSharedIdentity,
		RiskScore: 80,
		Details:   fmt.Sprintf("Student account used from %d different devices in %s", n, windowText(r.Window)),
		Evidence:  SharedIdentityEvidence{DistinctDevices: n},
	}, nil
}

// ---------------------------------------------------------------------------
// ImpossibleTravelRule: implied speed since the last fix is not physical
// ---------------------------------------------------------------------------

type ImpossibleTravelRule struct {
	MaxKmh float64
}

func (r *ImpossibleTravelRule) Name() string { return "impossible_travel" }

func (r *ImpossibleTravelRule) Evaluate(snap *Snapshot) (*Candidate, error) {
	loc := snap.Event.Location
	if loc == nil {
		return nil, nil
	}
	if snap.IdentityHistoryErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, snap.IdentityHistoryErr)
	}

	var prior *Sighting
	for i := range snap.IdentityHistory {
		s := &snap.IdentityHistory[i]
		if s.Location == nil {
			continue
		}
		if prior == nil || s.OccurredAt.After(prior.OccurredAt) {
			prior = s
		}
	}
	if prior == nil {
		return nil, nil
	}

	dist := geo.Distance(prior.Location.Point(), loc.Point())
	// Marks in the same second still imply a speed.
	elapsed := math.Max(snap.Event.OccurredAt.Sub(prior.OccurredAt).Seconds(), 1)
	speed := math.Round(dist/elapsed*3.6*10) / 10
	if speed <= r.MaxKmh {
		return nil, nil
	}
	return &Candidate{
		Kind:      KindImpossibleTravel,
		RiskScore: clampScore(math.Min(95, 50+speed/10)),
		Details:   fmt.Sprintf("Impossible travel detected: %.1f km/h (%.1f km in %.0fs)", speed, dist/1000, elapsed),
		Evidence:  TravelEvidence{DistanceMeters: dist, ElapsedSeconds: elapsed, SpeedKmh: speed},
	}, nil
}

// ---------------------------------------------------------------------------
// ExternalRiskRule: the external model is confident this is a proxy
// ---------------------------------------------------------------------------

type ExternalRiskRule struct {
	Threshold float64
}

func (r *ExternalRiskRule) Name() string { return "external_risk" }

// Evaluate never errors: an unavailable scorer is simply no opinion.
func (r *ExternalRiskRule) Evaluate(snap *Snapshot) (*Candidate, error) {
	v := snap.Verdict
	if !v.HasOpinion || v.Probability <= r.Threshold {
		return nil, nil
	}
	p := v.Probability
	pct := math.Round(p * 100)
	return &Candidate{
		Kind:        KindExternalRisk,
		RiskScore:   clampScore(pct),
		Details:     fmt.Sprintf("External risk model predicts proxy probability %d%%", int64(pct)),
		Evidence:    ExternalRiskEvidence{Probability: p},
		Probability: &p,
	}, nil
}
