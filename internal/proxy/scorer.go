package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/attendguard/attendguard/internal/circuitbreaker"
	"github.com/attendguard/attendguard/internal/logging"
	"github.com/attendguard/attendguard/internal/metrics"
)

// Features is the input to an external risk scorer. Location fields are nil
// when the event carried no fix.
type Features struct {
	NetworkAddress  string   `json:"networkAddress"`
	ClientSignature string   `json:"clientSignature"`
	Lat             *float64 `json:"lat,omitempty"`
	Lng             *float64 `json:"lng,omitempty"`
	AccuracyMeters  *float64 `json:"accuracyMeters,omitempty"`
	HourOfDay       int      `json:"hourOfDay"`
	DayOfWeek       int      `json:"dayOfWeek"`
	Fingerprint     string   `json:"fingerprint"`
}

// FeaturesFor derives scorer features from an event. Hour and weekday are
// taken in loc.
func FeaturesFor(e *Event, fp string, loc *time.Location) Features {
	if loc == nil {
		loc = time.Local
	}
	at := e.OccurredAt.In(loc)
	f := Features{
		NetworkAddress:  e.Request.NetworkAddress,
		ClientSignature: e.Request.ClientSignature,
		HourOfDay:       at.Hour(),
		DayOfWeek:       int(at.Weekday()),
		Fingerprint:     fp,
	}
	if e.Location != nil {
		lat, lng := e.Location.Lat, e.Location.Lng
		f.Lat, f.Lng = &lat, &lng
		if e.Location.AccuracyMeters > 0 {
			acc := e.Location.AccuracyMeters
			f.AccuracyMeters = &acc
		}
	}
	return f
}

// Scorer returns the probability in [0, 1] that an attendance mark is a proxy.
type Scorer interface {
	Predict(ctx context.Context, f Features) (float64, error)
}

// Verdict is the risk signal's answer. HasOpinion is false whenever the
// scorer is absent, failed, timed out or returned garbage.
type Verdict struct {
	HasOpinion  bool
	Probability float64
}

// NoOpinion is the fail-open verdict.
func NoOpinion() Verdict { return Verdict{} }

// RiskSignal guards a Scorer with a timeout and a circuit breaker.
type RiskSignal struct {
	scorer  Scorer
	timeout time.Duration
	breaker *circuitbreaker.Breaker
}

// NewRiskSignal wraps scorer. A nil scorer always yields NoOpinion.
func NewRiskSignal(scorer Scorer, timeout time.Duration, breaker *circuitbreaker.Breaker) *RiskSignal {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New("risk_scorer", 5, 30*time.Second)
	}
	return &RiskSignal{scorer: scorer, timeout: timeout, breaker: breaker}
}

// Breaker exposes the breaker for health reporting.
func (r *RiskSignal) Breaker() *circuitbreaker.Breaker { return r.breaker }

// Assess never returns an error. Failures are logged and counted.
func (r *RiskSignal) Assess(ctx context.Context, f Features) Verdict {
	if r == nil || r.scorer == nil {
		metrics.ScorerCallsTotal.WithLabelValues("disabled").Inc()
		return NoOpinion()
	}
	if !r.breaker.Allow() {
		metrics.ScorerCallsTotal.WithLabelValues("circuit_open").Inc()
		return NoOpinion()
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.scorer.Predict(cctx, f)
	if err == nil && (math.IsNaN(p) || p < 0 || p > 1) {
		err = fmt.Errorf("probability %v out of range", p)
		r.fail(ctx, "invalid", err)
		return NoOpinion()
	}
	if err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			result = "timeout"
		}
		r.fail(ctx, result, err)
		return NoOpinion()
	}

	r.breaker.Success()
	metrics.ScorerCallsTotal.WithLabelValues("ok").Inc()
	return Verdict{HasOpinion: true, Probability: p}
}

func (r *RiskSignal) fail(ctx context.Context, result string, err error) {
	r.breaker.Failure()
	metrics.ScorerCallsTotal.WithLabelValues(result).Inc()
	logging.L(ctx).Warn("risk scorer gave no opinion",
		slog.String("result", result),
		slog.Any("error", fmt.Errorf("%w: %v", ErrScorerUnavailable, err)))
}
