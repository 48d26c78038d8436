package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// Weights sets each signal's share of the composite score.
type Weights struct {
	Velocity    float64 `mapstructure:"velocity" json:"velocity"`
	Geolocation float64 `mapstructure:"geolocation" json:"geolocation"`
	Device      float64 `mapstructure:"device" json:"device"`
	Anomaly     float64 `mapstructure:"anomaly" json:"anomaly"`
}

// Sum is the total weight; a sane configuration sums to 1.
func (w Weights) Sum() float64 {
	return w.Velocity + w.Geolocation + w.Device + w.Anomaly
}

// Thresholds are exclusive lower bounds: a score equal to High is MEDIUM.
type Thresholds struct {
	High   int `mapstructure:"high" json:"high"`
	Medium int `mapstructure:"medium" json:"medium"`
}

// Default scoring configuration.
var (
	DefaultWeights    = Weights{Velocity: 0.25, Geolocation: 0.30, Device: 0.20, Anomaly: 0.25}
	DefaultThresholds = Thresholds{High: 70, Medium: 40}
)

// Level classifies a composite score.
func (t Thresholds) Level(score int) RiskLevel {
	switch {
	case score > t.High:
		return RiskHigh
	case score > t.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Assess scores tx with the default weights and thresholds. It is a pure
// function of its arguments.
func Assess(tx Transaction, tc TransactionContext, now time.Time) CompositeRiskResult {
	return assess(tx, tc, now, DefaultWeights, DefaultThresholds)
}

// ScoreSignal runs the single named signal the way the composite does. It
// reports false for an unknown name.
func ScoreSignal(name string, tx Transaction, tc TransactionContext, now time.Time) (SignalResult, bool) {
	switch name {
	case SignalVelocity:
		return ScoreVelocity(tc.RecentTransactions, now), true
	case SignalGeolocation:
		if tc.CurrentLocation != nil && tc.PreviousLocation != nil && tc.TimeDiffMinutes != nil {
			return ScoreGeolocation(tc.CurrentLocation, tc.PreviousLocation, *tc.TimeDiffMinutes), true
		}
		return ScoreGeolocation(nil, nil, 0), true
	case SignalDevice:
		return ScoreDevice(tc.CurrentDeviceID, tc.KnownDeviceIDs), true
	case SignalAnomaly:
		return ScoreAnomaly(tx, tc.HistoricalTransactions), true
	default:
		return SignalResult{}, false
	}
}

func assess(tx Transaction, tc TransactionContext, now time.Time, w Weights, t Thresholds) CompositeRiskResult {
	velocity, _ := ScoreSignal(SignalVelocity, tx, tc, now)
	geolocation, _ := ScoreSignal(SignalGeolocation, tx, tc, now)
	device, _ := ScoreSignal(SignalDevice, tx, tc, now)
	anomaly, _ := ScoreSignal(SignalAnomaly, tx, tc, now)

	weighted := float64(velocity.RiskScore)*w.Velocity +
		float64(geolocation.RiskScore)*w.Geolocation +
		float64(device.RiskScore)*w.Device +
		float64(anomaly.RiskScore)*w.Anomaly
	score := int(math.Round(weighted))
	level := t.Level(score)

	ordered := []SignalResult{velocity, geolocation, device, anomaly}
	factors := make(map[string]SignalResult, len(ordered))
	reasons := make([]string, 0, 8)
	for _, sig := range ordered {
		factors[sig.Signal] = sig
		reasons = append(reasons, sig.Reasons...)
	}

	return CompositeRiskResult{
		OverallRiskScore: score,
		RiskLevel:        level,
		Factors:          factors,
		Reasons:          reasons,
		Recommendation:   level.Recommendation(),
	}
}

// Assessor is a configured, reusable risk scorer.
type Assessor struct {
	weights    Weights
	thresholds Thresholds
	now        func() time.Time
}

// Option customises an Assessor.
type Option func(*Assessor)

// WithWeights overrides the default signal weights.
func WithWeights(w Weights) Option {
	return func(a *Assessor) { a.weights = w }
}

// WithThresholds overrides the default level thresholds.
func WithThresholds(t Thresholds) Option {
	return func(a *Assessor) { a.thresholds = t }
}

// WithClock overrides the time source used for velocity windows.
func WithClock(now func() time.Time) Option {
	return func(a *Assessor) { a.now = now }
}

// NewAssessor builds an Assessor with the default configuration plus opts.
func NewAssessor(opts ...Option) *Assessor {
	a := &Assessor{
		weights:    DefaultWeights,
		thresholds: DefaultThresholds,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess scores one transaction.
func (a *Assessor) Assess(tx Transaction, tc TransactionContext) CompositeRiskResult {
	return assess(tx, tc, a.now(), a.weights, a.thresholds)
}

// AssessAt scores tx as if evaluated at now, e.g. when re-scoring history.
func (a *Assessor) AssessAt(tx Transaction, tc TransactionContext, now time.Time) CompositeRiskResult {
	return assess(tx, tc, now, a.weights, a.thresholds)
}

// Thresholds returns the level boundaries in use.
func (a *Assessor) Thresholds() Thresholds { return a.thresholds }

// Request pairs a transaction with its context for batch scoring. A zero At
// means the Assessor's clock.
type Request struct {
	Transaction Transaction        `json:"transaction"`
	Context     TransactionContext `json:"context"`
	At          time.Time          `json:"at,omitempty"`
}

func (a *Assessor) assessRequest(req Request) CompositeRiskResult {
	if req.At.IsZero() {
		return a.Assess(req.Transaction, req.Context)
	}
	return a.AssessAt(req.Transaction, req.Context, req.At)
}

// AssessBatch scores reqs on at most workers goroutines. Results keep the
// order of reqs.
func (a *Assessor) AssessBatch(ctx context.Context, reqs []Request, workers int) ([]CompositeRiskResult, error) {
	if workers <= 0 {
		workers = 1
	}

	results := make([]CompositeRiskResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range reqs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = a.assessRequest(reqs[i])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("assess batch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("assess batch: %w", err)
	}
	return results, nil
}
