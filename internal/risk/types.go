// Package risk scores the fraud risk of a single transaction.
//
// Four independent signals (velocity, geolocation, device, anomaly) each
// produce a 0-100 score with human readable reasons. The aggregator blends
// them into one weighted verdict. Nothing in this package performs I/O or
// keeps state between calls, so every function is safe for concurrent use.
package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Signal names, also used as keys of CompositeRiskResult.Factors.
const (
	SignalVelocity    = "velocity"
	SignalGeolocation = "geolocation"
	SignalDevice      = "device"
	SignalAnomaly     = "anomaly"
)

// Transaction is a single observed payment. It is never mutated here.
type Transaction struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	MerchantID string          `json:"merchantId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     string          `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	DeviceID   string          `json:"deviceId,omitempty"`
	Location   *Location       `json:"location,omitempty"`
}

// Location is a geographic fix attached to a transaction.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
}

// TransactionContext carries everything the signals need besides the
// transaction itself. It is supplied per call by the caller.
type TransactionContext struct {
	RecentTransactions     []Transaction `json:"recentTransactions,omitempty"`
	HistoricalTransactions []Transaction `json:"historicalTransactions,omitempty"`
	CurrentLocation        *Location     `json:"currentLocation,omitempty"`
	PreviousLocation       *Location     `json:"previousLocation,omitempty"`
	TimeDiffMinutes        *float64      `json:"timeDiffMinutes,omitempty"`
	CurrentDeviceID        string        `json:"currentDeviceId,omitempty"`
	KnownDeviceIDs         []string      `json:"knownDeviceIds,omitempty"`
}

// SignalResult is the output of one signal.
type SignalResult struct {
	Signal    string         `json:"signal"`
	RiskScore int            `json:"riskScore"`
	Reasons   []string       `json:"reasons"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// RiskLevel buckets the composite score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Recommendation returns the action suggested for the level.
func (l RiskLevel) Recommendation() string {
	switch l {
	case RiskHigh:
		return "Block transaction and verify user identity"
	case RiskMedium:
		return "Require additional verification (2FA/OTP)"
	default:
		return "Proceed with transaction"
	}
}

// CompositeRiskResult is the aggregated verdict for one transaction.
type CompositeRiskResult struct {
	OverallRiskScore int                     `json:"overallRiskScore"`
	RiskLevel        RiskLevel               `json:"riskLevel"`
	Factors          map[string]SignalResult `json:"factors"`
	Reasons          []string                `json:"reasons"`
	Recommendation   string                  `json:"recommendation"`
}

func newResult(signal string) SignalResult {
	return SignalResult{
		Signal:  signal,
		Reasons: make([]string, 0, 3),
		Metrics: make(map[string]any),
	}
}

func (r *SignalResult) add(points int, reason string) {
	r.RiskScore += points
	r.Reasons = append(r.Reasons, reason)
}

func (r *SignalResult) clamp() {
	r.RiskScore = clampScore(r.RiskScore)
}

func clampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
