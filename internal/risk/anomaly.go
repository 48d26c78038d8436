package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	anomalyMinHistory = 5

	anomalySevereZ   = 3.0
	anomalyModerateZ = 2.0

	anomalySeverePoints   = 40
	anomalyModeratePoints = 20
	roundAmountPoints     = 15
)

var roundAmountUnit = decimal.NewFromInt(1000)

// ScoreAnomaly scores how far tx.Amount deviates from the user's historical
// amounts. A history without variance yields no deviation signal at all
// rather than an infinite z-score.
func ScoreAnomaly(tx Transaction, historical []Transaction) SignalResult {
	res := newResult(SignalAnomaly)
	if len(historical) < anomalyMinHistory {
		res.Reasons = append(res.Reasons, "Insufficient history for pattern analysis")
		return res
	}

	mean, stdDev := meanStdDev(historical)
	res.Metrics["mean"] = round2(mean)
	res.Metrics["std_dev"] = round2(stdDev)

	amount := tx.Amount.InexactFloat64()
	if z, ok := zScore(amount, mean, stdDev); ok {
		res.Metrics["z_score"] = round2(z)
		switch {
		case z > anomalySevereZ:
			res.add(anomalySeverePoints, fmt.Sprintf("Amount %s is significantly different from usual pattern (z-score: %.2f)", tx.Amount.StringFixed(2), z))
		case z > anomalyModerateZ:
			res.add(anomalyModeratePoints, fmt.Sprintf("Amount %s is moderately different from usual pattern (z-score: %.2f)", tx.Amount.StringFixed(2), z))
		}
	} else {
		res.Reasons = append(res.Reasons, "No variance in historical amounts")
	}

	if isRoundAmount(tx.Amount) {
		res.add(roundAmountPoints, "Suspicious round number amount")
	}

	res.clamp()
	return res
}

// meanStdDev returns the population mean and standard deviation.
func meanStdDev(txs []Transaction) (float64, float64) {
	var sum float64
	for _, tx := range txs {
		sum += tx.Amount.InexactFloat64()
	}
	mean := sum / float64(len(txs))

	var sq float64
	for _, tx := range txs {
		d := tx.Amount.InexactFloat64() - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(txs)))
}

// zScore reports false when the deviation is undefined.
func zScore(amount, mean, stdDev float64) (float64, bool) {
	if stdDev == 0 || math.IsNaN(stdDev) || math.IsInf(stdDev, 0) {
		return 0, false
	}
	z := math.Abs(amount-mean) / stdDev
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0, false
	}
	return z, true
}

func isRoundAmount(amount decimal.Decimal) bool {
	return amount.GreaterThan(roundAmountUnit) && amount.Mod(roundAmountUnit).IsZero()
}
