package risk

import (
	"fmt"
	"time"
)

const (
	velocityHourLimit   = 5
	velocityDayLimit    = 20
	velocityMinGapMins  = 5.0
	velocityHourPoints  = 30
	velocityDayPoints   = 25
	velocityBurstPoints = 20
)

// ScoreVelocity scores how frequently the user has been transacting,
// relative to now. recent is expected in ascending time order.
func ScoreVelocity(recent []Transaction, now time.Time) SignalResult {
	res := newResult(SignalVelocity)
	if len(recent) == 0 {
		res.Reasons = append(res.Reasons, "No transaction history")
		return res
	}

	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	lastHour := 0
	window := make([]time.Time, 0, len(recent))
	for _, tx := range recent {
		if tx.Timestamp.After(hourAgo) {
			lastHour++
		}
		if tx.Timestamp.After(dayAgo) {
			window = append(window, tx.Timestamp)
		}
	}
	last24Hours := len(window)

	res.Metrics["last_hour"] = lastHour
	res.Metrics["last_24_hours"] = last24Hours

	if lastHour > velocityHourLimit {
		res.add(velocityHourPoints, fmt.Sprintf("%d transactions in last hour", lastHour))
	}
	if last24Hours > velocityDayLimit {
		res.add(velocityDayPoints, fmt.Sprintf("%d transactions in 24 hours", last24Hours))
	}

	if last24Hours >= 2 {
		avg := averageGapMinutes(window)
		res.Metrics["avg_gap_minutes"] = round2(avg)
		if avg < velocityMinGapMins {
			res.add(velocityBurstPoints, "Transactions too close together")
		}
	}

	res.clamp()
	return res
}

// averageGapMinutes averages the absolute gaps between neighbours, so a
// caller handing over newest-first history gets the same answer.
func averageGapMinutes(ts []time.Time) float64 {
	var total time.Duration
	for i := 1; i < len(ts); i++ {
		gap := ts[i].Sub(ts[i-1])
		if gap < 0 {
			gap = -gap
		}
		total += gap
	}
	return total.Minutes() / float64(len(ts)-1)
}
