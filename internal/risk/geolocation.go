package risk

import (
	"fmt"
	"math"
)

const (
	earthRadiusKm = 6371.0

	// Faster than a commercial flight.
	impossibleSpeedKmh = 900.0
	suspiciousSpeedKmh = 200.0

	impossibleTravelPoints = 50
	suspiciousTravelPoints = 30
	countryChangePoints    = 20
)

// Distance returns the great-circle distance between two points in km.
func Distance(a, b Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// ScoreGeolocation scores the travel implied by two consecutive transaction
// locations taken timeDiffMinutes apart.
//
// A non-positive time difference (simultaneous or out-of-order events) has
// no meaningful speed; only the country check applies then.
func ScoreGeolocation(current, previous *Location, timeDiffMinutes float64) SignalResult {
	res := newResult(SignalGeolocation)
	if current == nil || previous == nil {
		res.Reasons = append(res.Reasons, "No location history")
		return res
	}

	distance := Distance(*previous, *current)
	res.Metrics["distance_km"] = round2(distance)

	if timeDiffMinutes > 0 {
		speed := distance / timeDiffMinutes * 60
		res.Metrics["required_speed_kmh"] = round2(speed)

		switch {
		case speed > impossibleSpeedKmh:
			res.add(impossibleTravelPoints, fmt.Sprintf("Impossible travel speed: %.2f km/h (faster than commercial flight)", speed))
		case speed > suspiciousSpeedKmh:
			res.add(suspiciousTravelPoints, fmt.Sprintf("Suspicious travel speed: %.2f km/h", speed))
		}
	} else {
		res.Reasons = append(res.Reasons, "Non-increasing transaction time")
	}

	if current.Country != previous.Country {
		res.add(countryChangePoints, fmt.Sprintf("Transaction from different country (%s -> %s)", previous.Country, current.Country))
	}

	res.clamp()
	return res
}
