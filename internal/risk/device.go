package risk

const (
	firstDevicePoints   = 10
	unknownDevicePoints = 25
)

// ScoreDevice flags a device fingerprint the user has not transacted from.
func ScoreDevice(deviceID string, known []string) SignalResult {
	res := newResult(SignalDevice)

	if len(known) == 0 {
		res.add(firstDevicePoints, "New device (first transaction)")
		res.Metrics["is_new_device"] = true
		return res
	}

	for _, id := range known {
		if id == deviceID {
			res.Reasons = append(res.Reasons, "Known device")
			res.Metrics["is_new_device"] = false
			return res
		}
	}

	res.add(unknownDevicePoints, "Unknown device")
	res.Metrics["is_new_device"] = true
	return res
}
