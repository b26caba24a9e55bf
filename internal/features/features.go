// Package features derives rolling statistics and trend features from
// a machine's window snapshot plus the newest reading. Everything here
// is pure; the state store owns all mutation.
package features

import (
	"vigil/internal/models"
	"vigil/internal/state"
)

// Trend margins: the newest reading must move at least this far from
// the oldest retained reading before a channel is labeled as trending.
const (
	tempTrendMargin     = 5.0
	vibTrendMargin      = 0.5
	pressureTrendMargin = 10.0

	// minTrendSamples is the smallest window that supports a trend label.
	minTrendSamples = 3

	// ratioGuard keeps the cross-channel ratios finite near zero.
	ratioGuard = 0.001
)

// Compute builds the feature vector for a reading from its post-commit
// window snapshot. Delta is zero when the window was empty before this
// insert; rolling statistics cover exactly the retained samples.
func Compute(snap state.Snapshot, r *models.SensorReading) models.FeatureVector {
	prevTemp, prevVib, prevPressure := r.Temperature, r.Vibration, r.Pressure
	if snap.Previous != nil {
		prevTemp = snap.Previous.Temperature
		prevVib = snap.Previous.Vibration
		prevPressure = snap.Previous.Pressure
	}

	return models.FeatureVector{
		Temperature: models.ChannelFeatures{
			Value:  r.Temperature,
			Mean:   snap.Temperature.Mean,
			StdDev: snap.Temperature.StdDev,
			Delta:  r.Temperature - prevTemp,
			Trend:  trend(snap.SampleCount, snap.Oldest.Temperature, r.Temperature, tempTrendMargin),
		},
		Vibration: models.ChannelFeatures{
			Value:  r.Vibration,
			Mean:   snap.Vibration.Mean,
			StdDev: snap.Vibration.StdDev,
			Delta:  r.Vibration - prevVib,
			Trend:  trend(snap.SampleCount, snap.Oldest.Vibration, r.Vibration, vibTrendMargin),
		},
		Pressure: models.ChannelFeatures{
			Value:  r.Pressure,
			Mean:   snap.Pressure.Mean,
			StdDev: snap.Pressure.StdDev,
			Delta:  r.Pressure - prevPressure,
			Trend:  trend(snap.SampleCount, snap.Oldest.Pressure, r.Pressure, pressureTrendMargin),
		},
		TempVibRatio:      r.Temperature / (r.Vibration + ratioGuard),
		PressureTempRatio: r.Pressure / (r.Temperature + ratioGuard),
		SampleCount:       snap.SampleCount,
	}
}

func trend(samples int, first, last, margin float64) models.TrendLabel {
	if samples < minTrendSamples {
		return models.TrendInsufficient
	}
	switch {
	case last > first+margin:
		return models.TrendIncreasing
	case last < first-margin:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}
