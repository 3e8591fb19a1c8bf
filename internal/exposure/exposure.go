// Package exposure computes the settings to send to a node for one
// (profile, tick), per spec §4.5. Resolve is a pure function: no I/O, no
// clock reads, no RNG, and identical inputs always produce identical output.
package exposure

import (
	"sort"

	"github.com/skylapse/brain/internal/config"
)

// SunPosition describes where the sun is relative to this tick, used only
// to let callers pass context through; the current algorithm does not
// consume it directly but future smoothing strategies may.
type SunPosition struct {
	ElevationDegrees  float64
	MinutesFromAnchor float64
}

// MeterReading is the latest reading fetched from a node, or the zero value
// if none was needed: ISO 0 means auto-expose and needs no reading; a
// non-zero ISO needs one only for shutter "auto" or an adaptive WB curve.
type MeterReading struct {
	LuxValue         float64
	SuggestedISO     int
	SuggestedShutter string
	Valid            bool
}

// HistoryFrame is one previously-effective settings snapshot, used only
// when smoothing is enabled for the schedule.
type HistoryFrame struct {
	ExposureCompensation float64
	WBTemperature        float64
}

// Settings is the object emitted to the node, matching spec §4.5 step 6.
type Settings struct {
	ISO                  int
	Shutter              string
	ExposureCompensation float64
	AWBMode              config.AWBMode
	WBTemperature        *float64
	MeteringMode         config.MeteringMode
	HDREnabled           bool
	BracketExposures     []float64
	Profile              string
	Schedule             string
}

// SmoothingConfig bounds the exponential moving average applied in step 5.
// Smoothing is off unless Enabled is true (spec §9 open question: treated
// as optional per schedule, never persisted across restarts).
type SmoothingConfig struct {
	Enabled            bool
	Alpha              float64 // EMA weight for the new sample, in (0, 1]
	MaxStepEV          float64 // per-frame maximum change, in EV-equivalent stops
}

// Resolve computes the effective settings for one profile at one tick.
func Resolve(profile config.Profile, scheduleID string, sun SunPosition, meter MeterReading, history []HistoryFrame, smoothing SmoothingConfig) Settings {
	p := profile.Merged(scheduleID)

	out := Settings{
		ISO:                  p.ISO,
		Shutter:              p.Shutter,
		ExposureCompensation: p.ExposureCompensation,
		AWBMode:              p.AWBMode,
		MeteringMode:         p.MeteringMode,
		HDREnabled:           p.HDREnabled,
		BracketExposures:     p.BracketExposures,
		Profile:              p.ID,
		Schedule:             scheduleID,
	}

	if p.ISO == 0 {
		// Auto-expose: only EV compensation, AWB, metering and HDR
		// parameters are meaningful; skip the meter-dependent steps.
		return out
	}

	if len(p.AdaptiveWBCurve) > 0 && meter.Valid {
		temp := interpolateWBCurve(p.AdaptiveWBCurve, meter.LuxValue)
		out.WBTemperature = &temp
	}

	if p.Shutter == "auto" && meter.Valid && meter.SuggestedShutter != "" {
		out.Shutter = meter.SuggestedShutter
	}

	if smoothing.Enabled && len(history) > 0 {
		out.ExposureCompensation = smoothExposure(out.ExposureCompensation, history, smoothing)
		if out.WBTemperature != nil {
			smoothedTemp := smoothWBTemperature(*out.WBTemperature, history, smoothing)
			out.WBTemperature = &smoothedTemp
		}
	}

	return out
}

// interpolateWBCurve performs linear interpolation over a sorted, monotone
// (lux, kelvin) curve, clamping to the curve's endpoints.
func interpolateWBCurve(curve []config.WBCurvePoint, lux float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	if lux <= curve[0].LuxThreshold {
		return curve[0].TempKelvin
	}
	last := curve[len(curve)-1]
	if lux >= last.LuxThreshold {
		return last.TempKelvin
	}

	idx := sort.Search(len(curve), func(i int) bool { return curve[i].LuxThreshold >= lux })
	lo, hi := curve[idx-1], curve[idx]
	span := hi.LuxThreshold - lo.LuxThreshold
	if span == 0 {
		return lo.TempKelvin
	}
	frac := (lux - lo.LuxThreshold) / span
	return lo.TempKelvin + frac*(hi.TempKelvin-lo.TempKelvin)
}

// smoothExposure applies a bounded EMA over the exposure-compensation
// history, capped so no single frame moves by more than MaxStepEV.
func smoothExposure(target float64, history []HistoryFrame, cfg SmoothingConfig) float64 {
	prev := history[len(history)-1].ExposureCompensation
	smoothed := prev + cfg.Alpha*(target-prev)
	return clampStep(prev, smoothed, cfg.MaxStepEV)
}

func smoothWBTemperature(target float64, history []HistoryFrame, cfg SmoothingConfig) float64 {
	prev := history[len(history)-1].WBTemperature
	if prev == 0 {
		return target
	}
	smoothed := prev + cfg.Alpha*(target-prev)
	// WB temperature steps are expressed in kelvin, not EV; cap proportionally
	// using the same per-frame discipline without reinterpreting MaxStepEV
	// as a kelvin bound.
	maxStepKelvin := cfg.MaxStepEV * 500
	return clampStep(prev, smoothed, maxStepKelvin)
}

func clampStep(prev, next, maxStep float64) float64 {
	if maxStep <= 0 {
		return next
	}
	delta := next - prev
	if delta > maxStep {
		return prev + maxStep
	}
	if delta < -maxStep {
		return prev - maxStep
	}
	return next
}
