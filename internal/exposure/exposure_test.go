package exposure

import (
	"testing"

	"github.com/skylapse/brain/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestResolve_AutoISOSkipsMeterDependentSteps(t *testing.T) {
	profile := config.Profile{
		ID:                   "a",
		ISO:                  0,
		Shutter:              "auto",
		ExposureCompensation: 0.3,
		AWBMode:              config.AWBAuto,
		MeteringMode:         config.MeteringMatrix,
	}

	out := Resolve(profile, "sunrise", SunPosition{}, MeterReading{}, nil, SmoothingConfig{})
	assert.Equal(t, 0, out.ISO)
	assert.Equal(t, "auto", out.Shutter)
	assert.Nil(t, out.WBTemperature)
}

func TestResolve_Deterministic(t *testing.T) {
	profile := config.Profile{
		ID:       "a",
		ISO:      400,
		Shutter:  "auto",
		AWBMode:  config.AWBAuto,
		AdaptiveWBCurve: []config.WBCurvePoint{
			{LuxThreshold: 0, TempKelvin: 3000},
			{LuxThreshold: 1000, TempKelvin: 5500},
		},
	}
	meter := MeterReading{Valid: true, LuxValue: 500, SuggestedShutter: "1/250"}

	first := Resolve(profile, "sunrise", SunPosition{}, meter, nil, SmoothingConfig{})
	second := Resolve(profile, "sunrise", SunPosition{}, meter, nil, SmoothingConfig{})
	assert.Equal(t, first, second)
}

func TestResolve_AdaptiveWBCurveInterpolation(t *testing.T) {
	profile := config.Profile{
		ID:      "a",
		ISO:     400,
		Shutter: "1/500",
		AdaptiveWBCurve: []config.WBCurvePoint{
			{LuxThreshold: 0, TempKelvin: 3000},
			{LuxThreshold: 1000, TempKelvin: 5000},
		},
	}
	out := Resolve(profile, "sunrise", SunPosition{}, MeterReading{Valid: true, LuxValue: 500}, nil, SmoothingConfig{})
	require := assertNotNil(t, out.WBTemperature)
	assert.Equal(t, 4000.0, require)
}

func TestResolve_AdaptiveWBCurveClampsToEndpoints(t *testing.T) {
	profile := config.Profile{
		ID:      "a",
		ISO:     400,
		Shutter: "1/500",
		AdaptiveWBCurve: []config.WBCurvePoint{
			{LuxThreshold: 100, TempKelvin: 3000},
			{LuxThreshold: 1000, TempKelvin: 5000},
		},
	}
	below := Resolve(profile, "sunrise", SunPosition{}, MeterReading{Valid: true, LuxValue: 0}, nil, SmoothingConfig{})
	assert.Equal(t, 3000.0, *below.WBTemperature)

	above := Resolve(profile, "sunrise", SunPosition{}, MeterReading{Valid: true, LuxValue: 5000}, nil, SmoothingConfig{})
	assert.Equal(t, 5000.0, *above.WBTemperature)
}

func TestResolve_ShutterAutoAdoptsMeterSuggestion(t *testing.T) {
	profile := config.Profile{ID: "a", ISO: 400, Shutter: "auto"}
	out := Resolve(profile, "sunrise", SunPosition{}, MeterReading{Valid: true, SuggestedShutter: "1/1000"}, nil, SmoothingConfig{})
	assert.Equal(t, "1/1000", out.Shutter)
}

func TestResolve_ExplicitShutterIgnoresMeter(t *testing.T) {
	profile := config.Profile{ID: "a", ISO: 400, Shutter: "1/250"}
	out := Resolve(profile, "sunrise", SunPosition{}, MeterReading{Valid: true, SuggestedShutter: "1/1000"}, nil, SmoothingConfig{})
	assert.Equal(t, "1/250", out.Shutter)
}

func TestResolve_SmoothingCapsPerFrameStep(t *testing.T) {
	profile := config.Profile{ID: "a", ISO: 400, Shutter: "1/250", ExposureCompensation: 2.0}
	history := []HistoryFrame{{ExposureCompensation: 0.0}}
	smoothing := SmoothingConfig{Enabled: true, Alpha: 1.0, MaxStepEV: 0.3}

	out := Resolve(profile, "sunrise", SunPosition{}, MeterReading{}, history, smoothing)
	assert.Equal(t, 0.3, out.ExposureCompensation)
}

func TestResolve_ScheduleOverrideMerge(t *testing.T) {
	iso := 800
	profile := config.Profile{
		ID:  "a",
		ISO: 400,
		ScheduleOverrides: map[string]config.ProfileOverride{
			"sunrise": {ISO: &iso},
		},
	}
	out := Resolve(profile, "sunrise", SunPosition{}, MeterReading{}, nil, SmoothingConfig{})
	assert.Equal(t, 800, out.ISO)
}

func assertNotNil(t *testing.T, v *float64) float64 {
	t.Helper()
	if v == nil {
		t.Fatal("expected non-nil value")
	}
	return *v
}
