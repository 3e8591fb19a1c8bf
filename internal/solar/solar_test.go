package solar

import (
	"testing"
	"time"

	"github.com/skylapse/brain/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculator_SunriseAtMidLatitude(t *testing.T) {
	loc := config.Location{Latitude: 39.609573, Longitude: -105.314163, Timezone: "America/Denver"}
	schedule := config.Schedule{
		ID:              "sunrise",
		Type:            config.ScheduleSolarRelative,
		Anchor:          config.AnchorSunrise,
		OffsetMinutes:   -30,
		DurationMinutes: 60,
		IntervalSeconds: 2,
	}

	calc := NewCalculator()
	date := time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC)
	win, err := calc.Window(loc, schedule, date)
	require.NoError(t, err)

	// Sunrise near Denver on 2025-10-02 is roughly 06:59 local (12:59 UTC,
	// MDT is UTC-6); window opens 30 minutes earlier.
	assert.WithinDuration(t, time.Date(2025, 10, 2, 12, 34, 0, 0, time.UTC), win.Start, 10*time.Minute)
	assert.Equal(t, 60*time.Minute, win.End.Sub(win.Start))
}

func TestCalculator_TimeOfDayWindow(t *testing.T) {
	loc := config.Location{Latitude: 37.77, Longitude: -122.42, Timezone: "America/Los_Angeles"}
	schedule := config.Schedule{
		ID:    "daytime",
		Type:  config.ScheduleTimeOfDay,
		Start: "09:00",
		End:   "15:00",
	}

	calc := NewCalculator()
	date := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	win, err := calc.Window(loc, schedule, date)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, win.End.Sub(win.Start))
}

func TestCalculator_UnknownAnchorIsInvalidSchedule(t *testing.T) {
	loc := config.Location{Latitude: 37.77, Longitude: -122.42, Timezone: "America/Los_Angeles"}
	schedule := config.Schedule{Type: config.ScheduleSolarRelative, Anchor: "noon", DurationMinutes: 10}

	calc := NewCalculator()
	_, err := calc.Window(loc, schedule, time.Now())
	require.Error(t, err)
	var invalid *InvalidScheduleError
	require.ErrorAs(t, err, &invalid)
}

func TestCalculator_PolarNightReturnsNoSolarEvent(t *testing.T) {
	loc := config.Location{Latitude: 78.0, Longitude: 15.0, Timezone: "UTC"}
	schedule := config.Schedule{Type: config.ScheduleSolarRelative, Anchor: config.AnchorSunrise, DurationMinutes: 30}

	calc := NewCalculator()
	date := time.Date(2025, 12, 21, 0, 0, 0, 0, time.UTC)
	_, err := calc.Window(loc, schedule, date)
	require.Error(t, err)
	var noEvent *NoSolarEventError
	require.ErrorAs(t, err, &noEvent)
}

func TestCalculator_InvalidLatitudeRejected(t *testing.T) {
	loc := config.Location{Latitude: 120, Longitude: 0, Timezone: "UTC"}
	schedule := config.Schedule{Type: config.ScheduleSolarRelative, Anchor: config.AnchorSunrise, DurationMinutes: 10}

	calc := NewCalculator()
	_, err := calc.Window(loc, schedule, time.Now())
	require.Error(t, err)
	var invalid *InvalidLocationError
	require.ErrorAs(t, err, &invalid)
}

func TestLRUCache_EvictsStrictLRU(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", solarEvents{})
	c.put("b", solarEvents{})
	c.put("a", solarEvents{}) // touch a, making b least-recently-used
	c.put("c", solarEvents{}) // evicts b

	_, aOK := c.get("a")
	_, bOK := c.get("b")
	_, cOK := c.get("c")

	assert.True(t, aOK)
	assert.False(t, bOK)
	assert.True(t, cOK)
}

func TestCalculator_CachesWindowAcrossCalls(t *testing.T) {
	loc := config.Location{Latitude: 37.77, Longitude: -122.42, Timezone: "America/Los_Angeles"}
	schedule := config.Schedule{Type: config.ScheduleSolarRelative, Anchor: config.AnchorSunrise, DurationMinutes: 30}
	calc := NewCalculator()
	date := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	first, err := calc.Window(loc, schedule, date)
	require.NoError(t, err)
	second, err := calc.Window(loc, schedule, date)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
