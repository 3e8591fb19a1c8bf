// Package solar computes sunrise/sunset-derived capture windows using the
// NOAA solar position algorithm, with a small strict-LRU cache keyed by
// (date, location) so the scheduler can call Window once per tick cheaply.
package solar

import (
	"fmt"
	"math"
	"time"

	"github.com/skylapse/brain/internal/config"
)

const cacheCapacity = 8

// Anchor is an alias of config.SolarAnchor, so the scheduler passes
// config.AnchorSunrise / config.AnchorSunset values directly.
type Anchor = config.SolarAnchor

// Window is the resolved [start, end] capture window for one schedule on one
// local date, expressed as UTC instants.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether instant t falls within the window, inclusive of
// both ends per spec §8's window-containment property.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// InvalidLocationError is returned when a Location's coordinates are out of
// range. Config validation should normally prevent this from reaching here.
type InvalidLocationError struct {
	Reason string
}

func (e *InvalidLocationError) Error() string { return "solar: invalid location: " + e.Reason }

// InvalidScheduleError is returned for an unknown anchor or non-positive
// duration on a solar_relative schedule.
type InvalidScheduleError struct {
	Reason string
}

func (e *InvalidScheduleError) Error() string { return "solar: invalid schedule: " + e.Reason }

// NoSolarEventError is returned when the sun does not rise or set at all on
// the given date (polar day/night). The scheduler treats the schedule as
// disabled for that date.
type NoSolarEventError struct {
	Date time.Time
}

func (e *NoSolarEventError) Error() string {
	return fmt.Sprintf("solar: no sunrise/sunset on %s at this latitude", e.Date.Format("2006-01-02"))
}

// Calculator computes and caches capture windows.
type Calculator struct {
	cache *lruCache
}

// NewCalculator returns a Calculator with the spec-mandated 8-entry cache.
func NewCalculator() *Calculator {
	return &Calculator{cache: newLRUCache(cacheCapacity)}
}

// Window returns the UTC instants bounding schedule s's capture window on
// dateLocal (only its year, month and day are used, taken as a calendar date
// in loc's timezone), per spec §4.1.
func (c *Calculator) Window(loc config.Location, s config.Schedule, dateLocal time.Time) (Window, error) {
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return Window{}, &InvalidLocationError{Reason: "latitude out of range"}
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return Window{}, &InvalidLocationError{Reason: "longitude out of range"}
	}

	tz, err := time.LoadLocation(loc.Timezone)
	if err != nil {
		return Window{}, &InvalidLocationError{Reason: "unknown timezone " + loc.Timezone}
	}

	y, mo, d := dateLocal.Date()
	day := time.Date(y, mo, d, 0, 0, 0, 0, tz)

	dateKey := day.Format("2006-01-02")
	locationHash := locationHash(loc)
	cacheKey := dateKey + "|" + locationHash

	events, ok := c.cache.get(cacheKey)
	if !ok {
		sunrise, sunset, err := sunriseSunset(day, loc.Latitude, loc.Longitude, tz)
		if err != nil {
			c.cache.put(cacheKey, solarEvents{err: err})
			return Window{}, err
		}
		events = solarEvents{sunrise: sunrise, sunset: sunset}
		c.cache.put(cacheKey, events)
	}
	if events.err != nil {
		return Window{}, events.err
	}

	switch s.Type {
	case config.ScheduleSolarRelative:
		var anchor time.Time
		switch s.Anchor {
		case config.AnchorSunrise:
			anchor = events.sunrise
		case config.AnchorSunset:
			anchor = events.sunset
		default:
			return Window{}, &InvalidScheduleError{Reason: "unknown anchor " + string(s.Anchor)}
		}
		if s.DurationMinutes <= 0 {
			return Window{}, &InvalidScheduleError{Reason: "duration_minutes must be positive"}
		}
		start := anchor.Add(time.Duration(s.OffsetMinutes) * time.Minute)
		end := start.Add(time.Duration(s.DurationMinutes) * time.Minute)
		return Window{Start: start.UTC(), End: end.UTC()}, nil

	case config.ScheduleTimeOfDay:
		startLocal, err := combineDateAndClock(day, s.Start, tz)
		if err != nil {
			return Window{}, &InvalidScheduleError{Reason: err.Error()}
		}
		endLocal, err := combineDateAndClock(day, s.End, tz)
		if err != nil {
			return Window{}, &InvalidScheduleError{Reason: err.Error()}
		}
		if endLocal.Before(startLocal) {
			return Window{}, &InvalidScheduleError{Reason: "end before start (midnight wrap out of scope)"}
		}
		return Window{Start: startLocal.UTC(), End: endLocal.UTC()}, nil

	default:
		return Window{}, &InvalidScheduleError{Reason: "unknown schedule type " + string(s.Type)}
	}
}

func combineDateAndClock(dateLocal time.Time, hhmm string, tz *time.Location) (time.Time, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return time.Time{}, fmt.Errorf("malformed time of day %q", hhmm)
	}
	y, mo, d := dateLocal.Date()
	return time.Date(y, mo, d, h, m, 0, 0, tz), nil
}

func locationHash(loc config.Location) string {
	return fmt.Sprintf("%.6f,%.6f,%s", loc.Latitude, loc.Longitude, loc.Timezone)
}

// sunriseSunset implements the NOAA solar position algorithm. Accuracy
// target is +/- 60 seconds, well within the scheduler's tick resolution.
func sunriseSunset(dateLocal time.Time, latitude, longitude float64, tz *time.Location) (sunrise, sunset time.Time, err error) {
	y, m, d := dateLocal.Date()
	noon := time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
	julianDay := toJulianDay(noon)

	julianCentury := (julianDay - 2451545.0) / 36525.0

	geomMeanLongSun := math.Mod(280.46646+julianCentury*(36000.76983+julianCentury*0.0003032), 360)
	geomMeanAnomSun := 357.52911 + julianCentury*(35999.05029-0.0001537*julianCentury)
	eccentEarthOrbit := 0.016708634 - julianCentury*(0.000042037+0.0000001267*julianCentury)

	sunEqOfCtr := math.Sin(deg2rad(geomMeanAnomSun))*(1.914602-julianCentury*(0.004817+0.000014*julianCentury)) +
		math.Sin(deg2rad(2*geomMeanAnomSun))*(0.019993-0.000101*julianCentury) +
		math.Sin(deg2rad(3*geomMeanAnomSun))*0.000289

	sunTrueLong := geomMeanLongSun + sunEqOfCtr
	sunAppLong := sunTrueLong - 0.00569 - 0.00478*math.Sin(deg2rad(125.04-1934.136*julianCentury))

	meanObliqEcliptic := 23 + (26+(21.448-julianCentury*(46.815+julianCentury*(0.00059-julianCentury*0.001813)))/60)/60
	obliqCorr := meanObliqEcliptic + 0.00256*math.Cos(deg2rad(125.04-1934.136*julianCentury))

	sunDeclin := math.Asin(math.Sin(deg2rad(obliqCorr)) * math.Sin(deg2rad(sunAppLong)))

	varY := math.Tan(deg2rad(obliqCorr/2)) * math.Tan(deg2rad(obliqCorr/2))
	eqOfTime := 4 * rad2deg(varY*math.Sin(2*deg2rad(geomMeanLongSun))-
		2*eccentEarthOrbit*math.Sin(deg2rad(geomMeanAnomSun))+
		4*eccentEarthOrbit*varY*math.Sin(deg2rad(geomMeanAnomSun))*math.Cos(2*deg2rad(geomMeanLongSun))-
		0.5*varY*varY*math.Sin(4*deg2rad(geomMeanLongSun))-
		1.25*eccentEarthOrbit*eccentEarthOrbit*math.Sin(2*deg2rad(geomMeanAnomSun)))

	latRad := deg2rad(latitude)
	cosHourAngle := (math.Cos(deg2rad(90.833)) / (math.Cos(latRad) * math.Cos(sunDeclin))) -
		math.Tan(latRad)*math.Tan(sunDeclin)

	if cosHourAngle < -1 || cosHourAngle > 1 {
		return time.Time{}, time.Time{}, &NoSolarEventError{Date: dateLocal}
	}

	haSunrise := rad2deg(math.Acos(cosHourAngle))

	solarNoonMinutes := 720 - 4*longitude - eqOfTime
	sunriseMinutes := solarNoonMinutes - 4*haSunrise
	sunsetMinutes := solarNoonMinutes + 4*haSunrise

	sunrise = minutesToUTC(y, m, d, sunriseMinutes, tz)
	sunset = minutesToUTC(y, m, d, sunsetMinutes, tz)
	return sunrise, sunset, nil
}

func minutesToUTC(y int, m time.Month, d int, minutesFromUTCMidnight float64, tz *time.Location) time.Time {
	base := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(minutesFromUTCMidnight * float64(time.Minute)))
}

func toJulianDay(t time.Time) float64 {
	return float64(t.Unix())/86400.0 + 2440587.5
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
