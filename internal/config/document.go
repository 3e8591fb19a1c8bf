package config

import (
	"fmt"
	"sort"
)

// Location pins the solar calculator to a place on Earth. Immutable for the
// lifetime of a process; a config reload may replace it wholesale.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}

// ScheduleType distinguishes sun-relative windows from fixed clock windows.
type ScheduleType string

const (
	ScheduleSolarRelative ScheduleType = "solar_relative"
	ScheduleTimeOfDay     ScheduleType = "time_of_day"
)

// SolarAnchor is the event a solar_relative schedule's offset is measured from.
type SolarAnchor string

const (
	AnchorSunrise SolarAnchor = "sunrise"
	AnchorSunset  SolarAnchor = "sunset"
)

// Schedule names a capture window and the cadence within it.
type Schedule struct {
	ID      string       `json:"id"`
	Enabled bool         `json:"enabled"`
	Type    ScheduleType `json:"type"`

	// solar_relative fields
	Anchor         SolarAnchor `json:"anchor,omitempty"`
	OffsetMinutes  int         `json:"offset_minutes,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`

	// time_of_day fields, "HH:MM" in Location's timezone
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`

	IntervalSeconds int      `json:"interval_seconds"`
	Profiles        []string `json:"profiles"`

	Smoothing Smoothing `json:"smoothing,omitempty"`
}

// Smoothing configures the bounded exponential moving average applied to a
// schedule's effective exposure settings (spec §4.5 step 5). Off by default;
// state is kept in memory only and never persists across restarts (spec §9).
type Smoothing struct {
	Enabled    bool    `json:"enabled,omitempty"`
	Alpha      float64 `json:"alpha,omitempty"`       // EMA weight for the new sample, in (0, 1]
	MaxStepEV  float64 `json:"max_step_ev,omitempty"` // per-frame cap, in EV-equivalent stops
	WindowSize int     `json:"window_size,omitempty"` // history frames retained, defaults to 5
}

// MeteringMode selects the node's exposure metering strategy.
type MeteringMode string

const (
	MeteringMatrix MeteringMode = "matrix"
	MeteringCenter MeteringMode = "center"
	MeteringSpot   MeteringMode = "spot"
)

// AWBMode selects the node's white balance strategy.
type AWBMode string

const (
	AWBAuto        AWBMode = "auto"
	AWBDaylight    AWBMode = "daylight"
	AWBCloudy      AWBMode = "cloudy"
	AWBTungsten    AWBMode = "tungsten"
	AWBFluorescent AWBMode = "fluorescent"
	AWBCustom      AWBMode = "custom"
)

// WBCurvePoint is one (lux, kelvin) anchor of an adaptive white balance curve.
// The curve must be sorted and monotone increasing in LuxThreshold.
type WBCurvePoint struct {
	LuxThreshold float64 `json:"lux_threshold"`
	TempKelvin   float64 `json:"temp_kelvin"`
}

// Profile captures the intent for one image per tick.
type Profile struct {
	ID                  string                    `json:"id"`
	Name                string                    `json:"name"`
	MeteringMode        MeteringMode              `json:"metering_mode"`
	AWBMode             AWBMode                   `json:"awb_mode"`
	ExposureCompensation float64                  `json:"exposure_compensation"`
	ISO                 int                        `json:"iso"`
	Shutter             string                     `json:"shutter"`
	HDREnabled          bool                       `json:"hdr_enabled"`
	BracketExposures    []float64                  `json:"bracket_exposures,omitempty"`
	AdaptiveWBCurve     []WBCurvePoint             `json:"adaptive_wb_curve,omitempty"`
	ScheduleOverrides   map[string]ProfileOverride `json:"schedule_overrides,omitempty"`
}

// ProfileOverride is a partial Profile applied for one schedule. Nil fields
// mean "inherit the base profile's value".
type ProfileOverride struct {
	MeteringMode         *MeteringMode  `json:"metering_mode,omitempty"`
	AWBMode              *AWBMode       `json:"awb_mode,omitempty"`
	ExposureCompensation *float64       `json:"exposure_compensation,omitempty"`
	ISO                  *int           `json:"iso,omitempty"`
	Shutter              *string        `json:"shutter,omitempty"`
	HDREnabled           *bool          `json:"hdr_enabled,omitempty"`
	BracketExposures     []float64      `json:"bracket_exposures,omitempty"`
	AdaptiveWBCurve      []WBCurvePoint `json:"adaptive_wb_curve,omitempty"`
}

// Merged returns a copy of p with any override fields for scheduleID applied.
func (p Profile) Merged(scheduleID string) Profile {
	ov, ok := p.ScheduleOverrides[scheduleID]
	if !ok {
		return p
	}
	merged := p
	if ov.MeteringMode != nil {
		merged.MeteringMode = *ov.MeteringMode
	}
	if ov.AWBMode != nil {
		merged.AWBMode = *ov.AWBMode
	}
	if ov.ExposureCompensation != nil {
		merged.ExposureCompensation = *ov.ExposureCompensation
	}
	if ov.ISO != nil {
		merged.ISO = *ov.ISO
	}
	if ov.Shutter != nil {
		merged.Shutter = *ov.Shutter
	}
	if ov.HDREnabled != nil {
		merged.HDREnabled = *ov.HDREnabled
	}
	if ov.BracketExposures != nil {
		merged.BracketExposures = ov.BracketExposures
	}
	if ov.AdaptiveWBCurve != nil {
		merged.AdaptiveWBCurve = ov.AdaptiveWBCurve
	}
	return merged
}

// NodeRole is advisory; scheduling treats all enabled nodes uniformly.
type NodeRole string

const (
	RolePrimary   NodeRole = "primary"
	RoleSecondary NodeRole = "secondary"
)

// Node is a remote capture executor addressed by HTTP.
type Node struct {
	ID   string   `json:"id"`
	Host string   `json:"host"`
	Port int      `json:"port"`
	Role NodeRole `json:"role"`
}

// SchedulerSettings holds the tunables referenced by §4.6 of the scheduler.
type SchedulerSettings struct {
	TickIntervalSeconds  int `json:"tick_interval_seconds,omitempty"`
	MeterTTLSeconds      int `json:"meter_ttl_seconds,omitempty"`
	MaxParallelCaptures  int `json:"max_parallel_captures,omitempty"`
}

// Identity is the free-form primary-backend token described in spec §6. The
// Brain never validates it; it only forwards it to nodes that opt in.
type Identity struct {
	PrimaryBackend string `json:"primary_backend,omitempty"`
}

// Config is the full on-disk document: location, schedules, profiles, nodes
// and scheduler tunables. It is the unit that Store loads, snapshots and
// saves atomically.
type Config struct {
	Location  Location          `json:"location"`
	Schedules []Schedule        `json:"schedules"`
	Profiles  []Profile         `json:"profiles"`
	Nodes     []Node            `json:"nodes"`
	Scheduler SchedulerSettings `json:"scheduler,omitempty"`
	Brain     Identity          `json:"brain,omitempty"`
}

// ProfileByID returns the profile with the given id, if any.
func (c Config) ProfileByID(id string) (Profile, bool) {
	for _, p := range c.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// ScheduleByID returns the schedule with the given id, if any.
func (c Config) ScheduleByID(id string) (Schedule, bool) {
	for _, s := range c.Schedules {
		if s.ID == id {
			return s, true
		}
	}
	return Schedule{}, false
}

// EnabledSchedules returns the subset of Schedules with Enabled == true.
func (c Config) EnabledSchedules() []Schedule {
	out := make([]Schedule, 0, len(c.Schedules))
	for _, s := range c.Schedules {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks every invariant in spec §3 and returns the first violation
// found, wrapped as a ConfigError naming the offending path.
func (c Config) Validate() error {
	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		return &ConfigError{Path: "location.latitude", Reason: "out of range [-90, 90]"}
	}
	if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
		return &ConfigError{Path: "location.longitude", Reason: "out of range [-180, 180]"}
	}
	if c.Location.Timezone == "" {
		return &ConfigError{Path: "location.timezone", Reason: "must not be empty"}
	}

	profileIDs := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.ID == "" {
			return &ConfigError{Path: fmt.Sprintf("profiles[%d].id", i), Reason: "must not be empty"}
		}
		if profileIDs[p.ID] {
			return &ConfigError{Path: fmt.Sprintf("profiles[%d].id", i), Reason: fmt.Sprintf("duplicate profile id %q", p.ID)}
		}
		profileIDs[p.ID] = true

		if p.ExposureCompensation < -2.0 || p.ExposureCompensation > 2.0 {
			return &ConfigError{Path: fmt.Sprintf("profiles[%d].exposure_compensation", i), Reason: "must be in [-2.0, 2.0]"}
		}
		if !validISO(p.ISO) {
			return &ConfigError{Path: fmt.Sprintf("profiles[%d].iso", i), Reason: "must be 0 or one of 100,200,400,800,1600"}
		}
		if p.HDREnabled {
			if len(p.BracketExposures) < 3 {
				return &ConfigError{Path: fmt.Sprintf("profiles[%d].bracket_exposures", i), Reason: "hdr_enabled requires at least 3 bracket exposures"}
			}
			for j, b := range p.BracketExposures {
				if b < -2.0 || b > 2.0 {
					return &ConfigError{Path: fmt.Sprintf("profiles[%d].bracket_exposures[%d]", i, j), Reason: "must be in [-2.0, 2.0]"}
				}
			}
		}
		if len(p.AdaptiveWBCurve) > 0 {
			curve := append([]WBCurvePoint(nil), p.AdaptiveWBCurve...)
			if !sort.SliceIsSorted(curve, func(a, b int) bool { return curve[a].LuxThreshold < curve[b].LuxThreshold }) {
				return &ConfigError{Path: fmt.Sprintf("profiles[%d].adaptive_wb_curve", i), Reason: "must be monotone increasing in lux_threshold"}
			}
		}
	}

	scheduleIDs := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.ID == "" {
			return &ConfigError{Path: fmt.Sprintf("schedules[%d].id", i), Reason: "must not be empty"}
		}
		if scheduleIDs[s.ID] {
			return &ConfigError{Path: fmt.Sprintf("schedules[%d].id", i), Reason: fmt.Sprintf("duplicate schedule id %q", s.ID)}
		}
		scheduleIDs[s.ID] = true

		if s.IntervalSeconds < 1 {
			return &ConfigError{Path: fmt.Sprintf("schedules[%d].interval_seconds", i), Reason: "must be >= 1"}
		}

		if s.Smoothing.Enabled {
			if s.Smoothing.Alpha <= 0 || s.Smoothing.Alpha > 1 {
				return &ConfigError{Path: fmt.Sprintf("schedules[%d].smoothing.alpha", i), Reason: "must be in (0, 1]"}
			}
			if s.Smoothing.MaxStepEV < 0 {
				return &ConfigError{Path: fmt.Sprintf("schedules[%d].smoothing.max_step_ev", i), Reason: "must be >= 0"}
			}
			if s.Smoothing.WindowSize < 0 {
				return &ConfigError{Path: fmt.Sprintf("schedules[%d].smoothing.window_size", i), Reason: "must be >= 0"}
			}
		}

		switch s.Type {
		case ScheduleSolarRelative:
			if s.Anchor != AnchorSunrise && s.Anchor != AnchorSunset {
				return &ConfigError{Path: fmt.Sprintf("schedules[%d].anchor", i), Reason: "must be sunrise or sunset"}
			}
			if s.DurationMinutes <= 0 {
				return &ConfigError{Path: fmt.Sprintf("schedules[%d].duration_minutes", i), Reason: "must be > 0"}
			}
		case ScheduleTimeOfDay:
			startM, err := parseHHMM(s.Start)
			if err != nil {
				return &ConfigError{Path: fmt.Sprintf("schedules[%d].start", i), Reason: err.Error()}
			}
			endM, err := parseHHMM(s.End)
			if err != nil {
				return &ConfigError{Path: fmt.Sprintf("schedules[%d].end", i), Reason: err.Error()}
			}
			if endM < startM {
				return &ConfigError{Path: fmt.Sprintf("schedules[%d].end", i), Reason: "end before start (midnight wrap is out of scope)"}
			}
		default:
			return &ConfigError{Path: fmt.Sprintf("schedules[%d].type", i), Reason: fmt.Sprintf("unknown schedule type %q", s.Type)}
		}

		if s.Enabled {
			if len(s.Profiles) == 0 {
				return &ConfigError{Path: fmt.Sprintf("schedules[%d].profiles", i), Reason: "enabled schedule must reference at least one profile"}
			}
			for j, pid := range s.Profiles {
				if !profileIDs[pid] {
					return &ConfigError{Path: fmt.Sprintf("schedules[%d].profiles[%d]", i, j), Reason: fmt.Sprintf("references unknown profile %q", pid)}
				}
			}
		}
	}

	nodeIDs := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.ID == "" {
			return &ConfigError{Path: fmt.Sprintf("nodes[%d].id", i), Reason: "must not be empty"}
		}
		if nodeIDs[n.ID] {
			return &ConfigError{Path: fmt.Sprintf("nodes[%d].id", i), Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		nodeIDs[n.ID] = true
		if n.Host == "" {
			return &ConfigError{Path: fmt.Sprintf("nodes[%d].host", i), Reason: "must not be empty"}
		}
		if n.Port <= 0 || n.Port > 65535 {
			return &ConfigError{Path: fmt.Sprintf("nodes[%d].port", i), Reason: "must be in (0, 65535]"}
		}
		if n.Role != RolePrimary && n.Role != RoleSecondary {
			return &ConfigError{Path: fmt.Sprintf("nodes[%d].role", i), Reason: "must be primary or secondary"}
		}
	}

	return nil
}

func validISO(iso int) bool {
	switch iso {
	case 0, 100, 200, 400, 800, 1600:
		return true
	default:
		return false
	}
}

func parseHHMM(s string) (int, error) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return 0, fmt.Errorf("must be HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("not a valid time of day: %q", s)
	}
	return h*60 + m, nil
}
