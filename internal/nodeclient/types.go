package nodeclient

// CaptureRequest is the JSON body sent to POST /capture and
// POST /capture-bracket, per spec §6.
type CaptureRequest struct {
	ISO                  int       `json:"iso"`
	ShutterSpeed         string    `json:"shutter_speed"`
	ExposureCompensation float64   `json:"exposure_compensation"`
	AWBMode              string    `json:"awb_mode"`
	WBTemperature        *float64  `json:"wb_temperature,omitempty"`
	AEMeteringMode       string    `json:"ae_metering_mode"`
	Profile              string    `json:"profile"`
	Schedule             string    `json:"schedule"`
	PrimaryBackend       string    `json:"primary_backend,omitempty"`
	BracketExposures     []float64 `json:"bracket_exposures,omitempty"`
}

// CaptureResponse is returned by POST /capture.
type CaptureResponse struct {
	Status          string                 `json:"status"`
	Filename        string                 `json:"filename"`
	Filepath        string                 `json:"filepath"`
	SettingsApplied map[string]interface{} `json:"settings_applied"`
}

// BracketResponse is returned by POST /capture-bracket.
type BracketResponse struct {
	Status    string   `json:"status"`
	Filenames []string `json:"filenames"`
	Count     int      `json:"count"`
}

// MeterReading is returned by GET /meter.
type MeterReading struct {
	LuxValue         float64  `json:"lux_value"`
	SuggestedISO     int      `json:"suggested_iso,omitempty"`
	SuggestedShutter string   `json:"suggested_shutter,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// DeployProfileRequest is the body sent to POST /profile/deploy.
type DeployProfileRequest struct {
	ProfileID string                 `json:"profile_id"`
	Settings  map[string]interface{} `json:"settings"`
}
