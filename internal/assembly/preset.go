package assembly

// QualityPreset is one of the enumerated output quality tiers (spec §4.8).
type QualityPreset string

const (
	PresetPreview QualityPreset = "preview"
	PresetMedium  QualityPreset = "medium"
	PresetHigh    QualityPreset = "high"
)

// encoderParams is the fixed (CRF, preset name, pixel format) tuple an
// encoder invocation uses for one quality tier.
type encoderParams struct {
	CRF          int
	PresetName   string
	PixelFormat  string
}

var presetParams = map[QualityPreset]encoderParams{
	PresetPreview: {CRF: 30, PresetName: "veryfast", PixelFormat: "yuv420p"},
	PresetMedium:  {CRF: 23, PresetName: "medium", PixelFormat: "yuv420p"},
	PresetHigh:    {CRF: 18, PresetName: "slow", PixelFormat: "yuv420p"},
}

// Valid reports whether p is one of the enumerated presets.
func (p QualityPreset) Valid() bool {
	_, ok := presetParams[p]
	return ok
}
