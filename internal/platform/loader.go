package platform

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML schema of the platform info file.
type fileConfig struct {
	VoiceUILPISupported     bool `yaml:"voice_ui_lpi_supported"`
	AudioCaptureConcurrency bool `yaml:"audio_capture_concurrency"`
	VoiceCallConcurrency    bool `yaml:"voice_call_concurrency"`
	VoipConcurrency         bool `yaml:"voip_concurrency"`
	SupportDevSwitch        bool `yaml:"support_dev_switch"`

	SoundModels []soundModelEntry `yaml:"sound_models"`
	Profiles    []profileEntry    `yaml:"capture_profiles"`
}

type soundModelEntry struct {
	UUID               string    `yaml:"uuid"`
	KwDurationMs       uint32    `yaml:"kw_duration_ms"`
	CaptureReadDelayMs uint32    `yaml:"capture_read_delay_ms"`
	SampleRate         uint32    `yaml:"sample_rate"`
	BitWidth           uint32    `yaml:"bit_width"`
	OutChannels        uint32    `yaml:"out_channels"`
	StreamConfigKey    [2]uint32 `yaml:"stream_config_key"`
}

type profileEntry struct {
	OperatingMode  OperatingMode  `yaml:"operating_mode"`
	InputMode      InputMode      `yaml:"input_mode"`
	CaptureProfile `yaml:",inline"`
}

// Load reads the platform info YAML at path and returns a validated,
// immutable [Info]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("platform: open %q: %w", path, err)
	}
	defer f.Close()

	info, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("platform: parse %q: %w", path, err)
	}
	return info, nil
}

// LoadFromReader decodes the platform info YAML from r and validates the
// result. Useful in tests where stores are built from string literals.
func LoadFromReader(r io.Reader) (*Info, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("platform: decode yaml: %w", err)
	}

	info := &Info{
		voiceUILPISupported:     fc.VoiceUILPISupported,
		audioCaptureConcurrency: fc.AudioCaptureConcurrency,
		voiceCallConcurrency:    fc.VoiceCallConcurrency,
		voipConcurrency:         fc.VoipConcurrency,
		supportDevSwitch:        fc.SupportDevSwitch,
		models:                  make(map[uuid.UUID]*SoundModelInfo, len(fc.SoundModels)),
		profiles:                make(map[profileKey]*CaptureProfile, len(fc.Profiles)),
	}

	for i, e := range fc.SoundModels {
		id, err := uuid.Parse(e.UUID)
		if err != nil {
			return nil, fmt.Errorf("platform: sound_models[%d].uuid %q: %w", i, e.UUID, err)
		}
		if _, dup := info.models[id]; dup {
			return nil, fmt.Errorf("platform: duplicate sound model uuid %s", id)
		}
		info.models[id] = &SoundModelInfo{
			UUID:               id,
			KwDurationMs:       e.KwDurationMs,
			CaptureReadDelayMs: e.CaptureReadDelayMs,
			SampleRate:         e.SampleRate,
			BitWidth:           e.BitWidth,
			OutChannels:        e.OutChannels,
			StreamConfigKey:    e.StreamConfigKey,
		}
	}

	for i, e := range fc.Profiles {
		if !e.OperatingMode.IsValid() {
			return nil, fmt.Errorf("platform: capture_profiles[%d].operating_mode %q is invalid", i, e.OperatingMode)
		}
		if !e.InputMode.IsValid() {
			return nil, fmt.Errorf("platform: capture_profiles[%d].input_mode %q is invalid", i, e.InputMode)
		}
		key := profileKey{op: e.OperatingMode, input: e.InputMode}
		if _, dup := info.profiles[key]; dup {
			return nil, fmt.Errorf("platform: duplicate capture profile for %s/%s", e.OperatingMode, e.InputMode)
		}
		p := e.CaptureProfile
		info.profiles[key] = &p
	}

	if err := info.validate(); err != nil {
		return nil, err
	}
	return info, nil
}
