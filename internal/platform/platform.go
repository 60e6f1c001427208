// Package platform holds the process-wide platform info store: per-model
// tuning records keyed by vendor UUID and the capture-profile table keyed by
// (operating mode, input mode).
//
// The store is immutable after [Load]; streams treat it as an injected
// read-only dependency.
package platform

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ferralune/kephra/pkg/audio"
)

// OperatingMode selects the power/performance point of a capture path.
type OperatingMode string

const (
	// ModeLowPower is the low-power-island path.
	ModeLowPower OperatingMode = "low_power"

	// ModeHighPerf is the full-performance path.
	ModeHighPerf OperatingMode = "high_perf"

	// ModeHighPerfAndCharging is the full-performance path forced while the
	// device charges.
	ModeHighPerfAndCharging OperatingMode = "high_perf_and_charging"
)

// IsValid reports whether m is a recognised operating mode.
func (m OperatingMode) IsValid() bool {
	switch m {
	case ModeLowPower, ModeHighPerf, ModeHighPerfAndCharging:
		return true
	}
	return false
}

// InputMode selects the physical input route of a capture path.
type InputMode string

const (
	// InputHandset routes capture through the built-in mic.
	InputHandset InputMode = "handset"

	// InputHeadset routes capture through a wired headset mic.
	InputHeadset InputMode = "headset"
)

// IsValid reports whether m is a recognised input mode.
func (m InputMode) IsValid() bool {
	return m == InputHandset || m == InputHeadset
}

// CaptureProfile is the immutable tuple of device, PCM format, sound-card
// name, and pre-processing tuning selected by (operating mode, input mode).
type CaptureProfile struct {
	// Name labels the profile in logs.
	Name string `yaml:"name"`

	// DeviceID is the logical capture device this profile binds.
	DeviceID audio.DeviceID `yaml:"device_id"`

	// Channels, SampleRate and BitWidth describe the capture PCM format.
	Channels   uint32 `yaml:"channels"`
	SampleRate uint32 `yaml:"sample_rate"`
	BitWidth   uint32 `yaml:"bit_width"`

	// SndName is the backend sound-card name.
	SndName string `yaml:"snd_name"`

	// PreProc holds pre-processing key/value tuning applied to the device
	// path (gain, filters). Opaque to the core.
	PreProc map[string]string `yaml:"pre_proc"`
}

// Format returns the profile's PCM format as device attributes.
func (p *CaptureProfile) Format() audio.Attributes {
	return audio.Attributes{
		Format: audio.Format{
			SampleRate: p.SampleRate,
			BitWidth:   p.BitWidth,
			Channels:   p.Channels,
		},
		SndName: p.SndName,
	}
}

// Equal reports whether two profiles select the same capture path. Matching
// by identity is not enough: reload cycles rebuild the store, so profile
// comparison is field-wise on the fields that force a backend realignment.
func (p *CaptureProfile) Equal(o *CaptureProfile) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.DeviceID == o.DeviceID &&
		p.Channels == o.Channels &&
		p.SampleRate == o.SampleRate &&
		p.BitWidth == o.BitWidth &&
		p.SndName == o.SndName
}

// SoundModelInfo is the per-model platform record looked up by vendor UUID.
type SoundModelInfo struct {
	// UUID is the vendor UUID this record applies to.
	UUID uuid.UUID `yaml:"uuid"`

	// KwDurationMs is the default history-buffer length when the client's
	// recognition config carries no explicit history setting.
	KwDurationMs uint32 `yaml:"kw_duration_ms"`

	// CaptureReadDelayMs pads the ring buffer for client read latency.
	CaptureReadDelayMs uint32 `yaml:"capture_read_delay_ms"`

	// SampleRate, BitWidth and OutChannels describe the keyword capture
	// format the ring buffer is sized for.
	SampleRate  uint32 `yaml:"sample_rate"`
	BitWidth    uint32 `yaml:"bit_width"`
	OutChannels uint32 `yaml:"out_channels"`

	// StreamConfigKey is the backend graph key pair used when allocating
	// stream instance IDs.
	StreamConfigKey [2]uint32 `yaml:"stream_config_key"`
}

// Info is the immutable platform info store.
type Info struct {
	voiceUILPISupported     bool
	audioCaptureConcurrency bool
	voiceCallConcurrency    bool
	voipConcurrency         bool
	supportDevSwitch        bool
	models                  map[uuid.UUID]*SoundModelInfo
	profiles                map[profileKey]*CaptureProfile
}

type profileKey struct {
	op    OperatingMode
	input InputMode
}

// VoiceUILPISupported reports whether the low-power-island path exists.
func (i *Info) VoiceUILPISupported() bool { return i.voiceUILPISupported }

// AudioCaptureConcurrencySupported reports whether voice UI may stay armed
// while another capture stream runs.
func (i *Info) AudioCaptureConcurrencySupported() bool { return i.audioCaptureConcurrency }

// VoiceCallConcurrencySupported reports whether voice UI may stay armed
// during a voice call.
func (i *Info) VoiceCallConcurrencySupported() bool { return i.voiceCallConcurrency }

// VoipConcurrencySupported reports whether voice UI may stay armed during a
// VoIP call.
func (i *Info) VoipConcurrencySupported() bool { return i.voipConcurrency }

// SupportDevSwitch reports whether capture may move to a wired headset when
// one is available.
func (i *Info) SupportDevSwitch() bool { return i.supportDevSwitch }

// SoundModelInfo returns the per-model record for the given vendor UUID.
func (i *Info) SoundModelInfo(id uuid.UUID) (*SoundModelInfo, bool) {
	sm, ok := i.models[id]
	return sm, ok
}

// CaptureProfile returns the profile for the given mode pair.
func (i *Info) CaptureProfile(op OperatingMode, input InputMode) (*CaptureProfile, bool) {
	p, ok := i.profiles[profileKey{op: op, input: input}]
	return p, ok
}

func (i *Info) validate() error {
	if len(i.models) == 0 {
		return fmt.Errorf("platform: no sound-model records configured")
	}
	if len(i.profiles) == 0 {
		return fmt.Errorf("platform: no capture profiles configured")
	}
	for k, p := range i.profiles {
		if p.SampleRate == 0 || p.BitWidth == 0 || p.Channels == 0 {
			return fmt.Errorf("platform: capture profile %q (%s/%s) has zero format fields", p.Name, k.op, k.input)
		}
	}
	for id, sm := range i.models {
		if sm.SampleRate == 0 || sm.BitWidth == 0 || sm.OutChannels == 0 {
			return fmt.Errorf("platform: model record %s has zero format fields", id)
		}
		if sm.KwDurationMs == 0 {
			return fmt.Errorf("platform: model record %s has zero keyword duration", id)
		}
	}
	return nil
}
