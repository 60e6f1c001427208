// Package audio defines the capture-device contract and media-format types
// shared between the keyphrase stream core, the resource manager's device
// registry, and the device backends.
//
// The primary abstraction is [Device] — a shared capture endpoint fetched from
// a process-wide registry. A stream never owns its device exclusively: it
// holds a reference and configures attributes from its capture profile.
// Open calls are reference counted by the backend; running use is counted
// by the resource manager's device registration.
//
// Implementations are provided by backend packages (audio/malgo for real
// microphones, audio/mock for tests). This package lives under pkg/ because
// external device backends are expected to implement [Device].
package audio

// DeviceID identifies a logical capture endpoint. Physical jacks map onto
// these logical IDs: handset and speaker mics resolve to the handset
// voice-activation mic, wired headsets to the headset voice-activation mic.
type DeviceID int

const (
	// DeviceNone is the zero value; no device selected.
	DeviceNone DeviceID = iota

	// DeviceHandsetMic is the built-in handset/speaker microphone jack.
	DeviceHandsetMic

	// DeviceSpeakerMic is the speakerphone microphone jack.
	DeviceSpeakerMic

	// DeviceWiredHeadset is a plugged wired headset microphone.
	DeviceWiredHeadset

	// DeviceHandsetVAMic is the logical always-on voice-activation path over
	// the handset mic.
	DeviceHandsetVAMic

	// DeviceHeadsetVAMic is the logical always-on voice-activation path over
	// a wired headset mic.
	DeviceHeadsetVAMic
)

// String returns the human-readable name of the device ID.
func (id DeviceID) String() string {
	switch id {
	case DeviceNone:
		return "none"
	case DeviceHandsetMic:
		return "handset-mic"
	case DeviceSpeakerMic:
		return "speaker-mic"
	case DeviceWiredHeadset:
		return "wired-headset"
	case DeviceHandsetVAMic:
		return "handset-va-mic"
	case DeviceHeadsetVAMic:
		return "headset-va-mic"
	default:
		return "unknown"
	}
}

// Format describes the PCM configuration of a capture path. A device adopts
// the format of the stream's current capture profile before it is started.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for low-power keyword capture).
	SampleRate uint32

	// BitWidth is the sample width in bits (16, 24, or 32).
	BitWidth uint32

	// Channels is the channel count (1–8).
	Channels uint32
}

// Attributes carries the full configuration applied to a device before
// start: the PCM format plus the backend sound-card name selected by the
// capture profile.
type Attributes struct {
	Format

	// SndName is the backend sound-card name from the capture profile
	// (e.g., "va-mic-lp"). Backends may ignore it.
	SndName string
}

// Device is a shared capture endpoint. All methods are safe for concurrent
// use; Open/Close are reference counted by implementations so that multiple
// streams can share one physical endpoint. Start/Stop are not: one Stop
// halts capture for every holder.
//
// The stream core drives the lifecycle as
// SetAttributes → Open → SetAttributes → Start → Stop → Close; SetAttributes
// is applied again before every Start to renegotiate the capture profile.
type Device interface {
	// ID returns the logical device ID this instance represents.
	ID() DeviceID

	// Open prepares the endpoint for capture. Open is reference counted:
	// the first Open acquires the backend resource, subsequent Opens only
	// bump the count.
	Open() error

	// Close releases one reference; the last Close tears down the backend
	// resource. Closing an unopened device is an error.
	Close() error

	// Start begins capture with the current attributes.
	Start() error

	// Stop halts capture. The device stays open and can be restarted.
	Stop() error

	// SetAttributes applies a new capture configuration. Must be called
	// while the device is not started.
	SetAttributes(attr Attributes) error

	// Attributes returns the currently applied configuration.
	Attributes() Attributes
}
