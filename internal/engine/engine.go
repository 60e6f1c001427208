// Package engine defines the detection-engine contract consumed by the
// keyphrase stream core.
//
// An Engine wraps one detection stage: the always-present first-stage GMM
// keyword detector that writes the audio ring, or an optional cascaded
// verifier (keyword or user) that reads from a ring cursor after the first
// stage fires. The stream core is stage-agnostic beyond the pinned
// first-stage handle — it drives every bound engine through this interface
// and receives verdicts back through the stream's detection entry point.
//
// Implementations are provided by backend packages; engine/mock is an
// in-memory implementation over pkg/audio/ring used by tests and the demo
// binary.
package engine

import (
	"context"
	"time"

	"github.com/ferralune/kephra/pkg/audio"
	"github.com/ferralune/kephra/pkg/audio/ring"
)

// StageID identifies a detection stage. Values are bit-disjoint because
// opaque confidence-level payloads address verifier stages by mask.
type StageID uint32

const (
	// StageGMM is the first-stage keyword detector. Exactly one GMM stage is
	// bound per stream and it owns the audio ring buffer.
	StageGMM StageID = 0x1

	// StageKeywordVerifier is a second-stage keyword confirmation model.
	StageKeywordVerifier StageID = 0x2

	// StageUserVerifier is a second-stage speaker-verification model.
	StageUserVerifier StageID = 0x4
)

// String returns the human-readable name of the stage.
func (s StageID) String() string {
	switch s {
	case StageGMM:
		return "gmm"
	case StageKeywordVerifier:
		return "keyword-verifier"
	case StageUserVerifier:
		return "user-verifier"
	default:
		return "unknown"
	}
}

// DetectionKind is the verdict an engine posts into the stream. Values are
// bit-disjoint; the stream ORs positive second-stage verdicts into its
// detection-state bitfield.
type DetectionKind uint32

const (
	// GMMDetected is the first-stage keyword trigger.
	GMMDetected DetectionKind = 0x1

	// CNNDetected is a positive verdict from a keyword verifier.
	CNNDetected DetectionKind = 0x2

	// CNNRejected is a negative verdict from a keyword verifier.
	CNNRejected DetectionKind = 0x4

	// VOPDetected is a positive verdict from a user verifier.
	VOPDetected DetectionKind = 0x8

	// VOPRejected is a negative verdict from a user verifier.
	VOPRejected DetectionKind = 0x10
)

// String returns the human-readable name of the detection kind.
func (k DetectionKind) String() string {
	switch k {
	case GMMDetected:
		return "gmm-detected"
	case CNNDetected:
		return "cnn-detected"
	case CNNRejected:
		return "cnn-rejected"
	case VOPDetected:
		return "vop-detected"
	case VOPRejected:
		return "vop-rejected"
	default:
		return "unknown"
	}
}

// Rejection reports whether k is a second-stage rejection.
func (k DetectionKind) Rejection() bool {
	return k == CNNRejected || k == VOPRejected
}

// DetectionInfo is the first-stage detection result consumed by the
// stream's callback assembly. Confidence levels are indexed by engine
// binding order; the timestamp is split into 32-bit words the way the DSP
// reports it.
type DetectionInfo struct {
	// ConfidenceLevels holds the keyword confidence per bound engine.
	ConfidenceLevels []uint8

	// TimestampLSW and TimestampMSW are the low and high words of the
	// first-stage detection time in milliseconds since DSP boot.
	TimestampLSW uint32
	TimestampMSW uint32
}

// Engine is one detection stage bound to a stream.
//
// Lifecycle: LoadSoundModel → (UpdateBufConfig/UpdateConfLevels/
// CreateBuffer|SetBufferReader) → StartRecognition → detections →
// StopRecognition → UnloadSoundModel. RestartRecognition re-arms a running
// stage after a detection without a full stop/start cycle.
//
// All methods that accept a [context.Context] respect cancellation.
// Implementations must be safe for concurrent use; the stream core calls in
// under its own lock, but verdict delivery happens on engine-owned
// goroutines.
type Engine interface {
	// Stage returns the stage this engine implements.
	Stage() StageID

	// LoadSoundModel loads the per-stage model payload.
	LoadSoundModel(ctx context.Context, payload []byte) error

	// UnloadSoundModel releases the loaded model.
	UnloadSoundModel(ctx context.Context) error

	// StartRecognition arms detection.
	StartRecognition(ctx context.Context) error

	// RestartRecognition re-arms detection after a detection event without
	// tearing down the session.
	RestartRecognition(ctx context.Context) error

	// StopRecognition disarms detection.
	StopRecognition(ctx context.Context) error

	// StopBuffering halts keyword capture after a detection; the engine
	// stops writing (first stage) or reading (second stage) the ring.
	StopBuffering(ctx context.Context) error

	// SetDetected tells a second-stage engine that the first stage fired
	// (true) or that the detection cycle ended (false). First-stage engines
	// ignore it.
	SetDetected(detected bool)

	// UpdateConfLevels pushes the packed confidence-level array.
	UpdateConfLevels(levels []uint8) error

	// UpdateBufConfig sets history-buffer and pre-roll durations on the
	// stage that owns the ring.
	UpdateBufConfig(histMs, prerollMs uint32) error

	// SetCaptureRequested tells the first stage whether detected audio must
	// be retained for client read-back.
	SetCaptureRequested(capture bool)

	// CreateBuffer allocates the ring buffer with numReaders cursors and
	// returns them. Only the first-stage engine implements this; other
	// stages return an error.
	CreateBuffer(size int, numReaders int) ([]*ring.Reader, error)

	// SetBufferReader hands a second-stage engine its ring cursor.
	SetBufferReader(r *ring.Reader) error

	// DetectionInfo returns the most recent first-stage detection result.
	DetectionInfo() (*DetectionInfo, error)

	// SetupDuration reports the backend's session setup latency; the stream
	// exposes the first stage's value through Stream.SetupDuration.
	SetupDuration() (time.Duration, error)

	// SetECRef enables or disables echo-cancellation reference routing from
	// the given device into this stage's session.
	SetECRef(dev audio.Device, enable bool) error

	// SetupSessionDevice prepares the backend session for a new device
	// before it is connected.
	SetupSessionDevice(dev audio.Device) error

	// ConnectSessionDevice attaches the device to the running session.
	ConnectSessionDevice(dev audio.Device) error

	// DisconnectSessionDevice detaches the device from the session.
	DisconnectSessionDevice(dev audio.Device) error

	// GetParameters reads a backend parameter by ID into an opaque payload.
	GetParameters(paramID uint32) ([]byte, error)
}
