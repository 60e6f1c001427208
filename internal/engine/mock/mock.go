// Package mock provides an in-memory mock implementation of
// [engine.Engine] for use in unit tests and the demo binary.
//
// The mock records every method call and allows the test to configure
// return values via exported fields. A first-stage mock owns a real
// [ring.Buffer] so read-back paths exercise actual cursor arithmetic. It is
// safe for concurrent use.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ferralune/kephra/internal/engine"
	"github.com/ferralune/kephra/pkg/audio"
	"github.com/ferralune/kephra/pkg/audio/ring"
)

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

// Engine is a mock implementation of [engine.Engine]. All exported *Err
// fields control return values; counters and records accumulate under an
// internal mutex.
type Engine struct {
	// StageID is the stage this mock reports from [Engine.Stage].
	StageID engine.StageID

	// LoadErr, StartErr, RestartErr, StopErr, StopBufferingErr, UnloadErr
	// and CreateBufferErr are returned by the corresponding methods.
	LoadErr          error
	StartErr         error
	RestartErr       error
	StopErr          error
	StopBufferingErr error
	UnloadErr        error
	CreateBufferErr  error

	// Det is returned by [Engine.DetectionInfo]; nil yields an error.
	Det *engine.DetectionInfo

	// Setup is returned by [Engine.SetupDuration].
	Setup time.Duration

	mu sync.Mutex

	// Buffer is the ring created by [Engine.CreateBuffer] on a first-stage
	// mock. Tests write keyword audio into it directly.
	Buffer *ring.Buffer

	// Loaded reports whether a model is currently loaded; Payload holds its
	// bytes.
	Loaded  bool
	Payload []byte

	// Reader is the cursor handed to a second-stage mock.
	Reader *ring.Reader

	// Call counters.
	StartCalls         int
	RestartCalls       int
	StopCalls          int
	StopBufferingCalls int
	UnloadCalls        int

	// SetDetectedCalls records every SetDetected argument.
	SetDetectedCalls []bool

	// ConfLevels is the last pushed confidence array.
	ConfLevels []uint8

	// HistMs and PrerollMs record the last buffer config.
	HistMs    uint32
	PrerollMs uint32

	// CaptureRequested records the last capture flag.
	CaptureRequested bool

	// ECRefCalls counts SetECRef invocations.
	ECRefCalls int
}

// Stage returns the configured stage ID.
func (e *Engine) Stage() engine.StageID { return e.StageID }

// LoadSoundModel records the payload.
func (e *Engine) LoadSoundModel(_ context.Context, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LoadErr != nil {
		return e.LoadErr
	}
	e.Loaded = true
	e.Payload = append([]byte(nil), payload...)
	return nil
}

// UnloadSoundModel drops the payload.
func (e *Engine) UnloadSoundModel(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.UnloadCalls++
	if e.UnloadErr != nil {
		return e.UnloadErr
	}
	e.Loaded = false
	e.Payload = nil
	return nil
}

// StartRecognition counts the call.
func (e *Engine) StartRecognition(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return e.StartErr
	}
	e.StartCalls++
	return nil
}

// RestartRecognition counts the call.
func (e *Engine) RestartRecognition(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.RestartErr != nil {
		return e.RestartErr
	}
	e.RestartCalls++
	return nil
}

// StopRecognition counts the call.
func (e *Engine) StopRecognition(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StopErr != nil {
		return e.StopErr
	}
	e.StopCalls++
	return nil
}

// StopBuffering counts the call.
func (e *Engine) StopBuffering(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StopBufferingErr != nil {
		return e.StopBufferingErr
	}
	e.StopBufferingCalls++
	return nil
}

// SetDetected records the flag.
func (e *Engine) SetDetected(detected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SetDetectedCalls = append(e.SetDetectedCalls, detected)
}

// UpdateConfLevels records the array.
func (e *Engine) UpdateConfLevels(levels []uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ConfLevels = append([]uint8(nil), levels...)
	return nil
}

// UpdateBufConfig records the durations.
func (e *Engine) UpdateBufConfig(histMs, prerollMs uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.HistMs, e.PrerollMs = histMs, prerollMs
	return nil
}

// SetCaptureRequested records the flag.
func (e *Engine) SetCaptureRequested(capture bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CaptureRequested = capture
}

// CreateBuffer allocates a real ring with the requested cursor count.
// Second-stage mocks refuse, like real verifiers.
func (e *Engine) CreateBuffer(size int, numReaders int) ([]*ring.Reader, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateBufferErr != nil {
		return nil, e.CreateBufferErr
	}
	if e.StageID != engine.StageGMM {
		return nil, fmt.Errorf("mock: stage %s does not own the ring", e.StageID)
	}
	buf, err := ring.New(size)
	if err != nil {
		return nil, err
	}
	e.Buffer = buf
	readers := make([]*ring.Reader, numReaders)
	for i := range readers {
		readers[i] = buf.NewReader()
	}
	return readers, nil
}

// SetBufferReader stores the cursor.
func (e *Engine) SetBufferReader(r *ring.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Reader = r
	return nil
}

// DetectionInfo returns the configured result.
func (e *Engine) DetectionInfo() (*engine.DetectionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Det == nil {
		return nil, fmt.Errorf("mock: no detection info configured")
	}
	return e.Det, nil
}

// SetupDuration returns the configured duration.
func (e *Engine) SetupDuration() (time.Duration, error) { return e.Setup, nil }

// SetECRef counts the call.
func (e *Engine) SetECRef(audio.Device, bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ECRefCalls++
	return nil
}

// SetupSessionDevice is a no-op.
func (e *Engine) SetupSessionDevice(audio.Device) error { return nil }

// ConnectSessionDevice is a no-op.
func (e *Engine) ConnectSessionDevice(audio.Device) error { return nil }

// DisconnectSessionDevice is a no-op.
func (e *Engine) DisconnectSessionDevice(audio.Device) error { return nil }

// GetParameters returns an empty payload.
func (e *Engine) GetParameters(uint32) ([]byte, error) { return nil, nil }
