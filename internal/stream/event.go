package stream

import (
	"github.com/ferralune/kephra/internal/engine"
	"github.com/ferralune/kephra/internal/model"
	"github.com/ferralune/kephra/pkg/audio"
)

// event is the tagged union of everything the state machine accepts. Client
// API calls dispatch events synchronously under the stream lock; external
// notifications are queued through the pump. Every non-trivial correctness
// decision in this package lives in how the current state answers one of
// these variants.
type event interface {
	isEvent()
	name() string
}

type evLoadSoundModel struct {
	m *model.SoundModel
}

type evUnloadSoundModel struct{}

type evRecognitionConfig struct {
	cfg *RecognitionConfig
}

type evStartRecognition struct {
	// restart is carried for engine contracts that distinguish a restart
	// from a cold start; the state machine does not branch on it.
	restart bool
}

type evStopRecognition struct {
	// deferred marks a stop committed by the delayed-stop timer rather than
	// the client.
	deferred bool
}

type evReadBuffer struct {
	dst []byte
	// n receives the number of bytes copied; reads return sizes through the
	// event because dispatch has a single error return.
	n *int
}

type evStopBuffering struct{}

type evDetected struct {
	kind engine.DetectionKind
}

type evPause struct{}

type evResume struct{}

type evConcurrentStream struct {
	typ    audio.StreamType
	active bool
}

type evChargingState struct {
	on bool
}

type evDeviceConnected struct {
	id audio.DeviceID
}

type evDeviceDisconnected struct {
	id audio.DeviceID
}

type evECRef struct {
	dev    audio.Device
	enable bool
}

type evSSROffline struct{}

type evSSROnline struct{}

func (evLoadSoundModel) isEvent()     {}
func (evUnloadSoundModel) isEvent()   {}
func (evRecognitionConfig) isEvent()  {}
func (evStartRecognition) isEvent()   {}
func (evStopRecognition) isEvent()    {}
func (evReadBuffer) isEvent()         {}
func (evStopBuffering) isEvent()      {}
func (evDetected) isEvent()           {}
func (evPause) isEvent()              {}
func (evResume) isEvent()             {}
func (evConcurrentStream) isEvent()   {}
func (evChargingState) isEvent()      {}
func (evDeviceConnected) isEvent()    {}
func (evDeviceDisconnected) isEvent() {}
func (evECRef) isEvent()              {}
func (evSSROffline) isEvent()         {}
func (evSSROnline) isEvent()          {}

func (evLoadSoundModel) name() string     { return "load-sound-model" }
func (evUnloadSoundModel) name() string   { return "unload-sound-model" }
func (evRecognitionConfig) name() string  { return "recognition-config" }
func (evStartRecognition) name() string   { return "start-recognition" }
func (evStopRecognition) name() string    { return "stop-recognition" }
func (evReadBuffer) name() string         { return "read-buffer" }
func (evStopBuffering) name() string      { return "stop-buffering" }
func (evDetected) name() string           { return "detected" }
func (evPause) name() string              { return "pause" }
func (evResume) name() string             { return "resume" }
func (evConcurrentStream) name() string   { return "concurrent-stream" }
func (evChargingState) name() string      { return "charging-state" }
func (evDeviceConnected) name() string    { return "device-connected" }
func (evDeviceDisconnected) name() string { return "device-disconnected" }
func (evECRef) name() string              { return "ec-ref" }
func (evSSROffline) name() string         { return "ssr-offline" }
func (evSSROnline) name() string          { return "ssr-online" }
