// Package stream implements the per-stream control plane of the kephra
// voice keyphrase detector: the six-state machine and its event processor.
//
// A [Stream] owns the cascade of detection engines bound to one capture
// device, linearising every asynchronous input — client API calls, the
// first-stage acoustic trigger, second-stage verdicts, the deferred-stop
// timer, and device/concurrency/subsystem notifications — into a consistent
// sequence of resource transitions under a single lock.
//
// Synchronous client events execute directly under the stream lock.
// Asynchronous external notifications go through a queued pump so that
// notifiers holding resource-manager locks never block on a long state
// handler. The two paths must not be merged.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ferralune/kephra/internal/engine"
	"github.com/ferralune/kephra/internal/model"
	"github.com/ferralune/kephra/internal/observe"
	"github.com/ferralune/kephra/internal/platform"
	"github.com/ferralune/kephra/internal/resource"
	"github.com/ferralune/kephra/pkg/audio"
	"github.com/ferralune/kephra/pkg/audio/ring"
)

// deferredStopDelay is the grace period after a detection during which the
// client may restart recognition without a teardown cycle.
const deferredStopDelay = 1000 * time.Millisecond

// DetectionCallback receives the assembled detection notification. The
// stream lock is released around the call, so the callback may re-enter the
// stream — but only through Start, Stop, Read, and StopBuffering; any other
// operation must be posted from another goroutine.
type DetectionCallback func(ev *DetectionEvent, cookie any)

// DetectionSink is the engines' entry point back into the stream. The
// stream hands itself to the [EngineFactory] as a DetectionSink so engine
// backends can deliver verdicts without seeing the rest of the API.
type DetectionSink interface {
	// SetEngineDetectionState posts one verdict into the state machine.
	SetEngineDetectionState(kind engine.DetectionKind) error
}

// EngineFactory builds the engine for a detection stage discovered in the
// sound model. sink is the stream the engine reports verdicts to.
type EngineFactory func(stage engine.StageID, sink DetectionSink) (engine.Engine, error)

// Attributes describes the stream itself: its type, direction, and the
// client-facing media format.
type Attributes struct {
	Type      audio.StreamType
	Direction audio.Direction
	Format    audio.Format
}

// Config carries the dependencies of a [Stream].
type Config struct {
	// Attributes of the stream. The media format is validated on creation.
	Attributes Attributes

	// Resources is the process-wide resource manager. Required.
	Resources resource.Manager

	// Info is the immutable platform info store. Required.
	Info *platform.Info

	// Engines builds detection engines per stage. Required.
	Engines EngineFactory

	// Metrics records pipeline metrics; nil uses the process default.
	Metrics *observe.Metrics

	// DeferredStopDelay overrides the post-detection grace period. Tests
	// shorten it; zero means the default 1000 ms.
	DeferredStopDelay time.Duration
}

// engineBinding pairs a stage engine with the model payload it owns.
type engineBinding struct {
	stage   engine.StageID
	eng     engine.Engine
	payload []byte
}

// Stream is the per-stream controller. All exported methods are safe for
// concurrent use; every state mutation happens under one mutex.
type Stream struct {
	attr    Attributes
	rm      resource.Manager
	info    *platform.Info
	factory EngineFactory
	metrics *observe.Metrics

	mu sync.Mutex

	cur             StateID
	prev            StateID
	stateForRestore StateID

	smInfo  *platform.SoundModelInfo
	capProf *platform.CaptureProfile
	devPP   map[string]string
	device  audio.Device
	devOpen bool

	engines   []*engineBinding
	gslEngine engine.Engine
	reader    *ring.Reader

	smConfig  *model.SoundModel
	recConfig *RecognitionConfig
	parsed    *parsedRecognition

	cb     DetectionCallback
	cookie any

	paused         bool
	pendingStop    bool
	charging       bool
	concTxCnt      int
	detectionState engine.DetectionKind
	instanceID     int32
	instanceKey    [2]uint32

	// deferred-stop timer plumbing; see timer.go.
	stopDelay   time.Duration
	timerStart  chan struct{}
	timerCancel chan struct{}

	// external-event pump plumbing; see pump.go.
	evMu     sync.Mutex
	pending  []event
	evNotify chan struct{}

	exit   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a Stream in the Idle state, registers it with the resource
// manager, and starts the timer and event-pump workers.
func New(cfg Config) (*Stream, error) {
	if cfg.Resources == nil {
		return nil, fmt.Errorf("stream: nil resource manager: %w", ErrInvalidArgument)
	}
	if cfg.Info == nil {
		return nil, fmt.Errorf("stream: nil platform info: %w", ErrInvalidArgument)
	}
	if cfg.Engines == nil {
		return nil, fmt.Errorf("stream: nil engine factory: %w", ErrInvalidArgument)
	}
	if err := validateFormat(cfg.Attributes.Format); err != nil {
		return nil, err
	}

	s := &Stream{
		attr:            cfg.Attributes,
		rm:              cfg.Resources,
		info:            cfg.Info,
		factory:         cfg.Engines,
		metrics:         cfg.Metrics,
		cur:             StateIdle,
		prev:            StateNone,
		stateForRestore: StateNone,
		stopDelay:       cfg.DeferredStopDelay,
		timerStart:      make(chan struct{}, 1),
		timerCancel:     make(chan struct{}, 1),
		evNotify:        make(chan struct{}, 1),
		exit:            make(chan struct{}),
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.stopDelay <= 0 {
		s.stopDelay = deferredStopDelay
	}

	s.charging = s.rm.GetChargingState()
	s.rm.RegisterStream(s)

	s.wg.Add(2)
	go s.timerWorker()
	go s.pumpWorker()

	slog.Debug("stream: created", "type", s.attr.Type, "charging", s.charging)
	return s, nil
}

// validateFormat checks the client media format against the supported PCM
// envelope.
func validateFormat(f audio.Format) error {
	switch f.SampleRate {
	case 8000, 16000, 32000, 44100, 48000, 96000, 192000, 384000:
	default:
		return fmt.Errorf("stream: sample rate %d not supported: %w", f.SampleRate, ErrInvalidArgument)
	}
	switch f.BitWidth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("stream: bit width %d not supported: %w", f.BitWidth, ErrInvalidArgument)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("stream: channel count %d not supported: %w", f.Channels, ErrInvalidArgument)
	}
	return nil
}

// State returns the current state.
func (s *Stream) State() StateID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Close drives the stream back to Idle, releases all resources, and joins
// the worker goroutines. Safe to call once; subsequent calls return nil.
// A stream closed during a subsystem restart stays in the SSR state; its
// engines and device were already released on the way into SSR.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	switch s.cur {
	case StateActive, StateDetected, StateBuffering:
		if serr := s.processEvent(ctx, evStopRecognition{}); serr != nil {
			slog.Error("stream: stop on close failed", "err", serr)
		}
	}
	err := s.processEvent(ctx, evUnloadSoundModel{})
	s.smConfig = nil
	s.recConfig = nil
	s.parsed = nil
	s.reader = nil
	s.mu.Unlock()

	close(s.exit)
	s.wg.Wait()

	s.rm.DeregisterStream(s)
	slog.Debug("stream: closed")
	return err
}

// --- client operations (synchronous, under the stream lock) ---

// LoadSoundModel loads a sound model and arms the stream for configuration.
func (s *Stream) LoadSoundModel(ctx context.Context, m *model.SoundModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evLoadSoundModel{m: m})
}

// UnloadSoundModel tears the stream back down to Idle.
func (s *Stream) UnloadSoundModel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evUnloadSoundModel{})
}

// SendRecognitionConfig caches and applies the recognition descriptor.
func (s *Stream) SendRecognitionConfig(ctx context.Context, cfg *RecognitionConfig) error {
	if cfg == nil {
		return fmt.Errorf("stream: nil recognition config: %w", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evRecognitionConfig{cfg: cfg})
}

// Start begins recognition.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evStartRecognition{restart: false})
}

// Restart re-arms recognition after a detection without a config change.
func (s *Stream) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evStartRecognition{restart: true})
}

// Stop halts recognition.
func (s *Stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evStopRecognition{deferred: false})
}

// Read copies buffered keyword audio into buf and returns the byte count.
// Outside the Buffering state it fails with [ErrIO].
func (s *Stream) Read(ctx context.Context, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	err := s.processEvent(ctx, evReadBuffer{dst: buf, n: &n})
	if err == nil && n > 0 {
		s.metrics.AddBufferReadBytes(ctx, int64(n))
	}
	return n, err
}

// StopBuffering ends client read-back after a detection and arms the
// deferred stop.
func (s *Stream) StopBuffering(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evStopBuffering{})
}

// RegisterCallback installs the detection notification callback.
func (s *Stream) RegisterCallback(cb DetectionCallback, cookie any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
	s.cookie = cookie
}

// GetParameters reads a backend parameter from the first-stage engine.
func (s *Stream) GetParameters(paramID uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gslEngine == nil {
		return nil, fmt.Errorf("stream: no first-stage engine: %w", ErrInvalidArgument)
	}
	return s.gslEngine.GetParameters(paramID)
}

// SetupDuration reports the first-stage backend's session setup latency.
func (s *Stream) SetupDuration() (time.Duration, error) {
	// Reads the first-stage handle without taking the stream lock.
	if s.gslEngine == nil {
		return 0, fmt.Errorf("stream: no first-stage engine: %w", ErrInvalidArgument)
	}
	return s.gslEngine.SetupDuration()
}

// SetECRef routes an echo-cancellation reference device into the first-stage
// session.
func (s *Stream) SetECRef(ctx context.Context, dev audio.Device, enable bool) error {
	if dev == nil {
		return fmt.Errorf("stream: nil ec-ref device: %w", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evECRef{dev: dev, enable: enable})
}

// UpdateDeviceConnection reports a physical capture endpoint (dis)appearing.
// Physical jacks map onto logical voice-activation paths; unsupported IDs
// are ignored with success. Handling is queued through the event pump.
func (s *Stream) UpdateDeviceConnection(connect bool, id audio.DeviceID) error {
	var dest audio.DeviceID
	switch id {
	case audio.DeviceHandsetMic, audio.DeviceSpeakerMic:
		dest = audio.DeviceHandsetVAMic
	case audio.DeviceWiredHeadset:
		dest = audio.DeviceHeadsetVAMic
	default:
		slog.Debug("stream: unsupported device connection", "device", id)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		cur := s.device.ID()
		if (connect && cur == dest) || (!connect && cur != dest) {
			return fmt.Errorf("stream: device %s already in requested state: %w", dest, ErrInvalidArgument)
		}
	}
	if connect {
		s.postEvent(evDeviceConnected{id: dest})
	} else {
		s.postEvent(evDeviceDisconnected{id: dest})
	}
	return nil
}

// UpdateChargingState reports a charging-state change. Level-checked: an
// unchanged state is a no-op. Handling is queued through the event pump.
func (s *Stream) UpdateChargingState(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.charging == on {
		slog.Debug("stream: no change in charging state", "on", on)
		return
	}
	s.charging = on
	s.postEvent(evChargingState{on: on})
}

// ExternalStart resumes a stream paused by an external agent.
func (s *Stream) ExternalStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postEvent(evResume{})
}

// ExternalStop pauses the stream on behalf of an external agent.
func (s *Stream) ExternalStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postEvent(evPause{})
}

// SetEngineDetectionState is the engines' verdict entry point.
func (s *Stream) SetEngineDetectionState(kind engine.DetectionKind) error {
	switch kind {
	case engine.GMMDetected, engine.CNNDetected, engine.CNNRejected,
		engine.VOPDetected, engine.VOPRejected:
	default:
		return fmt.Errorf("stream: invalid detection kind %#x: %w", uint32(kind), ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stage := engine.StageGMM
	switch kind {
	case engine.CNNDetected, engine.CNNRejected:
		stage = engine.StageKeywordVerifier
	case engine.VOPDetected, engine.VOPRejected:
		stage = engine.StageUserVerifier
	}
	s.metrics.RecordDetection(context.Background(), kind.String(), stage.String())
	return s.processEvent(context.Background(), evDetected{kind: kind})
}

// --- resource.VoiceStream ---

// NotifyConcurrentStream applies the concurrency policy to a fleet-wide
// stream change. Output-side non-low-latency activity re-derives the
// capture profile when the low-power path exists; input-side activity that
// the platform cannot run concurrently pauses detection, edge-triggered on
// the concurrent-transmit count.
func (s *Stream) NotifyConcurrentStream(typ audio.StreamType, dir audio.Direction, active bool) {
	if dir == audio.DirectionOutput && typ != audio.StreamLowLatency {
		if !s.rm.IsVoiceUILPISupported() {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.processEvent(context.Background(), evConcurrentStream{typ: typ, active: active}); err != nil {
			slog.Error("stream: concurrent stream handling failed", "err", err)
		}
		return
	}
	if dir != audio.DirectionInput && dir != audio.DirectionInputOutput {
		return
	}

	concurrencyOK := true
	if s.rm.IsAudioCaptureAndVoiceUIConcurrencySupported() {
		voiceCall := typ == audio.StreamVoiceCall || typ == audio.StreamVoiceCallTx ||
			typ == audio.StreamVoiceCallRxTx
		if (!s.rm.IsVoiceCallAndVoiceUIConcurrencySupported() && voiceCall) ||
			(!s.rm.IsVoipAndVoiceUIConcurrencySupported() && typ == audio.StreamVoipTx) {
			concurrencyOK = false
		}
	} else {
		switch typ {
		case audio.StreamLowLatency, audio.StreamRaw, audio.StreamVoiceCall,
			audio.StreamVoiceCallTx, audio.StreamVoiceCallRxTx, audio.StreamVoipTx:
			concurrencyOK = false
		}
	}
	if concurrencyOK {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.concTxCnt++
		if s.concTxCnt == 1 {
			if err := s.processEvent(context.Background(), evPause{}); err != nil {
				slog.Error("stream: pause on concurrency failed", "err", err)
			}
		}
	} else {
		s.concTxCnt--
		if s.concTxCnt == 0 {
			if err := s.processEvent(context.Background(), evResume{}); err != nil {
				slog.Error("stream: resume on concurrency failed", "err", err)
			}
		}
	}
}

// NotifyChargingState delivers a fleet-wide charging change.
func (s *Stream) NotifyChargingState(on bool) { s.UpdateChargingState(on) }

// NotifySSROffline delivers a subsystem-restart descent.
func (s *Stream) NotifySSROffline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.processEvent(context.Background(), evSSROffline{}); err != nil {
		slog.Error("stream: ssr offline handling failed", "err", err)
	}
}

// NotifySSROnline delivers subsystem recovery.
func (s *Stream) NotifySSROnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.processEvent(context.Background(), evSSROnline{}); err != nil {
		slog.Error("stream: ssr online handling failed", "err", err)
	}
}

// StopForRealign stops recognition so the backend can re-adopt the
// composite capture profile.
func (s *Stream) StopForRealign(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evStopRecognition{deferred: false})
}

// StartAfterRealign restarts recognition after a profile realignment.
func (s *Stream) StartAfterRealign(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processEvent(ctx, evStartRecognition{restart: false})
}

// PreferredCaptureProfile derives the profile this stream would pick right
// now. Called by the resource manager during arbitration; takes no stream
// lock and reads only manager and platform state.
func (s *Stream) PreferredCaptureProfile() *platform.CaptureProfile {
	p, err := s.deriveCaptureProfile()
	if err != nil {
		return nil
	}
	return p
}

// --- capture-profile derivation (§ low-power vs high-performance) ---

// availCaptureDevice picks the best available logical capture device.
func (s *Stream) availCaptureDevice() audio.DeviceID {
	if s.info.SupportDevSwitch() && s.rm.IsDeviceAvailable(audio.DeviceWiredHeadset) {
		return audio.DeviceHeadsetVAMic
	}
	return audio.DeviceHandsetVAMic
}

// deriveCaptureProfile computes the capture profile from LPI support,
// concurrent non-LPI activity, forced transit (charging), and headset
// availability.
func (s *Stream) deriveCaptureProfile() (*platform.CaptureProfile, error) {
	lpi := s.rm.IsVoiceUILPISupported() && !s.rm.CheckForActiveConcurrentNonLPIStream()
	transit := s.rm.CheckForForcedTransitToNonLPI()
	if transit {
		lpi = false
	}

	input := platform.InputHandset
	if s.availCaptureDevice() == audio.DeviceHeadsetVAMic {
		input = platform.InputHeadset
	}

	op := platform.ModeHighPerf
	switch {
	case lpi:
		op = platform.ModeLowPower
	case transit:
		op = platform.ModeHighPerfAndCharging
	}

	p, ok := s.info.CaptureProfile(op, input)
	if !ok {
		return nil, fmt.Errorf("stream: no capture profile for %s/%s: %w", op, input, ErrNotFound)
	}
	return p, nil
}

// --- engine and device helpers (called by state handlers, lock held) ---

// addEngine appends a binding, keeping the first-stage binding pinned at
// index 0 so the client reader is always cursor zero.
func (s *Stream) addEngine(b *engineBinding) {
	if b.stage == engine.StageGMM && len(s.engines) > 0 {
		s.engines = append([]*engineBinding{b}, s.engines...)
		return
	}
	s.engines = append(s.engines, b)
}

// loadSoundModel caches the model and splits it into per-stage engines.
// On any failure every engine payload is freed, the engine list cleared, the
// first-stage handle dropped, and the reader closed.
func (s *Stream) loadSoundModel(ctx context.Context, m *model.SoundModel) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("stream: %w: %w", err, ErrInvalidArgument)
	}

	// Cache the exact bytes needed to replay the load after a subsystem
	// restart.
	if s.smConfig != m {
		s.smConfig = m.Clone()
	}

	version, payloads, err := model.Parse(m)
	if err != nil {
		s.unwindEngines(ctx)
		return fmt.Errorf("stream: parse sound model: %w: %w", err, ErrInvalidArgument)
	}
	slog.Debug("stream: parsed sound model", "version", version, "stages", len(payloads))

	for _, p := range payloads {
		stage := engine.StageID(p.StageType)
		eng, err := s.factory(stage, s)
		if err != nil {
			s.unwindEngines(ctx)
			if stage == engine.StageGMM {
				return fmt.Errorf("stream: create first-stage engine: %w", err)
			}
			return fmt.Errorf("stream: create engine for stage %s: %w: %w", stage, err, ErrNotFound)
		}
		if err := eng.LoadSoundModel(ctx, p.Data); err != nil {
			s.unwindEngines(ctx)
			return fmt.Errorf("stream: load model into %s engine: %w", stage, err)
		}
		if stage == engine.StageGMM {
			s.gslEngine = eng
		}
		s.addEngine(&engineBinding{stage: stage, eng: eng, payload: p.Data})
	}
	if s.gslEngine == nil {
		s.unwindEngines(ctx)
		return fmt.Errorf("stream: first stage sound model not present: %w", ErrInvalidArgument)
	}
	return nil
}

// unwindEngines releases every engine binding after a failed load.
func (s *Stream) unwindEngines(ctx context.Context) {
	for _, b := range s.engines {
		if err := b.eng.UnloadSoundModel(ctx); err != nil {
			slog.Warn("stream: unload during unwind failed", "stage", b.stage, "err", err)
		}
		b.payload = nil
	}
	s.engines = nil
	s.gslEngine = nil
	s.reader = nil
}

// sendRecognitionConfig caches cfg and arms the engines with its digested
// form: buffer config, ring buffer + readers, confidence levels, capture
// flag. On failure the cached config is dropped.
func (s *Stream) sendRecognitionConfig(ctx context.Context, cfg *RecognitionConfig) error {
	if cfg == nil {
		return fmt.Errorf("stream: nil recognition config: %w", ErrInvalidArgument)
	}
	// Possible due to subsequent detections; only re-cache on change.
	if !s.recConfig.Equal(cfg) {
		s.recConfig = cfg.Clone()
	}

	parsed, err := s.digestRecognitionConfig(cfg)
	if err != nil {
		s.recConfig = nil
		s.parsed = nil
		return err
	}

	if err := s.gslEngine.UpdateBufConfig(parsed.histBufferMs, parsed.preRollMs); err != nil {
		s.recConfig = nil
		return fmt.Errorf("stream: update buffer config: %w", err)
	}

	ringMs := uint64(parsed.histBufferMs) + uint64(parsed.preRollMs) + uint64(s.smInfo.CaptureReadDelayMs)
	ringBytes := ringMs * uint64(s.smInfo.SampleRate) * uint64(s.smInfo.BitWidth) *
		uint64(s.smInfo.OutChannels) / 8 / 1000
	readers, err := s.gslEngine.CreateBuffer(int(ringBytes), len(s.engines))
	if err != nil {
		s.recConfig = nil
		return fmt.Errorf("stream: create ring buffer: %w", err)
	}
	if len(readers) != len(s.engines) {
		s.recConfig = nil
		return fmt.Errorf("stream: engine returned %d readers for %d engines: %w",
			len(readers), len(s.engines), ErrIO)
	}

	// The first-stage engine writes the ring; the first cursor is the
	// client's read path, the rest belong to the second-stage engines.
	s.reader = readers[0]
	for i := 1; i < len(s.engines); i++ {
		if err := s.engines[i].eng.SetBufferReader(readers[i]); err != nil {
			s.recConfig = nil
			return fmt.Errorf("stream: set reader on %s engine: %w", s.engines[i].stage, err)
		}
	}

	if err := s.gslEngine.UpdateConfLevels(parsed.confLevels); err != nil {
		s.recConfig = nil
		return fmt.Errorf("stream: update confidence levels: %w", err)
	}
	for stage, lvl := range parsed.verifierLevels {
		for _, b := range s.engines {
			if b.stage == stage {
				if err := b.eng.UpdateConfLevels([]uint8{lvl}); err != nil {
					s.recConfig = nil
					return fmt.Errorf("stream: update %s confidence level: %w", stage, err)
				}
			}
		}
	}

	// Capture stays on when the client asked for it or when second-stage
	// verifiers need the ring to re-score the keyword.
	s.gslEngine.SetCaptureRequested(cfg.CaptureRequested || len(s.engines) > 1)
	s.parsed = parsed
	return nil
}

// digestRecognitionConfig resolves the opaque TLV stream or the bare-config
// defaults into a parsedRecognition.
func (s *Stream) digestRecognitionConfig(cfg *RecognitionConfig) (*parsedRecognition, error) {
	if len(cfg.Opaque) > bareConfigSize {
		parsed, err := parseOpaque(cfg.Opaque)
		if err != nil {
			return nil, err
		}
		if parsed.histBufferMs == 0 {
			parsed.histBufferMs = s.smInfo.KwDurationMs
		}
		if len(parsed.confLevels) == 0 {
			packed, err := packConfLevels(cfg.Phrases)
			if err != nil {
				return nil, err
			}
			parsed.confLevels = packed
		}
		return parsed, nil
	}

	if len(cfg.Phrases) == 0 || (s.smConfig != nil && len(cfg.Phrases) > len(s.smConfig.Phrases)) {
		return nil, fmt.Errorf("stream: phrase count %d invalid for loaded model: %w",
			len(cfg.Phrases), ErrInvalidArgument)
	}
	packed, err := packConfLevels(cfg.Phrases)
	if err != nil {
		return nil, err
	}
	return &parsedRecognition{
		histBufferMs:   s.smInfo.KwDurationMs,
		preRollMs:      0,
		confLevels:     packed,
		verifierLevels: map[engine.StageID]uint8{},
	}, nil
}

// setDetectedToEngines broadcasts the first-stage trigger to every
// second-stage engine, activating their ring-buffer scoring.
func (s *Stream) setDetectedToEngines(detected bool) {
	for _, b := range s.engines {
		if b.stage != engine.StageGMM {
			slog.Debug("stream: notify detection to engine", "stage", b.stage, "detected", detected)
			b.eng.SetDetected(detected)
		}
	}
}

// notifyClient assembles the detection event and invokes the callback. The
// stream lock is dropped around the call so the client may call back into
// the stream without deadlocking.
func (s *Stream) notifyClient() error {
	ev, err := s.buildDetectionEvent()
	if err != nil {
		slog.Error("stream: failed to build detection event", "err", err)
		return err
	}
	if s.cb == nil {
		return nil
	}
	slog.Info("stream: notify detection event to client")
	s.metrics.RecordNotification(context.Background())
	cb, cookie := s.cb, s.cookie
	s.mu.Unlock()
	cb(ev, cookie)
	s.mu.Lock()
	return nil
}

// internalStopRecognition commits a deferred stop from the timer worker.
// Only fires when a stop is still pending — a restart between the timer
// firing and this call wins.
func (s *Stream) internalStopRecognition() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pendingStop {
		return
	}
	s.pendingStop = false
	s.metrics.RecordDeferredStop(context.Background(), "fired")
	if err := s.processEvent(context.Background(), evStopRecognition{deferred: true}); err != nil {
		slog.Error("stream: deferred stop failed", "err", err)
	}
}
