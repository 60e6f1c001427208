package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferralune/kephra/internal/engine"
	"github.com/ferralune/kephra/internal/model"
	"github.com/ferralune/kephra/pkg/audio"
)

// StateID identifies one of the six stream states. States are a closed
// enum: each owns one row of the transition table, and dispatch is a plain
// switch in the controller rather than dynamic dispatch through objects
// holding back-references.
type StateID int

const (
	// StateNone is the zero value, used for "no previous state" and "no
	// restore target".
	StateNone StateID = iota

	// StateIdle has no model loaded.
	StateIdle

	// StateLoaded has a model and engines but recognition is stopped.
	StateLoaded

	// StateActive is armed for first-stage detection.
	StateActive

	// StateDetected holds a confirmed detection during the deferred-stop
	// grace period.
	StateDetected

	// StateBuffering streams keyword audio to second-stage verifiers and
	// the client read path.
	StateBuffering

	// StateSSR rides out a subsystem restart, tracking the client's logical
	// state for replay.
	StateSSR
)

// String returns the human-readable name of the state.
func (id StateID) String() string {
	switch id {
	case StateNone:
		return "none"
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateDetected:
		return "detected"
	case StateBuffering:
		return "buffering"
	case StateSSR:
		return "ssr"
	default:
		return "unknown"
	}
}

// transitTo moves the machine to the given state, remembering the previous
// one for diagnostics.
func (s *Stream) transitTo(to StateID) {
	s.prev = s.cur
	s.cur = to
	slog.Debug("stream: state transition", "from", s.prev, "to", s.cur)
	s.metrics.RecordTransition(context.Background(), s.prev.String(), s.cur.String())
}

// processEvent dispatches ev to the current state's handler. Must be called
// with the stream lock held.
func (s *Stream) processEvent(ctx context.Context, ev event) error {
	slog.Debug("stream: handle event", "state", s.cur, "event", ev.name())
	switch s.cur {
	case StateIdle:
		return s.handleIdle(ctx, ev)
	case StateLoaded:
		return s.handleLoaded(ctx, ev)
	case StateActive:
		return s.handleActive(ctx, ev)
	case StateDetected:
		return s.handleDetected(ctx, ev)
	case StateBuffering:
		return s.handleBuffering(ctx, ev)
	case StateSSR:
		return s.handleSSR(ctx, ev)
	default:
		return fmt.Errorf("stream: no current state: %w", ErrPrecondition)
	}
}

// --- shared handler helpers ---

// stopAllEngines stops recognition on every bound engine, continuing past
// failures so teardown always completes.
func (s *Stream) stopAllEngines(ctx context.Context) error {
	var firstErr error
	for _, b := range s.engines {
		if err := b.eng.StopRecognition(ctx); err != nil {
			slog.Error("stream: stop engine failed", "stage", b.stage, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// stopBufferingAll halts keyword capture on every bound engine.
func (s *Stream) stopBufferingAll(ctx context.Context) {
	for _, b := range s.engines {
		if err := b.eng.StopBuffering(ctx); err != nil {
			slog.Error("stream: stop buffering failed", "stage", b.stage, "err", err)
		}
	}
}

// restartAllEngines re-arms every engine, continuing past failures and
// returning the first one. Callers fall back to Loaded on error.
func (s *Stream) restartAllEngines(ctx context.Context) error {
	var firstErr error
	for _, b := range s.engines {
		if err := b.eng.RestartRecognition(ctx); err != nil {
			slog.Error("stream: restart engine failed", "stage", b.stage, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// stopDevice stops and deregisters the bound device, leaving it open.
func (s *Stream) stopDevice() {
	if s.device == nil {
		return
	}
	slog.Debug("stream: stop device", "device", s.device.ID())
	if err := s.device.Stop(); err != nil {
		slog.Error("stream: device stop failed", "device", s.device.ID(), "err", err)
	}
	s.rm.DeregisterDevice(s.device)
}

// fullStopLocked is the common Active/Detected/Buffering → Loaded teardown:
// stop engines, stop the device, drop the arbitration vote.
func (s *Stream) fullStopLocked(ctx context.Context) error {
	if s.rm.UpdateSVACaptureProfile(s, false) {
		if err := s.rm.StopOtherSVAStreams(ctx, s); err != nil {
			slog.Error("stream: stop other streams failed", "err", err)
		}
		if err := s.rm.StartOtherSVAStreams(ctx, s); err != nil {
			slog.Error("stream: start other streams failed", "err", err)
		}
	}
	err := s.stopAllEngines(ctx)
	s.stopDevice()
	s.metrics.AddActiveStreams(ctx, -1)
	return err
}

// startRecognitionLocked performs the Loaded → Active startup: capture
// profile arbitration, device reconfiguration and start, engine starts with
// symmetric unwind on failure.
func (s *Stream) startRecognitionLocked(ctx context.Context) error {
	if s.recConfig == nil {
		return fmt.Errorf("stream: recognition config not set: %w", ErrInvalidArgument)
	}

	if s.rm.UpdateSVACaptureProfile(s, true) {
		if err := s.rm.StopOtherSVAStreams(ctx, s); err != nil {
			slog.Error("stream: stop other streams failed", "err", err)
		}
		if err := s.rm.StartOtherSVAStreams(ctx, s); err != nil {
			slog.Error("stream: start other streams failed", "err", err)
		}
	}

	if s.device != nil {
		capProf := s.rm.GetSVACaptureProfile()
		if capProf == nil {
			return fmt.Errorf("stream: no composite capture profile: %w", ErrNotFound)
		}
		if err := s.device.SetAttributes(capProf.Format()); err != nil {
			return fmt.Errorf("stream: apply capture profile to device: %w", err)
		}
		slog.Debug("stream: start device", "device", s.device.ID(), "profile", capProf.Name)
		if err := s.device.Start(); err != nil {
			return fmt.Errorf("stream: device start: %w", err)
		}
		s.rm.RegisterDevice(s.device)
	}

	var started []*engineBinding
	for _, b := range s.engines {
		if err := b.eng.StartRecognition(ctx); err != nil {
			slog.Error("stream: start engine failed", "stage", b.stage, "err", err)
			for _, sb := range started {
				if serr := sb.eng.StopRecognition(ctx); serr != nil {
					slog.Error("stream: unwind stop failed", "stage", sb.stage, "err", serr)
				}
			}
			if s.device != nil {
				s.rm.DeregisterDevice(s.device)
				if derr := s.device.Stop(); derr != nil {
					slog.Error("stream: unwind device stop failed", "err", derr)
				}
			}
			return fmt.Errorf("stream: start %s engine: %w: %w", b.stage, err, ErrTransient)
		}
		started = append(started, b)
	}

	if s.reader != nil {
		s.reader.Reset()
	}
	s.metrics.AddActiveStreams(ctx, 1)
	s.transitTo(StateActive)
	return nil
}

// rebindDevice swaps the bound device for id: tears the old one out of the
// engine session and builds the new one up to the level the state requires
// (running=true also starts and registers it).
func (s *Stream) rebindDevice(ctx context.Context, id audio.DeviceID, running bool) error {
	if s.device != nil {
		if s.gslEngine != nil {
			if err := s.gslEngine.DisconnectSessionDevice(s.device); err != nil {
				slog.Error("stream: disconnect session device failed", "err", err)
			}
		}
		if running {
			if err := s.device.Stop(); err != nil {
				return fmt.Errorf("stream: stop old device: %w", err)
			}
			s.rm.DeregisterDevice(s.device)
		}
		if s.devOpen {
			if err := s.device.Close(); err != nil {
				return fmt.Errorf("stream: close old device: %w", err)
			}
			s.devOpen = false
		}
		s.device = nil
	}

	prof, err := s.deriveCaptureProfile()
	if err != nil {
		return err
	}
	dev, err := s.rm.GetDevice(id)
	if err != nil {
		return err
	}
	if err := dev.SetAttributes(prof.Format()); err != nil {
		return fmt.Errorf("stream: apply profile to device %s: %w", id, err)
	}
	if err := dev.Open(); err != nil {
		return fmt.Errorf("stream: open device %s: %w", id, err)
	}
	s.device = dev
	s.devOpen = true
	s.capProf = prof

	if s.gslEngine != nil {
		if err := s.gslEngine.SetupSessionDevice(dev); err != nil {
			s.device = nil
			s.devOpen = false
			if cerr := dev.Close(); cerr != nil {
				slog.Error("stream: close device after setup failure", "err", cerr)
			}
			return fmt.Errorf("stream: setup session device %s: %w", id, err)
		}
	}
	if running {
		s.rm.RegisterDevice(dev)
		if err := dev.Start(); err != nil {
			return fmt.Errorf("stream: start device %s: %w", id, err)
		}
	}
	if s.gslEngine != nil {
		if err := s.gslEngine.ConnectSessionDevice(dev); err != nil {
			s.device = nil
			s.devOpen = false
			if cerr := dev.Close(); cerr != nil {
				slog.Error("stream: close device after connect failure", "err", cerr)
			}
			return fmt.Errorf("stream: connect session device %s: %w", id, err)
		}
	}
	return nil
}

// reloadForProfileChange rebuilds the stream when the derived capture
// profile changed: unload, reload the cached model, replay the cached
// recognition config, and optionally restart recognition.
func (s *Stream) reloadForProfileChange(ctx context.Context, restart bool) error {
	if restart {
		if err := s.processEvent(ctx, evStopRecognition{}); err != nil {
			return fmt.Errorf("stream: stop for profile change: %w", err)
		}
	}
	if err := s.processEvent(ctx, evUnloadSoundModel{}); err != nil {
		return fmt.Errorf("stream: unload for profile change: %w", err)
	}
	if err := s.processEvent(ctx, evLoadSoundModel{m: s.smConfig}); err != nil {
		return fmt.Errorf("stream: reload for profile change: %w", err)
	}
	if s.recConfig != nil {
		if err := s.sendRecognitionConfig(ctx, s.recConfig); err != nil {
			return fmt.Errorf("stream: replay recognition config: %w", err)
		}
	}
	if restart {
		if err := s.processEvent(ctx, evStartRecognition{}); err != nil {
			return fmt.Errorf("stream: restart for profile change: %w", err)
		}
	}
	return nil
}

// --- state handlers ---

func (s *Stream) handleIdle(ctx context.Context, ev event) error {
	switch ev := ev.(type) {
	case evLoadSoundModel:
		began := time.Now()
		if ev.m == nil {
			return fmt.Errorf("stream: nil sound model: %w", ErrInvalidArgument)
		}
		smInfo, ok := s.info.SoundModelInfo(ev.m.VendorUUID)
		if !ok {
			return fmt.Errorf("stream: no platform record for vendor uuid %s: %w",
				ev.m.VendorUUID, ErrInvalidArgument)
		}
		s.smInfo = smInfo

		prof, err := s.deriveCaptureProfile()
		if err != nil {
			return err
		}
		if s.device == nil {
			id := s.availCaptureDevice()
			slog.Debug("stream: select capture device", "device", id)
			dev, err := s.rm.GetDevice(id)
			if err != nil {
				return err
			}
			s.device = dev
		}
		if !s.devOpen {
			if err := s.device.SetAttributes(prof.Format()); err != nil {
				return fmt.Errorf("stream: apply capture profile: %w", err)
			}
			if err := s.device.Open(); err != nil {
				return fmt.Errorf("stream: device open: %w", err)
			}
			s.devOpen = true
		}
		s.capProf = prof
		s.devPP = prof.PreProc

		s.instanceKey = smInfo.StreamConfigKey
		s.instanceID = s.rm.StreamInstanceID(s.instanceKey)

		if err := s.loadSoundModel(ctx, ev.m); err != nil {
			// The device stays bound and open so a retried load skips
			// device setup.
			return err
		}
		s.metrics.RecordLoadDuration(ctx, time.Since(began).Seconds())
		s.transitTo(StateLoaded)
		return nil

	case evPause:
		s.paused = true
		return nil
	case evResume:
		s.paused = false
		return nil
	case evReadBuffer:
		return fmt.Errorf("stream: read while not buffering: %w", ErrIO)

	case evDeviceConnected:
		return s.rebindIdleDevice(ev.id)
	case evDeviceDisconnected:
		return s.rebindIdleDevice(s.availCaptureDevice())

	case evSSROffline:
		if s.stateForRestore == StateNone {
			s.stateForRestore = StateIdle
		}
		s.transitTo(StateSSR)
		return nil
	default:
		return nil
	}
}

// rebindIdleDevice replaces the unopened device reference while no model is
// loaded.
func (s *Stream) rebindIdleDevice(id audio.DeviceID) error {
	prof, err := s.deriveCaptureProfile()
	if err != nil {
		return err
	}
	dev, err := s.rm.GetDevice(id)
	if err != nil {
		return err
	}
	if err := dev.SetAttributes(prof.Format()); err != nil {
		return fmt.Errorf("stream: apply profile to device %s: %w", id, err)
	}
	s.device = dev
	s.devOpen = false
	return nil
}

func (s *Stream) handleLoaded(ctx context.Context, ev event) error {
	switch ev := ev.(type) {
	case evUnloadSoundModel:
		var firstErr error
		if s.device != nil && s.devOpen {
			slog.Debug("stream: close device", "device", s.device.ID())
			if err := s.device.Close(); err != nil {
				slog.Error("stream: device close failed", "err", err)
				firstErr = err
			}
			s.devOpen = false
		}
		for _, b := range s.engines {
			slog.Debug("stream: unload engine", "stage", b.stage)
			if err := b.eng.UnloadSoundModel(ctx); err != nil {
				slog.Error("stream: unload engine failed", "stage", b.stage, "err", err)
				if firstErr == nil {
					firstErr = err
				}
			}
			b.payload = nil
		}
		s.engines = nil
		s.gslEngine = nil
		s.reader = nil
		s.rm.ResetStreamInstanceID(s.instanceKey, s.instanceID)
		s.instanceID = 0
		s.transitTo(StateIdle)
		return firstErr

	case evRecognitionConfig:
		return s.sendRecognitionConfig(ctx, ev.cfg)

	case evResume:
		if !s.paused {
			// Possible if the client stopped recognition during active
			// concurrency.
			return nil
		}
		s.paused = false
		return s.startRecognitionLocked(ctx)

	case evStartRecognition:
		if s.paused {
			// Concurrency is active; Resume will start later.
			return nil
		}
		return s.startRecognitionLocked(ctx)

	case evPause:
		s.paused = true
		return nil

	case evStopRecognition:
		// Reset the pause flag so an eventual Resume does not restart a
		// recognition the client stopped.
		s.paused = false
		return nil

	case evReadBuffer:
		return fmt.Errorf("stream: read while not buffering: %w", ErrIO)

	case evDeviceConnected:
		return s.rebindDevice(ctx, ev.id, false)
	case evDeviceDisconnected:
		return s.rebindDevice(ctx, s.availCaptureDevice(), false)

	case evConcurrentStream, evChargingState:
		newProf, err := s.deriveCaptureProfile()
		if err != nil {
			return err
		}
		if s.capProf.Equal(newProf) {
			slog.Info("stream: no action needed, same capture profile")
			return nil
		}
		slog.Debug("stream: capture profile changed",
			"old", s.capProf.Name, "new", newProf.Name)
		return s.reloadForProfileChange(ctx, false)

	case evSSROffline:
		if s.stateForRestore == StateNone {
			s.stateForRestore = StateLoaded
		}
		if err := s.processEvent(ctx, evUnloadSoundModel{}); err != nil {
			slog.Error("stream: unload on ssr failed", "err", err)
		}
		s.transitTo(StateSSR)
		return nil

	default:
		return nil
	}
}

func (s *Stream) handleActive(ctx context.Context, ev event) error {
	switch ev := ev.(type) {
	case evDetected:
		if ev.kind != engine.GMMDetected {
			return nil
		}
		if !s.recConfig.CaptureRequested && len(s.engines) == 1 {
			s.transitTo(StateDetected)
			s.postDelayedStop()
		} else {
			s.detectionState = 0
			s.transitTo(StateBuffering)
			s.setDetectedToEngines(true)
		}
		if len(s.engines) == 1 {
			return s.notifyClient()
		}
		return nil

	case evPause:
		s.paused = true
		return s.stopToLoaded(ctx)
	case evStopRecognition:
		return s.stopToLoaded(ctx)

	case evECRef:
		if err := s.gslEngine.SetECRef(ev.dev, ev.enable); err != nil {
			return fmt.Errorf("stream: set ec ref: %w", err)
		}
		return nil

	case evReadBuffer:
		return fmt.Errorf("stream: read while not buffering: %w", ErrIO)

	case evDeviceConnected:
		return s.rebindDevice(ctx, ev.id, true)
	case evDeviceDisconnected:
		return s.rebindDevice(ctx, s.availCaptureDevice(), true)

	case evConcurrentStream, evChargingState:
		newProf, err := s.deriveCaptureProfile()
		if err != nil {
			return err
		}
		if s.capProf.Equal(newProf) {
			slog.Info("stream: no action needed, same capture profile")
			return nil
		}
		slog.Debug("stream: capture profile changed",
			"old", s.capProf.Name, "new", newProf.Name)
		return s.reloadForProfileChange(ctx, true)

	case evSSROffline:
		if s.stateForRestore == StateNone {
			s.stateForRestore = StateActive
		}
		if err := s.processEvent(ctx, evStopRecognition{}); err != nil {
			slog.Error("stream: stop on ssr failed", "err", err)
		}
		if err := s.processEvent(ctx, evUnloadSoundModel{}); err != nil {
			slog.Error("stream: unload on ssr failed", "err", err)
		}
		s.transitTo(StateSSR)
		return nil

	default:
		return nil
	}
}

// stopToLoaded is the Active → Loaded full stop.
func (s *Stream) stopToLoaded(ctx context.Context) error {
	err := s.fullStopLocked(ctx)
	s.transitTo(StateLoaded)
	return err
}

func (s *Stream) handleDetected(ctx context.Context, ev event) error {
	switch ev.(type) {
	case evStartRecognition:
		// Client restarts the next recognition without a config change.
		s.cancelDelayedStop()
		err := s.restartAllEngines(ctx)
		if s.reader != nil {
			s.reader.Reset()
		}
		if err != nil {
			s.transitTo(StateLoaded)
			return fmt.Errorf("stream: restart engines: %w: %w", err, ErrTransient)
		}
		s.transitTo(StateActive)
		return nil

	case evPause:
		s.cancelDelayedStop()
		s.paused = true
		return s.stopToLoaded(ctx)
	case evStopRecognition:
		s.cancelDelayedStop()
		return s.stopToLoaded(ctx)

	case evRecognitionConfig:
		// The client reconfigures for the next recognition; drop to Loaded
		// and let the pending Start arm it.
		s.cancelDelayedStop()
		if err := s.stopToLoaded(ctx); err != nil {
			slog.Error("stream: stop for reconfig failed", "err", err)
		}
		return s.processEvent(ctx, ev)

	case evConcurrentStream, evChargingState:
		s.cancelDelayedStop()
		// Reuse the Active handler.
		s.transitTo(StateActive)
		return s.processEvent(ctx, ev)

	case evResume:
		s.paused = false
		return nil

	case evDeviceConnected, evDeviceDisconnected:
		// Ignored: the bound device stays in place and the event is not
		// replayed after the deferred stop.
		return nil

	case evReadBuffer:
		return fmt.Errorf("stream: read while not buffering: %w", ErrIO)

	case evSSROffline:
		if s.stateForRestore == StateNone {
			s.stateForRestore = StateLoaded
		}
		if err := s.processEvent(ctx, evStopRecognition{}); err != nil {
			slog.Error("stream: stop on ssr failed", "err", err)
		}
		if err := s.processEvent(ctx, evUnloadSoundModel{}); err != nil {
			slog.Error("stream: unload on ssr failed", "err", err)
		}
		s.transitTo(StateSSR)
		return nil

	default:
		return nil
	}
}

func (s *Stream) handleBuffering(ctx context.Context, ev event) error {
	switch ev := ev.(type) {
	case evReadBuffer:
		if s.reader == nil {
			return fmt.Errorf("stream: no reader exists: %w", ErrInvalidArgument)
		}
		n, err := s.reader.Read(ev.dst)
		if err != nil {
			return fmt.Errorf("stream: ring read: %w: %w", err, ErrIO)
		}
		*ev.n = n
		return nil

	case evStopBuffering:
		s.stopBufferingAll(ctx)
		if s.reader != nil {
			s.reader.Reset()
		}
		s.postDelayedStop()
		return nil

	case evStartRecognition:
		// The client wants the next recognition, with or without having
		// read the buffered keyword.
		s.cancelDelayedStop()
		s.stopBufferingAll(ctx)
		if s.reader != nil {
			s.reader.Reset()
		}
		s.detectionState = 0
		err := s.restartAllEngines(ctx)
		if err != nil {
			s.transitTo(StateLoaded)
			return fmt.Errorf("stream: restart engines: %w: %w", err, ErrTransient)
		}
		s.transitTo(StateActive)
		return nil

	case evRecognitionConfig:
		s.cancelDelayedStop()
		s.stopBufferingAll(ctx)
		if s.reader != nil {
			s.reader.Reset()
		}
		s.detectionState = 0
		if err := s.fullStopLocked(ctx); err != nil {
			slog.Error("stream: stop for reconfig failed", "err", err)
		}
		s.transitTo(StateLoaded)
		return s.processEvent(ctx, ev)

	case evPause:
		s.paused = true
		s.stopBufferingAll(ctx)
		if s.reader != nil {
			s.reader.Reset()
		}
		return s.bufferingFullStop(ctx)
	case evStopRecognition:
		// Reached by the deferred stop when the client never restarts.
		return s.bufferingFullStop(ctx)

	case evDetected:
		return s.handleSecondStageVerdict(ctx, ev.kind)

	case evConcurrentStream, evChargingState:
		s.cancelDelayedStop()
		s.stopBufferingAll(ctx)
		if s.reader != nil {
			s.reader.Reset()
		}
		s.detectionState = 0
		// Reuse the Active handler.
		s.transitTo(StateActive)
		return s.processEvent(ctx, ev)

	case evDeviceConnected, evDeviceDisconnected:
		s.cancelDelayedStop()
		s.stopBufferingAll(ctx)
		if s.reader != nil {
			s.reader.Reset()
		}
		s.detectionState = 0
		if err := s.fullStopLocked(ctx); err != nil {
			slog.Error("stream: stop for device change failed", "err", err)
		}
		s.transitTo(StateLoaded)
		return s.processEvent(ctx, ev)

	case evSSROffline:
		if s.stateForRestore == StateNone {
			s.stateForRestore = StateLoaded
		}
		if err := s.processEvent(ctx, evStopBuffering{}); err != nil {
			slog.Error("stream: stop buffering on ssr failed", "err", err)
		}
		if err := s.processEvent(ctx, evStopRecognition{}); err != nil {
			slog.Error("stream: stop on ssr failed", "err", err)
		}
		if err := s.processEvent(ctx, evUnloadSoundModel{}); err != nil {
			slog.Error("stream: unload on ssr failed", "err", err)
		}
		s.transitTo(StateSSR)
		return nil

	default:
		return nil
	}
}

// bufferingFullStop is the Buffering → Loaded teardown shared by pause and
// the deferred stop.
func (s *Stream) bufferingFullStop(ctx context.Context) error {
	s.cancelDelayedStop()
	s.detectionState = 0
	err := s.fullStopLocked(ctx)
	s.transitTo(StateLoaded)
	return err
}

// handleSecondStageVerdict folds a verifier verdict into the detection
// bitfield. Rejections abandon the cycle and re-arm; once any positive
// second-stage bit is present the detection is confirmed and the client is
// notified.
func (s *Stream) handleSecondStageVerdict(ctx context.Context, kind engine.DetectionKind) error {
	if kind == engine.GMMDetected {
		return nil
	}
	if kind.Rejection() {
		slog.Debug("stream: second stage rejected", "kind", kind)
		s.detectionState = 0
		s.stopBufferingAll(ctx)
		if s.reader != nil {
			s.reader.Reset()
		}
		if err := s.restartAllEngines(ctx); err != nil {
			s.transitTo(StateLoaded)
			return fmt.Errorf("stream: restart after rejection: %w: %w", err, ErrTransient)
		}
		s.transitTo(StateActive)
		return nil
	}

	s.detectionState |= kind
	if s.detectionState&(engine.CNNDetected|engine.VOPDetected) == 0 {
		return nil
	}
	slog.Debug("stream: second stage detected", "state", uint32(s.detectionState))
	s.detectionState = 0
	if !s.recConfig.CaptureRequested {
		s.stopBufferingAll(ctx)
		if s.reader != nil {
			s.reader.Reset()
		}
		s.transitTo(StateDetected)
	}
	if err := s.notifyClient(); err != nil {
		slog.Error("stream: notify client failed", "err", err)
	}
	// The callback runs unlocked and may have already moved the stream on;
	// only arm the deferred stop when it has not.
	if !s.recConfig.CaptureRequested &&
		(s.cur == StateBuffering || s.cur == StateDetected) {
		s.postDelayedStop()
	}
	return nil
}

func (s *Stream) handleSSR(ctx context.Context, ev event) error {
	switch ev := ev.(type) {
	case evSSROnline:
		s.transitTo(StateIdle)
		restore := s.stateForRestore

		if restore == StateLoaded || restore == StateActive {
			if err := s.processEvent(ctx, evLoadSoundModel{m: s.smConfig}); err != nil {
				return fmt.Errorf("stream: replay load after ssr: %w", err)
			}
		}
		if restore == StateActive {
			if err := s.sendRecognitionConfig(ctx, s.recConfig); err != nil {
				return fmt.Errorf("stream: replay recognition config after ssr: %w", err)
			}
			if err := s.processEvent(ctx, evStartRecognition{}); err != nil {
				return fmt.Errorf("stream: replay start after ssr: %w", err)
			}
		}
		s.stateForRestore = StateNone
		return nil

	case evLoadSoundModel:
		if s.stateForRestore != StateIdle {
			return fmt.Errorf("stream: load while ssr restore state is %s: %w",
				s.stateForRestore, ErrPrecondition)
		}
		if err := s.updateSoundModel(ev.m); err != nil {
			return err
		}
		s.stateForRestore = StateLoaded
		return nil

	case evUnloadSoundModel:
		if s.stateForRestore != StateLoaded {
			return fmt.Errorf("stream: unload while ssr restore state is %s: %w",
				s.stateForRestore, ErrPrecondition)
		}
		s.stateForRestore = StateIdle
		return nil

	case evRecognitionConfig:
		if s.stateForRestore != StateLoaded {
			return fmt.Errorf("stream: recognition config while ssr restore state is %s: %w",
				s.stateForRestore, ErrPrecondition)
		}
		if !s.recConfig.Equal(ev.cfg) {
			s.recConfig = ev.cfg.Clone()
		}
		return nil

	case evStartRecognition:
		if s.stateForRestore != StateLoaded {
			return fmt.Errorf("stream: start while ssr restore state is %s: %w",
				s.stateForRestore, ErrPrecondition)
		}
		if s.recConfig == nil {
			return fmt.Errorf("stream: recognition config not set: %w", ErrInvalidArgument)
		}
		s.stateForRestore = StateActive
		return nil

	case evStopRecognition:
		if s.stateForRestore != StateActive {
			return fmt.Errorf("stream: stop while ssr restore state is %s: %w",
				s.stateForRestore, ErrPrecondition)
		}
		s.stateForRestore = StateLoaded
		return nil

	case evReadBuffer:
		return fmt.Errorf("stream: read while not buffering: %w", ErrIO)

	default:
		return nil
	}
}

// updateSoundModel validates and caches a model without touching engines;
// used while the subsystem is offline.
func (s *Stream) updateSoundModel(m *model.SoundModel) error {
	if m == nil {
		return fmt.Errorf("stream: nil sound model: %w", ErrInvalidArgument)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("stream: %w: %w", err, ErrInvalidArgument)
	}
	if s.smConfig != m {
		s.smConfig = m.Clone()
	}
	return nil
}
