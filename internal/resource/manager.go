// Package resource implements the process-wide resource manager: the fleet
// of voice-trigger streams, the shared capture-device registry, concurrency
// and charging policy, stream instance IDs, capture-profile arbitration, and
// the subsystem-restart broadcast.
//
// Streams consume the [Manager] interface; external producers (audio HAL,
// platform services) drive the concrete [Registry] through its broadcast
// entry points.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ferralune/kephra/internal/platform"
	"github.com/ferralune/kephra/pkg/audio"
)

// VoiceStream is the manager's view of one registered voice-trigger stream.
// The stream core implements it; all methods may be called from
// manager-owned goroutines.
type VoiceStream interface {
	// NotifyConcurrentStream delivers a concurrency change for the stream's
	// own policy evaluation.
	NotifyConcurrentStream(typ audio.StreamType, dir audio.Direction, active bool)

	// NotifyChargingState delivers a charging-state change.
	NotifyChargingState(on bool)

	// NotifySSROffline and NotifySSROnline deliver subsystem-restart edges.
	NotifySSROffline()
	NotifySSROnline()

	// StopForRealign and StartAfterRealign stop and restart this stream's
	// recognition so its backend re-adopts the composite capture profile.
	StopForRealign(ctx context.Context) error
	StartAfterRealign(ctx context.Context) error

	// PreferredCaptureProfile is the profile this stream would pick for
	// itself right now; nil when the stream has no loaded model.
	PreferredCaptureProfile() *platform.CaptureProfile
}

// DeviceFactory builds a device instance for a logical ID. Backends register
// one factory with the [Registry]; instances are shared across streams.
type DeviceFactory func(id audio.DeviceID) (audio.Device, error)

// Manager is the contract the stream core consumes.
type Manager interface {
	RegisterStream(s VoiceStream)
	DeregisterStream(s VoiceStream)

	GetChargingState() bool
	IsVoiceUILPISupported() bool
	IsAudioCaptureAndVoiceUIConcurrencySupported() bool
	IsVoiceCallAndVoiceUIConcurrencySupported() bool
	IsVoipAndVoiceUIConcurrencySupported() bool

	// UpdateSVACaptureProfile recomputes the composite capture profile with
	// s marked active or inactive. It returns true when the composite
	// changed and sibling backends must realign.
	UpdateSVACaptureProfile(s VoiceStream, active bool) bool

	// GetSVACaptureProfile returns the current composite capture profile.
	GetSVACaptureProfile() *platform.CaptureProfile

	// StopOtherSVAStreams and StartOtherSVAStreams fan out a recognition
	// stop/start over every active stream except s.
	StopOtherSVAStreams(ctx context.Context, s VoiceStream) error
	StartOtherSVAStreams(ctx context.Context, s VoiceStream) error

	// GetDevice fetches the shared device instance for id.
	GetDevice(id audio.DeviceID) (audio.Device, error)

	// RegisterDevice and DeregisterDevice track which devices are in active
	// use by running streams.
	RegisterDevice(d audio.Device)
	DeregisterDevice(d audio.Device)

	// IsDeviceAvailable reports whether the physical endpoint for id is
	// currently connected.
	IsDeviceAvailable(id audio.DeviceID) bool

	// StreamInstanceID allocates an instance ID for the backend graph key;
	// ResetStreamInstanceID releases it.
	StreamInstanceID(key [2]uint32) int32
	ResetStreamInstanceID(key [2]uint32, id int32)

	// CheckForActiveConcurrentNonLPIStream reports whether any concurrent
	// stream currently forbids the low-power-island path.
	CheckForActiveConcurrentNonLPIStream() bool

	// CheckForForcedTransitToNonLPI reports whether platform policy forces
	// the full-performance path (e.g. while charging).
	CheckForForcedTransitToNonLPI() bool
}

// Config holds the Registry's policy inputs.
type Config struct {
	// Info is the platform info store; capability flags come from it.
	Info *platform.Info

	// Devices builds shared device instances. Required.
	Devices DeviceFactory

	// TransitToNonLPIOnCharging forces the high-performance capture path
	// while the device charges.
	TransitToNonLPIOnCharging bool
}

// Registry is the concrete [Manager]. All exported methods are safe for
// concurrent use.
type Registry struct {
	info         *platform.Info
	factory      DeviceFactory
	nlpiOnCharge bool

	mu            sync.Mutex
	streams       []VoiceStream
	devices       map[audio.DeviceID]audio.Device
	inUse         map[audio.DeviceID]int
	available     map[audio.DeviceID]bool
	charging      bool
	nonLPICount   int
	activeProfile map[VoiceStream]*platform.CaptureProfile
	composite     *platform.CaptureProfile
	nextInstance  map[[2]uint32]int32
}

// NewRegistry creates a Registry. The handset mic is assumed present;
// headset availability is driven by device-connection updates.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Info == nil {
		return nil, fmt.Errorf("resource: nil platform info")
	}
	if cfg.Devices == nil {
		return nil, fmt.Errorf("resource: nil device factory")
	}
	return &Registry{
		info:         cfg.Info,
		factory:      cfg.Devices,
		nlpiOnCharge: cfg.TransitToNonLPIOnCharging,
		devices:      make(map[audio.DeviceID]audio.Device),
		inUse:        make(map[audio.DeviceID]int),
		available: map[audio.DeviceID]bool{
			audio.DeviceHandsetVAMic: true,
		},
		activeProfile: make(map[VoiceStream]*platform.CaptureProfile),
		nextInstance:  make(map[[2]uint32]int32),
	}, nil
}

// RegisterStream adds s to the fleet.
func (r *Registry) RegisterStream(s VoiceStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, s)
}

// DeregisterStream removes s from the fleet and drops its arbitration vote.
func (r *Registry) DeregisterStream(s VoiceStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.streams {
		if cur == s {
			r.streams = append(r.streams[:i], r.streams[i+1:]...)
			break
		}
	}
	delete(r.activeProfile, s)
	r.recomputeCompositeLocked()
}

// GetChargingState returns the last reported charging state.
func (r *Registry) GetChargingState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.charging
}

// IsVoiceUILPISupported reports low-power-island support.
func (r *Registry) IsVoiceUILPISupported() bool { return r.info.VoiceUILPISupported() }

// IsAudioCaptureAndVoiceUIConcurrencySupported reports capture concurrency
// support.
func (r *Registry) IsAudioCaptureAndVoiceUIConcurrencySupported() bool {
	return r.info.AudioCaptureConcurrencySupported()
}

// IsVoiceCallAndVoiceUIConcurrencySupported reports voice-call concurrency
// support.
func (r *Registry) IsVoiceCallAndVoiceUIConcurrencySupported() bool {
	return r.info.VoiceCallConcurrencySupported()
}

// IsVoipAndVoiceUIConcurrencySupported reports VoIP concurrency support.
func (r *Registry) IsVoipAndVoiceUIConcurrencySupported() bool {
	return r.info.VoipConcurrencySupported()
}

// UpdateSVACaptureProfile recomputes the composite profile with s active or
// inactive; it returns whether the composite changed.
func (r *Registry) UpdateSVACaptureProfile(s VoiceStream, active bool) bool {
	// Derive before locking: the stream's preference consults this
	// registry's policy checks.
	var pref *platform.CaptureProfile
	if active {
		pref = s.PreferredCaptureProfile()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if active {
		r.activeProfile[s] = pref
	} else {
		delete(r.activeProfile, s)
	}
	old := r.composite
	r.recomputeCompositeLocked()
	return !old.Equal(r.composite)
}

// recomputeCompositeLocked picks the most demanding profile among active
// streams: highest channel count, then sample rate, then bit width.
func (r *Registry) recomputeCompositeLocked() {
	var best *platform.CaptureProfile
	for _, p := range r.activeProfile {
		if p == nil {
			continue
		}
		if best == nil ||
			p.Channels > best.Channels ||
			(p.Channels == best.Channels && p.SampleRate > best.SampleRate) ||
			(p.Channels == best.Channels && p.SampleRate == best.SampleRate && p.BitWidth > best.BitWidth) {
			best = p
		}
	}
	r.composite = best
}

// GetSVACaptureProfile returns the composite capture profile, or nil when no
// stream is active.
func (r *Registry) GetSVACaptureProfile() *platform.CaptureProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.composite
}

// StopOtherSVAStreams stops recognition on every active stream except s so
// their backends can re-adopt the composite profile.
func (r *Registry) StopOtherSVAStreams(ctx context.Context, s VoiceStream) error {
	return r.fanOut(ctx, s, VoiceStream.StopForRealign)
}

// StartOtherSVAStreams restarts recognition on every active stream except s.
func (r *Registry) StartOtherSVAStreams(ctx context.Context, s VoiceStream) error {
	return r.fanOut(ctx, s, VoiceStream.StartAfterRealign)
}

func (r *Registry) fanOut(ctx context.Context, skip VoiceStream, op func(VoiceStream, context.Context) error) error {
	r.mu.Lock()
	others := make([]VoiceStream, 0, len(r.activeProfile))
	for s := range r.activeProfile {
		if s != skip {
			others = append(others, s)
		}
	}
	r.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, s := range others {
		eg.Go(func() error { return op(s, egCtx) })
	}
	return eg.Wait()
}

// GetDevice fetches the shared device instance for id, creating it on first
// use.
func (r *Registry) GetDevice(id audio.DeviceID) (audio.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return d, nil
	}
	d, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("resource: create device %s: %w", id, err)
	}
	r.devices[id] = d
	return d, nil
}

// RegisterDevice marks d as actively used by a running stream.
func (r *Registry) RegisterDevice(d audio.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse[d.ID()]++
}

// DeregisterDevice releases one active use of d.
func (r *Registry) DeregisterDevice(d audio.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse[d.ID()] > 0 {
		r.inUse[d.ID()]--
	}
}

// IsDeviceAvailable reports whether the physical endpoint for id is
// connected.
func (r *Registry) IsDeviceAvailable(id audio.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available[id]
}

// StreamInstanceID allocates a monotonically increasing instance ID for the
// backend graph key.
func (r *Registry) StreamInstanceID(key [2]uint32) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextInstance[key]++
	return r.nextInstance[key]
}

// ResetStreamInstanceID releases an allocated instance ID. IDs are not
// reused within a key's lifetime; release only validates ordering.
func (r *Registry) ResetStreamInstanceID(key [2]uint32, id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id <= 0 || id > r.nextInstance[key] {
		slog.Warn("resource: reset of unknown instance id", "id", id)
	}
}

// CheckForActiveConcurrentNonLPIStream reports whether any concurrent output
// stream currently forbids the low-power-island path.
func (r *Registry) CheckForActiveConcurrentNonLPIStream() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonLPICount > 0
}

// CheckForForcedTransitToNonLPI reports whether charging policy forces the
// full-performance path.
func (r *Registry) CheckForForcedTransitToNonLPI() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nlpiOnCharge && r.charging
}

// --- external broadcast entry points ---

// ConcurrentStreamStatus records a concurrency change and forwards it to
// every registered stream for policy evaluation.
func (r *Registry) ConcurrentStreamStatus(typ audio.StreamType, dir audio.Direction, active bool) {
	r.mu.Lock()
	if dir == audio.DirectionOutput && typ != audio.StreamLowLatency {
		if active {
			r.nonLPICount++
		} else if r.nonLPICount > 0 {
			r.nonLPICount--
		}
	}
	streams := append([]VoiceStream(nil), r.streams...)
	r.mu.Unlock()

	slog.Debug("resource: concurrent stream status",
		"type", typ, "direction", dir, "active", active)
	for _, s := range streams {
		s.NotifyConcurrentStream(typ, dir, active)
	}
}

// UpdateChargingState records the charging state and forwards the change to
// every registered stream.
func (r *Registry) UpdateChargingState(on bool) {
	r.mu.Lock()
	r.charging = on
	streams := append([]VoiceStream(nil), r.streams...)
	r.mu.Unlock()

	slog.Debug("resource: charging state", "on", on)
	for _, s := range streams {
		s.NotifyChargingState(on)
	}
}

// SetDeviceAvailable records hot-plug state for a physical endpoint.
func (r *Registry) SetDeviceAvailable(id audio.DeviceID, avail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available[id] = avail
}

// SSROffline broadcasts a subsystem-restart descent to the fleet.
func (r *Registry) SSROffline() {
	r.mu.Lock()
	streams := append([]VoiceStream(nil), r.streams...)
	r.mu.Unlock()

	slog.Warn("resource: subsystem offline")
	for _, s := range streams {
		s.NotifySSROffline()
	}
}

// SSROnline broadcasts subsystem recovery to the fleet.
func (r *Registry) SSROnline() {
	r.mu.Lock()
	streams := append([]VoiceStream(nil), r.streams...)
	r.mu.Unlock()

	slog.Info("resource: subsystem online")
	for _, s := range streams {
		s.NotifySSROnline()
	}
}
