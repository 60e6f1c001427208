package resource_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/ferralune/kephra/internal/platform"
	"github.com/ferralune/kephra/internal/resource"
	"github.com/ferralune/kephra/pkg/audio"
	audiomock "github.com/ferralune/kephra/pkg/audio/mock"
)

const testYAML = `
voice_ui_lpi_supported: true
audio_capture_concurrency: true
voice_call_concurrency: false
voip_concurrency: false
support_dev_switch: true
sound_models:
  - uuid: 9f6ad154-75be-4a28-96cf-3d7b0eb17e9e
    kw_duration_ms: 2000
    capture_read_delay_ms: 2000
    sample_rate: 16000
    bit_width: 16
    out_channels: 1
    stream_config_key: [11, 1]
capture_profiles:
  - operating_mode: low_power
    input_mode: handset
    name: va-lp-handset
    device_id: 4
    channels: 1
    sample_rate: 16000
    bit_width: 16
    snd_name: va-mic-lp
  - operating_mode: high_perf
    input_mode: handset
    name: va-hp-handset
    device_id: 4
    channels: 2
    sample_rate: 48000
    bit_width: 16
    snd_name: va-mic-hp
`

// fakeStream is a minimal resource.VoiceStream that records notifications.
type fakeStream struct {
	mu       sync.Mutex
	profile  *platform.CaptureProfile
	conc     int
	charging int
	ssrDown  int
	ssrUp    int
	stops    int
	starts   int
}

func (f *fakeStream) NotifyConcurrentStream(audio.StreamType, audio.Direction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conc++
}

func (f *fakeStream) NotifyChargingState(bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charging++
}

func (f *fakeStream) NotifySSROffline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ssrDown++
}

func (f *fakeStream) NotifySSROnline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ssrUp++
}

func (f *fakeStream) StopForRealign(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeStream) StartAfterRealign(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeStream) PreferredCaptureProfile() *platform.CaptureProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

func newTestRegistry(t *testing.T) (*resource.Registry, *platform.Info) {
	t.Helper()
	info, err := platform.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("platform.LoadFromReader() error: %v", err)
	}
	rm, err := resource.NewRegistry(resource.Config{
		Info:                      info,
		Devices:                   audiomock.Factory(map[audio.DeviceID]*audiomock.Device{}),
		TransitToNonLPIOnCharging: true,
	})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	return rm, info
}

func TestRegistry_CapabilityFlags(t *testing.T) {
	t.Parallel()

	rm, _ := newTestRegistry(t)
	if !rm.IsVoiceUILPISupported() {
		t.Error("IsVoiceUILPISupported() = false")
	}
	if !rm.IsAudioCaptureAndVoiceUIConcurrencySupported() {
		t.Error("IsAudioCaptureAndVoiceUIConcurrencySupported() = false")
	}
	if rm.IsVoiceCallAndVoiceUIConcurrencySupported() {
		t.Error("IsVoiceCallAndVoiceUIConcurrencySupported() = true")
	}
}

func TestRegistry_GetDeviceSharesInstances(t *testing.T) {
	t.Parallel()

	rm, _ := newTestRegistry(t)
	a, err := rm.GetDevice(audio.DeviceHandsetVAMic)
	if err != nil {
		t.Fatalf("GetDevice() error: %v", err)
	}
	b, err := rm.GetDevice(audio.DeviceHandsetVAMic)
	if err != nil {
		t.Fatalf("GetDevice() error: %v", err)
	}
	if a != b {
		t.Error("GetDevice() returned distinct instances for the same ID")
	}
}

func TestRegistry_InstanceIDsMonotonicPerKey(t *testing.T) {
	t.Parallel()

	rm, _ := newTestRegistry(t)
	key := [2]uint32{11, 1}
	first := rm.StreamInstanceID(key)
	second := rm.StreamInstanceID(key)
	if first != 1 || second != 2 {
		t.Errorf("StreamInstanceID() = %d, %d, want 1, 2", first, second)
	}
	other := rm.StreamInstanceID([2]uint32{12, 1})
	if other != 1 {
		t.Errorf("StreamInstanceID(other key) = %d, want 1", other)
	}
	rm.ResetStreamInstanceID(key, first)
	rm.ResetStreamInstanceID(key, second)
}

func TestRegistry_NonLPITracking(t *testing.T) {
	t.Parallel()

	rm, _ := newTestRegistry(t)
	if rm.CheckForActiveConcurrentNonLPIStream() {
		t.Fatal("CheckForActiveConcurrentNonLPIStream() = true before any activity")
	}
	rm.ConcurrentStreamStatus(audio.StreamDeepBuffer, audio.DirectionOutput, true)
	if !rm.CheckForActiveConcurrentNonLPIStream() {
		t.Error("CheckForActiveConcurrentNonLPIStream() = false with deep buffer active")
	}
	// Low-latency output does not break LPI.
	rm.ConcurrentStreamStatus(audio.StreamLowLatency, audio.DirectionOutput, true)
	rm.ConcurrentStreamStatus(audio.StreamDeepBuffer, audio.DirectionOutput, false)
	if rm.CheckForActiveConcurrentNonLPIStream() {
		t.Error("CheckForActiveConcurrentNonLPIStream() = true after deep buffer stopped")
	}
}

func TestRegistry_ForcedTransitFollowsCharging(t *testing.T) {
	t.Parallel()

	rm, _ := newTestRegistry(t)
	if rm.CheckForForcedTransitToNonLPI() {
		t.Fatal("CheckForForcedTransitToNonLPI() = true while discharged")
	}
	rm.UpdateChargingState(true)
	if !rm.CheckForForcedTransitToNonLPI() {
		t.Error("CheckForForcedTransitToNonLPI() = false while charging")
	}
	if !rm.GetChargingState() {
		t.Error("GetChargingState() = false after update")
	}
}

func TestRegistry_BroadcastsToStreams(t *testing.T) {
	t.Parallel()

	rm, _ := newTestRegistry(t)
	fs := &fakeStream{}
	rm.RegisterStream(fs)

	rm.ConcurrentStreamStatus(audio.StreamRaw, audio.DirectionInput, true)
	rm.UpdateChargingState(true)
	rm.SSROffline()
	rm.SSROnline()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.conc != 1 || fs.charging != 1 || fs.ssrDown != 1 || fs.ssrUp != 1 {
		t.Errorf("notifications = conc %d charging %d down %d up %d, want 1 each",
			fs.conc, fs.charging, fs.ssrDown, fs.ssrUp)
	}
}

func TestRegistry_DeregisteredStreamStopsReceiving(t *testing.T) {
	t.Parallel()

	rm, _ := newTestRegistry(t)
	fs := &fakeStream{}
	rm.RegisterStream(fs)
	rm.DeregisterStream(fs)
	rm.SSROffline()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.ssrDown != 0 {
		t.Errorf("ssrDown = %d after deregister, want 0", fs.ssrDown)
	}
}

func TestRegistry_CompositeProfileArbitration(t *testing.T) {
	t.Parallel()

	rm, info := newTestRegistry(t)
	lp, _ := info.CaptureProfile(platform.ModeLowPower, platform.InputHandset)
	hp, _ := info.CaptureProfile(platform.ModeHighPerf, platform.InputHandset)

	a := &fakeStream{profile: lp}
	b := &fakeStream{profile: hp}

	if !rm.UpdateSVACaptureProfile(a, true) {
		t.Error("first activation should change the composite")
	}
	if got := rm.GetSVACaptureProfile(); !got.Equal(lp) {
		t.Errorf("composite = %+v, want low-power", got)
	}

	// A more demanding stream wins the arbitration.
	if !rm.UpdateSVACaptureProfile(b, true) {
		t.Error("high-perf activation should change the composite")
	}
	if got := rm.GetSVACaptureProfile(); !got.Equal(hp) {
		t.Errorf("composite = %+v, want high-perf", got)
	}

	// Re-voting the weaker stream changes nothing.
	if rm.UpdateSVACaptureProfile(a, true) {
		t.Error("re-activation of weaker stream should not change the composite")
	}

	// Dropping the stronger stream falls back.
	if !rm.UpdateSVACaptureProfile(b, false) {
		t.Error("deactivating high-perf stream should change the composite")
	}
	if got := rm.GetSVACaptureProfile(); !got.Equal(lp) {
		t.Errorf("composite = %+v, want low-power again", got)
	}
}

func TestRegistry_RealignFanOutSkipsInitiator(t *testing.T) {
	t.Parallel()

	rm, info := newTestRegistry(t)
	lp, _ := info.CaptureProfile(platform.ModeLowPower, platform.InputHandset)

	initiator := &fakeStream{profile: lp}
	other := &fakeStream{profile: lp}
	rm.UpdateSVACaptureProfile(initiator, true)
	rm.UpdateSVACaptureProfile(other, true)

	ctx := context.Background()
	if err := rm.StopOtherSVAStreams(ctx, initiator); err != nil {
		t.Fatalf("StopOtherSVAStreams() error: %v", err)
	}
	if err := rm.StartOtherSVAStreams(ctx, initiator); err != nil {
		t.Fatalf("StartOtherSVAStreams() error: %v", err)
	}

	other.mu.Lock()
	initiator.mu.Lock()
	defer other.mu.Unlock()
	defer initiator.mu.Unlock()
	if other.stops != 1 || other.starts != 1 {
		t.Errorf("other stream stops/starts = %d/%d, want 1/1", other.stops, other.starts)
	}
	if initiator.stops != 0 || initiator.starts != 0 {
		t.Errorf("initiator stops/starts = %d/%d, want 0/0", initiator.stops, initiator.starts)
	}
}

func TestRegistry_DeviceAvailability(t *testing.T) {
	t.Parallel()

	rm, _ := newTestRegistry(t)
	if !rm.IsDeviceAvailable(audio.DeviceHandsetVAMic) {
		t.Error("handset VA mic should be available by default")
	}
	if rm.IsDeviceAvailable(audio.DeviceWiredHeadset) {
		t.Error("wired headset should be unavailable by default")
	}
	rm.SetDeviceAvailable(audio.DeviceWiredHeadset, true)
	if !rm.IsDeviceAvailable(audio.DeviceWiredHeadset) {
		t.Error("wired headset should be available after hot-plug")
	}
}
