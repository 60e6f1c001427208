// Package malgo provides a real microphone capture backend for
// [audio.Device] built on miniaudio via github.com/gen2brain/malgo.
//
// Captured PCM frames are pushed into a caller-supplied sink — typically the
// first-stage detection engine's ring writer. The backend is reference
// counted so multiple streams can share one capture endpoint.
package malgo

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/ferralune/kephra/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Device = (*CaptureDevice)(nil)

// CaptureDevice is an [audio.Device] over the default system microphone.
type CaptureDevice struct {
	id   audio.DeviceID
	sink func(pcm []byte)

	mu      sync.Mutex
	attr    audio.Attributes
	ctx     *malgo.AllocatedContext
	dev     *malgo.Device
	refs    int
	started bool
}

// New creates a capture device for the given logical ID. sink receives raw
// little-endian PCM chunks on malgo's capture goroutine and must not block.
func New(id audio.DeviceID, sink func(pcm []byte)) (*CaptureDevice, error) {
	if sink == nil {
		return nil, fmt.Errorf("malgo: nil sink")
	}
	return &CaptureDevice{id: id, sink: sink}, nil
}

// ID returns the logical device ID.
func (d *CaptureDevice) ID() audio.DeviceID { return d.id }

// Open initialises the miniaudio context on first use and bumps the
// reference count.
func (d *CaptureDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return fmt.Errorf("malgo: init context: %w", err)
		}
		d.ctx = ctx
	}
	d.refs++
	return nil
}

// Close releases one reference; the last close frees the context.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		return fmt.Errorf("malgo: close of unopened device %s", d.id)
	}
	d.refs--
	if d.refs == 0 {
		d.stopLocked()
		if err := d.ctx.Uninit(); err != nil {
			return fmt.Errorf("malgo: uninit context: %w", err)
		}
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}

// Start begins capture with the current attributes.
func (d *CaptureDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return fmt.Errorf("malgo: start of unopened device %s", d.id)
	}
	if d.started {
		return nil
	}

	format, err := sampleFormat(d.attr.BitWidth)
	if err != nil {
		return err
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = format
	cfg.Capture.Channels = d.attr.Channels
	cfg.SampleRate = d.attr.SampleRate
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.sink(input)
		},
	}
	dev, err := malgo.InitDevice(d.ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("malgo: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("malgo: start capture: %w", err)
	}
	d.dev = dev
	d.started = true
	return nil
}

// Stop halts capture; the device stays open.
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

func (d *CaptureDevice) stopLocked() {
	if d.dev != nil {
		_ = d.dev.Stop()
		d.dev.Uninit()
		d.dev = nil
	}
	d.started = false
}

// SetAttributes applies a capture configuration. Takes effect on the next
// Start.
func (d *CaptureDevice) SetAttributes(attr audio.Attributes) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("malgo: cannot reconfigure a started device")
	}
	if _, err := sampleFormat(attr.BitWidth); err != nil {
		return err
	}
	d.attr = attr
	return nil
}

// Attributes returns the current configuration.
func (d *CaptureDevice) Attributes() audio.Attributes {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attr
}

func sampleFormat(bitWidth uint32) (malgo.FormatType, error) {
	switch bitWidth {
	case 16:
		return malgo.FormatS16, nil
	case 24:
		return malgo.FormatS24, nil
	case 32:
		return malgo.FormatS32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("malgo: unsupported bit width %d", bitWidth)
	}
}
