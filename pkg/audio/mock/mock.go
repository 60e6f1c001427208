// Package mock provides an in-memory mock implementation of [audio.Device]
// for use in unit tests.
//
// The mock enforces the open/start lifecycle the stream core relies on and
// records reference counts so tests can assert symmetric teardown. It is
// safe for concurrent use.
package mock

import (
	"fmt"
	"sync"

	"github.com/ferralune/kephra/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

// Device is a mock implementation of [audio.Device]. All exported *Err
// fields control return values.
type Device struct {
	// DeviceID is returned from [Device.ID].
	DeviceID audio.DeviceID

	// OpenErr, CloseErr, StartErr and StopErr are returned by the
	// corresponding methods.
	OpenErr  error
	CloseErr error
	StartErr error
	StopErr  error

	mu sync.Mutex

	// OpenCount is the current open reference count.
	OpenCount int

	// Started reports whether capture is running.
	Started bool

	// Opens, Closes, Starts, Stops count lifetime calls.
	Opens  int
	Closes int
	Starts int
	Stops  int

	// Attr is the last applied configuration.
	Attr audio.Attributes
}

// ID returns the configured device ID.
func (d *Device) ID() audio.DeviceID { return d.DeviceID }

// Open bumps the reference count.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.OpenCount++
	d.Opens++
	return nil
}

// Close releases one reference.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CloseErr != nil {
		return d.CloseErr
	}
	if d.OpenCount == 0 {
		return fmt.Errorf("mock: close of unopened device %s", d.DeviceID)
	}
	d.OpenCount--
	d.Closes++
	return nil
}

// Start begins capture.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StartErr != nil {
		return d.StartErr
	}
	if d.OpenCount == 0 {
		return fmt.Errorf("mock: start of unopened device %s", d.DeviceID)
	}
	d.Started = true
	d.Starts++
	return nil
}

// Stop halts capture.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StopErr != nil {
		return d.StopErr
	}
	d.Started = false
	d.Stops++
	return nil
}

// SetAttributes records the configuration.
func (d *Device) SetAttributes(attr audio.Attributes) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Attr = attr
	return nil
}

// Attributes returns the last applied configuration.
func (d *Device) Attributes() audio.Attributes {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Attr
}

// Factory returns a [resource.DeviceFactory]-shaped constructor that hands
// out one shared *Device per logical ID and records them in devices.
func Factory(devices map[audio.DeviceID]*Device) func(audio.DeviceID) (audio.Device, error) {
	var mu sync.Mutex
	return func(id audio.DeviceID) (audio.Device, error) {
		mu.Lock()
		defer mu.Unlock()
		if d, ok := devices[id]; ok {
			return d, nil
		}
		d := &Device{DeviceID: id}
		devices[id] = d
		return d, nil
	}
}
