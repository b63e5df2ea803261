package audio

import (
	"fmt"
	"sync"
)

// ResolveSelection picks the device to use from a fresh enumeration: the
// selected id if still present, else the platform default, else the first
// device, else "".
func ResolveSelection(devices []Device, selected, platformDefault string) string {
	if selected != "" && containsDevice(devices, selected) {
		return selected
	}
	if platformDefault != "" && containsDevice(devices, platformDefault) {
		return platformDefault
	}
	for _, d := range devices {
		if d.Default {
			return d.ID
		}
	}
	if len(devices) > 0 {
		return devices[0].ID
	}
	return ""
}

// FindDevice returns the device with the given id.
func FindDevice(devices []Device, id string) (Device, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

func containsDevice(devices []Device, id string) bool {
	_, ok := FindDevice(devices, id)
	return ok
}

// defaultOverride records an in-process default input. Neither backend can
// change the operating system default, so SetDefaultInput is honoured here
// for as long as the device stays enumerable.
type defaultOverride struct {
	mu sync.Mutex
	id string
}

func (o *defaultOverride) set(devices []Device, id string) error {
	if !containsDevice(devices, id) {
		return fmt.Errorf("%w: device %q not found", ErrDeviceSelectionFailed, id)
	}
	o.mu.Lock()
	o.id = id
	o.mu.Unlock()
	return nil
}

// resolve returns the override when it is still enumerable, else the
// platform default reported by the backend.
func (o *defaultOverride) resolve(devices []Device, platformDefault string) (string, bool) {
	o.mu.Lock()
	id := o.id
	o.mu.Unlock()

	if id != "" && containsDevice(devices, id) {
		return id, true
	}
	if platformDefault != "" {
		return platformDefault, true
	}
	return "", false
}

// markDefault flags the device matching id as the default in place.
func markDefault(devices []Device, id string) {
	for i := range devices {
		devices[i].Default = devices[i].ID == id
	}
}

// negotiateFormat bounds the requested format by what the device offers.
func negotiateFormat(want Format, maxChannels int, deviceRate float64) Format {
	got := want
	if got.SampleRate <= 0 {
		got.SampleRate = int(deviceRate)
	}
	if got.SampleRate <= 0 {
		got.SampleRate = 48000
	}
	if got.Channels < 1 {
		got.Channels = 1
	}
	if maxChannels > 0 && got.Channels > maxChannels {
		got.Channels = maxChannels
	}
	return got
}
