package helper

import (
	"encoding/json"
	"fmt"
)

// Device is a helper's description of one output device. Field names are
// the wire contract shared with the native helpers.
type Device struct {
	ID                     string   `json:"id"`
	DisplayName            string   `json:"displayName"`
	Vendor                 string   `json:"vendor,omitempty"`
	Model                  string   `json:"model,omitempty"`
	VideoOutputConnections []string `json:"videoOutputConnections"`
	Busy                   bool     `json:"busy"`
	SupportsPlayback       bool     `json:"supportsPlayback"`
	SupportsExternalKeying bool     `json:"supportsExternalKeying"`
	SupportsInternalKeying bool     `json:"supportsInternalKeying"`
}

// DisplayMode is one output mode a device port supports.
type DisplayMode struct {
	Name           string   `json:"name"`
	ID             string   `json:"id"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	FPS            float64  `json:"fps"`
	FrameDuration  int64    `json:"frameDuration"`
	TimeScale      int64    `json:"timeScale"`
	FieldDominance string   `json:"fieldDominance"`
	Connection     string   `json:"connection"`
	PixelFormats   []string `json:"pixelFormats"`
}

// Event is a parsed helper stdout event.
type Event interface {
	eventType() string
}

// ReadyEvent is the handshake: the helper has its output configured and is
// accepting frames.
type ReadyEvent struct{}

// DevicesEvent is the full device snapshot a watch stream opens with.
type DevicesEvent struct {
	Devices []Device
}

// DeviceAddedEvent reports a hotplugged device.
type DeviceAddedEvent struct {
	Device Device
}

// DeviceRemovedEvent reports a disconnected device.
type DeviceRemovedEvent struct {
	Device Device
}

// ErrorEvent is a fatal condition the helper reports before exiting.
type ErrorEvent struct {
	Message string
}

func (ReadyEvent) eventType() string         { return "ready" }
func (DevicesEvent) eventType() string       { return "devices" }
func (DeviceAddedEvent) eventType() string   { return "device_added" }
func (DeviceRemovedEvent) eventType() string { return "device_removed" }
func (ErrorEvent) eventType() string         { return "error" }

// ParseEvent decodes one stdout line. Unknown event types return an error
// wrapping ErrUnknownEvent so callers can skip them; anything that is not
// a JSON object with a type is malformed.
func ParseEvent(line []byte) (Event, error) {
	var raw struct {
		Type    string   `json:"type"`
		Devices []Device `json:"devices"`
		Device  *Device  `json:"device"`
		Message string   `json:"message"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("helper: malformed event: %w", err)
	}

	switch raw.Type {
	case "ready":
		return ReadyEvent{}, nil
	case "devices":
		return DevicesEvent{Devices: raw.Devices}, nil
	case "device_added":
		if raw.Device == nil {
			return nil, fmt.Errorf("helper: device_added event without device")
		}
		return DeviceAddedEvent{Device: *raw.Device}, nil
	case "device_removed":
		if raw.Device == nil {
			return nil, fmt.Errorf("helper: device_removed event without device")
		}
		return DeviceRemovedEvent{Device: *raw.Device}, nil
	case "error":
		return ErrorEvent{Message: raw.Message}, nil
	case "":
		return nil, fmt.Errorf("helper: event without type")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.Type)
	}
}
