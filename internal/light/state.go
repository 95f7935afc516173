package light

import "github.com/chaz8081/bjled/internal/ble/protocol"

// Power is the last known power state.
type Power int

const (
	// PowerUnknown is the state before any power command succeeded; the
	// device cannot be queried.
	PowerUnknown Power = iota
	// PowerOff means the last successful power command turned the light off.
	PowerOff
	// PowerOn means the last successful power command turned the light on.
	PowerOn
)

// String returns "on", "off" or "unknown".
func (p Power) String() string {
	switch p {
	case PowerOn:
		return "on"
	case PowerOff:
		return "off"
	default:
		return "unknown"
	}
}

// ColorModeRGB is the only color mode the protocol models.
const ColorModeRGB = "rgb"

// Identity describes the physical device. It does not change after New.
type Identity struct {
	Address string
	Name    string
	RSSI    int
	Model   int // index into protocol.Models
	Variant protocol.Variant
}

// State is an in-memory snapshot of the device. It is never persisted.
type State struct {
	Power Power
	// Color is the unscaled color last requested; ColorSet is false until
	// one has been.
	Color    protocol.RGB
	ColorSet bool
	// Brightness is 0..255; BrightnessSet is false until one has been.
	Brightness    uint8
	BrightnessSet bool
	// Effect is the running effect, or "" for none.
	Effect    string
	Intensity uint8
	ColorMode string
}

// Command is a composite request in the shape a home-automation host sends:
// every field is optional and only changed fields are written.
type Command struct {
	Off        bool
	Brightness *uint8
	Color      *protocol.RGB
	Effect     string
}
