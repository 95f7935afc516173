// Package protocol implements the command frames for BJ_LED BLE light strips.
//
// Every frame starts with the vendor header 0x69 0x96 followed by a length or
// opcode byte. The protocol is write-only: the controller never answers.
package protocol

import (
	"errors"
	"fmt"
)

// Frame header bytes shared by every command.
const (
	HeaderByte0 = 0x69
	HeaderByte1 = 0x96
)

// ErrUnsupportedEffect is returned when an effect name is not in the codec's table.
var ErrUnsupportedEffect = errors.New("protocol: unsupported effect")

// Variant selects which command table a device speaks.
type Variant int

const (
	// VariantLegacy uses single-byte effect codes and a fixed speed byte.
	VariantLegacy Variant = iota
	// VariantExtended uses two-byte sub-coded effects with an adjustable intensity.
	VariantExtended
)

// String returns the config name of the variant.
func (v Variant) String() string {
	switch v {
	case VariantLegacy:
		return "legacy"
	case VariantExtended:
		return "extended"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant converts a config name to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "legacy":
		return VariantLegacy, nil
	case "extended":
		return VariantExtended, nil
	default:
		return 0, fmt.Errorf("protocol: unknown variant %q", s)
	}
}

// RGB is an unscaled 8-bit color triple.
type RGB struct {
	R, G, B uint8
}

// Codec builds the wire frames for one command-table variant.
// Implementations hold no per-call state.
type Codec interface {
	Variant() Variant
	// Power returns the on or off frame.
	Power(on bool) []byte
	// Color returns the color frame with every channel scaled by brightness.
	Color(c RGB, brightness uint8) []byte
	// Effect returns the frame selecting the named effect. intensity is only
	// meaningful for VariantExtended.
	Effect(name string, intensity uint8) ([]byte, error)
	// Effects returns the supported effect names in sorted order.
	Effects() []string
}

// NewCodec returns the codec for v.
func NewCodec(v Variant) Codec {
	if v == VariantLegacy {
		return LegacyCodec{}
	}
	return ExtendedCodec{}
}

// Power frames, identical for both variants.
//
//	[2B] header  = 0x69 0x96
//	[1B] length  = 0x02
//	[1B] opcode  = 0x01
//	[1B] state   = 0x01 on, 0x00 off
var (
	powerOnFrame  = []byte{HeaderByte0, HeaderByte1, 0x02, 0x01, 0x01}
	powerOffFrame = []byte{HeaderByte0, HeaderByte1, 0x02, 0x01, 0x00}
)

func encodePower(on bool) []byte {
	if on {
		return append([]byte(nil), powerOnFrame...)
	}
	return append([]byte(nil), powerOffFrame...)
}

// encodeColor builds the color frame.
//
//	[2B] header  = 0x69 0x96
//	[1B] length  = 0x05
//	[1B] opcode  = 0x02
//	[3B] r, g, b scaled by brightness
//
// The brightness is first reduced to an integer percentage and each channel
// is then scaled by that percentage, truncating at both steps. The device
// expects exactly these values.
func encodeColor(c RGB, brightness uint8) []byte {
	pct := ScalePercent(brightness)
	return []byte{
		HeaderByte0, HeaderByte1, 0x05, 0x02,
		ScaleChannel(c.R, pct),
		ScaleChannel(c.G, pct),
		ScaleChannel(c.B, pct),
	}
}

// ScalePercent converts a 0-255 brightness to a truncated 0-100 percentage.
func ScalePercent(brightness uint8) int {
	return int(brightness) * 100 / 255
}

// ScaleChannel scales one color channel by a 0-100 percentage, truncating.
func ScaleChannel(channel uint8, pct int) uint8 {
	return uint8(int(channel) * pct / 100)
}

// LegacyCodec speaks the original single-byte effect table.
type LegacyCodec struct{}

// legacySpeed is the fixed speed byte appended to legacy effect frames.
const legacySpeed = 0x01

func (LegacyCodec) Variant() Variant { return VariantLegacy }
func (LegacyCodec) Power(on bool) []byte { return encodePower(on) }
func (LegacyCodec) Color(c RGB, brightness uint8) []byte { return encodeColor(c, brightness) }
func (LegacyCodec) Effects() []string { return LegacyEffects.Names() }

// Effect builds a legacy effect frame.
//
//	[2B] header  = 0x69 0x96
//	[1B] length  = 0x03
//	[1B] opcode  = 0x03
//	[1B] effect code
//	[1B] speed   = 0x01
//
// intensity is ignored.
func (LegacyCodec) Effect(name string, _ uint8) ([]byte, error) {
	code, ok := LegacyEffects.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEffect, name)
	}
	frame := []byte{HeaderByte0, HeaderByte1, 0x03, 0x03}
	frame = append(frame, code...)
	return append(frame, legacySpeed), nil
}

// ExtendedCodec speaks the two-byte sub-coded effect table.
type ExtendedCodec struct{}

// MaxIntensity is the largest intensity the extended variant accepts.
const MaxIntensity = 10

// DefaultIntensity is the intensity used when none is configured.
const DefaultIntensity = 3

func (ExtendedCodec) Variant() Variant { return VariantExtended }
func (ExtendedCodec) Power(on bool) []byte { return encodePower(on) }
func (ExtendedCodec) Color(c RGB, brightness uint8) []byte { return encodeColor(c, brightness) }
func (ExtendedCodec) Effects() []string { return ExtendedEffects.Names() }

// Effect builds an extended effect frame.
//
//	[2B] header    = 0x69 0x96
//	[1B] length    = 0x03
//	[2B] effect group, sub-code
//	[1B] intensity = 0..10
//
// Intensities above MaxIntensity are clamped.
func (ExtendedCodec) Effect(name string, intensity uint8) ([]byte, error) {
	code, ok := ExtendedEffects.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEffect, name)
	}
	if intensity > MaxIntensity {
		intensity = MaxIntensity
	}
	frame := []byte{HeaderByte0, HeaderByte1, 0x03}
	frame = append(frame, code...)
	return append(frame, intensity), nil
}

// Compile-time checks.
var (
	_ Codec = LegacyCodec{}
	_ Codec = ExtendedCodec{}
)
