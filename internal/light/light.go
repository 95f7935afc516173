// Package light is the device-level API for one BJ_LED strip. Every
// operation goes through a retry policy and updates the in-memory state
// snapshot once the frame has been written.
package light

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/bjled/internal/ble"
	"github.com/chaz8081/bjled/internal/ble/protocol"
	"github.com/chaz8081/bjled/internal/retry"
)

// Link carries frames to the device. *ble.Manager satisfies it.
type Link interface {
	Write(ctx context.Context, data []byte) error
	Stop(ctx context.Context) error
}

// Options configures a Light.
type Options struct {
	// Variant is "auto" (or empty) to use the detected model's default,
	// otherwise "legacy" or "extended".
	Variant string
	// Intensity is the initial effect intensity for the extended variant.
	Intensity uint8
	// Policy wraps every device operation. Nil uses ble.Classify with the
	// default budget.
	Policy *retry.Policy
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Variant:   "auto",
		Intensity: protocol.DefaultIntensity,
	}
}

var white = protocol.RGB{R: 255, G: 255, B: 255}

// Light drives one device over a Link. Safe for concurrent use; concurrent
// commands are not ordered relative to each other.
type Light struct {
	link   Link
	codec  protocol.Codec
	policy *retry.Policy
	log    *slog.Logger
	id     Identity

	mu    sync.Mutex
	state State
}

// New builds a Light for dev. The model is detected from the advertised
// name; unknown names fall back to the first known model.
func New(link Link, dev ble.Device, opts Options) (*Light, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("mac", dev.MAC)

	model, ok := protocol.DetectModel(dev.Name)
	if !ok {
		log.Warn("[LIGHT] unknown model name, assuming default", "name", dev.Name, "model", protocol.Models[0].NamePrefix)
		model = 0
	}

	variant := protocol.Models[model].Variant
	if opts.Variant != "" && opts.Variant != "auto" {
		v, err := protocol.ParseVariant(opts.Variant)
		if err != nil {
			return nil, fmt.Errorf("light: %w", err)
		}
		variant = v
	}

	if opts.Intensity > protocol.MaxIntensity {
		opts.Intensity = protocol.MaxIntensity
	}
	if opts.Policy == nil {
		opts.Policy = retry.New(ble.Classify, retry.WithLogger(opts.Logger))
	}

	l := &Light{
		link:   link,
		codec:  protocol.NewCodec(variant),
		policy: opts.Policy,
		log:    log,
		id: Identity{
			Address: dev.MAC,
			Name:    dev.Name,
			RSSI:    dev.RSSI,
			Model:   model,
			Variant: variant,
		},
		state: State{Intensity: opts.Intensity, ColorMode: ColorModeRGB},
	}
	log.Debug("[LIGHT] created", "name", dev.Name, "model", model, "variant", variant.String())
	return l, nil
}

// Identity returns the device identity.
func (l *Light) Identity() Identity { return l.id }

// State returns a snapshot of the last known device state.
func (l *Light) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Effects returns the supported effect names in sorted order.
func (l *Light) Effects() []string { return l.codec.Effects() }

// send writes frame under the retry policy.
func (l *Light) send(ctx context.Context, op string, frame []byte) error {
	return l.policy.Do(ctx, op, func(ctx context.Context) error {
		return l.link.Write(ctx, frame)
	})
}

// TurnOn powers the device on.
func (l *Light) TurnOn(ctx context.Context) error {
	if err := l.send(ctx, "turn_on", l.codec.Power(true)); err != nil {
		return err
	}
	l.mu.Lock()
	l.state.Power = PowerOn
	l.mu.Unlock()
	return nil
}

// TurnOff powers the device off.
func (l *Light) TurnOff(ctx context.Context) error {
	if err := l.send(ctx, "turn_off", l.codec.Power(false)); err != nil {
		return err
	}
	l.mu.Lock()
	l.state.Power = PowerOff
	l.mu.Unlock()
	return nil
}

// SetRGBColor sets a static color. A nil brightness keeps the last known
// brightness, or full brightness if none has been set.
//
// The stored color and brightness change before the write is attempted so
// readers see the requested value immediately, even if the write fails.
func (l *Light) SetRGBColor(ctx context.Context, c protocol.RGB, brightness *uint8) error {
	l.mu.Lock()
	b := uint8(255)
	switch {
	case brightness != nil:
		b = *brightness
	case l.state.BrightnessSet:
		b = l.state.Brightness
	}
	l.state.Color, l.state.ColorSet = c, true
	l.state.Brightness, l.state.BrightnessSet = b, true
	l.mu.Unlock()

	if err := l.send(ctx, "set_rgb_color", l.codec.Color(c, b)); err != nil {
		return err
	}
	l.mu.Lock()
	l.state.Effect = ""
	l.mu.Unlock()
	return nil
}

// SetBrightness re-sends the last color at a new brightness.
func (l *Light) SetBrightness(ctx context.Context, value uint8) error {
	l.mu.Lock()
	c := white
	if l.state.ColorSet {
		c = l.state.Color
	}
	l.mu.Unlock()
	return l.SetRGBColor(ctx, c, &value)
}

// SetEffect starts a named effect. Unknown names are logged and ignored.
func (l *Light) SetEffect(ctx context.Context, name string) error {
	l.mu.Lock()
	intensity := l.state.Intensity
	l.mu.Unlock()

	frame, err := l.codec.Effect(name, intensity)
	if errors.Is(err, protocol.ErrUnsupportedEffect) {
		l.log.Error("[LIGHT] effect not supported", "effect", name, "variant", l.id.Variant.String())
		return nil
	}
	if err != nil {
		return err
	}
	if err := l.send(ctx, "set_effect", frame); err != nil {
		return err
	}
	l.mu.Lock()
	l.state.Effect = name
	l.mu.Unlock()
	return nil
}

// SetEffectIntensity changes the effect intensity, clamped to
// protocol.MaxIntensity. A running effect is re-sent at the new intensity.
// The legacy variant has a fixed speed and only records the value.
func (l *Light) SetEffectIntensity(ctx context.Context, n uint8) error {
	if n > protocol.MaxIntensity {
		n = protocol.MaxIntensity
	}
	l.mu.Lock()
	l.state.Intensity = n
	effect := l.state.Effect
	l.mu.Unlock()

	if effect == "" || l.id.Variant != protocol.VariantExtended {
		return nil
	}
	return l.SetEffect(ctx, effect)
}

// Update refreshes state from the device. The protocol has no read path, so
// this only exercises the retry policy.
func (l *Light) Update(ctx context.Context) error {
	return l.policy.Do(ctx, "update", func(context.Context) error {
		l.log.Debug("[LIGHT] update called, nothing to read")
		return nil
	})
}

// Apply runs a composite command. Power is switched on first when needed;
// brightness, color, and effect are only written when they differ from the
// current state.
func (l *Light) Apply(ctx context.Context, cmd Command) error {
	if cmd.Off {
		return l.TurnOff(ctx)
	}

	st := l.State()
	if st.Power != PowerOn {
		if err := l.TurnOn(ctx); err != nil {
			return err
		}
	}
	if cmd.Brightness != nil && (!st.BrightnessSet || *cmd.Brightness != st.Brightness) {
		if err := l.SetBrightness(ctx, *cmd.Brightness); err != nil {
			return err
		}
	}
	if cmd.Color != nil && (!st.ColorSet || *cmd.Color != st.Color) {
		if err := l.SetRGBColor(ctx, *cmd.Color, nil); err != nil {
			return err
		}
	}
	if cmd.Effect != "" && cmd.Effect != st.Effect {
		if err := l.SetEffect(ctx, cmd.Effect); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears down the link. It is safe to call more than once.
func (l *Light) Stop(ctx context.Context) error {
	return l.link.Stop(ctx)
}
