// Package shell implements the bjled command language, both as one-shot
// commands and as an interactive readline session.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/chaz8081/bjled/internal/ble/protocol"
	"github.com/chaz8081/bjled/internal/light"
)

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("shell: quit")

// ErrUsage wraps argument errors.
var ErrUsage = errors.New("usage")

// Device is the light the shell drives. *light.Light satisfies it.
type Device interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	SetRGBColor(ctx context.Context, c protocol.RGB, brightness *uint8) error
	SetBrightness(ctx context.Context, value uint8) error
	SetEffect(ctx context.Context, name string) error
	SetEffectIntensity(ctx context.Context, n uint8) error
	Update(ctx context.Context) error
	Effects() []string
	State() light.State
	Identity() light.Identity
}

// Shell parses and runs commands against a Device.
type Shell struct {
	dev     Device
	timeout time.Duration
}

// DefaultCommandTimeout bounds one device command including retries.
const DefaultCommandTimeout = 30 * time.Second

// New creates a Shell for dev.
func New(dev Device) *Shell {
	return &Shell{dev: dev, timeout: DefaultCommandTimeout}
}

// Execute runs one command line and writes any output to w.
func (s *Shell) Execute(ctx context.Context, line string, w io.Writer) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		printHelp(w)
		return nil
	case "quit", "exit", "q":
		return ErrQuit
	case "on":
		return s.dev.TurnOn(ctx)
	case "off":
		return s.dev.TurnOff(ctx)
	case "color", "rgb":
		return s.cmdColor(ctx, args)
	case "brightness", "b":
		if len(args) != 1 {
			return fmt.Errorf("%w: brightness <0-255>", ErrUsage)
		}
		v, err := parseByte("brightness", args[0])
		if err != nil {
			return err
		}
		return s.dev.SetBrightness(ctx, v)
	case "effect", "e":
		if len(args) == 0 {
			return fmt.Errorf("%w: effect <name> (see 'effects')", ErrUsage)
		}
		// Effect names may contain spaces.
		return s.dev.SetEffect(ctx, strings.Join(args, " "))
	case "intensity":
		if len(args) != 1 {
			return fmt.Errorf("%w: intensity <0-%d>", ErrUsage, protocol.MaxIntensity)
		}
		v, err := parseByte("intensity", args[0])
		if err != nil {
			return err
		}
		return s.dev.SetEffectIntensity(ctx, v)
	case "effects":
		for _, name := range s.dev.Effects() {
			fmt.Fprintln(w, name)
		}
		return nil
	case "status":
		if err := s.dev.Update(ctx); err != nil {
			return err
		}
		printStatus(w, s.dev.Identity(), s.dev.State())
		return nil
	default:
		return fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
}

func (s *Shell) cmdColor(ctx context.Context, args []string) error {
	if len(args) != 3 && len(args) != 4 {
		return fmt.Errorf("%w: color <r> <g> <b> [brightness]", ErrUsage)
	}
	var rgb [3]uint8
	for i, name := range []string{"red", "green", "blue"} {
		v, err := parseByte(name, args[i])
		if err != nil {
			return err
		}
		rgb[i] = v
	}
	var brightness *uint8
	if len(args) == 4 {
		v, err := parseByte("brightness", args[3])
		if err != nil {
			return err
		}
		brightness = &v
	}
	return s.dev.SetRGBColor(ctx, protocol.RGB{R: rgb[0], G: rgb[1], B: rgb[2]}, brightness)
}

// Run reads commands interactively until quit, EOF, or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bjled> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    s.completer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	fmt.Fprintf(out, "Connected to %s (%s). Type 'help' for commands.\n", s.dev.Identity().Name, s.dev.Identity().Address)

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil // EOF
		}
		err = s.Execute(ctx, line, out)
		switch {
		case errors.Is(err, ErrQuit):
			return nil
		case err != nil:
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
	}
}

func (s *Shell) completer() *readline.PrefixCompleter {
	effects := readline.PcItemDynamic(func(string) []string { return s.dev.Effects() })
	return readline.NewPrefixCompleter(
		readline.PcItem("on"),
		readline.PcItem("off"),
		readline.PcItem("color"),
		readline.PcItem("brightness"),
		readline.PcItem("effect", effects),
		readline.PcItem("intensity"),
		readline.PcItem("effects"),
		readline.PcItem("status"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

func parseByte(name, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be 0-255, got %q", ErrUsage, name, s)
	}
	return uint8(v), nil
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `Commands:
  on                          Turn the light on
  off                         Turn the light off
  color <r> <g> <b> [bright]  Set a static color (0-255 each)
  brightness <0-255>          Re-send the current color at a new brightness
  effect <name>               Start a built-in effect
  intensity <0-10>            Set effect intensity
  effects                     List effect names
  status                      Show the last known state
  help                        Show this help
  quit                        Exit`)
}

func printStatus(w io.Writer, id light.Identity, st light.State) {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "name:\t%s\n", id.Name)
	fmt.Fprintf(tw, "address:\t%s\n", id.Address)
	fmt.Fprintf(tw, "rssi:\t%d dBm\n", id.RSSI)
	fmt.Fprintf(tw, "model:\t%d (%s)\n", id.Model, protocol.Models[id.Model].NamePrefix)
	fmt.Fprintf(tw, "variant:\t%s\n", id.Variant)
	fmt.Fprintf(tw, "power:\t%s\n", st.Power)
	if st.ColorSet {
		fmt.Fprintf(tw, "color:\t%d %d %d\n", st.Color.R, st.Color.G, st.Color.B)
	} else {
		fmt.Fprintf(tw, "color:\t-\n")
	}
	if st.BrightnessSet {
		fmt.Fprintf(tw, "brightness:\t%d\n", st.Brightness)
	} else {
		fmt.Fprintf(tw, "brightness:\t-\n")
	}
	effect := st.Effect
	if effect == "" {
		effect = "-"
	}
	fmt.Fprintf(tw, "effect:\t%s\n", effect)
	fmt.Fprintf(tw, "intensity:\t%d\n", st.Intensity)
	fmt.Fprintf(tw, "color mode:\t%s\n", st.ColorMode)
	tw.Flush()
}
