package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/bjled/internal/ble"
	"github.com/chaz8081/bjled/internal/bridge"
	"github.com/chaz8081/bjled/internal/config"
	"github.com/chaz8081/bjled/internal/light"
	"github.com/chaz8081/bjled/internal/logging"
	"github.com/chaz8081/bjled/internal/retry"
	"github.com/chaz8081/bjled/internal/shell"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bjled/config.yaml)")
	address := flag.String("address", "", "device MAC (Linux) or UUID (macOS); overrides device.address")
	mqttMode := flag.Bool("mqtt", false, "run the MQTT bridge instead of the interactive shell")
	logLevel := flag.String("log-level", "", "override log_level (debug, info, warn, error)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bjled [flags] [command [args...]]\n\n")
		fmt.Fprintf(os.Stderr, "With no command an interactive shell is started.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fatal("init config", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return 0
		}
		fmt.Println("Wrote default config to", path)
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if *address != "" {
		cfg.Device.Address = strings.TrimSpace(*address)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *mqttMode {
		cfg.MQTT.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}
	if cfg.Device.Address == "" {
		fatal("config", errors.New("no device address; set device.address or pass -address"))
	}

	logger := logging.New(os.Stderr, config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(logger)

	// Signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	dev, err := openLight(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to open device", "address", cfg.Device.Address, "error", err)
		return 1
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := dev.Stop(stopCtx); err != nil {
			slog.Warn("Disconnect failed", "error", err)
		}
	}()

	switch {
	case flag.NArg() > 0:
		err = runOnce(ctx, dev, strings.Join(flag.Args(), " "))
	case cfg.MQTT.Enabled:
		err = runBridge(ctx, cfg, dev, logger)
	default:
		err = shell.New(dev).Run(ctx)
	}
	if err != nil {
		slog.Error("Command failed", "error", err)
		return 1
	}
	return 0
}

// openLight finds the configured device and builds a Light on top of a
// connection manager. The link itself is opened on the first command.
func openLight(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*light.Light, error) {
	adapter := ble.NewTinyGoAdapter()

	slog.Info("Looking up device", "address", cfg.Device.Address, "timeout", cfg.Device.LookupTimeout)
	device, err := ble.Resolve(ctx, adapter, cfg.Device.Address, cfg.Device.LookupTimeout)
	if err != nil {
		return nil, err
	}
	slog.Info("Device found", "name", device.Name, "rssi", device.RSSI)

	mgr := ble.NewManager(adapter, device, ble.ManagerOptions{
		IdleTimeout:    cfg.Device.IdleDisconnect,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		LookupTimeout:  cfg.Device.LookupTimeout,
		WriteInterval:  cfg.Device.WriteInterval,
		WriteCharUUIDs: cfg.Device.WriteCharacteristics,
		Logger:         logger,
	})

	policy := retry.New(ble.Classify,
		retry.WithAttempts(cfg.Retry.Attempts),
		retry.WithBackoff(cfg.Retry.Backoff),
		retry.WithLogger(logger),
	)
	return light.New(mgr, device, light.Options{
		Variant:   cfg.Device.Variant,
		Intensity: cfg.Device.EffectIntensity,
		Policy:    policy,
		Logger:    logger,
	})
}

// runOnce executes a single shell command, e.g. "bjled color 255 0 0".
func runOnce(ctx context.Context, dev *light.Light, line string) error {
	err := shell.New(dev).Execute(ctx, line, os.Stdout)
	if errors.Is(err, shell.ErrQuit) {
		return nil
	}
	return err
}

// runBridge serves MQTT commands until ctx is cancelled.
func runBridge(ctx context.Context, cfg *config.Config, dev *light.Light, logger *slog.Logger) error {
	b, err := bridge.Dial(ctx, cfg.MQTT, dev, logger)
	if err != nil {
		return err
	}
	slog.Info("Ready! Bridging MQTT to the light. Ctrl+C to quit.",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"command_topic", b.Topics().Set())
	<-ctx.Done()
	b.Close()
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "bjled: %s: %v\n", what, err)
	os.Exit(1)
}
