package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bjled/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig `yaml:"device"`
	Retry     RetryConfig  `yaml:"retry"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" or "json"
}

// DeviceConfig holds the light and BLE link settings.
type DeviceConfig struct {
	// Address is a MAC on Linux or a CoreBluetooth UUID on macOS.
	Address              string        `yaml:"address"`
	Variant              string        `yaml:"variant"` // "auto", "legacy" or "extended"
	LookupTimeout        time.Duration `yaml:"lookup_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	IdleDisconnect       time.Duration `yaml:"idle_disconnect"` // 0 keeps the link open
	WriteInterval        time.Duration `yaml:"write_interval"`
	WriteCharacteristics []string      `yaml:"write_characteristics"`
	EffectIntensity      uint8         `yaml:"effect_intensity"`
}

// RetryConfig holds the command retry policy.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// MQTTConfig holds the optional MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Broker      MQTTBrokerConfig `yaml:"broker"`
	Auth        MQTTAuthConfig   `yaml:"auth"`
	TopicPrefix string           `yaml:"topic_prefix"`
	QoS         int              `yaml:"qos"`
}

// MQTTBrokerConfig holds broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig holds broker credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bjled")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Variant:              "auto",
			LookupTimeout:        10 * time.Second,
			ConnectTimeout:       20 * time.Second,
			IdleDisconnect:       60 * time.Second,
			WriteCharacteristics: []string{protocol.DefaultWriteCharUUID},
			EffectIntensity:      protocol.DefaultIntensity,
		},
		Retry: RetryConfig{
			Attempts: 3,
			Backoff:  250 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "127.0.0.1",
				Port:     1883,
				ClientID: "bjled",
			},
			TopicPrefix: "bjled",
			QoS:         1,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Characteristic UUIDs are canonicalised to lower case.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i, id := range cfg.Device.WriteCharacteristics {
		if u, err := uuid.Parse(id); err == nil {
			cfg.Device.WriteCharacteristics[i] = u.String()
		}
	}
	cfg.Device.Address = strings.TrimSpace(cfg.Device.Address)

	return cfg, nil
}

// Validate checks the config for invalid values. An empty device address is
// allowed here; commands that talk to the device check for it themselves.
func (c *Config) Validate() error {
	if c.Device.Address != "" && !ValidAddress(c.Device.Address) {
		return fmt.Errorf("device.address must be a MAC address or UUID, got %q", c.Device.Address)
	}

	switch c.Device.Variant {
	case "auto", "legacy", "extended":
	default:
		return fmt.Errorf("device.variant must be auto, legacy, or extended, got %q", c.Device.Variant)
	}

	if c.Device.LookupTimeout <= 0 {
		return fmt.Errorf("device.lookup_timeout must be > 0")
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}
	if c.Device.IdleDisconnect < 0 {
		return fmt.Errorf("device.idle_disconnect must be >= 0")
	}
	if c.Device.WriteInterval < 0 {
		return fmt.Errorf("device.write_interval must be >= 0")
	}

	if len(c.Device.WriteCharacteristics) == 0 {
		return fmt.Errorf("device.write_characteristics must not be empty")
	}
	for _, id := range c.Device.WriteCharacteristics {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("device.write_characteristics: invalid UUID %q: %w", id, err)
		}
	}

	if c.Device.EffectIntensity > protocol.MaxIntensity {
		return fmt.Errorf("device.effect_intensity must be 0..%d, got %d", protocol.MaxIntensity, c.Device.EffectIntensity)
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be >= 1")
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("retry.backoff must be >= 0")
	}

	if c.MQTT.Enabled {
		if err := c.MQTT.validate(); err != nil {
			return err
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

func (m MQTTConfig) validate() error {
	if m.Broker.Host == "" {
		return errors.New("mqtt.broker.host must not be empty")
	}
	if m.Broker.Port <= 0 || m.Broker.Port > 65535 {
		return fmt.Errorf("mqtt.broker.port must be 1..65535, got %d", m.Broker.Port)
	}
	if m.TopicPrefix == "" || strings.ContainsAny(m.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt.topic_prefix must be non-empty and free of wildcards, got %q", m.TopicPrefix)
	}
	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", m.QoS)
	}
	return nil
}

// ValidAddress reports whether addr is a MAC address or a UUID.
func ValidAddress(addr string) bool {
	if hw, err := net.ParseMAC(addr); err == nil && len(hw) == 6 {
		return true
	}
	_, err := uuid.Parse(addr)
	return err == nil
}

// WriteDefault creates the default config file if none exists. It returns
// the path written, or "" when a file was already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# bjled configuration\n# Set device.address to the light's MAC (Linux) or UUID (macOS).\n\n"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
