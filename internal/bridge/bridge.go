// Package bridge exposes a light over MQTT using Home Assistant's JSON
// light schema. Commands arrive on <prefix>/<device>/set; state,
// availability and the effect list are published retained.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/bjled/internal/ble/protocol"
	"github.com/chaz8081/bjled/internal/config"
	"github.com/chaz8081/bjled/internal/light"
)

// Device is the light the bridge drives. *light.Light satisfies it.
type Device interface {
	Apply(ctx context.Context, cmd light.Command) error
	State() light.State
	Effects() []string
	Identity() light.Identity
}

// Client is the subset of paho's client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge relays MQTT commands to a Device and publishes its state.
//
// Thread Safety:
//   - Commands are applied one at a time.
type Bridge struct {
	client Client
	dev    Device
	topics Topics
	qos    byte
	log    *slog.Logger

	commandTimeout time.Duration
	mu             sync.Mutex // serializes command handling

	ctx context.Context // from Start; bounds handlers of later subscriptions
}

// New wraps an already-connected client.
func New(client Client, dev Device, prefix string, qos byte, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	topics := NewTopics(prefix, dev.Identity().Address)
	return &Bridge{
		client:         client,
		dev:            dev,
		topics:         topics,
		qos:            qos,
		log:            logger.With("topic", topics.base()),
		commandTimeout: defaultCommandTimeout,
	}
}

// Dial connects to the broker described by cfg and starts the bridge. The
// broker publishes "offline" on the availability topic if the process dies.
func Dial(ctx context.Context, cfg config.MQTTConfig, dev Device, logger *slog.Logger) (*Bridge, error) {
	topics := NewTopics(cfg.TopicPrefix, dev.Identity().Address)
	opts := buildClientOptions(cfg, topics)

	var started atomic.Pointer[Bridge]
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		if b := started.Load(); b != nil {
			b.onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if logger != nil {
			logger.Warn("[MQTT] connection lost", "error", err)
		}
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	b := New(client, dev, cfg.TopicPrefix, byte(cfg.QoS), logger)
	if err := b.Start(ctx); err != nil {
		client.Disconnect(defaultDisconnectQuiesce)
		return nil, err
	}
	started.Store(b)
	return b, nil
}

// Topics returns the bridge's topic names.
func (b *Bridge) Topics() Topics { return b.topics }

// Start subscribes to the command topic and publishes the retained topics.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx = ctx
	if err := b.subscribe(); err != nil {
		return err
	}
	b.log.Info("[MQTT] bridge started", "command_topic", b.topics.Set())
	b.announce()
	return nil
}

// onConnect runs after every broker reconnect. A clean session loses its
// subscriptions, so the command topic is subscribed again.
func (b *Bridge) onConnect() {
	b.log.Info("[MQTT] reconnected, restoring subscription")
	if err := b.subscribe(); err != nil {
		b.log.Error("[MQTT] resubscribe failed", "error", err)
	}
	b.announce()
}

func (b *Bridge) subscribe() error {
	token := b.client.Subscribe(b.topics.Set(), b.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if err := b.handleCommand(b.ctx, msg.Payload()); err != nil {
			b.log.Warn("[MQTT] command failed", "error", err)
		}
	})
	if err := wait(token); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, b.topics.Set(), err)
	}
	return nil
}

// announce publishes availability, the effect list, and current state.
func (b *Bridge) announce() {
	if err := b.publish(b.topics.Availability(), PayloadOnline); err != nil {
		b.log.Warn("[MQTT] publish availability", "error", err)
	}
	effects, err := json.Marshal(b.dev.Effects())
	if err == nil {
		err = b.publish(b.topics.Effects(), effects)
	}
	if err != nil {
		b.log.Warn("[MQTT] publish effects", "error", err)
	}
	if err := b.PublishState(); err != nil {
		b.log.Warn("[MQTT] publish state", "error", err)
	}
}

// PublishState publishes the device's current state, retained.
func (b *Bridge) PublishState() error {
	payload, err := json.Marshal(encodeState(b.dev.State()))
	if err != nil {
		return fmt.Errorf("mqtt: encode state: %w", err)
	}
	return b.publish(b.topics.State(), payload)
}

// Close marks the device offline and disconnects from the broker.
func (b *Bridge) Close() {
	if err := b.publish(b.topics.Availability(), PayloadOffline); err != nil {
		b.log.Warn("[MQTT] publish offline", "error", err)
	}
	b.client.Disconnect(defaultDisconnectQuiesce)
	b.log.Info("[MQTT] bridge stopped")
}

func (b *Bridge) publish(topic string, payload interface{}) error {
	if err := wait(b.client.Publish(topic, b.qos, true, payload)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// handleCommand decodes and applies one command payload, then publishes the
// resulting state. State is published even when the device write fails.
func (b *Bridge) handleCommand(ctx context.Context, payload []byte) error {
	cmd, err := decodeCommand(payload, b.dev.Effects())
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.commandTimeout)
	defer cancel()

	b.log.Debug("[MQTT] command", "payload", string(payload))
	applyErr := b.dev.Apply(ctx, cmd)
	if err := b.PublishState(); err != nil {
		b.log.Warn("[MQTT] publish state", "error", err)
	}
	if applyErr != nil {
		return fmt.Errorf("mqtt: apply command: %w", applyErr)
	}
	return nil
}

func wait(token pahomqtt.Token) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("timeout after %v", defaultPublishTimeout)
	}
	return token.Error()
}

// Wire payloads.

type colorPayload struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

type commandPayload struct {
	State      string        `json:"state,omitempty"`
	Brightness *uint8        `json:"brightness,omitempty"`
	Color      *colorPayload `json:"color,omitempty"`
	Effect     string        `json:"effect,omitempty"`
}

type statePayload struct {
	State      string        `json:"state,omitempty"`
	Brightness *uint8        `json:"brightness,omitempty"`
	Color      *colorPayload `json:"color,omitempty"`
	ColorMode  string        `json:"color_mode"`
	Effect     string        `json:"effect,omitempty"`
}

// decodeCommand parses a JSON command. Unknown effects are rejected.
func decodeCommand(payload []byte, effects []string) (light.Command, error) {
	var p commandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return light.Command{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var cmd light.Command
	switch strings.ToUpper(p.State) {
	case "OFF":
		cmd.Off = true
		return cmd, nil
	case "ON", "":
	default:
		return light.Command{}, fmt.Errorf("%w: state must be ON or OFF, got %q", ErrInvalidPayload, p.State)
	}

	cmd.Brightness = p.Brightness
	if p.Color != nil {
		cmd.Color = &protocol.RGB{R: p.Color.R, G: p.Color.G, B: p.Color.B}
	}
	if p.Effect != "" {
		if !slices.Contains(effects, p.Effect) {
			return light.Command{}, fmt.Errorf("%w: unknown effect %q", ErrInvalidPayload, p.Effect)
		}
		cmd.Effect = p.Effect
	}
	return cmd, nil
}

func encodeState(st light.State) statePayload {
	p := statePayload{ColorMode: st.ColorMode, Effect: st.Effect}
	switch st.Power {
	case light.PowerOn:
		p.State = "ON"
	case light.PowerOff:
		p.State = "OFF"
	}
	if st.BrightnessSet {
		b := st.Brightness
		p.Brightness = &b
	}
	if st.ColorSet {
		p.Color = &colorPayload{R: st.Color.R, G: st.Color.G, B: st.Color.B}
	}
	return p
}
