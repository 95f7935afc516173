package ble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/chaz8081/bjled/internal/ble/protocol"
)

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	IdleTimeout    time.Duration // drop the link after this much inactivity; 0 keeps it open
	ConnectTimeout time.Duration // bound on each connect and on characteristic resolution
	LookupTimeout  time.Duration // bound on the rescan when the device object has gone
	WriteInterval  time.Duration // minimum spacing between GATT writes; 0 is unlimited
	WriteCharUUIDs []string      // candidate write characteristics, tried in order
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		IdleTimeout:    60 * time.Second,
		ConnectTimeout: 20 * time.Second,
		LookupTimeout:  DefaultLookupTimeout,
		WriteCharUUIDs: []string{protocol.DefaultWriteCharUUID},
	}
}

// Session link states.
const (
	linkConnecting int32 = iota
	linkLive
	linkDead
)

// session is one live link. A session is never reused after it dies.
type session struct {
	conn     Connection
	char     Characteristic
	state    atomic.Int32
	expected atomic.Bool // teardown was requested by us
}

func (s *session) live() bool { return s.state.Load() == linkLive }

// Manager owns the single logical link to one device.
//
// Connect and teardown sequences are serialized by a context-aware gate.
// The current session may be read without the gate but is only replaced
// while holding it. Safe for concurrent use.
type Manager struct {
	adapter Adapter
	device  Device
	opts    ManagerOptions
	clock   clockwork.Clock
	log     *slog.Logger

	gate   *semaphore.Weighted
	sess   atomic.Pointer[session]
	cached ServiceCollection // guarded by gate
	stale  atomic.Bool       // cached collection failed a write

	timerMu   sync.Mutex
	idleTimer clockwork.Timer
	idleGen   uint64

	writeMu sync.Mutex
	limiter *rate.Limiter

	connects atomic.Int64
}

// NewManager creates a connection manager for device. Zero-valued options
// fall back to DefaultManagerOptions, except IdleTimeout and WriteInterval
// where zero is meaningful.
func NewManager(adapter Adapter, device Device, opts ManagerOptions) *Manager {
	defaults := DefaultManagerOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaults.LookupTimeout
	}
	if len(opts.WriteCharUUIDs) == 0 {
		opts.WriteCharUUIDs = defaults.WriteCharUUIDs
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.WriteInterval > 0 {
		limit = rate.Every(opts.WriteInterval)
	}

	return &Manager{
		adapter: adapter,
		device:  device,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger.With("mac", device.MAC, "name", device.Name),
		gate:    semaphore.NewWeighted(1),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Device returns the peripheral this manager connects to.
func (m *Manager) Device() Device { return m.device }

// Connected reports whether a live, resolved link exists.
func (m *Manager) Connected() bool {
	s := m.sess.Load()
	return s != nil && s.live()
}

// ConnectCount returns how many connect sequences have been started.
func (m *Manager) ConnectCount() int64 { return m.connects.Load() }

// Write ensures the link is up and sends data to the write characteristic.
// Writes never overlap on the wire.
func (m *Manager) Write(ctx context.Context, data []byte) error {
	if err := m.EnsureConnected(ctx); err != nil {
		return err
	}
	return m.writeWhileConnected(ctx, data)
}

func (m *Manager) writeWhileConnected(ctx context.Context, data []byte) error {
	s := m.sess.Load()
	if s == nil || !s.live() {
		return ErrNotConnected
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ble: write pacing: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.log.Debug("[BLE] writing", "data", hex.EncodeToString(data))
	if err := s.char.Write(data); err != nil {
		m.stale.Store(true)
		return fmt.Errorf("ble: write %s: %w", s.char.UUID(), translateError(err))
	}
	return nil
}

// EnsureConnected returns once a live link exists, connecting if needed.
// Concurrent callers share a single connect attempt. Each call on an
// already-live link restarts the idle window.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.Connected() {
		// timerMu and the generation counter make re-arming safe without the gate.
		m.armIdleTimer()
		return nil
	}

	if !m.gate.TryAcquire(1) {
		m.log.Debug("[BLE] connection already in progress, waiting for it to complete")
		if err := m.gate.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("ble: waiting for connection: %w", err)
		}
	}
	defer m.gate.Release(1)

	// The link may have come up while we waited.
	if m.Connected() {
		m.armIdleTimer()
		return nil
	}
	return m.connectLocked(ctx)
}

// connectLocked runs one connect + resolve sequence. Caller must hold the gate.
func (m *Manager) connectLocked(ctx context.Context) error {
	if m.stale.Swap(false) {
		m.cached = nil
	}

	m.connects.Add(1)
	m.log.Debug("[BLE] connecting", "cached_services", m.cached != nil)

	s := &session{}
	conn, err := m.dial(ctx, s)
	if errors.Is(err, ErrNotFound) {
		// BlueZ forgets an unpaired device shortly after it disconnects.
		m.log.Info("[BLE] device not known to the adapter, scanning for it", "error", err)
		if lerr := m.relocate(ctx); lerr != nil {
			return lerr
		}
		conn, err = m.dial(ctx, s)
	}
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", m.device.MAC, err)
	}
	s.conn = conn

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	char, services, err := m.resolve(ctx, conn)
	if err != nil {
		m.cached = nil
		s.expected.Store(true)
		s.state.Store(linkDead)
		if derr := conn.Disconnect(); derr != nil {
			m.log.Warn("[BLE] disconnect after failed setup", "error", derr)
		}
		return err
	}
	s.char = char
	m.cached = services

	if !s.state.CompareAndSwap(linkConnecting, linkLive) {
		return fmt.Errorf("ble: link dropped during setup: %w", ErrNotConnected)
	}
	m.sess.Store(s)
	m.log.Info("[BLE] connected", "characteristic", char.UUID())
	m.armIdleTimer()
	return nil
}

// dial opens a connection whose disconnect notifications go to s.
func (m *Manager) dial(ctx context.Context, s *session) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	return m.adapter.Connect(ctx, m.device.MAC, ConnectParams{
		Cached:       m.cached,
		OnDisconnect: func() { m.handleDisconnect(s) },
	})
}

// relocate scans for the device again so the adapter knows about it. The
// cached services belong to the old device object and are dropped.
func (m *Manager) relocate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.LookupTimeout)
	defer cancel()

	dev, err := m.adapter.Lookup(ctx, m.device.MAC)
	if err != nil {
		return fmt.Errorf("ble: lookup %s: %w", m.device.MAC, err)
	}
	m.cached = nil
	m.log.Debug("[BLE] device found again", "rssi", dev.RSSI)
	return nil
}

// resolve finds the write characteristic, first in the collection the
// connection already has and then in a freshly discovered one.
func (m *Manager) resolve(ctx context.Context, conn Connection) (Characteristic, ServiceCollection, error) {
	services, err := conn.Services(ctx)
	if err == nil {
		if char, ok := m.findWriteChar(services); ok {
			return char, services, nil
		}
	}
	m.log.Debug("[BLE] write characteristic not resolved, rediscovering services", "error", err)

	fresh, err := conn.DiscoverServices(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: rediscover: %v", ErrCharacteristicNotFound, err)
	}
	if char, ok := m.findWriteChar(fresh); ok {
		return char, fresh, nil
	}
	return nil, nil, fmt.Errorf("%w: tried %s", ErrCharacteristicNotFound, strings.Join(m.opts.WriteCharUUIDs, ", "))
}

func (m *Manager) findWriteChar(services ServiceCollection) (Characteristic, bool) {
	if services == nil {
		return nil, false
	}
	for _, id := range m.opts.WriteCharUUIDs {
		if char, ok := services.Characteristic(id); ok {
			return char, true
		}
	}
	return nil, false
}

// handleDisconnect is the transport's disconnect notification for s.
func (m *Manager) handleDisconnect(s *session) {
	s.state.Store(linkDead)
	if s.expected.Load() {
		m.log.Debug("[BLE] disconnected from device")
		return
	}
	m.log.Warn("[BLE] device unexpectedly disconnected")
}

// Stop tears down the link. It is idempotent and waits for any connect in
// flight to finish first.
func (m *Manager) Stop(ctx context.Context) error {
	m.log.Debug("[BLE] stop")
	if err := m.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("ble: stop: %w", err)
	}
	defer m.gate.Release(1)

	m.cancelIdleTimer()
	m.teardownLocked()
	return nil
}

// teardownLocked drops the current session. Caller must hold the gate.
func (m *Manager) teardownLocked() {
	s := m.sess.Swap(nil)
	if s == nil {
		return
	}
	// Mark expected before disconnecting so the notification is not
	// reported as a drop.
	s.expected.Store(true)
	if s.state.Swap(linkDead) == linkLive {
		if err := s.conn.Disconnect(); err != nil {
			m.log.Warn("[BLE] disconnect failed", "error", err)
		}
	}
	m.log.Debug("[BLE] disconnected")
}

// armIdleTimer restarts the idle window.
func (m *Manager) armIdleTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	m.stopTimerLocked()
	if m.opts.IdleTimeout <= 0 {
		return
	}
	gen := m.idleGen
	m.idleTimer = m.clock.AfterFunc(m.opts.IdleTimeout, func() {
		// Teardown blocks on the gate, so it must not run on the timer's goroutine.
		go m.idleDisconnect(gen)
	})
}

func (m *Manager) cancelIdleTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	m.stopTimerLocked()
}

// stopTimerLocked stops the pending timer and invalidates any expiry
// already in flight. Caller must hold timerMu.
func (m *Manager) stopTimerLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.idleGen++
}

// idleDisconnect tears the link down for the timer armed at generation gen.
func (m *Manager) idleDisconnect(gen uint64) {
	if err := m.gate.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer m.gate.Release(1)

	m.timerMu.Lock()
	current := m.idleGen == gen
	if current {
		m.idleTimer = nil
	}
	m.timerMu.Unlock()
	if !current {
		return
	}

	m.log.Debug("[BLE] disconnecting after idle timeout", "timeout", m.opts.IdleTimeout)
	m.teardownLocked()
}
