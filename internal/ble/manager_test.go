package ble

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/bjled/internal/ble/protocol"
)

const testWriteUUID = protocol.DefaultWriteCharUUID

var testDevice = Device{Name: "BJ_LED_M", MAC: "AA:BB:CC:DD:EE:FF", RSSI: -60}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(adapter *mockAdapter, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClock()
	}
	return NewManager(adapter, testDevice, opts)
}

func TestWriteConnectsOnDemand(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{})

	assert.False(t, m.Connected())
	require.NoError(t, m.Write(context.Background(), []byte{0x69, 0x96, 0x02, 0x01, 0x01}))

	assert.True(t, m.Connected())
	assert.Equal(t, 1, adapter.Connects())
	assert.Equal(t, [][]byte{{0x69, 0x96, 0x02, 0x01, 0x01}}, adapter.char.Writes())

	require.NoError(t, m.Write(context.Background(), []byte{0x01}))
	assert.Equal(t, 1, adapter.Connects(), "live link must be reused")
}

func TestConcurrentEnsureConnectedSharesOneAttempt(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	release := adapter.Hold()
	defer release()
	m := newTestManager(adapter, ManagerOptions{})

	const callers = 5
	errs := make(chan error, callers)
	go func() { errs <- m.EnsureConnected(context.Background()) }()
	<-adapter.entered

	for i := 1; i < callers; i++ {
		go func() { errs <- m.EnsureConnected(context.Background()) }()
	}
	time.Sleep(20 * time.Millisecond)
	release()

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 1, adapter.Connects())
	assert.EqualValues(t, 1, m.ConnectCount())
	assert.True(t, m.Connected())
}

func TestEnsureConnectedWaitHonoursContext(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	release := adapter.Hold()
	defer release()
	m := newTestManager(adapter, ManagerOptions{})

	first := make(chan error, 1)
	go func() { first <- m.EnsureConnected(context.Background()) }()
	<-adapter.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.EnsureConnected(ctx)
	require.ErrorIs(t, err, context.Canceled)

	release()
	require.NoError(t, <-first)
	assert.Equal(t, 1, adapter.Connects())
}

func TestConnectErrorIsReturned(t *testing.T) {
	adapter := newMockAdapter() // the device is not advertising
	adapter.FailConnect(ErrNotFound)
	m := newTestManager(adapter, ManagerOptions{})

	err := m.Write(context.Background(), []byte{0x01})
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, m.Connected())
	assert.Equal(t, 1, adapter.Lookups())
	assert.Equal(t, 1, adapter.Connects())
	assert.Empty(t, adapter.char.Writes())
}

func TestConnectRescansForForgottenDevice(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{})
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, []byte{0x01}))
	require.NoError(t, m.Stop(ctx))

	adapter.Forget()
	require.NoError(t, m.Write(ctx, []byte{0x02}))

	assert.True(t, m.Connected())
	assert.Equal(t, 1, adapter.Lookups())
	assert.Equal(t, 3, adapter.Connects())
	assert.Nil(t, adapter.latestConnection().cached, "services of the old device object must not be reused")
	assert.Equal(t, [][]byte{{0x01}, {0x02}}, adapter.char.Writes())
}

func TestConnectRescanHappensOnce(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	adapter.FailConnect(ErrNotFound, ErrNotFound)
	m := newTestManager(adapter, ManagerOptions{})

	err := m.Write(context.Background(), []byte{0x01})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, adapter.Lookups())
	assert.Equal(t, 2, adapter.Connects())
}

func TestResolveFallsBackToFreshDiscovery(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	adapter.setup = func(c *mockConnection) {
		// The first collection lacks the write characteristic.
		c.services = servicesWith(newMockCharacteristic("0000ffd9-0000-1000-8000-00805f9b34fb"))
	}
	m := newTestManager(adapter, ManagerOptions{})

	require.NoError(t, m.Write(context.Background(), []byte{0x01}))
	assert.Equal(t, 1, adapter.latestConnection().Discoveries())
	assert.Len(t, adapter.char.Writes(), 1)
}

func TestResolveTriesCandidatesInOrder(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	alt := newMockCharacteristic("0000ffd9-0000-1000-8000-00805f9b34fb")
	adapter.setup = func(c *mockConnection) { c.discovered = servicesWith(alt) }
	m := newTestManager(adapter, ManagerOptions{
		WriteCharUUIDs: []string{testWriteUUID, "0000FFD9-0000-1000-8000-00805F9B34FB"},
	})

	require.NoError(t, m.Write(context.Background(), []byte{0x02}))
	assert.Equal(t, [][]byte{{0x02}}, alt.Writes())
}

func TestSetupFailureDoesNotPoisonLaterAttempts(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	adapter.setup = func(c *mockConnection) { c.discoverErr = errors.New("gatt unavailable") }
	m := newTestManager(adapter, ManagerOptions{})

	err := m.EnsureConnected(context.Background())
	require.ErrorIs(t, err, ErrCharacteristicNotFound)
	assert.False(t, m.Connected())
	assert.Equal(t, 1, adapter.latestConnection().Disconnects(), "half-open link must be dropped")

	adapter.setup = nil
	require.NoError(t, m.EnsureConnected(context.Background()))
	assert.True(t, m.Connected())
	assert.Equal(t, 2, adapter.Connects())
}

func TestLinkDroppedDuringSetup(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	adapter.setup = func(c *mockConnection) { c.disconnectCb() }
	m := newTestManager(adapter, ManagerOptions{})

	err := m.EnsureConnected(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, m.Connected())
}

func TestCachedServicesPassedOnReconnect(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{})
	ctx := context.Background()

	require.NoError(t, m.EnsureConnected(ctx))
	assert.Nil(t, adapter.latestConnection().cached)
	require.NoError(t, m.Stop(ctx))

	require.NoError(t, m.EnsureConnected(ctx))
	conn := adapter.latestConnection()
	assert.NotNil(t, conn.cached)
	assert.Zero(t, conn.Discoveries(), "cached collection should skip discovery")
}

func TestWriteFailureDropsCachedServices(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{})
	ctx := context.Background()

	require.NoError(t, m.EnsureConnected(ctx))
	adapter.char.FailNext(errors.New("att error"))
	err := m.Write(ctx, []byte{0x01})
	require.ErrorIs(t, err, ErrTransport)

	adapter.latestConnection().SimulateDisconnect()
	require.NoError(t, m.Write(ctx, []byte{0x01}))
	assert.Nil(t, adapter.latestConnection().cached)
}

func TestUnexpectedDisconnectIsLoggedAndReconnectsLazily(t *testing.T) {
	logs := &syncBuffer{}
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{
		Logger: slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	ctx := context.Background()

	require.NoError(t, m.EnsureConnected(ctx))
	adapter.latestConnection().SimulateDisconnect()

	assert.False(t, m.Connected())
	assert.Contains(t, logs.String(), "unexpectedly disconnected")
	assert.Equal(t, 1, adapter.Connects(), "must not reconnect eagerly")

	require.NoError(t, m.Write(ctx, []byte{0x01}))
	assert.Equal(t, 2, adapter.Connects())
}

func TestLateDisconnectAfterStopIsExpected(t *testing.T) {
	logs := &syncBuffer{}
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{
		Logger: slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	ctx := context.Background()

	require.NoError(t, m.EnsureConnected(ctx))
	conn := adapter.latestConnection()
	require.NoError(t, m.Stop(ctx))
	conn.SimulateDisconnect()

	assert.NotContains(t, logs.String(), "unexpectedly")
	assert.Equal(t, 1, conn.Disconnects())
}

func TestStopIsIdempotent(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{})
	ctx := context.Background()

	require.NoError(t, m.Stop(ctx), "stop before connect")
	require.NoError(t, m.EnsureConnected(ctx))
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	assert.False(t, m.Connected())
	assert.Equal(t, 1, adapter.latestConnection().Disconnects())
}

func TestStopWaitsForConnectInFlight(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	release := adapter.Hold()
	m := newTestManager(adapter, ManagerOptions{})

	connected := make(chan error, 1)
	go func() { connected <- m.EnsureConnected(context.Background()) }()
	<-adapter.entered

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop() returned while a connect was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	require.NoError(t, <-connected)
	require.NoError(t, <-stopped)
	assert.False(t, m.Connected())
	assert.Equal(t, 1, adapter.latestConnection().Disconnects())
}

func TestIdleTimeoutDisconnects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{IdleTimeout: 5 * time.Second, Clock: clock})

	require.NoError(t, m.EnsureConnected(context.Background()))
	conn := adapter.latestConnection()

	clock.Advance(4900 * time.Millisecond)
	assert.Never(t, func() bool { return !m.Connected() }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return !m.Connected() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, conn.Disconnects())
}

func TestIdleWindowSlidesOnActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{IdleTimeout: 5 * time.Second, Clock: clock})
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, []byte{0x01}))
	clock.Advance(3 * time.Second)
	require.NoError(t, m.Write(ctx, []byte{0x02}))

	// t=5s: the original deadline has passed.
	clock.Advance(2 * time.Second)
	assert.Never(t, func() bool { return !m.Connected() }, 50*time.Millisecond, 5*time.Millisecond)

	// t=8s: five seconds after the last write.
	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return !m.Connected() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, adapter.Connects())
}

func TestZeroIdleTimeoutKeepsLinkOpen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{Clock: clock})

	require.NoError(t, m.EnsureConnected(context.Background()))
	clock.Advance(24 * time.Hour)
	assert.Never(t, func() bool { return !m.Connected() }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestStopCancelsIdleTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{IdleTimeout: 5 * time.Second, Clock: clock})
	ctx := context.Background()

	require.NoError(t, m.EnsureConnected(ctx))
	require.NoError(t, m.Stop(ctx))

	// Reconnect with the idle window fresh; the stale timer must not fire.
	require.NoError(t, m.EnsureConnected(ctx))
	clock.Advance(4 * time.Second)
	assert.Never(t, func() bool { return !m.Connected() }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestWriteIntervalPacesWrites(t *testing.T) {
	adapter := newMockAdapter(testDevice)
	m := newTestManager(adapter, ManagerOptions{WriteInterval: 20 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Write(ctx, []byte{byte(i)}))
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Len(t, adapter.char.Writes(), 3)
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(newMockAdapter(), testDevice, ManagerOptions{})
	assert.Equal(t, DefaultManagerOptions().ConnectTimeout, m.opts.ConnectTimeout)
	assert.Equal(t, DefaultLookupTimeout, m.opts.LookupTimeout)
	assert.Equal(t, []string{testWriteUUID}, m.opts.WriteCharUUIDs)
	assert.Zero(t, m.opts.IdleTimeout)
	assert.NotNil(t, m.clock)
	assert.Equal(t, testDevice, m.Device())
}
