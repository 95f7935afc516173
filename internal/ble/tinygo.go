package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On Linux it talks to BlueZ over
// D-Bus; on macOS device addresses are CoreBluetooth UUIDs rather than MACs
// and are carried in the same MAC field.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	watch   *disconnectWatch
}

// NewTinyGoAdapter creates a new BLE adapter on the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		watch:   newDisconnectWatch(),
	}
}

func addressKey(addr string) string { return strings.ToUpper(addr) }

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return translateError(err)
	}

	// The adapter fires this with connected=false when a peripheral drops,
	// and also from within Device.Disconnect on some platforms.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		if connected {
			a.watch.connected(addr)
			return
		}
		a.watch.dropped(addr)
	})
	return nil
}

func (a *TinyGoAdapter) Lookup(ctx context.Context, mac string) (Device, error) {
	want := addressKey(mac)

	var (
		found Device
		ok    bool
	)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if addressKey(result.Address.String()) != want {
			return
		}
		found = Device{
			Name: result.LocalName(),
			MAC:  result.Address.String(),
			RSSI: int(result.RSSI),
		}
		ok = true
		adapter.StopScan()
	})
	close(done)

	if ok {
		return found, nil
	}
	if err != nil && ctx.Err() == nil {
		return Device{}, fmt.Errorf("ble: scan for %s: %w", mac, translateError(err))
	}
	return Device{}, fmt.Errorf("%w: %s", ErrNotFound, mac)
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string, params ConnectParams) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks with its own timeout. We wrap it to
	// also respect ctx.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A connect that completes after we gave up would hold the device's
		// only connection slot.
		go func() {
			if result := <-ch; result.err == nil {
				a.watch.expectDrop(mac)
				result.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case result := <-ch:
		if result.err != nil {
			return nil, translateError(result.err)
		}
		conn := &tinyGoConnection{
			device: result.device,
			cached: params.Cached,
			addr:   mac,
			watch:  a.watch,
		}
		a.watch.register(mac, conn, params.OnDisconnect)
		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device bluetooth.Device
	cached ServiceCollection
	addr   string
	watch  *disconnectWatch
}

func (c *tinyGoConnection) Services(ctx context.Context) (ServiceCollection, error) {
	if c.cached != nil {
		return c.cached, nil
	}
	return c.DiscoverServices(ctx)
}

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) (ServiceCollection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", translateError(err))
	}

	chars := make(charMap)
	for i := range svcs {
		found, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID().String(), translateError(err))
		}
		for j := range found {
			ch := &tinyGoCharacteristic{char: found[j]}
			chars[ch.UUID()] = ch
		}
	}
	c.cached = chars
	return chars, nil
}

// Disconnect closes the link. Its own drop event is not forwarded to the
// session, which already knows the disconnect was requested.
func (c *tinyGoConnection) Disconnect() error {
	c.watch.release(c.addr, c)
	return translateError(c.device.Disconnect())
}

// charMap is a ServiceCollection keyed by lower-case UUID.
type charMap map[string]Characteristic

func (m charMap) Characteristic(uuid string) (Characteristic, bool) {
	ch, ok := m[strings.ToLower(uuid)]
	return ch, ok
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string {
	return strings.ToLower(c.char.UUID().String())
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return translateError(err)
}

// disconnectWatch routes the adapter's disconnect events, which carry only
// an address, to the connection currently registered for that address.
type disconnectWatch struct {
	mu      sync.Mutex
	owners  map[string]watchEntry // keyed by upper-case address
	pending map[string]bool       // a drop we caused has not been reported yet
}

type watchEntry struct {
	owner  any
	onDrop func()
}

func newDisconnectWatch() *disconnectWatch {
	return &disconnectWatch{
		owners:  make(map[string]watchEntry),
		pending: make(map[string]bool),
	}
}

// register makes owner the recipient of the next drop for addr.
func (w *disconnectWatch) register(addr string, owner any, onDrop func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.owners[addressKey(addr)] = watchEntry{owner: owner, onDrop: onDrop}
}

// release unregisters owner ahead of a disconnect it requested. It leaves a
// newer owner of addr in place.
func (w *disconnectWatch) release(addr string, owner any) {
	key := addressKey(addr)
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.owners[key]; ok && e.owner == owner {
		delete(w.owners, key)
	}
	w.pending[key] = true
}

// expectDrop swallows the next drop for addr without unregistering anyone.
func (w *disconnectWatch) expectDrop(addr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[addressKey(addr)] = true
}

// connected clears a pending drop; the stack reports a link's drop before
// the next connect for the same address.
func (w *disconnectWatch) connected(addr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, addressKey(addr))
}

// dropped delivers a drop event for addr.
func (w *disconnectWatch) dropped(addr string) {
	key := addressKey(addr)
	w.mu.Lock()
	if w.pending[key] {
		delete(w.pending, key)
		w.mu.Unlock()
		return
	}
	e, ok := w.owners[key]
	delete(w.owners, key)
	w.mu.Unlock()

	if ok && e.onDrop != nil {
		e.onDrop()
	}
}
