// Package ble maintains the BLE link to a single BJ_LED light strip. It
// connects on demand, resolves the write characteristic, serializes
// connection setup, and drops the link after an idle period.
package ble

import "context"

// Characteristic represents a resolved GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical lowercase form.
	UUID() string
	// Write sends data without requesting an acknowledgment.
	Write(data []byte) error
}

// ServiceCollection is the set of GATT characteristics discovered on a
// peripheral. It may be kept across reconnects to skip discovery.
type ServiceCollection interface {
	// Characteristic looks up a characteristic by UUID.
	Characteristic(uuid string) (Characteristic, bool)
}

// Device represents a resolved BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Services returns the collection passed to Connect, or discovers one
	// when none was given.
	Services(ctx context.Context) (ServiceCollection, error)
	// DiscoverServices always performs a fresh discovery.
	DiscoverServices(ctx context.Context) (ServiceCollection, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// ConnectParams carries the per-connection inputs to Adapter.Connect.
type ConnectParams struct {
	// Cached is a collection from an earlier connection, or nil.
	Cached ServiceCollection
	// OnDisconnect is invoked once when the link drops for any reason.
	OnDisconnect func()
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Lookup resolves mac to a connectable peripheral. It returns an error
	// wrapping ErrNotFound when the peripheral is not seen before ctx ends.
	Lookup(ctx context.Context, mac string) (Device, error)
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string, params ConnectParams) (Connection, error)
}
