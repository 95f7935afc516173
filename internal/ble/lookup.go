package ble

import (
	"context"
	"fmt"
	"time"
)

// DefaultLookupTimeout bounds the scan for a configured address.
const DefaultLookupTimeout = 10 * time.Second

// Resolve powers on the adapter and looks up the peripheral at mac. It gives
// up after timeout with an error wrapping ErrNotFound.
func Resolve(ctx context.Context, adapter Adapter, mac string, timeout time.Duration) (Device, error) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if err := adapter.Enable(); err != nil {
		return Device{}, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dev, err := adapter.Lookup(ctx, mac)
	if err != nil {
		return Device{}, fmt.Errorf("ble: lookup %s: %w", mac, err)
	}
	if dev.MAC == "" {
		dev.MAC = mac
	}
	return dev, nil
}
