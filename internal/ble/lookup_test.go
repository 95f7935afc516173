package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/bjled/internal/retry"
)

func TestResolveFindsDevice(t *testing.T) {
	adapter := newMockAdapter(testDevice)

	dev, err := Resolve(context.Background(), adapter, "aa:bb:cc:dd:ee:ff", 5*time.Second)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if dev.Name != "BJ_LED_M" {
		t.Errorf("Name = %q, want %q", dev.Name, "BJ_LED_M")
	}
	if dev.RSSI != -60 {
		t.Errorf("RSSI = %d, want -60", dev.RSSI)
	}
}

func TestResolveMissingDeviceIsFatal(t *testing.T) {
	adapter := newMockAdapter()

	_, err := Resolve(context.Background(), adapter, "11:22:33:44:55:66", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
	if got := Classify(err); got != retry.Fatal {
		t.Errorf("Classify() = %v, want %v", got, retry.Fatal)
	}
}
