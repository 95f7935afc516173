package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/bjled/internal/retry"
)

// Transport error taxonomy. Adapters translate platform errors into these so
// Classify can decide how to retry.
var (
	// ErrNotFound means the peripheral cannot be located at all.
	ErrNotFound = errors.New("ble: device not found")
	// ErrBusy means the BLE stack rejected the request and a short pause
	// usually clears it.
	ErrBusy = errors.New("ble: adapter busy")
	// ErrTransport is a transient radio or link error.
	ErrTransport = errors.New("ble: transport error")
	// ErrNotConnected is returned when writing without a live link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrCharacteristicNotFound means the write characteristic could not be
	// resolved even after a fresh service discovery.
	ErrCharacteristicNotFound = errors.New("ble: write characteristic not found")
)

// BlueZ error names that mean the device object does not exist.
var notFoundNames = map[string]bool{
	"org.bluez.Error.DoesNotExist":             true,
	"org.freedesktop.DBus.Error.UnknownObject": true,
}

// translateError maps a platform error to the package taxonomy. Errors that
// already carry a taxonomy sentinel pass through unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrBusy, ErrTransport, ErrNotConnected, ErrCharacteristicNotFound} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if name, ok := dbusErrorName(err); ok {
		if notFoundNames[name] {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// dbusErrorName extracts the D-Bus error name from err.
func dbusErrorName(err error) (string, bool) {
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name, true
	}
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name, true
	}
	return "", false
}

// Classify maps an error from the connection manager to its retry class.
//
//   - ErrNotFound and D-Bus errors for a missing device abort immediately.
//   - ErrBusy and raw D-Bus errors back off before retrying.
//   - ErrTransport, ErrNotConnected, timeouts, and broken pipes retry at once.
//   - Everything else, including ErrCharacteristicNotFound, is not retried.
func Classify(err error) retry.Class {
	switch {
	case err == nil:
		return retry.Unclassified
	case errors.Is(err, ErrCharacteristicNotFound), errors.Is(err, context.Canceled):
		return retry.Unclassified
	case errors.Is(err, ErrNotFound):
		return retry.Fatal
	case errors.Is(err, ErrBusy):
		return retry.Backoff
	}
	if name, ok := dbusErrorName(err); ok {
		if notFoundNames[name] {
			return retry.Fatal
		}
		return retry.Backoff
	}
	switch {
	case errors.Is(err, ErrTransport),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.EPIPE):
		return retry.Retryable
	}
	return retry.Unclassified
}
