package bridge

import "errors"

// Errors returned by the bridge. Use errors.Is to check for them.
var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish is not acknowledged.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when the command subscription fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidPayload is returned for command payloads that cannot be applied.
	ErrInvalidPayload = errors.New("mqtt: invalid command payload")
)
