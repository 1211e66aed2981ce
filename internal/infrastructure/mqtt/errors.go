package mqtt

import "errors"

// Sentinel errors returned by the bus client. Wrapped errors carry the
// broker detail; match them with errors.Is.
var (
	// ErrNotConnected means the broker session is down. Paho keeps
	// reconnecting in the background; callers retry or drop the message.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnectionFailed means the first connection did not complete
	// within the connect timeout.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps broker or timeout failures on publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps broker or timeout failures on subscribe.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrPayloadTooLarge rejects payloads above the per-message limit.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	ErrInvalidQoS   = errors.New("mqtt: QoS must be 0, 1 or 2")
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
