package mqtt

import "errors"

var (
	// ErrNotConnected means the broker session is down; the call can be
	// retried after the automatic reconnect.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnect wraps a failed initial connection.
	ErrConnect = errors.New("mqtt: connect failed")

	// ErrPublish wraps an oversized, unencodable or unacknowledged message.
	ErrPublish = errors.New("mqtt: publish failed")

	// ErrSubscribe wraps a rejected or unacknowledged subscribe or unsubscribe.
	ErrSubscribe = errors.New("mqtt: subscription failed")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: QoS must be 0, 1 or 2")

	// ErrInvalidTopic is returned for an empty topic or one that does not parse.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
