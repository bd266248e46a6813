package mqtt

import (
	"encoding/json"
	"fmt"
)

// maxPayloadSize caps a single message payload (1MB).
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker's acknowledgement.
//
// Sync events use QoS 1: a subscriber may see a duplicate but never misses
// one. Only the status topic is retained.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: %d byte payload exceeds %d", ErrPublish, len(payload), maxPayloadSize)
	case !c.IsConnected():
		return ErrNotConnected
	}
	return wait(c.conn.Publish(topic, qos, retained, payload), ErrPublish)
}

// PublishJSON sends v as JSON with the configured QoS, not retained.
func (c *Client) PublishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrPublish, err)
	}
	return c.Publish(topic, payload, byte(c.cfg.QoS), false)
}
