package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe routes messages on topic, which may contain the + and #
// wildcards, to handler. The route is kept across reconnects until
// Unsubscribe.
//
//	err := client.Subscribe(mqtt.Topics{}.AllPropertySets(), 1, sync.HandleCommand)
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribe, topic)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.routesMu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.routesMu.Unlock()

	if err := wait(c.conn.Subscribe(topic, qos, c.dispatch(handler)), ErrSubscribe); err != nil {
		c.drop(topic)
		return err
	}
	return nil
}

// Unsubscribe removes the route for topic. Messages already delivered to
// paho may still reach the handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	c.drop(topic)
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return wait(c.conn.Unsubscribe(topic), ErrSubscribe)
}

func (c *Client) drop(topic string) {
	c.routesMu.Lock()
	delete(c.routes, topic)
	c.routesMu.Unlock()
}

// wait blocks for tok's acknowledgement and wraps a failure in kind.
func wait(tok pahomqtt.Token, kind error) error {
	if !tok.WaitTimeout(ackTimeout) {
		return fmt.Errorf("%w: no acknowledgement after %v", kind, ackTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}
