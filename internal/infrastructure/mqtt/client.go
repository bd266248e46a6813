package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/middts/middts-core/internal/infrastructure/config"
)

// Client is the core's broker session. It publishes sync events and routes
// property commands to their handlers.
//
// Routes survive reconnects: the broker session is clean, so every route is
// subscribed again once the connection is back. All methods are safe for
// concurrent use.
type Client struct {
	conn pahomqtt.Client
	cfg  config.MQTTConfig
	log  Logger

	// up mirrors the broker session between the paho callbacks.
	up atomic.Bool

	routesMu sync.Mutex
	routes   map[string]route
}

// Logger receives session changes and handler failures.
// *logging.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler handles one message. Handlers run on paho goroutines and
// should return quickly; a returned error is logged.
type MessageHandler func(topic string, payload []byte) error

type route struct {
	qos     byte
	handler MessageHandler
}

// Connect opens a broker session and waits for the first CONNACK.
//
// The broker holds a retained offline status as the session's will; an
// online status replaces it after every (re)connect. A nil log discards
// session messages.
func Connect(cfg config.MQTTConfig, log Logger) (*Client, error) {
	if log == nil {
		log = discard{}
	}
	c := &Client{
		cfg:    cfg,
		log:    log,
		routes: make(map[string]route),
	}

	opts := buildClientOptions(cfg)
	setWill(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.up.Store(false)
		c.log.Warn("MQTT connection lost", "broker", cfg.Broker.Host, "error", err)
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log.Warn("MQTT reconnecting", "client_id", cfg.Broker.ClientID)
	})

	c.conn = pahomqtt.NewClient(opts)
	tok := c.conn.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		// Disconnect also stops paho's connect-retry loop.
		c.conn.Disconnect(0)
		return nil, fmt.Errorf("%w: no CONNACK after %v", ErrConnect, connectTimeout)
	}
	if err := tok.Error(); err != nil {
		c.conn.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	// The on-connect handler is asynchronous and may still be pending.
	c.up.Store(true)
	return c, nil
}

// sessionUp re-subscribes every route and announces the core online.
func (c *Client) sessionUp() {
	c.up.Store(true)

	c.routesMu.Lock()
	for topic, r := range c.routes {
		// The result arrives after this callback returns; a failure shows up
		// as a missing command route, which the next reconnect retries.
		c.conn.Subscribe(topic, r.qos, c.dispatch(r.handler))
	}
	c.routesMu.Unlock()

	c.conn.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true, statusPayload(c.cfg.Broker.ClientID, statusOnline))
	c.log.Info("MQTT connected", "broker", c.cfg.Broker.Host, "port", c.cfg.Broker.Port)
}

// Close announces a graceful shutdown and disconnects. Close on a client
// that never connected is a no-op.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if c.IsConnected() {
		tok := c.conn.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true, statusPayload(c.cfg.Broker.ClientID, statusStopped))
		tok.WaitTimeout(ackTimeout)
	}
	c.conn.Disconnect(disconnectQuiesceMS)
	c.up.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.up.Load() && c.conn.IsConnected()
}

// dispatch adapts handler to paho, logging its error or panic. A panicking
// command handler must not take the paho router down with it.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger().Error("MQTT handler panicked", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger().Warn("MQTT message not handled", "topic", msg.Topic(), "error", err)
		}
	}
}

func (c *Client) logger() Logger {
	if c.log == nil {
		return discard{}
	}
	return c.log
}

type discard struct{}

func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
