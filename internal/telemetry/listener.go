package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/middts/middts-core/internal/infrastructure/logging"
	"github.com/middts/middts-core/internal/twin"
)

// Listener defaults.
const (
	DefaultReadTimeout   = 10 * time.Minute
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = 60 * time.Second

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	subscriptionCmd  = 1
)

// Store is the entity-store surface used while ingesting telemetry.
type Store interface {
	BoundDevices(ctx context.Context) ([]twin.Device, error)
	DevicePropertyByName(ctx context.Context, deviceID int64, name string) (twin.DeviceProperty, error)
	SetDevicePropertyValue(ctx context.Context, id int64, value string) error
	PropertiesBoundTo(ctx context.Context, devicePropertyID int64) ([]twin.Property, error)
	SetPropertyValue(ctx context.Context, id int64, value string) error
}

// Liveness reports the current liveness flag of a device.
// liveness.Monitor implements it.
type Liveness interface {
	Active(ctx context.Context, deviceID int64) (bool, error)
}

// Endpoint resolves the telemetry websocket URL of a gateway, token included.
// gateway.Client implements it.
type Endpoint interface {
	TelemetryURL(ctx context.Context, gatewayID int64) (string, error)
}

// TokenInvalidator drops a cached gateway token. gateway.AuthClient implements it.
type TokenInvalidator interface {
	Invalidate(gatewayID int64)
}

// Recorder receives received_timestamp samples. metrics.Emitter implements it.
type Recorder interface {
	ReceivedTimestamp(sensor, key string, value any)
}

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopRecorder struct{}

func (noopRecorder) ReceivedTimestamp(string, string, any) {}

// Deps are the collaborators shared by every listener.
type Deps struct {
	Store    Store
	Liveness Liveness
	Endpoint Endpoint
	Tokens   TokenInvalidator
	Recorder Recorder
	Logger   Logger

	// Dialer defaults to a gorilla dialer with a 10s handshake timeout.
	Dialer *websocket.Dialer
}

// Config holds listener timing.
type Config struct {
	// ReadTimeout closes a connection that delivered nothing for this long.
	ReadTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	return c
}

func (d Deps) withDefaults() Deps {
	if d.Recorder == nil {
		d.Recorder = noopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = noopLogger{}
	}
	if d.Dialer == nil {
		d.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	return d
}

// errInvalidToken marks a session that ended because the gateway rejected the token.
var errInvalidToken = errors.New("telemetry: gateway rejected token")

// Listener streams the telemetry of one device.
type Listener struct {
	device   twin.Device
	deps     Deps
	cfg      Config
	throttle *logging.Throttle
}

// NewListener creates a listener for device.
func NewListener(device twin.Device, deps Deps, cfg Config) *Listener {
	return &Listener{
		device:   device,
		deps:     deps.withDefaults(),
		cfg:      cfg.withDefaults(),
		throttle: logging.NewThrottle(logging.DefaultThrottleWindow),
	}
}

// Device returns the device the listener streams.
func (l *Listener) Device() twin.Device {
	return l.device
}

// Run connects, subscribes and processes frames until ctx is cancelled,
// reconnecting with exponential backoff. It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	failures := 0
	for {
		delivered, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if delivered {
			failures = 0
			l.throttle.Reset(l.throttleKey())
		}
		failures++
		delay := backoff(l.cfg.ReconnectBase, l.cfg.ReconnectMax, failures)

		if errors.Is(err, errInvalidToken) && l.deps.Tokens != nil {
			l.deps.Tokens.Invalidate(l.device.GatewayID)
		}
		if ok, suppressed := l.throttle.Allow(l.throttleKey()); ok {
			l.deps.Logger.Warn("telemetry connection lost",
				"device_id", l.device.ID,
				"identifier", l.device.Identifier,
				"retry_in", delay.String(),
				"suppressed", suppressed,
				"error", err,
			)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection. delivered reports whether any frame arrived.
func (l *Listener) session(ctx context.Context) (delivered bool, err error) {
	wsURL, err := l.deps.Endpoint.TelemetryURL(ctx, l.device.GatewayID)
	if err != nil {
		return false, fmt.Errorf("resolving telemetry url: %w", err)
	}

	conn, resp, err := l.deps.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("%w: handshake status %d", errInvalidToken, resp.StatusCode)
		}
		return false, fmt.Errorf("dialing telemetry websocket: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscription(l.device.Identifier)); err != nil {
		return false, fmt.Errorf("sending subscription: %w", err)
	}
	l.deps.Logger.Info("telemetry subscribed",
		"device_id", l.device.ID,
		"identifier", l.device.Identifier,
	)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return delivered, classifyClose(err)
		}
		delivered = true
		if err := l.Handle(ctx, payload); err != nil {
			l.deps.Logger.Warn("telemetry frame rejected",
				"device_id", l.device.ID,
				"error", err,
			)
		}
	}
}

// classifyClose maps a websocket read error, marking token rejections.
func classifyClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		text := strings.ToLower(ce.Text)
		if ce.Code == websocket.ClosePolicyViolation ||
			strings.Contains(text, "token") || strings.Contains(text, "unauthorized") {
			return fmt.Errorf("%w: %w", errInvalidToken, err)
		}
	}
	return err
}

type subCmd struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Scope      string `json:"scope"`
	CmdID      int    `json:"cmdId"`
}

type subscribeFrame struct {
	TsSubCmds   []subCmd `json:"tsSubCmds"`
	HistoryCmds []any    `json:"historyCmds"`
	AttrSubCmds []any    `json:"attrSubCmds"`
}

func subscription(identifier string) subscribeFrame {
	return subscribeFrame{
		TsSubCmds: []subCmd{{
			EntityType: "DEVICE",
			EntityID:   identifier,
			Scope:      "LATEST_TELEMETRY",
			CmdID:      subscriptionCmd,
		}},
		HistoryCmds: []any{},
		AttrSubCmds: []any{},
	}
}

// telemetryFrame is an inbound frame: data maps a key to [[ts, value], ...].
type telemetryFrame struct {
	SubscriptionID int                            `json:"subscriptionId"`
	ErrorCode      int                            `json:"errorCode"`
	ErrorMsg       string                         `json:"errorMsg"`
	Data           map[string][][]json.RawMessage `json:"data"`
}

// Handle processes one inbound frame. Frames for an inactive device are
// dropped without touching the store.
func (l *Listener) Handle(ctx context.Context, payload []byte) error {
	var frame telemetryFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	if frame.ErrorCode != 0 {
		return fmt.Errorf("gateway error %d: %s", frame.ErrorCode, frame.ErrorMsg)
	}
	if len(frame.Data) == 0 {
		return nil
	}

	active, err := l.deps.Liveness.Active(ctx, l.device.ID)
	if err != nil {
		return fmt.Errorf("reading liveness: %w", err)
	}
	if !active {
		l.deps.Logger.Debug("telemetry dropped for inactive device", "device_id", l.device.ID)
		return nil
	}

	var errs []error
	for key, entries := range frame.Data {
		if len(entries) == 0 || len(entries[0]) < 2 {
			continue
		}
		if err := l.apply(ctx, key, entries[0][1]); err != nil {
			errs = append(errs, fmt.Errorf("key %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// apply stores one value on the device property and mirrors it into the
// causal twin properties bound to it.
func (l *Listener) apply(ctx context.Context, key string, raw json.RawMessage) error {
	dp, err := l.deps.Store.DevicePropertyByName(ctx, l.device.ID, key)
	if errors.Is(err, twin.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	decoded, err := twin.DecodeJSON(raw)
	if err != nil {
		return err
	}
	value, err := twin.CoerceString(dp.Type, decoded)
	if err != nil {
		return err
	}
	if err := l.deps.Store.SetDevicePropertyValue(ctx, dp.ID, value); err != nil {
		return err
	}
	if typed, err := twin.Parse(dp.Type, value); err == nil {
		l.deps.Recorder.ReceivedTimestamp(l.device.Identifier, key, typed)
	}

	bound, err := l.deps.Store.PropertiesBoundTo(ctx, dp.ID)
	if err != nil {
		return err
	}
	for _, p := range bound {
		if !p.Causal {
			continue
		}
		mirrored, err := twin.CoerceString(p.Type, decoded)
		if err != nil {
			l.deps.Logger.Warn("telemetry value does not fit twin property",
				"property_id", p.ID,
				"type", string(p.Type),
				"error", err,
			)
			continue
		}
		if err := l.deps.Store.SetPropertyValue(ctx, p.ID, mirrored); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) throttleKey() string {
	return "telemetry:" + strconv.FormatInt(l.device.ID, 10)
}

// backoff doubles base per failure, capped at ceiling.
func backoff(base, ceiling time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
