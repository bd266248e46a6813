package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/middts/middts-core/internal/infrastructure/config"
)

const testBroker = "127.0.0.1:1883"

// testConfig returns a configuration for a local broker.
func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker, skipping when none is running.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", testBroker, 200*time.Millisecond)
	if err != nil {
		t.Skipf("no MQTT broker at %s: %v", testBroker, err)
	}
	conn.Close()

	client, err := Connect(testConfig(clientID), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// =============================================================================
// Topics
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"SyncEvent reconciled", Topics{}.SyncEvent(3, 42, SyncReconciled), "middts/sync/3/42/reconciled"},
		{"SyncEvent rejected", Topics{}.SyncEvent(1, 7, SyncRejected), "middts/sync/1/7/rejected"},
		{"PropertySet", Topics{}.PropertySet(42), "middts/property/42/set"},
		{"SystemStatus", Topics{}.SystemStatus(), "middts/system/status"},
		{"AllPropertySets", Topics{}.AllPropertySets(), "middts/property/+/set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

func TestParsePropertySet(t *testing.T) {
	tests := []struct {
		topic   string
		want    int64
		wantErr bool
	}{
		{"middts/property/42/set", 42, false},
		{Topics{}.PropertySet(9), 9, false},
		{"middts/property/abc/set", 0, true},
		{"middts/property/42/get", 0, true},
		{"other/property/42/set", 0, true},
		{"middts/property/42", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := ParsePropertySet(tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTopic) {
					t.Errorf("ParsePropertySet(%q) error = %v, want ErrInvalidTopic", tt.topic, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePropertySet(%q) error = %v", tt.topic, err)
			}
			if got != tt.want {
				t.Errorf("ParsePropertySet(%q) = %d, want %d", tt.topic, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Options
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig("middts-test")
	cfg.Broker.TLS = true
	cfg.Auth.Username = "core"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "middts-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "core" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config not applied")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false")
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}
}

func TestSetWill(t *testing.T) {
	opts := buildClientOptions(testConfig("middts-lwt"))
	setWill(opts, "middts-lwt")

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false")
	}
	if opts.WillTopic != "middts/system/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will retained=%v qos=%d, want retained QoS 1", opts.WillRetained, opts.WillQos)
	}

	var msg statusMessage
	if err := json.Unmarshal(opts.WillPayload, &msg); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if msg.Status != statusLost || msg.ClientID != "middts-lwt" {
		t.Errorf("will payload = %+v", msg)
	}
}

func TestStatusPayload(t *testing.T) {
	before := time.Now().UTC().Add(-time.Second)
	for _, status := range []string{statusOnline, statusStopped, statusLost} {
		var msg statusMessage
		if err := json.Unmarshal(statusPayload("c1", status), &msg); err != nil {
			t.Fatalf("%s payload is not JSON: %v", status, err)
		}
		if msg.Status != status || msg.ClientID != "c1" {
			t.Errorf("%s payload = %+v", status, msg)
		}
		if msg.At.Before(before) {
			t.Errorf("%s payload at = %v, want now", status, msg.At)
		}
	}
}

// =============================================================================
// Disconnected client
// =============================================================================

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}

	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", nil, 1, ErrInvalidTopic},
		{"invalid qos", "middts/x", nil, 3, ErrInvalidQoS},
		{"oversized", "middts/x", make([]byte, maxPayloadSize+1), 1, ErrPublish},
		{"disconnected", "middts/x", []byte("{}"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPublishJSON_EncodingError(t *testing.T) {
	client := &Client{}
	err := client.PublishJSON("middts/x", make(chan int))
	if !errors.Is(err, ErrPublish) {
		t.Errorf("PublishJSON() error = %v, want ErrPublish", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{routes: make(map[string]route)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Subscribe("middts/x", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v", err)
	}
	if err := client.Subscribe("middts/x", 1, nil); !errors.Is(err, ErrSubscribe) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := client.Subscribe("middts/x", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
	if len(client.routes) != 0 {
		t.Errorf("routes = %d after failed subscribes, want 0", len(client.routes))
	}
}

func TestUnsubscribe_DropsRouteWhileDisconnected(t *testing.T) {
	client := &Client{routes: map[string]route{
		"middts/property/+/set": {qos: 1, handler: func(string, []byte) error { return nil }},
	}}

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Unsubscribe("middts/property/+/set"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v, want ErrNotConnected", err)
	}
	if len(client.routes) != 0 {
		t.Error("route kept after Unsubscribe; a reconnect would restore it")
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	client := &Client{}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() cancelled error = %v", err)
	}
}

func TestDispatch_RecoversPanic(t *testing.T) {
	logger := &recordingLogger{}
	client := &Client{log: logger}

	h := client.dispatch(func(string, []byte) error { panic("boom") })
	h(nil, fakeMessage{topic: "middts/property/1/set"})

	h = client.dispatch(func(string, []byte) error { return errors.New("bad value") })
	h(nil, fakeMessage{topic: "middts/property/1/set"})

	if logger.errors != 1 || logger.warns != 1 {
		t.Errorf("errors=%d warns=%d, want 1 and 1", logger.errors, logger.warns)
	}

	// Without a logger the panic is still contained.
	(&Client{}).dispatch(func(string, []byte) error { panic("boom") })(nil, fakeMessage{})
}

type recordingLogger struct {
	errors, warns int
}

func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) { l.errors++ }
func (l *recordingLogger) Warn(string, ...any)  { l.warns++ }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// =============================================================================
// Broker round trips (skipped without a local broker)
// =============================================================================

func TestConnect(t *testing.T) {
	client := connectOrSkip(t, "middts-test-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestPropertyCommandRoundtrip(t *testing.T) {
	sub := connectOrSkip(t, "middts-test-sub")
	pub := connectOrSkip(t, "middts-test-pub")

	received := make(chan []byte, 4)
	err := sub.Subscribe(Topics{}.AllPropertySets(), 1, func(topic string, payload []byte) error {
		if _, err := ParsePropertySet(topic); err != nil {
			return fmt.Errorf("unexpected topic %s", topic)
		}
		received <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Give the broker time to register the subscription.
	time.Sleep(100 * time.Millisecond)

	if err := pub.PublishJSON(Topics{}.PropertySet(42), map[string]any{"value": true}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"value":true}` {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("property command not received")
	}

	if err := sub.Unsubscribe(Topics{}.AllPropertySets()); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := pub.PublishJSON(Topics{}.PropertySet(42), map[string]any{"value": false}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}
	select {
	case payload := <-received:
		t.Errorf("command delivered after Unsubscribe: %s", payload)
	case <-time.After(300 * time.Millisecond):
	}
}
