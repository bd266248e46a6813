package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/middts/middts-core/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second

	// ackTimeout bounds the wait for a PUBACK, SUBACK or UNSUBACK.
	ackTimeout = 5 * time.Second

	disconnectQuiesceMS = 1000
	keepAlive           = 60 * time.Second
	maxQoS              = 2
	tlsMinVersion       = tls.VersionTLS12
)

// Values of the status field on the system status topic.
const (
	statusOnline  = "online"
	statusStopped = "stopped"
	statusLost    = "lost"
)

// buildClientOptions maps the mqtt config section onto a clean paho
// session that reconnects on its own.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// setWill makes the broker publish a retained "lost" status when the
// session ends without Close.
func setWill(opts *pahomqtt.ClientOptions, clientID string) {
	opts.SetBinaryWill(Topics{}.SystemStatus(), statusPayload(clientID, statusLost), 1, true)
}

// statusMessage is the body of the system status topic.
type statusMessage struct {
	Status   string    `json:"status"`
	ClientID string    `json:"client_id"`
	At       time.Time `json:"at"`
}

func statusPayload(clientID, status string) []byte {
	// A struct of strings and a time always encodes.
	b, _ := json.Marshal(statusMessage{Status: status, ClientID: clientID, At: time.Now().UTC()}) //nolint:errcheck // see above
	return b
}
