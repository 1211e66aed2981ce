package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 30 * time.Second

	maxQoS = 2

	// presenceQoS is used for the Last Will regardless of the bus QoS; a
	// lost offline notice leaves the orchestrator with a stale node.
	presenceQoS = 1
)

// brokerURL builds the paho broker URL; TLS switches the scheme to ssl.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// buildClientOptions maps the node's MQTT configuration onto paho options.
//
// The session is clean: the orchestrator's configuration is retained on the
// broker, so nothing needs to survive in a persistent session. Per-topic
// ordering is kept so an older configuration never overtakes a newer one.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(defaultKeepAlive).
		SetConnectTimeout(defaultConnectTimeout).
		SetWriteTimeout(defaultPublishTimeout)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}

	// Paho doubles the delay between attempts up to the maximum.
	opts.SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, ServerName: cfg.Broker.Host})
	}
	return opts
}

// configureLWT registers the offline presence as a retained Last Will, so
// the orchestrator learns about a crashed node from the broker.
func configureLWT(opts *pahomqtt.ClientOptions, presence *Presence) {
	opts.SetBinaryWill(presence.Topic, presence.Offline, presenceQoS, true)
}
