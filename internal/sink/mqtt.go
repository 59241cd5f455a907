package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the [MQTT] publisher.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// TopicPrefix is joined with the event kind, e.g. "kaiwa/turn".
	// Default: "kaiwa".
	TopicPrefix string
	QoS         byte
}

// MQTT publishes each event to "<prefix>/<kind>".
type MQTT struct {
	client paho.Client
	cfg    MQTTConfig
}

var _ Publisher = (*MQTT)(nil)

// NewMQTT connects to the broker. The client reconnects on its own after
// the initial connection succeeded.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "kaiwa"
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("sink: mqtt connection lost", "err", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("sink: mqtt: connect %s: %w", cfg.BrokerURL, token.Error())
	}
	return &MQTT{client: client, cfg: cfg}, nil
}

// Publish implements [Publisher].
func (m *MQTT) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sink: mqtt: encode: %w", err)
	}
	token := m.client.Publish(topicFor(m.cfg.TopicPrefix, e.Kind), m.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("sink: mqtt: publish: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements [Publisher].
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func topicFor(prefix string, k Kind) string {
	return prefix + "/" + string(k)
}
