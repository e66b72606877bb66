package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures an MQTTChannel. An empty Broker disables the
// channel: NewMQTTChannel returns a nil *MQTTChannel, which must not be
// registered with NewManager since its Send dereferences the client.
type MQTTConfig struct {
	Broker       string
	ClientID     string
	Topic        string
	Username     string
	Password     string
	ConnectWait  time.Duration
	QoS          byte
}

// mqttPayload is the JSON body published for every notification.
type mqttPayload struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Time     string `json:"time"`
}

// MQTTChannel publishes notifications to a broker topic as JSON,
// grounded on the daemon's MQTT outbound path: one client, one topic,
// best-effort publish with the connection error logged rather than
// surfaced, since a momentarily offline broker should never stall
// unsolicited event processing.
type MQTTChannel struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *slog.Logger
}

// NewMQTTChannel connects an MQTT client per cfg and returns a ready
// Channel. A zero Broker yields (nil, nil): the channel is simply
// omitted rather than treated as an error.
func NewMQTTChannel(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTChannel, error) {
	if cfg.Broker == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectWait == 0 {
		cfg.ConnectWait = 5 * time.Second
	}
	if cfg.QoS == 0 {
		cfg.QoS = 0
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("notify: mqtt connection lost", "err", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("notify: mqtt connected", "broker", cfg.Broker, "topic", cfg.Topic)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectWait) {
		return nil, disabledErr{channel: "mqtt connect timed out"}
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	return &MQTTChannel{client: client, topic: cfg.Topic, qos: cfg.QoS, logger: logger}, nil
}

func (c *MQTTChannel) Send(category Category, title, body string) error {
	payload, err := json.Marshal(mqttPayload{
		Category: string(category),
		Title:    title,
		Body:     body,
		Time:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	token := c.client.Publish(c.topic, c.qos, false, payload)
	token.Wait()
	return token.Error()
}

// Close disconnects the underlying MQTT client.
func (c *MQTTChannel) Close() {
	c.client.Disconnect(250)
}
