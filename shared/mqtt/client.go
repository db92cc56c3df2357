package mqtt

import (
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Config holds MQTT connection configuration
type Config struct {
	BrokerURL      string
	ClientIDPrefix string
	Username       string
	Password       string
	QoS            byte
	TopicPrefix    string
	ConnectTimeout time.Duration

	// WillTopic, when set, publishes WillPayload as a retained message
	// if the connection drops without a clean disconnect
	WillTopic   string
	WillPayload []byte
}

// Client represents an MQTT client
type Client struct {
	client paho.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new MQTT client and connects to the broker
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	clientID := fmt.Sprintf("%s-%s", config.ClientIDPrefix, uuid.New().String()[:8])

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(clientID).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetConnectTimeout(config.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOrderMatters(false)

	// Manual acks so a buffered delivery survives a crash before claim
	opts.SetAutoAckDisabled(true)

	if config.WillTopic != "" {
		opts.SetBinaryWill(config.WillTopic, config.WillPayload, config.QoS, true)
	}

	logger.Info("Connecting to MQTT broker",
		slog.String("broker_url", config.BrokerURL),
		slog.String("client_id", clientID),
	)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", config.BrokerURL)
	}
	if err := token.Error(); err != nil {
		logger.Error("Failed to connect to MQTT broker",
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	logger.Info("Successfully connected to MQTT broker")

	return &Client{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Topic builds a prefixed topic path
func (c *Client) Topic(parts ...string) string {
	topic := c.config.TopicPrefix
	for _, part := range parts {
		topic += "/" + part
	}
	return topic
}

// QoS returns the configured quality-of-service level
func (c *Client) QoS() byte {
	return c.config.QoS
}

// Publish publishes a payload to a topic
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, c.config.QoS, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("Failed to publish MQTT message",
			slog.String("topic", topic),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	c.logger.Debug("MQTT message published",
		slog.String("topic", topic),
		slog.Int("body_size", len(payload)),
	)

	return nil
}

// Subscribe registers a handler for a topic
func (c *Client) Subscribe(topic string, handler paho.MessageHandler) error {
	token := c.client.Subscribe(topic, c.config.QoS, handler)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	c.logger.Info("Subscribed to MQTT topic",
		slog.String("topic", topic),
		slog.Int("qos", int(c.config.QoS)),
	)

	return nil
}

// Unsubscribe removes a topic subscription
func (c *Client) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects from the broker
func (c *Client) Close() error {
	c.logger.Info("Closing MQTT connection")
	c.client.Disconnect(250)
	return nil
}
