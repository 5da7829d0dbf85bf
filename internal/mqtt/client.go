package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

// Client receives tracker fixes from the MQTT broker
type Client struct {
	client    mqtt.Client
	config    *config.MQTTConfig
	logger    *utils.Logger
	parser    *Parser
	handler   FixHandler
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	mu        sync.RWMutex
}

// FixHandler receives decoded fixes. It is called on the paho delivery
// goroutine, so it must not block for long.
type FixHandler func(point models.GpsPoint) error

// NewClient creates a new MQTT client
func NewClient(cfg *config.MQTTConfig, logger *utils.Logger, handler FixHandler) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config:  cfg,
		logger:  logger,
		parser:  NewParser(logger),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetOrderMatters(cfg.OrderMatters)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()

		c.logger.WithField("broker", cfg.URL).Info("Connected to MQTT broker")
		metrics.MQTTConnectionStatus.Set(1)

		// subscriptions do not survive a clean-session reconnect
		if token := client.Subscribe(cfg.Topic, 1, c.messageHandler()); token.Wait() && token.Error() != nil {
			c.logger.WithField("topic", cfg.Topic).
				WithError(token.Error()).
				Error("Failed to subscribe to topic")
		} else {
			c.logger.WithField("topic", cfg.Topic).Info("Subscribed to MQTT topic")
		}
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		c.logger.WithError(err).Warn("Lost connection to MQTT broker")
		metrics.MQTTConnectionStatus.Set(0)
	})

	c.client = mqtt.NewClient(opts)

	return c, nil
}

// Connect connects to the broker and waits until the session is up
func (c *Client) Connect() error {
	c.logger.WithField("broker", c.config.URL).Info("Connecting to MQTT broker")

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("connection timeout")
		case <-ticker.C:
			c.mu.RLock()
			connected := c.connected
			c.mu.RUnlock()

			if connected {
				return nil
			}
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker")

	c.cancel()

	if c.client.IsConnected() {
		c.client.Disconnect(1000)
	}

	metrics.MQTTConnectionStatus.Set(0)
	c.logger.Info("MQTT client disconnected")
}

// IsConnected reports the connection state
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// messageHandler decodes fixes in delivery order. With OrderMatters set paho
// delivers one message at a time, which keeps per-entity order intact.
func (c *Client) messageHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		c.handle(msg.Topic(), msg.Payload())
	}
}

func (c *Client) handle(topic string, payload []byte) {
	metrics.MQTTMessagesReceived.Inc()

	point, err := c.parser.Parse(topic, payload)
	if err != nil {
		c.logger.WithField("topic", topic).
			WithField("payload_size", len(payload)).
			WithError(err).
			Warn("Failed to parse tracker fix")
		metrics.MQTTParseErrors.Inc()
		return
	}

	if c.handler == nil {
		c.logger.WithField("topic", topic).Warn("Fix handler is nil")
		return
	}

	if err := c.handler(*point); err != nil {
		c.logger.WithField("topic", topic).
			WithField("entity_id", point.EntityID).
			WithError(err).
			Error("Fix handler failed")
	}
}

// GetStats returns client information
func (c *Client) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"connected":     c.connected,
		"client_id":     c.config.ClientID,
		"broker_url":    c.config.URL,
		"topic":         c.config.Topic,
		"clean_session": c.config.CleanSession,
	}
}

// PublishFix publishes a fix on the entity's topic
func (c *Client) PublishFix(point models.GpsPoint) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	topic := TopicFor(point.EntityID)
	token := c.client.Publish(topic, 1, false, EncodeFix(point))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish fix: %w", token.Error())
	}

	c.logger.WithField("topic", topic).Debug("Published tracker fix")
	return nil
}
