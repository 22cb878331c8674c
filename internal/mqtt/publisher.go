// Package mqtt publishes sensor snapshots to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/models"
)

// ErrTimeout is returned when the broker does not acknowledge in time
var ErrTimeout = errors.New("mqtt: timed out waiting for broker")

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Client is the subset of paho.Client the Publisher uses
type Client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Config holds broker and topic settings
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retained       bool
	PublishTimeout time.Duration
}

// Publisher sends one JSON state message per device snapshot
type Publisher struct {
	client Client
	config Config
	logger zerolog.Logger
}

// NewPublisher connects to the broker and announces the daemon as online.
// The broker marks it offline through the last will if the link drops.
func NewPublisher(config Config, logger zerolog.Logger) (*Publisher, error) {
	config = withDefaults(config)

	opts := paho.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(config.PublishTimeout).
		SetWill(statusTopic(config.TopicPrefix), statusOffline, 1, true)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info().Str("broker", config.Broker).Msg("MQTT connected")
	})

	p := newPublisher(paho.NewClient(opts), config, logger)
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func newPublisher(client Client, config Config, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client: client,
		config: withDefaults(config),
		logger: logger,
	}
}

func withDefaults(c Config) Config {
	if c.ClientID == "" {
		c.ClientID = "mijiad"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "mijia"
	}
	c.TopicPrefix = strings.TrimSuffix(c.TopicPrefix, "/")
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

func (p *Publisher) connect() error {
	if err := p.wait(p.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.config.Broker, err)
	}
	if err := p.wait(p.client.Publish(statusTopic(p.config.TopicPrefix), 1, true, statusOnline)); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

// Topic returns the state topic of the device at address
func (p *Publisher) Topic(address string) string {
	return fmt.Sprintf("%s/%s/state", p.config.TopicPrefix, strings.ToLower(address))
}

// Publish sends snap to the device's state topic and waits for the broker
func (p *Publisher) Publish(snap *models.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	topic := p.Topic(snap.Address)
	if err := p.wait(p.client.Publish(topic, p.config.QoS, p.config.Retained, payload)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}

	p.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published snapshot")
	return nil
}

func (p *Publisher) wait(token paho.Token) error {
	if !token.WaitTimeout(p.config.PublishTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

// Close marks the daemon offline and disconnects
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		if err := p.wait(p.client.Publish(statusTopic(p.config.TopicPrefix), 1, true, statusOffline)); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish offline status")
		}
	}
	p.client.Disconnect(250)
	p.logger.Info().Msg("MQTT publisher closed")
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}
