package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/afroash/mijia-monitor/internal/mijia"
)

// Config holds all configuration for the mijia daemon
type Config struct {
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Poll      PollConfig      `yaml:"poll"`
	Storage   StorageConfig   `yaml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Stream    StreamConfig    `yaml:"stream"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BluetoothConfig selects the adapter and the sensors to poll
type BluetoothConfig struct {
	Interface   int           `yaml:"interface"`    // hci index
	ScanTimeout time.Duration `yaml:"scan_timeout"` // discovery scan window
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Discover    bool          `yaml:"discover"`  // scan for sensors on start
	Addresses   []string      `yaml:"addresses"` // static sensor addresses
}

// SensorConfig contains per-sensor read timing
type SensorConfig struct {
	RetryBudget       time.Duration `yaml:"retry_budget"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	NotificationSlice time.Duration `yaml:"notification_slice"`
	BatteryInterval   time.Duration `yaml:"battery_interval"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
}

// PollConfig contains poll loop settings
type PollConfig struct {
	Interval           time.Duration `yaml:"interval"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

// StorageConfig contains the device registry settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DBPath        string        `yaml:"db_path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushPeriod   time.Duration `yaml:"flush_period"`
	ChannelSize   int           `yaml:"channel_size"`
	RetentionDays int           `yaml:"retention_days"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// MQTTConfig contains the MQTT publisher settings
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	Retained       bool          `yaml:"retained"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// StreamConfig contains connection settings for the remote collector
type StreamConfig struct {
	Enabled              bool          `yaml:"enabled"`
	AgentID              string        `yaml:"agent_id"`
	URL                  string        `yaml:"url"`
	AuthToken            string        `yaml:"auth_token"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	DropOldest           bool          `yaml:"drop_oldest"`
}

// ServerConfig contains the local HTTP API settings
type ServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AuthToken      string        `yaml:"auth_token"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	HistorySize    int           `yaml:"history_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// DefaultConfig returns a configuration with every default applied and the
// optional sinks that are on by default enabled.
func DefaultConfig() *Config {
	c := &Config{
		Bluetooth: BluetoothConfig{Discover: true},
		Storage:   StorageConfig{Enabled: true},
		MQTT:      MQTTConfig{Retained: true},
		Stream:    StreamConfig{DropOldest: true},
		Server:    ServerConfig{Enabled: true},
	}
	c.ApplyDefaults()
	return c
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(yamlData, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	config.OverrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// ApplyDefaults sets default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Bluetooth.ScanTimeout == 0 {
		c.Bluetooth.ScanTimeout = mijia.DefaultScanTimeout
	}
	if c.Bluetooth.DialTimeout == 0 {
		c.Bluetooth.DialTimeout = 5 * time.Second
	}
	if len(c.Bluetooth.Addresses) == 0 {
		c.Bluetooth.Discover = true
	}

	if c.Sensor.RetryBudget == 0 {
		c.Sensor.RetryBudget = mijia.DefaultRetryBudget
	}
	if c.Sensor.RetryDelay == 0 {
		c.Sensor.RetryDelay = mijia.DefaultRetryDelay
	}
	if c.Sensor.NotificationSlice == 0 {
		c.Sensor.NotificationSlice = mijia.DefaultNotificationSlice
	}
	if c.Sensor.BatteryInterval == 0 {
		c.Sensor.BatteryInterval = mijia.DefaultBatteryInterval
	}
	if c.Sensor.TelemetryInterval == 0 {
		c.Sensor.TelemetryInterval = mijia.DefaultTelemetryInterval
	}

	if c.Poll.Interval == 0 {
		c.Poll.Interval = 5 * time.Minute
	}
	if c.Poll.BreakerMaxFailures == 0 {
		c.Poll.BreakerMaxFailures = 3
	}
	if c.Poll.BreakerTimeout == 0 {
		c.Poll.BreakerTimeout = 15 * time.Minute
	}

	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "./data/mijia.db"
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 20
	}
	if c.Storage.FlushPeriod == 0 {
		c.Storage.FlushPeriod = 5 * time.Second
	}
	if c.Storage.ChannelSize == 0 {
		c.Storage.ChannelSize = 100
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 30
	}
	if c.Storage.CleanupPeriod == 0 {
		c.Storage.CleanupPeriod = time.Hour
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "mijiad"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mijia"
	}
	if c.MQTT.PublishTimeout == 0 {
		c.MQTT.PublishTimeout = 5 * time.Second
	}

	if c.Stream.AgentID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Stream.AgentID = host
		} else {
			c.Stream.AgentID = "mijiad"
		}
	}
	if c.Stream.ConnectTimeout == 0 {
		c.Stream.ConnectTimeout = 10 * time.Second
	}
	if c.Stream.ReconnectInterval == 0 {
		c.Stream.ReconnectInterval = 1 * time.Second
	}
	if c.Stream.MaxReconnectInterval == 0 {
		c.Stream.MaxReconnectInterval = 5 * time.Minute
	}
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = 30 * time.Second
	}
	if c.Stream.PongTimeout == 0 {
		c.Stream.PongTimeout = 10 * time.Second
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 1000
	}

	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.HistorySize == 0 {
		c.Server.HistorySize = 288
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config values from environment variables.
// Only non-empty variables are applied; a malformed MIJIA_INTERFACE is ignored.
func (c *Config) OverrideFromEnv() {
	if v := os.Getenv("MIJIA_INTERFACE"); v != "" {
		if iface, err := strconv.Atoi(v); err == nil {
			c.Bluetooth.Interface = iface
		}
	}
	if v := os.Getenv("MIJIA_ADDRESSES"); v != "" {
		var addrs []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		c.Bluetooth.Addresses = addrs
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("STREAM_URL"); v != "" {
		c.Stream.URL = v
	}
	if v := os.Getenv("STREAM_AUTH_TOKEN"); v != "" {
		c.Stream.AuthToken = v
	}
	if v := os.Getenv("SERVER_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Bluetooth.Interface < 0 {
		return fmt.Errorf("bluetooth interface must not be negative")
	}
	if c.Bluetooth.ScanTimeout <= 0 {
		return fmt.Errorf("scan timeout must be positive")
	}
	for _, addr := range c.Bluetooth.Addresses {
		if !isBLEAddress(addr) {
			return fmt.Errorf("invalid sensor address %q", addr)
		}
	}
	if !c.Bluetooth.Discover && len(c.Bluetooth.Addresses) == 0 {
		return fmt.Errorf("no sensor addresses configured and discovery disabled")
	}

	if c.Sensor.NotificationSlice <= 0 {
		return fmt.Errorf("notification slice must be positive")
	}
	if c.Sensor.RetryBudget < c.Sensor.NotificationSlice {
		return fmt.Errorf("retry budget must be at least one notification slice")
	}

	if c.Poll.Interval < 10*time.Second {
		return fmt.Errorf("poll interval must be at least 10 seconds")
	}

	if c.Storage.Enabled {
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage db path is required")
		}
		if c.Storage.RetentionDays <= 0 {
			return fmt.Errorf("retention days must be positive")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker is required")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2")
		}
	}

	if c.Stream.Enabled {
		if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
			return fmt.Errorf("stream URL must start with ws:// or wss://")
		}
		if c.Stream.AuthToken == "" {
			return fmt.Errorf("stream auth token is required")
		}
		if c.Stream.BufferSize < 10 || c.Stream.BufferSize > 100000 {
			return fmt.Errorf("stream buffer size must be between 10 and 100000")
		}
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("log format must be json or text")
	}
	return nil
}

// ClientConfig returns the read timing for sensor clients
func (c *Config) ClientConfig() mijia.ClientConfig {
	return mijia.ClientConfig{
		RetryBudget:       c.Sensor.RetryBudget,
		RetryDelay:        c.Sensor.RetryDelay,
		NotificationSlice: c.Sensor.NotificationSlice,
		BatteryInterval:   c.Sensor.BatteryInterval,
		TelemetryInterval: c.Sensor.TelemetryInterval,
	}
}

// String returns a safe string representation (hides tokens and passwords)
func (c *Config) String() string {
	return fmt.Sprintf("Config{Bluetooth: %+v, Sensor: %+v, Poll: %+v, Storage: %+v, MQTT: [Broker=%s, Topic=%s, Password=%s], Stream: [URL=%s, Token=%s], Server: [%s:%d, Token=%s], Logging: %+v}",
		c.Bluetooth,
		c.Sensor,
		c.Poll,
		c.Storage,
		c.MQTT.Broker,
		c.MQTT.TopicPrefix,
		maskToken(c.MQTT.Password),
		c.Stream.URL,
		maskToken(c.Stream.AuthToken),
		c.Server.Host,
		c.Server.Port,
		maskToken(c.Server.AuthToken),
		c.Logging,
	)
}

// isBLEAddress accepts colon separated 48-bit hardware addresses
func isBLEAddress(addr string) bool {
	hw, err := net.ParseMAC(addr)
	return err == nil && len(hw) == 6 && strings.Count(addr, ":") == 5
}

// maskToken masks all but first 4 characters of a token
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
