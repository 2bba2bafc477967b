package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the relay configuration
type Config struct {
	Kafka     KafkaConfig      `yaml:"kafka"`
	Sink      SinkConfig       `yaml:"sink"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Relay     RelayConfig      `yaml:"relay"`
	Logging   LoggingConfig    `yaml:"logging"`
	Providers []ProviderConfig `yaml:"providers"`
}

// KafkaConfig contains action-message consumer settings
type KafkaConfig struct {
	Brokers            []string      `yaml:"brokers"`
	Topic              string        `yaml:"topic"`
	GroupID            string        `yaml:"group_id"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
}

// SinkConfig contains status-sink connection settings
type SinkConfig struct {
	URL                string        `yaml:"url"`
	ClientID           string        `yaml:"client_id"`
	ClientSecret       string        `yaml:"client_secret"`
	TokenRefreshMargin time.Duration `yaml:"token_refresh_margin"`
}

// WebhookConfig contains webhook HTTP server settings
type WebhookConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RelayConfig contains orchestration settings
type RelayConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	EntityBlueprint string `yaml:"entity_blueprint"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// ProviderConfig declares one CI provider instance
type ProviderConfig struct {
	Kind   string            `yaml:"kind"` // "jenkins", "circleci"
	Config map[string]string `yaml:"config"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Set defaults
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "ci-relay"
	}
	if cfg.Kafka.MaxConnectAttempts == 0 {
		cfg.Kafka.MaxConnectAttempts = 5
	}
	if cfg.Kafka.ReconnectBaseDelay == 0 {
		cfg.Kafka.ReconnectBaseDelay = 2 * time.Second
	}
	if cfg.Sink.TokenRefreshMargin == 0 {
		cfg.Sink.TokenRefreshMargin = 5 * time.Minute
	}
	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = 8080
	}
	if cfg.Webhook.ReadTimeout == 0 {
		cfg.Webhook.ReadTimeout = 30 * time.Second
	}
	if cfg.Webhook.WriteTimeout == 0 {
		cfg.Webhook.WriteTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	return &cfg, nil
}
