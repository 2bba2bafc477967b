package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
kafka:
  brokers:
    - kafka-1:9092
    - kafka-2:9092
  topic: action-runs
  group_id: relay-group
  max_connect_attempts: 3
  reconnect_base_delay: 5s

sink:
  url: https://sink.acme.io
  client_id: relay
  client_secret: hunter2

webhook:
  port: 9000

relay:
  default_provider: jenkins
  entity_blueprint: ciBuild

logging:
  level: debug
  format: text

providers:
  - kind: jenkins
    config:
      url: http://jenkins.acme.io
      username: bot
      api_token: tok
      job: widgets
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "kafka-1:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Topic != "action-runs" || cfg.Kafka.GroupID != "relay-group" {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
	if cfg.Kafka.MaxConnectAttempts != 3 || cfg.Kafka.ReconnectBaseDelay != 5*time.Second {
		t.Errorf("Kafka reconnect settings = %+v", cfg.Kafka)
	}
	if cfg.Sink.URL != "https://sink.acme.io" || cfg.Sink.ClientSecret != "hunter2" {
		t.Errorf("Sink = %+v", cfg.Sink)
	}
	if cfg.Webhook.Port != 9000 {
		t.Errorf("Port = %d", cfg.Webhook.Port)
	}
	if cfg.Relay.DefaultProvider != "jenkins" || cfg.Relay.EntityBlueprint != "ciBuild" {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Kind != "jenkins" {
		t.Fatalf("Providers = %+v", cfg.Providers)
	}
	if cfg.Providers[0].Config["job"] != "widgets" {
		t.Errorf("provider config = %v", cfg.Providers[0].Config)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
kafka:
  brokers: [localhost:9092]
  topic: runs
sink:
  url: http://localhost:3000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Kafka.GroupID != "ci-relay" {
		t.Errorf("GroupID = %q, want default", cfg.Kafka.GroupID)
	}
	if cfg.Kafka.MaxConnectAttempts != 5 {
		t.Errorf("MaxConnectAttempts = %d, want 5", cfg.Kafka.MaxConnectAttempts)
	}
	if cfg.Kafka.ReconnectBaseDelay != 2*time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 2s", cfg.Kafka.ReconnectBaseDelay)
	}
	if cfg.Sink.TokenRefreshMargin != 5*time.Minute {
		t.Errorf("TokenRefreshMargin = %v, want 5m", cfg.Sink.TokenRefreshMargin)
	}
	if cfg.Webhook.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Webhook.Port)
	}
	if cfg.Webhook.ReadTimeout != 30*time.Second || cfg.Webhook.WriteTimeout != 30*time.Second {
		t.Errorf("timeouts = %+v", cfg.Webhook)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_SINK_SECRET", "s3cret")
	t.Setenv("TEST_JENKINS_TOKEN", "jtoken")

	path := writeConfig(t, `
kafka:
  brokers: [localhost:9092]
  topic: runs
sink:
  url: http://localhost:3000
  client_secret: ${TEST_SINK_SECRET}
providers:
  - kind: jenkins
    config:
      api_token: ${TEST_JENKINS_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sink.ClientSecret != "s3cret" {
		t.Errorf("ClientSecret = %q, want expanded env value", cfg.Sink.ClientSecret)
	}
	if cfg.Providers[0].Config["api_token"] != "jtoken" {
		t.Errorf("api_token = %q, want expanded env value", cfg.Providers[0].Config["api_token"])
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("Load() error = nil, want read failure")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "kafka: [this is: not yaml")
		if _, err := Load(path); err == nil {
			t.Error("Load() error = nil, want parse failure")
		}
	})
}
