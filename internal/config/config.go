package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "dispatchline.yml"

// Config models dispatchline.yml.
type Config struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		BasePath       string   `yaml:"base_path"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
		// DevLogin enables POST /auth/dev/login. Never enable in production.
		DevLogin bool `yaml:"dev_login"`
	} `yaml:"auth"`
	Live struct {
		SendBuffer          int `yaml:"send_buffer"`
		BusBuffer           int `yaml:"bus_buffer"`
		WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
		PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	} `yaml:"live"`
	Push struct {
		Provider       string `yaml:"provider"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Concurrency    int    `yaml:"concurrency"`
		FCM            struct {
			ProjectID       string `yaml:"project_id"`
			CredentialsFile string `yaml:"credentials_file"`
		} `yaml:"fcm"`
		MQTT MQTTConfig `yaml:"mqtt"`
	} `yaml:"push"`
	Relay struct {
		Enabled    bool       `yaml:"enabled"`
		InstanceID string     `yaml:"instance_id"`
		MQTT       MQTTConfig `yaml:"mqtt"`
	} `yaml:"relay"`
	Bulk struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"bulk"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// WebhookConfig forwards audit events to an external URL.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var pushProviders = map[string]bool{"log": true, "fcm": true, "mqtt": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if !pushProviders[c.Push.Provider] {
		return fmt.Errorf("config.push.provider must be one of log, fcm, mqtt")
	}
	if c.Push.Provider == "fcm" && c.Push.FCM.CredentialsFile == "" {
		return fmt.Errorf("config.push.fcm.credentials_file is required for the fcm provider")
	}
	if c.Push.Provider == "mqtt" && c.Push.MQTT.Broker == "" {
		return fmt.Errorf("config.push.mqtt.broker is required for the mqtt provider")
	}
	if c.Relay.Enabled && c.Relay.MQTT.Broker == "" {
		return fmt.Errorf("config.relay.mqtt.broker is required when the relay is enabled")
	}
	for _, q := range []int{c.Push.MQTT.QoS, c.Relay.MQTT.QoS} {
		if q < 0 || q > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2")
		}
	}
	if c.Live.SendBuffer < 0 || c.Live.BusBuffer < 0 || c.Bulk.Concurrency < 0 || c.Push.Concurrency < 0 {
		return fmt.Errorf("buffers and concurrency must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// WriteTimeout returns the live write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Live.WriteTimeoutSeconds) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Live.PingIntervalSeconds) * time.Second
}

func (c *Config) PushTimeout() time.Duration {
	return time.Duration(c.Push.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: "127.0.0.1:8080"
  base_path: "/v0"
  allowed_origins: []

auth:
  # Prefer DISPATCHLINE_JWT_SECRET over storing the secret here.
  jwt_secret: ""
  issuer: dispatchline
  dev_login: false

live:
  send_buffer: 64
  bus_buffer: 1024
  write_timeout_seconds: 10
  ping_interval_seconds: 30

push:
  provider: log
  timeout_seconds: 10
  concurrency: 4
  fcm:
    project_id: ""
    credentials_file: ""
  mqtt:
    broker: ""
    topic: dispatchline/push
    qos: 1

relay:
  enabled: false
  instance_id: ""
  mqtt:
    broker: ""
    topic: dispatchline/events
    qos: 1

bulk:
  concurrency: 4

logging:
  level: info

metrics:
  enabled: true
  path: /metrics

webhooks: []
`
