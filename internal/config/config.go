package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. It mirrors config/gateway.yaml;
// secrets and endpoints may be overridden through the environment.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Auth      AuthConfig      `yaml:"auth"`
	DeviceAPI DeviceAPIConfig `yaml:"device_api"`
	InfluxDB  InfluxConfig    `yaml:"influxdb"`
	RabbitMQ  RabbitConfig    `yaml:"rabbitmq"`
	Modbus    ModbusConfig    `yaml:"modbus"`
	OpcUa     OpcUaConfig     `yaml:"opcua"`
	Cache     CacheConfig     `yaml:"cache"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Log       LogConfig       `yaml:"log"`
}

type GatewayConfig struct {
	ID           string `yaml:"id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type AuthConfig struct {
	BaseURL string `yaml:"base_url"`
}

type DeviceAPIConfig struct {
	BaseURL string `yaml:"base_url"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type RabbitConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	UserName    string `yaml:"username"`
	Password    string `yaml:"password"`
	VirtualHost string `yaml:"virtual_host"`
	QueueName   string `yaml:"queue_name"`
}

// URL renders the AMQP connection string.
func (c RabbitConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.UserName, c.Password, c.Host, c.Port, c.VirtualHost)
}

type ModbusConfig struct {
	MaxConcurrentPolls int `yaml:"max_concurrent_polls"`
	// FailureThreshold is carried from the catalog service configuration but
	// does not drive any decision yet.
	FailureThreshold int `yaml:"failure_threshold"`
}

type OpcUaConfig struct {
	PKIDir     string `yaml:"pki_dir"`
	AutoAccept bool   `yaml:"auto_accept"`
}

type CacheConfig struct {
	ConfigurationsMinutes int `yaml:"configurations_minutes"`
}

// TTL returns the catalog partition time-to-live.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.ConfigurationsMinutes) * time.Minute
}

type ForwarderConfig struct {
	IntervalSeconds    int  `yaml:"interval_seconds"`
	DeleteAfterPublish bool `yaml:"delete_after_publish"`
}

func (c ForwarderConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, then validates. Missing required settings are fatal here.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.Gateway.ID, "GATEWAY_ID")
	setStr(&c.Gateway.ClientID, "GATEWAY_CLIENT_ID")
	setStr(&c.Gateway.ClientSecret, "GATEWAY_CLIENT_SECRET")
	setStr(&c.Auth.BaseURL, "AUTH_BASE_URL")
	setStr(&c.DeviceAPI.BaseURL, "DEVICE_API_BASE_URL")
	setStr(&c.InfluxDB.URL, "INFLUXDB_URL")
	setStr(&c.InfluxDB.Token, "INFLUXDB_TOKEN")
	setStr(&c.InfluxDB.Org, "INFLUXDB_ORG")
	setStr(&c.InfluxDB.Bucket, "INFLUXDB_BUCKET")
	setStr(&c.RabbitMQ.Host, "RABBITMQ_HOST")
	setInt(&c.RabbitMQ.Port, "RABBITMQ_PORT")
	setStr(&c.RabbitMQ.UserName, "RABBITMQ_USERNAME")
	setStr(&c.RabbitMQ.Password, "RABBITMQ_PASSWORD")
	setStr(&c.RabbitMQ.VirtualHost, "RABBITMQ_VHOST")
	setStr(&c.RabbitMQ.QueueName, "RABBITMQ_QUEUE")
	setStr(&c.Log.Level, "LOG_LEVEL")
	setStr(&c.Log.Format, "LOG_FORMAT")
}

func (c *Config) applyDefaults() {
	if c.InfluxDB.URL == "" {
		c.InfluxDB.URL = "http://localhost:8087"
	}
	if c.InfluxDB.Org == "" {
		c.InfluxDB.Org = "WMIND"
	}
	if c.InfluxDB.Bucket == "" {
		c.InfluxDB.Bucket = "SignalTelemetryData"
	}
	if c.RabbitMQ.Host == "" {
		c.RabbitMQ.Host = "localhost"
	}
	if c.RabbitMQ.Port <= 0 {
		c.RabbitMQ.Port = 5672
	}
	if c.RabbitMQ.VirtualHost == "" {
		c.RabbitMQ.VirtualHost = "/"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "telemetry_queue"
	}
	if c.Modbus.MaxConcurrentPolls <= 0 {
		c.Modbus.MaxConcurrentPolls = 10
	}
	if c.Modbus.FailureThreshold <= 0 {
		c.Modbus.FailureThreshold = 3
	}
	if c.OpcUa.PKIDir == "" {
		c.OpcUa.PKIDir = "pki"
	}
	if c.Cache.ConfigurationsMinutes <= 0 {
		c.Cache.ConfigurationsMinutes = 30
	}
	if c.Forwarder.IntervalSeconds <= 0 {
		c.Forwarder.IntervalSeconds = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	if c.Gateway.ID == "" {
		return fmt.Errorf("config: gateway.id is required")
	}
	if c.Gateway.ClientID == "" || c.Gateway.ClientSecret == "" {
		return fmt.Errorf("config: gateway.client_id and gateway.client_secret are required")
	}
	if c.Auth.BaseURL == "" {
		return fmt.Errorf("config: auth.base_url is required")
	}
	if c.DeviceAPI.BaseURL == "" {
		return fmt.Errorf("config: device_api.base_url is required")
	}
	return nil
}
